package epg

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/snapetech/plexbridge/internal/clock"
	"github.com/snapetech/plexbridge/internal/safeurl"
	"github.com/snapetech/plexbridge/internal/store"
)

// ErrSourceDisabled is returned when refreshing a disabled source.
var ErrSourceDisabled = errors.New("epg: source disabled")

// Observer receives refresh outcomes (metrics).
type Observer interface {
	Refreshed(sourceID string, res store.IngestResult, err error, d time.Duration)
}

// Report summarizes one refresh.
type Report struct {
	SourceID string             `json:"source_id"`
	Result   store.IngestResult `json:"result"`
	Skipped  int                `json:"skipped"`
	Dropped  int                `json:"dropped"`
	Duration time.Duration      `json:"duration"`
	Err      string             `json:"error,omitempty"`
}

// Service owns EPG ingestion and queries.
type Service struct {
	store     *store.Store
	client    *http.Client
	clock     clock.Clock
	retention time.Duration
	observer  Observer
	queries   *queryCache

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Options configures a Service.
type Options struct {
	Client    *http.Client
	Clock     clock.Clock
	Retention time.Duration
	Observer  Observer
}

// NewService returns a Service backed by st.
func NewService(st *store.Store, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Retention <= 0 {
		opts.Retention = 7 * 24 * time.Hour
	}
	return &Service{
		store:     st,
		client:    opts.Client,
		clock:     opts.Clock,
		retention: opts.Retention,
		observer:  opts.Observer,
		queries:   newQueryCache(),
		locks:     make(map[string]*sync.Mutex),
	}
}

// RetentionCutoff is the instant before which ended programs are purged.
func (s *Service) RetentionCutoff() time.Time {
	return s.clock.Now().Add(-s.retention)
}

func (s *Service) sourceLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Refresh fetches, parses and ingests one source. Refreshes of the same
// source are serialized. A failed fetch or parse records last_error and
// leaves existing data untouched.
func (s *Service) Refresh(ctx context.Context, sourceID string) (Report, error) {
	l := s.sourceLock(sourceID)
	l.Lock()
	defer l.Unlock()

	rep := Report{SourceID: sourceID}
	src, err := s.store.GetEPGSource(ctx, sourceID)
	if err != nil {
		return rep, err
	}
	if !src.Enabled {
		return rep, ErrSourceDisabled
	}
	start := s.clock.Now()
	res, skipped, dropped, err := s.ingest(ctx, src)
	rep.Result, rep.Skipped, rep.Dropped = res, skipped, dropped
	rep.Duration = s.clock.Since(start)
	if err != nil {
		rep.Err = err.Error()
		log.Printf("epg: refresh failed source=%s url=%s err=%v", src.ID, safeurl.RedactURL(src.URL), err)
	} else {
		log.Printf("epg: refreshed source=%s channels=%d programs=%d superseded=%d purged=%d skipped=%d in %s",
			src.ID, res.Channels, res.Programs, res.Superseded, res.Purged, skipped, rep.Duration.Round(time.Millisecond))
	}
	if recErr := s.store.RecordEPGFetch(context.WithoutCancel(ctx), src.ID, s.clock.Now(), err); recErr != nil {
		log.Printf("epg: record fetch source=%s err=%v", src.ID, recErr)
	}
	if s.observer != nil {
		s.observer.Refreshed(src.ID, res, err, rep.Duration)
	}
	return rep, err
}

func (s *Service) ingest(ctx context.Context, src store.EPGSource) (store.IngestResult, int, int, error) {
	body, err := Open(ctx, s.client, src.URL)
	if err != nil {
		return store.IngestResult{}, 0, 0, err
	}
	defer body.Close()
	warned := 0
	doc, err := Parse(body, src.ID, func(msg string) {
		if warned < 20 {
			log.Printf("epg: skip source=%s %s", src.ID, msg)
		}
		warned++
	})
	if err != nil {
		return store.IngestResult{}, doc.Skipped, 0, err
	}
	if len(doc.Channels) == 0 && len(doc.Programmes) == 0 {
		return store.IngestResult{}, doc.Skipped, 0, fmt.Errorf("epg: source %s: document has no channels or programmes", src.ID)
	}
	progs, dropped := Normalize(doc.Programmes)
	chans := dedupeChannels(doc.Channels)
	now := s.clock.Now()
	res, err := s.store.IngestEPG(ctx, src.ID, chans, progs, now, now.Add(-s.retention))
	return res, doc.Skipped, dropped, err
}

// RefreshAll refreshes every enabled source, at most parallel at a time.
// Per-source errors are reported in the returned slice; the error is the
// first store failure, if any.
func (s *Service) RefreshAll(ctx context.Context, parallel int) ([]Report, error) {
	srcs, err := s.store.ListEPGSources(ctx)
	if err != nil {
		return nil, err
	}
	if parallel < 1 {
		parallel = 2
	}
	reports := make([]Report, len(srcs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, src := range srcs {
		if !src.Enabled {
			reports[i] = Report{SourceID: src.ID, Err: ErrSourceDisabled.Error()}
			continue
		}
		g.Go(func() error {
			rep, err := s.Refresh(gctx, src.ID)
			reports[i] = rep
			if errors.Is(err, store.ErrClosed) {
				return err
			}
			return nil
		})
	}
	return reports, g.Wait()
}

// Purge deletes programs that ended before the retention cutoff.
func (s *Service) Purge(ctx context.Context) (int64, error) {
	n, err := s.store.PurgePrograms(ctx, s.RetentionCutoff())
	if err == nil && n > 0 {
		log.Printf("epg: purged %d programs older than %s", n, s.retention)
	}
	return n, err
}
