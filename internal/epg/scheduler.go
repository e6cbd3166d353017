package epg

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler refreshes each enabled source on its own interval and purges
// expired programs hourly.
type Scheduler struct {
	svc             *Service
	defaultInterval time.Duration

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler returns a stopped scheduler. defaultInterval applies to
// sources without a refresh interval.
func NewScheduler(svc *Service, defaultInterval time.Duration) *Scheduler {
	if defaultInterval <= 0 {
		defaultInterval = 4 * time.Hour
	}
	return &Scheduler{
		svc:             svc,
		defaultInterval: defaultInterval,
		entries:         make(map[string]cron.EntryID),
	}
}

// Start registers the jobs and starts the cron runner. When refreshNow is
// set, every enabled source is refreshed once in the background.
func (s *Scheduler) Start(ctx context.Context, refreshNow bool) error {
	s.mu.Lock()
	if s.cron != nil {
		s.mu.Unlock()
		return fmt.Errorf("epg: scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron = cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	if _, err := s.cron.AddFunc("@every 1h", func() {
		if _, err := s.svc.Purge(s.ctx); err != nil {
			log.Printf("epg: purge err=%v", err)
		}
	}); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	if err := s.Reload(ctx); err != nil {
		return err
	}
	s.cron.Start()
	if refreshNow {
		go func() {
			if _, err := s.svc.RefreshAll(s.ctx, 2); err != nil {
				log.Printf("epg: initial refresh err=%v", err)
			}
		}()
	}
	return nil
}

// Reload re-reads sources and replaces their refresh jobs. Call after a
// source is added, changed or removed.
func (s *Scheduler) Reload(ctx context.Context) error {
	srcs, err := s.svc.store.ListEPGSources(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return nil
	}
	for id, e := range s.entries {
		s.cron.Remove(e)
		delete(s.entries, id)
	}
	for _, src := range srcs {
		if !src.Enabled {
			continue
		}
		interval := src.RefreshInterval
		if interval <= 0 {
			interval = s.defaultInterval
		}
		id := src.ID
		e, err := s.cron.AddFunc("@every "+interval.String(), func() {
			_, _ = s.svc.Refresh(s.ctx, id)
		})
		if err != nil {
			log.Printf("epg: schedule source=%s interval=%s err=%v", id, interval, err)
			continue
		}
		s.entries[id] = e
	}
	log.Printf("epg: scheduled %d sources", len(s.entries))
	return nil
}

// Scheduled returns the number of sources with a refresh job.
func (s *Scheduler) Scheduled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// NextRun returns the next scheduled refresh for sourceID.
func (s *Scheduler) NextRun(sourceID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[sourceID]
	if !ok || s.cron == nil {
		return time.Time{}, false
	}
	return s.cron.Entry(e).Next, true
}

// Stop halts the runner and waits for running jobs, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.cron
	cancel := s.cancel
	s.mu.Unlock()
	if c == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}
