package epg

import (
	"context"
	"time"
)

// SourceStatus is the diagnostic view of one source.
type SourceStatus struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	URL             string    `json:"url"`
	Enabled         bool      `json:"enabled"`
	Category        string    `json:"category,omitempty"`
	SecondaryGenres []string  `json:"secondary_genres,omitempty"`
	RefreshInterval string    `json:"refresh_interval"`
	LastFetchAt     time.Time `json:"last_fetch_at,omitzero"`
	LastSuccessAt   time.Time `json:"last_success_at,omitzero"`
	LastError       string    `json:"last_error,omitempty"`
	Channels        int       `json:"channels"`
	Programs        int       `json:"programs"`
	NextRefresh     time.Time `json:"next_refresh,omitzero"`
}

// Coverage summarizes how many enabled channels resolve to guide data.
type Coverage struct {
	Channels int            `json:"channels"`
	Mapped   int            `json:"mapped"`
	Unmapped int            `json:"unmapped"`
	Methods  map[Method]int `json:"methods"`
	Missing  []ChannelRef   `json:"missing,omitempty"`
}

// Status is the /api/epg/status payload.
type Status struct {
	Sources  []SourceStatus `json:"sources"`
	Coverage Coverage       `json:"coverage"`
}

// Status reports per-source counts and channel mapping coverage. sched may
// be nil.
func (s *Service) Status(ctx context.Context, sched *Scheduler) (Status, error) {
	srcs, err := s.store.ListEPGSources(ctx)
	if err != nil {
		return Status{}, err
	}
	counts, err := s.store.EPGSourceCounts(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{Sources: make([]SourceStatus, 0, len(srcs))}
	for _, src := range srcs {
		c := counts[src.ID]
		ss := SourceStatus{
			ID: src.ID, Name: src.Name, URL: src.URL, Enabled: src.Enabled,
			Category: src.Category, SecondaryGenres: src.SecondaryGenres,
			RefreshInterval: src.RefreshInterval.String(),
			LastFetchAt:     src.LastFetchAt, LastSuccessAt: src.LastSuccessAt, LastError: src.LastError,
			Channels: c.Channels, Programs: c.Programs,
		}
		if sched != nil {
			if next, ok := sched.NextRun(src.ID); ok {
				ss.NextRefresh = next
			}
		}
		st.Sources = append(st.Sources, ss)
	}
	maps, err := s.enabledMappings(ctx, nil)
	if err != nil {
		return Status{}, err
	}
	st.Coverage = coverageOf(maps)
	return st, nil
}

func coverageOf(maps []Mapping) Coverage {
	cov := Coverage{Channels: len(maps), Methods: make(map[Method]int)}
	for _, m := range maps {
		cov.Methods[m.Method]++
		if m.Mapped() {
			cov.Mapped++
			continue
		}
		cov.Unmapped++
		cov.Missing = append(cov.Missing, refOf(m))
	}
	return cov
}
