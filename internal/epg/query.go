package epg

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/snapetech/plexbridge/internal/store"
)

var (
	// ErrNoProgram means the channel has no matching program.
	ErrNoProgram = errors.New("epg: no program")
	// ErrUnknownChannel means the channel reference matched nothing.
	ErrUnknownChannel = errors.New("epg: unknown channel")
)

// Program is the JSON view of a guide entry.
type Program struct {
	ID          string    `json:"id"`
	ChannelID   string    `json:"channel_id"`
	Title       string    `json:"title"`
	SubTitle    string    `json:"sub_title,omitempty"`
	Description string    `json:"description,omitempty"`
	Category    string    `json:"category,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Season      *int      `json:"season,omitempty"`
	Episode     *int      `json:"episode,omitempty"`
	Icon        string    `json:"icon,omitempty"`
}

func programView(p store.EPGProgram) Program {
	return Program{
		ID: p.ID, ChannelID: p.ChannelID, Title: p.Title, SubTitle: p.SubTitle,
		Description: p.Description, Category: p.Category, Start: p.Start, End: p.End,
		Season: p.Season, Episode: p.Episode, Icon: p.Icon,
	}
}

func programViews(ps []store.EPGProgram) []Program {
	out := make([]Program, 0, len(ps))
	for _, p := range ps {
		out = append(out, programView(p))
	}
	return out
}

// ChannelRef identifies a local channel in query results.
type ChannelRef struct {
	ID      string `json:"id"`
	Number  int    `json:"number"`
	Name    string `json:"name"`
	GuideID string `json:"guide_id,omitempty"`
	Method  Method `json:"method"`
}

func refOf(m Mapping) ChannelRef {
	return ChannelRef{ID: m.Channel.ID, Number: m.Channel.Number, Name: m.Channel.Name, GuideID: m.GuideID, Method: m.Method}
}

// GridRow is one channel's programs within a grid window.
type GridRow struct {
	Channel  ChannelRef `json:"channel"`
	Programs []Program  `json:"programs"`
}

// SearchHit is a program with the local channels airing it.
type SearchHit struct {
	Program
	Channels []ChannelRef `json:"channels,omitempty"`
}

type nowNext struct {
	now  store.EPGProgram
	next *store.EPGProgram
}

// queryCache fronts the mapper and per-channel now/next lookups. Entries are
// tagged with the store's EPG generation, so any write invalidates them.
type queryCache struct {
	mu        sync.Mutex
	mapper    *Mapper
	mapperGen uint64

	nowNext *expirable.LRU[string, nowNext]
}

func newQueryCache() *queryCache {
	return &queryCache{nowNext: expirable.NewLRU[string, nowNext](1024, nil, 5*time.Minute)}
}

func nowNextKey(gen uint64, guideID string) string {
	return strconv.FormatUint(gen, 10) + "|" + guideID
}

// Mapper returns a mapper for the current guide data.
func (s *Service) Mapper(ctx context.Context) (*Mapper, error) {
	gen := s.store.Gen(store.DomainEPG)
	s.queries.mu.Lock()
	if s.queries.mapper != nil && s.queries.mapperGen == gen {
		m := s.queries.mapper
		s.queries.mu.Unlock()
		return m, nil
	}
	s.queries.mu.Unlock()
	m, err := LoadMapper(ctx, s.store)
	if err != nil {
		return nil, err
	}
	s.queries.mu.Lock()
	s.queries.mapper, s.queries.mapperGen = m, gen
	s.queries.mu.Unlock()
	return m, nil
}

// Channel looks a channel up by id, then by number.
func (s *Service) Channel(ctx context.Context, ref string) (store.Channel, error) {
	ref = strings.TrimSpace(ref)
	ch, err := s.store.GetChannel(ctx, ref)
	if err == nil {
		return ch, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return ch, err
	}
	if n, convErr := strconv.Atoi(ref); convErr == nil {
		ch, err = s.store.GetChannelByNumber(ctx, n)
		if err == nil {
			return ch, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return ch, err
		}
	}
	return ch, fmt.Errorf("%w: %q", ErrUnknownChannel, ref)
}

// Resolve returns the mapping for a channel reference.
func (s *Service) Resolve(ctx context.Context, ref string) (Mapping, error) {
	ch, err := s.Channel(ctx, ref)
	if err != nil {
		return Mapping{}, err
	}
	m, err := s.Mapper(ctx)
	if err != nil {
		return Mapping{}, err
	}
	return m.Map(ch), nil
}

func (s *Service) nowNext(ctx context.Context, guideID string, t time.Time) (store.EPGProgram, *store.EPGProgram, error) {
	key := nowNextKey(s.store.Gen(store.DomainEPG), guideID)
	if e, ok := s.queries.nowNext.Get(key); ok && e.now.Contains(t) {
		return e.now, e.next, nil
	}
	now, err := s.store.ProgramAt(ctx, guideID, t)
	if err != nil {
		return now, nil, err
	}
	var next *store.EPGProgram
	if p, err := s.store.NextProgram(ctx, guideID, t); err == nil {
		next = &p
	} else if !errors.Is(err, store.ErrNotFound) {
		return now, nil, err
	}
	s.queries.nowNext.Add(key, nowNext{now: now, next: next})
	return now, next, nil
}

// Now returns the program airing on the channel at t.
func (s *Service) Now(ctx context.Context, ref string, t time.Time) (Program, ChannelRef, error) {
	m, err := s.Resolve(ctx, ref)
	if err != nil {
		return Program{}, ChannelRef{}, err
	}
	if !m.Mapped() {
		return Program{}, refOf(m), ErrNoProgram
	}
	p, _, err := s.nowNext(ctx, m.GuideID, t)
	if errors.Is(err, store.ErrNotFound) {
		return Program{}, refOf(m), ErrNoProgram
	}
	if err != nil {
		return Program{}, refOf(m), err
	}
	return programView(p), refOf(m), nil
}

// Next returns the first program on the channel starting after t.
func (s *Service) Next(ctx context.Context, ref string, t time.Time) (Program, ChannelRef, error) {
	m, err := s.Resolve(ctx, ref)
	if err != nil {
		return Program{}, ChannelRef{}, err
	}
	if !m.Mapped() {
		return Program{}, refOf(m), ErrNoProgram
	}
	_, next, err := s.nowNext(ctx, m.GuideID, t)
	if err == nil {
		if next == nil {
			return Program{}, refOf(m), ErrNoProgram
		}
		return programView(*next), refOf(m), nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return Program{}, refOf(m), err
	}
	// Nothing airing now; the next program may still exist.
	p, err := s.store.NextProgram(ctx, m.GuideID, t)
	if errors.Is(err, store.ErrNotFound) {
		return Program{}, refOf(m), ErrNoProgram
	}
	if err != nil {
		return Program{}, refOf(m), err
	}
	return programView(p), refOf(m), nil
}

// Programs returns the channel's programs overlapping [from, to).
func (s *Service) Programs(ctx context.Context, ref string, from, to time.Time) ([]Program, ChannelRef, error) {
	m, err := s.Resolve(ctx, ref)
	if err != nil {
		return nil, ChannelRef{}, err
	}
	if !m.Mapped() {
		return []Program{}, refOf(m), nil
	}
	ps, err := s.store.ProgramsBetween(ctx, []string{m.GuideID}, from, to)
	if err != nil {
		return nil, refOf(m), err
	}
	return programViews(ps), refOf(m), nil
}

// enabledMappings maps enabled channels, optionally restricted to refs.
func (s *Service) enabledMappings(ctx context.Context, refs []string) ([]Mapping, error) {
	var chans []store.Channel
	if len(refs) == 0 {
		all, err := s.store.ListChannels(ctx, true)
		if err != nil {
			return nil, err
		}
		chans = all
	} else {
		for _, r := range refs {
			ch, err := s.Channel(ctx, r)
			if errors.Is(err, ErrUnknownChannel) {
				continue
			}
			if err != nil {
				return nil, err
			}
			chans = append(chans, ch)
		}
	}
	m, err := s.Mapper(ctx)
	if err != nil {
		return nil, err
	}
	return m.MapAll(chans), nil
}

// Grid returns programs in [from, to) for each requested channel, or every
// enabled channel when refs is empty.
func (s *Service) Grid(ctx context.Context, from, to time.Time, refs []string) ([]GridRow, error) {
	maps, err := s.enabledMappings(ctx, refs)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, m := range maps {
		if m.Mapped() {
			ids = append(ids, m.GuideID)
		}
	}
	byGuide := make(map[string][]Program)
	if len(ids) > 0 {
		ps, err := s.store.ProgramsBetween(ctx, ids, from, to)
		if err != nil {
			return nil, err
		}
		for _, p := range ps {
			byGuide[p.ChannelID] = append(byGuide[p.ChannelID], programView(p))
		}
	}
	rows := make([]GridRow, 0, len(maps))
	for _, m := range maps {
		progs := byGuide[m.GuideID]
		if progs == nil || !m.Mapped() {
			progs = []Program{}
		}
		rows = append(rows, GridRow{Channel: refOf(m), Programs: progs})
	}
	return rows, nil
}

// Search matches q against program text within [from, to) and attaches the
// enabled local channels carrying each hit.
func (s *Service) Search(ctx context.Context, q string, from, to time.Time, limit int) ([]SearchHit, error) {
	if strings.TrimSpace(q) == "" {
		return []SearchHit{}, nil
	}
	ps, err := s.store.SearchPrograms(ctx, q, from, to, limit)
	if err != nil {
		return nil, err
	}
	maps, err := s.enabledMappings(ctx, nil)
	if err != nil {
		return nil, err
	}
	byGuide := make(map[string][]ChannelRef)
	for _, m := range maps {
		if m.Mapped() {
			byGuide[m.GuideID] = append(byGuide[m.GuideID], refOf(m))
		}
	}
	out := make([]SearchHit, 0, len(ps))
	for _, p := range ps {
		out = append(out, SearchHit{Program: programView(p), Channels: byGuide[p.ChannelID]})
	}
	return out, nil
}
