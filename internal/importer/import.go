package importer

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/snapetech/plexbridge/internal/safeurl"
	"github.com/snapetech/plexbridge/internal/store"
)

// Result counts what an import changed.
type Result struct {
	ChannelsCreated int `json:"channels_created"`
	ChannelsUpdated int `json:"channels_updated"`
	StreamsCreated  int `json:"streams_created"`
	StreamsExisting int `json:"streams_existing"`
	Skipped         int `json:"skipped"`
}

// Options tunes Import.
type Options struct {
	// GroupFilter keeps only entries whose group-title contains it
	// (case-insensitive). Empty keeps all.
	GroupFilter string
	// ProfileID is assigned to newly created streams.
	ProfileID string
}

// Import upserts channels and streams for entries. A channel is matched by
// tvg-chno, then by tvg-id, then by name; unmatched entries get the next free
// number. Streams are keyed by URL within a channel, so re-importing the
// same playlist is a no-op.
func Import(ctx context.Context, st *store.Store, entries []Entry, opts Options) (Result, error) {
	var res Result
	existing, err := st.ListChannels(ctx, false)
	if err != nil {
		return res, err
	}
	byNumber := make(map[int]store.Channel)
	byEPG := make(map[string]store.Channel)
	byName := make(map[string]store.Channel)
	next := 1
	index := func(ch store.Channel) {
		byNumber[ch.Number] = ch
		if ch.EPGID != "" {
			byEPG[ch.EPGID] = ch
		}
		byName[strings.ToLower(ch.Name)] = ch
		if ch.Number >= next {
			next = ch.Number + 1
		}
	}
	for _, ch := range existing {
		index(ch)
	}
	filter := strings.ToLower(strings.TrimSpace(opts.GroupFilter))

	for _, e := range entries {
		if filter != "" && !strings.Contains(strings.ToLower(e.Group), filter) {
			res.Skipped++
			continue
		}
		if strings.TrimSpace(e.Name) == "" || !safeurl.IsStreamURL(e.URL) {
			res.Skipped++
			continue
		}
		ch, found := matchChannel(e, byNumber, byEPG, byName)
		if !found {
			ch = store.Channel{Number: e.Number, Name: e.Name, Enabled: true, EPGID: e.TVGID, Logo: e.Logo}
			if ch.Number == 0 || byNumber[ch.Number].ID != "" {
				ch.Number = next
			}
			ch, err = st.SaveChannel(ctx, ch)
			if err != nil {
				return res, fmt.Errorf("importer: channel %q: %w", e.Name, err)
			}
			res.ChannelsCreated++
			index(ch)
		} else if changed := fillChannel(&ch, e); changed {
			if ch, err = st.SaveChannel(ctx, ch); err != nil {
				return res, fmt.Errorf("importer: channel %q: %w", e.Name, err)
			}
			res.ChannelsUpdated++
			index(ch)
		}

		streams, err := st.ListStreams(ctx, ch.ID)
		if err != nil {
			return res, err
		}
		dup := false
		for _, s := range streams {
			if s.URL == e.URL {
				dup = true
				break
			}
		}
		if dup {
			res.StreamsExisting++
			continue
		}
		s := store.Stream{
			ChannelID: ch.ID,
			Name:      e.Name,
			URL:       e.URL,
			Type:      TypeFromURL(e.URL),
			Enabled:   true,
			ProfileID: opts.ProfileID,
			ProtocolOptions: store.ProtocolOptions{
				UserAgent: e.UserAgent,
				Referer:   e.Referer,
			},
		}
		if _, err := st.SaveStream(ctx, s); err != nil {
			return res, fmt.Errorf("importer: stream for %q: %w", e.Name, err)
		}
		res.StreamsCreated++
	}
	log.Printf("importer: channels created=%d updated=%d streams created=%d existing=%d skipped=%d",
		res.ChannelsCreated, res.ChannelsUpdated, res.StreamsCreated, res.StreamsExisting, res.Skipped)
	return res, nil
}

func matchChannel(e Entry, byNumber map[int]store.Channel, byEPG, byName map[string]store.Channel) (store.Channel, bool) {
	if e.Number > 0 {
		if ch, ok := byNumber[e.Number]; ok && strings.EqualFold(ch.Name, e.Name) {
			return ch, true
		}
	}
	if e.TVGID != "" {
		if ch, ok := byEPG[e.TVGID]; ok {
			return ch, true
		}
	}
	ch, ok := byName[strings.ToLower(e.Name)]
	return ch, ok
}

// fillChannel copies guide id and logo onto a channel that lacks them.
func fillChannel(ch *store.Channel, e Entry) bool {
	changed := false
	if ch.EPGID == "" && e.TVGID != "" {
		ch.EPGID = e.TVGID
		changed = true
	}
	if ch.Logo == "" && e.Logo != "" {
		ch.Logo = e.Logo
		changed = true
	}
	return changed
}
