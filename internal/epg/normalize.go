package epg

import (
	"sort"

	"github.com/snapetech/plexbridge/internal/store"
)

// Normalize sorts programs by channel then start, drops empty spans, keeps
// the later duplicate of an identical (channel, start) pair and clips a
// program that runs into its successor. The result has no overlaps per
// channel, which IngestEPG requires.
func Normalize(progs []store.EPGProgram) (out []store.EPGProgram, dropped int) {
	sort.SliceStable(progs, func(i, j int) bool {
		if progs[i].ChannelID != progs[j].ChannelID {
			return progs[i].ChannelID < progs[j].ChannelID
		}
		return progs[i].Start.Before(progs[j].Start)
	})
	out = progs[:0]
	for _, p := range progs {
		if !p.End.After(p.Start) {
			dropped++
			continue
		}
		if n := len(out); n > 0 && out[n-1].ChannelID == p.ChannelID {
			prev := &out[n-1]
			if prev.Start.Equal(p.Start) {
				*prev = p
				dropped++
				continue
			}
			if prev.End.After(p.Start) {
				prev.End = p.Start
			}
		}
		out = append(out, p)
	}
	return out, dropped
}

// dedupeChannels keeps the last definition of each channel id.
func dedupeChannels(chans []store.EPGChannel) []store.EPGChannel {
	idx := make(map[string]int, len(chans))
	out := chans[:0]
	for _, c := range chans {
		if i, ok := idx[c.EPGID]; ok {
			out[i] = c
			continue
		}
		idx[c.EPGID] = len(out)
		out = append(out, c)
	}
	return out
}
