package epg

import (
	"context"
	"strconv"
	"strings"
	"unicode"

	"github.com/snapetech/plexbridge/internal/store"
)

// Method records which rule linked a channel to its guide id.
type Method string

const (
	MethodDirect      Method = "direct"
	MethodAliasName   Method = "alias_name"
	MethodAliasNumber Method = "alias_number"
	MethodPrefix      Method = "prefix"
	MethodNumber      Method = "number"
	MethodNone        Method = "none"
)

// Mapping is the resolved guide id for one local channel.
type Mapping struct {
	Channel store.Channel
	GuideID string
	Method  Method
}

// Mapped reports whether a guide id was found.
func (m Mapping) Mapped() bool { return m.Method != MethodNone }

// Mapper resolves local channels to XMLTV channel ids at query time. Rules
// are applied in order: direct epg_id match, curated name/number aliases,
// prefix rewrites, then the channel number as a string. Raw guide data is
// never rewritten.
type Mapper struct {
	known   map[string]bool // channel ids with programs
	names   map[string]string
	numbers map[string]string
	prefix  []store.EPGAlias
}

// NewMapper builds a mapper from alias rules and the set of guide ids that
// currently have programs.
func NewMapper(aliases []store.EPGAlias, known map[string]bool) *Mapper {
	m := &Mapper{
		known:   known,
		names:   make(map[string]string),
		numbers: make(map[string]string),
	}
	if m.known == nil {
		m.known = map[string]bool{}
	}
	for _, a := range aliases {
		switch a.Kind {
		case store.AliasName:
			if k := NormalizeName(a.Match); k != "" && a.Target != "" {
				m.names[k] = a.Target
			}
		case store.AliasNumber:
			if k := strings.TrimSpace(a.Match); k != "" && a.Target != "" {
				m.numbers[k] = a.Target
			}
		case store.AliasPrefix:
			if a.Match != "" {
				m.prefix = append(m.prefix, a)
			}
		}
	}
	return m
}

// LoadMapper reads aliases and known program channel ids from st.
func LoadMapper(ctx context.Context, st *store.Store) (*Mapper, error) {
	aliases, err := st.ListAliases(ctx)
	if err != nil {
		return nil, err
	}
	known, err := st.ProgramChannelIDs(ctx)
	if err != nil {
		return nil, err
	}
	return NewMapper(aliases, known), nil
}

// Map resolves ch.
func (m *Mapper) Map(ch store.Channel) Mapping {
	res := Mapping{Channel: ch, Method: MethodNone}
	epgID := strings.TrimSpace(ch.EPGID)
	if epgID != "" && m.known[epgID] {
		res.GuideID, res.Method = epgID, MethodDirect
		return res
	}
	if id := m.names[NormalizeName(ch.Name)]; id != "" {
		res.GuideID, res.Method = id, MethodAliasName
		return res
	}
	num := strconv.Itoa(ch.Number)
	if id := m.numbers[num]; id != "" {
		res.GuideID, res.Method = id, MethodAliasNumber
		return res
	}
	if epgID != "" {
		for _, p := range m.prefix {
			if id, ok := m.rewrite(epgID, p); ok {
				res.GuideID, res.Method = id, MethodPrefix
				return res
			}
		}
	}
	if m.known[num] {
		res.GuideID, res.Method = num, MethodNumber
		return res
	}
	return res
}

// rewrite tries a prefix rule in both directions: stripping Match and
// replacing it with Target, or adding Match where Target was.
func (m *Mapper) rewrite(id string, p store.EPGAlias) (string, bool) {
	if strings.HasPrefix(id, p.Match) {
		if cand := p.Target + strings.TrimPrefix(id, p.Match); m.known[cand] {
			return cand, true
		}
	}
	if strings.HasPrefix(id, p.Target) {
		if cand := p.Match + strings.TrimPrefix(id, p.Target); m.known[cand] {
			return cand, true
		}
	}
	return "", false
}

// MapAll resolves every channel in order.
func (m *Mapper) MapAll(chans []store.Channel) []Mapping {
	out := make([]Mapping, 0, len(chans))
	for _, ch := range chans {
		out = append(out, m.Map(ch))
	}
	return out
}

// NormalizeName folds a channel name for alias matching: lowercase letters
// and digits only, with quality and region tokens and the word "channel"
// removed.
func NormalizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte(' ')
		}
	}
	var out []string
	for _, t := range strings.Fields(b.String()) {
		if _, drop := nameNoise[t]; drop {
			continue
		}
		out = append(out, t)
	}
	return strings.ReplaceAll(strings.Join(out, ""), "channel", "")
}

var nameNoise = map[string]struct{}{
	"hd": {}, "uhd": {}, "fhd": {}, "sd": {}, "4k": {},
	"us": {}, "usa": {}, "uk": {}, "ca": {}, "canada": {}, "cdn": {},
	"hq": {}, "vip": {}, "backup": {}, "raw": {},
}
