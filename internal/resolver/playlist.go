package resolver

import (
	"bufio"
	"bytes"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
)

// Kind is the detected upstream playlist type.
type Kind string

const (
	KindDirect Kind = "direct" // not HLS, or resolution skipped
	KindMaster Kind = "master"
	KindMedia  Kind = "media"
)

// ErrNotPlaylist is returned for bodies that are neither master nor media playlists.
var ErrNotPlaylist = errors.New("resolver: not an HLS playlist")

// Variant is one #EXT-X-STREAM-INF entry.
type Variant struct {
	URI        string
	Bandwidth  int
	Resolution string
	Index      int // order of appearance
}

// Pixels returns width*height parsed from Resolution, or 0.
func (v Variant) Pixels() int {
	w, h, ok := strings.Cut(strings.ToLower(v.Resolution), "x")
	if !ok {
		return 0
	}
	wi, err1 := strconv.Atoi(w)
	hi, err2 := strconv.Atoi(h)
	if err1 != nil || err2 != nil {
		return 0
	}
	return wi * hi
}

type parsed struct {
	kind           Kind
	variants       []Variant
	targetDuration time.Duration
	segments       []string // as written in the playlist
}

// parsePlaylist uses gohlslib and falls back to a line scan for playlists the
// strict parser rejects (missing CODECS, unknown tags from IPTV panels).
func parsePlaylist(body []byte) (parsed, error) {
	if pl, err := playlist.Unmarshal(body); err == nil {
		switch p := pl.(type) {
		case *playlist.Multivariant:
			out := parsed{kind: KindMaster}
			for i, v := range p.Variants {
				out.variants = append(out.variants, Variant{URI: v.URI, Bandwidth: v.Bandwidth, Resolution: v.Resolution, Index: i})
			}
			return out, nil
		case *playlist.Media:
			out := parsed{kind: KindMedia, targetDuration: time.Duration(p.TargetDuration) * time.Second}
			for _, s := range p.Segments {
				out.segments = append(out.segments, s.URI)
			}
			return out, nil
		}
	}
	return scanPlaylist(body)
}

func scanPlaylist(body []byte) (parsed, error) {
	switch {
	case bytes.Contains(body, []byte("#EXT-X-STREAM-INF")):
		return scanMaster(body), nil
	case bytes.Contains(body, []byte("#EXT-X-TARGETDURATION")), bytes.Contains(body, []byte("#EXTINF")):
		return scanMedia(body), nil
	}
	return parsed{}, ErrNotPlaylist
}

func scanMaster(body []byte) parsed {
	out := parsed{kind: KindMaster}
	sc := bufio.NewScanner(bytes.NewReader(body))
	var pending *Variant
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			attrs := parseAttrs(strings.TrimPrefix(line, "#EXT-X-STREAM-INF:"))
			bw, _ := strconv.Atoi(attrs["BANDWIDTH"])
			pending = &Variant{Bandwidth: bw, Resolution: attrs["RESOLUTION"]}
		case line == "" || strings.HasPrefix(line, "#"):
		case pending != nil:
			pending.URI = line
			pending.Index = len(out.variants)
			out.variants = append(out.variants, *pending)
			pending = nil
		}
	}
	return out
}

func scanMedia(body []byte) parsed {
	out := parsed{kind: KindMedia}
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			if n, err := strconv.ParseFloat(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"), 64); err == nil && n > 0 {
				out.targetDuration = time.Duration(n * float64(time.Second))
			}
		case line == "" || strings.HasPrefix(line, "#"):
		default:
			out.segments = append(out.segments, line)
		}
	}
	return out
}

// parseAttrs splits an HLS attribute list, honouring quoted values.
func parseAttrs(s string) map[string]string {
	out := make(map[string]string)
	for s != "" {
		k, rest, ok := strings.Cut(s, "=")
		if !ok {
			break
		}
		var v string
		if strings.HasPrefix(rest, `"`) {
			end := strings.Index(rest[1:], `"`)
			if end < 0 {
				v, rest = rest[1:], ""
			} else {
				v, rest = rest[1:end+1], rest[end+2:]
			}
		} else {
			v, rest, _ = strings.Cut(rest, ",")
			rest = "," + rest
		}
		out[strings.ToUpper(strings.TrimSpace(k))] = v
		rest = strings.TrimPrefix(rest, ",")
		s = rest
	}
	return out
}

// absolute resolves ref against base; protocol-relative and absolute refs
// are handled.
func absolute(base *url.URL, ref string) string {
	if base == nil {
		return ref
	}
	if strings.HasPrefix(ref, "//") {
		return base.Scheme + ":" + ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	if u.IsAbs() {
		return ref
	}
	return base.ResolveReference(u).String()
}

// rewritePlaylist rewrites every URI line of body through fn, leaving tags
// and blank lines alone.
func rewritePlaylist(body []byte, fn func(string) string) []byte {
	var out bytes.Buffer
	sc := bufio.NewScanner(bytes.NewReader(body))
	first := true
	for sc.Scan() {
		if !first {
			out.WriteByte('\n')
		}
		first = false
		line := sc.Text()
		trim := strings.TrimSpace(line)
		if trim == "" || strings.HasPrefix(trim, "#") {
			out.WriteString(line)
			continue
		}
		out.WriteString(fn(trim))
	}
	if len(body) > 0 && body[len(body)-1] == '\n' {
		out.WriteByte('\n')
	}
	return out.Bytes()
}
