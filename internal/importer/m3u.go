// Package importer creates channels and streams from an M3U playlist.
package importer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/snapetech/plexbridge/internal/httpclient"
	"github.com/snapetech/plexbridge/internal/safeurl"
	"github.com/snapetech/plexbridge/internal/store"
)

const maxLineSize = 1 << 20 // 1 MiB per line

// Entry is one #EXTINF item.
type Entry struct {
	Name      string
	URL       string
	TVGID     string
	TVGName   string
	Number    int // tvg-chno; 0 when absent
	Logo      string
	Group     string
	UserAgent string // #EXTVLCOPT:http-user-agent
	Referer   string // #EXTVLCOPT:http-referrer
}

// Fetch reads an M3U from an http(s) URL or a local path.
func Fetch(ctx context.Context, client *http.Client, src string) ([]Entry, error) {
	if !safeurl.IsHTTPOrHTTPS(src) {
		f, err := os.Open(strings.TrimPrefix(src, "file://"))
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return Parse(f)
	}
	resp, cancel, err := httpclient.DoWithRetry(ctx, client, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", "plexbridge/1.0")
		return req, nil
	}, httpclient.DefaultRetryPolicy)
	if err != nil {
		return nil, fmt.Errorf("importer: fetch %s: %w", safeurl.RedactURL(src), err)
	}
	defer cancel()
	defer resp.Body.Close()
	return Parse(resp.Body)
}

// Parse reads M3U entries in a streaming fashion. An #EXTINF line is paired
// with the next URL line; option lines in between are attached to it.
func Parse(r io.Reader) ([]Entry, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(nil, maxLineSize)
	var entries []Entry
	var cur *Entry
	for sc.Scan() {
		line := strings.TrimSpace(strings.TrimPrefix(sc.Text(), "\ufeff"))
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "#EXTINF:"):
			e := parseEXTINF(line)
			cur = &e
		case strings.HasPrefix(line, "#EXTVLCOPT:"):
			if cur == nil {
				continue
			}
			k, v, _ := strings.Cut(strings.TrimPrefix(line, "#EXTVLCOPT:"), "=")
			switch strings.ToLower(k) {
			case "http-user-agent":
				cur.UserAgent = v
			case "http-referrer", "http-referer":
				cur.Referer = v
			}
		case strings.HasPrefix(line, "#"):
			continue
		default:
			if cur != nil && safeurl.IsStreamURL(line) {
				cur.URL = line
				entries = append(entries, *cur)
			}
			cur = nil
		}
	}
	return entries, sc.Err()
}

func parseEXTINF(line string) Entry {
	var e Entry
	attrs := line
	if i := firstUnquotedComma(line); i >= 0 {
		e.Name = strings.TrimSpace(line[i+1:])
		attrs = line[:i]
	}
	e.TVGID = attr(attrs, "tvg-id")
	e.TVGName = attr(attrs, "tvg-name")
	e.Logo = attr(attrs, "tvg-logo")
	e.Group = attr(attrs, "group-title")
	if n, err := strconv.Atoi(strings.TrimSpace(attr(attrs, "tvg-chno"))); err == nil && n > 0 {
		e.Number = n
	}
	if e.Name == "" {
		e.Name = e.TVGName
	}
	return e
}

// firstUnquotedComma finds the comma separating attributes from the title.
func firstUnquotedComma(s string) int {
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuote = !inQuote
		case ',':
			if !inQuote {
				return i
			}
		}
	}
	return -1
}

func attr(s, key string) string {
	prefix := key + `="`
	i := strings.Index(s, prefix)
	if i < 0 {
		return ""
	}
	i += len(prefix)
	j := strings.Index(s[i:], `"`)
	if j < 0 {
		return ""
	}
	return s[i : i+j]
}

// TypeFromURL infers the stream type from the URL scheme and extension.
func TypeFromURL(raw string) store.StreamType {
	lower := strings.ToLower(raw)
	switch {
	case strings.HasPrefix(lower, "rtsp://"), strings.HasPrefix(lower, "rtsps://"):
		return store.StreamRTSP
	case strings.HasPrefix(lower, "rtmp://"), strings.HasPrefix(lower, "rtmps://"):
		return store.StreamRTMP
	case strings.HasPrefix(lower, "udp://"), strings.HasPrefix(lower, "rtp://"):
		return store.StreamUDP
	}
	path, _, _ := strings.Cut(lower, "?")
	switch {
	case strings.HasSuffix(path, ".m3u8"), strings.Contains(path, "/hls/"):
		return store.StreamHLS
	case strings.HasSuffix(path, ".mpd"):
		return store.StreamDASH
	case strings.HasSuffix(path, ".ts"):
		return store.StreamMPEGTS
	}
	return store.StreamHTTP
}
