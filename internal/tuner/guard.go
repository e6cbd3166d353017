package tuner

import (
	"log"
	"net/http"
	"strconv"
	"strings"
)

const emptyMediaContainer = `<MediaContainer size="0"/>`

// isPlexClient reports whether r comes from Plex Media Server or a Plex
// player.
func isPlexClient(r *http.Request) bool {
	if r.Header.Get("X-Plex-Client-Identifier") != "" || r.Header.Get("X-Plex-Product") != "" {
		return true
	}
	return strings.Contains(strings.ToLower(r.UserAgent()), "plex")
}

// plexGuard keeps HTML away from Plex clients: a response that turns out to
// be text/html is replaced with a minimal valid document (an empty
// MediaContainer for XML requests, an empty array otherwise).
func plexGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isPlexClient(r) {
			next.ServeHTTP(w, r)
			return
		}
		gw := &guardWriter{ResponseWriter: w, r: r}
		next.ServeHTTP(gw, r)
		if !gw.decided && gw.status != 0 {
			gw.decide(nil)
		}
	})
}

type guardWriter struct {
	http.ResponseWriter
	r       *http.Request
	decided bool
	blocked bool
	status  int
}

func (g *guardWriter) WriteHeader(code int) {
	if g.decided {
		return
	}
	g.status = code
	ct := strings.ToLower(g.Header().Get("Content-Type"))
	if ct != "" || code == http.StatusNoContent || code == http.StatusNotModified {
		g.decide(nil)
	}
}

func (g *guardWriter) Write(p []byte) (int, error) {
	if !g.decided {
		g.decide(p)
	}
	if g.blocked {
		return len(p), nil
	}
	return g.ResponseWriter.Write(p)
}

func (g *guardWriter) decide(first []byte) {
	g.decided = true
	status := g.status
	if status == 0 {
		status = http.StatusOK
	}
	ct := strings.ToLower(g.Header().Get("Content-Type"))
	if ct == "" && first != nil {
		ct = strings.ToLower(http.DetectContentType(first))
	}
	if !strings.Contains(ct, "text/html") {
		g.ResponseWriter.WriteHeader(status)
		return
	}
	g.blocked = true
	log.Printf("tuner: severity=high html response to plex client suppressed path=%s status=%d ua=%q", g.r.URL.Path, status, g.r.UserAgent())
	body, ctype := "[]\n", "application/json"
	if wantsXML(g.r) {
		body, ctype = emptyMediaContainer, "application/xml; charset=utf-8"
	}
	h := g.Header()
	h.Set("Content-Type", ctype)
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Del("Content-Encoding")
	g.ResponseWriter.WriteHeader(status)
	g.ResponseWriter.Write([]byte(body))
}

func (g *guardWriter) Flush() {
	if !g.decided {
		g.decide(nil)
	}
	if f, ok := g.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (g *guardWriter) Unwrap() http.ResponseWriter { return g.ResponseWriter }
