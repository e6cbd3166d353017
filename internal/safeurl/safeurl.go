package safeurl

import (
	"net/url"
	"strings"
)

// IsHTTPOrHTTPS returns true if u is a valid URL with scheme http or https.
// Used to reject file://, ftp://, and other schemes for EPG and playlist fetches.
func IsHTTPOrHTTPS(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	s := parsed.Scheme
	return (s == "http" || s == "https") && parsed.Host != ""
}

// streamSchemes are the upstream schemes a worker may be pointed at.
var streamSchemes = map[string]bool{
	"http": true, "https": true,
	"rtsp": true, "rtsps": true,
	"rtmp": true, "rtmps": true,
	"udp": true, "rtp": true,
}

// IsStreamURL reports whether u is an upstream URL the transcoder may open.
// file:, pipe: and other local-resource schemes are refused.
func IsStreamURL(u string) bool {
	parsed, err := url.Parse(strings.TrimSpace(u))
	if err != nil {
		return false
	}
	return streamSchemes[parsed.Scheme] && parsed.Host != ""
}

var secretParams = []string{"password", "pass", "pwd", "token", "key", "auth", "username", "user", "signature", "sig"}

// RedactURL strips userinfo and masks credential-looking query parameters so
// upstream URLs can be logged. Unparseable input is returned as "<invalid-url>".
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid-url>"
	}
	if u.User != nil {
		u.User = url.User("***")
	}
	if u.RawQuery != "" {
		q := u.Query()
		changed := false
		for k := range q {
			lk := strings.ToLower(k)
			for _, s := range secretParams {
				if lk == s || strings.HasSuffix(lk, "_"+s) {
					q.Set(k, "***")
					changed = true
					break
				}
			}
		}
		if changed {
			u.RawQuery = q.Encode()
		}
	}
	// Xtream-style /live/<user>/<pass>/<id>.ts paths carry credentials in the path.
	if parts := strings.Split(u.Path, "/"); len(parts) >= 5 && (parts[1] == "live" || parts[1] == "movie" || parts[1] == "series") {
		parts[2], parts[3] = "***", "***"
		u.Path = strings.Join(parts, "/")
		u.RawPath = ""
	}
	return u.String()
}
