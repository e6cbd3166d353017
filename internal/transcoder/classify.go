// Package transcoder picks worker arguments for a tune and supervises the
// ffmpeg subprocess that turns an upstream into MPEG-TS on stdout.
package transcoder

import (
	"strings"

	"github.com/snapetech/plexbridge/internal/store"
)

// ClassifyClient maps a Plex client user agent to a ClientKind. Unknown
// agents (including PMS itself and Lavf) are treated as web.
func ClassifyClient(userAgent string) store.ClientKind {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "apple tv"), strings.Contains(ua, "appletv"), strings.Contains(ua, "tvos"):
		return store.ClientAppleTV
	case strings.Contains(ua, "iphone"), strings.Contains(ua, "ipad"), strings.Contains(ua, "ios"):
		return store.ClientIOSMobile
	case strings.Contains(ua, "android"):
		for _, tv := range []string{"android tv", "androidtv", "shield", "bravia", "aft", "chromecast", "google tv"} {
			if strings.Contains(ua, tv) {
				return store.ClientAndroidTV
			}
		}
		return store.ClientAndroidMobile
	}
	return store.ClientWeb
}

// NeedsTranscode reports whether the upstream must be re-encoded rather than
// remuxed: forced by the stream, or a scheme/extension that copy mode
// handles poorly (RTSP, RTMP, UDP, raw .ts, DASH).
func NeedsTranscode(st store.Stream, upstreamURL string) bool {
	if st.ProtocolOptions.ForceTranscode {
		return true
	}
	switch st.Type {
	case store.StreamRTSP, store.StreamRTMP, store.StreamUDP, store.StreamDASH, store.StreamMPEGTS:
		return true
	}
	u := strings.ToLower(upstreamURL)
	for _, p := range []string{"rtsp://", "rtsps://", "rtmp://", "rtmps://", "udp://", "rtp://"} {
		if strings.HasPrefix(u, p) {
			return true
		}
	}
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	return strings.HasSuffix(u, ".ts") || strings.HasSuffix(u, ".mpd")
}
