package transcoder

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	"github.com/snapetech/plexbridge/internal/httpclient"
	"github.com/snapetech/plexbridge/internal/store"
)

// BuildArgs splits template on whitespace and substitutes input for the
// {input} token. inputOpts are placed immediately before the "-i" that
// precedes the placeholder.
func BuildArgs(template, input string, inputOpts []string) ([]string, error) {
	fields := strings.Fields(template)
	at := -1
	for i, f := range fields {
		if f == store.InputPlaceholder {
			at = i
			break
		}
	}
	if at < 0 {
		return nil, fmt.Errorf("transcoder: template lacks %s", store.InputPlaceholder)
	}
	out := make([]string, 0, len(fields)+len(inputOpts))
	insertAt := at
	if at > 0 && fields[at-1] == "-i" {
		insertAt = at - 1
	}
	out = append(out, fields[:insertAt]...)
	out = append(out, inputOpts...)
	for _, f := range fields[insertAt:] {
		if f == store.InputPlaceholder {
			f = input
		}
		out = append(out, f)
	}
	return out, nil
}

// InputOptions returns the protocol options ffmpeg needs to open st.
func InputOptions(st store.Stream, upstreamURL string) []string {
	u := strings.ToLower(upstreamURL)
	switch {
	case strings.HasPrefix(u, "rtsp://"), strings.HasPrefix(u, "rtsps://"):
		return []string{"-rtsp_transport", "tcp"}
	case strings.HasPrefix(u, "http://"), strings.HasPrefix(u, "https://"):
	default:
		return nil
	}
	ua := st.ProtocolOptions.UserAgent
	if ua == "" {
		ua = httpclient.VLCUserAgent
	}
	opts := []string{"-user_agent", ua}
	if h := headerBlock(st); h != "" {
		opts = append(opts, "-headers", h)
	}
	// Reconnect-at-EOF makes the HLS demuxer loop on live playlists.
	if st.Type != store.StreamHLS && !strings.Contains(u, ".m3u8") {
		opts = append(opts,
			"-reconnect", "1",
			"-reconnect_streamed", "1",
			"-reconnect_on_network_error", "1",
			"-reconnect_delay_max", "2",
		)
	}
	return opts
}

func headerBlock(st store.Stream) string {
	var b strings.Builder
	if st.ProtocolOptions.Referer != "" {
		b.WriteString("Referer: " + st.ProtocolOptions.Referer + "\r\n")
	}
	if st.Auth != nil && (st.Auth.Username != "" || st.Auth.Password != "") {
		cred := base64.StdEncoding.EncodeToString([]byte(st.Auth.Username + ":" + st.Auth.Password))
		b.WriteString("Authorization: Basic " + cred + "\r\n")
	}
	keys := make([]string, 0, len(st.Headers))
	for k := range st.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k + ": " + st.Headers[k] + "\r\n")
	}
	return b.String()
}
