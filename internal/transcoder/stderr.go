package transcoder

import "strings"

// FailureKind classifies why a worker or session failed.
type FailureKind string

const (
	FailureNone             FailureKind = ""
	FailureUpstreamHTTP     FailureKind = "upstream_http"
	FailureUpstreamRefused  FailureKind = "upstream_refused"
	FailureUpstreamInvalid  FailureKind = "upstream_invalid_data"
	FailureUpstreamNoStream FailureKind = "upstream_no_stream"
	FailureUpstreamTLS      FailureKind = "upstream_tls"
	FailureUpstreamDNS      FailureKind = "upstream_dns"
	FailureDecodeStorm      FailureKind = "decode_storm"
	FailureInitTimeout      FailureKind = "init_timeout"
	FailureClientGone       FailureKind = "client_gone"
	FailureInternal         FailureKind = "internal"
)

// Upstream reports whether k is attributable to the upstream source and
// should count against the stream's reliability.
func (k FailureKind) Upstream() bool {
	switch k {
	case FailureUpstreamHTTP, FailureUpstreamRefused, FailureUpstreamInvalid, FailureUpstreamNoStream,
		FailureUpstreamTLS, FailureUpstreamDNS, FailureDecodeStorm, FailureInitTimeout:
		return true
	}
	return false
}

// LineClass is the classification of one stderr line.
type LineClass struct {
	Kind      FailureKind // set for fatal upstream errors
	Decode    bool        // H.264 header/PPS corruption
	Transient bool        // worker is expected to recover on its own
}

// Fatal reports whether the worker should be killed.
func (c LineClass) Fatal() bool { return c.Kind != FailureNone }

type signature struct {
	match string
	kind  FailureKind
}

// Checked in order; matching is case-insensitive.
var fatalSignatures = []signature{
	{"server returned 401", FailureUpstreamHTTP},
	{"server returned 403", FailureUpstreamHTTP},
	{"server returned 404", FailureUpstreamHTTP},
	{"server returned 5", FailureUpstreamHTTP},
	{"http error 4", FailureUpstreamHTTP},
	{"http error 5", FailureUpstreamHTTP},
	{"403 forbidden", FailureUpstreamHTTP},
	{"404 not found", FailureUpstreamHTTP},
	{"connection refused", FailureUpstreamRefused},
	{"invalid data found when processing input", FailureUpstreamInvalid},
	{"no such stream", FailureUpstreamNoStream},
	{"does not contain any stream", FailureUpstreamNoStream},
	{"stream map '0:v:0' matches no streams", FailureUpstreamNoStream},
	{"tls handshake", FailureUpstreamTLS},
	{"ssl_connect", FailureUpstreamTLS},
	{"certificate verify failed", FailureUpstreamTLS},
	{"error in the pull function", FailureUpstreamTLS},
	{"failed to resolve hostname", FailureUpstreamDNS},
	{"name or service not known", FailureUpstreamDNS},
	{"temporary failure in name resolution", FailureUpstreamDNS},
	{"no address associated with hostname", FailureUpstreamDNS},
}

var decodeSignatures = []string{
	"non-existing pps",
	"non-existing sps",
	"decode_slice_header error",
	"no frame!",
	"mmco: unref short failure",
	"error while decoding mb",
	"number of reference frames",
}

var transientSignatures = []string{
	"reconnecting",
	"will reconnect",
	"timed out",
	"connection reset",
	"end of file, retrying",
	"resource temporarily unavailable",
}

// ClassifyLine classifies a line of worker stderr.
func ClassifyLine(line string) LineClass {
	l := strings.ToLower(line)
	for _, t := range transientSignatures {
		if strings.Contains(l, t) {
			return LineClass{Transient: true}
		}
	}
	for _, s := range fatalSignatures {
		if strings.Contains(l, s.match) {
			return LineClass{Kind: s.kind}
		}
	}
	for _, d := range decodeSignatures {
		if strings.Contains(l, d) {
			return LineClass{Decode: true}
		}
	}
	return LineClass{}
}
