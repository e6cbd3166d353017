package store

import "time"

// Channel is a tunable lineup entry.
type Channel struct {
	ID        string
	Number    int
	Name      string
	Enabled   bool
	EPGID     string
	Logo      string
	CreatedAt time.Time
}

// StreamType is the upstream protocol family.
type StreamType string

const (
	StreamHLS    StreamType = "hls"
	StreamDASH   StreamType = "dash"
	StreamRTSP   StreamType = "rtsp"
	StreamRTMP   StreamType = "rtmp"
	StreamUDP    StreamType = "udp"
	StreamHTTP   StreamType = "http"
	StreamMPEGTS StreamType = "mpegts"
)

// ValidStreamType reports whether t is one of the known stream types.
func ValidStreamType(t StreamType) bool {
	switch t {
	case StreamHLS, StreamDASH, StreamRTSP, StreamRTMP, StreamUDP, StreamHTTP, StreamMPEGTS:
		return true
	}
	return false
}

// StreamAuth is optional basic auth for the upstream.
type StreamAuth struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// ProtocolOptions are per-stream knobs passed to the resolver and transcoder.
type ProtocolOptions struct {
	ForceTranscode bool   `json:"forceTranscode,omitempty"`
	UserAgent      string `json:"userAgent,omitempty"`
	Referer        string `json:"referer,omitempty"`
	SkipResolve    bool   `json:"skipResolve,omitempty"`
}

// Stream is one upstream source for a channel.
type Stream struct {
	ID                 string
	ChannelID          string
	Name               string
	URL                string
	Type               StreamType
	Enabled            bool
	Auth               *StreamAuth
	Headers            map[string]string
	ProtocolOptions    ProtocolOptions
	ProfileID          string
	ConnectionLimits   int    // 0 = unknown/unlimited; >0 marks the host as connection-limited
	ReliabilityProfile string // escalation override, e.g. "emergency-safe"
	ReliabilityScore   float64
	FailureCount       int
	CreatedAt          time.Time
}

// ClientKind is the coarse client family used to pick a profile template.
type ClientKind string

const (
	ClientWeb           ClientKind = "web"
	ClientAndroidMobile ClientKind = "android_mobile"
	ClientAndroidTV     ClientKind = "android_tv"
	ClientIOSMobile     ClientKind = "ios_mobile"
	ClientAppleTV       ClientKind = "apple_tv"
)

// ClientKinds lists every ClientKind in a fixed order.
var ClientKinds = []ClientKind{ClientWeb, ClientAndroidMobile, ClientAndroidTV, ClientIOSMobile, ClientAppleTV}

// ClientTemplate holds the worker argument templates for one client kind.
// ArgsTemplate re-encodes; CopyArgsTemplate copies codecs and is used when the
// upstream does not require re-encoding. Both contain the {input} placeholder.
type ClientTemplate struct {
	ArgsTemplate     string `json:"args_template"`
	CopyArgsTemplate string `json:"copy_args_template"`
}

// TranscodeProfile is a named set of per-client worker templates.
type TranscodeProfile struct {
	ID        string
	Name      string
	IsDefault bool
	IsSystem  bool
	Clients   map[ClientKind]ClientTemplate
}

// SessionState is the lifecycle state of a stream session.
type SessionState string

const (
	SessionConnecting SessionState = "connecting"
	SessionStreaming  SessionState = "streaming"
	SessionEnding     SessionState = "ending"
	SessionEnded      SessionState = "ended"
)

// Live reports whether the state counts against the tuner budget.
func (s SessionState) Live() bool {
	return s == SessionConnecting || s == SessionStreaming
}

// Session is the persisted record of one Plex tune.
type Session struct {
	ID                string
	ChannelID         string
	StreamID          string
	ClientFingerprint string
	ClientIP          string
	ClientHostname    string
	UserAgent         string
	StartedAt         time.Time
	LastActivity      time.Time
	EndedAt           time.Time
	Bytes             int64
	CurrentBitrate    float64 // bits/s
	AvgBitrate        float64
	PeakBitrate       float64
	ErrorCount        int
	State             SessionState
	EndReason         string
}

// EPGSource is an XMLTV feed.
type EPGSource struct {
	ID              string
	Name            string
	URL             string
	RefreshInterval time.Duration
	Enabled         bool
	Category        string
	SecondaryGenres []string
	LastFetchAt     time.Time
	LastSuccessAt   time.Time
	LastError       string
}

// EPGChannel is a <channel> element from a source.
type EPGChannel struct {
	SourceID    string
	EPGID       string
	DisplayName string
	Icon        string
}

// EPGProgram is a <programme> element.
type EPGProgram struct {
	ID          string
	SourceID    string
	ChannelID   string // XMLTV channel id
	Title       string
	SubTitle    string
	Description string
	Category    string
	Start       time.Time
	End         time.Time
	Season      *int
	Episode     *int
	Icon        string
}

// Contains reports whether t falls in [Start, End).
func (p EPGProgram) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// AliasKind selects how an alias Match is compared.
type AliasKind string

const (
	AliasName   AliasKind = "name"   // normalized channel name -> epg id
	AliasNumber AliasKind = "number" // channel number -> epg id
	AliasPrefix AliasKind = "prefix" // epg id prefix rewrite, e.g. "mjh-" -> ""
)

// EPGAlias is one curated mapping rule.
type EPGAlias struct {
	Kind   AliasKind
	Match  string
	Target string
}

// LineupRow is an enabled channel together with the stream used to tune it.
type LineupRow struct {
	Channel  Channel
	StreamID string
}
