package httpclient

import (
	"net"
	"net/http"
	"time"
)

const (
	DefaultTimeout         = 30 * time.Second
	DefaultIdleConnTimeout = 90 * time.Second
	MaxIdleConnsPerHost    = 16

	// VLCUserAgent is sent to IPTV upstreams; many panels whitelist player UAs.
	VLCUserAgent = "VLC/3.0.20 LibVLC/3.0.20"
)

var defaultClient *http.Client

func init() {
	defaultClient = &http.Client{
		Timeout: DefaultTimeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: MaxIdleConnsPerHost,
			IdleConnTimeout:     DefaultIdleConnTimeout,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 20 * time.Second,
		},
	}
}

// Default returns the shared tuned HTTP client for EPG, resolver and import fetches.
func Default() *http.Client {
	return defaultClient
}

// WithTimeout returns a client with the given timeout and a clone of the Default transport.
func WithTimeout(timeout time.Duration) *http.Client {
	t, ok := defaultClient.Transport.(*http.Transport)
	if !ok {
		return &http.Client{Timeout: timeout}
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: t.Clone(),
	}
}

// ForStreaming returns a client without an overall timeout, for bodies that
// are read for the lifetime of a session (segment proxying). Callers bound
// the request with a context instead.
func ForStreaming() *http.Client {
	c := WithTimeout(0)
	if t, ok := c.Transport.(*http.Transport); ok {
		t.DisableKeepAlives = true
	}
	return c
}

// SetPlayerHeaders applies the VLC-compatible header set used for upstream fetches.
func SetPlayerHeaders(req *http.Request) {
	req.Header.Set("User-Agent", VLCUserAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Connection", "close")
	req.Close = true
}
