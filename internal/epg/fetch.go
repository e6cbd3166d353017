// Package epg ingests XMLTV sources into the store, maps local channels to
// guide ids, and serves guide queries and XMLTV documents.
package epg

import (
	"bufio"
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/ulikunitz/xz"

	"github.com/snapetech/plexbridge/internal/httpclient"
	"github.com/snapetech/plexbridge/internal/safeurl"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	xzMagic   = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
)

// Open returns a decompressed reader for an XMLTV source. rawURL may be
// http(s), file:// or a plain path. Compression is detected from
// Content-Encoding, the file extension (.gz, .xz, .br) and magic bytes.
func Open(ctx context.Context, client *http.Client, rawURL string) (io.ReadCloser, error) {
	body, encoding, err := openRaw(ctx, client, rawURL)
	if err != nil {
		return nil, err
	}
	r, err := decompress(body, encoding, rawURL)
	if err != nil {
		body.Close()
		return nil, err
	}
	return r, nil
}

func openRaw(ctx context.Context, client *http.Client, rawURL string) (io.ReadCloser, string, error) {
	if !safeurl.IsHTTPOrHTTPS(rawURL) {
		path := rawURL
		if u, err := url.Parse(rawURL); err == nil && u.Scheme == "file" {
			path = u.Path
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, "", fmt.Errorf("epg: open %s: %w", path, err)
		}
		return f, "", nil
	}
	if client == nil {
		client = httpclient.Default()
	}
	policy := httpclient.DefaultRetryPolicy
	policy.BaseTimeout = 0 // large guides stream for minutes; bounded by ctx
	resp, cancel, err := httpclient.DoWithRetry(ctx, client, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", "plexbridge/1.0")
		// Set explicitly so the transport does not transparently gunzip and
		// brotli is offered.
		req.Header.Set("Accept-Encoding", "gzip, deflate, br")
		return req, nil
	}, policy)
	if err != nil {
		return nil, "", fmt.Errorf("epg: fetch %s: %w", safeurl.RedactURL(rawURL), err)
	}
	return &cancelCloser{ReadCloser: resp.Body, cancel: cancel}, strings.ToLower(resp.Header.Get("Content-Encoding")), nil
}

type cancelCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

type stackedReader struct {
	io.Reader
	closers []io.Closer
}

func (s *stackedReader) Close() error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func decompress(body io.ReadCloser, encoding, rawURL string) (io.ReadCloser, error) {
	closers := []io.Closer{body}
	var r io.Reader = body
	switch encoding {
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("epg: gzip: %w", err)
		}
		closers = append(closers, gz)
		r = gz
	case "deflate":
		fr := flate.NewReader(r)
		closers = append(closers, fr)
		r = fr
	case "br":
		r = brotli.NewReader(r)
	}
	path := strings.ToLower(rawURL)
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		path = strings.ToLower(u.Path)
	}
	if encoding == "" && strings.HasSuffix(path, ".br") {
		r = brotli.NewReader(r)
	}
	br := bufio.NewReaderSize(r, 64<<10)
	head, _ := br.Peek(len(xzMagic))
	switch {
	case bytes.HasPrefix(head, gzipMagic):
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("epg: gzip: %w", err)
		}
		closers = append(closers, gz)
		return &stackedReader{Reader: gz, closers: closers}, nil
	case bytes.HasPrefix(head, xzMagic):
		xzr, err := xz.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("epg: xz: %w", err)
		}
		return &stackedReader{Reader: xzr, closers: closers}, nil
	}
	return &stackedReader{Reader: br, closers: closers}, nil
}
