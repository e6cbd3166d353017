package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RetryPolicy controls DoWithRetry. Attempt n (0-based) runs with a timeout of
// BaseTimeout*(n+1) and, after a retryable failure, waits Backoff*2^n.
type RetryPolicy struct {
	Attempts    int           // total attempts, including the first
	BaseTimeout time.Duration // per-attempt timeout for attempt 0; 0 = none
	Backoff     time.Duration
	MaxBackoff  time.Duration
	Max429Wait  time.Duration // cap on a Retry-After wait
	Retry5xx    bool
	Retry429    bool
}

// DefaultRetryPolicy is the upstream playlist policy: 3 attempts, growing timeouts.
var DefaultRetryPolicy = RetryPolicy{
	Attempts:    3,
	BaseTimeout: 5 * time.Second,
	Backoff:     500 * time.Millisecond,
	MaxBackoff:  4 * time.Second,
	Max429Wait:  10 * time.Second,
	Retry5xx:    true,
	Retry429:    true,
}

// RequestFunc builds a fresh request for one attempt.
type RequestFunc func(ctx context.Context) (*http.Request, error)

// StatusError is returned when the final attempt produced a non-2xx response.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d", e.Code)
}

// DoWithRetry runs newReq until it yields a 2xx response or the policy is
// exhausted. 4xx other than 429 are not retried. On success the caller owns
// resp.Body, and cancel must be called after the body is consumed.
func DoWithRetry(ctx context.Context, client *http.Client, newReq RequestFunc, policy RetryPolicy) (resp *http.Response, cancel context.CancelFunc, err error) {
	if client == nil {
		client = Default()
	}
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for n := 0; n < attempts; n++ {
		if n > 0 {
			wait := backoffFor(policy, n-1)
			var se *StatusError
			if errors.As(lastErr, &se) && se.Code == http.StatusTooManyRequests && resp != nil {
				wait = parseRetryAfter(resp.Header.Get("Retry-After"), policy.Max429Wait)
			}
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(wait):
			}
		}
		actx, acancel := attemptContext(ctx, policy.BaseTimeout, n)
		req, rerr := newReq(actx)
		if rerr != nil {
			acancel()
			return nil, nil, rerr
		}
		resp, err = client.Do(req)
		if err != nil {
			acancel()
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			lastErr = err
			resp = nil
			continue
		}
		code := resp.StatusCode
		if code >= 200 && code < 300 {
			return resp, acancel, nil
		}
		drain(resp)
		acancel()
		lastErr = &StatusError{Code: code, URL: req.URL.String()}
		switch {
		case code == http.StatusTooManyRequests && policy.Retry429:
		case code >= 500 && policy.Retry5xx:
		default:
			return nil, nil, lastErr
		}
	}
	return nil, nil, lastErr
}

func attemptContext(ctx context.Context, base time.Duration, n int) (context.Context, context.CancelFunc) {
	if base <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, base*time.Duration(n+1))
}

func backoffFor(p RetryPolicy, n int) time.Duration {
	d := p.Backoff << uint(n)
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

// parseRetryAfter parses Retry-After (seconds or HTTP-date); returns duration capped at max.
func parseRetryAfter(s string, max time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return 1 * time.Second
	}
	if sec, err := strconv.Atoi(s); err == nil && sec >= 0 {
		d := time.Duration(sec) * time.Second
		if d > max {
			return max
		}
		return d
	}
	t, err := time.Parse(time.RFC1123, s)
	if err != nil {
		return 1 * time.Second
	}
	until := time.Until(t)
	if until <= 0 {
		return 0
	}
	if until > max {
		return max
	}
	return until
}
