package session

import (
	"errors"
	"fmt"
	"time"
)

// RejectReason is the closed set of admission failures.
type RejectReason string

const (
	RejectCapacity        RejectReason = "capacity"
	RejectChannelNotFound RejectReason = "channel_not_found"
	RejectNoStream        RejectReason = "no_stream"
	RejectShuttingDown    RejectReason = "shutting_down"
)

// AdmitError is returned when a tune cannot be admitted.
type AdmitError struct {
	Reason     RejectReason
	Message    string
	RetryAfter time.Duration // zero when retrying will not help
}

func (e *AdmitError) Error() string {
	if e.Message == "" {
		return "session: rejected: " + string(e.Reason)
	}
	return fmt.Sprintf("session: rejected: %s: %s", e.Reason, e.Message)
}

// Reject builds an AdmitError.
func Reject(reason RejectReason, format string, args ...any) *AdmitError {
	e := &AdmitError{Reason: reason, Message: fmt.Sprintf(format, args...)}
	if reason == RejectCapacity || reason == RejectShuttingDown {
		e.RetryAfter = 5 * time.Second
	}
	return e
}

// AsAdmitError unwraps err into an *AdmitError.
func AsAdmitError(err error) (*AdmitError, bool) {
	var ae *AdmitError
	ok := errors.As(err, &ae)
	return ae, ok
}

// ErrUnknownSession is returned for operations on ids not in the active index.
var ErrUnknownSession = errors.New("session: unknown session")

// End reasons used by the manager itself.
const (
	EndClientGone  = "client_gone"
	EndIdleTimeout = "idle_timeout"
	EndShutdown    = "shutdown"
	EndSuperseded  = "superseded"
)
