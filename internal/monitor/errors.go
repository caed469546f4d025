package monitor

import (
	"errors"
	"fmt"
)

// ErrNoAttachment reports that no candidate produced a valid attachment.
var ErrNoAttachment = errors.New("no attachment available")

// TransportError is a fetch or download failure: timeout, non-2xx, connection fault.
type TransportError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ParseError reports a document whose shape could not be parsed.
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.URL, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// SenderUnavailable reports a missing sender executable, runtime, or dependency bundle.
type SenderUnavailable struct {
	Reason string
	Err    error
}

func (e *SenderUnavailable) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sender unavailable: %s: %v", e.Reason, e.Err)
	}
	return "sender unavailable: " + e.Reason
}

func (e *SenderUnavailable) Unwrap() error { return e.Err }

// DispatchFailed reports a sender process that exited non-zero.
type DispatchFailed struct {
	ExitCode int
	Err      error
}

func (e *DispatchFailed) Error() string {
	return fmt.Sprintf("sender exited with code %d", e.ExitCode)
}

func (e *DispatchFailed) Unwrap() error { return e.Err }

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// DispatchStatus classifies a dispatch outcome for logs, metrics, and events.
func DispatchStatus(err error) string {
	var unavailable *SenderUnavailable
	var failed *DispatchFailed
	switch {
	case err == nil:
		return "sent"
	case errors.As(err, &unavailable):
		return "sender_unavailable"
	case errors.As(err, &failed):
		return "failed"
	default:
		return "error"
	}
}
