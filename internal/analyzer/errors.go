package analyzer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// ErrorKind classifies a failure at the point where it happens, so the retry
// decision never depends on matching message text.
type ErrorKind string

// Failure classifications recognized by the retry policy.
const (
	KindTimeout           ErrorKind = "timeout"
	KindNetwork           ErrorKind = "network"
	KindNavigation        ErrorKind = "navigation"
	KindResourceExhausted ErrorKind = "resource_exhaustion"
	KindDisconnected      ErrorKind = "disconnected"
	KindInvalidInput      ErrorKind = "invalid_input"
	KindBlocked           ErrorKind = "blocked"
	KindStalled           ErrorKind = "stalled"
	KindUnknown           ErrorKind = "unknown"
)

// Error wraps a cause with its classification and the operation that produced
// it. It participates in errors.Is/As chains.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// NewError builds a classified Error. A nil cause is allowed for failures
// that have no underlying error (e.g. a blocked response code).
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified Error from a format string.
func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e == nil:
		return "<nil>"
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// KindOf returns the classification for err. Classified errors report their
// own kind; common stdlib failures (deadlines, net timeouts, connection
// resets) are mapped so callers that forgot to classify still behave sanely.
// Everything else is KindUnknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) && ae.Kind != "" {
		return ae.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return KindNetwork
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindNetwork
	}
	return KindUnknown
}

// Retryable reports whether a failed attempt should be re-queued. Invalid
// input and blocked targets fail permanently; unclassified errors default to
// retryable so a job is never dropped on a transient fault we did not
// anticipate.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindInvalidInput, KindBlocked:
		return false
	default:
		return true
	}
}
