// Package errors provides the structured error taxonomy for the mind daemon.
package errors

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

// Sentinel errors for common failure modes.
var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrAlreadyRunning     = errors.New("already running")
	ErrNotRunning         = errors.New("not running")
	ErrValidation         = errors.New("validation failed")
	ErrStartFailed        = errors.New("start failed")
	ErrHealthCheckTimeout = errors.New("health check timed out")
	ErrVerificationFailed = errors.New("verification failed")
	ErrMergeConflict      = errors.New("merge conflict")
	ErrPortsExhausted     = errors.New("no free ports")
	ErrPersistence        = errors.New("persistence failed")
	ErrUnavailable        = errors.New("service unavailable")
	ErrTimeout            = errors.New("operation timed out")
)

// OpError attaches the failing operation and its subject (a mind, variant or
// path) to one of the sentinel errors above.
type OpError struct {
	Op      string
	Subject string
	Msg     string
	Err     error
}

func (e *OpError) Error() string {
	switch {
	case e.Msg != "" && e.Subject != "":
		return fmt.Sprintf("%s %s: %s", e.Op, e.Subject, e.Msg)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	case e.Subject != "":
		return fmt.Sprintf("%s %s: %v", e.Op, e.Subject, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// New creates an OpError wrapping kind with a human-readable message.
func New(kind error, op, subject, msg string) *OpError {
	return &OpError{Op: op, Subject: subject, Msg: msg, Err: kind}
}

// Wrap creates an OpError around an underlying cause.
func Wrap(kind error, op, subject string, cause error) *OpError {
	return &OpError{Op: op, Subject: subject, Msg: cause.Error(), Err: errors.Join(kind, cause)}
}

// NotFound reports an unknown mind, variant or session.
func NotFound(op, subject string) *OpError {
	return New(ErrNotFound, op, subject, "not found")
}

// Validation reports a rejected name, branch or path.
func Validation(op, subject, msg string) *OpError {
	return New(ErrValidation, op, subject, msg)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool { return errors.As(err, target) }

// Join wraps errors.Join so callers need a single errors import.
func Join(errs ...error) error { return errors.Join(errs...) }

// IsRetryable returns true if the error is likely transient and worth retrying.
// A mind that is mid-restart refuses connections for a moment, so connection
// refusals count as transient alongside timeouts and unavailability.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// IsDialError reports whether err happened before a request reached its
// peer: a refused or failed connect. Resending after such an error cannot
// duplicate work on the other side.
func IsDialError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
