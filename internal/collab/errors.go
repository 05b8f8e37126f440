package collab

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

var (
	// ErrUnavailable means the collaborator is not configured.
	ErrUnavailable = errors.New("collaborator unavailable")
	ErrNotFound    = errors.New("not found")
)

// Error is a failed collaborator call.
type Error struct {
	Service   string
	Op        string
	Transient bool
	Status    int
	// RetryIn is a server-provided hint (e.g. Retry-After).
	RetryIn time.Duration
	Err     error
}

func (e *Error) Error() string {
	s := e.Service + "." + e.Op
	if e.Status != 0 {
		s += fmt.Sprintf(" (http %d)", e.Status)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a non-transient collaborator error.
func Errorf(service, op string, format string, args ...any) error {
	return &Error{Service: service, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err as transient when it is a timeout or network failure.
func Wrap(service, op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	return &Error{Service: service, Op: op, Transient: isTransient(err), Err: err}
}

// HTTPError classifies a non-2xx response: 408, 429 and 5xx are transient.
func HTTPError(service, op string, status int, retryIn time.Duration, body string) error {
	e := &Error{Service: service, Op: op, Status: status, RetryIn: retryIn}
	switch {
	case status == http.StatusNotFound:
		e.Err = fmt.Errorf("%w: %s", ErrNotFound, body)
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		e.Transient = true
		e.Err = errors.New(body)
	default:
		e.Err = errors.New(body)
	}
	return e
}

// IsTransient reports whether a retry may help.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Transient
	}
	return isTransient(err)
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
