// Package errs classifies failures from the remote API and the transport
// into the kinds the retry and sync layers act on. The same classification
// drives retry decisions and log fields so the two never disagree.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind buckets an error by how the caller should react to it.
type Kind int

const (
	// Unknown covers errors that match no other bucket. Not retried.
	Unknown Kind = iota

	// Timeout covers exceeded deadlines and aborted attempts. Retried.
	Timeout

	// Network covers transport failures: no connectivity, refused
	// connections, DNS failures. Retried.
	Network

	// Server covers 5xx-class responses and server pushback (429). Retried.
	Server

	// Auth covers 401 and 403. Never retried.
	Auth

	// Validation covers the remaining 4xx responses. Never retried.
	Validation
)

func (k Kind) String() string {
	switch k {
	case Timeout:
		return "timeout"
	case Network:
		return "network"
	case Server:
		return "server"
	case Auth:
		return "auth"
	case Validation:
		return "validation"
	default:
		return "unknown"
	}
}

// Error is a classified failure. Status is the HTTP status code when the
// error came from a remote response, zero otherwise.
type Error struct {
	Kind   Kind
	Op     string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %v (status %d)", e.Op, e.Err, e.Status)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error from a message.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Wrap classifies an existing error without losing its chain.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// FromStatus maps an HTTP response status to the taxonomy. 408 counts as a
// timeout and 429 as server pushback; both are retried. 401/403 are auth
// failures and the remaining 4xx are validation failures; neither is ever
// retried.
func FromStatus(op string, status int, msg string) *Error {
	e := New(statusKind(status), op, msg)
	e.Status = status

	return e
}

func statusKind(status int) Kind {
	switch {
	case status == http.StatusRequestTimeout:
		return Timeout
	case status == http.StatusTooManyRequests:
		return Server
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return Auth
	case status >= 500 && status < 600:
		return Server
	case status >= 400 && status < 500:
		return Validation
	default:
		return Unknown
	}
}

// Classify returns the Kind for err, walking the wrap chain. Deadline
// expiry and net-level timeouts classify as Timeout, other net failures as
// Network, anything unrecognized as Unknown.
func Classify(err error) Kind {
	if err == nil {
		return Unknown
	}

	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		if nerr.Timeout() {
			return Timeout
		}

		return Network
	}

	return Unknown
}

// Retryable reports whether err is worth retrying: timeouts, transport
// failures, and server-side errors are; auth and validation failures are
// final.
func Retryable(err error) bool {
	switch Classify(err) {
	case Timeout, Network, Server:
		return true
	default:
		return false
	}
}
