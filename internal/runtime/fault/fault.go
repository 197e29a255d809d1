// Package fault classifies sync engine failures so the coordinator can decide
// between retrying, degrading to stale data, and surfacing an error.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind is the failure class.
type Kind string

const (
	// Network is lost connectivity or a transport error. Retried.
	Network Kind = "network"
	// Timeout is an attempt deadline expiry. Retried.
	Timeout Kind = "timeout"
	// Unauthorized is a rejected credential. Surfaced immediately.
	Unauthorized Kind = "unauthorized"
	// Server is a backend status error; 5xx is retried.
	Server Kind = "server"
	// Client is a 4xx other than 401. Surfaced immediately.
	Client Kind = "client"
	// Mismatch is a page carrying records of another resource key.
	Mismatch Kind = "mismatch"
	// Corrupt is locally stored data failing integrity checks.
	Corrupt Kind = "corrupt"
	// Storage is a failed durable write.
	Storage Kind = "storage"
	// Failed is an exhausted fetch cycle with no cached data to fall back on.
	Failed Kind = "failed"
)

// Error is the structured engine error.
type Error struct {
	Kind    Kind
	Status  int
	Key     string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Key != "" {
		msg = fmt.Sprintf("%s: key %q", msg, e.Key)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap exposes the cause for errors.Is/As traversal.
func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error by kind so callers can write
// errors.Is(err, &fault.Error{Kind: fault.Timeout}).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// Retryable reports whether the coordinator may retry the failure locally.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case Network, Timeout:
		return true
	case Server:
		return e.Status == 0 || e.Status >= 500
	default:
		return false
	}
}

// New builds an error of the given kind.
func New(kind Kind, key, message string) *Error {
	return &Error{Kind: kind, Key: key, Message: message}
}

// Wrap builds an error of the given kind around a cause.
func Wrap(kind Kind, key, message string, cause error) *Error {
	return &Error{Kind: kind, Key: key, Message: message, Cause: cause}
}

// FromStatus maps an HTTP status into the taxonomy. 2xx returns nil.
func FromStatus(key string, status int) *Error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized:
		return &Error{Kind: Unauthorized, Status: status, Key: key, Message: "credential rejected"}
	case status >= 500:
		return &Error{Kind: Server, Status: status, Key: key, Message: "backend error"}
	default:
		return &Error{Kind: Client, Status: status, Key: key, Message: "request rejected"}
	}
}

// Classify converts an arbitrary transport error into an *Error. Existing
// *Error values pass through untouched.
func Classify(key string, err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(Timeout, key, "attempt timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Wrap(Timeout, key, "attempt timed out", err)
	}
	return Wrap(Network, key, "transport failure", err)
}

// KindOf returns the kind of err, or the empty kind for unclassified errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsRetryable reports whether err is a transient failure.
func IsRetryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable()
	}
	return false
}

// HTTPStatus maps a failure kind onto the status the presentation surface uses.
func HTTPStatus(err error) int {
	var fe *Error
	if !errors.As(err, &fe) {
		return http.StatusInternalServerError
	}
	switch fe.Kind {
	case Unauthorized:
		return http.StatusUnauthorized
	case Timeout:
		return http.StatusGatewayTimeout
	case Network, Server, Client, Mismatch, Failed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
