package client

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. Every client error unwraps to exactly one of them.
var (
	// ErrTransport covers the realtime channel: dial, handshake, closed connection.
	// It is never fatal to a conversation; views fall back to persisted-only mode.
	ErrTransport = errors.New("transport error")
	// ErrValidation is a 400 from the API. Retrying the same request will not help.
	ErrValidation = errors.New("validation error")
	// ErrNotFound is a 404: the conversation is missing or not visible to the caller.
	ErrNotFound = errors.New("conversation unavailable")
	// ErrUnauthorized is a 401: the session token was rejected.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrPersistence is any other failed write or read, including network failures
	// on the REST path. Failed sends stay in the timeline as retryable.
	ErrPersistence = errors.New("persistence error")
)

// TransportError is a realtime channel failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return e.Op + ": transport error"
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() []error { return []error{ErrTransport, e.Err} }

func transportErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, Err: err}
}

// APIError is a non-2xx REST response or a failed REST round trip (Status 0).
type APIError struct {
	Op      string
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *APIError) Error() string {
	switch {
	case e.Status == 0 && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Code != "":
		return fmt.Sprintf("%s: %d %s: %s", e.Op, e.Status, e.Code, e.Message)
	default:
		return fmt.Sprintf("%s: status %d", e.Op, e.Status)
	}
}

func (e *APIError) Unwrap() []error {
	kind := ErrPersistence
	switch e.Status {
	case http.StatusBadRequest:
		kind = ErrValidation
	case http.StatusNotFound:
		kind = ErrNotFound
	case http.StatusUnauthorized:
		kind = ErrUnauthorized
	}
	if e.Err != nil {
		return []error{kind, e.Err}
	}
	return []error{kind}
}

// IsTransport reports whether err is a realtime channel failure.
func IsTransport(err error) bool { return errors.Is(err, ErrTransport) }

// IsValidation reports whether err is a rejected request.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsNotFound reports whether err means the conversation is unavailable.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsPersistence reports whether err is a retryable REST failure.
func IsPersistence(err error) bool { return errors.Is(err, ErrPersistence) }
