// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Common sentinels across transport, presence and transfer layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates an invalid or expired token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrUpstream indicates a collaborator was unreachable or answered non-2xx.
	ErrUpstream = errors.New("upstream failure")

	// ErrMalformed indicates a frame or payload that cannot be decoded or fails validation.
	ErrMalformed = errors.New("malformed payload")

	// ErrNoEnvelope indicates a message carries no envelope for the requested recipient.
	ErrNoEnvelope = errors.New("no envelope for recipient")

	// ErrNotRegistered indicates a session sent a frame before a successful register.
	ErrNotRegistered = errors.New("session not registered")
)

// UpstreamError describes a failed call to an HTTP collaborator.
// Status is zero when the collaborator could not be reached at all.
type UpstreamError struct {
	Op     string
	Status int
	Err    error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.Status, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("%s: status %d", e.Op, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Op + ": upstream failure"
	}
}

// Is maps 401/403 answers to ErrUnauthorized and everything else to ErrUpstream.
func (e *UpstreamError) Is(target error) bool {
	switch target {
	case ErrUpstream:
		return true
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	}
	return false
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Upstream builds an UpstreamError for a non-2xx status.
func Upstream(op string, status int) error {
	return &UpstreamError{Op: op, Status: status}
}

// Unreachable builds an UpstreamError for a transport failure.
func Unreachable(op string, err error) error {
	return &UpstreamError{Op: op, Err: err}
}
