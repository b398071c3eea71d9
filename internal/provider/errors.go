package provider

import (
	"errors"
	"fmt"
	"net"
	"net/http"

	"calsync/internal/models"
)

// Kind classifies provider failures by how the sync engine reacts to them.
type Kind string

const (
	// KindAuthentication skips the provider for the rest of the cycle.
	KindAuthentication Kind = "authentication"
	// KindTransient covers network failures, throttling and 5xx; retried next cycle.
	KindTransient Kind = "transient"
	// KindNotFound means the remote object does not exist.
	KindNotFound Kind = "not_found"
	// KindPermanent is any other rejection.
	KindPermanent Kind = "permanent"
)

// Error is returned by provider clients.
type Error struct {
	Provider models.Provider
	Op       string
	Kind     Kind
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s (%s): %v", e.Provider, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with provider context.
func NewError(p models.Provider, op string, kind Kind, err error) *Error {
	return &Error{Provider: p, Op: op, Kind: kind, Err: err}
}

// KindOf returns the kind of a provider error. Unclassified network errors
// are transient and anything else is permanent.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindPermanent
}

// IsAuthentication reports whether err is an authentication failure.
func IsAuthentication(err error) bool {
	return KindOf(err) == KindAuthentication
}

// IsTransient reports whether err should simply be retried next cycle.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

// IsNotFound reports whether err means the remote object is gone.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// KindForStatus maps an HTTP status code to an error kind.
func KindForStatus(code int) Kind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuthentication
	case code == http.StatusNotFound || code == http.StatusGone:
		return KindNotFound
	case code == http.StatusTooManyRequests || code >= 500:
		return KindTransient
	default:
		return KindPermanent
	}
}
