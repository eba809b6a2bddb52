package client

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/kjstillabower/api-aggregator-service/internal/circuitbreaker"
	"github.com/kjstillabower/api-aggregator-service/internal/models"
)

var (
	// ErrConfigurationMissing means the source has no API key. Weather and geo
	// never return it (they fail open); news does.
	ErrConfigurationMissing = errors.New("configuration missing")
	ErrUpstreamFailure      = errors.New("upstream failure")
	ErrDecodeFailure        = errors.New("decode failure")
	ErrInvalidAPIKey        = errors.New("invalid API key")
	ErrLocationNotFound     = errors.New("location not found")
	ErrRateLimited          = errors.New("rate limited")
	ErrCircuitOpen          = circuitbreaker.ErrOpen
)

// StatusError is returned for a non-2xx upstream response. It matches
// ErrUpstreamFailure and, when set, the more specific Err.
type StatusError struct {
	Source     models.SourceKind
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s upstream: HTTP %d: %v", e.Source, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s upstream: HTTP %d", e.Source, e.StatusCode)
}

func (e *StatusError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrUpstreamFailure, e.Err}
	}
	return []error{ErrUpstreamFailure}
}

func newStatusError(source models.SourceKind, code int) *StatusError {
	se := &StatusError{Source: source, StatusCode: code}
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		se.Err = ErrInvalidAPIKey
	case http.StatusNotFound:
		se.Err = ErrLocationNotFound
	case http.StatusTooManyRequests:
		se.Err = ErrRateLimited
	}
	return se
}

// StatusCode returns the upstream HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// CountsAgainstBreaker reports whether err says something about upstream health.
// Unknown locations and bad credentials are caller-side problems.
func CountsAgainstBreaker(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrLocationNotFound) || errors.Is(err, ErrInvalidAPIKey) || errors.Is(err, ErrDecodeFailure) {
		return false
	}
	return true
}
