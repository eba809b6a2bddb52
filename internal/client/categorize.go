package client

import (
	"context"
	"errors"
	"net"
	"strings"
)

// ErrorCategory is a stable label for error classification in metrics.
type ErrorCategory string

// Error category constants used as the category label of sourceFailuresTotal.
const (
	ErrorCategoryTimeout              ErrorCategory = "timeout"
	ErrorCategoryNetwork              ErrorCategory = "network"
	ErrorCategoryConfigurationMissing ErrorCategory = "configuration_missing"
	ErrorCategoryInvalidAPIKey        ErrorCategory = "invalid_api_key"
	ErrorCategoryLocationNotFound     ErrorCategory = "location_not_found"
	ErrorCategoryRateLimited          ErrorCategory = "rate_limited"
	ErrorCategoryCircuitOpen          ErrorCategory = "circuit_open"
	ErrorCategoryUpstream5xx          ErrorCategory = "upstream_5xx"
	ErrorCategoryUpstream             ErrorCategory = "upstream"
	ErrorCategoryParsing              ErrorCategory = "parsing"
	ErrorCategoryUnknown              ErrorCategory = "unknown"
)

// CategorizeError maps an error to a stable ErrorCategory for metrics.
// More specific sentinels are checked before ErrUpstreamFailure.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrorCategoryTimeout
	case errors.Is(err, ErrConfigurationMissing):
		return ErrorCategoryConfigurationMissing
	case errors.Is(err, ErrDecodeFailure):
		return ErrorCategoryParsing
	case errors.Is(err, ErrInvalidAPIKey):
		return ErrorCategoryInvalidAPIKey
	case errors.Is(err, ErrLocationNotFound):
		return ErrorCategoryLocationNotFound
	case errors.Is(err, ErrRateLimited):
		return ErrorCategoryRateLimited
	case errors.Is(err, ErrCircuitOpen):
		return ErrorCategoryCircuitOpen
	}

	if code := StatusCode(err); code >= 500 {
		return ErrorCategoryUpstream5xx
	}
	if errors.Is(err, ErrUpstreamFailure) {
		return ErrorCategoryUpstream
	}

	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return ErrorCategoryTimeout
		}
		return ErrorCategoryNetwork
	}

	errStr := err.Error()
	if strings.Contains(errStr, "timeout") {
		return ErrorCategoryTimeout
	}
	if strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "http request failed") {
		return ErrorCategoryNetwork
	}
	return ErrorCategoryUnknown
}
