package client

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/kjstillabower/api-aggregator-service/internal/models"
)

// TestCategorizeError verifies that CategorizeError maps errors to the correct ErrorCategory
// for metrics labeling, including sentinel errors, status errors, and message-based fallbacks.
func TestCategorizeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{"nil", nil, ""},
		{"timeout context", context.DeadlineExceeded, ErrorCategoryTimeout},
		{"canceled context", context.Canceled, ErrorCategoryTimeout},
		{"configuration missing", fmt.Errorf("news: %w", ErrConfigurationMissing), ErrorCategoryConfigurationMissing},
		{"decode failure", fmt.Errorf("weather: %w: %w", ErrDecodeFailure, errors.New("bad json")), ErrorCategoryParsing},
		{"401", newStatusError(models.SourceWeather, 401), ErrorCategoryInvalidAPIKey},
		{"404", newStatusError(models.SourceWeather, 404), ErrorCategoryLocationNotFound},
		{"429", newStatusError(models.SourceNews, 429), ErrorCategoryRateLimited},
		{"503", newStatusError(models.SourceGeo, 503), ErrorCategoryUpstream5xx},
		{"wrapped 500", fmt.Errorf("exhausted retries: %w", newStatusError(models.SourceGeo, 500)), ErrorCategoryUpstream5xx},
		{"418", newStatusError(models.SourceGeo, 418), ErrorCategoryUpstream},
		{"circuit open", fmt.Errorf("geo: %w: %w", ErrUpstreamFailure, ErrCircuitOpen), ErrorCategoryCircuitOpen},
		{"timeout in message", errors.New("weather request timeout"), ErrorCategoryTimeout},
		{"network in message", errors.New("dial tcp: connection refused"), ErrorCategoryNetwork},
		{"unknown", errors.New("something else"), ErrorCategoryUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CategorizeError(tt.err); got != tt.want {
				t.Errorf("CategorizeError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStatusError_MatchesUpstreamFailure(t *testing.T) {
	err := fmt.Errorf("fetch: %w", newStatusError(models.SourceWeather, 404))
	if !errors.Is(err, ErrUpstreamFailure) {
		t.Error("404 should match ErrUpstreamFailure")
	}
	if !errors.Is(err, ErrLocationNotFound) {
		t.Error("404 should match ErrLocationNotFound")
	}
	if StatusCode(err) != 404 {
		t.Errorf("StatusCode() = %d, want 404", StatusCode(err))
	}
	if StatusCode(errors.New("x")) != 0 {
		t.Error("StatusCode() of plain error should be 0")
	}
}

func TestCountsAgainstBreaker(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{newStatusError(models.SourceWeather, 404), false},
		{newStatusError(models.SourceWeather, 401), false},
		{fmt.Errorf("%w: x", ErrDecodeFailure), false},
		{newStatusError(models.SourceWeather, 502), true},
		{newStatusError(models.SourceWeather, 429), true},
		{errors.New("connection refused"), true},
	}
	for _, tt := range tests {
		if got := CountsAgainstBreaker(tt.err); got != tt.want {
			t.Errorf("CountsAgainstBreaker(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
