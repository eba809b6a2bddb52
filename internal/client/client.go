package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/kjstillabower/api-aggregator-service/internal/circuitbreaker"
	"github.com/kjstillabower/api-aggregator-service/internal/models"
	"github.com/kjstillabower/api-aggregator-service/internal/observability"
)

// Source is one upstream adapter. Fetch returns a record whose Kind equals Kind().
type Source interface {
	Kind() models.SourceKind
	// Configured reports whether the adapter has the credential it needs.
	Configured() bool
	Fetch(ctx context.Context, location string) (models.Record, error)
}

const userAgent = "api-aggregator/1.0"

// Options configures the shared upstream transport.
type Options struct {
	Timeout        time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// Breaker is optional; nil disables circuit breaking.
	Breaker    *circuitbreaker.CircuitBreaker
	HTTPClient *http.Client
}

// DefaultOptions returns a 10s timeout with three attempts and 100ms..2s backoff.
func DefaultOptions() Options {
	return Options{
		Timeout:        10 * time.Second,
		RetryAttempts:  3,
		RetryBaseDelay: 100 * time.Millisecond,
		RetryMaxDelay:  2 * time.Second,
	}
}

type transport struct {
	source models.SourceKind
	opts   Options
	client *http.Client
}

func newTransport(source models.SourceKind, opts Options) *transport {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 1
	}
	c := opts.HTTPClient
	if c == nil {
		c = &http.Client{Timeout: opts.Timeout}
	}
	return &transport{source: source, opts: opts, client: c}
}

// getJSON issues GET endpoint?params and decodes the body into out, retrying
// rate limits, 5xx responses and timeouts with exponential backoff.
func (t *transport) getJSON(ctx context.Context, endpoint string, params url.Values, out any) error {
	err := t.opts.Breaker.Call(ctx, func() error {
		return t.withRetry(ctx, endpoint, params, out)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		observability.UpstreamCallsTotal.WithLabelValues(string(t.source), "circuit_open").Inc()
		return fmt.Errorf("%s: %w: %w", t.source, ErrUpstreamFailure, err)
	}
	return err
}

func (t *transport) withRetry(ctx context.Context, endpoint string, params url.Values, out any) error {
	var lastErr error
	for attempt := 0; attempt < t.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			observability.UpstreamRetriesTotal.WithLabelValues(string(t.source)).Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(t.backoff(attempt)):
			}
		}
		err := t.call(ctx, endpoint, params, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) {
			return err
		}
	}
	if t.opts.RetryAttempts > 1 {
		return fmt.Errorf("exhausted retries: %w", lastErr)
	}
	return lastErr
}

func (t *transport) call(ctx context.Context, endpoint string, params url.Values, out any) error {
	start := time.Now()
	source := string(t.source)

	reqCtx, cancel := context.WithTimeout(ctx, t.opts.Timeout)
	defer cancel()

	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid %s API URL: %w", source, err)
	}
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if id := observability.CorrelationID(ctx); id != "" {
		req.Header.Set("X-Correlation-ID", id)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues(source, "error").Inc()
		observability.UpstreamDuration.WithLabelValues(source, "error").Observe(time.Since(start).Seconds())
		if isTimeout(err) {
			return fmt.Errorf("%s request timeout: %w", source, err)
		}
		return fmt.Errorf("%s http request failed: %w", source, err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.UpstreamCallsTotal.WithLabelValues(source, status).Inc()
	observability.UpstreamDuration.WithLabelValues(source, status).Observe(time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return newStatusError(t.source, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response body: %w", source, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: %w: %w", source, ErrDecodeFailure, err)
	}
	return nil
}

func (t *transport) backoff(attempt int) time.Duration {
	delay := float64(t.opts.RetryBaseDelay) * math.Pow(2, float64(attempt-1))
	if ceiling := float64(t.opts.RetryMaxDelay); ceiling > 0 && delay > ceiling {
		delay = ceiling
	}
	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	return isTimeout(err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func statusLabel(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "success"
	case statusCode == http.StatusTooManyRequests:
		return "rate_limited"
	case statusCode >= 400 && statusCode < 500:
		return "client_error"
	case statusCode >= 500:
		return "server_error"
	default:
		return "error"
	}
}
