package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/api-aggregator-service/internal/models"
	"github.com/kjstillabower/api-aggregator-service/internal/observability"
)

// ErrAggregationFailure means the orchestration itself broke (a lookup panicked,
// a collaborator is missing) or, under the strict policy, a source failed.
var ErrAggregationFailure = errors.New("aggregation failure")

// ErrUnknownSource is returned by Aggregator.Lookup for a kind with no registered lookup.
var ErrUnknownSource = errors.New("unknown source")

// FailurePolicy decides what a single source failure does to an aggregate.
type FailurePolicy string

const (
	// PolicyLenient replaces a failed source with its zero record.
	PolicyLenient FailurePolicy = "lenient"
	// PolicyStrict aborts the aggregate on the first source failure.
	PolicyStrict FailurePolicy = "strict"
)

// ParseFailurePolicy accepts "lenient", "strict" or "" (lenient).
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyLenient:
		return PolicyLenient, nil
	case PolicyStrict:
		return PolicyStrict, nil
	default:
		return "", fmt.Errorf("unknown failure policy %q (want lenient or strict)", s)
	}
}

// DefaultResponseReserve is the slice of the caller's deadline kept back from
// the lookups so a slow source still leaves time to merge and respond.
const DefaultResponseReserve = 250 * time.Millisecond

// Lookup is one cache-or-fetch source. *SourceService implements it.
type Lookup interface {
	Kind() models.SourceKind
	Lookup(ctx context.Context, location string) (models.Record, error)
}

// Aggregator fans a location out to every source concurrently and merges the records.
type Aggregator struct {
	lookups []Lookup
	policy  FailurePolicy
	logger  *zap.Logger
	reserve time.Duration
}

// NewAggregator creates an Aggregator over lookups. logger may be nil.
func NewAggregator(policy FailurePolicy, logger *zap.Logger, lookups ...Lookup) *Aggregator {
	if policy == "" {
		policy = PolicyLenient
	}
	return &Aggregator{lookups: lookups, policy: policy, logger: logger, reserve: DefaultResponseReserve}
}

// SetResponseReserve overrides DefaultResponseReserve. Zero lets lookups run to the caller's deadline.
func (a *Aggregator) SetResponseReserve(d time.Duration) {
	if d >= 0 {
		a.reserve = d
	}
}

// sourceContext bounds one lookup to the caller's deadline minus the response
// reserve, capped at a tenth of the time left. Without a deadline it only
// inherits cancellation.
func (a *Aggregator) sourceContext(ctx context.Context) (context.Context, context.CancelFunc) {
	deadline, ok := ctx.Deadline()
	if !ok || a.reserve == 0 {
		return context.WithCancel(ctx)
	}
	reserve := a.reserve
	if tenth := time.Until(deadline) / 10; tenth < reserve {
		reserve = tenth
	}
	return context.WithDeadline(ctx, deadline.Add(-reserve))
}

// Policy returns the configured failure policy.
func (a *Aggregator) Policy() FailurePolicy { return a.policy }

// Aggregate returns weather, geolocation and news for location. Under the lenient
// policy it fails only with ErrAggregationFailure for mechanism faults, or with
// the context error when the caller went away. A source that runs out of its
// share of the deadline counts as a failed source.
func (a *Aggregator) Aggregate(ctx context.Context, location string) (models.AggregateResult, error) {
	start := time.Now()
	logger := observability.LoggerFromContext(ctx, a.logger)
	observability.RecordLocationQuery(location)

	result, degraded, err := a.collect(ctx, location)
	observability.AggregationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		observability.AggregationsTotal.WithLabelValues("failed").Inc()
		if logger != nil {
			logger.Error("aggregation failed", zap.String("location", location), zap.Error(err))
		}
		return models.AggregateResult{}, err
	}

	outcome := "complete"
	if degraded > 0 {
		outcome = "partial"
	}
	observability.AggregationsTotal.WithLabelValues(outcome).Inc()
	if logger != nil {
		logger.Debug("aggregation served",
			zap.String("location", location),
			zap.String("outcome", outcome),
			zap.Int32("degradedSources", degraded),
			zap.Duration("duration", time.Since(start)),
		)
	}
	return result, nil
}

func (a *Aggregator) collect(ctx context.Context, location string) (models.AggregateResult, int32, error) {
	if len(a.lookups) == 0 {
		return models.AggregateResult{}, 0, fmt.Errorf("%w: no sources registered", ErrAggregationFailure)
	}
	for i, l := range a.lookups {
		if l == nil {
			return models.AggregateResult{}, 0, fmt.Errorf("%w: source %d is nil", ErrAggregationFailure, i)
		}
	}

	var degraded atomic.Int32
	records := make(chan models.Record, len(a.lookups))
	g, gctx := errgroup.WithContext(ctx)
	for _, l := range a.lookups {
		l := l
		g.Go(func() (err error) {
			kind := l.Kind()
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: %s lookup panicked: %v", ErrAggregationFailure, kind, r)
				}
			}()

			sctx, cancel := a.sourceContext(gctx)
			defer cancel()
			rec, lerr := l.Lookup(sctx, location)
			if lerr != nil {
				if errors.Is(lerr, ErrSourcePanicked) {
					return fmt.Errorf("%w: %w", ErrAggregationFailure, lerr)
				}
				if a.policy == PolicyStrict {
					return fmt.Errorf("%w: %s: %w", ErrAggregationFailure, kind, lerr)
				}
				degraded.Add(1)
				rec = models.ZeroRecord(kind)
			}
			if rec.Kind != kind {
				return fmt.Errorf("%w: %s lookup returned a %q record", ErrAggregationFailure, kind, rec.Kind)
			}
			records <- rec
			return nil
		})
	}

	err := g.Wait()
	close(records)
	if err != nil {
		return models.AggregateResult{}, 0, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return models.AggregateResult{}, 0, ctxErr
	}

	result := models.NewAggregateResult()
	for rec := range records {
		result.Apply(rec)
	}
	return result, degraded.Load(), nil
}

// Lookup runs the single source of kind and returns its error unchanged. Used by
// the direct per-source endpoints, which do not degrade.
func (a *Aggregator) Lookup(ctx context.Context, kind models.SourceKind, location string) (models.Record, error) {
	for _, l := range a.lookups {
		if l != nil && l.Kind() == kind {
			return l.Lookup(ctx, location)
		}
	}
	return models.Record{}, fmt.Errorf("%w: %s", ErrUnknownSource, kind)
}
