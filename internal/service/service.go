package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/api-aggregator-service/internal/cache"
	"github.com/kjstillabower/api-aggregator-service/internal/client"
	"github.com/kjstillabower/api-aggregator-service/internal/models"
	"github.com/kjstillabower/api-aggregator-service/internal/observability"
)

// DefaultFetchTimeout bounds a detached upstream fetch, retries included.
const DefaultFetchTimeout = 30 * time.Second

// ErrSourcePanicked wraps a panic raised by an adapter during a shared fetch.
var ErrSourcePanicked = errors.New("source panicked")

// OutcomeRecorder receives the result of every upstream fetch. Cache hits are not reported.
type OutcomeRecorder interface {
	RecordOutcome(kind models.SourceKind, err error)
}

// SourceService puts a cache in front of one upstream adapter.
//
// A miss triggers one upstream fetch per key at a time. The fetch runs detached
// from the caller's cancellation so a caller that gives up still leaves a warm cache behind.
type SourceService struct {
	source       client.Source
	cache        cache.Cache
	logger       *zap.Logger
	recorder     OutcomeRecorder
	fetchTimeout time.Duration
	group        singleflight.Group
	stampede     *stampedeTracker
}

// SourceOption configures a SourceService.
type SourceOption func(*SourceService)

// WithOutcomeRecorder reports upstream outcomes to r (health tracking).
func WithOutcomeRecorder(r OutcomeRecorder) SourceOption {
	return func(s *SourceService) { s.recorder = r }
}

// WithFetchTimeout overrides DefaultFetchTimeout.
func WithFetchTimeout(d time.Duration) SourceOption {
	return func(s *SourceService) {
		if d > 0 {
			s.fetchTimeout = d
		}
	}
}

// NewSourceService creates a SourceService. logger is the fallback when the
// request context carries none and may be nil.
func NewSourceService(source client.Source, c cache.Cache, logger *zap.Logger, opts ...SourceOption) *SourceService {
	s := &SourceService{
		source:       source,
		cache:        c,
		logger:       logger,
		fetchTimeout: DefaultFetchTimeout,
		stampede:     newStampedeTracker(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Kind returns the kind of the wrapped adapter.
func (s *SourceService) Kind() models.SourceKind { return s.source.Kind() }

// Lookup returns the record for location from cache, or fetches and stores it.
// Upstream failures are logged with their status code and returned.
func (s *SourceService) Lookup(ctx context.Context, location string) (models.Record, error) {
	kind := s.source.Kind()
	label := string(kind)
	key := cache.NormalizeKey(location)
	logger := observability.LoggerFromContext(ctx, s.logger)

	// Unconfigured sources never reach upstream: weather and geo return a zero
	// record, news an error. Neither result is cached.
	if !s.source.Configured() {
		rec, err := s.source.Fetch(ctx, location)
		if err != nil {
			s.reportFailure(logger, key, err)
			return models.Record{}, err
		}
		if logger != nil {
			logger.Debug("source not configured, serving default", zap.String("source", label), zap.String("location", key))
		}
		return rec, nil
	}

	if rec, ok := s.lookupCache(ctx, logger, key); ok {
		return rec, nil
	}
	observability.CacheMissesTotal.WithLabelValues(label).Inc()

	if n := s.stampede.RecordMiss(key); n > 1 {
		observability.CacheStampedeDetectedTotal.WithLabelValues(label).Inc()
	}
	defer s.stampede.RecordHit(key)

	if logger != nil {
		logger.Debug("cache miss, fetching upstream", zap.String("source", label), zap.String("location", key))
	}

	// The shared fetch outlives this caller; values only, no cancellation.
	detached := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (any, error) {
		return s.fetchAndStore(detached, logger, location, key)
	})

	select {
	case <-ctx.Done():
		return models.Record{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			s.reportFailure(logger, key, res.Err)
			return models.Record{}, res.Err
		}
		return res.Val.(models.Record), nil
	}
}

func (s *SourceService) lookupCache(ctx context.Context, logger *zap.Logger, key string) (models.Record, bool) {
	if s.cache == nil {
		return models.Record{}, false
	}
	kind := s.source.Kind()
	start := time.Now()
	entry, ok, err := s.cache.Get(ctx, kind, key)
	duration := time.Since(start).Seconds()
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get", categorizeCacheError(err)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "error").Observe(duration)
		if logger != nil {
			logger.Warn("cache get failed, treating as miss", zap.String("source", string(kind)), zap.String("location", key), zap.Error(err))
		}
		return models.Record{}, false
	}
	observability.CacheOperationDurationSeconds.WithLabelValues("get", "success").Observe(duration)
	if !ok {
		return models.Record{}, false
	}
	observability.CacheHitsTotal.WithLabelValues(string(kind)).Inc()
	if logger != nil {
		logger.Debug("cache hit", zap.String("source", string(kind)), zap.String("location", key))
	}
	return entry.Value, true
}

// fetchAndStore runs inside the singleflight goroutine, where a panic would not
// reach any caller's recover, so it is turned into ErrSourcePanicked here.
func (s *SourceService) fetchAndStore(ctx context.Context, logger *zap.Logger, location, key string) (rec models.Record, err error) {
	ctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()

	kind := s.source.Kind()
	defer func() {
		if r := recover(); r != nil {
			rec, err = models.Record{}, fmt.Errorf("%w: %s fetch: %v", ErrSourcePanicked, kind, r)
		}
	}()
	rec, err = s.source.Fetch(ctx, location)
	if s.recorder != nil {
		s.recorder.RecordOutcome(kind, err)
	}
	if err != nil {
		return models.Record{}, err
	}
	if s.cache == nil {
		return rec, nil
	}

	start := time.Now()
	if err := s.cache.Set(ctx, kind, key, rec); err != nil {
		observability.CacheErrorsTotal.WithLabelValues("set", categorizeCacheError(err)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("set", "error").Observe(time.Since(start).Seconds())
		if logger != nil {
			logger.Warn("cache set failed", zap.String("source", string(kind)), zap.String("location", key), zap.Error(err))
		}
	} else {
		observability.CacheOperationDurationSeconds.WithLabelValues("set", "success").Observe(time.Since(start).Seconds())
	}
	return rec, nil
}

// reportFailure logs and counts a failed lookup. Decode failures are logged at
// error level because they mean the upstream contract changed.
func (s *SourceService) reportFailure(logger *zap.Logger, key string, err error) {
	label := string(s.source.Kind())
	category := client.CategorizeError(err)
	observability.SourceFailuresTotal.WithLabelValues(label, string(category)).Inc()
	if logger == nil {
		return
	}
	fields := []zap.Field{
		zap.String("source", label),
		zap.String("location", key),
		zap.String("category", string(category)),
		zap.Error(err),
	}
	if code := client.StatusCode(err); code != 0 {
		fields = append(fields, zap.Int("status", code))
	}
	if errors.Is(err, client.ErrDecodeFailure) {
		logger.Error("upstream response could not be decoded", fields...)
		return
	}
	logger.Warn("source lookup failed", fields...)
}

// categorizeCacheError returns a stable label for cache error metrics (timeout, connection, unknown).
func categorizeCacheError(err error) string {
	if err == nil {
		return "unknown"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	errStr := err.Error()
	if strings.Contains(errStr, "timeout") {
		return "timeout"
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") {
		return "connection"
	}
	return "unknown"
}
