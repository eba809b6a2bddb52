// Package app assembles the aggregator from configuration. Both the HTTP
// service and the CLI build through it so they share one wiring.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/api-aggregator-service/internal/cache"
	"github.com/kjstillabower/api-aggregator-service/internal/circuitbreaker"
	"github.com/kjstillabower/api-aggregator-service/internal/client"
	"github.com/kjstillabower/api-aggregator-service/internal/config"
	"github.com/kjstillabower/api-aggregator-service/internal/health"
	httphandler "github.com/kjstillabower/api-aggregator-service/internal/http"
	"github.com/kjstillabower/api-aggregator-service/internal/models"
	"github.com/kjstillabower/api-aggregator-service/internal/observability"
	"github.com/kjstillabower/api-aggregator-service/internal/service"
)

// Version is reported by /health and the CLI. Overridden at build time with -ldflags.
var Version = "dev"

// App holds the wired components.
type App struct {
	Config     *config.Config
	Logger     *zap.Logger
	Cache      cache.Cache
	Aggregator *service.Aggregator
	Monitor    *health.Monitor
	Limiter    *rate.Limiter
	Breakers   map[models.SourceKind]*circuitbreaker.CircuitBreaker

	memcached *cache.MemcachedCache
	scheduler *gocron.Scheduler
}

// Option overrides a component, mainly for tests.
type Option func(*options)

type options struct {
	cache      cache.Cache
	httpClient *http.Client
}

// WithCache replaces the configured cache backend.
func WithCache(c cache.Cache) Option {
	return func(o *options) { o.cache = c }
}

// WithHTTPClient sets the client used for every upstream.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// New wires config → cache → breakers → adapters → source services → aggregator.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	policy, err := service.ParseFailurePolicy(cfg.FailurePolicy)
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Logger: logger, Breakers: make(map[models.SourceKind]*circuitbreaker.CircuitBreaker)}

	switch {
	case o.cache != nil:
		a.Cache = o.cache
	case cfg.CacheBackend == "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			return nil, fmt.Errorf("memcached cache: %w", err)
		}
		a.memcached = mc
		a.Cache = mc
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	default:
		a.Cache = cache.NewInMemoryCache()
		logger.Info("cache backend: in_memory")
	}

	a.Monitor = health.NewMonitor(health.Config{
		DegradedWindow:         cfg.DegradedWindow,
		DegradedErrorPct:       cfg.DegradedErrorPct,
		IdleWindow:             cfg.IdleWindow,
		IdleThresholdReqPerMin: cfg.IdleThresholdReqPerMin,
		MinimumLifespan:        cfg.MinimumLifespan,
		OverloadWindow:         cfg.OverloadWindow,
		OverloadThresholdPct:   cfg.OverloadThresholdPct,
		RateLimitRPS:           cfg.RateLimitRPS,
		IsFailure:              client.CountsAgainstBreaker,
	})

	sources := []client.Source{
		client.NewWeatherClient(cfg.Weather.APIKey, cfg.Weather.URL, a.clientOptions(models.SourceWeather, cfg.Weather, o.httpClient)),
		client.NewGeoClient(cfg.Geo.APIKey, cfg.Geo.URL, a.clientOptions(models.SourceGeo, cfg.Geo, o.httpClient)),
		client.NewNewsClient(cfg.News.APIKey, cfg.News.URL, a.clientOptions(models.SourceNews, cfg.News, o.httpClient)),
	}

	lookups := make([]service.Lookup, 0, len(sources))
	for _, src := range sources {
		a.Monitor.Register(src.Kind(), src.Configured())
		if !src.Configured() {
			logger.Warn("source has no API key", zap.String("source", string(src.Kind())))
		}
		lookups = append(lookups, service.NewSourceService(src, a.Cache, logger,
			service.WithOutcomeRecorder(a.Monitor),
			service.WithFetchTimeout(upstreamBudget(cfg, src.Kind())),
		))
	}
	a.Aggregator = service.NewAggregator(policy, logger, lookups...)

	if cfg.RateLimitRPS > 0 {
		a.Limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	if len(cfg.TrackedLocations) > 0 {
		observability.SetTrackedLocations(cfg.TrackedLocations)
	}
	return a, nil
}

func (a *App) clientOptions(kind models.SourceKind, sc config.SourceConfig, hc *http.Client) client.Options {
	component := string(kind) + "_api"
	cb := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: a.Config.BreakerFailureThreshold,
		SuccessThreshold: a.Config.BreakerSuccessThreshold,
		Timeout:          a.Config.BreakerTimeout,
		Component:        component,
		IsFailure:        client.CountsAgainstBreaker,
		OnStateChange: func(component string, from, to circuitbreaker.State) {
			observability.RecordCircuitBreakerTransition(component, from.String(), to.String(), int(to))
			a.Logger.Warn("circuit breaker state change",
				zap.String("component", component),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	observability.CircuitBreakerState.WithLabelValues(component).Set(0)
	a.Breakers[kind] = cb
	return client.Options{
		Timeout:        sc.Timeout,
		RetryAttempts:  a.Config.RetryAttempts,
		RetryBaseDelay: a.Config.RetryBaseDelay,
		RetryMaxDelay:  a.Config.RetryMaxDelay,
		Breaker:        cb,
		HTTPClient:     hc,
	}
}

// upstreamBudget bounds a detached fetch: every attempt may take the full
// timeout, plus the backoff ceiling between attempts.
func upstreamBudget(cfg *config.Config, kind models.SourceKind) time.Duration {
	var t time.Duration
	switch kind {
	case models.SourceWeather:
		t = cfg.Weather.Timeout
	case models.SourceGeo:
		t = cfg.Geo.Timeout
	default:
		t = cfg.News.Timeout
	}
	attempts := cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	return time.Duration(attempts)*t + time.Duration(attempts-1)*cfg.RetryMaxDelay
}

// Router returns the HTTP handler for the service.
func (a *App) Router() http.Handler {
	opts := []httphandler.HandlerOption{httphandler.WithVersion(Version)}
	if a.memcached != nil {
		opts = append(opts, httphandler.WithCachePing(a.memcached.Ping))
	}
	h := httphandler.NewHandler(a.Aggregator, a.Monitor, a.Logger, opts...)
	return httphandler.NewRouter(h, a.Logger, httphandler.RouterConfig{
		RequestTimeout: a.Config.RequestTimeout,
		Limiter:        a.Limiter,
		Monitor:        a.Monitor,
	})
}

// StartWarming prefetches tracked locations. With a positive WarmInterval it
// schedules repeat runs; otherwise it warms once, synchronously.
func (a *App) StartWarming(ctx context.Context) error {
	locations := a.Config.TrackedLocations
	if len(locations) == 0 {
		return nil
	}
	warmer := cache.NewCacheWarmer(a.Aggregator, a.Logger)
	runTimeout := a.Config.RequestTimeout * 2
	if a.Config.WarmInterval <= 0 {
		warmCtx, cancel := context.WithTimeout(ctx, runTimeout)
		defer cancel()
		return warmer.Warm(warmCtx, locations)
	}
	s, err := warmer.Schedule(locations, a.Config.WarmInterval, runTimeout)
	if err != nil {
		return err
	}
	a.scheduler = s
	return nil
}

// Close stops the warming scheduler and releases the cache backend.
func (a *App) Close() error {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.memcached != nil {
		if err := a.memcached.Close(); err != nil {
			return fmt.Errorf("memcached close: %w", err)
		}
	}
	return nil
}
