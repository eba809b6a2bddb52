//go:build integration
// +build integration

package testhelpers

import (
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/api-aggregator-service/internal/cache"
	"github.com/kjstillabower/api-aggregator-service/internal/client"
	"github.com/kjstillabower/api-aggregator-service/internal/config"
	"github.com/kjstillabower/api-aggregator-service/internal/service"
)

// IntegrationTestConfig holds live upstream credentials for integration tests.
type IntegrationTestConfig struct {
	WeatherAPIKey string
	GeoAPIKey     string
	NewsAPIKey    string
	CacheBackend  string // "in_memory" or "memcached"
	MemcachedAddr string
}

// GetIntegrationConfig loads credentials from the environment. Skips the test
// unless at least one key is set; missing keys exercise the fail-open paths.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	t.Helper()
	cfg := IntegrationTestConfig{
		WeatherAPIKey: os.Getenv("WEATHER_API_KEY"),
		GeoAPIKey:     os.Getenv("GEO_API_KEY"),
		NewsAPIKey:    os.Getenv("NEWS_API_KEY"),
		CacheBackend:  os.Getenv("INTEGRATION_CACHE_BACKEND"),
		MemcachedAddr: os.Getenv("MEMCACHED_ADDRS"),
	}
	if cfg.WeatherAPIKey == "" && cfg.GeoAPIKey == "" && cfg.NewsAPIKey == "" {
		t.Skip("no upstream API keys set, skipping integration test")
	}
	if cfg.MemcachedAddr == "" {
		cfg.MemcachedAddr = "localhost:11211"
	}
	return cfg
}

// SetupIntegrationCache returns the requested backend, falling back to in-memory
// when memcached is unreachable.
func SetupIntegrationCache(t *testing.T, cfg IntegrationTestConfig) cache.Cache {
	t.Helper()
	if cfg.CacheBackend != "memcached" {
		return cache.NewInMemoryCache()
	}
	mc, err := cache.NewMemcachedCache(cfg.MemcachedAddr, 500*time.Millisecond, 2)
	if err == nil {
		err = mc.Ping()
	}
	if err != nil {
		t.Logf("memcached not available (%v), using in-memory cache", err)
		return cache.NewInMemoryCache()
	}
	t.Cleanup(func() { _ = mc.Close() })
	return mc
}

// SetupIntegrationAggregator wires the real adapters against the live upstreams.
func SetupIntegrationAggregator(t *testing.T, cfg IntegrationTestConfig, policy service.FailurePolicy) (*service.Aggregator, cache.Cache) {
	t.Helper()
	opts := client.DefaultOptions()
	opts.Timeout = 5 * time.Second
	c := SetupIntegrationCache(t, cfg)
	logger := zap.NewNop()
	agg := service.NewAggregator(policy, logger,
		service.NewSourceService(client.NewWeatherClient(cfg.WeatherAPIKey, config.DefaultWeatherAPIURL, opts), c, logger),
		service.NewSourceService(client.NewGeoClient(cfg.GeoAPIKey, config.DefaultGeoAPIURL, opts), c, logger),
		service.NewSourceService(client.NewNewsClient(cfg.NewsAPIKey, config.DefaultNewsAPIURL, opts), c, logger),
	)
	return agg, c
}
