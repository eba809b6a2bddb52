package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/api-aggregator-service/internal/cache"
	"github.com/kjstillabower/api-aggregator-service/internal/models"
	"github.com/kjstillabower/api-aggregator-service/internal/service"
)

// staticSource is a configured source that answers instantly.
type staticSource struct{ kind models.SourceKind }

func (s staticSource) Kind() models.SourceKind { return s.kind }
func (s staticSource) Configured() bool        { return true }
func (s staticSource) Fetch(context.Context, string) (models.Record, error) {
	switch s.kind {
	case models.SourceWeather:
		return models.WeatherResult(londonResult.Weather), nil
	case models.SourceGeo:
		return models.GeoResult(londonResult.Geo), nil
	default:
		return models.NewsResult(londonResult.News), nil
	}
}

// benchRouter serves real SourceServices over an in-memory cache.
func benchRouter(cfg RouterConfig) http.Handler {
	c := cache.NewInMemoryCache()
	var lookups []service.Lookup
	for _, k := range models.Kinds {
		lookups = append(lookups, service.NewSourceService(staticSource{k}, c, zap.NewNop()))
	}
	agg := service.NewAggregator(service.PolicyLenient, zap.NewNop(), lookups...)
	return NewRouter(NewHandler(agg, nil, zap.NewNop()), zap.NewNop(), cfg)
}

func runBench(b *testing.B, router http.Handler, target string) {
	b.Helper()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, target, nil))
	}
}

func BenchmarkHandler_GetAggregate_CacheHit(b *testing.B) {
	router := benchRouter(RouterConfig{})
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/aggregate?location=London", nil))
	runBench(b, router, "/aggregate?location=London")
}

func BenchmarkHandler_GetWeather_CacheHit(b *testing.B) {
	router := benchRouter(RouterConfig{})
	runBench(b, router, "/weather/London")
}

func BenchmarkHandler_ValidationError(b *testing.B) {
	runBench(b, benchRouter(RouterConfig{}), "/aggregate?location=%3F%3F")
}

func BenchmarkHandler_RateLimited(b *testing.B) {
	runBench(b, benchRouter(RouterConfig{Limiter: rate.NewLimiter(rate.Limit(0.001), 1)}), "/aggregate?location=London")
}

func BenchmarkHandler_GetHealth(b *testing.B) {
	runBench(b, benchRouter(RouterConfig{}), "/health")
}
