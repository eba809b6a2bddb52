package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/api-aggregator-service/internal/health"
	"github.com/kjstillabower/api-aggregator-service/internal/observability"
)

// RouterConfig configures the middleware applied to the data routes.
type RouterConfig struct {
	// RequestTimeout of 0 disables the per-request deadline.
	RequestTimeout time.Duration
	// Limiter of nil disables rate limiting.
	Limiter *rate.Limiter
	Monitor *health.Monitor
}

// NewRouter wires the public routes. /health and /metrics bypass the rate limiter and timeout.
func NewRouter(h *Handler, logger *zap.Logger, cfg RouterConfig) *mux.Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	data := router.NewRoute().Subrouter()
	data.Use(RateLimitMiddleware(cfg.Limiter, cfg.Monitor))
	if cfg.RequestTimeout > 0 {
		data.Use(TimeoutMiddleware(cfg.RequestTimeout))
	}
	data.HandleFunc("/aggregate", h.GetAggregate).Methods(http.MethodGet)
	data.HandleFunc("/weather/{location}", h.GetWeather).Methods(http.MethodGet)
	data.HandleFunc("/geolocation/{location}", h.GetGeolocation).Methods(http.MethodGet)
	data.HandleFunc("/news/{location}", h.GetNews).Methods(http.MethodGet)
	return router
}
