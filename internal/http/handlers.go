package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/api-aggregator-service/internal/client"
	"github.com/kjstillabower/api-aggregator-service/internal/health"
	"github.com/kjstillabower/api-aggregator-service/internal/models"
	"github.com/kjstillabower/api-aggregator-service/internal/observability"
	"github.com/kjstillabower/api-aggregator-service/internal/validation"
)

const serviceName = "api-aggregator-service"

// Aggregator is the orchestrator surface the handlers need.
type Aggregator interface {
	Aggregate(ctx context.Context, location string) (models.AggregateResult, error)
	Lookup(ctx context.Context, kind models.SourceKind, location string) (models.Record, error)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	agg       Aggregator
	monitor   *health.Monitor
	logger    *zap.Logger
	cachePing func() error
	version   string

	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// HandlerOption configures optional Handler dependencies.
type HandlerOption func(*Handler)

// WithCachePing adds a "cache" entry to /health backed by ping. Used with memcached.
func WithCachePing(ping func() error) HandlerOption {
	return func(h *Handler) { h.cachePing = ping }
}

func WithVersion(v string) HandlerOption {
	return func(h *Handler) { h.version = v }
}

// NewHandler returns a new Handler. monitor may be nil, in which case /health
// always reports healthy and request counting is skipped.
func NewHandler(agg Aggregator, monitor *health.Monitor, logger *zap.Logger, opts ...HandlerOption) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{agg: agg, monitor: monitor, logger: logger, version: "dev"}
	for _, o := range opts {
		o(h)
	}
	return h
}

// GetAggregate handles GET /aggregate?location=<q> (alias city).
// Aggregation failures are reported as plain text, not the JSON error envelope.
// The aggregator has already logged them.
func (h *Handler) GetAggregate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	raw := q.Get("location")
	if raw == "" {
		raw = q.Get("city")
	}
	location, err := validation.Location(raw)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_LOCATION", err.Error())
		return
	}

	h.recordRequest()
	result, err := h.agg.Aggregate(r.Context(), location)
	if err != nil {
		if r.Context().Err() != nil {
			writeError(w, r, http.StatusGatewayTimeout, "TIMEOUT", "request timed out")
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("internal server error: " + err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetWeather handles GET /weather/{location}.
func (h *Handler) GetWeather(w http.ResponseWriter, r *http.Request) {
	h.getSource(w, r, models.SourceWeather)
}

// GetGeolocation handles GET /geolocation/{location}.
func (h *Handler) GetGeolocation(w http.ResponseWriter, r *http.Request) {
	h.getSource(w, r, models.SourceGeo)
}

// GetNews handles GET /news/{location}.
func (h *Handler) GetNews(w http.ResponseWriter, r *http.Request) {
	h.getSource(w, r, models.SourceNews)
}

// getSource serves a single-source lookup. Unlike /aggregate, source errors are
// surfaced to the caller.
func (h *Handler) getSource(w http.ResponseWriter, r *http.Request, kind models.SourceKind) {
	location, err := validation.Location(mux.Vars(r)["location"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_LOCATION", err.Error())
		return
	}

	h.recordRequest()
	rec, err := h.agg.Lookup(r.Context(), kind, location)
	if err != nil {
		h.writeSourceError(w, r, kind, err)
		return
	}
	switch kind {
	case models.SourceWeather:
		writeJSON(w, http.StatusOK, rec.Weather)
	case models.SourceGeo:
		writeJSON(w, http.StatusOK, rec.Geo)
	default:
		news := rec.News
		if news == nil {
			news = []models.NewsRecord{}
		}
		writeJSON(w, http.StatusOK, news)
	}
}

func (h *Handler) recordRequest() {
	if h.monitor != nil {
		h.monitor.RecordRequest()
	}
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	report := health.Report{Status: health.StatusHealthy, Checks: map[string]string{}}
	if h.monitor != nil {
		report = h.monitor.Evaluate()
	}

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != report.Status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", report.Status),
			zap.String("reason", report.Reason))
	}
	h.healthStatusPrev = report.Status
	h.healthStatusMu.Unlock()

	checks := report.Checks
	if h.cachePing != nil {
		if h.cachePing() == nil {
			checks["cache"] = health.CheckHealthy
		} else {
			checks["cache"] = health.CheckUnhealthy
		}
	}
	resp := map[string]interface{}{
		"status":    report.Status,
		"service":   serviceName,
		"version":   h.version,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if report.Reason != "" {
		resp["reason"] = report.Reason
	}
	writeJSON(w, healthStatusCode(report.Status), resp)
}

// healthStatusCode maps a status to its HTTP code. Idle is still serving traffic.
func healthStatusCode(status string) int {
	switch status {
	case health.StatusHealthy, health.StatusIdle:
		return http.StatusOK
	default:
		return http.StatusServiceUnavailable
	}
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the standard error envelope with code, message and the
// request's correlation ID.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationID(r.Context()),
		},
	})
}

// writeSourceError maps a single-source failure to its response. The cause was
// already logged at the source boundary, so it is only repeated at debug level.
func (h *Handler) writeSourceError(w http.ResponseWriter, r *http.Request, kind models.SourceKind, err error) {
	observability.LoggerFromContext(r.Context(), h.logger).Debug("source lookup error",
		zap.String("source", string(kind)), zap.Error(err))
	switch {
	case r.Context().Err() != nil:
		writeError(w, r, http.StatusGatewayTimeout, "TIMEOUT", "request timed out")
	case errors.Is(err, client.ErrConfigurationMissing):
		writeError(w, r, http.StatusInternalServerError, "CONFIGURATION_MISSING", "No API key configured for "+string(kind))
	default:
		writeError(w, r, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Unable to fetch "+string(kind)+" data")
	}
}
