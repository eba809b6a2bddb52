// Package health tracks the signals behind GET /health: per-source upstream
// error rates, request volume for idle detection, rate-limit pressure and the
// shutdown flag.
package health

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kjstillabower/api-aggregator-service/internal/models"
)

// Status values reported by /health.
const (
	StatusHealthy      = "healthy"
	StatusDegraded     = "degraded"
	StatusOverloaded   = "overloaded"
	StatusIdle         = "idle"
	StatusShuttingDown = "shutting-down"
)

// Per-source check values.
const (
	CheckHealthy      = "healthy"
	CheckUnhealthy    = "unhealthy"
	CheckUnconfigured = "unconfigured"
)

const retention = 30 * time.Minute

// Config holds the thresholds. A zero window or percentage disables that check.
type Config struct {
	DegradedWindow   time.Duration
	DegradedErrorPct int

	IdleWindow             time.Duration
	IdleThresholdReqPerMin int
	MinimumLifespan        time.Duration

	OverloadWindow       time.Duration
	OverloadThresholdPct int
	RateLimitRPS         int

	// IsFailure decides which fetch errors count toward the error rate. Nil counts all.
	IsFailure func(error) bool
	StartTime time.Time
	Now       func() time.Time
}

type sourceWindows struct {
	configured bool
	success    *window
	errors     *window
}

// Monitor collects health signals. All methods are safe for concurrent use.
type Monitor struct {
	cfg          Config
	mu           sync.RWMutex
	sources      map[models.SourceKind]*sourceWindows
	requests     *window
	allowed      *window
	denied       *window
	shuttingDown atomic.Bool
}

// NewMonitor creates a Monitor. StartTime and Now default to the current time and time.Now.
func NewMonitor(cfg Config) *Monitor {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.StartTime.IsZero() {
		cfg.StartTime = cfg.Now()
	}
	return &Monitor{
		cfg:      cfg,
		sources:  make(map[models.SourceKind]*sourceWindows),
		requests: newWindow(retention, cfg.Now),
		allowed:  newWindow(retention, cfg.Now),
		denied:   newWindow(retention, cfg.Now),
	}
}

// Register declares a source so it appears in the checks even before any traffic.
func (m *Monitor) Register(kind models.SourceKind, configured bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sw := m.sourceLocked(kind)
	sw.configured = configured
}

func (m *Monitor) sourceLocked(kind models.SourceKind) *sourceWindows {
	sw, ok := m.sources[kind]
	if !ok {
		sw = &sourceWindows{configured: true, success: newWindow(retention, m.cfg.Now), errors: newWindow(retention, m.cfg.Now)}
		m.sources[kind] = sw
	}
	return sw
}

// RecordOutcome records one upstream fetch result for kind.
func (m *Monitor) RecordOutcome(kind models.SourceKind, err error) {
	m.mu.Lock()
	sw := m.sourceLocked(kind)
	m.mu.Unlock()
	if err != nil && (m.cfg.IsFailure == nil || m.cfg.IsFailure(err)) {
		sw.errors.record()
		return
	}
	sw.success.record()
}

// RecordRequest counts a public request toward idle detection.
func (m *Monitor) RecordRequest() { m.requests.record() }

// RecordAllowed counts a request that passed the rate limiter.
func (m *Monitor) RecordAllowed() { m.allowed.record() }

// RecordDenied counts a request rejected with 429.
func (m *Monitor) RecordDenied() { m.denied.record() }

// RateLimitCounts returns allowed+denied and denied counts over the overload window.
func (m *Monitor) RateLimitCounts() (requests, denials int) {
	w := m.cfg.OverloadWindow
	if w <= 0 {
		w = time.Minute
	}
	d := m.denied.count(w)
	return m.allowed.count(w) + d, d
}

// SetShuttingDown flips the drain flag. /health reports shutting-down while set.
func (m *Monitor) SetShuttingDown(v bool) { m.shuttingDown.Store(v) }

func (m *Monitor) IsShuttingDown() bool { return m.shuttingDown.Load() }

// ErrorRate returns (errors, total) for kind within d.
func (m *Monitor) ErrorRate(kind models.SourceKind, d time.Duration) (errs, total int) {
	m.mu.RLock()
	sw, ok := m.sources[kind]
	m.mu.RUnlock()
	if !ok {
		return 0, 0
	}
	errs = sw.errors.count(d)
	return errs, errs + sw.success.count(d)
}

// Report is the evaluated health state.
type Report struct {
	Status string
	// Reason is a short machine-readable cause, empty when healthy.
	Reason string
	Checks map[string]string
}

// Evaluate computes the status in priority order:
// shutting-down > overloaded > idle > degraded > healthy.
func (m *Monitor) Evaluate() Report {
	checks := m.sourceChecks()
	switch {
	case m.IsShuttingDown():
		return Report{Status: StatusShuttingDown, Reason: "signal", Checks: checks}
	case m.overloaded():
		return Report{Status: StatusOverloaded, Reason: "overload_threshold", Checks: checks}
	case m.idle():
		return Report{Status: StatusIdle, Reason: "low_traffic", Checks: checks}
	}
	for _, v := range checks {
		if v == CheckUnhealthy {
			return Report{Status: StatusDegraded, Reason: "error_rate_breach", Checks: checks}
		}
	}
	return Report{Status: StatusHealthy, Checks: checks}
}

func (m *Monitor) overloaded() bool {
	if m.cfg.RateLimitRPS <= 0 || m.cfg.OverloadWindow <= 0 || m.cfg.OverloadThresholdPct <= 0 {
		return false
	}
	threshold := float64(m.cfg.RateLimitRPS) * m.cfg.OverloadWindow.Seconds() * float64(m.cfg.OverloadThresholdPct) / 100
	requests, _ := m.RateLimitCounts()
	return float64(requests) > threshold
}

func (m *Monitor) idle() bool {
	if m.cfg.IdleWindow <= 0 || m.cfg.MinimumLifespan <= 0 {
		return false
	}
	if m.cfg.Now().Sub(m.cfg.StartTime) < m.cfg.MinimumLifespan {
		return false
	}
	perMin := float64(m.requests.count(m.cfg.IdleWindow)) / m.cfg.IdleWindow.Minutes()
	return perMin < float64(m.cfg.IdleThresholdReqPerMin)
}

func (m *Monitor) sourceChecks() map[string]string {
	m.mu.RLock()
	kinds := make([]models.SourceKind, 0, len(m.sources))
	for k := range m.sources {
		kinds = append(kinds, k)
	}
	m.mu.RUnlock()
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	checks := make(map[string]string, len(kinds))
	for _, k := range kinds {
		checks[string(k)+"Api"] = m.sourceCheck(k)
	}
	return checks
}

func (m *Monitor) sourceCheck(kind models.SourceKind) string {
	m.mu.RLock()
	sw := m.sources[kind]
	configured := sw.configured
	m.mu.RUnlock()
	if !configured {
		return CheckUnconfigured
	}
	if m.cfg.DegradedWindow <= 0 || m.cfg.DegradedErrorPct <= 0 {
		return CheckHealthy
	}
	errs, total := m.ErrorRate(kind, m.cfg.DegradedWindow)
	if total > 0 && float64(errs)*100/float64(total) >= float64(m.cfg.DegradedErrorPct) {
		return CheckUnhealthy
	}
	return CheckHealthy
}

// Reset clears all recorded signals and the shutdown flag.
func (m *Monitor) Reset() {
	m.mu.Lock()
	for _, sw := range m.sources {
		sw.success.reset()
		sw.errors.reset()
	}
	m.mu.Unlock()
	m.requests.reset()
	m.allowed.reset()
	m.denied.reset()
	m.shuttingDown.Store(false)
}
