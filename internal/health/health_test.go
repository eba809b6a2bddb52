package health

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kjstillabower/api-aggregator-service/internal/models"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errUpstream = errors.New("upstream failure")

func newTestMonitor(cfg Config) (*Monitor, *testClock) {
	clock := &testClock{now: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)}
	cfg.Now = clock.Now
	m := NewMonitor(cfg)
	for _, k := range models.Kinds {
		m.Register(k, true)
	}
	return m, clock
}

func TestMonitor_HealthyByDefault(t *testing.T) {
	m, _ := newTestMonitor(Config{DegradedWindow: time.Minute, DegradedErrorPct: 50})
	r := m.Evaluate()
	if r.Status != StatusHealthy {
		t.Errorf("Status = %q, want healthy", r.Status)
	}
	for _, key := range []string{"weatherApi", "geoApi", "newsApi"} {
		if r.Checks[key] != CheckHealthy {
			t.Errorf("Checks[%s] = %q, want healthy", key, r.Checks[key])
		}
	}
}

func TestMonitor_DegradedOnSourceErrorRate(t *testing.T) {
	m, clock := newTestMonitor(Config{DegradedWindow: time.Minute, DegradedErrorPct: 50})

	m.RecordOutcome(models.SourceNews, errUpstream)
	m.RecordOutcome(models.SourceNews, errUpstream)
	m.RecordOutcome(models.SourceNews, nil)
	m.RecordOutcome(models.SourceWeather, nil)

	r := m.Evaluate()
	if r.Status != StatusDegraded || r.Reason != "error_rate_breach" {
		t.Fatalf("Evaluate() = %+v, want degraded/error_rate_breach", r)
	}
	if r.Checks["newsApi"] != CheckUnhealthy || r.Checks["weatherApi"] != CheckHealthy {
		t.Errorf("Checks = %v", r.Checks)
	}

	clock.Advance(2 * time.Minute)
	if got := m.Evaluate().Status; got != StatusHealthy {
		t.Errorf("Status after window = %q, want healthy", got)
	}
}

func TestMonitor_IsFailureFilter(t *testing.T) {
	ignored := errors.New("not found")
	m, _ := newTestMonitor(Config{
		DegradedWindow:   time.Minute,
		DegradedErrorPct: 10,
		IsFailure:        func(err error) bool { return !errors.Is(err, ignored) },
	})
	m.RecordOutcome(models.SourceWeather, ignored)
	if errs, total := m.ErrorRate(models.SourceWeather, time.Minute); errs != 0 || total != 1 {
		t.Errorf("ErrorRate() = (%d, %d), want (0, 1)", errs, total)
	}
}

func TestMonitor_Unconfigured(t *testing.T) {
	m, _ := newTestMonitor(Config{DegradedWindow: time.Minute, DegradedErrorPct: 50})
	m.Register(models.SourceNews, false)
	r := m.Evaluate()
	if r.Checks["newsApi"] != CheckUnconfigured {
		t.Errorf("Checks[newsApi] = %q, want unconfigured", r.Checks["newsApi"])
	}
	if r.Status != StatusHealthy {
		t.Errorf("Status = %q, want healthy", r.Status)
	}
}

func TestMonitor_Priority(t *testing.T) {
	cfg := Config{
		DegradedWindow:         time.Minute,
		DegradedErrorPct:       50,
		IdleWindow:             time.Minute,
		IdleThresholdReqPerMin: 1,
		MinimumLifespan:        time.Minute,
		OverloadWindow:         time.Minute,
		OverloadThresholdPct:   50,
		RateLimitRPS:           1,
	}

	t.Run("idle after minimum lifespan", func(t *testing.T) {
		m, clock := newTestMonitor(cfg)
		if got := m.Evaluate().Status; got != StatusHealthy {
			t.Errorf("Status before lifespan = %q, want healthy", got)
		}
		clock.Advance(2 * time.Minute)
		if got := m.Evaluate().Status; got != StatusIdle {
			t.Errorf("Status = %q, want idle", got)
		}
		m.RecordRequest()
		m.RecordOutcome(models.SourceGeo, errUpstream)
		if got := m.Evaluate().Status; got != StatusDegraded {
			t.Errorf("Status = %q, want degraded once traffic resumes", got)
		}
	})

	t.Run("idle threshold is per minute of the window", func(t *testing.T) {
		c := cfg
		c.IdleWindow = 5 * time.Minute
		c.IdleThresholdReqPerMin = 2
		m, clock := newTestMonitor(c)
		clock.Advance(6 * time.Minute)
		// 9 requests over 5 minutes is 1.8 per minute.
		for i := 0; i < 9; i++ {
			m.RecordRequest()
		}
		if got := m.Evaluate().Status; got != StatusIdle {
			t.Errorf("Status at 1.8 req/min = %q, want idle", got)
		}
		m.RecordRequest()
		if got := m.Evaluate().Status; got == StatusIdle {
			t.Errorf("Status at 2 req/min = %q, want not idle", got)
		}
	})

	t.Run("overloaded beats idle and degraded", func(t *testing.T) {
		m, clock := newTestMonitor(cfg)
		clock.Advance(2 * time.Minute)
		m.RecordOutcome(models.SourceGeo, errUpstream)
		for i := 0; i < 31; i++ {
			m.RecordAllowed()
		}
		if got := m.Evaluate().Status; got != StatusOverloaded {
			t.Errorf("Status = %q, want overloaded", got)
		}
	})

	t.Run("shutting down beats everything", func(t *testing.T) {
		m, _ := newTestMonitor(cfg)
		for i := 0; i < 100; i++ {
			m.RecordDenied()
		}
		m.SetShuttingDown(true)
		r := m.Evaluate()
		if r.Status != StatusShuttingDown || r.Reason != "signal" {
			t.Errorf("Evaluate() = %+v, want shutting-down/signal", r)
		}
	})
}

func TestMonitor_RateLimitCounts(t *testing.T) {
	m, clock := newTestMonitor(Config{OverloadWindow: time.Minute})
	m.RecordAllowed()
	m.RecordAllowed()
	m.RecordDenied()
	if req, den := m.RateLimitCounts(); req != 3 || den != 1 {
		t.Errorf("RateLimitCounts() = (%d, %d), want (3, 1)", req, den)
	}
	clock.Advance(61 * time.Second)
	if req, den := m.RateLimitCounts(); req != 0 || den != 0 {
		t.Errorf("RateLimitCounts() after window = (%d, %d), want (0, 0)", req, den)
	}
}

func TestMonitor_Reset(t *testing.T) {
	m, _ := newTestMonitor(Config{DegradedWindow: time.Minute, DegradedErrorPct: 50})
	m.RecordOutcome(models.SourceWeather, errUpstream)
	m.SetShuttingDown(true)
	m.Reset()
	if m.IsShuttingDown() {
		t.Error("IsShuttingDown() = true after Reset")
	}
	if got := m.Evaluate().Status; got != StatusHealthy {
		t.Errorf("Status after Reset = %q, want healthy", got)
	}
}

func TestWindow_PrunesBeyondRetention(t *testing.T) {
	clock := &testClock{now: time.Unix(0, 0)}
	w := newWindow(time.Minute, clock.Now)
	w.record()
	clock.Advance(2 * time.Minute)
	w.record()
	if len(w.times) != 1 {
		t.Errorf("len(times) = %d, want 1 after pruning", len(w.times))
	}
	if got := w.count(time.Hour); got != 1 {
		t.Errorf("count() = %d, want 1", got)
	}
}

func TestMonitor_Concurrent(t *testing.T) {
	m, _ := newTestMonitor(Config{DegradedWindow: time.Minute, DegradedErrorPct: 50})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			kind := models.Kinds[i%len(models.Kinds)]
			if i%2 == 0 {
				m.RecordOutcome(kind, errUpstream)
			} else {
				m.RecordOutcome(kind, nil)
			}
			m.RecordRequest()
			_ = m.Evaluate()
		}(i)
	}
	wg.Wait()
}
