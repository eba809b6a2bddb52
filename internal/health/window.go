package health

import (
	"sync"
	"time"
)

// window is a sliding log of event timestamps. Entries older than retention are
// dropped on write, so memory is bounded by the event rate times retention.
type window struct {
	mu        sync.Mutex
	times     []time.Time
	retention time.Duration
	now       func() time.Time
}

func newWindow(retention time.Duration, now func() time.Time) *window {
	return &window{retention: retention, now: now}
}

func (w *window) record() {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.times = append(w.times, now)
	w.pruneLocked(now)
}

// count returns the number of events no older than d.
func (w *window) count(d time.Duration) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := w.now().Add(-d)
	n := 0
	for i := len(w.times) - 1; i >= 0 && !w.times[i].Before(cutoff); i-- {
		n++
	}
	return n
}

func (w *window) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.times = nil
}

func (w *window) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.retention)
	i := 0
	for ; i < len(w.times) && w.times[i].Before(cutoff); i++ {
	}
	if i > 0 {
		w.times = append(w.times[:0], w.times[i:]...)
	}
}
