package disk

import (
	"sync"
	"time"

	"github.com/gholt/bob/pearl"
)

// ActionLogger aggregates a high-frequency event (an I/O error, a
// retried operation) and flushes a single summary line at most once per
// interval, instead of logging every occurrence. This consolidates the
// two parallel interval-logging implementations found in
// original_source/ (one reporting errors, one reporting generic actions)
// into a single reusable type (see DESIGN.md, Open Question decisions).
type ActionLogger struct {
	mu       sync.Mutex
	log      pearl.LogFunc
	interval time.Duration
	now      func() time.Time

	label   string
	count   int
	last    time.Time
	flushed bool
}

// NewActionLogger creates a logger that summarizes occurrences of label
// at most once per interval via log.
func NewActionLogger(log pearl.LogFunc, label string, interval time.Duration) *ActionLogger {
	if log == nil {
		log = func(string, ...interface{}) {}
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &ActionLogger{log: log, label: label, interval: interval, now: time.Now}
}

// Record notes one occurrence, flushing an aggregated summary if the
// interval since the last flush has elapsed.
func (a *ActionLogger) Record() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.count++
	now := a.now()
	if !a.flushed || now.Sub(a.last) >= a.interval {
		a.log("%s: %d occurrence(s) in the last interval\n", a.label, a.count)
		a.count = 0
		a.last = now
		a.flushed = true
	}
}

// Flush forces an immediate summary of any pending occurrences,
// intended for use at shutdown so the final partial interval isn't
// silently dropped.
func (a *ActionLogger) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.count == 0 {
		return
	}
	a.log("%s: %d occurrence(s) (final)\n", a.label, a.count)
	a.count = 0
	a.last = a.now()
	a.flushed = true
}
