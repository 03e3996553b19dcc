package bob

import "time"

// Stopwatch samples elapsed wall-clock time for one operation, used by
// the maintenance Counter to report per-operation latency alongside the
// blob/disk/index-RAM metrics spec.md §4.10 names (supplementing the
// original's stopwatch utility, see DESIGN.md).
type Stopwatch struct {
	start time.Time
}

// NewStopwatch starts a stopwatch.
func NewStopwatch() Stopwatch {
	return Stopwatch{start: time.Now()}
}

// Elapsed returns the time since the stopwatch started.
func (s Stopwatch) Elapsed() time.Duration {
	return time.Since(s.start)
}
