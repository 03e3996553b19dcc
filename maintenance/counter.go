package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/gholt/bob"
	"github.com/gholt/bob/backend"
)

// Snapshot is one sample published by Counter (spec.md §4.10: "sample
// blobs count, active-disks count, index RAM, disk usage"). SampleTime
// is how long the walk over the backend's groups/holders took to
// produce this snapshot, timed with a bob.Stopwatch.
type Snapshot struct {
	At           time.Time
	BlobCount    int
	IndexEntries int
	DiskUsage    int64
	SampleTime   time.Duration
}

// Counter samples backend-wide metrics every Interval and hands them to
// Publish. Recording uses a bounded queue with try-send semantics
// (spec.md §5 "overflow is dropped and counted"), matching the
// lock-free metrics registry policy the concurrency model calls for.
type Counter struct {
	Backend  *backend.Backend
	Interval time.Duration
	Publish  func(Snapshot)

	mu      sync.Mutex
	dropped int
	queue   chan Snapshot
}

// NewCounter creates a Counter with a bounded internal queue of
// depth; samples produced while the queue is full are dropped and
// counted rather than blocking the sampling loop.
func NewCounter(b *backend.Backend, interval time.Duration, depth int, publish func(Snapshot)) *Counter {
	if depth <= 0 {
		depth = 16
	}
	return &Counter{Backend: b, Interval: interval, Publish: publish, queue: make(chan Snapshot, depth)}
}

// Run drives the counter until ctx is cancelled, spawning a drain
// goroutine that calls Publish for each queued Snapshot.
func (c *Counter) Run(ctx context.Context) {
	if c.Interval <= 0 {
		return
	}
	go c.drain(ctx)
	t := time.NewTicker(c.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.sample()
		}
	}
}

func (c *Counter) sample() {
	sw := bob.NewStopwatch()
	snap := Snapshot{At: time.Now()}
	for _, byVDisk := range c.Backend.Groups() {
		for _, g := range byVDisk {
			for _, h := range g.Holders() {
				snap.BlobCount++
				snap.DiskUsage += h.Size()
				if ix := h.Index(); ix != nil {
					snap.IndexEntries += ix.Len()
				}
			}
		}
	}
	snap.SampleTime = sw.Elapsed()
	select {
	case c.queue <- snap:
	default:
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
	}
}

func (c *Counter) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-c.queue:
			if c.Publish != nil {
				c.Publish(snap)
			}
		}
	}
}

// Dropped reports how many samples have been discarded because the
// queue was full.
func (c *Counter) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}
