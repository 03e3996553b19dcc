package maintenance

import (
	"testing"
	"time"

	"github.com/gholt/bob"
	"github.com/gholt/bob/backend"
)

func TestCounterSamplePublishesSnapshot(t *testing.T) {
	b, path := newTestBackend(t)
	op := backend.Op{VDisk: 0, Disk: path}
	key := bob.NewKey([]byte{1}, 8)
	if _, err := b.Put(op, key, []byte("v"), nil, 1); err != nil {
		t.Fatalf("Put: %v", err)
	}

	published := make(chan Snapshot, 1)
	c := NewCounter(b, time.Hour, 4, func(s Snapshot) { published <- s })
	c.sample()
	select {
	case snap := <-c.queue:
		if snap.BlobCount != 1 {
			t.Fatalf("expected 1 blob counted, got %d", snap.BlobCount)
		}
		if snap.IndexEntries != 1 {
			t.Fatalf("expected 1 index entry counted, got %d", snap.IndexEntries)
		}
	default:
		t.Fatalf("expected sample() to enqueue a snapshot")
	}
}

func TestCounterDropsOnFullQueue(t *testing.T) {
	b, _ := newTestBackend(t)
	c := NewCounter(b, time.Hour, 1, nil)
	c.sample() // fills the depth-1 queue
	c.sample() // must be dropped, not block
	if c.Dropped() != 1 {
		t.Fatalf("expected exactly 1 dropped sample, got %d", c.Dropped())
	}
}
