package maintenance

import (
	"context"
	"time"

	"github.com/gholt/bob"
	"github.com/gholt/bob/backend"
	"github.com/gholt/bob/pearl"
)

// Reachable reports whether node can currently be reached, used by the
// handoff worker to decide whether an alien record is ready to drain
// (spec.md §4.10).
type Reachable func(node bob.NodeName) bool

// Deliver re-PUTs an alien-held record to its intended destination
// node, returning nil only on a durable ack.
type Deliver func(ctx context.Context, node bob.NodeName, vdisk bob.VDiskID, key bob.Key, payload, meta []byte, timestamp uint64) error

// HandoffWorker scans local alien groups and, for each record whose
// target node has become reachable, redelivers it and writes a
// delete-tombstone in the alien blob once acknowledged (spec.md §4.10:
// "part of coordinator; scans local alien groups...on ack, writes a
// delete-tombstone in the alien blob for that key+ts pair").
type HandoffWorker struct {
	Alien     *backend.Backend
	Interval  time.Duration
	Reachable Reachable
	Deliver   Deliver
	Log       pearl.LogFunc

	// delivered remembers (holder, key, timestamp) triples already
	// handed off. g.Delete tombstones the group's current writable
	// holder, not necessarily the (possibly older, sealed) holder a
	// sweep is draining, so without this a record in a rolled-over
	// holder would be redelivered on every sweep; this set is the
	// "skip already-delivered entries" mitigation.
	delivered map[handoffKey]struct{}
}

type handoffKey struct {
	blobID int64
	key    string // raw key bytes; bob.Key is a slice and not comparable
	ts     uint64
}

// Run drives the worker until ctx is cancelled.
func (w *HandoffWorker) Run(ctx context.Context) {
	if w.Interval <= 0 {
		return
	}
	t := time.NewTicker(w.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.sweep(ctx)
		}
	}
}

func (w *HandoffWorker) log(format string, v ...interface{}) {
	if w.Log != nil {
		w.Log(format, v...)
	}
}

func (w *HandoffWorker) sweep(ctx context.Context) {
	for _, byVDisk := range w.Alien.Groups() {
		for vdisk, g := range byVDisk {
			for _, h := range g.Holders() {
				w.drainHolder(ctx, vdisk, g, h)
			}
		}
	}
}

// drainHolder enumerates one alien holder's live entries, and for each
// whose source node (recovered from the record's meta header) has
// become reachable, redelivers the record and tombstones it, skipping
// any (key, timestamp) this worker has already delivered out of h.
func (w *HandoffWorker) drainHolder(ctx context.Context, vdisk bob.VDiskID, g *pearl.Group, h *pearl.Holder) {
	for _, e := range h.Index().Entries() {
		if e.Deleted {
			continue
		}
		hk := handoffKey{blobID: h.BlobID(), key: string(e.Key), ts: e.Timestamp}
		if _, done := w.delivered[hk]; done {
			continue
		}
		payload, _, deleted, found := h.Get(e.Key)
		if !found || deleted {
			continue
		}
		meta := h.MetaOf(e.Key)
		srcNode, origMeta := backend.DecodeAlienMeta(meta)
		if srcNode == "" || !w.Reachable(srcNode) {
			continue
		}
		if err := w.Deliver(ctx, srcNode, vdisk, e.Key, payload, origMeta, e.Timestamp); err != nil {
			w.log("maintenance.HandoffWorker: deliver %s to %s failed: %s\n", e.Key, srcNode, err)
			continue
		}
		if w.delivered == nil {
			w.delivered = make(map[handoffKey]struct{})
		}
		w.delivered[hk] = struct{}{}
		if _, err := g.Delete(e.Key, e.Timestamp); err != nil {
			w.log("maintenance.HandoffWorker: tombstone %s failed: %s\n", e.Key, err)
		}
	}
}
