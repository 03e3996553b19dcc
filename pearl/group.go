package pearl

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/gholt/bob"
)

// Clock is injected into Group (and the maintenance tasks that drive it)
// so tests can supply a virtual clock instead of wall time (spec.md §9:
// "inject a clock capability into Group/Cleaner/DiskController").
type Clock interface {
	Now() int64 // unix seconds
}

// SystemClock is the default Clock, backed by time.Now.
type SystemClock struct{}

func (SystemClock) Now() int64 { return systemNow() }

// Group is an ordered sequence of Holders for one (vdisk, disk) slot
// (spec.md §4.5). Invariant I1: at most one holder is in state Normal
// with an unsealed active blob.
type Group struct {
	VDisk  bob.VDiskID
	Dir    string
	Prefix string
	KeyLen int

	MaxBlobSize     int64
	MaxDataInBlob   int64 // zero means unbounded by record count
	TimestampPeriod int64
	BloomElements   uint
	BloomMaxBufBits uint
	AllowDuplicates bool

	Clock Clock

	mu       sync.RWMutex
	holders  []*Holder // sorted by CreatedAt, oldest first
	nextID   int64
}

// NewGroup constructs an empty group; holders are created lazily on
// first write or discovered via Load.
func NewGroup(dir, prefix string, vdisk bob.VDiskID, keyLen int, maxBlobSize, period int64, bloomElements, bloomMaxBufBits uint, allowDuplicates bool, clock Clock) *Group {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Group{
		VDisk: vdisk, Dir: dir, Prefix: prefix, KeyLen: keyLen,
		MaxBlobSize: maxBlobSize, TimestampPeriod: period,
		BloomElements: bloomElements, BloomMaxBufBits: bloomMaxBufBits,
		AllowDuplicates: allowDuplicates, Clock: clock,
	}
}

// activeLocked returns the single writable holder, or nil if none exists yet
// or the current one needs to roll (caller must hold mu for writing).
func (g *Group) activeLocked() *Holder {
	if len(g.holders) == 0 {
		return nil
	}
	last := g.holders[len(g.holders)-1]
	if last.StateOf() != Normal || last.blob.Sealed() {
		return nil
	}
	return last
}

// needsRollover decides rollover per spec.md §4.5:
// now/period != active.created/period OR active.size >= max OR
// (max_data_in_blob configured and) active's record count has reached it.
func (g *Group) needsRollover(active *Holder, now int64) bool {
	if active == nil {
		return true
	}
	if g.TimestampPeriod > 0 && now/g.TimestampPeriod != active.CreatedAt/g.TimestampPeriod {
		return true
	}
	if active.Size() >= g.MaxBlobSize {
		return true
	}
	if g.MaxDataInBlob > 0 {
		if ix := active.Index(); ix != nil && int64(ix.Len()) >= g.MaxDataInBlob {
			return true
		}
	}
	return false
}

// writable returns the group's single writable holder, creating a new
// one atomically (rollover) if none exists or the current one is
// full/time-expired (spec.md §4.5).
func (g *Group) writable() (*Holder, error) {
	now := g.Clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	active := g.activeLocked()
	if !g.needsRollover(active, now) {
		return active, nil
	}
	if active != nil {
		if err := active.Seal(); err != nil {
			return nil, err
		}
	}
	id := atomic.AddInt64(&g.nextID, 1)
	h, err := Create(g.Dir, g.Prefix, id, g.VDisk, now, g.KeyLen, g.BloomElements, g.BloomMaxBufBits)
	if err != nil {
		return nil, err
	}
	g.holders = append(g.holders, h)
	return h, nil
}

// Put always targets the single writable holder (spec.md §4.5).
func (g *Group) Put(key bob.Key, payload, meta []byte, timestamp uint64) (uint64, error) {
	h, err := g.writable()
	if err != nil {
		return 0, err
	}
	return h.Put(key, payload, meta, timestamp, g.AllowDuplicates)
}

// Delete always targets the single writable holder.
func (g *Group) Delete(key bob.Key, timestamp uint64) (uint64, error) {
	h, err := g.writable()
	if err != nil {
		return 0, err
	}
	return h.Delete(key, timestamp)
}

// Get walks holders from newest to oldest and returns the hit with the
// greatest timestamp; on equal timestamps the newer holder's record wins,
// so a delete in a newer holder shadows an earlier value because deletes
// are themselves records (spec.md §4.5).
func (g *Group) Get(key bob.Key) ([]byte, uint64, bool, bool) {
	g.mu.RLock()
	holders := append([]*Holder(nil), g.holders...)
	g.mu.RUnlock()
	var bestPayload []byte
	var bestTS uint64
	bestDeleted, found := false, false
	for i := len(holders) - 1; i >= 0; i-- {
		if payload, ts, deleted, ok := holders[i].Get(key); ok && (!found || ts > bestTS) {
			bestPayload, bestTS, bestDeleted, found = payload, ts, deleted, true
		}
	}
	return bestPayload, bestTS, bestDeleted, found
}

// Exist OR-reduces presence of each key across every holder.
func (g *Group) Exist(keys []bob.Key) []bool {
	g.mu.RLock()
	holders := append([]*Holder(nil), g.holders...)
	g.mu.RUnlock()
	out := make([]bool, len(keys))
	for _, h := range holders {
		res := h.Exist(keys)
		for i, v := range res {
			out[i] = out[i] || v
		}
	}
	return out
}

// Holders returns a snapshot of the holder vector, oldest first, the way
// a reader of a Group takes a cheap copy of the small, append-mostly
// vector rather than holding the lock across iteration (spec.md §5).
func (g *Group) Holders() []*Holder {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]*Holder(nil), g.holders...)
}

// AddLoaded registers a holder discovered at startup (via a directory
// scan), keeping the vector sorted by creation time.
func (g *Group) AddLoaded(h *Holder) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.holders = append(g.holders, h)
	sort.Slice(g.holders, func(i, j int) bool { return g.holders[i].CreatedAt < g.holders[j].CreatedAt })
	if h.BlobID() > g.nextID {
		g.nextID = h.BlobID()
	}
}

// RemoveOutdated drops closed Outdated holders from the vector so they
// no longer participate in Get/Exist fan-out; their sealed blob files
// remain on disk (spec.md §4.4).
func (g *Group) RemoveOutdated() {
	g.mu.Lock()
	defer g.mu.Unlock()
	kept := g.holders[:0]
	for _, h := range g.holders {
		if h.StateOf() != Outdated {
			kept = append(kept, h)
		}
	}
	g.holders = kept
}

// Close seals and flushes every holder in the group.
func (g *Group) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	var first error
	for _, h := range g.holders {
		if err := h.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
