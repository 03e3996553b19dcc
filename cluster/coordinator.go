package cluster

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gholt/bob"
	"github.com/gholt/bob/backend"
	"github.com/gholt/bob/disk"
	"github.com/gholt/bob/link"
	"github.com/gholt/bob/pearl"
)

// unreachableLogInterval bounds how often repeated "peer unreachable"
// fast-fails are summarized rather than logged on every dispatch
// (spec.md §9 IntervalLogger consolidation).
const unreachableLogInterval = 10 * time.Second

// Policy selects how the coordinator dispatches a call across a
// vdisk's replicas (spec.md §4.8).
type Policy int

const (
	Simple Policy = iota
	Quorum
)

// Coordinator is the cluster coordinator (component H, spec.md §4.8):
// it maps keys to vdisks via an immutable Mapper and fans calls out to
// the vdisk's replicas over the link manager, applying the configured
// Policy. Calls addressed to Self are served directly from Primary/
// Alien rather than looping back through the link manager.
type Coordinator struct {
	Self      bob.NodeName
	Mapper    *Mapper
	Policy    Policy
	Quorum    int
	Timeout   time.Duration
	Transport link.Transport
	Links     *link.Manager
	Log       pearl.LogFunc

	Primary *backend.Backend
	Alien   *backend.Backend

	unreachableLogOnce sync.Once
	unreachableLog     *disk.ActionLogger
}

// logUnreachable aggregates the coordinator's repeated-Unreachable
// fast-fail spam into a single summary per interval instead of a line
// per dispatch (see disk.ActionLogger).
func (c *Coordinator) logUnreachable() {
	c.unreachableLogOnce.Do(func() {
		c.unreachableLog = disk.NewActionLogger(c.Log, "cluster.Coordinator: peer unreachable", unreachableLogInterval)
	})
	c.unreachableLog.Record()
}

type replicaResult struct {
	target    bob.NodeDisk
	payload   []byte
	timestamp uint64
	deleted   bool
	found     bool
	exists    []bool
	err       error
}

// dispatch calls fn against every replica in parallel, routing to the
// local backend directly when target.Node == c.Self.
func (c *Coordinator) dispatch(ctx context.Context, replicas []bob.NodeDisk, fn func(ctx context.Context, conn link.Conn, target bob.NodeDisk) replicaResult) []replicaResult {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	results := make([]replicaResult, len(replicas))
	var wg sync.WaitGroup
	for i, r := range replicas {
		i, r := i, r
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Node == c.Self {
				results[i] = fn(ctx, nil, r)
				return
			}
			if c.Links.Unreachable(r.Node) {
				c.logUnreachable()
				results[i] = replicaResult{target: r, err: link.ErrNoActiveConnection}
				return
			}
			conn, err := c.Links.Conn(ctx, r.Node)
			if err != nil {
				results[i] = replicaResult{target: r, err: err}
				return
			}
			results[i] = fn(ctx, conn, r)
			if results[i].err != nil {
				c.Links.Invalidate(r.Node)
			}
		}()
	}
	wg.Wait()
	return results
}

func countOK(results []replicaResult) int {
	n := 0
	for _, r := range results {
		if r.err == nil {
			n++
		}
	}
	return n
}

func (c *Coordinator) quorumFor(n int) int {
	if c.Quorum > 0 {
		return c.Quorum
	}
	return n/2 + 1
}

// Put implements the PUT path of spec.md §4.8, for both simple (fire
// and forget, quorum of responses OK) and quorum (alien fallback on
// partial failure) policies.
func (c *Coordinator) Put(ctx context.Context, key bob.Key, payload, meta []byte, timestamp uint64) (uint64, error) {
	vdisk := c.Mapper.VDiskOfKey(key)
	replicas := c.Mapper.ReplicasOf(vdisk)
	if len(replicas) == 0 {
		return 0, bob.Of(bob.KindVDiskNotFound, "cluster.Coordinator.Put", nil)
	}

	results := c.dispatch(ctx, replicas, func(ctx context.Context, conn link.Conn, target bob.NodeDisk) replicaResult {
		if conn == nil {
			_, err := c.Primary.Put(backend.Op{VDisk: vdisk, Disk: target.Path}, key, payload, meta, timestamp)
			return replicaResult{target: target, timestamp: timestamp, err: err}
		}
		ts, err := c.Transport.Put(ctx, conn, vdisk, target.Path, key, payload, meta, timestamp, false, "")
		return replicaResult{target: target, timestamp: ts, err: err}
	})

	ok := countOK(results)
	quorum := c.quorumFor(len(replicas))
	if c.Policy == Simple {
		if ok >= quorum {
			return timestamp, nil
		}
		return 0, bob.Of(bob.KindQuorumFailed, "cluster.Coordinator.Put", nil)
	}

	durable := ok
	if durable < quorum {
		for _, r := range results {
			if r.err == nil {
				continue
			}
			alienTarget, found := c.firstReachableNonReplica(replicas)
			if !found {
				continue
			}
			if c.putAlien(ctx, alienTarget, vdisk, key, payload, meta, timestamp, r.target.Node) == nil {
				durable++
			}
		}
	}
	if durable >= quorum {
		return timestamp, nil
	}
	return 0, bob.Of(bob.KindQuorumFailed, "cluster.Coordinator.Put", nil)
}

// putAlien writes an alien copy tagged with the replica that failed to
// accept the original write (spec.md §4.8).
func (c *Coordinator) putAlien(ctx context.Context, target bob.NodeDisk, vdisk bob.VDiskID, key bob.Key, payload, meta []byte, timestamp uint64, failedReplica bob.NodeName) error {
	if target.Node == c.Self {
		_, err := c.Alien.Put(backend.Op{VDisk: vdisk, Disk: target.Path, IsAlien: true, SourceNode: failedReplica}, key, payload, meta, timestamp)
		return err
	}
	conn, err := c.Links.Conn(ctx, target.Node)
	if err != nil {
		return err
	}
	_, err = c.Transport.Put(ctx, conn, vdisk, target.Path, key, payload, meta, timestamp, true, failedReplica)
	if err != nil {
		c.Links.Invalidate(target.Node)
	}
	return err
}

// firstReachableNonReplica picks the first configured peer that isn't
// already one of replicas and isn't marked Unreachable (spec.md §4.8
// "pick the first reachable non-replica node").
func (c *Coordinator) firstReachableNonReplica(replicas []bob.NodeDisk) (bob.NodeDisk, bool) {
	isReplica := make(map[bob.NodeName]bool, len(replicas))
	for _, r := range replicas {
		isReplica[r.Node] = true
	}
	for vd := 0; vd < c.Mapper.VDiskCount(); vd++ {
		for _, r := range c.Mapper.ReplicasOf(bob.VDiskID(vd)) {
			if isReplica[r.Node] {
				continue
			}
			if r.Node != c.Self && c.Links.Unreachable(r.Node) {
				continue
			}
			return r, true
		}
	}
	return bob.NodeDisk{}, false
}

// getCandidate is one replica's answer, folded into the deterministic
// tie-break of spec.md §4.8.
type getCandidate struct {
	node      bob.NodeName
	payload   []byte
	timestamp uint64
	deleted   bool
}

// Get implements the GET path: fan out to all replicas, pick the
// greatest timestamp, breaking ties by (non-deleted > deleted) then by
// NodeName lexical order; fall back to local alien areas if no replica
// has the key (spec.md §4.8).
func (c *Coordinator) Get(ctx context.Context, key bob.Key) ([]byte, uint64, error) {
	vdisk := c.Mapper.VDiskOfKey(key)
	replicas := c.Mapper.ReplicasOf(vdisk)
	if len(replicas) == 0 {
		return nil, 0, bob.Of(bob.KindVDiskNotFound, "cluster.Coordinator.Get", nil)
	}

	results := c.dispatch(ctx, replicas, func(ctx context.Context, conn link.Conn, target bob.NodeDisk) replicaResult {
		if conn == nil {
			payload, ts, deleted, err := c.Primary.Get(backend.Op{VDisk: vdisk, Disk: target.Path}, key)
			return replicaResult{target: target, payload: payload, timestamp: ts, deleted: deleted, found: err == nil, err: notFoundIsNotError(err)}
		}
		payload, ts, deleted, err := c.Transport.Get(ctx, conn, vdisk, target.Path, key, false)
		return replicaResult{target: target, payload: payload, timestamp: ts, deleted: deleted, found: err == nil, err: notFoundIsNotError(err)}
	})

	var candidates []getCandidate
	for _, r := range results {
		if r.err == nil && r.found {
			candidates = append(candidates, getCandidate{node: r.target.Node, payload: r.payload, timestamp: r.timestamp, deleted: r.deleted})
		}
	}
	if len(candidates) == 0 {
		return c.getFromAlien(vdisk, key)
	}
	best := pickWinner(candidates)
	if best.deleted {
		return nil, 0, bob.ErrKeyNotFound
	}
	return best.payload, best.timestamp, nil
}

// notFoundIsNotError treats KeyNotFound as a non-error "no data"
// response so it participates in quorum counting as a response rather
// than a failure (spec.md §4.8: "From all responses (including
// NotFound), choose the record with the greatest timestamp").
func notFoundIsNotError(err error) error {
	if err != nil && bob.KindOf(err) == bob.KindKeyNotFound {
		return nil
	}
	return err
}

// pickWinner applies spec.md §4.8's GET reconciliation rule.
func pickWinner(candidates []getCandidate) getCandidate {
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.timestamp != b.timestamp {
			return a.timestamp > b.timestamp
		}
		if a.deleted != b.deleted {
			return !a.deleted // non-deleted wins
		}
		return a.node < b.node
	})
	return candidates[0]
}

// getFromAlien is the last resort when no replica holds the key: query
// this node's own alien area on every disk that holds a group for vdisk
// and take the record with the greatest timestamp (spec.md §4.8 "query
// local alien areas for this (destination, key)").
func (c *Coordinator) getFromAlien(vdisk bob.VDiskID, key bob.Key) ([]byte, uint64, error) {
	var best *getCandidate
	for disk, byVDisk := range c.Alien.Groups() {
		if _, ok := byVDisk[vdisk]; !ok {
			continue
		}
		payload, ts, deleted, err := c.Alien.Get(backend.Op{VDisk: vdisk, Disk: disk, IsAlien: true}, key)
		if err == nil && (best == nil || ts > best.timestamp) {
			best = &getCandidate{payload: payload, timestamp: ts, deleted: deleted}
		}
	}
	if best == nil || best.deleted {
		return nil, 0, bob.ErrKeyNotFound
	}
	return best.payload, best.timestamp, nil
}

// Delete implements the DELETE path: identical fan-out to Put but with
// a delete record at the supplied timestamp (spec.md §4.8).
func (c *Coordinator) Delete(ctx context.Context, key bob.Key, timestamp uint64) (uint64, error) {
	vdisk := c.Mapper.VDiskOfKey(key)
	replicas := c.Mapper.ReplicasOf(vdisk)
	if len(replicas) == 0 {
		return 0, bob.Of(bob.KindVDiskNotFound, "cluster.Coordinator.Delete", nil)
	}
	results := c.dispatch(ctx, replicas, func(ctx context.Context, conn link.Conn, target bob.NodeDisk) replicaResult {
		if conn == nil {
			_, err := c.Primary.Delete(backend.Op{VDisk: vdisk, Disk: target.Path}, key, timestamp)
			return replicaResult{target: target, timestamp: timestamp, err: err}
		}
		ts, err := c.Transport.Delete(ctx, conn, vdisk, target.Path, key, timestamp, false)
		return replicaResult{target: target, timestamp: ts, err: err}
	})
	if countOK(results) >= c.quorumFor(len(replicas)) {
		return timestamp, nil
	}
	return 0, bob.Of(bob.KindQuorumFailed, "cluster.Coordinator.Delete", nil)
}

// Exist batch-checks keys, OR-reducing presence across all replicas of
// each key's vdisk (spec.md §4.8).
func (c *Coordinator) Exist(ctx context.Context, keys []bob.Key) ([]bool, error) {
	out := make([]bool, len(keys))
	byVDisk := make(map[bob.VDiskID][]int)
	for i, k := range keys {
		vd := c.Mapper.VDiskOfKey(k)
		byVDisk[vd] = append(byVDisk[vd], i)
	}
	for vd, idxs := range byVDisk {
		replicas := c.Mapper.ReplicasOf(vd)
		if len(replicas) == 0 {
			continue
		}
		sub := make([]bob.Key, len(idxs))
		for j, idx := range idxs {
			sub[j] = keys[idx]
		}
		results := c.dispatch(ctx, replicas, func(ctx context.Context, conn link.Conn, target bob.NodeDisk) replicaResult {
			if conn == nil {
				exists, err := c.Primary.Exist(backend.Op{VDisk: vd, Disk: target.Path}, sub)
				return replicaResult{target: target, exists: exists, err: err}
			}
			exists, err := c.Transport.Exist(ctx, conn, vd, target.Path, sub, false)
			return replicaResult{target: target, exists: exists, err: err}
		})
		merged := make([]bool, len(sub))
		for _, r := range results {
			if r.err != nil {
				continue
			}
			for j, v := range r.exists {
				merged[j] = merged[j] || v
			}
		}
		for j, idx := range idxs {
			out[idx] = merged[j]
		}
	}
	return out, nil
}
