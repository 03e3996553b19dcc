// Package backend implements the local backend (spec.md §4.7): it
// resolves (vdisk, disk) to a pearl.Group/pearl.Holder pair and exposes
// put/get/exist/delete to the cluster coordinator. The alien store is
// just a second *Backend instance constructed with isAlien=true,
// sharing every code path (spec.md §8 "Alien store: logically a second
// Local backend instance...share code, not state").
package backend

import (
	"fmt"
	"path/filepath"

	"github.com/gholt/brimtext"

	"github.com/gholt/bob"
	"github.com/gholt/bob/disk"
	"github.com/gholt/bob/pearl"
)

// Op carries the routing metadata that rides alongside every local
// backend call (spec.md §4.7: "op carries vdisk_id, target DiskPath,
// and is_alien flag").
type Op struct {
	VDisk bob.VDiskID
	Disk  bob.DiskPath

	// IsAlien routes the call to the alien-area backend instance for
	// this disk rather than the primary one.
	IsAlien bool

	// SourceNode is threaded into an alien record's meta so the
	// handoff worker knows which node a misdirected write belongs to
	// (spec.md §4.7 "an additional source-NodeName is threaded in
	// meta").
	SourceNode bob.NodeName
}

// Backend owns one or more disk.Controllers and routes put/get/exist/
// delete calls by (op.VDisk, op.Disk). isAlien distinguishes the
// alien-area instance, which writes under <disk_root>/alien/<node>/...
// (spec.md §6).
type Backend struct {
	isAlien bool
	cfg     *pearl.Config

	controllers map[bob.DiskPath]*disk.Controller
}

// New constructs an empty Backend; controllers are registered via
// AddDisk as the node's config is loaded.
func New(cfg *pearl.Config, isAlien bool) *Backend {
	return &Backend{isAlien: isAlien, cfg: pearl.ResolveConfig(cfg), controllers: make(map[bob.DiskPath]*disk.Controller)}
}

// AddDisk registers a disk.Controller this backend routes to.
func (b *Backend) AddDisk(c *disk.Controller) {
	b.controllers[c.Path] = c
}

// groupDir returns the on-disk directory for a (disk, vdisk, srcNode)
// tuple, laid out per spec.md §6's persisted-layout diagram.
func groupDir(root bob.DiskPath, isAlien bool, srcNode bob.NodeName, vdisk bob.VDiskID) string {
	if isAlien {
		return filepath.Join(string(root), "alien", string(srcNode), itoa(int64(vdisk)))
	}
	return filepath.Join(string(root), itoa(int64(vdisk)))
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	neg := v < 0
	if neg {
		v = -v
	}
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// resolve finds the controller and group for op, lazily creating the
// group (and its on-disk directory) on first use.
func (b *Backend) resolve(op Op) (*disk.Controller, *pearl.Group, error) {
	c, ok := b.controllers[op.Disk]
	if !ok {
		return nil, nil, bob.Of(bob.KindVDiskNotFound, "backend.resolve", nil)
	}
	g, ok := c.Group(op.VDisk)
	if !ok {
		dir := groupDir(op.Disk, op.IsAlien, op.SourceNode, op.VDisk)
		g = pearl.NewGroup(dir, b.cfg.BlobFileNamePrefix, op.VDisk, b.cfg.KeyLen, b.cfg.MaxBlobSize, b.cfg.TimestampPeriod, b.cfg.BloomFilterElements, b.cfg.BloomFilterMaxBufBitsCount, b.cfg.AllowDuplicates, nil)
		g.MaxDataInBlob = b.cfg.MaxDataInBlob
		c.AddGroup(op.VDisk, g)
	}
	return c, g, nil
}

// Put appends (key, data) with the given meta/timestamp to the group
// resolved by op. For alien puts, op.SourceNode is threaded into the
// stored meta (spec.md §4.7 "an additional source-NodeName is threaded
// in meta") so the handoff worker can later recover it via
// DecodeAlienMeta.
func (b *Backend) Put(op Op, key bob.Key, payload []byte, meta []byte, timestamp uint64) (uint64, error) {
	c, g, err := b.resolve(op)
	if err != nil {
		return 0, err
	}
	if op.IsAlien {
		meta = EncodeAlienMeta(op.SourceNode, meta)
	}
	var ts uint64
	err = c.Guard("backend.Put", func() error {
		var putErr error
		ts, putErr = g.Put(key, payload, meta, timestamp)
		return putErr
	})
	return ts, err
}

// EncodeAlienMeta prepends the source node name to meta as a
// length-prefixed header.
func EncodeAlienMeta(src bob.NodeName, meta []byte) []byte {
	out := make([]byte, 1+len(src)+len(meta))
	out[0] = byte(len(src))
	copy(out[1:], src)
	copy(out[1+len(src):], meta)
	return out
}

// DecodeAlienMeta splits meta produced by EncodeAlienMeta back into the
// source node name and the caller's original meta bytes.
func DecodeAlienMeta(raw []byte) (bob.NodeName, []byte) {
	if len(raw) == 0 {
		return "", nil
	}
	n := int(raw[0])
	if len(raw) < 1+n {
		return "", raw
	}
	return bob.NodeName(raw[1 : 1+n]), raw[1+n:]
}

// Get returns the payload, timestamp, and delete flag for key.
func (b *Backend) Get(op Op, key bob.Key) ([]byte, uint64, bool, error) {
	c, g, err := b.resolve(op)
	if err != nil {
		return nil, 0, false, err
	}
	if !c.Available() {
		return nil, 0, false, bob.Of(bob.KindVDiskNotReady, "backend.Get", nil)
	}
	payload, ts, deleted, found := g.Get(key)
	if !found {
		return nil, 0, false, bob.ErrKeyNotFound
	}
	return payload, ts, deleted, nil
}

// Delete writes a delete record for key at timestamp.
func (b *Backend) Delete(op Op, key bob.Key, timestamp uint64) (uint64, error) {
	c, g, err := b.resolve(op)
	if err != nil {
		return 0, err
	}
	var ts uint64
	err = c.Guard("backend.Delete", func() error {
		var delErr error
		ts, delErr = g.Delete(key, timestamp)
		return delErr
	})
	return ts, err
}

// Exist batch-checks keys against the group resolved by op.
func (b *Backend) Exist(op Op, keys []bob.Key) ([]bool, error) {
	c, g, err := b.resolve(op)
	if err != nil {
		return nil, err
	}
	if !c.Available() {
		return nil, bob.Of(bob.KindVDiskNotReady, "backend.Exist", nil)
	}
	return g.Exist(keys), nil
}

// IsAlien reports whether this backend instance serves the alien area.
func (b *Backend) IsAlien() bool { return b.isAlien }

// Groups returns every group this backend currently holds, keyed by
// disk then vdisk. Used by the handoff worker to scan an alien
// Backend's groups (spec.md §4.10).
func (b *Backend) Groups() map[bob.DiskPath]map[bob.VDiskID]*pearl.Group {
	out := make(map[bob.DiskPath]map[bob.VDiskID]*pearl.Group, len(b.controllers))
	for path, c := range b.controllers {
		out[path] = c.Groups()
	}
	return out
}

// Stats renders a human-readable table of this backend's disks, their
// state, and blob/index counts, in the teacher's own
// brimtext.Align-based Stats() idiom (valuesstore.go's
// ValuesStoreStats.String()).
func (b *Backend) Stats() string {
	rows := [][]string{{"disk", "state", "vdisks", "blobs", "index entries"}}
	for path, c := range b.controllers {
		groups := c.Groups()
		blobs, entries := 0, 0
		for _, g := range groups {
			for _, h := range g.Holders() {
				blobs++
				entries += h.Index().Len()
			}
		}
		rows = append(rows, []string{
			string(path),
			c.State().String(),
			fmt.Sprintf("%d", len(groups)),
			fmt.Sprintf("%d", blobs),
			fmt.Sprintf("%d", entries),
		})
	}
	return brimtext.Align(rows, nil)
}

// Close closes every registered disk controller.
func (b *Backend) Close() error {
	var first error
	for _, c := range b.controllers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
