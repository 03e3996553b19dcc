// Package cluster implements the cluster coordinator (spec.md §4.8):
// an immutable key-to-vdisk Mapper plus the simple and quorum dispatch
// policies that fan a client call out to a vdisk's replicas over the
// link manager.
package cluster

import (
	"sort"

	"github.com/spaolacci/murmur3"

	"github.com/gholt/bob"
)

// Mapper is built once from cluster.yaml and never mutated afterward
// (spec.md §5 "The mapper is immutable after construction").
type Mapper struct {
	vdisks []bob.VDisk
}

// NewMapper builds a Mapper from the cluster's vdisk list. Replicas are
// copied so the caller's slice may be reused.
func NewMapper(vdisks []bob.VDisk) *Mapper {
	cp := make([]bob.VDisk, len(vdisks))
	for i, v := range vdisks {
		reps := make([]bob.NodeDisk, len(v.Replicas))
		copy(reps, v.Replicas)
		cp[i] = bob.VDisk{ID: v.ID, Replicas: reps}
	}
	sort.Slice(cp, func(i, j int) bool { return cp[i].ID < cp[j].ID })
	return &Mapper{vdisks: cp}
}

// VDiskOfKey implements spec.md §4.8: reduce_bytes(key) mod vdisk_count,
// hashed with murmur3 (the teacher's dependency for TOC/vdisk hashing,
// see DESIGN.md).
func (m *Mapper) VDiskOfKey(key bob.Key) bob.VDiskID {
	if len(m.vdisks) == 0 {
		return 0
	}
	h := murmur3.Sum64(key)
	return m.vdisks[h%uint64(len(m.vdisks))].ID
}

// ReplicasOf returns the NodeDisk replica set for a vdisk, or nil if
// the vdisk is unknown.
func (m *Mapper) ReplicasOf(vdisk bob.VDiskID) []bob.NodeDisk {
	for _, v := range m.vdisks {
		if v.ID == vdisk {
			return v.Replicas
		}
	}
	return nil
}

// VDiskCount reports the number of vdisks known to the mapper.
func (m *Mapper) VDiskCount() int { return len(m.vdisks) }
