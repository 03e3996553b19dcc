package bob

// VDiskID is a logical partition identifier. A cluster declares N vdisks;
// each vdisk has an ordered list of replicas (spec.md §3).
type VDiskID uint32

// NodeName identifies a node in the cluster by its configured name.
type NodeName string

// DiskName identifies one of a node's local disks by its configured name
// (distinct from its filesystem path, which may change between restarts
// without the disk's logical identity changing).
type DiskName string

// DiskPath is the filesystem root a disk is mounted at.
type DiskPath string

// NodeDisk names one replica of a vdisk: a node, one of its local disks,
// and that disk's filesystem root.
type NodeDisk struct {
	Node NodeName
	Disk DiskName
	Path DiskPath
}

// VDisk describes one logical partition's static replica set, as declared
// in cluster.yaml and held immutably by the cluster Mapper for the life of
// the process (spec.md §3, §4.8).
type VDisk struct {
	ID       VDiskID
	Replicas []NodeDisk
}
