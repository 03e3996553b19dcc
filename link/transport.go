package link

import (
	"context"

	"github.com/gholt/bob"
)

// Transport is the abstract seam between the link manager and the
// actual wire codec (spec.md §6 names gRPC/REST as the collaborator's
// wire protocol; this module defines the shape of a call, not the
// bytes on the wire — see DESIGN.md). A Transport implementation
// performs one RPC against one already-established connection.
type Transport interface {
	Put(ctx context.Context, conn Conn, vdisk bob.VDiskID, disk bob.DiskPath, key bob.Key, payload, meta []byte, timestamp uint64, isAlien bool, sourceNode bob.NodeName) (uint64, error)
	Get(ctx context.Context, conn Conn, vdisk bob.VDiskID, disk bob.DiskPath, key bob.Key, isAlien bool) ([]byte, uint64, bool, error)
	Delete(ctx context.Context, conn Conn, vdisk bob.VDiskID, disk bob.DiskPath, key bob.Key, timestamp uint64, isAlien bool) (uint64, error)
	Exist(ctx context.Context, conn Conn, vdisk bob.VDiskID, disk bob.DiskPath, keys []bob.Key, isAlien bool) ([]bool, error)
	Ping(ctx context.Context, conn Conn) error
	Dial(ctx context.Context, node bob.NodeName) (Conn, error)
}

// Conn is an opaque established connection to one peer node, produced
// by Transport.Dial and passed back into every call against that peer.
type Conn interface {
	Close() error
}
