package link

import (
	"context"
	"fmt"
	"sync"

	"github.com/gholt/bob"
	"github.com/gholt/bob/backend"
)

// InProcessTransport dispatches RPCs directly between registered
// backend.Backend instances within the same process, standing in for
// the out-of-scope gRPC/REST wire codec (spec.md §1's collaborator
// list) so tests and cmd/bob-bench can exercise the full coordinator
// fan-out without a real network.
type InProcessTransport struct {
	mu    sync.RWMutex
	nodes map[bob.NodeName]*backend.Backend
}

// NewInProcessTransport creates an empty transport; nodes register via
// Register as they start up.
func NewInProcessTransport() *InProcessTransport {
	return &InProcessTransport{nodes: make(map[bob.NodeName]*backend.Backend)}
}

// Register makes node's primary backend reachable to other in-process
// peers.
func (t *InProcessTransport) Register(node bob.NodeName, b *backend.Backend) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[node] = b
}

type inProcessConn struct{ node bob.NodeName }

func (c *inProcessConn) Close() error { return nil }

func (t *InProcessTransport) Dial(ctx context.Context, node bob.NodeName) (Conn, error) {
	t.mu.RLock()
	_, ok := t.nodes[node]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("link: no in-process node registered as %q", node)
	}
	return &inProcessConn{node: node}, nil
}

func (t *InProcessTransport) backendFor(conn Conn) (*backend.Backend, error) {
	c, ok := conn.(*inProcessConn)
	if !ok {
		return nil, fmt.Errorf("link: conn is not an in-process connection")
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.nodes[c.node]
	if !ok {
		return nil, fmt.Errorf("link: node %q no longer registered", c.node)
	}
	return b, nil
}

func (t *InProcessTransport) Put(ctx context.Context, conn Conn, vdisk bob.VDiskID, disk bob.DiskPath, key bob.Key, payload, meta []byte, timestamp uint64, isAlien bool, sourceNode bob.NodeName) (uint64, error) {
	b, err := t.backendFor(conn)
	if err != nil {
		return 0, err
	}
	return b.Put(backend.Op{VDisk: vdisk, Disk: disk, IsAlien: isAlien, SourceNode: sourceNode}, key, payload, meta, timestamp)
}

func (t *InProcessTransport) Get(ctx context.Context, conn Conn, vdisk bob.VDiskID, disk bob.DiskPath, key bob.Key, isAlien bool) ([]byte, uint64, bool, error) {
	b, err := t.backendFor(conn)
	if err != nil {
		return nil, 0, false, err
	}
	return b.Get(backend.Op{VDisk: vdisk, Disk: disk, IsAlien: isAlien}, key)
}

func (t *InProcessTransport) Delete(ctx context.Context, conn Conn, vdisk bob.VDiskID, disk bob.DiskPath, key bob.Key, timestamp uint64, isAlien bool) (uint64, error) {
	b, err := t.backendFor(conn)
	if err != nil {
		return 0, err
	}
	return b.Delete(backend.Op{VDisk: vdisk, Disk: disk, IsAlien: isAlien}, key, timestamp)
}

func (t *InProcessTransport) Exist(ctx context.Context, conn Conn, vdisk bob.VDiskID, disk bob.DiskPath, keys []bob.Key, isAlien bool) ([]bool, error) {
	b, err := t.backendFor(conn)
	if err != nil {
		return nil, err
	}
	return b.Exist(backend.Op{VDisk: vdisk, Disk: disk, IsAlien: isAlien}, keys)
}

func (t *InProcessTransport) Ping(ctx context.Context, conn Conn) error {
	_, err := t.backendFor(conn)
	return err
}
