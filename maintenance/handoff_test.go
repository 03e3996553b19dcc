package maintenance

import (
	"context"
	"testing"

	"github.com/gholt/bob"
	"github.com/gholt/bob/backend"
)

func TestHandoffWorkerRedeliversReachableAndTombstones(t *testing.T) {
	alien, path := newTestBackend(t)
	op := backend.Op{VDisk: 0, Disk: path, IsAlien: true, SourceNode: bob.NodeName("node-a")}
	key := bob.NewKey([]byte{1}, 8)
	if _, err := alien.Put(op, key, []byte("payload"), []byte("orig-meta"), 5); err != nil {
		t.Fatalf("Put: %v", err)
	}

	var delivered []bob.NodeName
	worker := &HandoffWorker{
		Alien:     alien,
		Reachable: func(node bob.NodeName) bool { return node == "node-a" },
		Deliver: func(ctx context.Context, node bob.NodeName, vdisk bob.VDiskID, k bob.Key, payload, meta []byte, timestamp uint64) error {
			delivered = append(delivered, node)
			if string(payload) != "payload" || string(meta) != "orig-meta" || timestamp != 5 {
				t.Fatalf("unexpected delivery payload=%q meta=%q ts=%d", payload, meta, timestamp)
			}
			return nil
		},
	}
	worker.sweep(context.Background())

	if len(delivered) != 1 || delivered[0] != "node-a" {
		t.Fatalf("expected exactly one delivery to node-a, got %v", delivered)
	}
	_, _, deleted, err := alien.Get(backend.Op{VDisk: 0, Disk: path, IsAlien: true}, key)
	if err != nil || !deleted {
		t.Fatalf("expected the alien record to be tombstoned after a successful deliver, deleted=%v err=%v", deleted, err)
	}
}

func TestHandoffWorkerSkipsUnreachableNode(t *testing.T) {
	alien, path := newTestBackend(t)
	op := backend.Op{VDisk: 0, Disk: path, IsAlien: true, SourceNode: bob.NodeName("node-b")}
	key := bob.NewKey([]byte{2}, 8)
	if _, err := alien.Put(op, key, []byte("payload"), nil, 1); err != nil {
		t.Fatalf("Put: %v", err)
	}

	called := false
	worker := &HandoffWorker{
		Alien:     alien,
		Reachable: func(node bob.NodeName) bool { return false },
		Deliver: func(ctx context.Context, node bob.NodeName, vdisk bob.VDiskID, k bob.Key, payload, meta []byte, timestamp uint64) error {
			called = true
			return nil
		},
	}
	worker.sweep(context.Background())
	if called {
		t.Fatalf("expected Deliver not to be called while the destination node is unreachable")
	}
	_, _, deleted, err := alien.Get(backend.Op{VDisk: 0, Disk: path, IsAlien: true}, key)
	if err != nil || deleted {
		t.Fatalf("expected the undelivered record to remain live, deleted=%v err=%v", deleted, err)
	}
}
