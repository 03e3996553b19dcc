package link

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gholt/bob"
)

type fakeTransport struct {
	mu       sync.Mutex
	dialErrs map[bob.NodeName]int // remaining failures before a dial succeeds
	dials    int
	pingErr  error
}

type fakeConn struct{ node bob.NodeName }

func (fakeConn) Close() error { return nil }

func (f *fakeTransport) Dial(ctx context.Context, node bob.NodeName) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	if n := f.dialErrs[node]; n > 0 {
		f.dialErrs[node] = n - 1
		return nil, errors.New("dial failed")
	}
	return fakeConn{node: node}, nil
}

func (f *fakeTransport) Put(ctx context.Context, conn Conn, vdisk bob.VDiskID, disk bob.DiskPath, key bob.Key, payload, meta []byte, timestamp uint64, isAlien bool, sourceNode bob.NodeName) (uint64, error) {
	return timestamp, nil
}
func (f *fakeTransport) Get(ctx context.Context, conn Conn, vdisk bob.VDiskID, disk bob.DiskPath, key bob.Key, isAlien bool) ([]byte, uint64, bool, error) {
	return nil, 0, false, nil
}
func (f *fakeTransport) Delete(ctx context.Context, conn Conn, vdisk bob.VDiskID, disk bob.DiskPath, key bob.Key, timestamp uint64, isAlien bool) (uint64, error) {
	return timestamp, nil
}
func (f *fakeTransport) Exist(ctx context.Context, conn Conn, vdisk bob.VDiskID, disk bob.DiskPath, keys []bob.Key, isAlien bool) ([]bool, error) {
	return nil, nil
}
func (f *fakeTransport) Ping(ctx context.Context, conn Conn) error { return f.pingErr }

func TestManagerConnLazyDialAndReuse(t *testing.T) {
	ft := &fakeTransport{dialErrs: map[bob.NodeName]int{}}
	m := NewManager(ft, 0, 1, nil)
	ctx := context.Background()
	c1, err := m.Conn(ctx, "node-a")
	if err != nil {
		t.Fatalf("Conn: %v", err)
	}
	c2, err := m.Conn(ctx, "node-a")
	if err != nil {
		t.Fatalf("Conn: %v", err)
	}
	if c1 != c2 {
		t.Fatalf("expected the second Conn call to reuse the cached connection")
	}
	if ft.dials != 1 {
		t.Fatalf("expected exactly 1 dial for a reused connection, got %d", ft.dials)
	}
}

func TestManagerMarksUnreachableAfterConsecutiveFailures(t *testing.T) {
	ft := &fakeTransport{dialErrs: map[bob.NodeName]int{"node-b": 2}}
	m := NewManager(ft, 0, 2, nil)
	ctx := context.Background()

	if _, err := m.Conn(ctx, "node-b"); err == nil {
		t.Fatalf("expected the first dial to fail")
	}
	if m.Unreachable("node-b") {
		t.Fatalf("expected node-b not yet marked unreachable after only 1 failure (threshold 2)")
	}
	if _, err := m.Conn(ctx, "node-b"); err == nil {
		t.Fatalf("expected the second dial to fail")
	}
	if !m.Unreachable("node-b") {
		t.Fatalf("expected node-b marked unreachable after reaching the consecutive-failure threshold")
	}
}

func TestManagerInvalidateForcesRedial(t *testing.T) {
	ft := &fakeTransport{dialErrs: map[bob.NodeName]int{}}
	m := NewManager(ft, 0, 1, nil)
	ctx := context.Background()
	if _, err := m.Conn(ctx, "node-c"); err != nil {
		t.Fatalf("Conn: %v", err)
	}
	m.Invalidate("node-c")
	if _, err := m.Conn(ctx, "node-c"); err != nil {
		t.Fatalf("Conn: %v", err)
	}
	if ft.dials != 2 {
		t.Fatalf("expected Invalidate to force a second dial, got %d dials", ft.dials)
	}
}

func TestManagerPingFailureInvalidatesAndCounts(t *testing.T) {
	ft := &fakeTransport{dialErrs: map[bob.NodeName]int{}, pingErr: errors.New("ping failed")}
	m := NewManager(ft, 0, 1, nil)
	ctx := context.Background()
	if err := m.Ping(ctx, "node-d"); err == nil {
		t.Fatalf("expected Ping to surface the transport's ping error")
	}
	if !m.Unreachable("node-d") {
		t.Fatalf("expected node-d to be marked unreachable after a failed ping at threshold 1")
	}
}

func TestManagerBackoffDoublesDeterministically(t *testing.T) {
	ft := &fakeTransport{dialErrs: map[bob.NodeName]int{}}
	m := NewManager(ft, 0, 1, nil)
	first := m.NextBackoff("node-e")
	second := m.NextBackoff("node-e")
	if first != 50*time.Millisecond {
		t.Fatalf("expected the first backoff interval to be the configured 50ms initial interval, got %v", first)
	}
	if second != 100*time.Millisecond {
		t.Fatalf("expected the backoff to double deterministically (RandomizationFactor=0), got %v", second)
	}
}
