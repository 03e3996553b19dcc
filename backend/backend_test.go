package backend

import (
	"testing"
	"time"

	"github.com/gholt/bob"
	"github.com/gholt/bob/disk"
	"github.com/gholt/bob/pearl"
)

func newTestController(t *testing.T, isAlien bool) (*disk.Controller, bob.DiskPath) {
	t.Helper()
	dir := t.TempDir()
	path := bob.DiskPath(dir)
	c, err := disk.NewController("disk0", path, isAlien, 8, time.Minute, nil)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, path
}

func TestBackendPutGetDelete(t *testing.T) {
	c, path := newTestController(t, false)
	b := New(&pearl.Config{KeyLen: 8}, false)
	b.AddDisk(c)

	op := Op{VDisk: 0, Disk: path}
	key := bob.NewKey([]byte{1}, 8)
	if _, err := b.Put(op, key, []byte("v1"), nil, 10); err != nil {
		t.Fatalf("Put: %v", err)
	}
	payload, ts, deleted, err := b.Get(op, key)
	if err != nil || deleted || ts != 10 || string(payload) != "v1" {
		t.Fatalf("Get: payload=%q ts=%d deleted=%v err=%v", payload, ts, deleted, err)
	}
	if _, err := b.Delete(op, key, 20); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, _, deleted, err = b.Get(op, key)
	if err != nil || !deleted {
		t.Fatalf("expected a tombstone after Delete, got deleted=%v err=%v", deleted, err)
	}
}

func TestBackendUnknownDiskIsVDiskNotFound(t *testing.T) {
	b := New(&pearl.Config{KeyLen: 8}, false)
	op := Op{VDisk: 0, Disk: bob.DiskPath("/nowhere")}
	key := bob.NewKey([]byte{1}, 8)
	_, _, _, err := b.Get(op, key)
	if bob.KindOf(err) != bob.KindVDiskNotFound {
		t.Fatalf("expected KindVDiskNotFound for an unregistered disk, got %v", bob.KindOf(err))
	}
}

func TestBackendGetMissingKeyIsKeyNotFound(t *testing.T) {
	c, path := newTestController(t, false)
	b := New(&pearl.Config{KeyLen: 8}, false)
	b.AddDisk(c)
	op := Op{VDisk: 0, Disk: path}
	_, _, _, err := b.Get(op, bob.NewKey([]byte{9}, 8))
	if err != bob.ErrKeyNotFound {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestAlienMetaRoundTrip(t *testing.T) {
	c, path := newTestController(t, true)
	b := New(&pearl.Config{KeyLen: 8}, true)
	b.AddDisk(c)

	op := Op{VDisk: 0, Disk: path, IsAlien: true, SourceNode: bob.NodeName("node-a")}
	key := bob.NewKey([]byte{5}, 8)
	if _, err := b.Put(op, key, []byte("payload"), []byte("caller-meta"), 1); err != nil {
		t.Fatalf("Put: %v", err)
	}

	groups := b.Groups()
	g, ok := groups[path][0]
	if !ok {
		t.Fatalf("expected the alien group to exist")
	}
	holders := g.Holders()
	if len(holders) != 1 {
		t.Fatalf("expected 1 holder, got %d", len(holders))
	}
	raw := holders[0].MetaOf(key)
	src, origMeta := DecodeAlienMeta(raw)
	if src != bob.NodeName("node-a") {
		t.Fatalf("expected source node to round trip, got %q", src)
	}
	if string(origMeta) != "caller-meta" {
		t.Fatalf("expected original meta to round trip, got %q", origMeta)
	}
}

func TestDecodeAlienMetaEmpty(t *testing.T) {
	src, meta := DecodeAlienMeta(nil)
	if src != "" || meta != nil {
		t.Fatalf("expected zero values for empty input, got src=%q meta=%v", src, meta)
	}
}
