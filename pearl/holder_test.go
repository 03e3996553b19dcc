package pearl

import (
	"testing"

	"github.com/gholt/bob"
)

func TestHolderPutGetDelete(t *testing.T) {
	dir := t.TempDir()
	h, err := Create(dir, "0", 1, 0, 1000, 8, 1000, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer h.Close()

	key := bob.NewKey([]byte{1}, 8)
	if _, err := h.Put(key, []byte("v1"), nil, 10, false); err != nil {
		t.Fatalf("Put: %v", err)
	}
	payload, ts, deleted, ok := h.Get(key)
	if !ok || deleted || string(payload) != "v1" || ts != 10 {
		t.Fatalf("Get after Put: payload=%q ts=%d deleted=%v ok=%v", payload, ts, deleted, ok)
	}

	if _, err := h.Delete(key, 20); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, ts, deleted, ok = h.Get(key)
	if !ok || !deleted || ts != 20 {
		t.Fatalf("Get after Delete: ts=%d deleted=%v ok=%v", ts, deleted, ok)
	}
}

func TestHolderRejectsDuplicateSameTimestamp(t *testing.T) {
	dir := t.TempDir()
	h, err := Create(dir, "0", 1, 0, 1000, 8, 1000, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer h.Close()

	key := bob.NewKey([]byte{2}, 8)
	if _, err := h.Put(key, []byte("v1"), nil, 10, false); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	if _, err := h.Put(key, []byte("v2"), nil, 10, false); err != bob.ErrDuplicateKey {
		t.Fatalf("expected ErrDuplicateKey for a repeated (key, timestamp) pair, got %v", err)
	}
}

func TestHolderPutIgnoresStaleTimestamp(t *testing.T) {
	dir := t.TempDir()
	h, err := Create(dir, "0", 1, 0, 1000, 8, 1000, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer h.Close()

	key := bob.NewKey([]byte{3}, 8)
	if _, err := h.Put(key, []byte("new"), nil, 100, false); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := h.Put(key, []byte("stale"), nil, 50, false); err != nil {
		t.Fatalf("stale Put should be a harmless no-op, got error: %v", err)
	}
	payload, ts, _, ok := h.Get(key)
	if !ok || ts != 100 || string(payload) != "new" {
		t.Fatalf("stale write must not overwrite a newer record, got payload=%q ts=%d", payload, ts)
	}
}

func TestHolderColdReopenPreservesData(t *testing.T) {
	dir := t.TempDir()
	h, err := Create(dir, "0", 5, 0, 1000, 8, 1000, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	key := bob.NewKey([]byte{4}, 8)
	if _, err := h.Put(key, []byte("persisted"), nil, 30, false); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(dir, "0", 5, 8, 1000, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reopened.Close()
	payload, ts, deleted, ok := reopened.Get(key)
	if !ok || deleted || ts != 30 || string(payload) != "persisted" {
		t.Fatalf("expected reopened holder to see the persisted record, got payload=%q ts=%d deleted=%v ok=%v", payload, ts, deleted, ok)
	}
}

func TestHolderMetaOfAndIndexEntries(t *testing.T) {
	dir := t.TempDir()
	h, err := Create(dir, "0", 1, 0, 1000, 8, 1000, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer h.Close()
	key := bob.NewKey([]byte{5}, 8)
	meta := []byte("some-meta")
	if _, err := h.Put(key, []byte("v"), meta, 40, false); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if got := h.MetaOf(key); string(got) != string(meta) {
		t.Fatalf("MetaOf = %q, want %q", got, meta)
	}
	entries := h.Index().Entries()
	if len(entries) != 1 || !entries[0].Key.Equal(key) {
		t.Fatalf("expected Entries() to return the one stored key, got %+v", entries)
	}
}
