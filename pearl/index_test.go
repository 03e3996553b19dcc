package pearl

import (
	"path/filepath"
	"testing"

	"github.com/gholt/bob"
)

func TestIndexBloomNeverFalseNegative(t *testing.T) {
	ix := NewIndex(1, 8, 1000, 0)
	keys := make([]bob.Key, 0, 200)
	for i := 0; i < 200; i++ {
		k := bob.NewKey([]byte{byte(i), byte(i >> 8)}, 8)
		keys = append(keys, k)
		if err := ix.Put(Entry{Key: k, Offset: int64(i), Size: 10, Timestamp: uint64(i)}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	for _, k := range keys {
		if !ix.ContainsMaybe(k) {
			t.Fatalf("bloom filter produced a false negative for a key it was given")
		}
		if _, ok := ix.Get(k); !ok {
			t.Fatalf("expected Get to find a key present in the index")
		}
	}
}

func TestIndexPutOnSealedFails(t *testing.T) {
	ix := NewIndex(1, 8, 10, 0)
	ix.sealed = true
	if err := ix.Put(Entry{Key: bob.NewKey([]byte{1}, 8)}); err == nil {
		t.Fatalf("expected Put on a sealed index to fail")
	}
}

func TestIndexFlushAndOpenSealedRoundTrip(t *testing.T) {
	ix := NewIndex(7, 8, 100, 0)
	k1 := bob.NewKey([]byte{1}, 8)
	k2 := bob.NewKey([]byte{2}, 8)
	if err := ix.Put(Entry{Key: k1, Offset: 0, Size: 20, Timestamp: 1}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := ix.Put(Entry{Key: k2, Offset: 20, Size: 30, Timestamp: 2, Deleted: true}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "7.index")
	if err := ix.Flush(path); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	sealed, err := OpenSealedIndex(path, 8, 7)
	if err != nil {
		t.Fatalf("OpenSealedIndex: %v", err)
	}
	defer sealed.Close()
	if sealed.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", sealed.Len())
	}
	e, ok := sealed.Get(k2)
	if !ok {
		t.Fatalf("expected to find k2 in the sealed index")
	}
	if e.Timestamp != 2 || !e.Deleted {
		t.Fatalf("got %+v, expected timestamp=2 deleted=true", e)
	}
	if _, ok := sealed.Get(bob.NewKey([]byte{99}, 8)); ok {
		t.Fatalf("expected a key never inserted to be absent")
	}
}

func TestRebuildFromBlobMatchesFreshScan(t *testing.T) {
	dir := t.TempDir()
	b, err := CreateBlob(filepath.Join(dir, "1.blob"), 1, 0, 1, 8)
	if err != nil {
		t.Fatalf("CreateBlob: %v", err)
	}
	defer b.Close()
	k1 := bob.NewKey([]byte{1}, 8)
	k2 := bob.NewKey([]byte{2}, 8)
	if _, err := b.Append(Record{Key: k1, Timestamp: 1, Payload: []byte("a")}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := b.Append(Record{Key: k2, Timestamp: 2, Payload: []byte("bb")}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	ix, err := RebuildFromBlob(b, 1000, 0)
	if err != nil {
		t.Fatalf("RebuildFromBlob: %v", err)
	}
	if ix.Len() != 2 {
		t.Fatalf("expected 2 rebuilt entries, got %d", ix.Len())
	}
	if _, ok := ix.Get(k1); !ok {
		t.Fatalf("expected k1 to be present after rebuild")
	}
	if _, ok := ix.Get(k2); !ok {
		t.Fatalf("expected k2 to be present after rebuild")
	}
}
