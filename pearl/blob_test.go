package pearl

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gholt/bob"
)

func TestBlobAppendAndReadRecordAt(t *testing.T) {
	dir := t.TempDir()
	b, err := CreateBlob(filepath.Join(dir, "0.blob"), 1, 0, 1000, 8)
	if err != nil {
		t.Fatalf("CreateBlob: %v", err)
	}
	defer b.Close()

	key := bob.NewKey([]byte{1}, 8)
	rec := Record{Key: key, Timestamp: 10, Payload: []byte("value")}
	off, err := b.Append(rec)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	got, err := b.ReadRecordAt(off)
	if err != nil {
		t.Fatalf("ReadRecordAt: %v", err)
	}
	if string(got.Payload) != "value" {
		t.Fatalf("got payload %q", got.Payload)
	}
}

func TestBlobSealRejectsAppend(t *testing.T) {
	dir := t.TempDir()
	b, err := CreateBlob(filepath.Join(dir, "0.blob"), 1, 0, 1000, 8)
	if err != nil {
		t.Fatalf("CreateBlob: %v", err)
	}
	defer b.Close()
	if err := b.Seal(); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	key := bob.NewKey([]byte{1}, 8)
	if _, err := b.Append(Record{Key: key, Timestamp: 1}); err == nil {
		t.Fatalf("expected Append on a sealed blob to fail")
	}
}

func TestBlobScanStopsAtCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "0.blob")
	b, err := CreateBlob(path, 1, 0, 1000, 8)
	if err != nil {
		t.Fatalf("CreateBlob: %v", err)
	}
	key1 := bob.NewKey([]byte{1}, 8)
	key2 := bob.NewKey([]byte{2}, 8)
	if _, err := b.Append(Record{Key: key1, Timestamp: 1, Payload: []byte("a")}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := b.Append(Record{Key: key2, Timestamp: 2, Payload: []byte("b")}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	size := b.Size()
	b.Close()

	// Truncate the file mid-second-record to simulate a crash.
	if err := os.Truncate(path, size-3); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	b2, err := OpenBlob(path, 8)
	if err != nil {
		t.Fatalf("OpenBlob: %v", err)
	}
	defer b2.Close()
	seen := 0
	lastGood, err := b2.Scan(func(offset int64, rec Record) error {
		seen++
		return nil
	})
	if seen != 1 {
		t.Fatalf("expected exactly 1 valid record before the truncation, got %d", seen)
	}
	if lastGood <= 0 {
		t.Fatalf("expected a positive offset for the last valid record")
	}
	if err == nil {
		t.Fatalf("expected Scan to report the trailing corruption")
	}
}
