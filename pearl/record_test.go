package pearl

import (
	"bytes"
	"io"
	"testing"

	"github.com/gholt/bob"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	key := bob.NewKey([]byte{1, 2, 3}, 8)
	rec := Record{Key: key, Timestamp: 100, Meta: []byte("m"), Payload: []byte("hello")}
	buf := Encode(nil, rec, 8)
	if len(buf) != EncodedSize(rec, 8) {
		t.Fatalf("EncodedSize mismatch: got %d want %d", EncodedSize(rec, 8), len(buf))
	}
	got, err := DecodeNext(bytes.NewReader(buf), 8)
	if err != nil {
		t.Fatalf("DecodeNext: %v", err)
	}
	if !got.Key.Equal(rec.Key) || got.Timestamp != rec.Timestamp || !bytes.Equal(got.Payload, rec.Payload) || !bytes.Equal(got.Meta, rec.Meta) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, rec)
	}
}

func TestDecodeNextCleanEOF(t *testing.T) {
	_, err := DecodeNext(bytes.NewReader(nil), 8)
	if err != io.EOF {
		t.Fatalf("expected io.EOF at a clean stream boundary, got %v", err)
	}
}

func TestDecodeNextTruncatedIsCorrupt(t *testing.T) {
	key := bob.NewKey([]byte{1}, 8)
	rec := Record{Key: key, Timestamp: 1, Payload: []byte("payload")}
	buf := Encode(nil, rec, 8)
	truncated := buf[:len(buf)-3]
	_, err := DecodeNext(bytes.NewReader(truncated), 8)
	if _, ok := err.(*ErrCorrupt); !ok {
		t.Fatalf("expected *ErrCorrupt for a truncated record, got %v (%T)", err, err)
	}
}

func TestDecodeNextDeletedFlag(t *testing.T) {
	key := bob.NewKey([]byte{9}, 8)
	rec := Record{Key: key, Timestamp: 5, Deleted: true}
	buf := Encode(nil, rec, 8)
	got, err := DecodeNext(bytes.NewReader(buf), 8)
	if err != nil {
		t.Fatalf("DecodeNext: %v", err)
	}
	if !got.Deleted {
		t.Fatalf("expected Deleted flag to round trip")
	}
}
