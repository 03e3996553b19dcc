package bob

import "testing"

func TestKeyLessLittleEndian(t *testing.T) {
	a := NewKey([]byte{0x01, 0x00}, 2) // low byte 0x01, high byte 0x00
	b := NewKey([]byte{0x00, 0x01}, 2) // low byte 0x00, high byte 0x01
	if !a.Less(b) {
		t.Fatalf("expected %x < %x under little-endian ordering", a, b)
	}
	if b.Less(a) {
		t.Fatalf("expected %x not < %x", b, a)
	}
}

func TestKeyEqual(t *testing.T) {
	a := NewKey([]byte{1, 2, 3}, 3)
	b := NewKey([]byte{1, 2, 3}, 3)
	if !a.Equal(b) {
		t.Fatalf("expected equal keys")
	}
}

func TestNewKeyZeroPads(t *testing.T) {
	k := NewKey([]byte{1}, 4)
	if len(k) != 4 || k[0] != 1 || k[1] != 0 || k[2] != 0 || k[3] != 0 {
		t.Fatalf("expected zero-padded key, got %v", []byte(k))
	}
}

func TestKeyString(t *testing.T) {
	k := NewKey([]byte{0xab, 0xcd}, 2)
	if k.String() != "abcd" {
		t.Fatalf("expected hex string abcd, got %s", k.String())
	}
}
