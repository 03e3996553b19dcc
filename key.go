// Package bob provides the common types shared by every component of the
// store: keys, metadata, vdisk identifiers, and the node/disk addressing
// used to route requests to a replica.
package bob

import (
	"bytes"
	"encoding/hex"
)

// MinKeyLen and MaxKeyLen bound the compile-time-configured key length L
// a cluster may use.
const (
	MinKeyLen = 1
	MaxKeyLen = 32
)

// Key is a fixed-width byte string of length L. Shorter inputs are
// zero-padded on insert; zero-stripping is never performed on read, so
// equality and ordering are always over the full L bytes.
type Key []byte

// NewKey zero-pads src to length l, copying so the caller's slice may be
// reused. It panics if src is longer than l or l is out of range; both are
// programmer errors caught during construction of vdisk/config, never on
// the data path.
func NewKey(src []byte, l int) Key {
	if l < MinKeyLen || l > MaxKeyLen {
		panic("bob: key length out of range")
	}
	if len(src) > l {
		panic("bob: key source longer than configured length")
	}
	k := make(Key, l)
	copy(k, src)
	return k
}

// Equal reports bytewise identity.
func (k Key) Equal(o Key) bool {
	return bytes.Equal(k, o)
}

// Less orders two keys of the same length by treating them as
// little-endian integers, matching the index's on-disk entry order (see
// DESIGN.md for why little-endian was chosen over bytewise ordering).
func (k Key) Less(o Key) bool {
	for i := len(k) - 1; i >= 0; i-- {
		if k[i] != o[i] {
			return k[i] < o[i]
		}
	}
	return false
}

func (k Key) String() string {
	return hex.EncodeToString(k)
}
