package pearl

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/gholt/bob"
)

// recordMagic and recordVersion identify the on-disk record format
// (spec.md §3 Record).
const (
	recordMagic   uint32 = 0xB0B0B0B1
	recordVersion uint16 = 1
)

// Record is the on-disk record shape (spec.md §3). Encode lays it out as:
//
//	magic | version | key(L) | data_len | timestamp | meta_len | meta |
//	delete_flag | checksum(header) | payload | checksum(payload)
//
// The delete flag is the last header byte and is covered by the header
// checksum; no byte follows the payload checksum. Two independent CRC32
// checksums let a truncated tail be detected and
// skipped without invalidating records written earlier in the blob
// (spec.md §4.1).
type Record struct {
	Key       bob.Key
	Timestamp uint64
	Meta      []byte
	Payload   []byte
	Deleted   bool
}

// headerFixedSize is magic+version+datalen+timestamp+metalen+delflag,
// not counting the variable-length key and meta.
const headerFixedSize = 4 + 2 + 4 + 8 + 4 + 1

// Encode appends the wire encoding of r to dst and returns the result.
// encode(decode(bytes)) == bytes holds for any value Encode produces
// (spec.md §8 round-trip law).
func Encode(dst []byte, r Record, keyLen int) []byte {
	if len(r.Key) != keyLen {
		panic("pearl: record key length does not match configured keyLen")
	}
	buf := make([]byte, headerFixedSize+keyLen+len(r.Meta))
	binary.BigEndian.PutUint32(buf[0:], recordMagic)
	binary.BigEndian.PutUint16(buf[4:], recordVersion)
	copy(buf[6:], r.Key)
	off := 6 + keyLen
	binary.BigEndian.PutUint32(buf[off:], uint32(len(r.Payload)))
	off += 4
	binary.BigEndian.PutUint64(buf[off:], r.Timestamp)
	off += 8
	binary.BigEndian.PutUint32(buf[off:], uint32(len(r.Meta)))
	off += 4
	copy(buf[off:], r.Meta)
	off += len(r.Meta)
	if r.Deleted {
		buf[off] = 1
	} else {
		buf[off] = 0
	}
	headerChecksum := crc32.ChecksumIEEE(buf)
	dst = append(dst, buf...)
	var csum [4]byte
	binary.BigEndian.PutUint32(csum[:], headerChecksum)
	dst = append(dst, csum[:]...)
	dst = append(dst, r.Payload...)
	payloadChecksum := crc32.ChecksumIEEE(r.Payload)
	binary.BigEndian.PutUint32(csum[:], payloadChecksum)
	dst = append(dst, csum[:]...)
	return dst
}

// EncodedSize returns the number of bytes Encode would append for a
// record shaped like r with the given keyLen, without doing the work.
func EncodedSize(r Record, keyLen int) int {
	return headerFixedSize + keyLen + len(r.Meta) + 4 + len(r.Payload) + 4
}

// ErrCorrupt is returned by DecodeNext when a record's checksum fails or
// its header is malformed; callers treat this as "stop scanning here and
// truncate" (spec.md §4.1).
type ErrCorrupt struct {
	Offset int64
	Reason string
}

func (e *ErrCorrupt) Error() string {
	return fmt.Sprintf("pearl: corrupt record at offset %d: %s", e.Offset, e.Reason)
}

// DecodeNext reads one record from r starting at the current read
// position. It returns io.EOF when the stream ends cleanly on a record
// boundary, and *ErrCorrupt when the header or either checksum fails,
// in which case the caller should stop scanning and treat everything
// from offset onward as truncated.
func DecodeNext(r io.Reader, keyLen int) (Record, error) {
	return DecodeNextAt(r, keyLen, 0)
}

// DecodeNextAt behaves like DecodeNext but stamps offset onto any
// *ErrCorrupt it returns, letting a blob scan report exactly where the
// stream went bad.
func DecodeNextAt(r io.Reader, keyLen int, offset int64) (Record, error) {
	head := make([]byte, 6+keyLen+4+8+4)
	if _, err := io.ReadFull(r, head); err != nil {
		if err == io.EOF {
			return Record{}, io.EOF
		}
		return Record{}, &ErrCorrupt{Offset: offset, Reason: "truncated header"}
	}
	if binary.BigEndian.Uint32(head[0:]) != recordMagic {
		return Record{}, &ErrCorrupt{Offset: offset, Reason: "bad magic"}
	}
	if binary.BigEndian.Uint16(head[4:]) != recordVersion {
		return Record{}, &ErrCorrupt{Offset: offset, Reason: "unsupported version"}
	}
	key := make(bob.Key, keyLen)
	copy(key, head[6:6+keyLen])
	off := 6 + keyLen
	dataLen := binary.BigEndian.Uint32(head[off:])
	off += 4
	timestamp := binary.BigEndian.Uint64(head[off:])
	off += 8
	metaLen := binary.BigEndian.Uint32(head[off:])

	rest := make([]byte, int(metaLen)+1)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Record{}, &ErrCorrupt{Offset: offset, Reason: "truncated header tail"}
	}
	meta := append([]byte(nil), rest[:metaLen]...)
	deleted := rest[metaLen] != 0

	var headChecksum [4]byte
	if _, err := io.ReadFull(r, headChecksum[:]); err != nil {
		return Record{}, &ErrCorrupt{Offset: offset, Reason: "truncated header checksum"}
	}
	full := append(append([]byte(nil), head...), rest...)
	if crc32.ChecksumIEEE(full) != binary.BigEndian.Uint32(headChecksum[:]) {
		return Record{}, &ErrCorrupt{Offset: offset, Reason: "header checksum mismatch"}
	}

	payload := make([]byte, dataLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Record{}, &ErrCorrupt{Offset: offset, Reason: "truncated payload"}
	}
	var payloadChecksum [4]byte
	if _, err := io.ReadFull(r, payloadChecksum[:]); err != nil {
		return Record{}, &ErrCorrupt{Offset: offset, Reason: "truncated payload checksum"}
	}
	if crc32.ChecksumIEEE(payload) != binary.BigEndian.Uint32(payloadChecksum[:]) {
		return Record{}, &ErrCorrupt{Offset: offset, Reason: "payload checksum mismatch"}
	}
	return Record{
		Key:       key,
		Timestamp: timestamp,
		Meta:      meta,
		Payload:   payload,
		Deleted:   deleted,
	}, nil
}
