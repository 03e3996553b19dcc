package pearl

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/gholt/bob"
)

// State is a Holder's lifecycle state (spec.md §4.4):
//
//	Initializing --open ok--> Normal --idle>TTL && sealed--> Outdated --free()--> (dropped)
//	Initializing --open err-> (propagated to DiskController, holder discarded)
//	Normal ----seal----> Normal(read-only)     // blob full or time-roll
type State int

const (
	Initializing State = iota
	Normal
	Outdated
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "Initializing"
	case Normal:
		return "Normal"
	case Outdated:
		return "Outdated"
	default:
		return "Unknown"
	}
}

// Holder owns one (blob, index) pair covering a time bucket on one vdisk
// (spec.md §4.4). Writes synchronize on a per-holder lock. Reads do not
// take that lock; they go through Index.Get, which holds the index's own
// read lock, so a read is not lock-free and does not use a snapshot copy
// of the index.
type Holder struct {
	VDisk      bob.VDiskID
	CreatedAt  int64
	KeyLen     int
	dir        string
	blobPrefix string

	mu         sync.Mutex
	state      State
	blob       *Blob
	index      *Index
	lastAccess int64
}

// Create makes a brand new Initializing holder with a fresh active blob
// and in-memory index, then promotes it to Normal once the blob opens
// successfully.
func Create(dir string, blobPrefix string, id int64, vdisk bob.VDiskID, createdAt int64, keyLen int, bloomElements, bloomMaxBufBits uint) (*Holder, error) {
	h := &Holder{VDisk: vdisk, CreatedAt: createdAt, KeyLen: keyLen, dir: dir, blobPrefix: blobPrefix, state: Initializing}
	blobPath := h.blobPath(id)
	b, err := CreateBlob(blobPath, id, vdisk, createdAt, keyLen)
	if err != nil {
		return nil, err
	}
	h.blob = b
	h.index = NewIndex(id, keyLen, bloomElements, bloomMaxBufBits)
	h.state = Normal
	h.lastAccess = createdAt
	return h, nil
}

// Open reopens a holder from existing blob/index files on disk,
// rebuilding the index from the blob if the index file is missing or its
// checksum fails (I3).
func Open(dir string, blobPrefix string, id int64, keyLen int, bloomElements, bloomMaxBufBits uint) (*Holder, error) {
	h := &Holder{KeyLen: keyLen, dir: dir, blobPrefix: blobPrefix, state: Initializing}
	b, err := OpenBlob(h.blobPath(id), keyLen)
	if err != nil {
		return nil, err
	}
	h.blob = b
	h.VDisk = b.VDisk
	h.CreatedAt = b.CreatedAt

	var ix *Index
	var ixErr error
	if b.Sealed() {
		ix, ixErr = OpenSealedIndex(h.indexPath(id), keyLen, id)
	} else {
		ixErr = errActiveBlobNeedsRebuild
	}
	if ixErr != nil {
		ix, err = RebuildFromBlob(b, bloomElements, bloomMaxBufBits)
		if err != nil {
			b.Close()
			return nil, err
		}
	}
	h.index = ix
	h.state = Normal
	h.lastAccess = time.Now().Unix()
	return h, nil
}

func (h *Holder) blobPath(id int64) string {
	return filepath.Join(h.dir, blobFileName(h.blobPrefix, id))
}

func (h *Holder) indexPath(id int64) string {
	return filepath.Join(h.dir, indexFileName(h.blobPrefix, id))
}

func blobFileName(prefix string, id int64) string {
	return prefix + "_" + itoa(id) + ".blob"
}

func indexFileName(prefix string, id int64) string {
	return prefix + "_" + itoa(id) + ".index"
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Put stores (key, data, timestamp), appending a record to the active
// blob and updating the index under the holder's write lock (spec.md
// §4.4, §5: "no critical section spans a suspension point except the
// per-holder write lock, which is held across a single append+index
// update").
func (h *Holder) Put(key bob.Key, payload []byte, meta []byte, timestamp uint64, allowDuplicates bool) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != Normal || h.blob.Sealed() {
		return 0, bob.Of(bob.KindStorageIO, "pearl.Holder.Put", errHolderNotWritable)
	}
	if prev, ok := h.index.Get(key); ok {
		if !allowDuplicates && prev.Timestamp == timestamp && !prev.Deleted {
			return prev.Timestamp, bob.ErrDuplicateKey
		}
		if prev.Timestamp > timestamp {
			return prev.Timestamp, nil
		}
	}
	rec := Record{Key: key, Timestamp: timestamp, Meta: meta, Payload: payload}
	offset, err := h.blob.Append(rec)
	if err != nil {
		return 0, err
	}
	h.lastAccess = int64(timestamp)
	if err := h.index.Put(Entry{
		Key:       key,
		Offset:    offset,
		Size:      int64(EncodedSize(rec, h.KeyLen)),
		Timestamp: timestamp,
		Deleted:   false,
	}); err != nil {
		return 0, err
	}
	return timestamp, nil
}

// Delete stores a delete record for key at timestamp, shadowing every
// prior record for key with timestamp <= its own (I4).
func (h *Holder) Delete(key bob.Key, timestamp uint64) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != Normal || h.blob.Sealed() {
		return 0, bob.Of(bob.KindStorageIO, "pearl.Holder.Delete", errHolderNotWritable)
	}
	if prev, ok := h.index.Get(key); ok && prev.Timestamp > timestamp {
		return prev.Timestamp, nil
	}
	rec := Record{Key: key, Timestamp: timestamp, Deleted: true}
	offset, err := h.blob.Append(rec)
	if err != nil {
		return 0, err
	}
	h.lastAccess = int64(timestamp)
	if err := h.index.Put(Entry{Key: key, Offset: offset, Size: int64(EncodedSize(rec, h.KeyLen)), Timestamp: timestamp, Deleted: true}); err != nil {
		return 0, err
	}
	return timestamp, nil
}

// Get returns the payload, timestamp, and delete flag for key. It does
// not take the holder's write lock; the index lookup takes the index's
// read lock, so it can wait briefly while Put/Delete update the index.
func (h *Holder) Get(key bob.Key) ([]byte, uint64, bool, bool) {
	e, ok := h.index.Get(key)
	if !ok {
		return nil, 0, false, false
	}
	if e.Deleted {
		return nil, e.Timestamp, true, true
	}
	rec, err := h.blob.ReadRecordAt(e.Offset)
	if err != nil {
		return nil, e.Timestamp, false, false
	}
	return rec.Payload, e.Timestamp, false, true
}

// Exist reports, for each key, whether the holder has any record of it
// (including a tombstone).
func (h *Holder) Exist(keys []bob.Key) []bool {
	out := make([]bool, len(keys))
	for i, k := range keys {
		_, ok := h.index.Get(k)
		out[i] = ok
	}
	return out
}

// Index exposes the holder's index for enumeration (used by the
// handoff worker to scan an alien holder's records, spec.md §4.10).
func (h *Holder) Index() *Index {
	return h.index
}

// MetaOf returns the stored meta bytes for key, or nil if key is
// absent or the record cannot be read.
func (h *Holder) MetaOf(key bob.Key) []byte {
	e, ok := h.index.Get(key)
	if !ok || e.Deleted {
		return nil
	}
	rec, err := h.blob.ReadRecordAt(e.Offset)
	if err != nil {
		return nil
	}
	return rec.Meta
}

// Close seals the active blob (if not already sealed), flushes the index
// to disk, and releases file handles.
func (h *Holder) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.blob.Sealed() {
		if err := h.blob.Seal(); err != nil {
			return err
		}
	}
	if err := h.index.Flush(h.indexPath(h.blob.ID)); err != nil {
		return err
	}
	if err := h.index.Close(); err != nil {
		return err
	}
	return h.blob.Close()
}

// Seal finalizes the active blob and flushes its index, transitioning
// the holder to "sealed+Normal" (read-only) without discarding RAM. Used
// by Group.writable when rolling over to a new active holder (spec.md
// §4.5).
func (h *Holder) Seal() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.blob.Sealed() {
		return nil
	}
	if err := h.blob.Seal(); err != nil {
		return err
	}
	return h.index.Flush(h.indexPath(h.blob.ID))
}

// IsOutdated reports whether the holder has been idle beyond ttl
// (seconds) and its blob is sealed, the precondition for the cleaner to
// demote it to Outdated (spec.md §4.4, §4.10).
func (h *Holder) IsOutdated(now int64, ttl int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.blob.Sealed() && now-h.lastAccess > ttl
}

// MarkOutdated transitions the holder to Outdated, dropping its RAM
// resources (index, Bloom filter) while leaving the sealed blob file on
// disk (spec.md §4.4).
func (h *Holder) MarkOutdated() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = Outdated
	if err := h.index.Close(); err != nil {
		return err
	}
	h.index = nil
	return nil
}

// StateOf reports the current lifecycle state.
func (h *Holder) StateOf() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Size returns the current size of the active or sealed blob.
func (h *Holder) Size() int64 {
	return h.blob.Size()
}

// BlobID returns the identifier of the underlying blob file.
func (h *Holder) BlobID() int64 {
	return h.blob.ID
}

var errHolderNotWritable = holderNotWritableError{}

type holderNotWritableError struct{}

func (holderNotWritableError) Error() string { return "holder is not in a writable state" }

var errActiveBlobNeedsRebuild = activeBlobNeedsRebuildError{}

type activeBlobNeedsRebuildError struct{}

func (activeBlobNeedsRebuildError) Error() string {
	return "active blob's index is always rebuilt from the blob on open"
}
