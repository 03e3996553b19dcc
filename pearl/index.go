package pearl

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/edsrzf/mmap-go"

	"github.com/gholt/bob"
)

const (
	indexMagic   uint32 = 0x1D30B10B
	indexVersion uint16 = 1
)

// Entry is one index record: a key's location within its blob plus the
// bookkeeping needed to answer Get/contains_maybe without touching the
// blob (spec.md §3 Index).
type Entry struct {
	Key       bob.Key
	Offset    int64
	Size      int64
	Timestamp uint64
	Deleted   bool
}

func entrySize(keyLen int) int {
	return keyLen + 8 + 8 + 8 + 1 // key, offset, size, timestamp, deleted
}

// Index is the per-blob on-disk map {key -> offset} described in
// spec.md §4.3. While its blob is active the index lives in RAM behind a
// plain map guarded by an RWMutex; Flush writes a sorted, checksummed
// index file, and OpenSealedIndex opens such a file read-only and
// memory-mapped, as Holder.Open does for a sealed blob (spec.md §3).
type Index struct {
	keyLen int
	blobID int64

	mu     sync.RWMutex
	mem    map[string]Entry // active index, nil once sealed
	bloom  *bloomFilter
	sealed bool

	mapped    mmap.MMap // nil unless backed by a memory-mapped sealed file
	mappedLen int
	file      *os.File
}

// NewIndex creates the in-memory index for a freshly created active blob.
func NewIndex(blobID int64, keyLen int, bloomElements uint, bloomMaxBufBits uint) *Index {
	return &Index{
		keyLen: keyLen,
		blobID: blobID,
		mem:    make(map[string]Entry),
		bloom:  newBloomFilter(bloomElements, bloomMaxBufBits),
	}
}

// Put inserts or overwrites the entry for e.Key. Only valid on an active
// (unsealed) index.
func (ix *Index) Put(e Entry) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.sealed {
		return bob.Of(bob.KindInternal, "pearl.Index.Put", fmt.Errorf("index for blob %d is sealed", ix.blobID))
	}
	ix.mem[string(e.Key)] = e
	ix.bloom.add(e.Key)
	return nil
}

// ContainsMaybe is the Bloom reject step of the lookup order (spec.md
// §4.3): false is a guaranteed miss, true means Get must still be called.
// Bloom filters never produce false negatives (spec.md §8), so
// ContainsMaybe(k)=false implies Get(k) would return (Entry{}, false).
func (ix *Index) ContainsMaybe(key bob.Key) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.bloom.mayContain(key)
}

// Get looks up key, consulting the Bloom filter first.
func (ix *Index) Get(key bob.Key) (Entry, bool) {
	if !ix.ContainsMaybe(key) {
		return Entry{}, false
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.mem != nil {
		e, ok := ix.mem[string(key)]
		return e, ok
	}
	return ix.getMapped(key)
}

// Snapshot returns a point-in-time copy of the active index's entries,
// or nil for a memory-mapped sealed index. Holder's reads do not use it;
// they go through Get. It is the flat-map analogue of the teacher's
// copy-before-mutate valueLocNode discipline (valuelocmap.go): this
// package's per-holder key space is small enough that a single map copy
// is cheap, so the teacher's resizable sharded trie is not warranted
// here (see DESIGN.md).
func (ix *Index) Snapshot() map[string]Entry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.mem == nil {
		return nil
	}
	cp := make(map[string]Entry, len(ix.mem))
	for k, v := range ix.mem {
		cp[k] = v
	}
	return cp
}

// Entries returns every entry currently known to the index regardless
// of backing (in-memory map or memory-mapped sealed file), used by the
// handoff worker to enumerate an alien holder's records (spec.md
// §4.10).
func (ix *Index) Entries() []Entry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.mem != nil {
		out := make([]Entry, 0, len(ix.mem))
		for _, e := range ix.mem {
			out = append(out, e)
		}
		return out
	}
	out := make([]Entry, 0, ix.mappedLen)
	entSize := entrySize(ix.keyLen)
	region := []byte(ix.mapped)[18:]
	for i := 0; i < ix.mappedLen; i++ {
		out = append(out, decodeEntry(region[i*entSize:i*entSize+entSize], ix.keyLen))
	}
	return out
}

// Len reports the number of entries known to the index, tombstones
// included.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.mem != nil {
		return len(ix.mem)
	}
	return ix.mappedLen
}

// Flush writes the index to path as a sorted, checksummed file (spec.md
// §4.2 "durably rewritten on clean shutdown"). Flush does not mark the
// index sealed and does not discard RAM: the Index keeps serving reads
// from its in-memory map. The memory-mapped form exists only for an
// Index obtained from OpenSealedIndex.
func (ix *Index) Flush(path string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	entries := make([]Entry, 0, len(ix.mem))
	for _, e := range ix.mem {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return bob.Key(entries[i].Key).Less(entries[j].Key) })
	f, err := os.Create(path)
	if err != nil {
		return bob.Of(bob.KindStorageIO, "pearl.Index.Flush", err)
	}
	defer f.Close()
	if err := writeIndexFile(f, ix.keyLen, ix.blobID, entries, ix.bloom); err != nil {
		return err
	}
	return nil
}

func writeIndexFile(w io.Writer, keyLen int, blobID int64, entries []Entry, bloom *bloomFilter) error {
	var head [18]byte
	binary.BigEndian.PutUint32(head[0:], indexMagic)
	binary.BigEndian.PutUint16(head[4:], indexVersion)
	binary.BigEndian.PutUint32(head[6:], uint32(len(entries)))
	binary.BigEndian.PutUint64(head[10:], uint64(blobID))
	if _, err := w.Write(head[:]); err != nil {
		return bob.Of(bob.KindStorageIO, "pearl.writeIndexFile", err)
	}
	buf := make([]byte, entrySize(keyLen))
	h := crc32.NewIEEE()
	mw := io.MultiWriter(w, h)
	for _, e := range entries {
		copy(buf, e.Key)
		off := keyLen
		binary.BigEndian.PutUint64(buf[off:], uint64(e.Offset))
		off += 8
		binary.BigEndian.PutUint64(buf[off:], uint64(e.Size))
		off += 8
		binary.BigEndian.PutUint64(buf[off:], e.Timestamp)
		off += 8
		if e.Deleted {
			buf[off] = 1
		} else {
			buf[off] = 0
		}
		if _, err := mw.Write(buf); err != nil {
			return bob.Of(bob.KindStorageIO, "pearl.writeIndexFile", err)
		}
	}
	var csum [4]byte
	binary.BigEndian.PutUint32(csum[:], h.Sum32())
	if _, err := w.Write(csum[:]); err != nil {
		return bob.Of(bob.KindStorageIO, "pearl.writeIndexFile", err)
	}
	if _, err := bloom.writeTo(w); err != nil {
		return err
	}
	return nil
}

// OpenSealedIndex opens path, verifies the checksum over the entry
// table, memory-maps the entries for lookup, and reads the Bloom filter
// fully into RAM. If the file is missing or the checksum fails, the
// caller is expected to rebuild the index from the blob (I3) — that is
// the ONLY permitted side effect of opening an index (spec.md §4.3).
func OpenSealedIndex(path string, keyLen int, blobID int64) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, bob.Of(bob.KindStorageIO, "pearl.OpenSealedIndex", err)
	}
	head := make([]byte, 18)
	if _, err := io.ReadFull(f, head); err != nil {
		f.Close()
		return nil, bob.Of(bob.KindStorageIO, "pearl.OpenSealedIndex", fmt.Errorf("short header: %w", err))
	}
	if binary.BigEndian.Uint32(head[0:]) != indexMagic {
		f.Close()
		return nil, bob.Of(bob.KindStorageIO, "pearl.OpenSealedIndex", fmt.Errorf("bad index magic"))
	}
	count := binary.BigEndian.Uint32(head[6:])
	storedBlobID := int64(binary.BigEndian.Uint64(head[10:]))
	entSize := entrySize(keyLen)
	tableSize := int(count) * entSize

	table := make([]byte, tableSize)
	if _, err := io.ReadFull(f, table); err != nil {
		f.Close()
		return nil, bob.Of(bob.KindStorageIO, "pearl.OpenSealedIndex", fmt.Errorf("short entry table: %w", err))
	}
	var csum [4]byte
	if _, err := io.ReadFull(f, csum[:]); err != nil {
		f.Close()
		return nil, bob.Of(bob.KindStorageIO, "pearl.OpenSealedIndex", fmt.Errorf("short checksum: %w", err))
	}
	if crc32.ChecksumIEEE(table) != binary.BigEndian.Uint32(csum[:]) {
		f.Close()
		return nil, bob.Of(bob.KindStorageIO, "pearl.OpenSealedIndex", fmt.Errorf("index checksum mismatch"))
	}
	bf, err := readBloomFilter(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	m, err := mmap.MapRegion(f, 18+tableSize, mmap.RDONLY, 0, 0)
	if err != nil {
		f.Close()
		return nil, bob.Of(bob.KindStorageIO, "pearl.OpenSealedIndex", err)
	}
	return &Index{
		keyLen:    keyLen,
		blobID:    storedBlobID,
		bloom:     bf,
		sealed:    true,
		mapped:    m,
		mappedLen: int(count),
		file:      f,
	}, nil
}

func (ix *Index) getMapped(key bob.Key) (Entry, bool) {
	entSize := entrySize(ix.keyLen)
	n := ix.mappedLen
	region := []byte(ix.mapped)[18:]
	i := sort.Search(n, func(i int) bool {
		k := bob.Key(region[i*entSize : i*entSize+ix.keyLen])
		return !k.Less(key)
	})
	if i >= n {
		return Entry{}, false
	}
	k := bob.Key(region[i*entSize : i*entSize+ix.keyLen])
	if !k.Equal(key) {
		return Entry{}, false
	}
	return decodeEntry(region[i*entSize:i*entSize+entSize], ix.keyLen), true
}

func decodeEntry(buf []byte, keyLen int) Entry {
	key := append(bob.Key(nil), buf[:keyLen]...)
	off := keyLen
	offset := int64(binary.BigEndian.Uint64(buf[off:]))
	off += 8
	size := int64(binary.BigEndian.Uint64(buf[off:]))
	off += 8
	timestamp := binary.BigEndian.Uint64(buf[off:])
	off += 8
	return Entry{Key: key, Offset: offset, Size: size, Timestamp: timestamp, Deleted: buf[off] != 0}
}

// Close releases the memory mapping, if any.
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.mapped != nil {
		if err := ix.mapped.Unmap(); err != nil {
			return bob.Of(bob.KindStorageIO, "pearl.Index.Close", err)
		}
		ix.mapped = nil
	}
	if ix.file != nil {
		return ix.file.Close()
	}
	return nil
}

// RebuildFromBlob reconstructs an index entirely from a blob's record
// stream, used when the on-disk index is missing or fails its checksum
// on startup (I3: "On startup mismatch triggers index rebuild from the
// blob").
func RebuildFromBlob(b *Blob, bloomElements uint, bloomMaxBufBits uint) (*Index, error) {
	ix := NewIndex(b.ID, b.KeyLen, bloomElements, bloomMaxBufBits)
	_, err := b.Scan(func(offset int64, rec Record) error {
		return ix.Put(Entry{
			Key:       rec.Key,
			Offset:    offset,
			Size:      int64(EncodedSize(rec, b.KeyLen)),
			Timestamp: rec.Timestamp,
			Deleted:   rec.Deleted,
		})
	})
	if err != nil {
		if _, ok := err.(*ErrCorrupt); !ok {
			return nil, bob.Of(bob.KindStorageIO, "pearl.RebuildFromBlob", err)
		}
		// A corrupt tail during rebuild just means the blob itself was
		// truncated; everything up to that point is still valid (I2/I3).
	}
	return ix, nil
}
