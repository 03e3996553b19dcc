package pearl

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/gholt/bob"
)

const (
	blobMagic    uint32 = 0xB10BB10B
	blobVersion  uint16 = 1
	blobHeaderSize      = 4 + 2 + 8 + 4 + 1 // magic, version, created_at, vdisk_id, finalized
)

// Blob is an append-only segment file: a header followed by a stream of
// records (spec.md §3, §4.2). A Blob is active (appendable) until it
// exceeds MaxBlobSize or its holder is rolled by the Group's time
// scheduler, at which point Seal sets the header's finalized bit.
type Blob struct {
	ID        int64
	VDisk     bob.VDiskID
	CreatedAt int64
	Path      string
	KeyLen    int

	mu       sync.Mutex
	file     *os.File
	size     int64
	sealed   bool
}

// CreateBlob creates a new active blob file at path for the given vdisk,
// writing its header and leaving the file open for O_APPEND-style writes
// (spec.md §4.2: "Opens with O_APPEND semantics").
func CreateBlob(path string, id int64, vdisk bob.VDiskID, createdAt int64, keyLen int) (*Blob, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0644)
	if err != nil {
		return nil, bob.Of(bob.KindStorageIO, "pearl.CreateBlob", err)
	}
	b := &Blob{ID: id, VDisk: vdisk, CreatedAt: createdAt, Path: path, file: f, KeyLen: keyLen}
	if err := b.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}
	b.size = blobHeaderSize
	return b, nil
}

// OpenBlob opens an existing blob file (active or sealed) for reading and,
// if not yet sealed, further appends.
func OpenBlob(path string, keyLen int) (*Blob, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, bob.Of(bob.KindStorageIO, "pearl.OpenBlob", err)
	}
	head := make([]byte, blobHeaderSize)
	if _, err := io.ReadFull(f, head); err != nil {
		f.Close()
		return nil, bob.Of(bob.KindStorageIO, "pearl.OpenBlob", err)
	}
	if binary.BigEndian.Uint32(head[0:]) != blobMagic {
		f.Close()
		return nil, bob.Of(bob.KindStorageIO, "pearl.OpenBlob", fmt.Errorf("bad blob magic in %s", path))
	}
	createdAt := int64(binary.BigEndian.Uint64(head[6:]))
	vdisk := bob.VDiskID(binary.BigEndian.Uint32(head[14:]))
	sealed := head[18] != 0
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, bob.Of(bob.KindStorageIO, "pearl.OpenBlob", err)
	}
	return &Blob{
		VDisk:     vdisk,
		CreatedAt: createdAt,
		Path:      path,
		KeyLen:    keyLen,
		file:      f,
		size:      fi.Size(),
		sealed:    sealed,
	}, nil
}

func (b *Blob) writeHeader() error {
	head := make([]byte, blobHeaderSize)
	binary.BigEndian.PutUint32(head[0:], blobMagic)
	binary.BigEndian.PutUint16(head[4:], blobVersion)
	binary.BigEndian.PutUint64(head[6:], uint64(b.CreatedAt))
	binary.BigEndian.PutUint32(head[14:], uint32(b.VDisk))
	if b.sealed {
		head[18] = 1
	}
	if _, err := b.file.WriteAt(head, 0); err != nil {
		return bob.Of(bob.KindStorageIO, "pearl.Blob.writeHeader", err)
	}
	return nil
}

// Append writes rec to the end of the blob and returns the byte offset it
// was written at. Append fails on a sealed blob.
func (b *Blob) Append(rec Record) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return 0, bob.Of(bob.KindStorageIO, "pearl.Blob.Append", fmt.Errorf("blob %d is sealed", b.ID))
	}
	buf := Encode(nil, rec, b.KeyLen)
	offset := b.size
	if _, err := b.file.WriteAt(buf, offset); err != nil {
		return 0, bob.Of(bob.KindStorageIO, "pearl.Blob.Append", err)
	}
	b.size += int64(len(buf))
	return offset, nil
}

// ReadAt returns the size bytes at offset, the exact span Append reported
// for one record (spec.md §4.2).
func (b *Blob) ReadAt(offset int64, size int64) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := b.file.ReadAt(buf, offset); err != nil {
		return nil, bob.Of(bob.KindStorageIO, "pearl.Blob.ReadAt", err)
	}
	return buf, nil
}

// ReadRecordAt decodes the single record beginning at offset.
func (b *Blob) ReadRecordAt(offset int64) (Record, error) {
	sr := io.NewSectionReader(b.file, offset, b.size-offset)
	return DecodeNextAt(sr, b.KeyLen, offset)
}

// Size returns the current length of the blob, including its header.
func (b *Blob) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Sealed reports whether Seal has completed for this blob.
func (b *Blob) Sealed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sealed
}

// Seal marks the blob read-only: it rewrites the header with the
// finalized bit set, fsyncs, and rejects further Append calls. Seal is
// idempotent (spec.md §4.2).
func (b *Blob) Seal() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return nil
	}
	b.sealed = true
	if err := b.writeHeader(); err != nil {
		return err
	}
	if err := b.file.Sync(); err != nil {
		return bob.Of(bob.KindStorageIO, "pearl.Blob.Seal", err)
	}
	return nil
}

// Close closes the underlying file handle.
func (b *Blob) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.file.Close()
}

// Scan walks every record from the start of the blob, calling fn for
// each. It stops at the first corrupt tail or clean EOF, returning the
// offset scanning stopped at and, if the stop was due to corruption, the
// *ErrCorrupt describing why (spec.md §4.1: "stop scanning here and
// truncate"). This is the function used to rebuild an index from a blob
// when the on-disk index is missing or fails its checksum (I3).
func (b *Blob) Scan(fn func(offset int64, rec Record) error) (int64, error) {
	offset := int64(blobHeaderSize)
	for {
		sr := io.NewSectionReader(b.file, offset, b.size-offset)
		rec, err := DecodeNextAt(sr, b.KeyLen, offset)
		if err == io.EOF {
			return offset, nil
		}
		if err != nil {
			return offset, err
		}
		if cbErr := fn(offset, rec); cbErr != nil {
			return offset, cbErr
		}
		offset += int64(EncodedSize(rec, b.KeyLen))
	}
}
