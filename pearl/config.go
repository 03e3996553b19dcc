// Package pearl implements the local blob-and-index storage engine:
// append-only segmented blob files with a per-blob on-disk index and
// Bloom filter, grouped into time-bucketed holders (spec.md §4.1-§4.5).
package pearl

import (
	"os"
	"strconv"

	"github.com/gholt/bob"
)

// DefaultKeyLen is the key length L ResolveConfig uses when Config.KeyLen
// is unset (spec.md §3: 1..=32, typically 8).
const DefaultKeyLen = 8

// Config resolves the node.yaml "pearl" block (spec.md §6) plus any
// programmatic overrides, following the teacher's resolveConfig/opts
// pattern (valuelocmap.resolveConfig).
type Config struct {
	KeyLen int

	// MaxBlobSize is the size in bytes at which an active blob is sealed.
	MaxBlobSize int64
	// MaxDataInBlob caps the number of records an active blob may hold,
	// zero meaning unbounded by count.
	MaxDataInBlob int64
	// BlobFileNamePrefix names blob/index files: "<prefix>_<blob_id>.blob"
	// and "<prefix>_<blob_id>.index".
	BlobFileNamePrefix string

	// BloomFilterMaxBufBitsCount and BloomFilterElements size the Bloom
	// filter created with each blob's index when the blob is created.
	BloomFilterMaxBufBitsCount uint
	BloomFilterElements        uint

	// FailRetryTimeoutMS is how long a failed local write is retried
	// before bubbling a StorageIO error to the disk controller.
	FailRetryTimeoutMS int

	// AllowDuplicates, when false, rejects a write whose timestamp equals
	// the timestamp already on disk for the same key (DuplicateKey).
	AllowDuplicates bool

	// TimestampPeriod is the time bucket (seconds) a Group rolls over on;
	// e.g. 86400 for one blob per day.
	TimestampPeriod int64

	// RootDirName and AlienRootDirName carry the node.yaml directory
	// names for normal and alien data. The backend's directory layout
	// does not read them: it always uses <root>/<vdisk> and
	// <root>/alien/<node>/<vdisk>.
	RootDirName      string
	AlienRootDirName string

	Log LogFunc
}

// LogFunc matches the teacher's logging shape (package.go LogFunc).
// Components take a single LogFunc; there is no level parameter and no
// per-severity field.
type LogFunc func(format string, v ...interface{})

func noopLog(string, ...interface{}) {}

// ResolveConfig fills zero-valued fields of c (or a fresh Config if c is
// nil) with defaults, optionally influenced by environment variables the
// way valuelocmap.resolveConfig reads BRIMSTORE_* env vars.
func ResolveConfig(c *Config) *Config {
	var cfg Config
	if c != nil {
		cfg = *c
	}
	if cfg.KeyLen <= 0 {
		cfg.KeyLen = DefaultKeyLen
	}
	if cfg.MaxBlobSize <= 0 {
		if env := os.Getenv("BOB_PEARL_MAX_BLOB_SIZE"); env != "" {
			if v, err := strconv.ParseInt(env, 10, 64); err == nil {
				cfg.MaxBlobSize = v
			}
		}
	}
	if cfg.MaxBlobSize <= 0 {
		cfg.MaxBlobSize = 1 << 30 // 1 GiB
	}
	if cfg.BlobFileNamePrefix == "" {
		cfg.BlobFileNamePrefix = "bob"
	}
	if cfg.BloomFilterMaxBufBitsCount <= 0 {
		cfg.BloomFilterMaxBufBitsCount = 1 << 24
	}
	if cfg.BloomFilterElements <= 0 {
		cfg.BloomFilterElements = 100000
	}
	if cfg.FailRetryTimeoutMS <= 0 {
		cfg.FailRetryTimeoutMS = 100
	}
	if cfg.TimestampPeriod <= 0 {
		cfg.TimestampPeriod = 86400
	}
	if cfg.RootDirName == "" {
		cfg.RootDirName = "bob"
	}
	if cfg.AlienRootDirName == "" {
		cfg.AlienRootDirName = "alien"
	}
	if cfg.Log == nil {
		cfg.Log = noopLog
	}
	return &cfg
}

// ValidateKeyLen checks l is in the range spec.md §3 allows.
func ValidateKeyLen(l int) error {
	if l < bob.MinKeyLen || l > bob.MaxKeyLen {
		return bob.Of(bob.KindInternal, "pearl.ValidateKeyLen", nil)
	}
	return nil
}
