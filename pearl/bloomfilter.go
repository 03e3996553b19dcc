package pearl

import (
	"io"

	bloom "github.com/bits-and-blooms/bloom/v3"

	"github.com/gholt/bob"
)

// bloomFilter wraps bits-and-blooms/bloom/v3, sized from the node.yaml
// pearl.bloom_filter block (spec.md §6) at blob-creation time. It is
// always kept resident in RAM, even when the rest of a sealed blob's
// index is memory-mapped (spec.md §4.3).
type bloomFilter struct {
	f *bloom.BloomFilter
}

func newBloomFilter(elements uint, maxBufBits uint) *bloomFilter {
	f := bloom.NewWithEstimates(elements, 0.01)
	if f.Cap() > maxBufBits {
		// Respect the configured memory ceiling even if it means a
		// higher false-positive rate than the estimate would otherwise
		// give; MaxBufBitsCount is a hard operational budget.
		f = bloom.New(maxBufBits, f.K())
	}
	return &bloomFilter{f: f}
}

func (bf *bloomFilter) add(key bob.Key) {
	bf.f.Add(key)
}

// mayContain performs the Bloom reject step of the index lookup order
// (spec.md §4.3): false means the key is definitely absent from this
// blob and the caller can short-circuit without touching the map; true
// means the map must still be consulted.
func (bf *bloomFilter) mayContain(key bob.Key) bool {
	return bf.f.Test(key)
}

func (bf *bloomFilter) writeTo(w io.Writer) (int64, error) {
	n, err := bf.f.WriteTo(w)
	if err != nil {
		return n, bob.Of(bob.KindStorageIO, "pearl.bloomFilter.writeTo", err)
	}
	return n, nil
}

func readBloomFilter(r io.Reader) (*bloomFilter, error) {
	f := &bloom.BloomFilter{}
	if _, err := f.ReadFrom(r); err != nil {
		return nil, bob.Of(bob.KindStorageIO, "pearl.readBloomFilter", err)
	}
	return &bloomFilter{f: f}, nil
}
