// Package bloom implements the chunk index's in-combat bloom filter: a
// tunable set used to answer "definitely not present" without touching
// the persistent chunk index. It is never written to disk, and nothing
// repopulates it from the chunk index: on process start, or after Reset,
// it is empty and holds only fingerprints added since. For a stored
// fingerprint it does not hold, the bloom stage of the filter chain
// (internal/filterchain) answers NotExisting, so that chunk is stored
// again rather than deduplicated.
package bloom

import (
	"math"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Filter is a concurrency-safe Bloom filter using double hashing
// (Kirsch-Mitzenmacher) over xxhash.
type Filter struct {
	mu   sync.RWMutex
	bits []uint64
	m    uint64 // number of bits
	k    uint64 // number of hash functions
	n    uint64 // number of elements added
}

// New creates a filter sized for expectedItems elements at the given
// target false-positive rate (e.g. 0.01 for 1%).
func New(expectedItems uint64, falsePositiveRate float64) *Filter {
	if expectedItems == 0 {
		expectedItems = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}
	m := optimalBits(expectedItems, falsePositiveRate)
	k := optimalHashes(m, expectedItems)
	words := (m + 63) / 64
	return &Filter{
		bits: make([]uint64, words),
		m:    words * 64,
		k:    k,
	}
}

func optimalBits(n uint64, p float64) uint64 {
	m := -1 * float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)
	return uint64(math.Ceil(m))
}

func optimalHashes(m, n uint64) uint64 {
	k := float64(m) / float64(n) * math.Ln2
	if k < 1 {
		k = 1
	}
	return uint64(math.Round(k))
}

func (f *Filter) indexes(data []byte) []uint64 {
	h1 := xxhash.Sum64(data)
	h2 := xxhash.Sum64(append(data, 0xff))
	idx := make([]uint64, f.k)
	for i := range f.k {
		idx[i] = (h1 + i*h2) % f.m
	}
	return idx
}

// Add inserts data into the filter.
func (f *Filter) Add(data []byte) {
	idx := f.indexes(data)
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, i := range idx {
		f.bits[i/64] |= 1 << (i % 64)
	}
	f.n++
}

// MightContain reports whether data may be in the set. A false return is
// conclusive: data is definitely not present. A true return is not
// conclusive and must be confirmed by an authoritative lookup.
func (f *Filter) MightContain(data []byte) bool {
	idx := f.indexes(data)
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, i := range idx {
		if f.bits[i/64]&(1<<(i%64)) == 0 {
			return false
		}
	}
	return true
}

// Reset clears the filter in place.
func (f *Filter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.bits {
		f.bits[i] = 0
	}
	f.n = 0
}

// Count returns the number of elements added (not the estimated
// cardinality; simply the insert count, useful for rebuild progress
// logging).
func (f *Filter) Count() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.n
}
