package gossip

import (
	"github.com/bits-and-blooms/bloom/v3"
)

// dedupFP is the accepted false positive rate for the per-path filters. A
// false positive only suppresses a redundant relay, so this trades a little
// propagation speed for memory.
const dedupFP = 0.01

// dedup tracks announcement fingerprints already exchanged over one
// session, in either direction. Backed by a bloom filter that is cleared
// once it has absorbed its estimated capacity, which bounds memory on
// long-lived sessions.
type dedup struct {
	filter  *bloom.BloomFilter
	size    uint
	inserts uint
}

func newDedup(size uint) *dedup {
	return &dedup{
		filter: bloom.NewWithEstimates(size, dedupFP),
		size:   size,
	}
}

func (d *dedup) seen(fp [32]byte) bool {
	return d.filter.Test(fp[:])
}

func (d *dedup) add(fp [32]byte) {
	if d.inserts >= d.size {
		d.filter.ClearAll()
		d.inserts = 0
	}
	d.filter.Add(fp[:])
	d.inserts++
}
