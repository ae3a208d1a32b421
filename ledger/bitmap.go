// bitmap.go implements the claimed-leaf bitmap. Indices live in 64-bit
// words allocated on demand, so a campaign with millions of leaves and a
// handful of claims stays small.
package ledger

import "math/bits"

// Bitmap is a sparse set of leaf indices backed by 64-bit words. It is not
// safe for concurrent use; the owning Ledger serializes access.
type Bitmap struct {
	words map[uint64]uint64
}

// NewBitmap creates an empty bitmap.
func NewBitmap() *Bitmap {
	return &Bitmap{words: make(map[uint64]uint64)}
}

// Set marks index as present.
func (b *Bitmap) Set(index uint64) {
	b.words[index>>6] |= 1 << (index & 63)
}

// Has reports whether index is present.
func (b *Bitmap) Has(index uint64) bool {
	return b.words[index>>6]&(1<<(index&63)) != 0
}

// Count returns the number of set indices.
func (b *Bitmap) Count() uint64 {
	var n uint64
	for _, w := range b.words {
		n += uint64(bits.OnesCount64(w))
	}
	return n
}
