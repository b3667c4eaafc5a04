// Package bitmap finds, sets and clears allocation bits in bitmap pages held
// in the block cache. Bit i lives in page i/BITS_PER_BLOCK, byte (i/8) of
// that page, at position i%8.
package bitmap

import (
	"encoding/binary"
	"math"
	"math/bits"

	"github.com/jnwhiteh/minixcache/common"
)

func locate(pages []*common.CacheBlock, i int) (*common.CacheBlock, int, byte) {
	p := i / common.BITS_PER_BLOCK
	if i < 0 || p >= len(pages) || pages[p] == nil {
		common.Fatalf("bit %d outside of a %d page bitmap", i, len(pages))
	}
	off := i % common.BITS_PER_BLOCK
	return pages[p], off / 8, byte(1) << uint(off%8)
}

// FindFirstZero returns the index of the lowest clear bit over all pages,
// or NO_BIT if every bit is set. The scan always starts at page 0.
func FindFirstZero(pages []*common.CacheBlock) int {
	for p, cb := range pages {
		if cb == nil {
			continue
		}
		if j := findFirstZero(cb.Data); j >= 0 {
			return p*common.BITS_PER_BLOCK + j
		}
	}
	return common.NO_BIT
}

func findFirstZero(data []byte) int {
	for off := 0; off+8 <= len(data); off += 8 {
		w := binary.LittleEndian.Uint64(data[off:])
		if w != math.MaxUint64 {
			return off*8 + bits.TrailingZeros64(^w)
		}
	}
	return -1
}

// Test reports whether bit i is set.
func Test(pages []*common.CacheBlock, i int) bool {
	cb, b, mask := locate(pages, i)
	return cb.Data[b]&mask != 0
}

// Set sets bit i, marks its page dirty and returns the previous value.
func Set(pages []*common.CacheBlock, i int) bool {
	cb, b, mask := locate(pages, i)
	old := cb.Data[b]&mask != 0
	cb.Data[b] |= mask
	cb.SetDirty()
	return old
}

// Clear clears bit i, marks its page dirty and returns the previous value.
func Clear(pages []*common.CacheBlock, i int) bool {
	cb, b, mask := locate(pages, i)
	old := cb.Data[b]&mask != 0
	cb.Data[b] &^= mask
	cb.SetDirty()
	return old
}

// CountZero returns the number of clear bits among the first nbits.
func CountZero(pages []*common.CacheBlock, nbits int) int {
	set := 0
	for p, cb := range pages {
		if cb == nil {
			continue
		}
		limit := nbits - p*common.BITS_PER_BLOCK
		if limit <= 0 {
			break
		}
		for i, c := range cb.Data {
			if i*8 >= limit {
				break
			}
			if rem := limit - i*8; rem < 8 {
				c &= byte(1)<<uint(rem) - 1
			}
			set += bits.OnesCount8(c)
		}
	}
	return nbits - set
}
