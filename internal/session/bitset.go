package session

import "fmt"

// Bitset tracks which chunk indices, out of a fixed total, have been
// sent/acknowledged (sender side) or received (receiver side). Adapted from
// the teacher's ChunkBitmap, with the sql-backed persistence store dropped:
// no SPEC_FULL component needs bitmap state to survive a process restart
// (spec §1 Non-goals).
type Bitset struct {
	total int
	bits  []byte
	count int
}

// NewBitset allocates a Bitset for `total` chunk indices.
func NewBitset(total int) *Bitset {
	return &Bitset{total: total, bits: make([]byte, (total+7)/8)}
}

// Set marks index as present. Setting an already-set index is a no-op and
// returns false, letting callers detect duplicates.
func (b *Bitset) Set(index int) (bool, error) {
	if index < 0 || index >= b.total {
		return false, fmt.Errorf("session: chunk index %d out of range [0,%d)", index, b.total)
	}
	byteIdx, bitIdx := index/8, uint(index%8)
	if b.bits[byteIdx]&(1<<bitIdx) != 0 {
		return false, nil
	}
	b.bits[byteIdx] |= 1 << bitIdx
	b.count++
	return true, nil
}

// Has reports whether index is present.
func (b *Bitset) Has(index int) bool {
	if index < 0 || index >= b.total {
		return false
	}
	byteIdx, bitIdx := index/8, uint(index%8)
	return b.bits[byteIdx]&(1<<bitIdx) != 0
}

// Count returns the number of set indices.
func (b *Bitset) Count() int { return b.count }

// Total returns the fixed capacity of the bitset.
func (b *Bitset) Total() int { return b.total }

// Complete reports whether every index in [0, total) is set.
func (b *Bitset) Complete() bool { return b.count == b.total }

// Missing returns every unset index in ascending order.
func (b *Bitset) Missing() []int {
	var out []int
	for i := 0; i < b.total; i++ {
		if !b.Has(i) {
			out = append(out, i)
		}
	}
	return out
}

// NextExpected returns the smallest unset index, or total if none remain.
func (b *Bitset) NextExpected() int {
	for i := 0; i < b.total; i++ {
		if !b.Has(i) {
			return i
		}
	}
	return b.total
}
