package psi

import "math/bits"

// HashSize is the size of a set element.
const HashSize = 32

// Hash is a salted hash of a set element.
type Hash [HashSize]byte

// The ct* helpers return all-ones masks for true and zero for false without branching on their inputs.

func ctEq(x, y uint64) uint64 {
	z := x ^ y
	return ((z | -z) >> 63) - 1
}

func ctLt(x, y uint64) uint64 {
	_, borrow := bits.Sub64(x, y, 0)
	return -borrow
}

func ctGt(x, y uint64) uint64 { return ctLt(y, x) }

// ctSelect returns a if mask is all ones and b if it is zero.
func ctSelect(mask, a, b uint64) uint64 {
	return (a & mask) | (b &^ mask)
}

// ctCompare compares a and b lexicographically. It always inspects all bytes.
func ctCompare(a, b *Hash) (lt, eq uint64) {
	var gt uint64
	for i := 0; i < HashSize; i++ {
		x, y := uint64(a[i]), uint64(b[i])
		undecided := ctEq(lt|gt, 0)
		lt |= undecided & ctLt(x, y)
		gt |= undecided & ctGt(x, y)
	}
	return lt, ctEq(lt|gt, 0)
}

// onCompare is called with the index of every element of b a search compares against. Tests only.
var onCompare func(idx uint64)

// Intersect marks the common elements of two ascending sorted sets of distinct hashes.
// v1[i] is 1 iff a[i] is in b, v2[j] is 1 iff b[j] is in a.
//
// Every element of a runs a binary search over b of the same depth, bits.Len(len(b)) probes,
// whether or not it is found. Index updates and result writes are selected by masks.
func Intersect(a, b []Hash) (v1, v2 []byte) {
	v1 = make([]byte, len(a))
	v2 = make([]byte, len(b))
	for i := range a {
		found := search(b, &a[i], v2)
		v1[i] = byte(found & 1)
	}
	return v1, v2
}

// search looks for target in b and sets v2 at its position. It returns an all-ones mask if target was found.
func search(b []Hash, target *Hash, v2 []byte) uint64 {
	n := uint64(len(b))
	depth := bits.Len64(n)
	var lo, found uint64
	hi := n

	for k := 0; k < depth; k++ {
		active := ctLt(lo, hi)
		mid := lo + (hi-lo)/2
		// mid is only out of range once the search interval is empty
		idx := ctSelect(ctLt(mid, n), mid, n-1)

		if onCompare != nil {
			onCompare(idx)
		}
		lt, eq := ctCompare(&b[idx], target)
		hit := active & eq
		found |= hit
		v2[idx] |= byte(hit & 1)

		lo = ctSelect(active&lt, mid+1, lo)
		hi = ctSelect(active&^lt, mid, hi)
	}
	return found
}
