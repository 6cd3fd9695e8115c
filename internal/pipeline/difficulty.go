package pipeline

import "math/big"

// HashSize is the width, in bytes, of a RandomX hash and of max_hash.
const HashSize = 32

var (
	one    = big.NewInt(1)
	twoPow = new(big.Int).Lsh(big.NewInt(1), 256)
)

// DifficultyToMaxHash computes the 32-byte little-endian threshold below
// which a candidate hash is accepted, from a 64-bit difficulty. A
// difficulty of zero is treated as 1.
//
//	max_hash = ((2^256 + D - 1) / D) - 1
//
// This is the largest 256-bit integer whose probability of being drawn
// uniformly at random is <= 1/D.
func DifficultyToMaxHash(d uint64) [HashSize]byte {
	if d == 0 {
		d = 1
	}
	D := new(big.Int).SetUint64(d)

	numerator := new(big.Int).Add(twoPow, D)
	numerator.Sub(numerator, one)
	maxHash := new(big.Int).Div(numerator, D)
	maxHash.Sub(maxHash, one)

	return bigToLE32(maxHash)
}

func bigToLE32(v *big.Int) [HashSize]byte {
	var out [HashSize]byte
	be := v.Bytes() // big-endian, no leading zero padding
	for i, b := range be {
		// be[len(be)-1] is the least significant byte -> out[0]
		out[len(be)-1-i] = b
	}
	return out
}

// LessMaxHash reports whether hash is strictly less than maxHash under
// reverse-byte lexicographic order (little-endian big-integer comparison):
// the byte at index 31 is most significant, index 0 least significant.
// Equal values are not accepted.
func LessMaxHash(hash, maxHash [HashSize]byte) bool {
	for i := HashSize - 1; i >= 0; i-- {
		if hash[i] < maxHash[i] {
			return true
		}
		if hash[i] > maxHash[i] {
			return false
		}
	}
	return false // equal
}
