package pipeline

import (
	"encoding/hex"
	"math/big"
	"testing"
)

// allBytes builds the 32-byte hex vector obtained by repeating b 32 times,
// used to express the "ff...ff" / "55...55" style vectors from scenario S1
// without transcribing 64-character literals by hand.
func allBytes(b byte) string {
	buf := make([]byte, HashSize)
	for i := range buf {
		buf[i] = b
	}
	return hex.EncodeToString(buf)
}

// topByte builds a 32-byte little-endian hex vector that is all 0xff except
// for the most significant byte (index 31), which is set to top.
func topByte(top byte) string {
	buf := make([]byte, HashSize)
	for i := range buf {
		buf[i] = 0xff
	}
	buf[HashSize-1] = top
	return hex.EncodeToString(buf)
}

// TestDifficultyVectors checks scenario S1's literal vectors:
// D=0 and D=1 both yield all-ff, D=2 is all-ff with top byte 0x7f, D=3 is
// all-0x55, D=4 is all-ff with top byte 0x3f.
func TestDifficultyVectors(t *testing.T) {
	cases := []struct {
		d    uint64
		want string
	}{
		{0, allBytes(0xff)},
		{1, allBytes(0xff)},
		{2, topByte(0x7f)},
		{3, allBytes(0x55)},
		{4, topByte(0x3f)},
	}
	for _, c := range cases {
		got := DifficultyToMaxHash(c.d)
		gotHex := hex.EncodeToString(got[:])
		if gotHex != c.want {
			t.Errorf("DifficultyToMaxHash(%d) = %s, want %s", c.d, gotHex, c.want)
		}
	}
}

// TestDifficultyBounds checks the difficulty bound: for D >= 1,
// 2^256 - D <= max_hash*D <= 2^256, i.e. the max_hash accepted values
// (0..max_hash-1) cover at most 1/D of the hash space, and max_hash is
// within one step of that limit.
func TestDifficultyBounds(t *testing.T) {
	for d := uint64(1); d <= 5000; d += 137 {
		maxHash := DifficultyToMaxHash(d)
		v := leToBig(maxHash)
		v.Mul(v, new(big.Int).SetUint64(d))

		lower := new(big.Int).Sub(twoPow, new(big.Int).SetUint64(d))
		if v.Cmp(lower) < 0 {
			t.Errorf("d=%d: max_hash*D = %s below lower bound %s", d, v, lower)
		}
		if v.Cmp(twoPow) > 0 {
			t.Errorf("d=%d: max_hash*D = %s above 2^256", d, v)
		}
	}
}

func TestLessMaxHash(t *testing.T) {
	maxHash := DifficultyToMaxHash(2) // top byte 0x7f, rest 0xff
	below := maxHash
	below[31] = 0x70
	if !LessMaxHash(below, maxHash) {
		t.Error("expected below < maxHash")
	}
	if LessMaxHash(maxHash, maxHash) {
		t.Error("equal values must not compare less")
	}
	above := maxHash
	above[31] = 0x80
	if LessMaxHash(above, maxHash) {
		t.Error("expected above >= maxHash")
	}
}

func leToBig(b [HashSize]byte) *big.Int {
	be := make([]byte, HashSize)
	for i, x := range b {
		be[HashSize-1-i] = x
	}
	return new(big.Int).SetBytes(be)
}
