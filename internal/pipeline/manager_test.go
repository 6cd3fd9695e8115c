//go:build cgo && randomx

package pipeline

import "testing"

func TestNonceLE(t *testing.T) {
	got := nonceLE(0x01020304)
	want := []byte{0x04, 0x03, 0x02, 0x01}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("nonceLE(0x01020304) = %x, want %x", got, want)
		}
	}
}
