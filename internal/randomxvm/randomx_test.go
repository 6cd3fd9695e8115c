//go:build cgo && randomx

package randomxvm

import (
	"encoding/hex"
	"testing"
)

// TestCalculateHashVector checks the known vector from the RandomX reference
// implementation (spec scenario S2): key = 32 zero bytes, input "hello
// world".
func TestCalculateHashVector(t *testing.T) {
	key := make([]byte, KeySize)
	cache, err := New(FlagDefault, key, false, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer cache.Release()

	vm, err := NewVM(cache)
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	defer vm.Close()

	got := vm.CalculateHash([]byte("hello world"))
	want := "f7956d0189fd2f6ca8f6a568447240b19cc381c37a203385dc3f2a8fbd567158"
	if hex.EncodeToString(got[:]) != want {
		t.Errorf("hash = %x, want %s", got, want)
	}
}

// TestChainHashEquivalence checks invariant 5: chain_first/chain_next/
// chain_last reproduce calculate_hash for the same inputs, one step behind.
func TestChainHashEquivalence(t *testing.T) {
	key := make([]byte, KeySize)
	cache, err := New(FlagDefault, key, false, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer cache.Release()

	vm, err := NewVM(cache)
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	defer vm.Close()

	inputs := [][]byte{[]byte("hello world"), []byte("foobar"), []byte("baz")}
	want := make([][HashSize]byte, len(inputs))
	for i, in := range inputs {
		want[i] = vm.CalculateHash(in)
	}

	vm.ChainFirst(inputs[0])
	got0 := vm.ChainNext(inputs[1])
	got1 := vm.ChainNext(inputs[2])
	got2 := vm.ChainLast()

	if got0 != want[0] || got1 != want[1] || got2 != want[2] {
		t.Errorf("chain hash mismatch: got %x %x %x, want %x %x %x",
			got0, got1, got2, want[0], want[1], want[2])
	}
}

func TestRekeyReusesMemory(t *testing.T) {
	cache, err := New(FlagDefault, []byte("key one"), false, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer cache.Release()

	vm, err := NewVM(cache)
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	before := vm.CalculateHash([]byte("probe"))

	if err := cache.Rekey([]byte("key two")); err != nil {
		t.Fatalf("Rekey: %v", err)
	}
	after := vm.CalculateHash([]byte("probe"))
	vm.Close()

	if before == after {
		t.Error("expected hash to change after rekey")
	}
}

func TestRefCounting(t *testing.T) {
	cache, err := New(FlagDefault, []byte("key"), false, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := cache.RefCount(); got != 1 {
		t.Fatalf("RefCount after New = %d, want 1", got)
	}
	cache.Acquire()
	if got := cache.RefCount(); got != 2 {
		t.Fatalf("RefCount after Acquire = %d, want 2", got)
	}
	cache.Release()
	if got := cache.RefCount(); got != 1 {
		t.Fatalf("RefCount after one Release = %d, want 1", got)
	}
	cache.Release()
	if got := cache.RefCount(); got != 0 {
		t.Fatalf("RefCount after final Release = %d, want 0", got)
	}
}
