//go:build cgo && randomx

// Package randomxvm provides cgo bindings to the native RandomX proof-of-work
// engine: cache/dataset allocation, VM creation, and the one-shot and
// chain-hash calculation primitives.
//
// Thread safety:
//   - Cache re-initialization (Rekey) is NOT safe to call concurrently
//     with hashing on any VM bound to it.
//   - A VM is NOT thread-safe; create one per worker goroutine.
//   - Multiple VMs may share the same Cache/Dataset for concurrent,
//     read-only hashing.
package randomxvm

/*
#cgo CFLAGS: -I${SRCDIR}/include
#cgo LDFLAGS: -L${SRCDIR}/lib -lrandomx -lstdc++ -lm
#cgo linux LDFLAGS: -lpthread
#cgo darwin LDFLAGS: -lpthread

#include <stdlib.h>
#include <randomx.h>
*/
import "C"

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"
)

// HashSize is the size in bytes of a RandomX hash output.
const HashSize = 32

// KeySize is the expected size of a RandomX seed key.
const KeySize = 32

// Flag mirrors randomx_flags.
type Flag uint32

const (
	FlagDefault     Flag = 0
	FlagLargePages  Flag = 1 << 0
	FlagHardAES     Flag = 1 << 1
	FlagFullMem     Flag = 1 << 2
	FlagJIT         Flag = 1 << 3
	FlagSecure      Flag = 1 << 4
	FlagArgon2SSSE3 Flag = 1 << 5
	FlagArgon2AVX2  Flag = 1 << 6
	FlagArgon2      Flag = 1 << 7
)

// GetFlags returns the flags recommended for the running CPU.
func GetFlags() Flag {
	return Flag(C.randomx_get_flags())
}

var (
	ErrCacheAllocation   = errors.New("randomxvm: failed to allocate cache")
	ErrDatasetAllocation = errors.New("randomxvm: failed to allocate dataset")
	ErrVMCreation        = errors.New("randomxvm: failed to create vm")
	ErrInvalidKey        = errors.New("randomxvm: key must be non-empty")
	ErrFlagMismatch      = errors.New("randomxvm: vm flags do not match cache flags")
	ErrDatasetInit       = errors.New("randomxvm: init-threads panicked during dataset initialization")
)

// Cache wraps a native randomx_cache and, optionally, a full randomx_dataset.
// It is reference-counted: the Template Manager holds the authoritative
// reference and Stage-1/Stage-2 workers each hold a borrowed reference while
// a VM is bound to it. Release must be called exactly once per Acquire (and
// once for the Cache returned by New, which starts at refcount 1).
type Cache struct {
	flags   Flag
	cache   *C.randomx_cache
	dataset *C.randomx_dataset
	key     []byte
	mu      sync.RWMutex
	refs    atomic.Int64
}

// New allocates and initializes a cache (and, if withDataset is true, a full
// dataset) for the given key using initThreads goroutines to parallelize
// dataset generation. Returned with refcount 1.
func New(flags Flag, key []byte, withDataset bool, initThreads int) (*Cache, error) {
	if len(key) == 0 {
		return nil, ErrInvalidKey
	}
	combined := flags | GetFlags()
	c := &Cache{flags: combined}
	c.refs.Store(1)

	c.cache = C.randomx_alloc_cache(C.randomx_flags(combined))
	if c.cache == nil {
		return nil, ErrCacheAllocation
	}
	c.initCacheLocked(key)

	if withDataset {
		if err := c.initDataset(initThreads); err != nil {
			c.releaseNative()
			return nil, err
		}
	}
	return c, nil
}

func (c *Cache) initCacheLocked(key []byte) {
	keyPtr := unsafe.Pointer(&key[0])
	C.randomx_init_cache(c.cache, keyPtr, C.size_t(len(key)))
	c.key = append([]byte(nil), key...)
}

// Rekey re-initializes the cache in place with a new key, reusing the
// existing cache (and dataset, if present) memory. Callers MUST guarantee
// exclusive access — this is only safe once every VM bound to the cache has
// released its reference (see the quiescent-rotation protocol in the
// Template Manager).
func (c *Cache) Rekey(key []byte) error {
	if len(key) == 0 {
		return ErrInvalidKey
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initCacheLocked(key)
	if c.dataset != nil {
		if err := c.reinitDatasetLocked(runtimeThreads()); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) initDataset(initThreads int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dataset = C.randomx_alloc_dataset(C.randomx_flags(c.flags))
	if c.dataset == nil {
		return ErrDatasetAllocation
	}
	return c.reinitDatasetLocked(initThreads)
}

func (c *Cache) reinitDatasetLocked(initThreads int) error {
	if initThreads <= 0 {
		initThreads = runtimeThreads()
	}
	itemCount := uint64(C.randomx_dataset_item_count())
	perThread := itemCount / uint64(initThreads)

	var wg sync.WaitGroup
	panics := make(chan any, initThreads)
	for i := 0; i < initThreads; i++ {
		start := uint64(i) * perThread
		count := perThread
		if i == initThreads-1 {
			count = itemCount - start
		}
		wg.Add(1)
		go func(start, count uint64) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					panics <- r
				}
			}()
			C.randomx_init_dataset(c.dataset, c.cache, C.ulong(start), C.ulong(count))
		}(start, count)
	}
	wg.Wait()
	close(panics)
	if p, ok := <-panics; ok {
		return fmt.Errorf("%w: %v", ErrDatasetInit, p)
	}
	return nil
}

// Acquire increments the reference count. Pair with a call to Release.
func (c *Cache) Acquire() { c.refs.Add(1) }

// Release decrements the reference count, freeing native resources when it
// reaches zero.
func (c *Cache) Release() {
	if c.refs.Add(-1) == 0 {
		c.releaseNative()
	}
}

// RefCount reports the current reference count; used by the Template
// Manager's quiescent-rotation barrier to observe "all workers released".
func (c *Cache) RefCount() int64 { return c.refs.Load() }

func (c *Cache) releaseNative() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dataset != nil {
		C.randomx_release_dataset(c.dataset)
		c.dataset = nil
	}
	if c.cache != nil {
		C.randomx_release_cache(c.cache)
		c.cache = nil
	}
}

// HasDataset reports whether the full dataset is initialized.
func (c *Cache) HasDataset() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dataset != nil
}

// Flags returns the (recommended | requested) flags the cache was built with.
func (c *Cache) Flags() Flag { return c.flags }

// Key returns a copy of the current seed key.
func (c *Cache) Key() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]byte(nil), c.key...)
}

// VM is a RandomX virtual machine bound to one Cache. It is not safe for
// concurrent use; one VM belongs to exactly one worker goroutine.
type VM struct {
	vm    *C.randomx_vm
	cache *Cache
}

// NewVM creates a VM bound to cache. The caller must already hold a
// reference on cache (via Acquire or from New); NewVM does not acquire one
// on the caller's behalf.
func NewVM(cache *Cache) (*VM, error) {
	cache.mu.RLock()
	defer cache.mu.RUnlock()

	var ds *C.randomx_dataset
	if cache.dataset != nil {
		ds = cache.dataset
	}
	vm := C.randomx_create_vm(C.randomx_flags(cache.flags), cache.cache, ds)
	if vm == nil {
		return nil, ErrVMCreation
	}
	return &VM{vm: vm, cache: cache}, nil
}

// Rebind switches the VM to a different cache without destroying it,
// matching the native vm_set_cache/vm_set_dataset contract. The cache's
// flags must match the VM's original flags.
func (v *VM) Rebind(cache *Cache) error {
	cache.mu.RLock()
	defer cache.mu.RUnlock()
	if cache.flags != v.cache.flags {
		return ErrFlagMismatch
	}
	C.randomx_vm_set_cache(v.vm, cache.cache)
	if cache.dataset != nil {
		C.randomx_vm_set_dataset(v.vm, cache.dataset)
	}
	v.cache = cache
	return nil
}

// Close destroys the native VM. It does not release the bound cache
// reference; callers own that lifecycle separately.
func (v *VM) Close() {
	if v.vm != nil {
		C.randomx_destroy_vm(v.vm)
		v.vm = nil
	}
}

// CalculateHash computes a one-shot RandomX hash of input.
func (v *VM) CalculateHash(input []byte) [HashSize]byte {
	var out [HashSize]byte
	if len(input) == 0 {
		var zero byte
		C.randomx_calculate_hash(v.vm, unsafe.Pointer(&zero), 0, unsafe.Pointer(&out[0]))
		return out
	}
	C.randomx_calculate_hash(v.vm, unsafe.Pointer(&input[0]), C.size_t(len(input)), unsafe.Pointer(&out[0]))
	return out
}

// ChainFirst begins a chained hash calculation with the first input. No
// hash is returned yet — chain-hash results trail their input by one step.
func (v *VM) ChainFirst(input []byte) {
	if len(input) == 0 {
		var zero byte
		C.randomx_calculate_hash_first(v.vm, unsafe.Pointer(&zero), 0)
		return
	}
	C.randomx_calculate_hash_first(v.vm, unsafe.Pointer(&input[0]), C.size_t(len(input)))
}

// ChainNext submits the next input and returns the hash of the PREVIOUS
// input (the one passed to ChainFirst or the prior ChainNext call).
func (v *VM) ChainNext(input []byte) [HashSize]byte {
	var out [HashSize]byte
	if len(input) == 0 {
		var zero byte
		C.randomx_calculate_hash_next(v.vm, unsafe.Pointer(&zero), 0, unsafe.Pointer(&out[0]))
		return out
	}
	C.randomx_calculate_hash_next(v.vm, unsafe.Pointer(&input[0]), C.size_t(len(input)), unsafe.Pointer(&out[0]))
	return out
}

// ChainLast finishes the chain and returns the hash of the final input
// submitted to ChainNext (or ChainFirst, if ChainNext was never called).
func (v *VM) ChainLast() [HashSize]byte {
	var out [HashSize]byte
	C.randomx_calculate_hash_last(v.vm, unsafe.Pointer(&out[0]))
	return out
}

func runtimeThreads() int {
	return runtime.NumCPU()
}
