//go:build cgo && randomx

package pipeline

import (
	"context"
	"time"

	"github.com/meros-project/rxminer/internal/randomxvm"
)

// RandomXCache is a reference-counted handle to an initialized RandomX
// cache (with optional full-dataset backing), identified by a 32-byte seed
// key. It is exclusively constructed by the Template Manager; workers hold
// read-only shared references for hashing and must never mutate it. The
// only mutation path is Template Manager's quiescent-rotation Rekey, which
// requires every other reference to have been released first.
type RandomXCache struct {
	vm  *randomxvm.Cache
	key [32]byte
}

// NewRandomXCache allocates and initializes a cache for key, with refcount 1.
func NewRandomXCache(flags randomxvm.Flag, key [32]byte, withDataset bool, initThreads int) (*RandomXCache, error) {
	vm, err := randomxvm.New(flags, key[:], withDataset, initThreads)
	if err != nil {
		return nil, err
	}
	return &RandomXCache{vm: vm, key: key}, nil
}

// Key returns the 32-byte seed key this cache was built with.
func (c *RandomXCache) Key() [32]byte { return c.key }

// Acquire takes a reference a worker must later Release.
func (c *RandomXCache) Acquire() { c.vm.Acquire() }

// Release gives up a worker's reference.
func (c *RandomXCache) Release() { c.vm.Release() }

// RefCount exposes the observable reference count the Template Manager
// spins on during quiescent rotation.
func (c *RandomXCache) RefCount() int64 { return c.vm.RefCount() }

// Rekey re-initializes the cache in place with a new key. The caller must
// guarantee exclusive access (RefCount has settled to 1, the manager's own
// reference).
func (c *RandomXCache) Rekey(key [32]byte) error {
	if err := c.vm.Rekey(key[:]); err != nil {
		return err
	}
	c.key = key
	return nil
}

// NewVM creates a VM bound to this cache. Callers must already hold a
// reference (via Acquire or ownership of the Cache returned by
// NewRandomXCache).
func (c *RandomXCache) NewVM() (*randomxvm.VM, error) {
	return randomxvm.NewVM(c.vm)
}

// refGate is the reference-count observation barrier substituting for
// intrusive shared-pointer refcounting (see spec.md §9 Design Notes): the
// Template Manager spins on the cache's refcount settling to 1 (the
// manager's own remaining reference) before rekeying. Templates carry no
// refcount of their own; a worker's cache reference stands for its hold on
// the template too.
type refGate struct {
	pollInterval time.Duration
}

func newRefGate() refGate {
	return refGate{pollInterval: 200 * time.Microsecond}
}

// waitSettled spins until want() reports true, yielding between polls.
func (g refGate) waitSettled(want func() bool) {
	for !want() {
		time.Sleep(g.pollInterval)
	}
}

// waitForTemplateChange blocks until state's installed template differs
// from prev by pointer identity, or ctx is done (in which case it returns
// nil). The Template Manager always installs a freshly allocated
// *BlockTemplate on every tick, even a same-key one that reuses the
// existing Cache object, so pointer identity is the only signal that
// survives both eager rotation (new Cache) and quiescent rotation (same
// Cache, rekeyed in place).
func waitForTemplateChange(ctx context.Context, state *RPCInfo, prev *BlockTemplate) *BlockTemplate {
	gate := newRefGate()
	for {
		if next := state.LatestTemplate(); next != nil && next != prev {
			return next
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(gate.pollInterval):
		}
	}
}
