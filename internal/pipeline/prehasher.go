//go:build cgo && randomx

package pipeline

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/meros-project/rxminer/internal/randomxvm"
)

// PreHasher is Stage-1 of the pipeline: it chain-hashes header‖nonce over a
// fixed batch of sequential nonces and forwards the results to the Signer.
// Grounded on the teacher's worker loop (coopmine/worker.go), which pulls a
// job, computes a RandomX hash, and checks it against difficulty in a tight
// loop; here that loop is split into stages connected by channels so BLS
// signing (CPU-heavy but independent of RandomX state) can run on a
// separate, differently-sized goroutine pool.
type PreHasher struct {
	id     int
	state  *RPCInfo
	out    chan<- PartialHashBatch[Hash1]
	logger *slog.Logger

	vm    *randomxvm.VM
	cache *RandomXCache
	bound bool // true while the worker holds a live reference on cache
}

// NewPreHasher constructs one Stage-1 worker. It acquires its own reference
// on the current template's cache and binds a dedicated VM to it.
func NewPreHasher(id int, state *RPCInfo, out chan<- PartialHashBatch[Hash1], logger *slog.Logger) (*PreHasher, error) {
	tmpl := state.LatestTemplate()
	tmpl.Cache.Acquire()
	vm, err := tmpl.Cache.NewVM()
	if err != nil {
		tmpl.Cache.Release()
		return nil, err
	}
	return &PreHasher{
		id:     id,
		state:  state,
		out:    out,
		logger: logger.With("component", "prehasher", "worker", id),
		vm:     vm,
		cache:  tmpl.Cache,
		bound:  true,
	}, nil
}

// Run generates batches until ctx is cancelled, reloading its bound VM
// whenever the shared latestSeq advances past the template it is currently
// hashing against.
func (p *PreHasher) Run(ctx context.Context) {
	defer p.vm.Close()
	defer func() {
		if p.bound {
			p.cache.Release()
		}
	}()

	tmpl := p.state.LatestTemplate()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if p.state.LatestSeq() != tmpl.Seq {
			if !p.reload(ctx, &tmpl) {
				return
			}
		}

		batch := p.computeBatch(tmpl)

		select {
		case p.out <- batch:
		case <-ctx.Done():
			return
		}
	}
}

// reload drops the worker's reference on its current cache the moment a
// rotation is detected, before it ever reads the new template. Quiescent
// rotation reinitializes the existing Cache object in place (Rekey) rather
// than swapping in a new one, so waiting to observe a changed Cache
// pointer — the old protocol — would never happen and the Template
// Manager's "every worker released" gate would spin forever. Releasing
// eagerly on the seq signal alone, then blocking for the new template to
// actually appear, lets that gate close.
func (p *PreHasher) reload(ctx context.Context, tmpl **BlockTemplate) bool {
	p.cache.Release()
	p.bound = false

	next := waitForTemplateChange(ctx, p.state, *tmpl)
	if next == nil {
		return false
	}

	if next.Cache != p.cache {
		next.Cache.Acquire()
		if err := p.vm.Rebind(next.Cache); err != nil {
			p.logger.Error("rebind failed, fatal", "err", err)
			next.Cache.Release()
			return false
		}
		p.cache = next.Cache
	} else {
		next.Cache.Acquire()
	}
	p.bound = true
	*tmpl = next
	return true
}

// computeBatch runs the RandomX chain-hash API over Batch sequential
// nonces starting from a fresh random point drawn each batch (so that
// concurrent Stage-1 workers, and successive batches from the same
// worker, don't retread the same nonce sequence): chain_first primes the
// pipeline, chain_next submits the next nonce and returns the previous
// one's hash (so the loop runs Batch-1 times retrieving the first Batch-1
// results, plus one chain_last to drain the final one), matching the
// chain-hash contract that results trail input by one step (see
// randomxvm.VM.ChainFirst).
func (p *PreHasher) computeBatch(tmpl *BlockTemplate) PartialHashBatch[Hash1] {
	batch := PartialHashBatch[Hash1]{Seq: tmpl.Seq, Height: tmpl.Height}

	nonces := make([]uint32, Batch)
	nonces[0] = randomNonce()
	for i := 1; i < Batch; i++ {
		nonces[i] = nonces[i-1] + 1
	}

	buf := make([]byte, len(tmpl.Header)+4)
	copy(buf, tmpl.Header)

	inputFor := func(n uint32) []byte {
		binary.LittleEndian.PutUint32(buf[len(tmpl.Header):], n)
		return buf
	}

	p.vm.ChainFirst(inputFor(nonces[0]))
	for i := 1; i < Batch; i++ {
		h := p.vm.ChainNext(inputFor(nonces[i]))
		batch.Items[i-1] = BatchItem[Hash1]{Nonce: nonces[i-1], Payload: h}
	}
	last := p.vm.ChainLast()
	batch.Items[Batch-1] = BatchItem[Hash1]{Nonce: nonces[Batch-1], Payload: last}

	return batch
}

// randomNonce draws a fresh starting nonce from a cryptographic RNG,
// matching the original's thread-local per-batch randomization.
func randomNonce() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Errorf("prehasher: read random nonce: %w", err))
	}
	return binary.LittleEndian.Uint32(b[:])
}
