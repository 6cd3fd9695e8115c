//go:build cgo && randomx

package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/meros-project/rxminer/internal/randomxvm"
)

// PostHasher is Stage-2: it chain-hashes each item's 80-byte hash‖signature
// payload alone, checks each result against the template's difficulty
// threshold, and emits a PipelineSolution for any candidate that clears it.
// Grounded on the same worker-loop shape as PreHasher (coopmine/worker.go),
// with the difficulty comparison taken from the teacher's share-acceptance
// check.
type PostHasher struct {
	id     int
	state  *RPCInfo
	in     <-chan PartialHashBatch[SignedHash]
	logger *slog.Logger

	vm    *randomxvm.VM
	cache *RandomXCache
	tmpl  *BlockTemplate
	bound bool // true while the worker holds a live reference on cache

	onCandidate func() // optional, wires into Prometheus
}

// NewPostHasher constructs one Stage-2 worker, acquiring its own reference
// on the current template's cache. onCandidate may be nil; it is called
// once per hash clearing the difficulty threshold, before publish.
func NewPostHasher(id int, state *RPCInfo, in <-chan PartialHashBatch[SignedHash], logger *slog.Logger, onCandidate func()) (*PostHasher, error) {
	tmpl := state.LatestTemplate()
	tmpl.Cache.Acquire()
	vm, err := tmpl.Cache.NewVM()
	if err != nil {
		tmpl.Cache.Release()
		return nil, err
	}
	return &PostHasher{
		id:          id,
		state:       state,
		in:          in,
		logger:      logger.With("component", "posthasher", "worker", id),
		vm:          vm,
		cache:       tmpl.Cache,
		tmpl:        tmpl,
		bound:       true,
		onCandidate: onCandidate,
	}, nil
}

// Run consumes signed batches until in is closed or ctx is cancelled. A
// ticker drives an idle-reload check so the worker releases its cache
// reference promptly even while blocked waiting on a batch that may never
// arrive during a quiescent rotation (Stage-1 stops producing while it
// reloads too, starving this channel).
func (p *PostHasher) Run(ctx context.Context) {
	defer p.vm.Close()
	defer func() {
		if p.bound {
			p.cache.Release()
		}
	}()

	ticker := time.NewTicker(newRefGate().pollInterval)
	defer ticker.Stop()

	for {
		if p.state.LatestSeq() != p.tmpl.Seq {
			if !p.reload(ctx) {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case batch, ok := <-p.in:
			if !ok {
				return
			}
			p.process(batch)
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
func (p *PostHasher) reload(ctx context.Context) bool {
	p.cache.Release()
	p.bound = false

	next := waitForTemplateChange(ctx, p.state, p.tmpl)
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
	p.tmpl = next
	return true
}

func (p *PostHasher) process(batch PartialHashBatch[SignedHash]) {
	// A batch produced under any template other than this worker's current
	// one is discarded outright: a solution is stamped with the current
	// template's Seq, which is what the Template Manager uses to look up the
	// header and id it publishes under.
	if batch.Seq != p.tmpl.Seq {
		return
	}

	tmpl := p.tmpl

	p.vm.ChainFirst(batch.Items[0].Payload[:])
	for i := 1; i < Batch; i++ {
		h := p.vm.ChainNext(batch.Items[i].Payload[:])
		p.checkAndEmit(tmpl, batch.Items[i-1], h)
	}
	last := p.vm.ChainLast()
	p.checkAndEmit(tmpl, batch.Items[Batch-1], last)

	p.state.IncHashes()
}

func (p *PostHasher) checkAndEmit(tmpl *BlockTemplate, item BatchItem[SignedHash], hash [HashSize]byte) {
	if !LessMaxHash(hash, tmpl.MaxHash) {
		return
	}
	p.state.IncCandidates()
	if p.onCandidate != nil {
		p.onCandidate()
	}
	sol := PipelineSolution{
		Seq:       tmpl.Seq,
		Nonce:     item.Nonce,
		Signature: item.Payload.Signature(),
		Hash:      hash,
	}
	select {
	case p.state.SolutionCh <- sol:
	default:
		p.logger.Warn("solution channel full, dropping candidate", "seq", sol.Seq, "nonce", sol.Nonce)
	}
}
