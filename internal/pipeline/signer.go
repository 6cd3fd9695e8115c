//go:build cgo && randomx

package pipeline

import (
	"context"

	"github.com/meros-project/rxminer/internal/blssig"
)

// Signer is the middle pipeline stage: it BLS-signs each Stage-1 hash and
// forwards hash‖signature pairs to Stage-2. Signing is pure CPU work with
// no RandomX VM dependency, so the Signer pool is sized independently of
// the Stage-1/Stage-2 pools (spec.md §5's worker-count guidance) — the
// split mirrors the teacher's pattern of letting CPU-bound stages scale on
// their own goroutine count rather than inheriting another stage's sizing.
type Signer struct {
	id  int
	key *blssig.SecretKey
	in  <-chan PartialHashBatch[Hash1]
	out chan<- PartialHashBatch[SignedHash]
}

// NewSigner constructs one Signer worker over a shared secret key. Secret
// keys are read-only after load, so one SecretKey is safely shared across
// every Signer goroutine.
func NewSigner(id int, key *blssig.SecretKey, in <-chan PartialHashBatch[Hash1], out chan<- PartialHashBatch[SignedHash]) *Signer {
	return &Signer{id: id, key: key, in: in, out: out}
}

// Run signs batches until in is closed or ctx is cancelled.
func (s *Signer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-s.in:
			if !ok {
				return
			}
			signed := s.sign(batch)
			select {
			case s.out <- signed:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Signer) sign(batch PartialHashBatch[Hash1]) PartialHashBatch[SignedHash] {
	out := PartialHashBatch[SignedHash]{Seq: batch.Seq, Height: batch.Height}
	for i, item := range batch.Items {
		sig := s.key.Sign(item.Payload[:])
		var sh SignedHash
		copy(sh[:HashSize], item.Payload[:])
		copy(sh[HashSize:], sig[:])
		out.Items[i] = BatchItem[SignedHash]{Nonce: item.Nonce, Payload: sh}
	}
	return out
}
