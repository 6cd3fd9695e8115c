//go:build cgo && randomx

// Package pipeline implements the multi-stage mining pipeline: the
// template-distribution subsystem (Template Manager), the three-stage
// hashing/signing pipeline (Stage-1, Signer, Stage-2) it feeds through
// bounded channels, and the hot-swap protocol that rotates RandomX keys and
// block templates without stalling or emitting stale results.
package pipeline

import (
	"sync"
	"sync/atomic"
	"time"
)

// Batch is the fixed pipeline unit of work. Do not change this without
// re-measuring: the RandomX chain-hash API amortizes per-call overhead over
// exactly this many inputs.
const Batch = 64

// RetainSeqs is the number of past template sequences the Template Manager
// keeps around so late solutions can still be resolved to a header/id.
const RetainSeqs = 5

// GetTemplateInterval is how often the Template Manager polls for a new
// block template and chain height.
const GetTemplateInterval = time.Second

// RateReportInterval is how often the rate reporter logs a hash rate.
const RateReportInterval = 30 * time.Second

// BlockTemplate is the immutable mining substrate for one polling round.
// Once constructed it is never mutated; the Template Manager publishes a
// new one by atomically swapping a shared pointer.
type BlockTemplate struct {
	Seq     uint64
	Height  int64
	Header  []byte
	Cache   *RandomXCache
	MaxHash [HashSize]byte
	ID      int64
}

// PartialHashBatch is a fixed-size batch record carrying pipeline work of
// payload type T. Instances are value-copied across stages; they never
// alias shared state (T itself must likewise be a plain value type).
type PartialHashBatch[T any] struct {
	Seq    uint64
	Height int64
	Items  [Batch]BatchItem[T]
}

// BatchItem is one (nonce, payload) pair inside a PartialHashBatch.
type BatchItem[T any] struct {
	Nonce   uint32
	Payload T
}

// Hash1 is Stage-1's payload: a RandomX hash over header‖nonce.
type Hash1 = [HashSize]byte

// SignedHash is the Signer's payload: hash‖signature (80 bytes: 32-byte
// RandomX hash + 48-byte BLS G1 signature).
type SignedHash [HashSize + SigSize]byte

// SigSize is the length in bytes of a BLS12-381 G1 signature.
const SigSize = 48

// Hash returns the 32-byte RandomX hash portion of the payload.
func (s SignedHash) Hash() [HashSize]byte {
	var h [HashSize]byte
	copy(h[:], s[:HashSize])
	return h
}

// Signature returns the 48-byte BLS signature suffix of the payload.
func (s SignedHash) Signature() [SigSize]byte {
	var sig [SigSize]byte
	copy(sig[:], s[HashSize:])
	return sig
}

// PipelineSolution is emitted by Stage-2 when a candidate hash clears the
// difficulty threshold.
type PipelineSolution struct {
	Seq       uint64
	Nonce     uint32
	Signature [SigSize]byte
	Hash      [HashSize]byte
}

// RPCInfo is the process-wide shared state referenced by every worker; it
// is this implementation's name for spec.md's SharedState. Created once at
// startup and passed explicitly to every worker at spawn — never reached
// for as a global singleton.
type RPCInfo struct {
	MinerKey []byte // BLS secret key scalar bytes, immutable after init

	mu             sync.RWMutex
	latestTemplate *BlockTemplate
	latestSeq      atomic.Uint64

	SolutionCh chan PipelineSolution

	hashesCounter     atomic.Uint64
	candidatesCounter atomic.Uint64
	templatesCounter  atomic.Uint64
}

// NewRPCInfo constructs the shared state for one process lifetime.
func NewRPCInfo(minerKey []byte, solutionChCap int) *RPCInfo {
	return &RPCInfo{
		MinerKey:   minerKey,
		SolutionCh: make(chan PipelineSolution, solutionChCap),
	}
}

// LatestTemplate returns the current template under a read lock.
func (s *RPCInfo) LatestTemplate() *BlockTemplate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestTemplate
}

// InstallTemplate performs the two-step install from spec.md §4.4: swap the
// shared pointer under the write lock, then publish latestSeq with relaxed
// ordering after the swap.
func (s *RPCInfo) InstallTemplate(t *BlockTemplate) {
	s.mu.Lock()
	s.latestTemplate = t
	s.mu.Unlock()
	s.latestSeq.Store(t.Seq)
	s.templatesCounter.Add(1)
}

// IncCandidates counts one hash clearing the difficulty threshold,
// independent of whether its block is ultimately accepted.
func (s *RPCInfo) IncCandidates() { s.candidatesCounter.Add(1) }

// LatestSeq is the relaxed-ordering hint workers poll to learn whether
// their cached template is stale.
func (s *RPCInfo) LatestSeq() uint64 { return s.latestSeq.Load() }

// IncHashes increments the processed-batch counter (called once per batch,
// not once per hash, by Stage-2).
func (s *RPCInfo) IncHashes() { s.hashesCounter.Add(1) }

// SwapHashesToZero atomically reads and resets the batch counter; used by
// the rate reporter.
func (s *RPCInfo) SwapHashesToZero() uint64 { return s.hashesCounter.Swap(0) }

// Stats is a point-in-time snapshot used by the rate reporter's log line.
// /metrics does not read it; it gets the same quantities independently
// through the Manager/PostHasher callback hooks.
type Stats struct {
	Height          int64
	Seq             uint64
	CandidatesTotal uint64
	TemplatesTotal  uint64
}

// Snapshot captures the current template's height/seq alongside the
// lifetime candidate and template counters.
func (s *RPCInfo) Snapshot() Stats {
	tmpl := s.LatestTemplate()
	var height int64
	var seq uint64
	if tmpl != nil {
		height = tmpl.Height
		seq = tmpl.Seq
	}
	return Stats{
		Height:          height,
		Seq:             seq,
		CandidatesTotal: s.candidatesCounter.Load(),
		TemplatesTotal:  s.templatesCounter.Load(),
	}
}
