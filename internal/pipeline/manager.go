//go:build cgo && randomx

package pipeline

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/meros-project/rxminer/internal/randomxvm"
	"github.com/meros-project/rxminer/internal/rpcclient"
)

// ManagerConfig configures the Template Manager.
type ManagerConfig struct {
	RandomXFlags   randomxvm.Flag
	WithDataset    bool
	InitThreads    int
	StopForRekey   bool // eager (false) vs quiescent (true) key rotation
	MinerPubKeyHex string
	Logger         *slog.Logger

	// OnTemplateInstalled, OnHeight and OnKeyRotation are optional
	// observability hooks, following the same pattern as rpcclient.Config's
	// OnReconnect/OnLatency: this package stays free of a direct metrics
	// library import, and the caller decides what (if anything) to record.
	OnTemplateInstalled func()
	OnHeight            func(height int64)
	OnKeyRotation       func(protocol string) // "eager" or "quiescent"
}

// Manager owns the current BlockTemplate, rotates RandomX keys and block
// templates, consumes solutions from the pipeline, and publishes accepted
// ones — spec.md §4.2, grounded on the teacher's Coordinator
// (coopmine/coordinator.go), which plays the analogous "owns the current
// job, accepts results, talks upstream" role for a cluster of workers.
type Manager struct {
	cfg    ManagerConfig
	rpc    *rpcclient.Client
	state  *RPCInfo
	logger *slog.Logger

	lastHeight int64
	lastSeq    uint64
	lastKey    [32]byte
	haveKey    bool

	// retained[seq] keeps just enough of a past template (header, id) to
	// resolve a late solution; recentSeqs tracks insertion order so the
	// oldest entry can be trimmed once RetainSeqs is exceeded.
	retained   map[uint64]*BlockTemplate
	recentSeqs []uint64

	gate refGate
}

// NewManager constructs a Template Manager over shared state.
func NewManager(cfg ManagerConfig, rpc *rpcclient.Client, state *RPCInfo) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m := &Manager{
		cfg:      cfg,
		rpc:      rpc,
		state:    state,
		logger:   cfg.Logger.With("component", "template-manager"),
		retained: make(map[uint64]*BlockTemplate),
		gate:     newRefGate(),
	}

	// A bootstrap template may already be installed (cmd/rxminer allocates
	// the first cache before the manager starts, so pipeline workers have
	// something to hash against immediately). Seed from it so the first
	// tick doesn't mistake the existing key for a rotation.
	if boot := state.LatestTemplate(); boot != nil && boot.Cache != nil {
		m.lastKey = boot.Cache.Key()
		m.haveKey = true
		m.lastSeq = boot.Seq
		m.lastHeight = boot.Height
		m.retain(boot)
	}
	return m
}

// Run drives the main loop described in spec.md §4.2, one iteration per
// GetTemplateInterval tick or per received solution, whichever comes
// first. It returns when ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(GetTemplateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sol, ok := <-m.state.SolutionCh:
			if !ok {
				return nil
			}
			m.handleSolution(ctx, sol)
			m.drainSolutions()
			m.tick(ctx)
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Manager) handleSolution(ctx context.Context, sol PipelineSolution) {
	tmpl, ok := m.retained[sol.Seq]
	if !ok {
		m.logger.Warn("expired seq", "seq", sol.Seq)
		return
	}

	contents := make([]byte, 0, len(tmpl.Header)+4+len(sol.Signature))
	contents = append(contents, tmpl.Header...)
	contents = append(contents, nonceLE(sol.Nonce)...)
	contents = append(contents, sol.Signature[:]...)

	accepted, err := m.rpc.PublishBlock(ctx, tmpl.ID, hex.EncodeToString(contents))
	if err != nil {
		m.logger.Error("publish failed", "seq", sol.Seq, "err", err)
		return
	}
	m.logger.Info("published solution", "seq", sol.Seq, "height", tmpl.Height, "accepted", accepted)
}

// drainSolutions non-blockingly discards any queued candidates: once a
// solution has been handled the template it came from is exhausted, so
// older queued candidates are now stale.
func (m *Manager) drainSolutions() {
	for {
		select {
		case _, ok := <-m.state.SolutionCh:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (m *Manager) tick(ctx context.Context) {
	height, err := m.rpc.GetHeight(ctx)
	if err != nil {
		m.logger.Error("get height failed", "err", err)
		return
	}
	if height > m.lastHeight {
		m.logger.Info("chain height advanced, resetting retention", "from", m.lastHeight, "to", height)
		m.releaseRetained()
	}
	m.lastHeight = height
	if m.cfg.OnHeight != nil {
		m.cfg.OnHeight(height)
	}

	tmpl, err := m.rpc.GetBlockTemplate(ctx, m.cfg.MinerPubKeyHex)
	if err != nil {
		m.logger.Error("get block template failed", "err", err)
		return
	}

	difficulty := tmpl.Difficulty
	if difficulty == 0 {
		difficulty, err = m.rpc.GetDifficulty(ctx)
		if err != nil {
			m.logger.Error("get difficulty failed", "err", err)
			return
		}
	}

	m.lastSeq++
	newTemplate := &BlockTemplate{
		Seq:     m.lastSeq,
		Height:  height,
		Header:  tmpl.Header,
		MaxHash: DifficultyToMaxHash(difficulty),
		ID:      tmpl.ID,
	}

	if !m.haveKey || tmpl.Key != m.lastKey {
		m.rotateKey(newTemplate, tmpl.Key)
	} else {
		// Same key: the new template carries forward the manager's single
		// existing authoritative reference on the cache. No Acquire here —
		// RandomXCache.Acquire/Release track worker VM bindings only (see
		// randomxvm.Cache's doc comment); the manager's own possession of a
		// cache it allocated is the refcount's baseline 1, not a separate
		// borrowed reference it must pair with a Release.
		newTemplate.Cache = m.state.LatestTemplate().Cache
		m.installTemplate(newTemplate)
	}

	m.retain(newTemplate)
}

// rotateKey performs §4.3's key rotation, eager or quiescent depending on
// configuration.
func (m *Manager) rotateKey(newTemplate *BlockTemplate, newKey [32]byte) {
	if !m.cfg.StopForRekey {
		m.eagerRotate(newTemplate, newKey)
	} else {
		m.quiescentRotate(newTemplate, newKey)
	}
	m.lastKey = newKey
	m.haveKey = true
}

// eagerRotate allocates a new cache concurrently while workers keep mining
// on the old one; the old cache is reclaimed once the last worker drops
// its reference.
func (m *Manager) eagerRotate(newTemplate *BlockTemplate, newKey [32]byte) {
	cache, err := NewRandomXCache(m.cfg.RandomXFlags, newKey, m.cfg.WithDataset, m.cfg.InitThreads)
	if err != nil {
		m.logger.Error("randomx cache allocation failed, fatal", "err", err)
		panic(fmt.Errorf("randomx cache allocation: %w", err))
	}
	newTemplate.Cache = cache

	// Drop the manager's authoritative reference on the outgoing cache.
	// Workers still bound to it hold their own references (acquired when
	// they loaded the template); the native resources are freed only once
	// the last of those drops too.
	if old := m.state.LatestTemplate(); old != nil && old.Cache != nil {
		old.Cache.Release()
	}

	m.installTemplate(newTemplate)
	if m.cfg.OnKeyRotation != nil {
		m.cfg.OnKeyRotation("eager")
	}
	m.logger.Info("eager key rotation installed", "seq", newTemplate.Seq)
}

// quiescentRotate avoids double-allocating the (very large) dataset by
// reinitializing the existing cache in place once every worker has
// released it.
func (m *Manager) quiescentRotate(newTemplate *BlockTemplate, newKey [32]byte) {
	old := m.state.LatestTemplate()
	oldCache := old.Cache

	// Advance latestSeq past the template workers currently hold so they
	// voluntarily park at their next reload check instead of starting a
	// new batch against a template about to be retired. The manager's own
	// authoritative reference on oldCache (the baseline 1 every RandomXCache
	// starts with, per randomxvm.Cache) is implicitly "dropped" here too: it
	// carries forward unchanged into newTemplate.Cache below rather than
	// being released, so RefCount() reaching 1 means precisely "every
	// worker that had bound a VM to this cache has released it".
	m.state.latestSeq.Store(newTemplate.Seq)

	m.logger.Info("quiescent key rotation: waiting for workers to release template", "seq", newTemplate.Seq)
	m.gate.waitSettled(func() bool { return oldCache.RefCount() <= 1 })

	if err := oldCache.Rekey(newKey); err != nil {
		m.logger.Error("randomx cache rekey failed, fatal", "err", err)
		panic(fmt.Errorf("randomx cache rekey: %w", err))
	}

	newTemplate.Cache = oldCache
	m.installTemplate(newTemplate)
	if m.cfg.OnKeyRotation != nil {
		m.cfg.OnKeyRotation("quiescent")
	}
	m.logger.Info("quiescent key rotation installed", "seq", newTemplate.Seq)
}

func (m *Manager) installTemplate(t *BlockTemplate) {
	m.state.InstallTemplate(t)
	if m.cfg.OnTemplateInstalled != nil {
		m.cfg.OnTemplateInstalled()
	}
}

// releaseRetained clears the retention window on a height change. Retained
// templates exist solely to resolve a late solution's seq back to a header
// and id (spec.md §3); they do not hold their own cache reference, so
// there is nothing to release here beyond the bookkeeping maps themselves
// — the cache's authoritative reference lives on whichever BlockTemplate is
// currently installed (see tick/rotateKey).
func (m *Manager) releaseRetained() {
	m.retained = make(map[uint64]*BlockTemplate)
	m.recentSeqs = nil
}

func (m *Manager) retain(t *BlockTemplate) {
	m.retained[t.Seq] = t
	m.recentSeqs = append(m.recentSeqs, t.Seq)
	for len(m.recentSeqs) > RetainSeqs {
		oldest := m.recentSeqs[0]
		m.recentSeqs = m.recentSeqs[1:]
		delete(m.retained, oldest)
	}
}

func nonceLE(n uint32) []byte {
	return []byte{byte(n), byte(n >> 8), byte(n >> 16), byte(n >> 24)}
}
