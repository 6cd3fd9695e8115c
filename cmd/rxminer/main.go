//go:build cgo && randomx

package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/meros-project/rxminer/internal/blssig"
	"github.com/meros-project/rxminer/internal/config"
	"github.com/meros-project/rxminer/internal/metrics"
	"github.com/meros-project/rxminer/internal/pipeline"
	"github.com/meros-project/rxminer/internal/randomxvm"
	"github.com/meros-project/rxminer/internal/rpcclient"
)

// main wires the whole process together: parse config, obtain a secret
// key, connect to the node, allocate the first RandomX cache, spawn every
// pipeline worker and the Template Manager, then wait for a shutdown
// signal. Grounded on the teacher's coopmine/cmd/worker/main.go startup
// sequence (flag parse, logger setup, signal-driven graceful shutdown with
// a bounded timeout).
func main() {
	cfg, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	mtr := metrics.New("rxminer")

	rpcCfg := rpcclient.DefaultConfig(cfg.RPCAddress)
	rpcCfg.OnReconnect = mtr.RPCReconnects.Inc
	rpcCfg.OnLatency = func(method string, d time.Duration) {
		mtr.ObserveRPCLatency(method, d.Seconds())
	}
	rpc := rpcclient.New(rpcCfg)
	defer rpc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	secretKey, err := loadMinerKey(ctx, cfg, rpc)
	cancel()
	if err != nil {
		logger.Error("failed to obtain miner key", "err", err)
		os.Exit(1)
	}

	go func() {
		if err := metrics.Serve(cfg.MetricsListen, mtr); err != nil {
			logger.Error("metrics server stopped", "err", err)
		}
	}()

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	initCtx, initCancel := context.WithTimeout(runCtx, 60*time.Second)
	height, tmpl, difficulty, err := fetchInitialTemplate(initCtx, rpc, secretKey)
	initCancel()
	if err != nil {
		logger.Error("failed to fetch initial template", "err", err)
		os.Exit(1)
	}

	cache, err := pipeline.NewRandomXCache(cfg.RandomXFlags(), tmpl.Key, cfg.WithDataset, cfg.RandomXInitThreads)
	if err != nil {
		logger.Error("failed to allocate initial randomx cache", "err", err)
		os.Exit(1)
	}

	state := pipeline.NewRPCInfo(secretKey.Bytes(), cfg.SolutionQueueDepth)
	state.InstallTemplate(&pipeline.BlockTemplate{
		Seq:     1,
		Height:  height,
		Header:  tmpl.Header,
		Cache:   cache,
		MaxHash: pipeline.DifficultyToMaxHash(difficulty),
		ID:      tmpl.ID,
	})

	var wg sync.WaitGroup
	spawnPipeline(runCtx, &wg, cfg, state, secretKey, logger, mtr)

	mgr := pipeline.NewManager(pipeline.ManagerConfig{
		RandomXFlags:        cfg.RandomXFlags(),
		WithDataset:         cfg.WithDataset,
		InitThreads:         cfg.RandomXInitThreads,
		StopForRekey:        cfg.StopForRekey,
		MinerPubKeyHex:      hex.EncodeToString(secretKey.PublicKey()[:]),
		Logger:              logger,
		OnTemplateInstalled: mtr.TemplatesTotal.Inc,
		OnHeight:            func(h int64) { mtr.Height.Set(float64(h)) },
		OnKeyRotation:       mtr.RecordKeyRotation,
	}, rpc, state)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mgr.Run(runCtx); err != nil && runCtx.Err() == nil {
			logger.Error("template manager exited", "err", err)
		}
	}()

	if cfg.OutputHashRate {
		reporter := pipeline.NewRateReporter(state, logger, mtr.HashRate.Set)
		wg.Add(1)
		go func() {
			defer wg.Done()
			reporter.Run(runCtx)
		}()
	}

	logger.Info("rxminer started", "rpc", cfg.RPCAddress, "height", height)
	waitForShutdown(logger)

	runCancel()
	waitWithTimeout(&wg, 30*time.Second, logger)
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadMinerKey resolves the BLS secret key either from config (which
// itself already applied the MEROS_MINER_KEY override) or, failing that,
// by asking the node for its own managed key via personal_getMiner.
func loadMinerKey(ctx context.Context, cfg *config.Config, rpc *rpcclient.Client) (*blssig.SecretKey, error) {
	keyHex := cfg.MinerKeyHex
	if keyHex == "" {
		fetched, err := rpc.GetMiner(ctx)
		if err != nil {
			return nil, fmt.Errorf("no miner key configured and personal_getMiner failed: %w", err)
		}
		keyHex = fetched
	}
	keyBytes, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("miner key is not valid hex: %w", err)
	}
	return blssig.SecretKeyFromBytes(keyBytes)
}

func fetchInitialTemplate(ctx context.Context, rpc *rpcclient.Client, secretKey *blssig.SecretKey) (int64, *rpcclient.Template, uint64, error) {
	height, err := rpc.GetHeight(ctx)
	if err != nil {
		return 0, nil, 0, fmt.Errorf("get height: %w", err)
	}
	tmpl, err := rpc.GetBlockTemplate(ctx, hex.EncodeToString(secretKey.PublicKey()[:]))
	if err != nil {
		return 0, nil, 0, fmt.Errorf("get block template: %w", err)
	}
	difficulty := tmpl.Difficulty
	if difficulty == 0 {
		difficulty, err = rpc.GetDifficulty(ctx)
		if err != nil {
			return 0, nil, 0, fmt.Errorf("get difficulty: %w", err)
		}
	}
	return height, tmpl, difficulty, nil
}

// spawnPipeline creates the Stage-1/Signer/Stage-2 goroutine pools and
// wires them together with bounded channels, sized per the configured
// thread counts (falling back to NumCPU when left at 0).
func spawnPipeline(ctx context.Context, wg *sync.WaitGroup, cfg *config.Config, state *pipeline.RPCInfo, secretKey *blssig.SecretKey, logger *slog.Logger, mtr *metrics.Metrics) {
	preThreads := cfg.PreHashThreads()
	signThreads := cfg.BLSThreads
	postThreads := cfg.PostHashThreads()

	stage1Out := make(chan pipeline.PartialHashBatch[pipeline.Hash1], preThreads*2)
	stage2In := make(chan pipeline.PartialHashBatch[pipeline.SignedHash], signThreads*2)

	for i := 0; i < preThreads; i++ {
		pre, err := pipeline.NewPreHasher(i, state, stage1Out, logger)
		if err != nil {
			logger.Error("failed to start prehasher", "worker", i, "err", err)
			os.Exit(1)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			pre.Run(ctx)
		}()
	}

	for i := 0; i < signThreads; i++ {
		s := pipeline.NewSigner(i, secretKey, stage1Out, stage2In)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Run(ctx)
		}()
	}

	for i := 0; i < postThreads; i++ {
		post, err := pipeline.NewPostHasher(i, state, stage2In, logger, mtr.CandidatesTotal.Inc)
		if err != nil {
			logger.Error("failed to start posthasher", "worker", i, "err", err)
			os.Exit(1)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			post.Run(ctx)
		}()
	}
}

func waitForShutdown(logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig)
}

func waitWithTimeout(wg *sync.WaitGroup, timeout time.Duration, logger *slog.Logger) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(timeout):
		logger.Error("shutdown timed out, exiting anyway")
	}
}
