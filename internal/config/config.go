//go:build cgo && randomx

// Package config loads miner configuration from CLI flags, an optional
// YAML file, and the environment, in that order of increasing precedence
// for the secret key — flags set defaults, a YAML file overrides them, and
// MEROS_MINER_KEY always wins since it's the one value operators are
// told never to put in a config file on disk. Grounded on the teacher's
// coopmine/config/config.go (CoordinatorConfig/WorkerNodeConfig load
// pattern) and coopmine/cmd/worker/main.go (flag set and defaults).
package config

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meros-project/rxminer/internal/randomxvm"
)

// Config is the full set of knobs for one miner process.
type Config struct {
	RPCAddress string `yaml:"rpc_address"`

	MinerKeyHex string `yaml:"miner_key"` // overridden by MEROS_MINER_KEY if set

	// RandomXThreads is split evenly between Stage-1 (pre-hasher) and
	// Stage-2 (post-hasher) worker pools — spec.md §4.9 requires it be
	// even so the split is exact; 0 means auto-detect at ParseFlags time.
	RandomXThreads     int  `yaml:"randomx_threads"`
	BLSThreads         int  `yaml:"bls_threads"` // Signer worker count; 0 = auto-detect
	RandomXInitThreads int  `yaml:"randomx_init_threads"`
	LargePages         bool `yaml:"randomx_large_pages"`
	StopForRekey       bool `yaml:"randomx_stop_for_rekey"`
	WithDataset        bool `yaml:"randomx_full_mem"`

	OutputHashRate bool   `yaml:"output_hash_rate"`
	MetricsListen  string `yaml:"metrics_listen"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	SolutionQueueDepth int `yaml:"solution_queue_depth"`
}

// MinerKeyEnvVar is the environment variable that, when set, always wins
// over both the flag default and any value loaded from a config file.
const MinerKeyEnvVar = "MEROS_MINER_KEY"

// Default returns the baseline configuration, mirroring the teacher's
// DefaultWorkerConfig: auto-detected thread counts, large pages and a full
// dataset on, eager (non-stopping) key rotation.
func Default() *Config {
	return &Config{
		RPCAddress:         "127.0.0.1:9090",
		RandomXThreads:     0, // 0 = auto-detect at ParseFlags time
		BLSThreads:         0,
		RandomXInitThreads: 0,
		LargePages:         true,
		StopForRekey:       false,
		WithDataset:        true,
		OutputHashRate:     true,
		MetricsListen:      ":9100",
		LogLevel:           "info",
		LogFormat:          "text",
		SolutionQueueDepth: 16,
	}
}

// ParseFlags builds a Config from CLI flags (args, typically os.Args[1:]),
// optionally overlaying a YAML file named by --config, applies the
// MEROS_MINER_KEY environment override, auto-detects any thread count left
// at zero, and validates the result (spec.md §4.9's startup sequencer:
// invalid thread counts are a configuration error, reported to the caller
// rather than this package calling os.Exit itself).
func ParseFlags(args []string) (*Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet("rxminer", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML config file")
	fs.StringVar(&cfg.RPCAddress, "rpc", cfg.RPCAddress, "Meros node JSON-RPC address")
	fs.StringVar(&cfg.MinerKeyHex, "miner-key", cfg.MinerKeyHex, "hex-encoded BLS secret key (prefer MEROS_MINER_KEY)")
	fs.IntVar(&cfg.RandomXThreads, "randomx-threads", cfg.RandomXThreads, "RandomX worker threads, split evenly between Stage-1 and Stage-2 (even, 0 = auto-detect)")
	fs.IntVar(&cfg.BLSThreads, "bls-threads", cfg.BLSThreads, "BLS signer worker threads (0 = auto-detect)")
	fs.IntVar(&cfg.RandomXInitThreads, "randomx-init-threads", cfg.RandomXInitThreads, "threads used for one-time dataset initialization (0 = auto-detect)")
	fs.BoolVar(&cfg.LargePages, "randomx-large-pages", cfg.LargePages, "request large pages for RandomX memory")
	fs.BoolVar(&cfg.StopForRekey, "randomx-stop-for-rekey", cfg.StopForRekey, "use quiescent (stop-the-world) key rotation instead of eager")
	fs.BoolVar(&cfg.WithDataset, "randomx-full-mem", cfg.WithDataset, "allocate the full RandomX dataset (fast mode) instead of cache-only (light mode)")
	fs.BoolVar(&cfg.OutputHashRate, "output-hash-rate", cfg.OutputHashRate, "periodically log the realized hash rate")
	fs.StringVar(&cfg.MetricsListen, "metrics-listen", cfg.MetricsListen, "address to serve /metrics on")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: text or json")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", *configPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", *configPath, err)
		}
	}

	if key := os.Getenv(MinerKeyEnvVar); key != "" {
		cfg.MinerKeyHex = key
	}

	cfg.applyThreadDefaults()

	return cfg, cfg.Validate()
}

// applyThreadDefaults fills any thread count left at zero with an
// auto-detected value, deriving an even RandomXThreads (required so it
// splits exactly between Stage-1 and Stage-2) from the host's CPU count.
func (c *Config) applyThreadDefaults() {
	if c.RandomXThreads <= 0 {
		n := runtime.NumCPU()
		if n < 2 {
			n = 2
		}
		if n%2 != 0 {
			n--
		}
		c.RandomXThreads = n
	}
	if c.BLSThreads <= 0 {
		if c.BLSThreads = runtime.NumCPU(); c.BLSThreads < 1 {
			c.BLSThreads = 1
		}
	}
	if c.RandomXInitThreads <= 0 {
		if c.RandomXInitThreads = runtime.NumCPU(); c.RandomXInitThreads < 1 {
			c.RandomXInitThreads = 1
		}
	}
}

// PreHashThreads is the Stage-1 (pre-hasher) worker count: half of
// RandomXThreads.
func (c *Config) PreHashThreads() int { return c.RandomXThreads / 2 }

// PostHashThreads is the Stage-2 (post-hasher) worker count: the other
// half of RandomXThreads.
func (c *Config) PostHashThreads() int { return c.RandomXThreads / 2 }

// Validate checks the CLI constraints spec.md §4.9 requires at startup:
// positive thread counts for every thread type, and an even RandomXThreads
// so it splits evenly between Stage-1 and Stage-2.
func (c *Config) Validate() error {
	if c.RPCAddress == "" {
		return fmt.Errorf("config: rpc address is required")
	}
	if c.RandomXThreads <= 0 {
		return fmt.Errorf("config: randomx-threads must be > 0")
	}
	if c.RandomXThreads%2 != 0 {
		return fmt.Errorf("config: randomx-threads must be even, got %d", c.RandomXThreads)
	}
	if c.BLSThreads <= 0 {
		return fmt.Errorf("config: bls-threads must be > 0")
	}
	if c.RandomXInitThreads <= 0 {
		return fmt.Errorf("config: randomx-init-threads must be > 0")
	}
	if c.SolutionQueueDepth <= 0 {
		return fmt.Errorf("config: solution_queue_depth must be > 0")
	}
	return nil
}

// RandomXFlags derives the randomxvm.Flag bitset this config requests,
// layered over whatever the running CPU recommends.
func (c *Config) RandomXFlags() randomxvm.Flag {
	var f randomxvm.Flag
	if c.LargePages {
		f |= randomxvm.FlagLargePages
	}
	if c.WithDataset {
		f |= randomxvm.FlagFullMem
	}
	return f
}

// HashrateReportInterval is fixed, not configurable, matching spec.md's
// single reporting cadence rather than the teacher's per-deployment
// hashrate_interval knob.
const HashrateReportInterval = 30 * time.Second
