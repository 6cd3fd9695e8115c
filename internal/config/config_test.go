//go:build cgo && randomx

package config

import (
	"os"
	"testing"
)

func TestParseFlagsDefaults(t *testing.T) {
	cfg, err := ParseFlags([]string{"-rpc", "10.0.0.1:9090"})
	if err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if cfg.RPCAddress != "10.0.0.1:9090" {
		t.Errorf("RPCAddress = %q, want 10.0.0.1:9090", cfg.RPCAddress)
	}
	if !cfg.WithDataset {
		t.Error("expected WithDataset default true")
	}
	if cfg.RandomXThreads <= 0 || cfg.RandomXThreads%2 != 0 {
		t.Errorf("auto-detected RandomXThreads = %d, want a positive even number", cfg.RandomXThreads)
	}
	if cfg.PreHashThreads()+cfg.PostHashThreads() != cfg.RandomXThreads {
		t.Errorf("PreHashThreads+PostHashThreads = %d, want RandomXThreads %d", cfg.PreHashThreads()+cfg.PostHashThreads(), cfg.RandomXThreads)
	}
	if cfg.BLSThreads <= 0 {
		t.Errorf("auto-detected BLSThreads = %d, want > 0", cfg.BLSThreads)
	}
}

func TestParseFlagsEnvOverridesKey(t *testing.T) {
	t.Setenv(MinerKeyEnvVar, "deadbeef")
	cfg, err := ParseFlags([]string{"-miner-key", "0000"})
	if err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if cfg.MinerKeyHex != "deadbeef" {
		t.Errorf("MinerKeyHex = %q, want env override deadbeef", cfg.MinerKeyHex)
	}
}

func TestParseFlagsRejectsOddRandomXThreads(t *testing.T) {
	_, err := ParseFlags([]string{"-randomx-threads", "7"})
	if err == nil {
		t.Error("expected error for odd randomx-threads")
	}
}

func TestValidateRejectsNegativeThreads(t *testing.T) {
	cfg := Default()
	cfg.RandomXThreads = 4
	cfg.BLSThreads = 4
	cfg.RandomXInitThreads = 4
	cfg.BLSThreads = -1
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for negative thread count")
	}
}

func TestValidateRejectsEmptyRPCAddress(t *testing.T) {
	cfg := Default()
	cfg.RPCAddress = ""
	cfg.RandomXThreads = 4
	cfg.BLSThreads = 4
	cfg.RandomXInitThreads = 4
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty rpc address")
	}
}

func TestParseFlagsLoadsYAMLFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "cfg-*.yaml")
	if err != nil {
		t.Fatalf("create temp: %v", err)
	}
	if _, err := f.WriteString("rpc_address: \"example:1234\"\nrandomx_threads: 8\n"); err != nil {
		t.Fatalf("write temp: %v", err)
	}
	f.Close()

	cfg, err := ParseFlags([]string{"-config", f.Name()})
	if err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if cfg.RPCAddress != "example:1234" || cfg.RandomXThreads != 8 {
		t.Errorf("got %+v", cfg)
	}
}
