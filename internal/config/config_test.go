package config

import (
	"testing"
	"time"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	clearEnv(t, "DB_URL", "EL_ENDPOINTS", "CL_ENDPOINTS")
	t.Setenv("EL_ENDPOINTS", "http://el-1:8545")
	t.Setenv("CL_ENDPOINTS", "http://cl-1:1317")

	if _, err := Load(""); err == nil {
		t.Fatal("expected Load to fail without DB_URL")
	}
}

func TestLoadAppliesEnvOverridesAndDefaults(t *testing.T) {
	clearEnv(t, "DB_URL", "EL_ENDPOINTS", "CL_ENDPOINTS", "RPC_TIMEOUT_MS",
		"EL_RATE_PER_SECOND", "EL_RATE_BURST", "BACKFILL_BATCH_SIZE")
	t.Setenv("DB_URL", "postgres://localhost/indexer")
	t.Setenv("EL_ENDPOINTS", "http://el-1:8545, http://el-2:8545")
	t.Setenv("CL_ENDPOINTS", "http://cl-1:1317")
	t.Setenv("RPC_TIMEOUT_MS", "5000")
	t.Setenv("EL_RATE_PER_SECOND", "25.5")
	t.Setenv("EL_RATE_BURST", "50")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if len(cfg.ELEndpoints) != 2 {
		t.Fatalf("ELEndpoints=%v want 2 entries", cfg.ELEndpoints)
	}
	if cfg.RPCTimeout != 5*time.Second {
		t.Fatalf("RPCTimeout=%v want 5s", cfg.RPCTimeout)
	}
	if cfg.ELRatePerSecond != 25.5 {
		t.Fatalf("ELRatePerSecond=%v want 25.5", cfg.ELRatePerSecond)
	}
	if cfg.ELRateBurst != 50 {
		t.Fatalf("ELRateBurst=%v want 50", cfg.ELRateBurst)
	}

	// Defaults applied where no env var was set.
	if cfg.BackfillBatchSize != defaultBackfillBatchSize {
		t.Fatalf("BackfillBatchSize=%d want default %d", cfg.BackfillBatchSize, defaultBackfillBatchSize)
	}
	if cfg.CompressionThreshold != defaultCompressionThreshDays*24*time.Hour {
		t.Fatalf("CompressionThreshold=%v want %d days", cfg.CompressionThreshold, defaultCompressionThreshDays)
	}
	if cfg.StatusAPIAddr != defaultStatusAPIAddr {
		t.Fatalf("StatusAPIAddr=%q want %q", cfg.StatusAPIAddr, defaultStatusAPIAddr)
	}
}

func TestSplitList(t *testing.T) {
	t.Parallel()

	got := splitList("a, b ,, c\td\n e")
	want := []string{"a", "b", "c", "d", "e"}
	if len(got) != len(want) {
		t.Fatalf("splitList=%v want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("splitList=%v want %v", got, want)
		}
	}
}
