// Package config loads the §6 configuration surface from an optional YAML
// file, then applies environment-variable overrides with documented
// defaults, following the teacher's main.go pattern of os.Getenv-with-default
// for every tunable.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full set of tunables listed in spec.md §6.
type Config struct {
	DatabaseURL string `yaml:"database_url"`

	ELEndpoints []string `yaml:"el_endpoints"`
	CLEndpoints []string `yaml:"cl_endpoints"`

	ExpectedChainID uint64 `yaml:"expected_chain_id"`

	RPCTimeout            time.Duration `yaml:"-"`
	RPCTimeoutMS          int           `yaml:"rpc_timeout_ms"`
	RPCMaxConsecutiveErrs int           `yaml:"rpc_max_consecutive_errors"`
	RPCParallelism        int           `yaml:"rpc_parallelism"`

	ELRatePerSecond float64 `yaml:"el_rate_per_second"`
	ELRateBurst     int     `yaml:"el_rate_burst"`
	CLRatePerSecond float64 `yaml:"cl_rate_per_second"`
	CLRateBurst     int     `yaml:"cl_rate_burst"`

	TipPollInterval   time.Duration `yaml:"-"`
	TipPollIntervalMS int           `yaml:"tip_poll_interval_ms"`

	BlockBackfillTarget     uint64 `yaml:"block_backfill_target"`
	MilestoneBackfillTarget uint64 `yaml:"milestone_backfill_target"`
	BackfillBatchSize       int    `yaml:"backfill_batch_size"`

	GapAnalyzerInterval   time.Duration `yaml:"-"`
	GapAnalyzerIntervalMS int           `yaml:"gap_analyzer_interval_ms"`
	GapAnalyzerBatch      uint64        `yaml:"gap_analyzer_batch"`
	GapAnalyzerBuffer     uint64        `yaml:"gap_analyzer_buffer"`

	CompressionThresholdDays int           `yaml:"compression_threshold_days"`
	CompressionThreshold     time.Duration `yaml:"-"`

	ShutdownGrace   time.Duration `yaml:"-"`
	ShutdownGraceMS int           `yaml:"shutdown_grace_ms"`

	StatusAPIAddr string `yaml:"status_api_addr"`
}

// Defaults matching spec.md §6.
const (
	defaultRPCTimeoutMS          = 10000
	defaultRPCMaxConsecutiveErrs = 5
	defaultRPCParallelism        = 8
	defaultTipPollIntervalMS     = 2000
	defaultBlockBackfillTarget   = 0
	defaultMilestoneBackfillTgt  = 1
	defaultBackfillBatchSize     = 25
	defaultGapAnalyzerIntervalMS = 300000
	defaultGapAnalyzerBatch      = 10000
	defaultGapAnalyzerBuffer     = 100
	defaultCompressionThreshDays = 10
	defaultShutdownGraceMS       = 30000
	defaultStatusAPIAddr         = ":8090"
)

// Load reads an optional YAML file (missing file is not an error, matching
// the "configuration and wiring" budget of a small service that usually
// runs from env vars alone) and then applies environment-variable overrides
// (DB_URL, EL_ENDPOINTS, RPC_TIMEOUT_MS, ...; see applyEnvOverrides).
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	resolveDurations(cfg)

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database_url is required (set DB_URL or database_url in config)")
	}
	if len(cfg.ELEndpoints) == 0 {
		return nil, fmt.Errorf("at least one el_endpoint is required (set EL_ENDPOINTS or el_endpoints in config)")
	}
	if len(cfg.CLEndpoints) == 0 {
		return nil, fmt.Errorf("at least one cl_endpoint is required (set CL_ENDPOINTS or cl_endpoints in config)")
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DB_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("EL_ENDPOINTS"); v != "" {
		cfg.ELEndpoints = splitList(v)
	}
	if v := os.Getenv("CL_ENDPOINTS"); v != "" {
		cfg.CLEndpoints = splitList(v)
	}
	if v := os.Getenv("EXPECTED_CHAIN_ID"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.ExpectedChainID = n
		}
	}
	setIntEnv("RPC_TIMEOUT_MS", &cfg.RPCTimeoutMS)
	setIntEnv("RPC_MAX_CONSECUTIVE_ERRORS", &cfg.RPCMaxConsecutiveErrs)
	setIntEnv("RPC_PARALLELISM", &cfg.RPCParallelism)
	setFloatEnv("EL_RATE_PER_SECOND", &cfg.ELRatePerSecond)
	setIntEnv("EL_RATE_BURST", &cfg.ELRateBurst)
	setFloatEnv("CL_RATE_PER_SECOND", &cfg.CLRatePerSecond)
	setIntEnv("CL_RATE_BURST", &cfg.CLRateBurst)
	setIntEnv("TIP_POLL_INTERVAL_MS", &cfg.TipPollIntervalMS)
	setUint64Env("BLOCK_BACKFILL_TARGET", &cfg.BlockBackfillTarget)
	setUint64Env("MILESTONE_BACKFILL_TARGET", &cfg.MilestoneBackfillTarget)
	setIntEnv("BACKFILL_BATCH_SIZE", &cfg.BackfillBatchSize)
	setIntEnv("GAP_ANALYZER_INTERVAL_MS", &cfg.GapAnalyzerIntervalMS)
	setUint64Env("GAP_ANALYZER_BATCH", &cfg.GapAnalyzerBatch)
	setUint64Env("GAP_ANALYZER_BUFFER", &cfg.GapAnalyzerBuffer)
	setIntEnv("COMPRESSION_THRESHOLD_DAYS", &cfg.CompressionThresholdDays)
	setIntEnv("SHUTDOWN_GRACE_MS", &cfg.ShutdownGraceMS)
	if v := os.Getenv("STATUS_API_ADDR"); v != "" {
		cfg.StatusAPIAddr = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.RPCTimeoutMS == 0 {
		cfg.RPCTimeoutMS = defaultRPCTimeoutMS
	}
	if cfg.RPCMaxConsecutiveErrs == 0 {
		cfg.RPCMaxConsecutiveErrs = defaultRPCMaxConsecutiveErrs
	}
	if cfg.RPCParallelism == 0 {
		cfg.RPCParallelism = defaultRPCParallelism
	}
	if cfg.TipPollIntervalMS == 0 {
		cfg.TipPollIntervalMS = defaultTipPollIntervalMS
	}
	if cfg.BackfillBatchSize == 0 {
		cfg.BackfillBatchSize = defaultBackfillBatchSize
	}
	if cfg.MilestoneBackfillTarget == 0 {
		cfg.MilestoneBackfillTarget = defaultMilestoneBackfillTgt
	}
	if cfg.GapAnalyzerIntervalMS == 0 {
		cfg.GapAnalyzerIntervalMS = defaultGapAnalyzerIntervalMS
	}
	if cfg.GapAnalyzerBatch == 0 {
		cfg.GapAnalyzerBatch = defaultGapAnalyzerBatch
	}
	if cfg.GapAnalyzerBuffer == 0 {
		cfg.GapAnalyzerBuffer = defaultGapAnalyzerBuffer
	}
	if cfg.CompressionThresholdDays == 0 {
		cfg.CompressionThresholdDays = defaultCompressionThreshDays
	}
	if cfg.ShutdownGraceMS == 0 {
		cfg.ShutdownGraceMS = defaultShutdownGraceMS
	}
	if cfg.StatusAPIAddr == "" {
		cfg.StatusAPIAddr = defaultStatusAPIAddr
	}
}

func resolveDurations(cfg *Config) {
	cfg.RPCTimeout = time.Duration(cfg.RPCTimeoutMS) * time.Millisecond
	cfg.TipPollInterval = time.Duration(cfg.TipPollIntervalMS) * time.Millisecond
	cfg.GapAnalyzerInterval = time.Duration(cfg.GapAnalyzerIntervalMS) * time.Millisecond
	cfg.CompressionThreshold = time.Duration(cfg.CompressionThresholdDays) * 24 * time.Hour
	cfg.ShutdownGrace = time.Duration(cfg.ShutdownGraceMS) * time.Millisecond
}

func setIntEnv(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloatEnv(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setUint64Env(key string, dst *uint64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func splitList(raw string) []string {
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\n' || r == '\t'
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
