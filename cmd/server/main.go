// Command server runs the full indexing and reconciliation service: all
// seven workers, the RPC pools, and the read-only status API, wired from
// config.Load and kept alive until SIGINT/SIGTERM.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"flowscan-clone/internal/config"
	"flowscan-clone/internal/coverage"
	"flowscan-clone/internal/rpcpool"
	"flowscan-clone/internal/status"
	"flowscan-clone/internal/statusapi"
	"flowscan-clone/internal/store"
	"flowscan-clone/internal/workers"
)

func main() {
	cfgPath := os.Getenv("CONFIG_FILE")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	log.Println("Initializing indexer...")
	log.Printf("EL endpoints: %v", cfg.ELEndpoints)
	log.Printf("CL endpoints: %v", cfg.CLEndpoints)
	log.Printf("Status API: %s", cfg.StatusAPIAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect to store: %v", err)
	}
	defer st.Close()

	cov := coverage.New(st.Pool())

	elPool, err := rpcpool.NewELPool(ctx, cfg.ELEndpoints, rpcpool.ELPoolConfig{
		ExpectedChainID:      cfg.ExpectedChainID,
		Timeout:              cfg.RPCTimeout,
		MaxConsecutiveErrors: cfg.RPCMaxConsecutiveErrs,
		RatePerSecond:        cfg.ELRatePerSecond,
		RateBurst:            cfg.ELRateBurst,
	})
	if err != nil {
		log.Fatalf("connect EL pool: %v", err)
	}
	defer elPool.Close()

	clPool, err := rpcpool.NewCLPool(cfg.CLEndpoints, rpcpool.CLPoolConfig{
		Timeout:              cfg.RPCTimeout,
		MaxConsecutiveErrors: cfg.RPCMaxConsecutiveErrs,
		RatePerSecond:        cfg.CLRatePerSecond,
		RateBurst:            cfg.CLRateBurst,
	})
	if err != nil {
		log.Fatalf("connect CL pool: %v", err)
	}

	registry := status.NewRegistry()

	tipFollower := workers.NewTipFollower(elPool, clPool, st, cov, registry, cfg.TipPollInterval, cfg.CompressionThreshold)
	blockBackfiller := workers.NewBlockBackfiller(elPool, st, registry, cfg.BlockBackfillTarget, cfg.BackfillBatchSize, cfg.RPCParallelism, cfg.TipPollInterval)
	milestoneBackfiller := workers.NewMilestoneBackfiller(clPool, st, registry, cfg.MilestoneBackfillTarget, cfg.BackfillBatchSize, cfg.CompressionThreshold, cfg.TipPollInterval)
	gapAnalyzer := workers.NewGapAnalyzer(st, cov, registry, cfg.GapAnalyzerInterval, cfg.GapAnalyzerBatch, cfg.GapAnalyzerBuffer, cfg.CompressionThreshold)
	gapFiller := workers.NewGapFiller(elPool, clPool, st, cov, registry, cfg.RPCParallelism, 5, cfg.CompressionThreshold, cfg.TipPollInterval)
	finalityReconciler := workers.NewFinalityReconciler(st, registry, cfg.GapAnalyzerInterval, int(cfg.GapAnalyzerBatch), cfg.CompressionThreshold)
	priorityFeeRecomputer := workers.NewPriorityFeeRecomputer(elPool, st, registry, cfg.BlockBackfillTarget, int(cfg.BackfillBatchSize), cfg.RPCParallelism, cfg.CompressionThreshold, cfg.TipPollInterval)

	runnables := []workerRunner{
		tipFollower,
		blockBackfiller,
		milestoneBackfiller,
		gapAnalyzer,
		gapFiller,
		finalityReconciler,
		priorityFeeRecomputer,
	}

	var wg sync.WaitGroup
	for _, w := range runnables {
		wg.Add(1)
		go func(w workerRunner) {
			defer wg.Done()
			w.Run(ctx)
		}(w)
	}

	statusSrv := statusapi.New(cfg.StatusAPIAddr, registry, st, cov)
	go func() {
		log.Printf("Starting status API on %s", cfg.StatusAPIAddr)
		if err := statusSrv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("status API failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()
	if err := statusSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("status API shutdown: %v", err)
	}
	cancel()
	wg.Wait()
}

// workerRunner matches every worker's public surface; kept local to main
// since the workers package exposes concrete types, not this interface.
type workerRunner interface {
	Name() string
	Run(ctx context.Context)
}
