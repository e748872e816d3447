package workers

import (
	"context"
	"log"
	"time"

	"flowscan-clone/internal/coverage"
	"flowscan-clone/internal/models"
	"flowscan-clone/internal/status"
	"flowscan-clone/internal/store"
)

// GapAnalyzer implements spec.md §4.5: extend each stream's coverage
// water-marks outward in bounded steps, recording a gap row for every
// maximal run of missing ids it finds along the way, plus the two
// cross-stream scans (finality backlog, priority-fee backlog) that don't
// map onto a single stream's own id space.
type GapAnalyzer struct {
	store *store.Store
	cov   *coverage.Store

	registry *status.Registry

	interval             time.Duration
	batchSize            uint64
	buffer               uint64
	compressionThreshold time.Duration
}

func NewGapAnalyzer(st *store.Store, cov *coverage.Store, registry *status.Registry, interval time.Duration, batchSize, buffer uint64, compressionThreshold time.Duration) *GapAnalyzer {
	registry.Register("gap_analyzer")
	return &GapAnalyzer{
		store:                st,
		cov:                  cov,
		registry:             registry,
		interval:             interval,
		batchSize:            batchSize,
		buffer:               buffer,
		compressionThreshold: compressionThreshold,
	}
}

func (w *GapAnalyzer) Name() string { return "gap_analyzer" }

func (w *GapAnalyzer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			w.registry.SetStopped(w.Name())
			return
		}
		w.registry.SetRunning(w.Name())
		if err := w.cycle(ctx); err != nil {
			w.registry.RecordError(w.Name(), err)
			log.Printf("[%s] cycle error: %v", w.Name(), err)
			sleepCtx(ctx, w.interval)
			continue
		}
		w.registry.SetIdle(w.Name())
		sleepCtx(ctx, w.interval)
	}
}

func (w *GapAnalyzer) cycle(ctx context.Context) error {
	if err := w.scanStream(ctx, models.StreamBlocks, models.TableBlocks, models.GapKindBlock); err != nil {
		return err
	}
	if err := w.scanStream(ctx, models.StreamMilestones, models.TableMilestones, models.GapKindMilestone); err != nil {
		return err
	}
	if err := w.scanFinality(ctx); err != nil {
		return err
	}
	return w.scanPriorityFee(ctx)
}

// scanStream extends stream's coverage water-marks by at most batchSize in
// each direction, recording a gap row for every consecutive run of missing
// ids the scan turns up. It stays buffer ids behind the stream's current
// max so it never chases TipFollower's own ingestion in progress.
func (w *GapAnalyzer) scanStream(ctx context.Context, stream, table, kind string) error {
	stats, err := w.store.GetTableStats(ctx, table)
	if err != nil {
		return err
	}
	if stats.TotalCount == 0 {
		return nil
	}

	cov, ok, err := w.cov.GetCoverage(ctx, stream)
	if err != nil {
		return err
	}
	if !ok {
		if err := w.cov.InitCoverage(ctx, stream, stats.MaxValue, stats.MaxValue); err != nil {
			return err
		}
		cov, _, err = w.cov.GetCoverage(ctx, stream)
		if err != nil {
			return err
		}
	}

	scannedSomething := false

	ceiling := stats.MaxValue
	if ceiling > w.buffer {
		ceiling -= w.buffer
	} else {
		ceiling = cov.HighWaterMark
	}
	if ceiling > cov.HighWaterMark {
		scanHi := ceiling
		if scanHi > cov.HighWaterMark+w.batchSize {
			scanHi = cov.HighWaterMark + w.batchSize
		}
		if err := w.findAndRecordGaps(ctx, kind, stream, cov.HighWaterMark+1, scanHi); err != nil {
			return err
		}
		if err := w.cov.ExtendHigh(ctx, stream, scanHi); err != nil {
			return err
		}
		scannedSomething = true
	}

	if cov.LowWaterMark > stats.MinValue {
		scanLo := stats.MinValue
		if cov.LowWaterMark-stats.MinValue > w.batchSize {
			scanLo = cov.LowWaterMark - w.batchSize
		}
		if err := w.findAndRecordGaps(ctx, kind, stream, scanLo, cov.LowWaterMark-1); err != nil {
			return err
		}
		if err := w.cov.ExtendLow(ctx, stream, scanLo); err != nil {
			return err
		}
		scannedSomething = true
	}

	if !scannedSomething {
		return w.cov.TouchAnalyzed(ctx, stream)
	}
	return nil
}

func (w *GapAnalyzer) findAndRecordGaps(ctx context.Context, kind, stream string, lo, hi uint64) error {
	if lo > hi {
		return nil
	}
	var missing []uint64
	var err error
	if stream == models.StreamBlocks {
		missing, err = w.store.FindMissingBlocks(ctx, lo, hi)
	} else {
		missing, err = w.store.FindMissingMilestones(ctx, lo, hi)
	}
	if err != nil {
		return err
	}
	for _, run := range consecutiveRuns(missing) {
		if err := w.cov.InsertGap(ctx, kind, run[0], run[1], "gap_analyzer"); err != nil {
			return err
		}
	}
	return nil
}

// scanFinality looks for unfinalized blocks still inside the updatable
// window (no older than compressionThreshold) — a real finality gap worth
// recording, since reconciliation of anything older is out of scope. The
// scan is bounded to the range the milestones stream actually covers
// ([MinStartBlock, MaxEndBlock]): a block past MaxEndBlock simply hasn't had
// its enclosing milestone ingested yet, not a finality gap, and scanning it
// only feeds GapFiller gaps it can't do anything about until TipFollower or
// MilestoneBackfiller ingests the milestone.
func (w *GapAnalyzer) scanFinality(ctx context.Context) error {
	stats, err := w.store.GetTableStats(ctx, models.TableBlocks)
	if err != nil {
		return err
	}
	if stats.TotalCount == 0 {
		return nil
	}
	agg, err := w.store.GetMilestoneAggregates(ctx)
	if err != nil {
		return err
	}
	if agg.Count == 0 {
		return nil
	}

	lo, hi := stats.MinValue, stats.MaxValue
	if agg.MinStartBlock > lo {
		lo = agg.MinStartBlock
	}
	if agg.MaxEndBlock < hi {
		hi = agg.MaxEndBlock
	}
	if lo > hi {
		return nil
	}

	cutoff := time.Now().Add(-w.compressionThreshold)
	overdue, err := w.store.FindUnfinalizedWithinWindow(ctx, lo, hi, cutoff)
	if err != nil {
		return err
	}
	for _, run := range consecutiveRuns(overdue) {
		if err := w.cov.InsertGap(ctx, models.GapKindFinality, run[0], run[1], "gap_analyzer"); err != nil {
			return err
		}
	}
	return nil
}

// scanPriorityFee looks for blocks with transactions whose priority-fee
// columns were never computed within the updatable window — either
// PriorityFeeRecomputer's backward sweep hasn't reached them yet, or they
// were missed by a prior crash.
func (w *GapAnalyzer) scanPriorityFee(ctx context.Context) error {
	stats, err := w.store.GetTableStats(ctx, models.TableBlocks)
	if err != nil {
		return err
	}
	if stats.TotalCount == 0 {
		return nil
	}
	cutoff := time.Now().Add(-w.compressionThreshold)
	missing, err := w.store.FindBlocksMissingPriorityFee(ctx, stats.MinValue, stats.MaxValue, cutoff)
	if err != nil {
		return err
	}
	for _, run := range consecutiveRuns(missing) {
		if err := w.cov.InsertGap(ctx, models.GapKindPriorityFee, run[0], run[1], "gap_analyzer"); err != nil {
			return err
		}
	}
	return nil
}
