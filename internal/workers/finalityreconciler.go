package workers

import (
	"context"
	"log"
	"time"

	"flowscan-clone/internal/models"
	"flowscan-clone/internal/status"
	"flowscan-clone/internal/store"
)

// FinalityReconciler implements spec.md §4.7: independently of
// TipFollower's on-ingest finalization, periodically re-scan every
// unfinalized block against the milestones already on hand. This catches
// the case a milestone landed (via backfill or a GapFiller fill) after the
// blocks it covers were already stored, which would otherwise leave them
// unfinalized forever.
type FinalityReconciler struct {
	store    *store.Store
	registry *status.Registry

	interval             time.Duration
	batchLimit           int
	compressionThreshold time.Duration
}

func NewFinalityReconciler(st *store.Store, registry *status.Registry, interval time.Duration, batchLimit int, compressionThreshold time.Duration) *FinalityReconciler {
	registry.Register("finality_reconciler")
	return &FinalityReconciler{store: st, registry: registry, interval: interval, batchLimit: batchLimit, compressionThreshold: compressionThreshold}
}

func (w *FinalityReconciler) Name() string { return "finality_reconciler" }

func (w *FinalityReconciler) Run(ctx context.Context) {
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

func (w *FinalityReconciler) cycle(ctx context.Context) error {
	stats, err := w.store.GetTableStats(ctx, models.TableBlocks)
	if err != nil {
		return err
	}
	if stats.TotalCount == 0 {
		return nil
	}

	ids, err := w.store.FindUnfinalizedBlocksIn(ctx, stats.MinValue, stats.MaxValue, w.batchLimit)
	if err != nil {
		return err
	}

	seen := map[uint64]bool{}
	var fixed uint64
	cutoff := time.Now().Add(-w.compressionThreshold)
	for _, id := range ids {
		if seen[id] {
			continue
		}
		m, err := w.store.EnclosingMilestone(ctx, id)
		if err != nil {
			return err
		}
		if m == nil {
			continue
		}
		for n := m.StartBlock; n <= m.EndBlock; n++ {
			seen[n] = true
		}
		n, err := w.store.FinalizeBlocks(ctx, *m, cutoff)
		if err != nil {
			return err
		}
		fixed += uint64(n)
	}
	if fixed > 0 {
		w.registry.AddItemsProcessed(w.Name(), fixed)
	}
	return nil
}
