package workers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"flowscan-clone/internal/clrpc"
	"flowscan-clone/internal/models"
	"flowscan-clone/internal/rpcerr"
	"flowscan-clone/internal/rpcpool"
	"flowscan-clone/internal/status"
	"flowscan-clone/internal/store"
)

// MilestoneBackfiller is the §4.4 counterpart of BlockBackfiller for the
// milestones stream: walk backward in batches from the current minimum
// sequence id toward target (default 1, the first milestone ever produced).
type MilestoneBackfiller struct {
	cl       *rpcpool.CLPool
	store    *store.Store
	registry *status.Registry

	target    uint64
	batchSize uint64

	compressionThreshold time.Duration

	idleInterval   time.Duration
	exhaustedRetry time.Duration
	permanentRetry time.Duration
	transient      *rpcpool.Backoff
}

func NewMilestoneBackfiller(cl *rpcpool.CLPool, st *store.Store, registry *status.Registry, target uint64, batchSize int, compressionThreshold, idleInterval time.Duration) *MilestoneBackfiller {
	registry.Register("milestone_backfiller")
	return &MilestoneBackfiller{
		cl:                   cl,
		store:                st,
		registry:             registry,
		target:               target,
		batchSize:            uint64(batchSize),
		compressionThreshold: compressionThreshold,
		idleInterval:         idleInterval,
		exhaustedRetry:       30 * time.Second,
		permanentRetry:       10 * time.Second,
		transient:            rpcpool.NewBackoff(time.Second, 2*time.Minute),
	}
}

func (w *MilestoneBackfiller) Name() string { return "milestone_backfiller" }

func (w *MilestoneBackfiller) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			w.registry.SetStopped(w.Name())
			return
		}
		w.registry.SetRunning(w.Name())
		done, err := w.cycle(ctx)
		if err != nil {
			w.registry.RecordError(w.Name(), err)
			log.Printf("[%s] cycle error: %v", w.Name(), err)
			sleepCtx(ctx, backoffFor(err, w.exhaustedRetry, w.transient, w.permanentRetry))
			continue
		}
		w.transient.Reset()
		if done {
			w.registry.SetIdle(w.Name())
			sleepCtx(ctx, w.idleInterval)
		}
	}
}

func (w *MilestoneBackfiller) cycle(ctx context.Context) (bool, error) {
	stats, err := w.store.GetTableStats(ctx, models.TableMilestones)
	if err != nil {
		return false, err
	}

	// §9 Open Question resolution: anchor the walk-back floor to
	// min(table_stats(milestones).min_value, CL current count) rather than
	// only the CL count, so a deployment with milestones already ingested
	// never re-walks a range it already has, and a fresh deployment with
	// nothing ingested yet still has a floor to walk down from instead of
	// waiting on TipFollower's first row.
	floor, err := w.cl.LatestMilestoneCount(ctx)
	if err != nil {
		return false, err
	}
	if stats.TotalCount > 0 && stats.MinValue < floor {
		floor = stats.MinValue
	}
	if floor == 0 || floor <= w.target {
		return true, nil
	}

	lo := w.target
	if floor-w.target > w.batchSize {
		lo = floor - w.batchSize
	}
	hi := floor - 1

	batch := make([]models.Milestone, 0, hi-lo+1)
	for seq := lo; seq <= hi; seq++ {
		m, err := w.cl.GetMilestone(ctx, seq)
		if errors.Is(err, clrpc.ErrNotFound) {
			// A gap in a past sequence id the CL still has no record of;
			// GapAnalyzer will keep retrying it as a milestone gap.
			log.Printf("[%s] warn: milestone %d not found while backfilling", w.Name(), seq)
			continue
		}
		if err != nil {
			return false, err
		}
		batch = append(batch, models.Milestone{
			MilestoneID: m.EndBlock,
			SequenceID:  seq,
			StartBlock:  m.StartBlock,
			EndBlock:    m.EndBlock,
			Hash:        m.Hash,
			Proposer:    m.Proposer,
			Timestamp:   m.Timestamp,
		})
	}

	if len(batch) == 0 {
		return false, rpcerr.Transient(fmt.Errorf("milestone backfill batch [%d,%d] returned nothing", lo, hi))
	}

	if _, err := w.store.UpsertMilestonesBatch(ctx, batch); err != nil {
		return false, err
	}
	cutoff := time.Now().Add(-w.compressionThreshold)
	for _, m := range batch {
		if _, err := w.store.FinalizeBlocks(ctx, m, cutoff); err != nil {
			return false, err
		}
	}
	w.registry.AddItemsProcessed(w.Name(), uint64(len(batch)))
	return lo <= w.target, nil
}
