package workers

import (
	"context"
	"log"
	"time"

	"flowscan-clone/internal/clrpc"
	"flowscan-clone/internal/coverage"
	"flowscan-clone/internal/models"
	"flowscan-clone/internal/rpcpool"
	"flowscan-clone/internal/status"
	"flowscan-clone/internal/store"
)

// TipFollower implements spec.md §4.3: follow the EL tip forward and the CL
// milestone sequence forward, upserting anything new.
type TipFollower struct {
	el           *rpcpool.ELPool
	cl           *rpcpool.CLPool
	store        *store.Store
	cov          *coverage.Store
	registry     *status.Registry
	pollInterval time.Duration
	errorRetry   time.Duration

	compressionThreshold time.Duration
}

func NewTipFollower(el *rpcpool.ELPool, cl *rpcpool.CLPool, st *store.Store, cov *coverage.Store, registry *status.Registry, pollInterval, compressionThreshold time.Duration) *TipFollower {
	registry.Register("tip_follower")
	return &TipFollower{el: el, cl: cl, store: st, cov: cov, registry: registry, pollInterval: pollInterval, errorRetry: 5 * time.Second, compressionThreshold: compressionThreshold}
}

func (w *TipFollower) Name() string { return "tip_follower" }

// Run loops until ctx is cancelled.
func (w *TipFollower) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			w.registry.SetStopped(w.Name())
			return
		}
		w.registry.SetRunning(w.Name())
		if err := w.cycle(ctx); err != nil {
			w.registry.RecordError(w.Name(), err)
			log.Printf("[%s] cycle error: %v", w.Name(), err)
			sleepCtx(ctx, w.errorRetry)
			continue
		}
		w.registry.SetIdle(w.Name())
		sleepCtx(ctx, w.pollInterval)
	}
}

func (w *TipFollower) cycle(ctx context.Context) error {
	if err := w.followBlocks(ctx); err != nil {
		return err
	}
	return w.followMilestones(ctx)
}

func (w *TipFollower) followBlocks(ctx context.Context) error {
	tip, err := w.el.BlockNumber(ctx)
	if err != nil {
		return err
	}
	stats, err := w.store.GetTableStats(ctx, models.TableBlocks)
	if err != nil {
		return err
	}
	if tip <= stats.MaxValue {
		return nil
	}

	numbers := make([]uint64, 0, tip-stats.MaxValue)
	for n := stats.MaxValue + 1; n <= tip; n++ {
		numbers = append(numbers, n)
	}

	blocksByNumber := w.el.GetBlocksWithTransactions(ctx, numbers, 8)
	receiptsByNumber := w.el.GetBlockReceipts(ctx, numbers, 8)

	var prevTS *time.Time
	if stats.MaxValue > 0 {
		if ts, ok, err := w.store.GetBlockTimestamp(ctx, stats.MaxValue); err == nil && ok {
			prevTS = &ts
		}
	}

	batch := make([]models.Block, 0, len(numbers))
	for _, n := range numbers {
		blk, ok := blocksByNumber[n]
		if !ok {
			log.Printf("[%s] warn: block %d missing from batch, will surface via gap scan", w.Name(), n)
			prevTS = nil
			continue
		}
		mb := toModelBlock(blk, receiptsByNumber[n], prevTS)
		batch = append(batch, mb)
		ts := mb.Timestamp
		prevTS = &ts
	}

	if _, err := w.store.UpsertBlocksBatch(ctx, batch); err != nil {
		return err
	}
	w.registry.AddItemsProcessed(w.Name(), uint64(len(batch)))
	return nil
}

func (w *TipFollower) followMilestones(ctx context.Context) error {
	latest, err := w.cl.LatestMilestoneCount(ctx)
	if err != nil {
		return err
	}
	stats, err := w.store.GetTableStats(ctx, models.TableMilestones)
	if err != nil {
		return err
	}
	if latest <= stats.MaxValue {
		return nil
	}

	for seq := stats.MaxValue + 1; seq <= latest; seq++ {
		m, err := w.cl.GetMilestone(ctx, seq)
		if err == clrpc.ErrNotFound {
			break
		}
		if err != nil {
			return err
		}
		model := models.Milestone{
			MilestoneID: m.EndBlock,
			SequenceID:  seq,
			StartBlock:  m.StartBlock,
			EndBlock:    m.EndBlock,
			Hash:        m.Hash,
			Proposer:    m.Proposer,
			Timestamp:   m.Timestamp,
		}
		if _, err := w.store.UpsertMilestone(ctx, model); err != nil {
			return err
		}
		cutoff := time.Now().Add(-w.compressionThreshold)
		if _, err := w.store.FinalizeBlocks(ctx, model, cutoff); err != nil {
			return err
		}
		w.registry.AddItemsProcessed(w.Name(), 1)
	}
	return nil
}
