package workers

import (
	"context"
	"fmt"
	"log"
	"time"

	"flowscan-clone/internal/models"
	"flowscan-clone/internal/rpcerr"
	"flowscan-clone/internal/rpcpool"
	"flowscan-clone/internal/status"
	"flowscan-clone/internal/store"
)

// BlockBackfiller implements spec.md §4.4 for the blocks stream: walk
// backward in batches from the current minimum stored block toward target,
// filling history TipFollower never saw (e.g. a fresh deployment pointed at
// an already-running chain).
type BlockBackfiller struct {
	el       *rpcpool.ELPool
	store    *store.Store
	registry *status.Registry

	target      uint64
	batchSize   uint64
	parallelism int

	idleInterval   time.Duration
	exhaustedRetry time.Duration
	permanentRetry time.Duration
	transient      *rpcpool.Backoff
}

func NewBlockBackfiller(el *rpcpool.ELPool, st *store.Store, registry *status.Registry, target uint64, batchSize, parallelism int, idleInterval time.Duration) *BlockBackfiller {
	registry.Register("block_backfiller")
	return &BlockBackfiller{
		el:             el,
		store:          st,
		registry:       registry,
		target:         target,
		batchSize:      uint64(batchSize),
		parallelism:    parallelism,
		idleInterval:   idleInterval,
		exhaustedRetry: 30 * time.Second,
		permanentRetry: 10 * time.Second,
		transient:      rpcpool.NewBackoff(time.Second, 2*time.Minute),
	}
}

func (w *BlockBackfiller) Name() string { return "block_backfiller" }

func (w *BlockBackfiller) Run(ctx context.Context) {
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

// cycle processes one batch and reports whether the stream is now fully
// backfilled down to target.
func (w *BlockBackfiller) cycle(ctx context.Context) (bool, error) {
	stats, err := w.store.GetTableStats(ctx, models.TableBlocks)
	if err != nil {
		return false, err
	}
	if stats.TotalCount == 0 {
		// TipFollower hasn't ingested a first block yet; nothing to anchor a
		// backward walk to.
		return true, nil
	}
	floor := stats.MinValue
	if floor <= w.target {
		return true, nil
	}

	lo := w.target
	if floor-w.target > w.batchSize {
		lo = floor - w.batchSize
	}
	hi := floor - 1

	numbers := make([]uint64, 0, hi-lo+1)
	for n := lo; n <= hi; n++ {
		numbers = append(numbers, n)
	}

	blocksByNumber := w.el.GetBlocksWithTransactions(ctx, numbers, w.parallelism)
	receiptsByNumber := w.el.GetBlockReceipts(ctx, numbers, w.parallelism)

	batch := make([]models.Block, 0, len(numbers))
	var prevTS *time.Time
	for _, n := range numbers {
		blk, ok := blocksByNumber[n]
		if !ok {
			log.Printf("[%s] warn: block %d missing from backfill batch, will surface via gap scan", w.Name(), n)
			prevTS = nil
			continue
		}
		mb := toModelBlock(blk, receiptsByNumber[n], prevTS)
		batch = append(batch, mb)
		ts := mb.Timestamp
		prevTS = &ts
	}

	if len(batch) == 0 {
		return false, rpcerr.Transient(fmt.Errorf("backfill batch [%d,%d] returned no blocks", lo, hi))
	}

	if _, err := w.store.UpsertBlocksBatch(ctx, batch); err != nil {
		return false, err
	}
	w.registry.AddItemsProcessed(w.Name(), uint64(len(batch)))
	return lo <= w.target, nil
}
