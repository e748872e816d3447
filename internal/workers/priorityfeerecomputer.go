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

// PriorityFeeRecomputer implements spec.md §4.8/§9 example 5: a one-time
// historical fix, deployed at a known block, that walks backward from
// fix_deployed_at_block toward genesis recomputing total_priority_fee_gwei
// for blocks the original ingestion got wrong. last_fixed_block tracks how
// far down the sweep has progressed; a batch only credits the contiguous
// run of successes anchored at its top, so a single bad block doesn't let
// the watermark skip past blocks below it that still need fixing.
type PriorityFeeRecomputer struct {
	el       *rpcpool.ELPool
	store    *store.Store
	registry *status.Registry

	target               uint64
	batchSize            int
	parallelism          int
	compressionThreshold time.Duration

	idleInterval   time.Duration
	exhaustedRetry time.Duration
	permanentRetry time.Duration
	transient      *rpcpool.Backoff
}

func NewPriorityFeeRecomputer(el *rpcpool.ELPool, st *store.Store, registry *status.Registry, target uint64, batchSize, parallelism int, compressionThreshold, idleInterval time.Duration) *PriorityFeeRecomputer {
	registry.Register("priority_fee_recomputer")
	return &PriorityFeeRecomputer{
		el:                   el,
		store:                st,
		registry:             registry,
		target:               target,
		batchSize:            batchSize,
		parallelism:          parallelism,
		compressionThreshold: compressionThreshold,
		idleInterval:         idleInterval,
		exhaustedRetry:       30 * time.Second,
		permanentRetry:       10 * time.Second,
		transient:            rpcpool.NewBackoff(time.Second, 2*time.Minute),
	}
}

func (w *PriorityFeeRecomputer) Name() string { return "priority_fee_recomputer" }

func (w *PriorityFeeRecomputer) Run(ctx context.Context) {
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
		w.registry.SetIdle(w.Name())
		if done {
			sleepCtx(ctx, w.idleInterval)
		}
	}
}

func (w *PriorityFeeRecomputer) cycle(ctx context.Context) (bool, error) {
	fixStatus, ok, err := w.store.GetPriorityFeeFixStatus(ctx)
	if err != nil {
		return false, err
	}
	stats, err := w.store.GetTableStats(ctx, models.TableBlocks)
	if err != nil {
		return false, err
	}
	if !ok {
		if stats.TotalCount == 0 {
			return true, nil
		}
		// Everything from the current tip onward is ingested with the fix
		// already applied; only history below the tip needs retrofitting.
		if err := w.store.InitPriorityFeeFixStatus(ctx, stats.MaxValue); err != nil {
			return false, err
		}
		fixStatus, _, err = w.store.GetPriorityFeeFixStatus(ctx)
		if err != nil {
			return false, err
		}
	}

	floor := w.target
	if stats.MinValue > floor {
		floor = stats.MinValue
	}
	if fixStatus.LastFixedBlock <= floor {
		return true, nil
	}

	hi := fixStatus.LastFixedBlock - 1
	lo := floor
	if hi-floor+1 > uint64(w.batchSize) {
		lo = hi - uint64(w.batchSize) + 1
	}

	numbers := rangeSlice(lo, hi)
	blocksByNumber := w.el.GetBlocksWithTransactions(ctx, numbers, w.parallelism)
	receiptsByNumber := w.el.GetBlockReceipts(ctx, numbers, w.parallelism)

	cutoff := time.Now().Add(-w.compressionThreshold)
	processed := 0
	for _, n := range numbers {
		blk, ok := blocksByNumber[n]
		if !ok {
			continue
		}
		agg := computeBlockAggregates(blk, receiptsByNumber[n])
		if err := w.store.RewritePriorityFee(ctx, n, agg.totalPriority, cutoff); err != nil {
			return false, err
		}
		processed++
	}

	// Credit only the contiguous run of successes anchored at hi: a miss
	// partway down must not let the watermark skip past still-unfixed blocks
	// below it.
	newLastFixed := fixStatus.LastFixedBlock
	n := hi
	for n >= lo {
		if _, ok := blocksByNumber[n]; !ok {
			break
		}
		newLastFixed = n
		if n == lo {
			break
		}
		n--
	}

	if processed == 0 {
		return false, rpcerr.Transient(fmt.Errorf("priority fee recompute batch [%d,%d] fixed nothing", lo, hi))
	}
	if newLastFixed < fixStatus.LastFixedBlock {
		if err := w.store.AdvancePriorityFeeFix(ctx, newLastFixed); err != nil {
			return false, err
		}
	}
	w.registry.AddItemsProcessed(w.Name(), uint64(processed))
	return newLastFixed <= floor, nil
}
