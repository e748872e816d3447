package workers

import (
	"context"
	"errors"
	"log"
	"time"

	"flowscan-clone/internal/clrpc"
	"flowscan-clone/internal/coverage"
	"flowscan-clone/internal/models"
	"flowscan-clone/internal/rpcpool"
	"flowscan-clone/internal/status"
	"flowscan-clone/internal/store"
)

// GapFiller implements spec.md §4.6: claim one pending gap row at a time
// under FOR UPDATE SKIP LOCKED and drive it to filled, crediting whatever
// contiguous prefix it manages to process on a partial failure rather than
// losing the rest of the range.
type GapFiller struct {
	el       *rpcpool.ELPool
	cl       *rpcpool.CLPool
	store    *store.Store
	cov      *coverage.Store
	registry *status.Registry

	parallelism          int
	maxFailures          int
	idleInterval         time.Duration
	compressionThreshold time.Duration
}

func NewGapFiller(el *rpcpool.ELPool, cl *rpcpool.CLPool, st *store.Store, cov *coverage.Store, registry *status.Registry, parallelism, maxFailures int, compressionThreshold, idleInterval time.Duration) *GapFiller {
	registry.Register("gap_filler")
	return &GapFiller{
		el:                   el,
		cl:                   cl,
		store:                st,
		cov:                  cov,
		registry:             registry,
		parallelism:          parallelism,
		maxFailures:          maxFailures,
		compressionThreshold: compressionThreshold,
		idleInterval:         idleInterval,
	}
}

func (w *GapFiller) Name() string { return "gap_filler" }

func (w *GapFiller) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			w.registry.SetStopped(w.Name())
			return
		}
		w.registry.SetRunning(w.Name())
		claimed, err := w.cycle(ctx)
		if err != nil {
			w.registry.RecordError(w.Name(), err)
			log.Printf("[%s] cycle error: %v", w.Name(), err)
			sleepCtx(ctx, w.idleInterval)
			continue
		}
		if !claimed {
			w.registry.SetIdle(w.Name())
			sleepCtx(ctx, w.idleInterval)
			continue
		}
		w.registry.SetIdle(w.Name())
	}
}

func (w *GapFiller) cycle(ctx context.Context) (bool, error) {
	g, ok, err := w.cov.ClaimGap(ctx, "")
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	var fillErr error
	switch g.Kind {
	case models.GapKindBlock:
		fillErr = w.fillBlockGap(ctx, g)
	case models.GapKindMilestone:
		fillErr = w.fillMilestoneGap(ctx, g)
	case models.GapKindFinality:
		fillErr = w.fillFinalityGap(ctx, g)
	case models.GapKindPriorityFee:
		fillErr = w.fillPriorityFeeGap(ctx, g)
	default:
		log.Printf("[%s] warn: gap %d has unknown kind %q, abandoning", w.Name(), g.ID, g.Kind)
		return true, w.cov.RecordFailure(ctx, g.ID, 0)
	}
	if errors.Is(fillErr, errAwaitingMilestone) {
		// §4.6: re-queue with a back-off rather than immediately reclaiming the
		// same gap, since nothing changes until the milestone layer catches up.
		sleepCtx(ctx, w.idleInterval)
		return true, nil
	}
	if fillErr != nil {
		log.Printf("[%s] gap %d [%d,%d] kind=%s fill error: %v", w.Name(), g.ID, g.RangeStart, g.RangeEnd, g.Kind, fillErr)
		return true, w.cov.RecordFailure(ctx, g.ID, w.maxFailures)
	}
	return true, nil
}

func rangeSlice(lo, hi uint64) []uint64 {
	out := make([]uint64, 0, hi-lo+1)
	for n := lo; n <= hi; n++ {
		out = append(out, n)
	}
	return out
}

// fillBlockGap refetches [g.RangeStart, g.RangeEnd] from the EL and credits
// the longest contiguous prefix it successfully fetched.
func (w *GapFiller) fillBlockGap(ctx context.Context, g models.Gap) error {
	numbers := rangeSlice(g.RangeStart, g.RangeEnd)
	blocksByNumber := w.el.GetBlocksWithTransactions(ctx, numbers, w.parallelism)
	receiptsByNumber := w.el.GetBlockReceipts(ctx, numbers, w.parallelism)

	var prevTS *time.Time
	if g.RangeStart > 0 {
		if ts, ok, err := w.store.GetBlockTimestamp(ctx, g.RangeStart-1); err == nil && ok {
			prevTS = &ts
		}
	}

	batch := make([]models.Block, 0, len(numbers))
	lastOK, gotAny := g.RangeStart, false
	for _, n := range numbers {
		blk, ok := blocksByNumber[n]
		if !ok {
			break
		}
		mb := toModelBlock(blk, receiptsByNumber[n], prevTS)
		batch = append(batch, mb)
		ts := mb.Timestamp
		prevTS = &ts
		lastOK = n
		gotAny = true
	}

	if len(batch) > 0 {
		if _, err := w.store.UpsertBlocksBatch(ctx, batch); err != nil {
			return err
		}
		w.registry.AddItemsProcessed(w.Name(), uint64(len(batch)))
	}

	if !gotAny {
		return w.cov.RecordFailure(ctx, g.ID, w.maxFailures)
	}
	if lastOK == g.RangeEnd {
		return w.cov.MarkFilled(ctx, g.ID)
	}
	return w.cov.ShrinkAndRequeue(ctx, g.ID, g.Kind, lastOK+1, g.RangeEnd, g.Source)
}

// fillMilestoneGap refetches [g.RangeStart, g.RangeEnd] from the CL
// sequentially, since a miss partway through (including ErrNotFound) should
// stop the walk rather than skip ahead.
func (w *GapFiller) fillMilestoneGap(ctx context.Context, g models.Gap) error {
	batch := make([]models.Milestone, 0, g.RangeEnd-g.RangeStart+1)
	lastOK, gotAny := g.RangeStart, false
	for seq := g.RangeStart; seq <= g.RangeEnd; seq++ {
		m, err := w.cl.GetMilestone(ctx, seq)
		if errors.Is(err, clrpc.ErrNotFound) {
			break
		}
		if err != nil {
			break
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
		lastOK = seq
		gotAny = true
	}

	if len(batch) > 0 {
		if _, err := w.store.UpsertMilestonesBatch(ctx, batch); err != nil {
			return err
		}
		cutoff := time.Now().Add(-w.compressionThreshold)
		for _, m := range batch {
			if _, err := w.store.FinalizeBlocks(ctx, m, cutoff); err != nil {
				return err
			}
		}
		w.registry.AddItemsProcessed(w.Name(), uint64(len(batch)))
	}

	if !gotAny {
		return w.cov.RecordFailure(ctx, g.ID, w.maxFailures)
	}
	if lastOK == g.RangeEnd {
		return w.cov.MarkFilled(ctx, g.ID)
	}
	return w.cov.ShrinkAndRequeue(ctx, g.ID, g.Kind, lastOK+1, g.RangeEnd, g.Source)
}

// errAwaitingMilestone signals that a finality gap was released back to
// pending because its enclosing milestone hasn't arrived yet; it is not a
// failure and must not be logged or counted against the gap's retry budget.
var errAwaitingMilestone = errors.New("awaiting milestone")

// fillFinalityGap finalizes as much of [g.RangeStart, g.RangeEnd] as the
// milestone currently enclosing RangeStart covers, and requeues the
// remainder if that milestone doesn't reach g.RangeEnd yet.
func (w *GapFiller) fillFinalityGap(ctx context.Context, g models.Gap) error {
	m, err := w.store.EnclosingMilestone(ctx, g.RangeStart)
	if err != nil {
		return err
	}
	if m == nil {
		// Milestone layer hasn't caught up to this range yet; try again later
		// without counting it as a failure.
		if err := w.cov.ReleaseBackToPending(ctx, g.ID); err != nil {
			return err
		}
		return errAwaitingMilestone
	}

	cutoff := time.Now().Add(-w.compressionThreshold)
	n, err := w.store.FinalizeBlocks(ctx, *m, cutoff)
	if err != nil {
		return err
	}
	w.registry.AddItemsProcessed(w.Name(), uint64(n))

	if m.EndBlock >= g.RangeEnd {
		return w.cov.MarkFilled(ctx, g.ID)
	}
	return w.cov.ShrinkAndRequeue(ctx, g.ID, g.Kind, m.EndBlock+1, g.RangeEnd, g.Source)
}

// fillPriorityFeeGap recomputes total_priority_fee_gwei for [g.RangeStart,
// g.RangeEnd] from freshly fetched blocks and receipts.
func (w *GapFiller) fillPriorityFeeGap(ctx context.Context, g models.Gap) error {
	numbers := rangeSlice(g.RangeStart, g.RangeEnd)
	blocksByNumber := w.el.GetBlocksWithTransactions(ctx, numbers, w.parallelism)
	receiptsByNumber := w.el.GetBlockReceipts(ctx, numbers, w.parallelism)

	cutoff := time.Now().Add(-w.compressionThreshold)
	lastOK, gotAny, processed := g.RangeStart, false, 0
	for _, n := range numbers {
		blk, ok := blocksByNumber[n]
		if !ok {
			break
		}
		agg := computeBlockAggregates(blk, receiptsByNumber[n])
		if err := w.store.RewritePriorityFee(ctx, n, agg.totalPriority, cutoff); err != nil {
			return err
		}
		lastOK = n
		gotAny = true
		processed++
	}
	if processed > 0 {
		w.registry.AddItemsProcessed(w.Name(), uint64(processed))
	}

	if !gotAny {
		return w.cov.RecordFailure(ctx, g.ID, w.maxFailures)
	}
	if lastOK == g.RangeEnd {
		return w.cov.MarkFilled(ctx, g.ID)
	}
	return w.cov.ShrinkAndRequeue(ctx, g.ID, g.Kind, lastOK+1, g.RangeEnd, g.Source)
}
