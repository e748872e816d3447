// Package workers implements the seven cooperating long-running workers of
// spec.md §4.3-4.8. Every worker follows the same cooperative-loop shape as
// the teacher's ingester.AsyncWorker: a cancellable sleep separates cycles, every
// suspension point (RPC call, database call, sleep) checks ctx first so
// shutdown is prompt, and a worker never shares mutable state with another
// worker except through the store, the coverage store, and the status
// registry.
package workers

import (
	"context"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/core/types"

	"flowscan-clone/internal/models"
	"flowscan-clone/internal/rpcerr"
	"flowscan-clone/internal/rpcpool"
)

var gweiDivisor = big.NewFloat(1e9)

// weiToGwei converts a wei-denominated *big.Int into gwei, or nil if v is
// nil (absent baseFeePerGas on a pre-fork block).
func weiToGwei(v *big.Int) *big.Float {
	if v == nil {
		return nil
	}
	return new(big.Float).Quo(new(big.Float).SetInt(v), gweiDivisor)
}

// txPriorityFeeWei returns the priority fee per spec.md §4.8: maxPriorityFeePerGas
// if the tx carries one (EIP-1559/EIP-4844 types), else max(gasPrice - baseFee, 0).
func txPriorityFeeWei(tx *types.Transaction, baseFee *big.Int) *big.Int {
	switch tx.Type() {
	case types.DynamicFeeTxType, types.BlobTxType:
		return tx.GasTipCap()
	default:
		if baseFee == nil {
			return new(big.Int).Set(tx.GasPrice())
		}
		tip := new(big.Int).Sub(tx.GasPrice(), baseFee)
		if tip.Sign() < 0 {
			return big.NewInt(0)
		}
		return tip
	}
}

// blockAggregates computes the per-block derived fields from a fetched block
// and its receipts, keyed by transaction hash so ordering mismatches between
// the two RPC calls don't misattribute gas_used.
type blockAggregates struct {
	baseFeeGwei    *big.Float
	minPriority    *big.Float
	maxPriority    *big.Float
	avgPriority    *big.Float
	medPriority    *big.Float
	totalBaseFee   *big.Float
	totalPriority  *big.Float
}

func computeBlockAggregates(blk *types.Block, receipts []*types.Receipt) blockAggregates {
	var agg blockAggregates
	agg.baseFeeGwei = weiToGwei(blk.BaseFee())

	gasUsedByHash := make(map[string]uint64, len(receipts))
	for _, r := range receipts {
		gasUsedByHash[r.TxHash.Hex()] = r.GasUsed
	}

	txs := blk.Transactions()
	if len(txs) == 0 {
		return agg
	}

	priorityFeesWei := make([]*big.Int, 0, len(txs))
	totalPriorityWei := new(big.Int)
	totalBaseFeeWei := new(big.Int)
	for _, tx := range txs {
		tip := txPriorityFeeWei(tx, blk.BaseFee())
		priorityFeesWei = append(priorityFeesWei, tip)

		gasUsed, ok := gasUsedByHash[tx.Hash().Hex()]
		if !ok {
			gasUsed = tx.Gas()
		}
		gasUsedBig := new(big.Int).SetUint64(gasUsed)

		totalPriorityWei.Add(totalPriorityWei, new(big.Int).Mul(tip, gasUsedBig))
		if blk.BaseFee() != nil {
			totalBaseFeeWei.Add(totalBaseFeeWei, new(big.Int).Mul(blk.BaseFee(), gasUsedBig))
		}
	}

	sort.Slice(priorityFeesWei, func(i, j int) bool { return priorityFeesWei[i].Cmp(priorityFeesWei[j]) < 0 })
	agg.minPriority = weiToGwei(priorityFeesWei[0])
	agg.maxPriority = weiToGwei(priorityFeesWei[len(priorityFeesWei)-1])
	agg.medPriority = weiToGwei(priorityFeesWei[len(priorityFeesWei)/2])

	sumWei := new(big.Int)
	for _, f := range priorityFeesWei {
		sumWei.Add(sumWei, f)
	}
	avgWei := new(big.Int).Div(sumWei, big.NewInt(int64(len(priorityFeesWei))))
	agg.avgPriority = weiToGwei(avgWei)

	agg.totalBaseFee = weiToGwei(totalBaseFeeWei)
	agg.totalPriority = weiToGwei(totalPriorityWei)
	return agg
}

// toModelBlock builds a models.Block from a fetched block/receipts pair and
// the previous block's timestamp (for the derived rate fields). When
// prevTimestamp is nil (the previous block's timestamp is not known) the
// derived fields are left nil.
func toModelBlock(blk *types.Block, receipts []*types.Receipt, prevTimestamp *time.Time) models.Block {
	agg := computeBlockAggregates(blk, receipts)
	ts := time.Unix(int64(blk.Time()), 0).UTC()

	b := models.Block{
		Number:         blk.NumberU64(),
		Timestamp:      ts,
		BlockHash:      blk.Hash().Hex(),
		ParentHash:     blk.ParentHash().Hex(),
		GasUsed:        blk.GasUsed(),
		GasLimit:       blk.GasLimit(),
		BaseFeeGwei:    agg.baseFeeGwei,
		MinPriorityFee: agg.minPriority,
		MaxPriorityFee: agg.maxPriority,
		AvgPriorityFee: agg.avgPriority,
		MedPriorityFee: agg.medPriority,
		TotalBaseFee:   agg.totalBaseFee,
		TotalPriority:  agg.totalPriority,
		TxCount:        len(blk.Transactions()),
	}

	if prevTimestamp != nil {
		dt := ts.Sub(*prevTimestamp).Seconds()
		if dt > 0 {
			b.BlockTimeSec = &dt
			mgas := float64(b.GasUsed) / 1e6 / dt
			b.MgasPerSec = &mgas
			tps := float64(b.TxCount) / dt
			b.TPS = &tps
		}
	}
	return b
}

// consecutiveRuns groups a sorted slice of ids into maximal runs of
// consecutive values, used by GapAnalyzer to turn a missing-ids list into
// the minimal set of gap rows.
func consecutiveRuns(ids []uint64) [][2]uint64 {
	if len(ids) == 0 {
		return nil
	}
	var runs [][2]uint64
	start, prev := ids[0], ids[0]
	for _, id := range ids[1:] {
		if id == prev+1 {
			prev = id
			continue
		}
		runs = append(runs, [2]uint64{start, prev})
		start, prev = id, id
	}
	runs = append(runs, [2]uint64{start, prev})
	return runs
}

// sleepCtx sleeps for d or returns early if ctx is cancelled, satisfying the
// §5 requirement that every worker loop has a cancellable suspension point.
func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// backoffFor maps a pool error to the back-off the caller should apply per
// §4.4/§4.8's Exhausted/transient/permanent distinction. Transient errors grow
// along transient's exponential curve rather than sleeping a fixed interval,
// since a run of transient errors usually means an endpoint is struggling and
// hammering it at a fixed cadence only makes that worse.
func backoffFor(err error, exhaustedRetry time.Duration, transient *rpcpool.Backoff, permanentRetry time.Duration) time.Duration {
	switch rpcerr.ClassifyOf(err) {
	case rpcerr.KindExhausted:
		return exhaustedRetry
	case rpcerr.KindPermanentData, rpcerr.KindFatal:
		return permanentRetry
	default:
		return transient.Next()
	}
}

// workerRunner is implemented by every worker; cmd/server/main.go declares
// the same method set locally to start and track them uniformly.
type workerRunner interface {
	Run(ctx context.Context)
	Name() string
}
