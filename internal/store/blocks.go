package store

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"flowscan-clone/internal/models"

	"github.com/jackc/pgx/v5"
)

// UpsertBlock inserts block, or does nothing if number already exists (I1).
// Returns true if a new row was inserted; in that case TableStats(blocks)
// has already been widened and incremented here.
func (s *Store) UpsertBlock(ctx context.Context, b models.Block) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO app.blocks (
			number, "timestamp", block_hash, parent_hash, gas_used, gas_limit,
			base_fee_gwei, min_priority_fee_gwei, max_priority_fee_gwei,
			avg_priority_fee_gwei, med_priority_fee_gwei,
			total_base_fee_gwei, total_priority_fee_gwei, tx_count,
			block_time_sec, mgas_per_sec, tps, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,NOW())
		ON CONFLICT (number) DO NOTHING`,
		b.Number, b.Timestamp, b.BlockHash, b.ParentHash, b.GasUsed, b.GasLimit,
		bigFloatToNumeric(b.BaseFeeGwei), bigFloatToNumeric(b.MinPriorityFee), bigFloatToNumeric(b.MaxPriorityFee),
		bigFloatToNumeric(b.AvgPriorityFee), bigFloatToNumeric(b.MedPriorityFee),
		bigFloatToNumeric(b.TotalBaseFee), bigFloatToNumeric(b.TotalPriority), b.TxCount,
		b.BlockTimeSec, b.MgasPerSec, b.TPS,
	)
	if err != nil {
		return false, wrapDBErr(err, "upsert block %d", b.Number)
	}
	inserted := tag.RowsAffected() == 1
	if inserted {
		if err := s.bumpBlockStatsOnInsert(ctx, b.Number); err != nil {
			return true, err
		}
	}
	return inserted, nil
}

// UpsertBlocksBatch bulk-inserts blocks via UNNEST with ON CONFLICT DO
// NOTHING, the pattern the teacher uses for its bulk block/lookup path, and
// bumps stats once with the actual inserted count.
func (s *Store) UpsertBlocksBatch(ctx context.Context, blocks []models.Block) (int, error) {
	if len(blocks) == 0 {
		return 0, nil
	}

	numbers := make([]int64, len(blocks))
	timestamps := make([]time.Time, len(blocks))
	hashes := make([]string, len(blocks))
	parentHashes := make([]string, len(blocks))
	gasUsed := make([]int64, len(blocks))
	gasLimit := make([]int64, len(blocks))
	baseFee := make([]any, len(blocks))
	minFee := make([]any, len(blocks))
	maxFee := make([]any, len(blocks))
	avgFee := make([]any, len(blocks))
	medFee := make([]any, len(blocks))
	totalBaseFee := make([]any, len(blocks))
	totalPriority := make([]any, len(blocks))
	txCounts := make([]int32, len(blocks))
	blockTimeSec := make([]any, len(blocks))
	mgasPerSec := make([]any, len(blocks))
	tps := make([]any, len(blocks))

	for i, b := range blocks {
		numbers[i] = int64(b.Number)
		timestamps[i] = b.Timestamp
		hashes[i] = b.BlockHash
		parentHashes[i] = b.ParentHash
		gasUsed[i] = int64(b.GasUsed)
		gasLimit[i] = int64(b.GasLimit)
		baseFee[i] = bigFloatToNumeric(b.BaseFeeGwei)
		minFee[i] = bigFloatToNumeric(b.MinPriorityFee)
		maxFee[i] = bigFloatToNumeric(b.MaxPriorityFee)
		avgFee[i] = bigFloatToNumeric(b.AvgPriorityFee)
		medFee[i] = bigFloatToNumeric(b.MedPriorityFee)
		totalBaseFee[i] = bigFloatToNumeric(b.TotalBaseFee)
		totalPriority[i] = bigFloatToNumeric(b.TotalPriority)
		txCounts[i] = int32(b.TxCount)
		blockTimeSec[i] = derefFloat(b.BlockTimeSec)
		mgasPerSec[i] = derefFloat(b.MgasPerSec)
		tps[i] = derefFloat(b.TPS)
	}

	tag, err := s.db.Exec(ctx, `
		INSERT INTO app.blocks (
			number, "timestamp", block_hash, parent_hash, gas_used, gas_limit,
			base_fee_gwei, min_priority_fee_gwei, max_priority_fee_gwei,
			avg_priority_fee_gwei, med_priority_fee_gwei,
			total_base_fee_gwei, total_priority_fee_gwei, tx_count,
			block_time_sec, mgas_per_sec, tps, updated_at
		)
		SELECT u.*, NOW() FROM UNNEST(
			$1::bigint[], $2::timestamptz[], $3::text[], $4::text[],
			$5::bigint[], $6::bigint[],
			$7::numeric[], $8::numeric[], $9::numeric[], $10::numeric[], $11::numeric[],
			$12::numeric[], $13::numeric[], $14::int[],
			$15::double precision[], $16::double precision[], $17::double precision[]
		) AS u(
			number, "timestamp", block_hash, parent_hash, gas_used, gas_limit,
			base_fee_gwei, min_priority_fee_gwei, max_priority_fee_gwei,
			avg_priority_fee_gwei, med_priority_fee_gwei,
			total_base_fee_gwei, total_priority_fee_gwei, tx_count,
			block_time_sec, mgas_per_sec, tps
		)
		ON CONFLICT (number) DO NOTHING`,
		numbers, timestamps, hashes, parentHashes, gasUsed, gasLimit,
		baseFee, minFee, maxFee, avgFee, medFee,
		totalBaseFee, totalPriority, txCounts,
		blockTimeSec, mgasPerSec, tps,
	)
	if err != nil {
		return 0, wrapDBErr(err, "upsert blocks batch")
	}

	inserted := int(tag.RowsAffected())
	if inserted > 0 {
		lo, hi := blocks[0].Number, blocks[0].Number
		for _, b := range blocks {
			if b.Number < lo {
				lo = b.Number
			}
			if b.Number > hi {
				hi = b.Number
			}
		}
		if err := s.UpdateTableStats(ctx, models.TableBlocks, lo, hi, int64(inserted)); err != nil {
			return inserted, err
		}
	}
	return inserted, nil
}

func derefFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

// bumpBlockStatsOnInsert is the single-row path's stats increment: widen
// min/max and add one to total_count.
func (s *Store) bumpBlockStatsOnInsert(ctx context.Context, number uint64) error {
	return s.UpdateTableStats(ctx, models.TableBlocks, number, number, 1)
}

// FinalizeBlocks marks every unfinalized block in [m.StartBlock, m.EndBlock]
// finalized, transactionally, and returns the affected count. cutoff
// excludes rows older than the compression threshold: per §9's design note,
// those live in compressed partitions that are not updatable, so finality
// reconciliation older than the threshold is intentionally out of scope
// rather than a gap worth chasing.
func (s *Store) FinalizeBlocks(ctx context.Context, m models.Milestone, cutoff time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE app.blocks
		SET finalized = TRUE,
		    finalized_at = $3,
		    milestone_id = $4,
		    time_to_finality_sec = EXTRACT(EPOCH FROM ($3 - "timestamp")),
		    updated_at = NOW()
		WHERE number BETWEEN $1 AND $2 AND NOT finalized AND "timestamp" >= $5`,
		m.StartBlock, m.EndBlock, m.Timestamp, m.MilestoneID, cutoff,
	)
	if err != nil {
		return 0, wrapDBErr(err, "finalize blocks [%d,%d]", m.StartBlock, m.EndBlock)
	}
	n := int(tag.RowsAffected())
	if n > 0 {
		if err := s.bumpFinalizedCount(ctx, models.TableBlocks, n, m.StartBlock, m.EndBlock); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (s *Store) bumpFinalizedCount(ctx context.Context, table string, delta int, lo, hi uint64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE app.table_stats
		SET finalized_count = finalized_count + $2,
		    min_finalized = LEAST(COALESCE(min_finalized, $3), $3),
		    max_finalized = GREATEST(COALESCE(max_finalized, $4), $4),
		    updated_at = NOW()
		WHERE "table" = $1`,
		table, delta, lo, hi,
	)
	return err
}

// RewritePriorityFee updates a single block's recomputed total priority fee.
// cutoff excludes blocks older than the compression threshold for the same
// reason FinalizeBlocks does: those partitions are not updatable.
func (s *Store) RewritePriorityFee(ctx context.Context, number uint64, totalPriorityFeeGwei *big.Float, cutoff time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE app.blocks
		SET total_priority_fee_gwei = $2, updated_at = NOW()
		WHERE number = $1 AND "timestamp" >= $3`,
		number, bigFloatToNumeric(totalPriorityFeeGwei), cutoff,
	)
	if err != nil {
		return wrapDBErr(err, "rewrite priority fee for block %d", number)
	}
	return nil
}

// GetBlockTimestamp returns the stored timestamp for number, used to seed
// the derived-rate fields of the next block in sequence.
func (s *Store) GetBlockTimestamp(ctx context.Context, number uint64) (time.Time, bool, error) {
	var ts time.Time
	err := s.db.QueryRow(ctx, `SELECT "timestamp" FROM app.blocks WHERE number = $1`, number).Scan(&ts)
	if err == pgx.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, wrapDBErr(err, "get block timestamp %d", number)
	}
	return ts, true, nil
}

// FindMissingBlocks returns the ids in [lo, hi] that have no row in
// app.blocks, via a set-difference against generate_series.
func (s *Store) FindMissingBlocks(ctx context.Context, lo, hi uint64) ([]uint64, error) {
	return s.findMissing(ctx, "app.blocks", "number", lo, hi)
}

// FindMissingMilestones returns the sequence ids in [lo, hi] that have no
// row in app.milestones.
func (s *Store) FindMissingMilestones(ctx context.Context, lo, hi uint64) ([]uint64, error) {
	return s.findMissing(ctx, "app.milestones", "sequence_id", lo, hi)
}

func (s *Store) findMissing(ctx context.Context, table, column string, lo, hi uint64) ([]uint64, error) {
	if lo > hi {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, fmt.Sprintf(`
		SELECT g.id
		FROM generate_series($1::bigint, $2::bigint) AS g(id)
		LEFT JOIN %s t ON t.%s = g.id
		WHERE t.%s IS NULL
		ORDER BY g.id`, table, column, column),
		lo, hi,
	)
	if err != nil {
		return nil, wrapDBErr(err, "find missing in %s", table)
	}
	defer rows.Close()

	var out []uint64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, uint64(id))
	}
	return out, rows.Err()
}

// FindUnfinalizedBlocksIn returns up to limit unfinalized block numbers in
// [lo, hi], ascending.
func (s *Store) FindUnfinalizedBlocksIn(ctx context.Context, lo, hi uint64, limit int) ([]uint64, error) {
	rows, err := s.db.Query(ctx, `
		SELECT number FROM app.blocks
		WHERE number BETWEEN $1 AND $2 AND NOT finalized
		ORDER BY number
		LIMIT $3`,
		lo, hi, limit,
	)
	if err != nil {
		return nil, wrapDBErr(err, "find unfinalized blocks [%d,%d]", lo, hi)
	}
	defer rows.Close()

	var out []uint64
	for rows.Next() {
		var n int64
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, uint64(n))
	}
	return out, rows.Err()
}

// FindBlocksMissingPriorityFee returns numbers in [lo, hi] no older than
// cutoff with tx_count > 0 whose priority-fee columns still need
// PriorityFeeRecomputer's attention; bounded by cutoff for the same
// not-updatable-partition reason FinalizeBlocks is.
func (s *Store) FindBlocksMissingPriorityFee(ctx context.Context, lo, hi uint64, cutoff time.Time) ([]uint64, error) {
	rows, err := s.db.Query(ctx, `
		SELECT number FROM app.blocks
		WHERE number BETWEEN $1 AND $2
		  AND tx_count > 0
		  AND "timestamp" >= $3
		  AND (avg_priority_fee_gwei IS NULL OR total_priority_fee_gwei IS NULL)
		ORDER BY number`,
		lo, hi, cutoff,
	)
	if err != nil {
		return nil, wrapDBErr(err, "find priority-fee-pending blocks [%d,%d]", lo, hi)
	}
	defer rows.Close()

	var out []uint64
	for rows.Next() {
		var n int64
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, uint64(n))
	}
	return out, rows.Err()
}

// FindUnfinalizedWithinWindow returns numbers of unfinalized blocks in
// [lo, hi] no older than cutoff, used by GapAnalyzer's finality scan: per
// §9's design note, reconciliation only ever targets the updatable window
// (compressed partitions older than the threshold are intentionally out of
// scope), so a finality gap is only worth recording inside that window.
func (s *Store) FindUnfinalizedWithinWindow(ctx context.Context, lo, hi uint64, cutoff time.Time) ([]uint64, error) {
	rows, err := s.db.Query(ctx, `
		SELECT number FROM app.blocks
		WHERE number BETWEEN $1 AND $2 AND NOT finalized AND "timestamp" >= $3
		ORDER BY number`,
		lo, hi, cutoff,
	)
	if err != nil {
		return nil, wrapDBErr(err, "find unfinalized within window since %s", cutoff)
	}
	defer rows.Close()

	var out []uint64
	for rows.Next() {
		var n int64
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, uint64(n))
	}
	return out, rows.Err()
}

// EnclosingMilestone finds the milestone whose [start_block, end_block]
// covers number, if any. Used by GapFiller when filling a finality gap.
func (s *Store) EnclosingMilestone(ctx context.Context, number uint64) (*models.Milestone, error) {
	var m models.Milestone
	err := s.db.QueryRow(ctx, `
		SELECT milestone_id, sequence_id, start_block, end_block, hash, proposer, "timestamp"
		FROM app.milestones
		WHERE start_block <= $1 AND end_block >= $1
		ORDER BY sequence_id DESC
		LIMIT 1`,
		number,
	).Scan(&m.MilestoneID, &m.SequenceID, &m.StartBlock, &m.EndBlock, &m.Hash, &m.Proposer, &m.Timestamp)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDBErr(err, "enclosing milestone for block %d", number)
	}
	return &m, nil
}
