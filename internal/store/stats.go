package store

import (
	"context"
	"fmt"

	"flowscan-clone/internal/models"

	"github.com/jackc/pgx/v5"
)

// GetTableStats returns the maintained cache row for table. If no row
// exists yet it returns a zero-value stats row with no error, matching the
// "cache, not source of truth" framing (I5): a missing row just means
// nothing has been computed yet.
func (s *Store) GetTableStats(ctx context.Context, table string) (models.TableStats, error) {
	var t models.TableStats
	t.Table = table
	err := s.db.QueryRow(ctx, `
		SELECT min_value, max_value, total_count, finalized_count, min_finalized, max_finalized, updated_at
		FROM app.table_stats WHERE "table" = $1`,
		table,
	).Scan(&t.MinValue, &t.MaxValue, &t.TotalCount, &t.FinalizedCount, &t.MinFinalized, &t.MaxFinalized, &t.UpdatedAt)
	if err == pgx.ErrNoRows {
		return t, nil
	}
	if err != nil {
		return t, wrapDBErr(err, "get table stats %s", table)
	}
	return t, nil
}

// UpdateTableStats incrementally widens min/max and adds delta to
// total_count. Called by the insert paths; never narrows the range, so
// concurrent out-of-order backfill/tip writes can never un-widen a bound.
func (s *Store) UpdateTableStats(ctx context.Context, table string, lo, hi uint64, delta int64) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO app.table_stats ("table", min_value, max_value, total_count, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT ("table") DO UPDATE SET
			min_value   = LEAST(app.table_stats.min_value, EXCLUDED.min_value),
			max_value   = GREATEST(app.table_stats.max_value, EXCLUDED.max_value),
			total_count = app.table_stats.total_count + EXCLUDED.total_count,
			updated_at  = NOW()`,
		table, lo, hi, delta,
	)
	if err != nil {
		return wrapDBErr(err, "update table stats %s", table)
	}
	return nil
}

// RefreshTableStats performs the authoritative full scan of table, replacing
// the incrementally maintained row. table must be one of models.TableBlocks
// or models.TableMilestones; the id/finalized columns differ between them.
func (s *Store) RefreshTableStats(ctx context.Context, table string) error {
	var query string
	switch table {
	case models.TableBlocks:
		query = `
			SELECT COALESCE(MIN(number),0), COALESCE(MAX(number),0), COUNT(*),
			       COUNT(*) FILTER (WHERE finalized),
			       MIN(number) FILTER (WHERE finalized), MAX(number) FILTER (WHERE finalized)
			FROM app.blocks`
	case models.TableMilestones:
		query = `
			SELECT COALESCE(MIN(sequence_id),0), COALESCE(MAX(sequence_id),0), COUNT(*), 0, NULL, NULL
			FROM app.milestones`
	default:
		return fmt.Errorf("refresh table stats: unknown table %q", table)
	}

	var lo, hi, total, finalized uint64
	var minFinalized, maxFinalized *uint64
	if err := s.db.QueryRow(ctx, query).Scan(&lo, &hi, &total, &finalized, &minFinalized, &maxFinalized); err != nil {
		return wrapDBErr(err, "refresh table stats %s", table)
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO app.table_stats ("table", min_value, max_value, total_count, finalized_count, min_finalized, max_finalized, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
		ON CONFLICT ("table") DO UPDATE SET
			min_value = EXCLUDED.min_value,
			max_value = EXCLUDED.max_value,
			total_count = EXCLUDED.total_count,
			finalized_count = EXCLUDED.finalized_count,
			min_finalized = EXCLUDED.min_finalized,
			max_finalized = EXCLUDED.max_finalized,
			updated_at = NOW()`,
		table, lo, hi, total, finalized, minFinalized, maxFinalized,
	)
	if err != nil {
		return wrapDBErr(err, "write refreshed table stats %s", table)
	}
	return nil
}

// GetMilestoneAggregates computes the aggregates over the milestones stream
// directly from app.milestones on each call; no cached row is kept.
func (s *Store) GetMilestoneAggregates(ctx context.Context) (models.MilestoneAggregates, error) {
	var a models.MilestoneAggregates
	err := s.db.QueryRow(ctx, `
		SELECT COALESCE(MIN(sequence_id),0), COALESCE(MAX(sequence_id),0),
		       COALESCE(MIN(start_block),0), COALESCE(MAX(end_block),0), COUNT(*)
		FROM app.milestones`,
	).Scan(&a.MinSequenceID, &a.MaxSequenceID, &a.MinStartBlock, &a.MaxEndBlock, &a.Count)
	if err != nil {
		return a, wrapDBErr(err, "get milestone aggregates")
	}
	return a, nil
}

// GetPriorityFeeFixStatus returns the singleton row, or ok=false if it has
// never been initialized.
func (s *Store) GetPriorityFeeFixStatus(ctx context.Context) (st models.PriorityFeeFixStatus, ok bool, err error) {
	err = s.db.QueryRow(ctx, `
		SELECT fix_deployed_at_block, last_fixed_block, updated_at
		FROM app.priority_fee_fix_status WHERE id = TRUE`,
	).Scan(&st.FixDeployedAtBlock, &st.LastFixedBlock, &st.UpdatedAt)
	if err == pgx.ErrNoRows {
		return st, false, nil
	}
	if err != nil {
		return st, false, wrapDBErr(err, "get priority fee fix status")
	}
	return st, true, nil
}

// InitPriorityFeeFixStatus seeds the singleton row the first time
// PriorityFeeRecomputer runs.
func (s *Store) InitPriorityFeeFixStatus(ctx context.Context, deployedAtBlock uint64) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO app.priority_fee_fix_status (id, fix_deployed_at_block, last_fixed_block, updated_at)
		VALUES (TRUE, $1, $1, NOW())
		ON CONFLICT (id) DO NOTHING`,
		deployedAtBlock,
	)
	if err != nil {
		return wrapDBErr(err, "init priority fee fix status")
	}
	return nil
}

// AdvancePriorityFeeFix moves last_fixed_block down to newLastFixed: the
// fix sweep walks backward from fix_deployed_at_block toward genesis, so
// LEAST keeps this monotonically decreasing even if a gap-fill call races
// a sweep call with a higher number.
func (s *Store) AdvancePriorityFeeFix(ctx context.Context, newLastFixed uint64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE app.priority_fee_fix_status
		SET last_fixed_block = LEAST(last_fixed_block, $1), updated_at = NOW()
		WHERE id = TRUE`,
		newLastFixed,
	)
	if err != nil {
		return wrapDBErr(err, "advance priority fee fix")
	}
	return nil
}
