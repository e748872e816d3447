// Package coverage implements the Gap & Coverage Store of spec.md §4.1/§4.5
// /§4.6: the per-stream water-marks GapAnalyzer extends outward, and the gap
// row lifecycle (pending -> filling -> filled/abandoned) GapFiller drives
// under SELECT ... FOR UPDATE SKIP LOCKED mutual exclusion. It shares the
// store package's pool rather than owning a separate one, the same way the
// teacher's leasing methods live alongside its other repository methods
// rather than in a standalone connection.
package coverage

import (
	"context"
	"fmt"
	"time"

	"flowscan-clone/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the coverage/gap persistence layer.
type Store struct {
	db *pgxpool.Pool
}

// New wraps an existing pool. Callers construct this from the same pool
// passed to store.New (both packages share one pgxpool, matching the
// teacher's single Repository over one pool for leases, checkpoints and
// domain tables alike).
func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// GetCoverage returns the coverage row for stream, or ok=false if it hasn't
// been initialized yet.
func (s *Store) GetCoverage(ctx context.Context, stream string) (c models.Coverage, ok bool, err error) {
	c.Stream = stream
	err = s.db.QueryRow(ctx, `
		SELECT low_water_mark, high_water_mark, last_analyzed_at
		FROM app.data_coverage WHERE stream = $1`,
		stream,
	).Scan(&c.LowWaterMark, &c.HighWaterMark, &c.LastAnalyzedAt)
	if err == pgx.ErrNoRows {
		return c, false, nil
	}
	if err != nil {
		return c, false, fmt.Errorf("get coverage %s: %w", stream, err)
	}
	return c, true, nil
}

// InitCoverage seeds the coverage row to [lo, hi] the first time
// GapAnalyzer sees a stream with no prior coverage.
func (s *Store) InitCoverage(ctx context.Context, stream string, lo, hi uint64) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO app.data_coverage (stream, low_water_mark, high_water_mark, last_analyzed_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (stream) DO NOTHING`,
		stream, lo, hi,
	)
	if err != nil {
		return fmt.Errorf("init coverage %s: %w", stream, err)
	}
	return nil
}

// ExtendHigh moves the high water-mark up to newHigh (I4: never narrows).
func (s *Store) ExtendHigh(ctx context.Context, stream string, newHigh uint64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE app.data_coverage
		SET high_water_mark = GREATEST(high_water_mark, $2), last_analyzed_at = NOW()
		WHERE stream = $1`,
		stream, newHigh,
	)
	if err != nil {
		return fmt.Errorf("extend coverage high %s: %w", stream, err)
	}
	return nil
}

// ExtendLow moves the low water-mark down to newLow (I4: never narrows).
func (s *Store) ExtendLow(ctx context.Context, stream string, newLow uint64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE app.data_coverage
		SET low_water_mark = LEAST(low_water_mark, $2), last_analyzed_at = NOW()
		WHERE stream = $1`,
		stream, newLow,
	)
	if err != nil {
		return fmt.Errorf("extend coverage low %s: %w", stream, err)
	}
	return nil
}

// TouchAnalyzed stamps last_analyzed_at without moving either water-mark,
// for the case where a scan edge found nothing to do this cycle.
func (s *Store) TouchAnalyzed(ctx context.Context, stream string) error {
	_, err := s.db.Exec(ctx, `UPDATE app.data_coverage SET last_analyzed_at = NOW() WHERE stream = $1`, stream)
	return err
}

// InsertGap records a new gap row for a maximal consecutive missing run. It
// is a no-op (not an error) if an active (pending/filling) gap already
// covers the exact same range, since GapAnalyzer's scan windows can overlap
// across restarts.
func (s *Store) InsertGap(ctx context.Context, kind string, rangeStart, rangeEnd uint64, source string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO app.gaps (kind, range_start, range_end, state, source, created_at)
		VALUES ($1, $2, $3, 'pending', $4, NOW())
		ON CONFLICT DO NOTHING`,
		kind, rangeStart, rangeEnd, source,
	)
	if err != nil {
		return fmt.Errorf("insert gap %s [%d,%d]: %w", kind, rangeStart, rangeEnd, err)
	}
	return nil
}

// CountOpenGapsByKind returns the number of pending+filling gap rows per
// kind, for the status endpoint.
func (s *Store) CountOpenGapsByKind(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.Query(ctx, `
		SELECT kind, COUNT(*) FROM app.gaps
		WHERE state IN ('pending', 'filling')
		GROUP BY kind`,
	)
	if err != nil {
		return nil, fmt.Errorf("count open gaps: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		out[kind] = n
	}
	return out, rows.Err()
}

// ClaimGap implements the §4.6 claim protocol: in a single transaction,
// select one pending gap row of kind (or any kind if kind == "") with
// FOR UPDATE SKIP LOCKED, mark it filling, and return it. Returns ok=false
// if no pending gap is available right now.
func (s *Store) ClaimGap(ctx context.Context, kind string) (g models.Gap, ok bool, err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return g, false, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		SELECT id, kind, range_start, range_end, state, source, created_at, claimed_at, filled_at, fail_count
		FROM app.gaps
		WHERE state = 'pending'`
	args := []any{}
	if kind != "" {
		query += ` AND kind = $1`
		args = append(args, kind)
	}
	query += ` ORDER BY created_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED`

	err = tx.QueryRow(ctx, query, args...).Scan(
		&g.ID, &g.Kind, &g.RangeStart, &g.RangeEnd, &g.State, &g.Source,
		&g.CreatedAt, &g.ClaimedAt, &g.FilledAt, &g.FailCount,
	)
	if err == pgx.ErrNoRows {
		return g, false, nil
	}
	if err != nil {
		return g, false, fmt.Errorf("claim gap: %w", err)
	}

	now := time.Now()
	if _, err := tx.Exec(ctx, `UPDATE app.gaps SET state = 'filling', claimed_at = $2 WHERE id = $1`, g.ID, now); err != nil {
		return g, false, fmt.Errorf("mark gap %d filling: %w", g.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return g, false, fmt.Errorf("commit claim gap %d: %w", g.ID, err)
	}

	g.State = models.GapStateFilling
	g.ClaimedAt = &now
	return g, true, nil
}

// MarkFilled transitions a claimed gap to filled.
func (s *Store) MarkFilled(ctx context.Context, id int64) error {
	_, err := s.db.Exec(ctx, `UPDATE app.gaps SET state = 'filled', filled_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark gap %d filled: %w", id, err)
	}
	return nil
}

// ShrinkAndRequeue credits the successfully processed prefix of a gap: marks
// the original row filled, and inserts a new pending row for the unfinished
// tail [newStart, original end], preserving I3 (gaps are re-attempted, not
// dropped).
func (s *Store) ShrinkAndRequeue(ctx context.Context, id int64, kind string, newStart, rangeEnd uint64, source string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin shrink tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE app.gaps SET state = 'filled', filled_at = NOW() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("close shrunk gap %d: %w", id, err)
	}
	if newStart <= rangeEnd {
		if _, err := tx.Exec(ctx, `
			INSERT INTO app.gaps (kind, range_start, range_end, state, source, created_at)
			VALUES ($1, $2, $3, 'pending', $4, NOW())
			ON CONFLICT DO NOTHING`,
			kind, newStart, rangeEnd, source,
		); err != nil {
			return fmt.Errorf("requeue gap tail [%d,%d]: %w", newStart, rangeEnd, err)
		}
	}
	return tx.Commit(ctx)
}

// ReleaseBackToPending returns a claimed gap to pending for a later retry
// without crediting any progress or counting a failure (e.g. a
// kind=finality gap whose enclosing milestone doesn't exist yet).
func (s *Store) ReleaseBackToPending(ctx context.Context, id int64) error {
	_, err := s.db.Exec(ctx, `UPDATE app.gaps SET state = 'pending', claimed_at = NULL WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("release gap %d: %w", id, err)
	}
	return nil
}

// RecordFailure increments fail_count and, once it reaches maxFailures,
// abandons the gap instead of returning it to pending.
func (s *Store) RecordFailure(ctx context.Context, id int64, maxFailures int) error {
	_, err := s.db.Exec(ctx, `
		UPDATE app.gaps
		SET fail_count = fail_count + 1,
		    state = CASE WHEN fail_count + 1 >= $2 THEN 'abandoned' ELSE 'pending' END,
		    claimed_at = CASE WHEN fail_count + 1 >= $2 THEN claimed_at ELSE NULL END
		WHERE id = $1`,
		id, maxFailures,
	)
	if err != nil {
		return fmt.Errorf("record failure for gap %d: %w", id, err)
	}
	return nil
}
