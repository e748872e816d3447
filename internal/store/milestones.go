package store

import (
	"context"

	"github.com/jackc/pgx/v5"

	"flowscan-clone/internal/models"
)

// UpsertMilestone inserts m, or does nothing if milestone_id already exists
// (I1). Returns true if a new row was inserted.
func (s *Store) UpsertMilestone(ctx context.Context, m models.Milestone) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO app.milestones (milestone_id, sequence_id, start_block, end_block, hash, proposer, "timestamp")
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (milestone_id) DO NOTHING`,
		m.MilestoneID, m.SequenceID, m.StartBlock, m.EndBlock, m.Hash, m.Proposer, m.Timestamp,
	)
	if err != nil {
		return false, wrapDBErr(err, "upsert milestone %d", m.MilestoneID)
	}
	inserted := tag.RowsAffected() == 1
	if inserted {
		if err := s.UpdateTableStats(ctx, models.TableMilestones, m.SequenceID, m.SequenceID, 1); err != nil {
			return true, err
		}
	}
	return inserted, nil
}

// GetLatestMilestone returns the highest-sequence_id row, used by the status
// endpoint to report the milestones stream's latest point.
func (s *Store) GetLatestMilestone(ctx context.Context) (models.Milestone, bool, error) {
	var m models.Milestone
	err := s.db.QueryRow(ctx, `
		SELECT milestone_id, sequence_id, start_block, end_block, hash, proposer, "timestamp"
		FROM app.milestones
		ORDER BY sequence_id DESC
		LIMIT 1`,
	).Scan(&m.MilestoneID, &m.SequenceID, &m.StartBlock, &m.EndBlock, &m.Hash, &m.Proposer, &m.Timestamp)
	if err == pgx.ErrNoRows {
		return models.Milestone{}, false, nil
	}
	if err != nil {
		return models.Milestone{}, false, wrapDBErr(err, "get latest milestone")
	}
	return m, true, nil
}

// UpsertMilestonesBatch bulk-inserts milestones the same way
// UpsertBlocksBatch does for blocks.
func (s *Store) UpsertMilestonesBatch(ctx context.Context, ms []models.Milestone) (int, error) {
	if len(ms) == 0 {
		return 0, nil
	}

	milestoneIDs := make([]int64, len(ms))
	sequenceIDs := make([]int64, len(ms))
	startBlocks := make([]int64, len(ms))
	endBlocks := make([]int64, len(ms))
	hashes := make([]string, len(ms))
	proposers := make([]string, len(ms))
	timestamps := make([]any, len(ms))

	for i, m := range ms {
		milestoneIDs[i] = int64(m.MilestoneID)
		sequenceIDs[i] = int64(m.SequenceID)
		startBlocks[i] = int64(m.StartBlock)
		endBlocks[i] = int64(m.EndBlock)
		hashes[i] = m.Hash
		proposers[i] = m.Proposer
		timestamps[i] = m.Timestamp
	}

	tag, err := s.db.Exec(ctx, `
		INSERT INTO app.milestones (milestone_id, sequence_id, start_block, end_block, hash, proposer, "timestamp")
		SELECT * FROM UNNEST(
			$1::bigint[], $2::bigint[], $3::bigint[], $4::bigint[], $5::text[], $6::text[], $7::timestamptz[]
		) AS u(milestone_id, sequence_id, start_block, end_block, hash, proposer, "timestamp")
		ON CONFLICT (milestone_id) DO NOTHING`,
		milestoneIDs, sequenceIDs, startBlocks, endBlocks, hashes, proposers, timestamps,
	)
	if err != nil {
		return 0, wrapDBErr(err, "upsert milestones batch")
	}

	inserted := int(tag.RowsAffected())
	if inserted > 0 {
		lo, hi := ms[0].SequenceID, ms[0].SequenceID
		for _, m := range ms {
			if m.SequenceID < lo {
				lo = m.SequenceID
			}
			if m.SequenceID > hi {
				hi = m.SequenceID
			}
		}
		if err := s.UpdateTableStats(ctx, models.TableMilestones, lo, hi, int64(inserted)); err != nil {
			return inserted, err
		}
	}
	return inserted, nil
}
