package store

import "context"

// ensureSchema creates every table this service owns if it doesn't already
// exist. Production deployments are expected to manage the schema through
// migrations; this exists so a fresh environment (and the test suite) can
// stand the schema up without one, mirroring the teacher's
// ensureScriptTemplatesSchema for a single ad-hoc table.
func (s *Store) ensureSchema(ctx context.Context) error {
	const ddl = `
		CREATE SCHEMA IF NOT EXISTS app;

		CREATE TABLE IF NOT EXISTS app.blocks (
			number                  BIGINT PRIMARY KEY,
			"timestamp"             TIMESTAMPTZ NOT NULL,
			block_hash              TEXT NOT NULL,
			parent_hash             TEXT NOT NULL,
			gas_used                BIGINT NOT NULL,
			gas_limit               BIGINT NOT NULL,
			base_fee_gwei           NUMERIC,
			min_priority_fee_gwei   NUMERIC,
			max_priority_fee_gwei   NUMERIC,
			avg_priority_fee_gwei   NUMERIC,
			med_priority_fee_gwei   NUMERIC,
			total_base_fee_gwei     NUMERIC,
			total_priority_fee_gwei NUMERIC,
			tx_count                INT NOT NULL DEFAULT 0,
			block_time_sec          DOUBLE PRECISION,
			mgas_per_sec            DOUBLE PRECISION,
			tps                     DOUBLE PRECISION,
			finalized               BOOLEAN NOT NULL DEFAULT FALSE,
			finalized_at            TIMESTAMPTZ,
			milestone_id            BIGINT,
			time_to_finality_sec    DOUBLE PRECISION,
			updated_at              TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_blocks_unfinalized ON app.blocks (number) WHERE NOT finalized;
		CREATE INDEX IF NOT EXISTS idx_blocks_priority_fee_pending ON app.blocks (number)
			WHERE tx_count > 0 AND (avg_priority_fee_gwei IS NULL OR total_priority_fee_gwei IS NULL);

		CREATE TABLE IF NOT EXISTS app.milestones (
			milestone_id BIGINT PRIMARY KEY,
			sequence_id  BIGINT NOT NULL UNIQUE,
			start_block  BIGINT NOT NULL,
			end_block    BIGINT NOT NULL,
			hash         TEXT NOT NULL,
			proposer     TEXT NOT NULL,
			"timestamp"  TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_milestones_range ON app.milestones (start_block, end_block);

		CREATE TABLE IF NOT EXISTS app.table_stats (
			"table"         TEXT PRIMARY KEY,
			min_value       BIGINT NOT NULL DEFAULT 0,
			max_value       BIGINT NOT NULL DEFAULT 0,
			total_count     BIGINT NOT NULL DEFAULT 0,
			finalized_count BIGINT NOT NULL DEFAULT 0,
			min_finalized   BIGINT,
			max_finalized   BIGINT,
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS app.priority_fee_fix_status (
			id                    BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (id),
			fix_deployed_at_block BIGINT NOT NULL,
			last_fixed_block      BIGINT NOT NULL,
			updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS app.data_coverage (
			stream           TEXT PRIMARY KEY,
			low_water_mark   BIGINT NOT NULL,
			high_water_mark  BIGINT NOT NULL,
			last_analyzed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS app.gaps (
			id           BIGSERIAL PRIMARY KEY,
			kind         TEXT NOT NULL,
			range_start  BIGINT NOT NULL,
			range_end    BIGINT NOT NULL,
			state        TEXT NOT NULL DEFAULT 'pending',
			source       TEXT NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			claimed_at   TIMESTAMPTZ,
			filled_at    TIMESTAMPTZ,
			fail_count   INT NOT NULL DEFAULT 0
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_gaps_active_range
			ON app.gaps (kind, range_start, range_end)
			WHERE state IN ('pending', 'filling');
		CREATE INDEX IF NOT EXISTS idx_gaps_claimable ON app.gaps (kind, state) WHERE state = 'pending';
	`
	_, err := s.db.Exec(ctx, ddl)
	return err
}
