// Package store is the Store Gateway of spec.md §4.2: a thin abstraction
// over the relational store exposing idempotent upserts, range readers and
// the maintained stats caches. The pgxpool configuration mirrors the
// teacher's repository.NewRepository.
package store

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps a pgx connection pool. All methods are safe for concurrent use
// by multiple workers; there is no cross-worker locking beyond what
// individual methods document (gap claims use SELECT ... FOR UPDATE SKIP
// LOCKED in the coverage package).
type Store struct {
	db *pgxpool.Pool
}

// New connects to dbURL with the pool tuned the same way across every
// deployment of this service: connections are recycled periodically so they
// don't outlive a rolling deploy, and runtime parameters kill orphaned
// queries/transactions rather than letting them hold locks indefinitely.
func New(ctx context.Context, dbURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, wrapDBErr(err, "parse database url")
	}

	if v := os.Getenv("DB_MAX_OPEN_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConns = int32(n)
		}
	}
	if v := os.Getenv("DB_MAX_IDLE_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MinConns = int32(n)
		}
	}
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if _, ok := cfg.ConnConfig.RuntimeParams["statement_timeout"]; !ok {
		cfg.ConnConfig.RuntimeParams["statement_timeout"] = envOrDefault("DB_STATEMENT_TIMEOUT", "30000")
	}
	if _, ok := cfg.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"]; !ok {
		cfg.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"] = envOrDefault("DB_IDLE_TX_TIMEOUT", "120000")
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, wrapDBErr(err, "connect to database")
	}

	s := &Store{db: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, wrapDBErr(err, "ensure schema")
	}
	return s, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Close releases the pool.
func (s *Store) Close() {
	s.db.Close()
}

// Pool exposes the underlying connection pool so sibling packages (coverage)
// can share it instead of opening a second pool against the same database.
func (s *Store) Pool() *pgxpool.Pool {
	return s.db
}
