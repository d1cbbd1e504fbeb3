package store

import (
	"context"
	"fmt"
	"time"
)

func (s *Store) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`
CREATE TABLE IF NOT EXISTS leader_trades (
  leader_trade_id TEXT PRIMARY KEY,
  leader_id TEXT NOT NULL,
  market_ticker TEXT NOT NULL,
  side TEXT NOT NULL,
  amount_micros INTEGER NOT NULL,
  transaction_sig TEXT NOT NULL,
  created_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_leader_trades_leader ON leader_trades(leader_id, created_at DESC);`,
		`
CREATE TABLE IF NOT EXISTS copy_settings (
  follower_id TEXT NOT NULL,
  leader_id TEXT NOT NULL,
  amount_per_trade_micros INTEGER NOT NULL CHECK (amount_per_trade_micros > 0),
  max_total_micros INTEGER NOT NULL CHECK (max_total_micros > 0),
  spent_micros INTEGER NOT NULL DEFAULT 0 CHECK (spent_micros >= 0 AND spent_micros <= max_total_micros),
  enabled INTEGER NOT NULL DEFAULT 1,
  expires_at TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  PRIMARY KEY (follower_id, leader_id)
);`,
		`CREATE INDEX IF NOT EXISTS idx_copy_settings_leader ON copy_settings(leader_id, enabled);`,
		`
CREATE TABLE IF NOT EXISTS delegations (
  user_id TEXT PRIMARY KEY,
  wallet_address TEXT NOT NULL,
  signature TEXT NOT NULL,
  signed_at TEXT,
  revoked_at TEXT,
  updated_at TEXT NOT NULL
);`,
		`
CREATE TABLE IF NOT EXISTS copy_jobs (
  leader_trade_id TEXT NOT NULL REFERENCES leader_trades(leader_trade_id),
  follower_id TEXT NOT NULL,
  leader_id TEXT NOT NULL,
  state TEXT NOT NULL, -- PENDING | DISPATCHED | EXECUTING | SUCCEEDED | SKIPPED | FAILED
  skip_reason TEXT,
  attempt_count INTEGER NOT NULL DEFAULT 0,
  scheduled_at TEXT NOT NULL,
  executed_at TEXT,
  finalized_at TEXT,
  result_signature TEXT,
  error_detail TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  PRIMARY KEY (leader_trade_id, follower_id)
);`,
		`CREATE INDEX IF NOT EXISTS idx_copy_jobs_state ON copy_jobs(state, updated_at);`,
		`CREATE INDEX IF NOT EXISTS idx_copy_jobs_follower ON copy_jobs(follower_id, created_at DESC);`,
	}

	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate exec failed: %w", err)
		}
	}
	return nil
}
