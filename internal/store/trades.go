package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InsertLeaderTrade records an intake event. Re-delivery of the same
// leaderTradeId is a no-op; the first write wins.
func (s *Store) InsertLeaderTrade(ctx context.Context, t LeaderTrade) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO leader_trades (leader_trade_id, leader_id, market_ticker, side, amount_micros, transaction_sig, created_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT (leader_trade_id) DO NOTHING
`, t.LeaderTradeID, t.LeaderID, t.MarketTicker, t.Side, t.AmountMicros, t.TransactionSig,
		t.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert leader trade: %w", err)
	}
	return nil
}

func (s *Store) GetLeaderTrade(ctx context.Context, leaderTradeID string) (*LeaderTrade, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT leader_trade_id, leader_id, market_ticker, side, amount_micros, transaction_sig, created_at
FROM leader_trades
WHERE leader_trade_id=?
`, leaderTradeID)
	var (
		t         LeaderTrade
		createdAt string
	)
	if err := row.Scan(&t.LeaderTradeID, &t.LeaderID, &t.MarketTicker, &t.Side,
		&t.AmountMicros, &t.TransactionSig, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTradeNotFound
		}
		return nil, fmt.Errorf("scan leader trade: %w", err)
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &t, nil
}
