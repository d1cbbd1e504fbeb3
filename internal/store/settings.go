package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

func (s *Store) UpsertSettings(ctx context.Context, cs CopySettings) error {
	now := time.Now().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO copy_settings (follower_id, leader_id, amount_per_trade_micros, max_total_micros, spent_micros, enabled, expires_at, created_at, updated_at)
VALUES (?,?,?,?,0,?,?,?,?)
ON CONFLICT (follower_id, leader_id) DO UPDATE SET
  amount_per_trade_micros=excluded.amount_per_trade_micros,
  max_total_micros=excluded.max_total_micros,
  enabled=excluded.enabled,
  expires_at=excluded.expires_at,
  updated_at=excluded.updated_at
`, cs.FollowerID, cs.LeaderID, cs.AmountPerTradeMicros, cs.MaxTotalMicros,
		boolToInt(cs.Enabled), nullTimeStr(cs.ExpiresAt), now, now)
	if err != nil {
		return fmt.Errorf("upsert settings: %w", err)
	}
	return nil
}

func (s *Store) GetSettings(ctx context.Context, followerID, leaderID string) (*CopySettings, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT follower_id, leader_id, amount_per_trade_micros, max_total_micros, spent_micros, enabled, expires_at, created_at, updated_at
FROM copy_settings
WHERE follower_id=? AND leader_id=?
`, followerID, leaderID)
	cs, err := scanSettings(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSettingsNotFound
		}
		return nil, fmt.Errorf("scan settings: %w", err)
	}
	return cs, nil
}

// GetEligible returns the settings rows that qualify for fan-out of a trade
// by leaderID right now: enabled, unexpired, budget not yet exhausted.
func (s *Store) GetEligible(ctx context.Context, leaderID string, now time.Time) ([]CopySettings, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT follower_id, leader_id, amount_per_trade_micros, max_total_micros, spent_micros, enabled, expires_at, created_at, updated_at
FROM copy_settings
WHERE leader_id=? AND enabled=1
  AND (expires_at IS NULL OR expires_at > ?)
  AND spent_micros < max_total_micros
`, leaderID, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("query eligible settings: %w", err)
	}
	defer rows.Close()

	var out []CopySettings
	for rows.Next() {
		cs, err := scanSettings(rows)
		if err != nil {
			return nil, fmt.Errorf("scan settings: %w", err)
		}
		out = append(out, *cs)
	}
	return out, rows.Err()
}

// UpdateSettings applies a partial update. Nil patch fields are left alone.
func (s *Store) UpdateSettings(ctx context.Context, followerID, leaderID string, p SettingsPatch) error {
	var (
		sets []string
		args []any
	)
	if p.AmountPerTradeMicros != nil {
		sets = append(sets, "amount_per_trade_micros=?")
		args = append(args, *p.AmountPerTradeMicros)
	}
	if p.MaxTotalMicros != nil {
		sets = append(sets, "max_total_micros=?")
		args = append(args, *p.MaxTotalMicros)
	}
	if p.Enabled != nil {
		sets = append(sets, "enabled=?")
		args = append(args, boolToInt(*p.Enabled))
	}
	if p.ClearExpiry {
		sets = append(sets, "expires_at=NULL")
	} else if p.ExpiresAt != nil {
		sets = append(sets, "expires_at=?")
		args = append(args, p.ExpiresAt.Format(time.RFC3339Nano))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at=?")
	args = append(args, time.Now().Format(time.RFC3339Nano), followerID, leaderID)

	res, err := s.db.ExecContext(ctx,
		`UPDATE copy_settings SET `+strings.Join(sets, ", ")+` WHERE follower_id=? AND leader_id=?`,
		args...)
	if err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrSettingsNotFound
	}
	return nil
}

func (s *Store) ToggleEnabled(ctx context.Context, followerID, leaderID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE copy_settings SET enabled = 1-enabled, updated_at=? WHERE follower_id=? AND leader_id=?
`, time.Now().Format(time.RFC3339Nano), followerID, leaderID)
	if err != nil {
		return false, fmt.Errorf("toggle settings: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, ErrSettingsNotFound
	}
	cs, err := s.GetSettings(ctx, followerID, leaderID)
	if err != nil {
		return false, err
	}
	return cs.Enabled, nil
}

// IncrementSpentIfWithinCap adds micros to spent_micros only when the result
// stays within max_total_micros. This is the single atomic write that keeps
// the spentAmount <= maxTotalAmount invariant under concurrent jobs; callers
// must never read-modify-write the counter themselves.
func (s *Store) IncrementSpentIfWithinCap(ctx context.Context, followerID, leaderID string, micros int64) error {
	return incrementSpent(ctx, s.db, followerID, leaderID, micros)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func incrementSpent(ctx context.Context, db execer, followerID, leaderID string, micros int64) error {
	if micros <= 0 {
		return fmt.Errorf("increment must be positive, got %d", micros)
	}
	res, err := db.ExecContext(ctx, `
UPDATE copy_settings
SET spent_micros = spent_micros + ?, updated_at=?
WHERE follower_id=? AND leader_id=? AND spent_micros + ? <= max_total_micros
`, micros, time.Now().Format(time.RFC3339Nano), followerID, leaderID, micros)
	if err != nil {
		return fmt.Errorf("increment spent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	// 区分：行不存在 vs 超出上限
	var one int
	err = db.QueryRowContext(ctx,
		`SELECT 1 FROM copy_settings WHERE follower_id=? AND leader_id=?`,
		followerID, leaderID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSettingsNotFound
	}
	if err != nil {
		return fmt.Errorf("check settings row: %w", err)
	}
	return ErrCapExceeded
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSettings(row rowScanner) (*CopySettings, error) {
	var (
		cs        CopySettings
		enabled   int
		expiresAt sql.NullString
		createdAt string
		updatedAt string
	)
	if err := row.Scan(&cs.FollowerID, &cs.LeaderID, &cs.AmountPerTradeMicros, &cs.MaxTotalMicros,
		&cs.SpentMicros, &enabled, &expiresAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	cs.Enabled = enabled != 0
	cs.ExpiresAt = parseNullTime(expiresAt)
	cs.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	cs.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &cs, nil
}

func nullTimeStr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := t.Format(time.RFC3339Nano)
	return &v
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	return &t
}
