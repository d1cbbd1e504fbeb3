package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertDelegation is written by the external wallet-signing flow. A fresh
// signature clears any prior revocation.
func (s *Store) UpsertDelegation(ctx context.Context, d Delegation) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO delegations (user_id, wallet_address, signature, signed_at, revoked_at, updated_at)
VALUES (?,?,?,?,NULL,?)
ON CONFLICT (user_id) DO UPDATE SET
  wallet_address=excluded.wallet_address,
  signature=excluded.signature,
  signed_at=excluded.signed_at,
  revoked_at=NULL,
  updated_at=excluded.updated_at
`, d.UserID, d.WalletAddress, d.Signature, nullTimeStr(d.SignedAt),
		time.Now().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert delegation: %w", err)
	}
	return nil
}

func (s *Store) RevokeDelegation(ctx context.Context, userID string) error {
	now := time.Now().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
UPDATE delegations SET revoked_at=?, updated_at=? WHERE user_id=? AND revoked_at IS NULL
`, now, now, userID)
	if err != nil {
		return fmt.Errorf("revoke delegation: %w", err)
	}
	// revoking an already-revoked or missing delegation is a no-op
	_, _ = res.RowsAffected()
	return nil
}

// GetDelegation returns nil when the user never signed a delegation.
func (s *Store) GetDelegation(ctx context.Context, userID string) (*Delegation, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT user_id, wallet_address, signature, signed_at, revoked_at
FROM delegations
WHERE user_id=?
`, userID)
	var (
		d         Delegation
		signedAt  sql.NullString
		revokedAt sql.NullString
	)
	if err := row.Scan(&d.UserID, &d.WalletAddress, &d.Signature, &signedAt, &revokedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan delegation: %w", err)
	}
	d.SignedAt = parseNullTime(signedAt)
	d.RevokedAt = parseNullTime(revokedAt)
	return &d, nil
}
