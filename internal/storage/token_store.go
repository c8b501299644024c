package storage

import (
	"context"
	"database/sql"
	"time"
)

// Revoke adds a token id to the blacklist. Satisfies authz.TokenRevoker,
// the contract the external auth module calls through; nothing inside
// this process issues or verifies tokens.
func (s *Store) Revoke(ctx context.Context, tokenID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO token_blacklist (token_id, revoked_at) VALUES (?, ?)
			 ON CONFLICT (token_id) DO NOTHING`, tokenID, time.Now().UTC())
		return classify(err, "revoke token")
	})
}

// IsRevoked reports whether a token id is blacklisted.
func (s *Store) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM token_blacklist WHERE token_id = ?`, tokenID)
	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, classify(err, "check token")
	}
	return true, nil
}
