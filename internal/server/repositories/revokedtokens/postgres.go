package revokedtokens

import (
	"context"
	"fmt"

	"github.com/duckpass/duckpass/internal/dbx"
)

const (
	revokeTokenSQL = `INSERT INTO revoked_tokens (token, revoked_at) VALUES ($1, now()) ON CONFLICT (token) DO NOTHING`
	isRevokedSQL   = `SELECT EXISTS (SELECT 1 FROM revoked_tokens WHERE token = $1)`
)

// PostgresRepository keeps the revocation set in the revoked_tokens table.
type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Add keeps the first revoked_at when the token is already present.
func (r *PostgresRepository) Add(ctx context.Context, token string) error {
	if _, err := r.db.ExecContext(ctx, revokeTokenSQL, token); err != nil {
		return fmt.Errorf("db error: revoke token: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Contains(ctx context.Context, token string) (bool, error) {
	var revoked bool
	err := r.db.QueryRowContext(ctx, isRevokedSQL, token).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("db error: lookup revoked token: %w", err)
	}
	return revoked, nil
}
