package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/duckpass/duckpass/internal/common"
	"github.com/duckpass/duckpass/internal/dbx"
	"github.com/duckpass/duckpass/internal/server/models"
)

const userColumns = `id, email, key_hash, salt, symmetric_key_encrypted,
		 has_two_factor_auth, two_factor_auth, verified, vault, created_at`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	u := &models.User{}
	err := row.Scan(&u.ID, &u.Email, &u.KeyHash, &u.Salt, &u.SymmetricKeyEncrypted,
		&u.HasTwoFactorAuth, &u.TwoFactorAuth, &u.Verified, &u.Vault, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (r *PostgresRepository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT ` + userColumns + `
		 FROM users
		 WHERE email = $1
		 `

	user, err := scanUser(r.db.QueryRowContext(ctx, query, email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	return user, nil
}

func (r *PostgresRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	query :=
		`INSERT INTO users (id, email, key_hash, salt, symmetric_key_encrypted, two_factor_auth)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING created_at
		 `

	user.HasTwoFactorAuth = false
	user.TwoFactorAuth = common.TwoFactorDisabledSecret
	user.Verified = false

	err := r.db.QueryRowContext(ctx, query,
		user.ID, user.Email, user.KeyHash, user.Salt, user.SymmetricKeyEncrypted, user.TwoFactorAuth).
		Scan(&user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return user, nil
}

func (r *PostgresRepository) UpdateCredentials(ctx context.Context, email, keyHash, symmetricKeyEncrypted, salt string) error {
	query :=
		`UPDATE users
		 SET key_hash = $2, symmetric_key_encrypted = $3, salt = $4
		 WHERE email = $1
		 `

	return r.execOne(ctx, common.ErrorNotFound, query, email, keyHash, symmetricKeyEncrypted, salt)
}

func (r *PostgresRepository) UpdateEmail(ctx context.Context, oldEmail, newEmail string) error {
	query :=
		`UPDATE users
		 SET email = $2
		 WHERE email = $1
		 `

	return r.execOne(ctx, common.ErrorNotFound, query, oldEmail, newEmail)
}

// UpdateVerified reads the row and flips the flag in one statement so a
// missing account is told apart from one verified before.
func (r *PostgresRepository) UpdateVerified(ctx context.Context, email string) error {
	query :=
		`WITH target AS (
		     SELECT id FROM users WHERE email = $1
		 ), flipped AS (
		     UPDATE users SET verified = TRUE
		     WHERE email = $1 AND verified = FALSE
		     RETURNING id
		 )
		 SELECT EXISTS (SELECT 1 FROM target), EXISTS (SELECT 1 FROM flipped)
		 `

	var found, flipped bool
	if err := r.db.QueryRowContext(ctx, query, email).Scan(&found, &flipped); err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	switch {
	case !found:
		return common.ErrorNotFound
	case !flipped:
		return common.ErrAlreadyVerified
	}
	return nil
}

func (r *PostgresRepository) UpdateVault(ctx context.Context, email string, vault []byte) error {
	query :=
		`UPDATE users
		 SET vault = $2
		 WHERE email = $1
		 `

	return r.execOne(ctx, common.ErrorNotFound, query, email, vault)
}

func (r *PostgresRepository) UpdateTwoFactor(ctx context.Context, email, secret string, enabled bool) error {
	if !enabled {
		secret = common.TwoFactorDisabledSecret
	}

	query :=
		`UPDATE users
		 SET two_factor_auth = $2, has_two_factor_auth = $3
		 WHERE email = $1
		 `

	return r.execOne(ctx, common.ErrorNotFound, query, email, secret, enabled)
}

func (r *PostgresRepository) Delete(ctx context.Context, email string) error {
	query :=
		`DELETE FROM users
		 WHERE email = $1
		 `

	return r.execOne(ctx, common.ErrorNotFound, query, email)
}

func (r *PostgresRepository) Exists(ctx context.Context, id int64) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`

	var exists bool
	if err := r.db.QueryRowContext(ctx, query, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return exists, nil
}

// execOne runs a statement that must touch exactly one row and returns
// noRows when it touched none.
func (r *PostgresRepository) execOne(ctx context.Context, noRows error, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return noRows
	}

	return nil
}
