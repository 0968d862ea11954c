// Package users declares the user directory: the single source of account
// records. Each method is one statement and therefore atomic on its own;
// multi-step changes are composed by services inside dbx.WithTx.
package users

import (
	"context"

	"github.com/duckpass/duckpass/internal/server/models"
)

type Repository interface {
	// GetUserByEmail returns common.ErrorNotFound when no account uses email.
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)

	// Create inserts user with its preassigned ID. A duplicate email surfaces
	// as a unique violation (see dbx.Classify).
	Create(ctx context.Context, user *models.User) (*models.User, error)

	UpdateCredentials(ctx context.Context, email, keyHash, symmetricKeyEncrypted, salt string) error
	UpdateEmail(ctx context.Context, oldEmail, newEmail string) error

	// UpdateVerified flips verified to true. It returns common.ErrAlreadyVerified
	// when the account was verified before and common.ErrorNotFound when it is gone.
	UpdateVerified(ctx context.Context, email string) error

	// UpdateVault replaces the stored vault; nil clears it.
	UpdateVault(ctx context.Context, email string, vault []byte) error

	// UpdateTwoFactor writes the secret and the flag together.
	UpdateTwoFactor(ctx context.Context, email, secret string, enabled bool) error

	Delete(ctx context.Context, email string) error

	// Exists reports whether an account with id is still stored.
	Exists(ctx context.Context, id int64) (bool, error)
}
