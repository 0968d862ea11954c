// Package services contains server-side business logic: authentication,
// the account lifecycle and second-factor enrollment. Services are stateless;
// every request re-reads the user record.
package services

import (
	"context"
	"time"

	"github.com/duckpass/duckpass/internal/server/auth"
	"github.com/duckpass/duckpass/internal/server/models"
	"github.com/duckpass/duckpass/internal/server/tasks"
)

// KeyHasher derives and checks stored master key hashes (see cryptox.Hasher).
type KeyHasher interface {
	GenerateMasterKeyHash(received []byte) (salt, hash []byte, err error)
	VerifyMasterKeyHash(received, salt, stored []byte) bool
}

// TokenIssuer mints and parses bearer tokens (see auth.TokenService).
type TokenIssuer interface {
	Mint(subject string) (string, error)
	MintWithTTL(subject string, ttl time.Duration) (string, error)
	MintFor(subject string, purpose auth.Purpose, ttl time.Duration) (string, error)
	Parse(token string) (string, error)
	ParseFor(token string, purpose auth.Purpose) (string, error)
}

// TaskSubmitter schedules work to run after the request's data is committed.
type TaskSubmitter interface {
	Submit(name string, fn tasks.Func) error
}

// BreachLookup reports known breaches for an email.
type BreachLookup interface {
	LookupBreaches(ctx context.Context, email string) ([]models.BreachSummary, error)
}
