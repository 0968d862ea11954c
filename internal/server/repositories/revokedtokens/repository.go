// Package revokedtokens declares the revocation set: raw bearer tokens that
// must no longer be accepted even when their signature and expiry are valid.
package revokedtokens

import "context"

// Repository is an append-only set of revoked tokens.
type Repository interface {
	// Add records token as revoked. Adding an already revoked token is not an error.
	Add(ctx context.Context, token string) error

	// Contains reports whether token has been revoked.
	Contains(ctx context.Context, token string) (bool, error)
}
