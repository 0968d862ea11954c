package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/duckpass/duckpass/internal/common"
	"github.com/duckpass/duckpass/internal/cryptox"
	"github.com/duckpass/duckpass/internal/dbx"
	"github.com/duckpass/duckpass/internal/logging"
	"github.com/duckpass/duckpass/internal/server/auth"
	"github.com/duckpass/duckpass/internal/server/models"
	"github.com/duckpass/duckpass/internal/server/repositories/repomanager"
	"github.com/duckpass/duckpass/internal/server/repositories/revokedtokens"
)

// LoginResult is the outcome of a successful password check at /token.
// Exactly one of AccessToken and TwoFactorRequired is set.
type LoginResult struct {
	AccessToken       string
	TwoFactorRequired bool
}

// AuthService authenticates callers by master key hash or bearer token.
type AuthService struct {
	db           *sql.DB
	repomanager  repomanager.RepositoryManager
	revoked      revokedtokens.Repository
	hasher       KeyHasher
	tokens       TokenIssuer
	storeTimeout time.Duration
	logger       logging.Logger
}

func NewAuthService(db *sql.DB, m repomanager.RepositoryManager, revoked revokedtokens.Repository,
	hasher KeyHasher, tokens TokenIssuer, storeTimeout time.Duration, logger logging.Logger) *AuthService {
	return &AuthService{
		db:           db,
		repomanager:  m,
		revoked:      revoked,
		hasher:       hasher,
		tokens:       tokens,
		storeTimeout: storeTimeout,
		logger:       logger.With("module", "auth"),
	}
}

func (s *AuthService) getUser(ctx context.Context, email string) (*models.User, error) {
	ctx, cancel := dbx.ReadContext(ctx, s.storeTimeout)
	defer cancel()

	user, err := s.repomanager.Users(s.db).GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, err
		}
		return nil, dbx.Classify(err)
	}
	return user, nil
}

// AuthenticateByPassword checks keyHash (base64 master key hash) against the
// stored derivation. Unknown email and wrong hash are indistinguishable to the
// caller; both return common.ErrInvalidCredentials.
func (s *AuthService) AuthenticateByPassword(ctx context.Context, email, keyHash string) (*models.User, error) {
	received := cryptox.DecodeBase64(keyHash)
	defer common.WipeByteArray(received)

	user, err := s.getUser(ctx, email)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			// same work as a real check
			s.hasher.VerifyMasterKeyHash(received, common.GenerateRandByteArray(cryptox.SaltLength), common.GenerateRandByteArray(cryptox.KeyLength))
			s.logger.Info(ctx, "password authentication failed", "reason", "unknown email")
			return nil, common.ErrInvalidCredentials
		}
		return nil, err
	}

	if !s.hasher.VerifyMasterKeyHash(received, cryptox.DecodeBase64(user.Salt), cryptox.DecodeBase64(user.KeyHash)) {
		s.logger.Info(ctx, "password authentication failed", "reason", "key hash mismatch", "user_id", user.ID)
		return nil, common.ErrInvalidCredentials
	}

	return user, nil
}

// AuthenticateByToken resolves a bearer token to its user. The token must not
// be revoked, must parse and must name an existing account; any failure is
// common.ErrorUnauthorized. Store failures surface as common.ErrStoreUnavailable.
func (s *AuthService) AuthenticateByToken(ctx context.Context, token string) (*models.User, error) {
	return s.authenticateToken(ctx, token, auth.PurposeAccess)
}

// AuthenticateVerificationToken is AuthenticateByToken for the emailed
// verification token, which is not accepted anywhere else.
func (s *AuthService) AuthenticateVerificationToken(ctx context.Context, token string) (*models.User, error) {
	return s.authenticateToken(ctx, token, auth.PurposeVerification)
}

func (s *AuthService) authenticateToken(ctx context.Context, token string, purpose auth.Purpose) (*models.User, error) {
	if token == "" {
		return nil, common.ErrorUnauthorized
	}

	revoked, err := s.IsRevoked(ctx, token)
	if err != nil {
		return nil, err
	}
	if revoked {
		s.logger.Info(ctx, "token rejected", "reason", "revoked")
		return nil, common.ErrorUnauthorized
	}

	email, err := s.tokens.ParseFor(token, purpose)
	if err != nil {
		s.logger.Info(ctx, "token rejected", "reason", err.Error())
		return nil, fmt.Errorf("%w: %w", common.ErrorUnauthorized, err)
	}

	user, err := s.getUser(ctx, email)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			s.logger.Info(ctx, "token rejected", "reason", "subject not found")
			return nil, common.ErrorUnauthorized
		}
		return nil, err
	}

	return user, nil
}

// Login applies the /token policy on top of AuthenticateByPassword.
func (s *AuthService) Login(ctx context.Context, email, keyHash string) (*LoginResult, error) {
	user, err := s.AuthenticateByPassword(ctx, email, keyHash)
	if err != nil {
		return nil, err
	}

	if !user.Verified {
		return nil, common.ErrNotVerified
	}
	if user.HasTwoFactorAuth {
		return &LoginResult{TwoFactorRequired: true}, nil
	}

	token, err := s.tokens.Mint(user.Email)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrorInternal, err)
	}
	return &LoginResult{AccessToken: token}, nil
}

// IsRevoked reports whether token is in the revocation set.
func (s *AuthService) IsRevoked(ctx context.Context, token string) (bool, error) {
	ctx, cancel := dbx.ReadContext(ctx, s.storeTimeout)
	defer cancel()

	revoked, err := s.revoked.Contains(ctx, token)
	if err != nil {
		return false, storeError(err)
	}
	return revoked, nil
}

// Revoke adds token to the revocation set. Revoking twice is not an error.
func (s *AuthService) Revoke(ctx context.Context, token string) error {
	ctx, cancel := dbx.MutationContext(ctx, s.storeTimeout)
	defer cancel()

	if err := s.revoked.Add(ctx, token); err != nil {
		return storeError(err)
	}
	return nil
}

// storeError reports a revocation store failure. Any failure other than the
// caller going away counts as the store being unavailable.
func storeError(err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", common.ErrRequestCanceled, err)
	}
	return fmt.Errorf("%w: %v", common.ErrStoreUnavailable, err)
}

// MintToken issues a regular access token for email.
func (s *AuthService) MintToken(email string) (string, error) {
	token, err := s.tokens.Mint(email)
	if err != nil {
		return "", fmt.Errorf("%w: %v", common.ErrorInternal, err)
	}
	return token, nil
}
