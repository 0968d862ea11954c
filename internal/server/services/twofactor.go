package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/duckpass/duckpass/internal/common"
	"github.com/duckpass/duckpass/internal/dbx"
	"github.com/duckpass/duckpass/internal/logging"
	"github.com/duckpass/duckpass/internal/server/models"
	"github.com/duckpass/duckpass/internal/server/repositories/repomanager"
	"github.com/duckpass/duckpass/internal/server/totp"
)

// AuthKey is a freshly generated TOTP secret and its provisioning URI.
type AuthKey struct {
	Secret string
	URL    string
}

// TwoFactorService drives TOTP enrollment. A generated secret is not stored
// until Enable confirms it with a valid code.
type TwoFactorService struct {
	db           *sql.DB
	repomanager  repomanager.RepositoryManager
	auth         *AuthService
	verifier     totp.Verifier
	issuer       string
	storeTimeout time.Duration
	now          func() time.Time
	logger       logging.Logger
}

func NewTwoFactorService(db *sql.DB, m repomanager.RepositoryManager, auth *AuthService,
	verifier totp.Verifier, issuer string, storeTimeout time.Duration, logger logging.Logger) *TwoFactorService {
	return &TwoFactorService{
		db:           db,
		repomanager:  m,
		auth:         auth,
		verifier:     verifier,
		issuer:       issuer,
		storeTimeout: storeTimeout,
		now:          time.Now,
		logger:       logger.With("module", "twofactor"),
	}
}

func (s *TwoFactorService) GenerateAuthKey(ctx context.Context, user *models.User) (*AuthKey, error) {
	if user.HasTwoFactorAuth {
		return nil, common.ErrTwoFactorAlreadyEnabled
	}

	key, err := totp.NewKey(user.Email, s.issuer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrorInternal, err)
	}

	return &AuthKey{Secret: key.Secret, URL: key.URL}, nil
}

// Enable stores secret once code proves the authenticator holds it.
func (s *TwoFactorService) Enable(ctx context.Context, user *models.User, secret, code string) error {
	if user.HasTwoFactorAuth {
		return common.ErrTwoFactorAlreadyEnabled
	}
	if secret == "" || secret == common.TwoFactorDisabledSecret {
		return fmt.Errorf("%w: auth_key is required", common.ErrorValidation)
	}
	if !s.verifier.Verify(secret, code, s.now()) {
		s.logger.Info(ctx, "two-factor enable rejected", "user_id", user.ID)
		return common.ErrInvalidCode
	}

	if err := s.write(ctx, user.Email, secret, true); err != nil {
		return err
	}

	s.logger.Info(ctx, "two-factor enabled", "user_id", user.ID)
	return nil
}

// Check is the second step of a 2FA login: the password is checked again,
// then the code, and only then a token is minted.
func (s *TwoFactorService) Check(ctx context.Context, email, keyHash, code string) (string, error) {
	user, err := s.auth.AuthenticateByPassword(ctx, email, keyHash)
	if err != nil {
		return "", err
	}
	if !user.Verified {
		return "", common.ErrNotVerified
	}
	if !user.HasTwoFactorAuth {
		return "", common.ErrTwoFactorNotEnabled
	}
	if !s.verifier.Verify(user.TwoFactorAuth, code, s.now()) {
		s.logger.Info(ctx, "two-factor check failed", "user_id", user.ID)
		return "", common.ErrorUnauthorized
	}

	return s.auth.MintToken(user.Email)
}

func (s *TwoFactorService) Disable(ctx context.Context, user *models.User) error {
	if !user.HasTwoFactorAuth {
		return common.ErrTwoFactorNotEnabled
	}

	if err := s.write(ctx, user.Email, common.TwoFactorDisabledSecret, false); err != nil {
		return err
	}

	s.logger.Info(ctx, "two-factor disabled", "user_id", user.ID)
	return nil
}

func (s *TwoFactorService) write(ctx context.Context, email, secret string, enabled bool) error {
	ctx, cancel := dbx.MutationContext(ctx, s.storeTimeout)
	defer cancel()

	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return s.repomanager.Users(tx).UpdateTwoFactor(ctx, email, secret, enabled)
	})
	return dbx.Classify(err)
}
