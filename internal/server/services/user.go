package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/duckpass/duckpass/internal/common"
	"github.com/duckpass/duckpass/internal/cryptox"
	"github.com/duckpass/duckpass/internal/dbx"
	"github.com/duckpass/duckpass/internal/logging"
	"github.com/duckpass/duckpass/internal/server/archive"
	"github.com/duckpass/duckpass/internal/server/auth"
	"github.com/duckpass/duckpass/internal/server/config"
	"github.com/duckpass/duckpass/internal/server/mailer"
	"github.com/duckpass/duckpass/internal/server/models"
	"github.com/duckpass/duckpass/internal/server/repositories/repomanager"
)

// Credentials is the client-side key material sent on registration and on
// every credential rotation.
type Credentials struct {
	KeyHash               string
	KeyHashConf           string
	SymmetricKeyEncrypted string
}

func (c Credentials) validate() error {
	if c.KeyHash == "" || c.SymmetricKeyEncrypted == "" {
		return fmt.Errorf("%w: key_hash and symmetric_key_encrypted are required", common.ErrorValidation)
	}
	if c.KeyHash != c.KeyHashConf {
		return common.ErrPasswordMismatch
	}
	if len(cryptox.DecodeBase64(c.KeyHash)) == 0 {
		return fmt.Errorf("%w: key_hash must be base64", common.ErrorValidation)
	}
	return nil
}

func validateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return fmt.Errorf("%w: invalid email", common.ErrorValidation)
	}
	return nil
}

// UserService implements the account lifecycle.
type UserService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	auth        *AuthService
	hasher      KeyHasher
	tokens      TokenIssuer
	ids         *snowflake.Node
	tasks       TaskSubmitter
	mailer      mailer.Mailer
	archive     archive.Archiver
	breaches    BreachLookup
	logger      logging.Logger

	storeTimeout    time.Duration
	verificationTTL time.Duration
	publicAPIURL    string
	siteURL         string
}

func NewUserService(db *sql.DB, m repomanager.RepositoryManager, authn *AuthService, hasher KeyHasher,
	tokens TokenIssuer, ids *snowflake.Node, t TaskSubmitter, ml mailer.Mailer, a archive.Archiver,
	b BreachLookup, cfg *config.Config, logger logging.Logger) *UserService {
	return &UserService{
		db:              db,
		repomanager:     m,
		auth:            authn,
		hasher:          hasher,
		tokens:          tokens,
		ids:             ids,
		tasks:           t,
		mailer:          ml,
		archive:         a,
		breaches:        b,
		logger:          logger.With("module", "users"),
		storeTimeout:    cfg.StoreTimeout,
		verificationTTL: cfg.VerificationTokenValidityDuration,
		publicAPIURL:    strings.TrimRight(cfg.PublicAPIURL, "/"),
		siteURL:         strings.TrimRight(cfg.SiteURL, "/"),
	}
}

// derive hashes the received key hash under a fresh salt and returns both
// base64 encoded, ready for storage.
func (s *UserService) derive(keyHash string) (salt, hash string, err error) {
	received := cryptox.DecodeBase64(keyHash)
	defer common.WipeByteArray(received)

	rawSalt, rawHash, err := s.hasher.GenerateMasterKeyHash(received)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", common.ErrorInternal, err)
	}
	return cryptox.EncodeBase64(rawSalt), cryptox.EncodeBase64(rawHash), nil
}

// Register creates an unverified account and schedules the confirmation mail.
func (s *UserService) Register(ctx context.Context, email string, creds Credentials) (*models.User, error) {
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if err := creds.validate(); err != nil {
		return nil, err
	}

	if _, err := s.auth.getUser(ctx, email); err == nil {
		return nil, common.ErrorAlreadyExists
	} else if !errors.Is(err, common.ErrorNotFound) {
		return nil, err
	}

	salt, hash, err := s.derive(creds.KeyHash)
	if err != nil {
		return nil, err
	}

	user := &models.User{
		ID:                    s.ids.Generate().Int64(),
		Email:                 email,
		KeyHash:               hash,
		Salt:                  salt,
		SymmetricKeyEncrypted: creds.SymmetricKeyEncrypted,
	}

	mctx, cancel := dbx.MutationContext(ctx, s.storeTimeout)
	defer cancel()

	created, err := s.repomanager.Users(s.db).Create(mctx, user)
	if err != nil {
		return nil, dbx.Classify(err)
	}

	s.logger.Info(ctx, "user registered", "user_id", created.ID)
	s.scheduleVerificationMail(ctx, created.Email)

	return created, nil
}

// VerificationLink builds the link embedded in the confirmation mail.
func (s *UserService) VerificationLink(token string) string {
	return s.publicAPIURL + "/verify/?token=" + url.QueryEscape(token)
}

// VerifiedRedirectURL is where /verify sends the browser on success.
func (s *UserService) VerifiedRedirectURL() string {
	return s.siteURL + "/#/account-verified"
}

func (s *UserService) scheduleVerificationMail(ctx context.Context, email string) {
	err := s.tasks.Submit("verification_mail", func(tctx context.Context) error {
		token, err := s.tokens.MintFor(email, auth.PurposeVerification, s.verificationTTL)
		if err != nil {
			return err
		}
		body, err := mailer.RenderVerification(s.VerificationLink(token))
		if err != nil {
			return err
		}
		return s.mailer.Send(tctx, email, mailer.VerificationSubject, body)
	})
	if err != nil {
		s.logger.Warn(ctx, "verification mail not scheduled", "error", err)
	}
}

// Verify marks the token's account verified and revokes the token so the
// link works once.
func (s *UserService) Verify(ctx context.Context, token string) error {
	user, err := s.auth.AuthenticateVerificationToken(ctx, token)
	if err != nil {
		return err
	}
	if user.Verified {
		return common.ErrAlreadyVerified
	}

	mctx, cancel := dbx.MutationContext(ctx, s.storeTimeout)
	defer cancel()

	if err := s.repomanager.Users(s.db).UpdateVerified(mctx, user.Email); err != nil {
		switch {
		case errors.Is(err, common.ErrAlreadyVerified):
			return err
		case errors.Is(err, common.ErrorNotFound):
			s.logger.Info(ctx, "verification for deleted account", "user_id", user.ID)
			return common.ErrorUnauthorized
		}
		return dbx.Classify(err)
	}

	if err := s.auth.Revoke(ctx, token); err != nil {
		s.logger.Warn(ctx, "verification token not revoked", "user_id", user.ID, "error", err)
	}

	s.logger.Info(ctx, "user verified", "user_id", user.ID)
	return nil
}

// UpdateVault replaces the stored vault. A nil or empty vault clears it.
func (s *UserService) UpdateVault(ctx context.Context, user *models.User, vault *string) error {
	blob := vaultBytes(vault)

	mctx, cancel := dbx.MutationContext(ctx, s.storeTimeout)
	defer cancel()

	if err := s.repomanager.Users(s.db).UpdateVault(mctx, user.Email, blob); err != nil {
		return dbx.Classify(err)
	}

	s.scheduleArchive(ctx, user.ID, blob)
	return nil
}

func vaultBytes(vault *string) []byte {
	if vault == nil || *vault == "" {
		return nil
	}
	return []byte(*vault)
}

// scheduleArchive copies blob to the archive after commit. A copy that lands
// after the account was deleted (and possibly purged) is removed again, so
// no archived vault outlives its account.
func (s *UserService) scheduleArchive(ctx context.Context, userID int64, blob []byte) {
	if blob == nil {
		return
	}
	err := s.tasks.Submit("vault_archive", func(tctx context.Context) error {
		key, err := s.archive.Store(tctx, userID, blob)
		if err != nil || key == "" {
			return err
		}

		exists, err := s.repomanager.Users(s.db).Exists(tctx, userID)
		if err == nil && exists {
			return nil
		}
		if rmErr := s.archive.Remove(tctx, key); rmErr != nil {
			return errors.Join(err, fmt.Errorf("remove orphaned vault copy %s: %w", key, rmErr))
		}
		if err != nil {
			return fmt.Errorf("vault copy %s removed, owner lookup failed: %w", key, err)
		}
		s.logger.Info(tctx, "vault copy removed, account deleted", "user_id", userID)
		return nil
	})
	if err != nil {
		s.logger.Warn(ctx, "vault archive not scheduled", "user_id", userID, "error", err)
	}
}

// UpdateEmail moves the account to newEmail and rotates its credentials in
// one transaction (the client re-derives keys from the new email). A non-nil
// vault replaces the stored one in the same transaction. The presenting token
// is revoked and a token for the new email is returned.
func (s *UserService) UpdateEmail(ctx context.Context, user *models.User, token, newEmail string, creds Credentials, vault *string) (string, error) {
	if err := validateEmail(newEmail); err != nil {
		return "", err
	}
	if newEmail == user.Email {
		return "", fmt.Errorf("%w: new email must differ from the current one", common.ErrorValidation)
	}
	if err := creds.validate(); err != nil {
		return "", err
	}

	salt, hash, err := s.derive(creds.KeyHash)
	if err != nil {
		return "", err
	}

	mctx, cancel := dbx.MutationContext(ctx, s.storeTimeout)
	defer cancel()

	err = dbx.WithTx(mctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Users(tx)
		if err := repo.UpdateEmail(ctx, user.Email, newEmail); err != nil {
			return err
		}
		if err := repo.UpdateCredentials(ctx, newEmail, hash, creds.SymmetricKeyEncrypted, salt); err != nil {
			return err
		}
		if vault != nil {
			return repo.UpdateVault(ctx, newEmail, vaultBytes(vault))
		}
		return nil
	})
	if err != nil {
		return "", dbx.Classify(err)
	}

	if err := s.auth.Revoke(ctx, token); err != nil {
		s.logger.Warn(ctx, "old token not revoked after email change", "user_id", user.ID, "error", err)
	}
	if vault != nil {
		s.scheduleArchive(ctx, user.ID, vaultBytes(vault))
	}

	s.logger.Info(ctx, "email changed", "user_id", user.ID)
	return s.auth.MintToken(newEmail)
}

// UpdatePassword rotates the credentials, and the vault when given, in one
// transaction. A new salt is drawn even if the key hash is unchanged.
func (s *UserService) UpdatePassword(ctx context.Context, user *models.User, creds Credentials, vault *string) error {
	if err := creds.validate(); err != nil {
		return err
	}

	salt, hash, err := s.derive(creds.KeyHash)
	if err != nil {
		return err
	}

	mctx, cancel := dbx.MutationContext(ctx, s.storeTimeout)
	defer cancel()

	err = dbx.WithTx(mctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Users(tx)
		if err := repo.UpdateCredentials(ctx, user.Email, hash, creds.SymmetricKeyEncrypted, salt); err != nil {
			return err
		}
		if vault != nil {
			return repo.UpdateVault(ctx, user.Email, vaultBytes(vault))
		}
		return nil
	})
	if err != nil {
		return dbx.Classify(err)
	}

	if vault != nil {
		s.scheduleArchive(ctx, user.ID, vaultBytes(vault))
	}

	s.logger.Info(ctx, "password changed", "user_id", user.ID)
	return nil
}

// Logout revokes the presenting token.
func (s *UserService) Logout(ctx context.Context, token string) error {
	return s.auth.Revoke(ctx, token)
}

// DeleteAccount removes the user, revokes the presenting token and purges
// archived vault copies in the background.
func (s *UserService) DeleteAccount(ctx context.Context, user *models.User, token string) error {
	mctx, cancel := dbx.MutationContext(ctx, s.storeTimeout)
	defer cancel()

	if err := s.repomanager.Users(s.db).Delete(mctx, user.Email); err != nil {
		return dbx.Classify(err)
	}

	if err := s.auth.Revoke(ctx, token); err != nil {
		s.logger.Warn(ctx, "token not revoked after account deletion", "user_id", user.ID, "error", err)
	}

	userID := user.ID
	if err := s.tasks.Submit("vault_purge", func(tctx context.Context) error {
		return s.archive.Purge(tctx, userID)
	}); err != nil {
		s.logger.Warn(ctx, "vault purge not scheduled", "user_id", userID, "error", err)
	}

	s.logger.Info(ctx, "account deleted", "user_id", user.ID)
	return nil
}

// Breaches returns known breaches for the user's email.
func (s *UserService) Breaches(ctx context.Context, user *models.User) ([]models.BreachSummary, error) {
	list, err := s.breaches.LookupBreaches(ctx, user.Email)
	if err != nil {
		s.logger.Warn(ctx, "breach lookup failed", "user_id", user.ID, "error", err)
		if errors.Is(err, common.ErrUpstreamUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", common.ErrUpstreamUnavailable, err)
	}
	return list, nil
}

// VaultBackupURL returns a short-lived download link for the newest archived
// vault, or common.ErrorNotFound.
func (s *UserService) VaultBackupURL(ctx context.Context, user *models.User) (string, *models.VaultArchive, error) {
	latest, err := s.archive.Latest(ctx, user.ID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return "", nil, err
		}
		return "", nil, fmt.Errorf("%w: %v", common.ErrUpstreamUnavailable, err)
	}

	link, err := s.archive.PresignedURL(ctx, latest.Key)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", common.ErrUpstreamUnavailable, err)
	}
	return link, latest, nil
}
