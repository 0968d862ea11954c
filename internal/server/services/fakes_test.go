package services

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/bwmarrin/snowflake"
	"github.com/duckpass/duckpass/internal/common"
	"github.com/duckpass/duckpass/internal/cryptox"
	"github.com/duckpass/duckpass/internal/dbx"
	"github.com/duckpass/duckpass/internal/logging"
	"github.com/duckpass/duckpass/internal/server/auth"
	"github.com/duckpass/duckpass/internal/server/config"
	"github.com/duckpass/duckpass/internal/server/models"
	"github.com/duckpass/duckpass/internal/server/repositories/repomanager"
	"github.com/duckpass/duckpass/internal/server/repositories/revokedtokens"
	"github.com/duckpass/duckpass/internal/server/repositories/users"
	"github.com/duckpass/duckpass/internal/server/tasks"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// -------- test fakes --------

// fakeUsersRepo is an in-memory user directory keyed by email. Writes made
// inside a transaction apply immediately.
type fakeUsersRepo struct {
	mu        sync.Mutex
	users     map[string]*models.User
	err       error
	verifyErr error
}

func newFakeUsersRepo() *fakeUsersRepo {
	return &fakeUsersRepo{users: map[string]*models.User{}}
}

func uniqueViolation() error { return &pgconn.PgError{Code: "23505"} }

func (f *fakeUsersRepo) lookup(email string) (*models.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	u, ok := f.users[email]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return u, nil
}

func (f *fakeUsersRepo) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, err := f.lookup(email)
	if err != nil {
		return nil, err
	}
	cp := *u
	return &cp, nil
}

func (f *fakeUsersRepo) Create(ctx context.Context, user *models.User) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if _, ok := f.users[user.Email]; ok {
		return nil, uniqueViolation()
	}
	cp := *user
	cp.TwoFactorAuth = common.TwoFactorDisabledSecret
	cp.CreatedAt = time.Now()
	f.users[user.Email] = &cp
	out := cp
	return &out, nil
}

func (f *fakeUsersRepo) UpdateCredentials(ctx context.Context, email, keyHash, symmetricKeyEncrypted, salt string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, err := f.lookup(email)
	if err != nil {
		return err
	}
	u.KeyHash, u.SymmetricKeyEncrypted, u.Salt = keyHash, symmetricKeyEncrypted, salt
	return nil
}

func (f *fakeUsersRepo) UpdateEmail(ctx context.Context, oldEmail, newEmail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, err := f.lookup(oldEmail)
	if err != nil {
		return err
	}
	if _, ok := f.users[newEmail]; ok {
		return uniqueViolation()
	}
	delete(f.users, oldEmail)
	u.Email = newEmail
	f.users[newEmail] = u
	return nil
}

func (f *fakeUsersRepo) UpdateVerified(ctx context.Context, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, err := f.lookup(email)
	if err != nil {
		return err
	}
	if f.verifyErr != nil {
		return f.verifyErr
	}
	if u.Verified {
		return common.ErrAlreadyVerified
	}
	u.Verified = true
	return nil
}

func (f *fakeUsersRepo) UpdateVault(ctx context.Context, email string, vault []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, err := f.lookup(email)
	if err != nil {
		return err
	}
	u.Vault = vault
	return nil
}

func (f *fakeUsersRepo) UpdateTwoFactor(ctx context.Context, email, secret string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, err := f.lookup(email)
	if err != nil {
		return err
	}
	if !enabled {
		secret = common.TwoFactorDisabledSecret
	}
	u.TwoFactorAuth, u.HasTwoFactorAuth = secret, enabled
	return nil
}

func (f *fakeUsersRepo) Delete(ctx context.Context, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.lookup(email); err != nil {
		return err
	}
	delete(f.users, email)
	return nil
}

func (f *fakeUsersRepo) Exists(ctx context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	for _, u := range f.users {
		if u.ID == id {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeUsersRepo) get(t *testing.T, email string) *models.User {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[email]
	if !ok {
		t.Fatalf("user %q not stored", email)
	}
	cp := *u
	return &cp
}

type fakeRevoked struct {
	mu     sync.Mutex
	tokens map[string]struct{}
	err    error
}

func newFakeRevoked() *fakeRevoked { return &fakeRevoked{tokens: map[string]struct{}{}} }

func (f *fakeRevoked) Add(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.tokens[token] = struct{}{}
	return nil
}

func (f *fakeRevoked) Contains(ctx context.Context, token string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	_, ok := f.tokens[token]
	return ok, nil
}

type fakeRepoManager struct {
	repomanager.RepositoryManager
	u *fakeUsersRepo
	r *fakeRevoked
}

func (m *fakeRepoManager) Users(db dbx.DBTX) users.Repository                 { return m.u }
func (m *fakeRepoManager) RevokedTokens(db dbx.DBTX) revokedtokens.Repository { return m.r }

// fastHasher keeps the stored format but skips the production iteration count.
type fastHasher struct{}

func (fastHasher) GenerateMasterKeyHash(received []byte) ([]byte, []byte, error) {
	salt := common.GenerateRandByteArray(cryptox.SaltLength)
	return salt, cryptox.Derive(received, salt, 1), nil
}

func (fastHasher) VerifyMasterKeyHash(received, salt, stored []byte) bool {
	if len(received) == 0 || len(salt) == 0 || len(stored) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(cryptox.Derive(received, salt, 1), stored) == 1
}

// syncTasks runs submitted work inline and remembers the outcome.
type syncTasks struct {
	mu     sync.Mutex
	names  []string
	errs   []error
	refuse error
}

func (s *syncTasks) Submit(name string, fn tasks.Func) error {
	if s.refuse != nil {
		return s.refuse
	}
	err := fn(context.Background())
	s.mu.Lock()
	s.names = append(s.names, name)
	s.errs = append(s.errs, err)
	s.mu.Unlock()
	return nil
}

type sentMail struct {
	recipient, subject, body string
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (f *fakeMailer) Send(ctx context.Context, recipient, subject, htmlBody string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMail{recipient, subject, htmlBody})
	return nil
}

type archivedCopy struct {
	userID int64
	key    string
	vault  []byte
}

// fakeArchive keeps copies in memory. storeDelay widens the gap between a
// vault write and its copy landing, as a slow bucket would.
type fakeArchive struct {
	mu         sync.Mutex
	copies     []archivedCopy
	seq        int
	purged     []int64
	removed    []string
	latest     *models.VaultArchive
	url        string
	err        error
	lookErr    error
	storeDelay time.Duration
}

func newFakeArchive() *fakeArchive { return &fakeArchive{} }

func (f *fakeArchive) Store(ctx context.Context, userID int64, vault []byte) (string, error) {
	if f.storeDelay > 0 {
		time.Sleep(f.storeDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.seq++
	key := fmt.Sprintf("users/%d/vault/%d", userID, f.seq)
	f.copies = append(f.copies, archivedCopy{userID: userID, key: key, vault: vault})
	return key, nil
}

func (f *fakeArchive) stored(userID int64) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]byte
	for _, c := range f.copies {
		if c.userID == userID {
			out = append(out, c.vault)
		}
	}
	return out
}

func (f *fakeArchive) Latest(ctx context.Context, userID int64) (*models.VaultArchive, error) {
	if f.lookErr != nil {
		return nil, f.lookErr
	}
	if f.latest == nil {
		return nil, common.ErrorNotFound
	}
	return f.latest, nil
}

func (f *fakeArchive) PresignedURL(ctx context.Context, key string) (string, error) {
	return f.url + key, nil
}

func (f *fakeArchive) Purge(ctx context.Context, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purged = append(f.purged, userID)
	if f.err != nil {
		return f.err
	}
	kept := f.copies[:0]
	for _, c := range f.copies {
		if c.userID != userID {
			kept = append(kept, c)
		}
	}
	f.copies = kept
	return nil
}

func (f *fakeArchive) Remove(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, key)
	kept := f.copies[:0]
	for _, c := range f.copies {
		if c.key != key {
			kept = append(kept, c)
		}
	}
	f.copies = kept
	return nil
}

type fakeBreaches struct {
	list []models.BreachSummary
	err  error
}

func (f *fakeBreaches) LookupBreaches(ctx context.Context, email string) ([]models.BreachSummary, error) {
	return f.list, f.err
}

// -------- helpers --------

type testEnv struct {
	db       *sql.DB
	mock     sqlmock.Sqlmock
	repo     *fakeUsersRepo
	revoked  *fakeRevoked
	tokens   *auth.TokenService
	tasks    *syncTasks
	mailer   *fakeMailer
	archive  *fakeArchive
	breaches *fakeBreaches
	auth     *AuthService
	users    *UserService
	tfa      *TwoFactorService
}

func newSQLMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, mock := newSQLMockDB(t)
	logger := logging.NewZapLogger(zap.NewNop())

	tokens, err := auth.NewTokenService([]byte("test-secret"), 30*time.Minute)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake.NewNode: %v", err)
	}

	cfg := &config.Config{
		StoreTimeout:                      time.Second,
		VerificationTokenValidityDuration: time.Hour,
		PublicAPIURL:                      "http://api.test/",
		SiteURL:                           "http://site.test",
	}

	env := &testEnv{
		db:       db,
		mock:     mock,
		repo:     newFakeUsersRepo(),
		revoked:  newFakeRevoked(),
		tokens:   tokens,
		tasks:    &syncTasks{},
		mailer:   &fakeMailer{},
		archive:  newFakeArchive(),
		breaches: &fakeBreaches{},
	}
	m := &fakeRepoManager{u: env.repo, r: env.revoked}

	env.auth = NewAuthService(db, m, env.revoked, fastHasher{}, tokens, cfg.StoreTimeout, logger)
	env.users = NewUserService(db, m, env.auth, fastHasher{}, tokens, node, env.tasks, env.mailer,
		env.archive, env.breaches, cfg, logger)
	env.tfa = NewTwoFactorService(db, m, env.auth, totpVerifier(), "DuckPass", cfg.StoreTimeout, logger)
	return env
}

func creds(keyHash string) Credentials {
	return Credentials{KeyHash: keyHash, KeyHashConf: keyHash, SymmetricKeyEncrypted: "sym-" + keyHash}
}

// registerVerified creates a verified account directly through the services.
func (e *testEnv) registerVerified(t *testing.T, email, keyHash string) *models.User {
	t.Helper()
	if _, err := e.users.Register(context.Background(), email, creds(keyHash)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := e.repo.UpdateVerified(context.Background(), email); err != nil {
		t.Fatalf("UpdateVerified: %v", err)
	}
	return e.repo.get(t, email)
}

func (e *testEnv) expectTx() {
	e.mock.ExpectBegin()
	e.mock.ExpectCommit()
}
