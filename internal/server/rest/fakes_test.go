package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/duckpass/duckpass/internal/common"
	"github.com/duckpass/duckpass/internal/logging"
	"github.com/duckpass/duckpass/internal/server/metrics"
	"github.com/duckpass/duckpass/internal/server/models"
	"github.com/duckpass/duckpass/internal/server/services"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const validToken = "valid-token"

var alice = &models.User{ID: 42, Email: "alice@example.com", SymmetricKeyEncrypted: "sym", Verified: true}

type fakeAuth struct {
	login func(email, keyHash string) (*services.LoginResult, error)
}

func (f *fakeAuth) AuthenticateByToken(ctx context.Context, token string) (*models.User, error) {
	if token != validToken {
		return nil, common.ErrorUnauthorized
	}
	cp := *alice
	return &cp, nil
}

func (f *fakeAuth) Login(ctx context.Context, email, keyHash string) (*services.LoginResult, error) {
	return f.login(email, keyHash)
}

type fakeAccounts struct {
	err error

	registered  services.Credentials
	regEmail    string
	verified    string
	vault       *string
	vaultCalled bool
	newEmail    string
	oldToken    string
	loggedOut   string
	deleted     int64
	breaches    []models.BreachSummary
	backupURL   string
	backup      *models.VaultArchive
}

func (f *fakeAccounts) Register(ctx context.Context, email string, creds services.Credentials) (*models.User, error) {
	f.regEmail, f.registered = email, creds
	return &models.User{Email: email}, f.err
}

func (f *fakeAccounts) Verify(ctx context.Context, token string) error {
	f.verified = token
	return f.err
}

func (f *fakeAccounts) VerifiedRedirectURL() string { return "http://site.test/#/account-verified" }

func (f *fakeAccounts) UpdateVault(ctx context.Context, user *models.User, vault *string) error {
	f.vaultCalled, f.vault = true, vault
	return f.err
}

func (f *fakeAccounts) UpdateEmail(ctx context.Context, user *models.User, token, newEmail string, creds services.Credentials, vault *string) (string, error) {
	f.oldToken, f.newEmail, f.vault = token, newEmail, vault
	return "new-token", f.err
}

func (f *fakeAccounts) UpdatePassword(ctx context.Context, user *models.User, creds services.Credentials, vault *string) error {
	f.registered, f.vault = creds, vault
	return f.err
}

func (f *fakeAccounts) Logout(ctx context.Context, token string) error {
	f.loggedOut = token
	return f.err
}

func (f *fakeAccounts) DeleteAccount(ctx context.Context, user *models.User, token string) error {
	f.deleted = user.ID
	return f.err
}

func (f *fakeAccounts) Breaches(ctx context.Context, user *models.User) ([]models.BreachSummary, error) {
	return f.breaches, f.err
}

func (f *fakeAccounts) VaultBackupURL(ctx context.Context, user *models.User) (string, *models.VaultArchive, error) {
	if f.err != nil {
		return "", nil, f.err
	}
	return f.backupURL, f.backup, nil
}

type fakeTwoFactor struct {
	err error

	secret, code string
	email        string
	disabled     bool
}

func (f *fakeTwoFactor) GenerateAuthKey(ctx context.Context, user *models.User) (*services.AuthKey, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &services.AuthKey{Secret: "SECRET", URL: "otpauth://totp/x"}, nil
}

func (f *fakeTwoFactor) Enable(ctx context.Context, user *models.User, secret, code string) error {
	f.secret, f.code = secret, code
	return f.err
}

func (f *fakeTwoFactor) Check(ctx context.Context, email, keyHash, code string) (string, error) {
	f.email, f.code = email, code
	if f.err != nil {
		return "", f.err
	}
	return "tfa-token", nil
}

func (f *fakeTwoFactor) Disable(ctx context.Context, user *models.User) error {
	f.disabled = true
	return f.err
}

type testServer struct {
	srv      *Server
	handler  http.Handler
	auth     *fakeAuth
	accounts *fakeAccounts
	tfa      *fakeTwoFactor
	metrics  *metrics.Metrics
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		auth:     &fakeAuth{},
		accounts: &fakeAccounts{},
		tfa:      &fakeTwoFactor{},
		metrics:  metrics.New(prometheus.NewRegistry()),
	}
	ts.srv = NewServer(":0", logging.NewZapLogger(zap.NewNop()), ts.auth, ts.accounts, ts.tfa,
		ts.metrics, []string{"http://site.test"})
	ts.handler = ts.srv.Handler()
	return ts
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}
