// Package rest exposes the DuckPass services over HTTP/JSON.
package rest

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/duckpass/duckpass/internal/logging"
	"github.com/duckpass/duckpass/internal/server/metrics"
	"github.com/duckpass/duckpass/internal/server/models"
	"github.com/duckpass/duckpass/internal/server/services"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 5 * time.Second
)

// Authenticator is the part of services.AuthService the transport needs.
type Authenticator interface {
	AuthenticateByToken(ctx context.Context, token string) (*models.User, error)
	Login(ctx context.Context, email, keyHash string) (*services.LoginResult, error)
}

// Accounts is the part of services.UserService the transport needs.
type Accounts interface {
	Register(ctx context.Context, email string, creds services.Credentials) (*models.User, error)
	Verify(ctx context.Context, token string) error
	VerifiedRedirectURL() string
	UpdateVault(ctx context.Context, user *models.User, vault *string) error
	UpdateEmail(ctx context.Context, user *models.User, token, newEmail string, creds services.Credentials, vault *string) (string, error)
	UpdatePassword(ctx context.Context, user *models.User, creds services.Credentials, vault *string) error
	Logout(ctx context.Context, token string) error
	DeleteAccount(ctx context.Context, user *models.User, token string) error
	Breaches(ctx context.Context, user *models.User) ([]models.BreachSummary, error)
	VaultBackupURL(ctx context.Context, user *models.User) (string, *models.VaultArchive, error)
}

// TwoFactor is the part of services.TwoFactorService the transport needs.
type TwoFactor interface {
	GenerateAuthKey(ctx context.Context, user *models.User) (*services.AuthKey, error)
	Enable(ctx context.Context, user *models.User, secret, code string) error
	Check(ctx context.Context, email, keyHash, code string) (string, error)
	Disable(ctx context.Context, user *models.User) error
}

type Server struct {
	address     string
	auth        Authenticator
	users       Accounts
	twoFactor   TwoFactor
	metrics     *metrics.Metrics
	corsOrigins []string
	logger      logging.Logger
}

func NewServer(address string, l logging.Logger, a Authenticator, u Accounts, tf TwoFactor,
	m *metrics.Metrics, corsOrigins []string) *Server {
	return &Server{
		address:     address,
		auth:        a,
		users:       u,
		twoFactor:   tf,
		metrics:     m,
		corsOrigins: corsOrigins,
		logger:      l.With("module", "http_server"),
	}
}

// Handler builds the routed and wrapped http.Handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.metricsMiddleware)

	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/register", s.register).Methods(http.MethodPost)
	r.HandleFunc("/verify", s.verify).Methods(http.MethodGet)
	r.HandleFunc("/verify/", s.verify).Methods(http.MethodGet)
	r.HandleFunc("/token", s.token).Methods(http.MethodPost)
	r.HandleFunc("/check_two_factor_auth", s.checkTwoFactorAuth).Methods(http.MethodPost)

	protected := r.NewRoute().Subrouter()
	protected.Use(s.bearerGuard)
	protected.HandleFunc("/get_user", s.getUser).Methods(http.MethodGet)
	protected.HandleFunc("/update_vault", s.updateVault).Methods(http.MethodPut)
	protected.HandleFunc("/update_email", s.updateEmail).Methods(http.MethodPut)
	protected.HandleFunc("/update_password", s.updatePassword).Methods(http.MethodPut)
	protected.HandleFunc("/logout", s.logout).Methods(http.MethodPost)
	protected.HandleFunc("/delete_account", s.deleteAccount).Methods(http.MethodDelete)
	protected.HandleFunc("/generate_auth_key", s.generateAuthKey).Methods(http.MethodGet)
	protected.HandleFunc("/enable_two_factor_auth", s.enableTwoFactorAuth).Methods(http.MethodPost)
	protected.HandleFunc("/disable_two_factor_auth", s.disableTwoFactorAuth).Methods(http.MethodPost)
	protected.HandleFunc("/hibp_breaches", s.breaches).Methods(http.MethodGet)
	protected.HandleFunc("/vault_backup", s.vaultBackup).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins:   s.corsOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})

	var h http.Handler = r
	h = c.Handler(h)
	h = s.accessLog(h)
	h = requestID(h)
	return h
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	return s.serve(ctx, listen)
}

func (s *Server) serve(ctx context.Context, listen net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	done := make(chan error, 1)
	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping HTTP server...")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		done <- srv.Shutdown(sctx)
	}()

	s.logger.Info(ctx, "Starting HTTP server", "address", listen.Addr().String())

	if err := srv.Serve(listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return <-done
}
