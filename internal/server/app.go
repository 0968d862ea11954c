// Package server wires the DuckPass components together and runs them:
// storage, revocation backend, services, background tasks and the HTTP API,
// with graceful shutdown on SIGINT/SIGTERM/SIGQUIT.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/bwmarrin/snowflake"
	"github.com/duckpass/duckpass/internal/cryptox"
	"github.com/duckpass/duckpass/internal/logging"
	"github.com/duckpass/duckpass/internal/server/archive"
	"github.com/duckpass/duckpass/internal/server/auth"
	"github.com/duckpass/duckpass/internal/server/breach"
	"github.com/duckpass/duckpass/internal/server/config"
	"github.com/duckpass/duckpass/internal/server/mailer"
	"github.com/duckpass/duckpass/internal/server/metrics"
	"github.com/duckpass/duckpass/internal/server/repositories/repomanager"
	"github.com/duckpass/duckpass/internal/server/repositories/revokedtokens"
	"github.com/duckpass/duckpass/internal/server/rest"
	"github.com/duckpass/duckpass/internal/server/revocation"
	"github.com/duckpass/duckpass/internal/server/services"
	"github.com/duckpass/duckpass/internal/server/tasks"
	"github.com/duckpass/duckpass/internal/server/totp"
)

const (
	// snowflakeNode identifies this instance in generated user ids.
	snowflakeNode = 1
	taskQueueSize = 256
)

type App struct {
	config     *config.Config
	logger     logging.Logger
	db         *sql.DB
	server     *rest.Server
	dispatcher *tasks.Dispatcher
	closers    []io.Closer
}

func newLogger(c *config.Config) (logging.Logger, io.Closer, error) {
	if c.LogBackend == config.LogBackendZap {
		zl, err := logging.NewProductionZapLogger(c.LogLevel, false)
		if err != nil {
			return nil, nil, err
		}
		return zl, closerFunc(func() error { _ = zl.Sync(); return nil }), nil
	}
	return logging.NewJSONSlogLogger(os.Stdout, c.LogLevel), nil, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	logger, logCloser, err := newLogger(c)
	if err != nil {
		return nil, fmt.Errorf("logger init error: %w", err)
	}

	app := &App{config: c, logger: logger}
	if logCloser != nil {
		app.closers = append(app.closers, logCloser)
	}

	if err := app.init(ctx); err != nil {
		app.close()
		return nil, err
	}
	return app, nil
}

func (app *App) init(ctx context.Context) error {
	c := app.config

	db, err := repomanager.OpenDB(ctx, c.DatabaseDSN, c.DBMaxConns)
	if err != nil {
		return fmt.Errorf("db init error: %w", err)
	}
	app.db = db
	app.closers = append([]io.Closer{db}, app.closers...)

	rm := repomanager.NewPostgresRepositoryManager()
	if err := rm.RunMigrations(ctx, db); err != nil {
		return fmt.Errorf("migrations error: %w", err)
	}

	revoked, err := app.revocationStore(ctx, rm)
	if err != nil {
		return err
	}

	hasher, err := cryptox.NewHasher(c.KDFIterations)
	if err != nil {
		return err
	}
	tokens, err := auth.NewTokenService([]byte(c.SecretKey), c.AccessTokenValidityDuration)
	if err != nil {
		return err
	}
	node, err := snowflake.NewNode(snowflakeNode)
	if err != nil {
		return err
	}

	arch, err := app.archiver(ctx)
	if err != nil {
		return err
	}

	m := metrics.NewDefault()
	if err := m.RegisterDB(db); err != nil {
		return err
	}

	app.dispatcher = tasks.NewDispatcher(app.logger, c.TaskWorkers, taskQueueSize, tasks.WithObserver(m.ObserveTask))

	breaches := breach.NewClient(breach.Config{
		BaseURL:   c.HIBPBaseURL,
		APIKey:    c.HIBPAPIKey,
		UserAgent: c.HIBPUserAgent,
	}, nil)

	authService := services.NewAuthService(db, rm, revoked, hasher, tokens, c.StoreTimeout, app.logger)
	userService := services.NewUserService(db, rm, authService, hasher, tokens, node, app.dispatcher,
		app.mailer(), arch, breaches, c, app.logger)
	verifier := totp.DefaultVerifier()
	verifier.Skew = c.TOTPSkew
	twoFactorService := services.NewTwoFactorService(db, rm, authService, verifier, c.TOTPIssuer, c.StoreTimeout, app.logger)

	app.server = rest.NewServer(c.EndpointAddrHTTP, app.logger, authService, userService, twoFactorService, m, c.CORSAllowedOrigins)
	return nil
}

func (app *App) revocationStore(ctx context.Context, rm repomanager.RepositoryManager) (revokedtokens.Repository, error) {
	if app.config.RevocationBackend != config.RevocationBackendRedis {
		return rm.RevokedTokens(app.db), nil
	}

	rdb, err := revocation.NewRedisClient(ctx, app.config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis init error: %w", err)
	}
	app.closers = append([]io.Closer{rdb}, app.closers...)
	return revocation.NewRedisStore(rdb, revocation.DefaultKey), nil
}

func (app *App) archiver(ctx context.Context) (archive.Archiver, error) {
	c := app.config
	if c.S3Bucket == "" {
		app.logger.Info(ctx, "vault archive disabled")
		return archive.Disabled{}, nil
	}
	a, err := archive.NewS3Archive(ctx, archive.Config{
		User:         c.S3RootUser,
		Password:     c.S3RootPassword,
		Bucket:       c.S3Bucket,
		Region:       c.S3Region,
		BaseEndpoint: c.S3BaseEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 init error: %w", err)
	}
	return a, nil
}

func (app *App) mailer() mailer.Mailer {
	c := app.config
	if c.SMTPHost == "" {
		return mailer.NewLogMailer(app.logger)
	}
	return mailer.NewSMTPMailer(mailer.SMTPConfig{
		Host:     c.SMTPHost,
		Port:     c.SMTPPort,
		Username: c.SMTPUsername,
		Password: c.SMTPPassword,
		From:     c.MailFrom,
	}, app.logger)
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startHTTPServer(ctx context.Context, cancelFunc context.CancelFunc) {
	if err := app.server.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

// Run blocks until a signal arrives or the HTTP server fails. Queued tasks
// are drained before the store connections are closed.
func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := app.dispatcher.Run(ctx); err != nil {
			app.logger.Error(ctx, "task dispatcher stopped", "error", err)
		}
	}()

	app.startHTTPServer(ctx, cancelFunc)

	app.dispatcher.Close()
	wg.Wait()

	app.logger.Info(ctx, "App stopped")
	app.close()
}

func (app *App) close() {
	for _, c := range app.closers {
		if err := c.Close(); err != nil {
			app.logger.Warn(context.Background(), "close failed", "error", err)
		}
	}
	app.closers = nil
}
