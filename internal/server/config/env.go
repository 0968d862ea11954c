package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix is prepended to every upper-cased configuration key, e.g.
// DUCKPASS_SECRET_KEY.
const EnvPrefix = "DUCKPASS_"

type envBinding struct {
	key   string
	apply func(c *Config, v string) error
}

func str(dst func(c *Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*dst(c) = v
		return nil
	}
}

func integer(dst func(c *Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

func duration(dst func(c *Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst(c) = d
		return nil
	}
}

var envBindings = []envBinding{
	{"ENDPOINT_ADDR_HTTP", str(func(c *Config) *string { return &c.EndpointAddrHTTP })},
	{"DATABASE_DSN", str(func(c *Config) *string { return &c.DatabaseDSN })},
	{"SECRET_KEY", str(func(c *Config) *string { return &c.SecretKey })},
	{"ACCESS_TOKEN_VALIDITY_DURATION", duration(func(c *Config) *time.Duration { return &c.AccessTokenValidityDuration })},
	{"VERIFICATION_TOKEN_VALIDITY_DURATION", duration(func(c *Config) *time.Duration { return &c.VerificationTokenValidityDuration })},
	{"KDF_ITERATIONS", integer(func(c *Config) *int { return &c.KDFIterations })},
	{"STORE_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.StoreTimeout })},
	{"DB_MAX_CONNS", integer(func(c *Config) *int { return &c.DBMaxConns })},
	{"TOTP_SKEW", integer(func(c *Config) *int { return &c.TOTPSkew })},
	{"TOTP_ISSUER", str(func(c *Config) *string { return &c.TOTPIssuer })},
	{"REVOCATION_BACKEND", str(func(c *Config) *string { return &c.RevocationBackend })},
	{"REDIS_URL", str(func(c *Config) *string { return &c.RedisURL })},
	{"SMTP_HOST", str(func(c *Config) *string { return &c.SMTPHost })},
	{"SMTP_PORT", integer(func(c *Config) *int { return &c.SMTPPort })},
	{"SMTP_USERNAME", str(func(c *Config) *string { return &c.SMTPUsername })},
	{"SMTP_PASSWORD", str(func(c *Config) *string { return &c.SMTPPassword })},
	{"MAIL_FROM", str(func(c *Config) *string { return &c.MailFrom })},
	{"SITE_URL", str(func(c *Config) *string { return &c.SiteURL })},
	{"PUBLIC_API_URL", str(func(c *Config) *string { return &c.PublicAPIURL })},
	{"HIBP_API_KEY", str(func(c *Config) *string { return &c.HIBPAPIKey })},
	{"HIBP_USER_AGENT", str(func(c *Config) *string { return &c.HIBPUserAgent })},
	{"HIBP_BASE_URL", str(func(c *Config) *string { return &c.HIBPBaseURL })},
	{"S3_ROOT_USER", str(func(c *Config) *string { return &c.S3RootUser })},
	{"S3_ROOT_PASSWORD", str(func(c *Config) *string { return &c.S3RootPassword })},
	{"S3_BUCKET", str(func(c *Config) *string { return &c.S3Bucket })},
	{"S3_REGION", str(func(c *Config) *string { return &c.S3Region })},
	{"S3_BASE_ENDPOINT", str(func(c *Config) *string { return &c.S3BaseEndpoint })},
	{"CORS_ALLOWED_ORIGINS", func(c *Config, v string) error {
		c.CORSAllowedOrigins = splitList(v)
		return nil
	}},
	{"LOG_BACKEND", str(func(c *Config) *string { return &c.LogBackend })},
	{"LOG_LEVEL", str(func(c *Config) *string { return &c.LogLevel })},
	{"TASK_WORKERS", integer(func(c *Config) *int { return &c.TaskWorkers })},
}

// parseEnv loads ./.env when present (existing variables win) and then
// applies DUCKPASS_* variables from the process environment.
func parseEnv(config *Config) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		panic(err)
	}
	if err := applyEnv(config, os.LookupEnv); err != nil {
		panic(err)
	}
}

func applyEnv(config *Config, lookup func(string) (string, bool)) error {
	for _, b := range envBindings {
		v, ok := lookup(EnvPrefix + b.key)
		if !ok {
			continue
		}
		if err := b.apply(config, v); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, b.key, err)
		}
	}
	return nil
}
