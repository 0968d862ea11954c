package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/duckpass/duckpass/internal/flagx"
	"github.com/duckpass/duckpass/internal/timex"
)

// JsonConfig is the on-disk shape of the optional configuration file.
// Durations use timex.Duration so both "15m" and integer nanoseconds parse.
type JsonConfig struct {
	EndpointAddrHTTP                  string         `json:"endpoint_addr_http"`
	DatabaseDSN                       string         `json:"database_dsn"`
	SecretKey                         string         `json:"secret_key"`
	AccessTokenValidityDuration       timex.Duration `json:"access_token_validity_duration"`
	VerificationTokenValidityDuration timex.Duration `json:"verification_token_validity_duration"`
	KDFIterations                     int            `json:"kdf_iterations"`
	StoreTimeout                      timex.Duration `json:"store_timeout"`
	DBMaxConns                        int            `json:"db_max_conns"`
	TOTPSkew                          *int           `json:"totp_skew"`
	TOTPIssuer                        string         `json:"totp_issuer"`
	RevocationBackend                 string         `json:"revocation_backend"`
	RedisURL                          string         `json:"redis_url"`
	SMTPHost                          string         `json:"smtp_host"`
	SMTPPort                          int            `json:"smtp_port"`
	SMTPUsername                      string         `json:"smtp_username"`
	SMTPPassword                      string         `json:"smtp_password"`
	MailFrom                          string         `json:"mail_from"`
	SiteURL                           string         `json:"site_url"`
	PublicAPIURL                      string         `json:"public_api_url"`
	HIBPAPIKey                        string         `json:"hibp_api_key"`
	HIBPUserAgent                     string         `json:"hibp_user_agent"`
	HIBPBaseURL                       string         `json:"hibp_base_url"`
	S3RootUser                        string         `json:"s3_root_user"`
	S3RootPassword                    string         `json:"s3_root_password"`
	S3Bucket                          string         `json:"s3_bucket"`
	S3Region                          string         `json:"s3_region"`
	S3BaseEndpoint                    string         `json:"s3_base_endpoint"`
	CORSAllowedOrigins                []string       `json:"cors_allowed_origins"`
	LogBackend                        string         `json:"log_backend"`
	LogLevel                          string         `json:"log_level"`
	TaskWorkers                       int            `json:"task_workers"`
}

// parseJson overlays values from the file named by -c/-config onto config.
// Keys absent from the file leave the current value untouched. An unreadable
// or invalid file panics.
func parseJson(config *Config) {
	jsonConfigFile := flagx.ConfigPath(os.Args[1:])

	// nothing to load
	if jsonConfigFile == "" {
		return
	}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	c.applyTo(config)
}

func (c *JsonConfig) applyTo(config *Config) {
	setString(&config.EndpointAddrHTTP, c.EndpointAddrHTTP)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.SecretKey, c.SecretKey)
	setDuration(&config.AccessTokenValidityDuration, c.AccessTokenValidityDuration)
	setDuration(&config.VerificationTokenValidityDuration, c.VerificationTokenValidityDuration)
	setInt(&config.KDFIterations, c.KDFIterations)
	setDuration(&config.StoreTimeout, c.StoreTimeout)
	setInt(&config.DBMaxConns, c.DBMaxConns)
	if c.TOTPSkew != nil {
		config.TOTPSkew = *c.TOTPSkew
	}
	setString(&config.TOTPIssuer, c.TOTPIssuer)
	setString(&config.RevocationBackend, c.RevocationBackend)
	setString(&config.RedisURL, c.RedisURL)
	setString(&config.SMTPHost, c.SMTPHost)
	setInt(&config.SMTPPort, c.SMTPPort)
	setString(&config.SMTPUsername, c.SMTPUsername)
	setString(&config.SMTPPassword, c.SMTPPassword)
	setString(&config.MailFrom, c.MailFrom)
	setString(&config.SiteURL, c.SiteURL)
	setString(&config.PublicAPIURL, c.PublicAPIURL)
	setString(&config.HIBPAPIKey, c.HIBPAPIKey)
	setString(&config.HIBPUserAgent, c.HIBPUserAgent)
	setString(&config.HIBPBaseURL, c.HIBPBaseURL)
	setString(&config.S3RootUser, c.S3RootUser)
	setString(&config.S3RootPassword, c.S3RootPassword)
	setString(&config.S3Bucket, c.S3Bucket)
	setString(&config.S3Region, c.S3Region)
	setString(&config.S3BaseEndpoint, c.S3BaseEndpoint)
	if c.CORSAllowedOrigins != nil {
		config.CORSAllowedOrigins = c.CORSAllowedOrigins
	}
	setString(&config.LogBackend, c.LogBackend)
	setString(&config.LogLevel, c.LogLevel)
	setInt(&config.TaskWorkers, c.TaskWorkers)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v timex.Duration) {
	if v.Duration != 0 {
		*dst = v.Duration
	}
}
