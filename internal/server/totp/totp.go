// Package totp wraps github.com/pquerna/otp with the authenticator-app
// profile used for second-factor login: SHA1, 6 digits, 30 second steps.
package totp

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const secretBytes = 20

// Key is a freshly generated secret and the otpauth:// URL carrying it.
type Key struct {
	Secret string
	URL    string
}

// NewKey generates a 160-bit secret for account. The secret is base32
// without padding.
func NewKey(account, issuer string) (*Key, error) {
	k, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		SecretSize:  secretBytes,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("totp key: %w", err)
	}
	return &Key{Secret: k.Secret(), URL: k.URL()}, nil
}

// Verifier checks codes against a shared secret.
// Skew is the number of adjacent periods accepted on each side of the current one.
type Verifier struct {
	Period time.Duration
	Digits int
	Skew   int
}

// DefaultVerifier is the authenticator-app profile: 30 second steps, 6 digits, ±1 step.
func DefaultVerifier() Verifier {
	return Verifier{Period: 30 * time.Second, Digits: 6, Skew: 1}
}

var errInvalidVerifier = errors.New("totp: invalid verifier settings")

func (v Verifier) opts() (totp.ValidateOpts, error) {
	period := uint(v.Period / time.Second)
	if period == 0 || v.Digits <= 0 || v.Skew < 0 {
		return totp.ValidateOpts{}, errInvalidVerifier
	}
	return totp.ValidateOpts{
		Period:    period,
		Skew:      uint(v.Skew),
		Digits:    otp.Digits(v.Digits),
		Algorithm: otp.AlgorithmSHA1,
	}, nil
}

// Verify reports whether code is valid for secret at now. Empty or
// malformed secrets and codes fail verification.
func (v Verifier) Verify(secret, code string, now time.Time) bool {
	if strings.TrimSpace(secret) == "" {
		return false
	}
	opts, err := v.opts()
	if err != nil {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, now.UTC(), opts)
	return err == nil && ok
}

// Code returns the code for secret at t.
func (v Verifier) Code(secret string, t time.Time) (string, error) {
	opts, err := v.opts()
	if err != nil {
		return "", err
	}
	return totp.GenerateCodeCustom(secret, t.UTC(), opts)
}
