package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/duckpass/duckpass/internal/common"
	"github.com/golang-jwt/jwt/v5"
)

// Purpose tells what a token may be used for. Access tokens carry no
// purpose claim.
type Purpose string

const (
	PurposeAccess       Purpose = ""
	PurposeVerification Purpose = "verify_email"
)

type claims struct {
	Purpose Purpose `json:"purpose,omitempty"`
	jwt.RegisteredClaims
}

// TokenService mints and validates HS256 bearer tokens whose subject is the
// account email.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenService(secret []byte, ttl time.Duration) (*TokenService, error) {
	if len(secret) == 0 {
		return nil, errors.New("token secret is empty")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("token ttl must be positive, got %s", ttl)
	}
	return &TokenService{secret: secret, ttl: ttl, now: time.Now}, nil
}

// Mint issues a token for subject with the default validity.
func (s *TokenService) Mint(subject string) (string, error) {
	return s.MintWithTTL(subject, s.ttl)
}

// MintWithTTL issues an access token for subject expiring ttl from now. A
// negative ttl produces an already expired token.
func (s *TokenService) MintWithTTL(subject string, ttl time.Duration) (string, error) {
	return s.MintFor(subject, PurposeAccess, ttl)
}

// MintFor issues a token usable only for purpose.
func (s *TokenService) MintFor(subject string, purpose Purpose, ttl time.Duration) (string, error) {
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Purpose: purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})

	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse validates an access token and returns its subject.
func (s *TokenService) Parse(tokenString string) (string, error) {
	return s.ParseFor(tokenString, PurposeAccess)
}

// ParseFor validates signature, algorithm, expiry and purpose and returns the
// subject.
func (s *TokenService) ParseFor(tokenString string, purpose Purpose) (string, error) {
	c := &claims{}

	token, err := jwt.ParseWithClaims(tokenString, c, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", common.ErrTokenExpired
		}
		return "", fmt.Errorf("%w: %v", common.ErrTokenMalformed, err)
	}
	if !token.Valid {
		return "", common.ErrTokenMalformed
	}
	if c.Subject == "" {
		return "", common.ErrTokenMissingSubject
	}
	if c.Purpose != purpose {
		return "", common.ErrTokenPurpose
	}

	return c.Subject, nil
}
