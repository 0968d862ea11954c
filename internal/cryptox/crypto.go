// Package cryptox implements the server-side derivation layer applied to the
// master key hash sent by clients, plus the base64 codec used at the API
// boundary.
//
// The server never sees the user's password: the client sends a hash of it
// (the master key hash), and the server stores only PBKDF2-HMAC-SHA256 of that
// value under a per-user random salt.
package cryptox

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// MinIterations is the lowest accepted PBKDF2 cost. Configuration may only raise it.
	MinIterations = 600_000
	// SaltLength is the size of a freshly generated salt, in bytes.
	SaltLength = 16
	// KeyLength is the size of a derived hash, in bytes.
	KeyLength = 32
)

// Derive applies PBKDF2-HMAC-SHA256 to input with the given salt and cost and
// returns KeyLength bytes.
func Derive(input, salt []byte, iterations int) []byte {
	return pbkdf2.Key(input, salt, iterations, KeyLength, sha256.New)
}

// Hasher derives and verifies stored master key hashes with a fixed cost.
type Hasher struct {
	iterations int
}

// NewHasher returns a Hasher using the given PBKDF2 iteration count.
func NewHasher(iterations int) (*Hasher, error) {
	if iterations < MinIterations {
		return nil, fmt.Errorf("kdf iterations %d below minimum %d", iterations, MinIterations)
	}
	return &Hasher{iterations: iterations}, nil
}

// Iterations reports the configured PBKDF2 cost.
func (h *Hasher) Iterations() int {
	return h.iterations
}

// GenerateMasterKeyHash draws a new random salt and derives the hash to store
// for received. It fails only when the entropy source fails.
func (h *Hasher) GenerateMasterKeyHash(received []byte) (salt, hash []byte, err error) {
	salt = make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, fmt.Errorf("salt generation: %w", err)
	}
	return salt, Derive(received, salt, h.iterations), nil
}

// VerifyMasterKeyHash re-derives received under salt and compares it with
// stored in constant time. Empty inputs never verify.
func (h *Hasher) VerifyMasterKeyHash(received, salt, stored []byte) bool {
	if len(received) == 0 || len(salt) == 0 || len(stored) == 0 {
		return false
	}
	derived := Derive(received, salt, h.iterations)
	return subtle.ConstantTimeCompare(derived, stored) == 1
}

// DecodeBase64 decodes standard base64. Malformed input yields an empty slice
// rather than an error; callers must treat empty output as invalid.
func DecodeBase64(s string) []byte {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return []byte{}
	}
	return b
}

// EncodeBase64 encodes b with standard base64.
func EncodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
