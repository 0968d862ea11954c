// Package models defines server-side data models persisted in the database.
package models

import "time"

// User is the single account record. KeyHash and Salt are base64; Vault is
// nil until the client stores one.
type User struct {
	ID                    int64
	Email                 string
	KeyHash               string
	Salt                  string
	SymmetricKeyEncrypted string
	HasTwoFactorAuth      bool
	TwoFactorAuth         string
	Verified              bool
	Vault                 []byte
	CreatedAt             time.Time
}
