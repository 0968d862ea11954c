package models

import "time"

// VaultArchive describes one stored copy of a user's vault.
type VaultArchive struct {
	Key       string
	Size      int64
	CreatedAt time.Time
}
