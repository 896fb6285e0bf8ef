package models

import "time"

// IdentityVerification is created once per successful proof-of-personhood check.
// At most one non-expired record exists per nullifier hash and per session token;
// expired rows are purged lazily on every read path.
type IdentityVerification struct {
	ID            string    `json:"id" gorm:"primaryKey"`
	NullifierHash string    `json:"nullifier_hash" gorm:"uniqueIndex;not null"`
	WalletAddress *string   `json:"wallet_address,omitempty"` // attached after verification, once
	UserID        string    `json:"user_id" gorm:"index;not null"`
	SessionToken  string    `json:"-" gorm:"uniqueIndex;not null"`
	CreatedAt     time.Time `json:"created_at" gorm:"autoCreateTime"`
	ExpiresAt     time.Time `json:"expires_at" gorm:"index;not null"`
}

// Expired reports whether the session is past its TTL.
func (v *IdentityVerification) Expired(now time.Time) bool {
	return !v.ExpiresAt.After(now)
}
