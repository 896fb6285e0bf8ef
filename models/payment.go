package models

import "time"

// Payment statuses. Terminal states never transition further.
const (
	PaymentPending   = "pending"
	PaymentConfirmed = "confirmed"
	PaymentFailed    = "failed"
)

// Payment types.
const (
	PaymentTypeQuickMatch = "quick_match"
	PaymentTypeTournament = "tournament"
)

// PaymentRecord tracks one payment attempt. The client-supplied Reference is the
// idempotency boundary: re-initiating with the same reference returns the existing
// record instead of creating a duplicate. Records are never deleted (audit trail);
// only the lifecycle manager's confirm/fail transition mutates them.
type PaymentRecord struct {
	ID            string `json:"id" gorm:"primaryKey"`
	UserID        string `json:"user_id" gorm:"index;not null"`
	TournamentID  string `json:"tournament_id,omitempty" gorm:"index"`
	Reference     string `json:"reference" gorm:"uniqueIndex;not null"`
	TransactionID string `json:"transaction_id,omitempty"`      // on-chain tx, set on confirmation
	TokenAddress  string `json:"token_address" gorm:"not null"` // canonical, lowercased
	TokenAmount   string `json:"token_amount" gorm:"not null"`  // integer string, base units
	Recipient     string `json:"recipient_address,omitempty"`
	Status        string `json:"status" gorm:"index;default:'pending'"`
	Type          string `json:"type" gorm:"not null"`
	WalletAddress string `json:"wallet_address,omitempty"`
	NullifierHash string `json:"nullifier_hash,omitempty" gorm:"index"`
	SessionToken  string `json:"-"`

	CreatedAt   time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt   time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
}

// PaymentStatusHistory is the append-only transition trail, one row per transition
// including the initial pending entry. Rows are appended under the same lock that
// performs the status mutation, so order always reflects actual transition order.
type PaymentStatusHistory struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	PaymentID string    `json:"payment_id" gorm:"index;not null"`
	OldStatus string    `json:"old_status,omitempty"`
	NewStatus string    `json:"new_status" gorm:"not null"`
	Reason    string    `json:"reason,omitempty"`
	ChangedAt time.Time `json:"changed_at" gorm:"autoCreateTime"`
}

// Terminal reports whether the payment can no longer transition.
func (p *PaymentRecord) Terminal() bool {
	return p.Status == PaymentConfirmed || p.Status == PaymentFailed
}
