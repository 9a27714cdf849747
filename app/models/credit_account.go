package models

import "time"

// CreditAccount is the per-user aggregate the ledger serializes on. It is
// created lazily on first grant. TotalConsumed never exceeds TotalGranted;
// both move only inside a ledger transaction holding the account row lock.
type CreditAccount struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	UserID        uint      `gorm:"not null;uniqueIndex:ux_credit_accounts_user" json:"user_id"`
	TotalGranted  int64     `gorm:"not null;default:0" json:"total_granted"`
	TotalConsumed int64     `gorm:"not null;default:0" json:"total_consumed"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Remaining is the lifetime balance ignoring holds and expiry.
func (a *CreditAccount) Remaining() int64 {
	return a.TotalGranted - a.TotalConsumed
}
