package models

import "time"

// CreditGrant is an immutable ledger entry appended when a reconciled payment
// mints credits. The unique index on source_payment_ref is the idempotency
// guard: a second reconciliation of the same payment reference must resolve
// to this row instead of inserting a new one.
type CreditGrant struct {
	ID                  uint       `gorm:"primaryKey" json:"id"`
	AccountID           uint       `gorm:"not null;index" json:"account_id"`
	Amount              int64      `gorm:"not null" json:"amount"`
	SourcePaymentRef    string     `gorm:"type:varchar(191);not null;uniqueIndex:ux_credit_grants_payment_ref" json:"source_payment_ref"`
	MonetaryAmountCents int64      `gorm:"not null" json:"monetary_amount_cents"`
	Currency            string     `gorm:"type:varchar(3);not null;default:'USD'" json:"currency"`
	ExpiresAt           *time.Time `gorm:"type:timestamp;default:null;index" json:"expires_at,omitempty"`
	CreatedAt           time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
}

// Expired reports whether the grant no longer contributes to the available
// balance as of the given instant. A nil ExpiresAt never expires.
func (g *CreditGrant) Expired(asOf time.Time) bool {
	return g.ExpiresAt != nil && !g.ExpiresAt.After(asOf)
}
