package models

import "time"

const (
	IntentStatusPending   = "pending"
	IntentStatusCompleted = "completed"
	IntentStatusExpired   = "expired"
)

// PaymentIntent records what we expect the gateway to collect before credits
// may be minted. The discount and the grant expiry policy are written
// explicitly at creation time; neither is re-derived from the plan later, so
// plan changes between intent and completion cannot alter the quoted terms.
type PaymentIntent struct {
	ID                  uint       `gorm:"primaryKey" json:"id"`
	IntentRef           string     `gorm:"type:varchar(191);not null;uniqueIndex:ux_payment_intents_ref" json:"intent_ref"`
	AccountID           uint       `gorm:"not null;index" json:"account_id"`
	PlanCode            string     `gorm:"type:varchar(50);not null" json:"plan_code"`
	CreditsToGrant      int64      `gorm:"not null" json:"credits_to_grant"`
	MonetaryAmountCents int64      `gorm:"not null" json:"monetary_amount_cents"`
	Currency            string     `gorm:"type:varchar(3);not null;default:'USD'" json:"currency"`
	PromoCode           string     `gorm:"type:varchar(50);default:''" json:"promo_code,omitempty"`
	DiscountCents       int64      `gorm:"not null;default:0" json:"discount_cents"`
	GrantValidityDays   int        `gorm:"not null;default:0" json:"grant_validity_days"`
	Status              string     `gorm:"type:varchar(16);not null;default:'pending';index" json:"status"`
	ExpiresAt           *time.Time `gorm:"type:timestamp;default:null" json:"expires_at,omitempty"`
	CompletedAt         *time.Time `gorm:"type:timestamp;default:null" json:"completed_at,omitempty"`
	CreatedAt           time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
