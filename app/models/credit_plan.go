package models

import "time"

// CreditPlan is a purchasable credit bundle. ValidityDays of zero means the
// granted credits never expire.
type CreditPlan struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Code         string    `gorm:"type:varchar(50);not null;uniqueIndex:ux_credit_plans_code" json:"code"`
	Name         string    `gorm:"type:varchar(150);not null" json:"name"`
	Credits      int64     `gorm:"not null" json:"credits"`
	PriceCents   int64     `gorm:"not null" json:"price_cents"`
	Currency     string    `gorm:"type:varchar(3);not null;default:'USD'" json:"currency"`
	ValidityDays int       `gorm:"not null;default:0" json:"validity_days"`
	IsActive     bool      `gorm:"default:true;index" json:"is_active"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// GrantExpiry returns the expiry timestamp for credits bought on this plan,
// or nil when they never expire.
func (p *CreditPlan) GrantExpiry(purchasedAt time.Time) *time.Time {
	if p.ValidityDays <= 0 {
		return nil
	}
	t := purchasedAt.AddDate(0, 0, p.ValidityDays)
	return &t
}
