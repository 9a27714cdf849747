package models

import "time"

const (
	DiscountTypePercentage = "percentage"
	DiscountTypeFixed      = "fixed"
)

// PromoCode is read-only to the engine except for the redemption counter,
// which the payment reconciler bumps on the first completion of a purchase
// that used the code.
type PromoCode struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	Code           string     `gorm:"type:varchar(50);not null;uniqueIndex:ux_promo_codes_code" json:"code"`
	DiscountType   string     `gorm:"type:varchar(16);not null" json:"discount_type"`
	Value          int64      `gorm:"not null" json:"value"`
	ValidFrom      *time.Time `gorm:"type:timestamp;default:null" json:"valid_from,omitempty"`
	ValidTo        *time.Time `gorm:"type:timestamp;default:null" json:"valid_to,omitempty"`
	MaxRedemptions int64      `gorm:"not null;default:0" json:"max_redemptions"`
	Redemptions    int64      `gorm:"not null;default:0" json:"redemptions"`
	IsActive       bool       `gorm:"default:true;index" json:"is_active"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// WithinWindow reports whether the code is valid at the given instant.
func (p *PromoCode) WithinWindow(now time.Time) bool {
	if p.ValidFrom != nil && now.Before(*p.ValidFrom) {
		return false
	}
	if p.ValidTo != nil && now.After(*p.ValidTo) {
		return false
	}
	return true
}

// LimitReached reports whether the redemption cap is exhausted.
// MaxRedemptions of zero means unlimited.
func (p *PromoCode) LimitReached() bool {
	return p.MaxRedemptions > 0 && p.Redemptions >= p.MaxRedemptions
}
