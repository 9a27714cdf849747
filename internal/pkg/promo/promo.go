package promo

import (
	"context"
	"errors"
	"time"

	"github.com/rentalyze/rentalyze/app/models"
	"gorm.io/gorm"
)

var (
	ErrNotFound               = errors.New("promo code not found")
	ErrExpired                = errors.New("promo code outside its validity window")
	ErrRedemptionLimitReached = errors.New("promo code redemption limit reached")
)

// Discount describes the price reduction a promo code yields for a given
// base price. All amounts are in the smallest currency unit.
type Discount struct {
	Code            string `json:"code"`
	DiscountType    string `json:"discount_type"`
	Value           int64  `json:"value"`
	DiscountCents   int64  `json:"discount_cents"`
	FinalPriceCents int64  `json:"final_price_cents"`
}

// Compute applies the code's discount rule to basePriceCents. Pure function,
// no side effects; safe to call speculatively from a price preview.
func Compute(code *models.PromoCode, basePriceCents int64, now time.Time) (Discount, error) {
	if !code.IsActive {
		return Discount{}, ErrNotFound
	}
	if !code.WithinWindow(now) {
		return Discount{}, ErrExpired
	}
	if code.LimitReached() {
		return Discount{}, ErrRedemptionLimitReached
	}

	var discount int64
	switch code.DiscountType {
	case models.DiscountTypePercentage:
		// Half-up rounding to the smallest currency unit.
		discount = (basePriceCents*code.Value + 50) / 100
	case models.DiscountTypeFixed:
		discount = code.Value
	default:
		return Discount{}, ErrNotFound
	}

	if discount > basePriceCents {
		discount = basePriceCents
	}
	if discount < 0 {
		discount = 0
	}

	return Discount{
		Code:            code.Code,
		DiscountType:    code.DiscountType,
		Value:           code.Value,
		DiscountCents:   discount,
		FinalPriceCents: basePriceCents - discount,
	}, nil
}

// Service resolves promo codes from storage and validates them against a
// base price. It never mutates the redemption counter; that belongs to the
// payment reconciler.
type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Validate looks up the code and computes its discount for basePriceCents.
func (s *Service) Validate(ctx context.Context, code string, basePriceCents int64) (Discount, error) {
	var pc models.PromoCode
	err := s.db.WithContext(ctx).Where("code = ?", code).First(&pc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Discount{}, ErrNotFound
		}
		return Discount{}, err
	}
	return Compute(&pc, basePriceCents, time.Now())
}
