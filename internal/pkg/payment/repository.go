package payment

import (
	"context"
	"errors"
	"time"

	"github.com/rentalyze/rentalyze/app/models"
	"gorm.io/gorm"
)

// Repository provides the DB operations used by the reconciler.
type Repository interface {
	CreateIntent(ctx context.Context, intent *models.PaymentIntent) error
	IntentByRef(ctx context.Context, intentRef string) (*models.PaymentIntent, error)
	MarkIntentCompleted(ctx context.Context, intentRef string) (bool, error)
	PlanByCode(ctx context.Context, code string) (*models.CreditPlan, error)
	PromoByCode(ctx context.Context, code string) (*models.PromoCode, error)
	IncrementPromoRedemptions(ctx context.Context, code string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a payment repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) CreateIntent(ctx context.Context, intent *models.PaymentIntent) error {
	return r.db.WithContext(ctx).Create(intent).Error
}

func (r *gormRepository) IntentByRef(ctx context.Context, intentRef string) (*models.PaymentIntent, error) {
	var intent models.PaymentIntent
	err := r.db.WithContext(ctx).Where("intent_ref = ?", intentRef).First(&intent).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUnknownIntent
		}
		return nil, err
	}
	return &intent, nil
}

// MarkIntentCompleted flips a pending intent to completed. The status guard
// makes it a compare-and-swap: only the first caller observes true, so
// first-completion side effects run exactly once.
func (r *gormRepository) MarkIntentCompleted(ctx context.Context, intentRef string) (bool, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&models.PaymentIntent{}).
		Where("intent_ref = ? AND status = ?", intentRef, models.IntentStatusPending).
		Updates(map[string]interface{}{
			"status":       models.IntentStatusCompleted,
			"completed_at": &now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *gormRepository) PlanByCode(ctx context.Context, code string) (*models.CreditPlan, error) {
	var plan models.CreditPlan
	err := r.db.WithContext(ctx).Where("code = ? AND is_active = ?", code, true).First(&plan).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUnknownPlan
		}
		return nil, err
	}
	return &plan, nil
}

func (r *gormRepository) PromoByCode(ctx context.Context, code string) (*models.PromoCode, error) {
	var promo models.PromoCode
	err := r.db.WithContext(ctx).Where("code = ?", code).First(&promo).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &promo, nil
}

func (r *gormRepository) IncrementPromoRedemptions(ctx context.Context, code string) error {
	return r.db.WithContext(ctx).Model(&models.PromoCode{}).
		Where("code = ?", code).
		UpdateColumn("redemptions", gorm.Expr("redemptions + 1")).Error
}
