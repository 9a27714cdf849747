package projections

import (
	"context"

	"gorm.io/gorm"

	"github.com/rentalyze/rentalyze/app/models"
)

// Repository provides the aggregate queries the read views are built from.
// Per-user queries take the user id; the translation to the ledger account
// row happens inside.
type Repository interface {
	GrantsByAccount(ctx context.Context, userID uint, limit int) ([]models.CreditGrant, error)
	ReservationsByAccount(ctx context.Context, userID uint, limit int) ([]models.CreditReservation, error)
	CompletedIntentTotals(ctx context.Context) (revenueCents, discountCents, purchases int64, err error)
	CreditTotals(ctx context.Context) (granted, consumed, held int64, err error)
	JobCountsByStatus(ctx context.Context) (map[string]int64, error)
	PromoRedemptions(ctx context.Context) ([]PromoRedemption, error)
	RecentDailyStats(ctx context.Context, days int) ([]models.DailyStat, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a projection repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

// accountFor builds the subquery resolving a user id to its ledger account.
func (r *gormRepository) accountFor(userID uint) *gorm.DB {
	return r.db.Model(&models.CreditAccount{}).Select("id").Where("user_id = ?", userID)
}

func (r *gormRepository) GrantsByAccount(ctx context.Context, userID uint, limit int) ([]models.CreditGrant, error) {
	var grants []models.CreditGrant
	err := r.db.WithContext(ctx).
		Where("account_id = (?)", r.accountFor(userID)).
		Order("created_at DESC").
		Limit(limit).
		Find(&grants).Error
	return grants, err
}

func (r *gormRepository) ReservationsByAccount(ctx context.Context, userID uint, limit int) ([]models.CreditReservation, error) {
	var reservations []models.CreditReservation
	err := r.db.WithContext(ctx).
		Where("account_id = (?)", r.accountFor(userID)).
		Order("created_at DESC").
		Limit(limit).
		Find(&reservations).Error
	return reservations, err
}

func (r *gormRepository) CompletedIntentTotals(ctx context.Context) (int64, int64, int64, error) {
	var row struct {
		Revenue   int64
		Discount  int64
		Purchases int64
	}
	err := r.db.WithContext(ctx).Model(&models.PaymentIntent{}).
		Select("COALESCE(SUM(monetary_amount_cents), 0) AS revenue, COALESCE(SUM(discount_cents), 0) AS discount, COUNT(*) AS purchases").
		Where("status = ?", models.IntentStatusCompleted).
		Scan(&row).Error
	return row.Revenue, row.Discount, row.Purchases, err
}

func (r *gormRepository) CreditTotals(ctx context.Context) (int64, int64, int64, error) {
	var totals struct {
		Granted  int64
		Consumed int64
	}
	err := r.db.WithContext(ctx).Model(&models.CreditAccount{}).
		Select("COALESCE(SUM(total_granted), 0) AS granted, COALESCE(SUM(total_consumed), 0) AS consumed").
		Scan(&totals).Error
	if err != nil {
		return 0, 0, 0, err
	}

	var held int64
	err = r.db.WithContext(ctx).Model(&models.CreditReservation{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("state = ?", models.ReservationStateHeld).
		Scan(&held).Error
	return totals.Granted, totals.Consumed, held, err
}

func (r *gormRepository) JobCountsByStatus(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	err := r.db.WithContext(ctx).Model(&models.AnalysisJob{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

func (r *gormRepository) PromoRedemptions(ctx context.Context) ([]PromoRedemption, error) {
	var codes []models.PromoCode
	err := r.db.WithContext(ctx).
		Where("redemptions > 0").
		Order("redemptions DESC").
		Find(&codes).Error
	if err != nil {
		return nil, err
	}

	redemptions := make([]PromoRedemption, 0, len(codes))
	for i := range codes {
		redemptions = append(redemptions, PromoRedemption{
			Code:        codes[i].Code,
			Redemptions: int64(codes[i].Redemptions),
		})
	}
	return redemptions, nil
}

func (r *gormRepository) RecentDailyStats(ctx context.Context, days int) ([]models.DailyStat, error) {
	var stats []models.DailyStat
	err := r.db.WithContext(ctx).
		Order("day DESC").
		Limit(days).
		Find(&stats).Error
	return stats, err
}
