package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/rentalyze/rentalyze/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a ledger repository backed by GORM. Account
// serialization uses SELECT ... FOR UPDATE on the credit_accounts row, so
// the backing store must support row-level locking.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) WithinAccount(ctx context.Context, userID uint, fn func(tx Tx, acct *models.CreditAccount) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Lazy account creation, race-safe through the unique index.
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).Create(&models.CreditAccount{UserID: userID}).Error; err != nil {
			return err
		}

		var acct models.CreditAccount
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID).
			First(&acct).Error; err != nil {
			return err
		}

		return fn(&gormTx{tx: tx}, &acct)
	})
}

func (r *gormRepository) ReservationByID(ctx context.Context, id uint) (*models.CreditReservation, error) {
	var res models.CreditReservation
	err := r.db.WithContext(ctx).First(&res, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReservationNotFound
		}
		return nil, err
	}
	return &res, nil
}

type gormTx struct {
	tx *gorm.DB
}

func (g *gormTx) SaveAccount(acct *models.CreditAccount) error {
	return g.tx.Save(acct).Error
}

func (g *gormTx) CreateGrantIfNotExists(grant *models.CreditGrant) (bool, *models.CreditGrant, error) {
	res := g.tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "source_payment_ref"}},
		DoNothing: true,
	}).Create(grant)
	if res.Error != nil {
		return false, nil, res.Error
	}

	created := res.RowsAffected > 0
	var stored models.CreditGrant
	if err := g.tx.Where("source_payment_ref = ?", grant.SourcePaymentRef).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (g *gormTx) UnexpiredGrantTotal(accountID uint, asOf time.Time) (int64, error) {
	var total int64
	err := g.tx.Model(&models.CreditGrant{}).
		Where("account_id = ? AND (expires_at IS NULL OR expires_at > ?)", accountID, asOf).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error
	return total, err
}

func (g *gormTx) NextExpiry(accountID uint, asOf time.Time) (*time.Time, error) {
	var next *time.Time
	err := g.tx.Model(&models.CreditGrant{}).
		Where("account_id = ? AND expires_at IS NOT NULL AND expires_at > ?", accountID, asOf).
		Select("MIN(expires_at)").
		Scan(&next).Error
	return next, err
}

func (g *gormTx) HeldTotal(accountID uint) (int64, error) {
	var total int64
	err := g.tx.Model(&models.CreditReservation{}).
		Where("account_id = ? AND state = ?", accountID, models.ReservationStateHeld).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error
	return total, err
}

func (g *gormTx) HeldByJob(accountID uint, jobID string) (*models.CreditReservation, error) {
	var res models.CreditReservation
	err := g.tx.Where("account_id = ? AND job_id = ? AND state = ?", accountID, jobID, models.ReservationStateHeld).
		First(&res).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &res, nil
}

func (g *gormTx) CreateReservation(res *models.CreditReservation) error {
	return g.tx.Create(res).Error
}

func (g *gormTx) ReservationByID(id uint) (*models.CreditReservation, error) {
	var res models.CreditReservation
	err := g.tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&res, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReservationNotFound
		}
		return nil, err
	}
	return &res, nil
}

func (g *gormTx) SaveReservation(res *models.CreditReservation) error {
	return g.tx.Save(res).Error
}
