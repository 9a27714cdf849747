package analysis

import (
	"context"
	"errors"
	"time"

	"github.com/rentalyze/rentalyze/app/models"
	"gorm.io/gorm"
)

// ErrJobNotFound means the job id is unknown.
var ErrJobNotFound = errors.New("analysis job not found")

// Repository provides job storage. Jobs are single-writer-per-row; the
// terminal transition uses a status-guarded update instead of locking.
type Repository interface {
	CreateJob(ctx context.Context, job *models.AnalysisJob) error
	JobByID(ctx context.Context, id string) (*models.AnalysisJob, error)
	MarkAnalyzing(ctx context.Context, id string) (bool, error)
	FinalizeJob(ctx context.Context, id, status, reportRef, errMsg string) (bool, error)
	IncrementAttempt(ctx context.Context, id string) error
	StaleAnalyzing(ctx context.Context, olderThan time.Time) ([]models.AnalysisJob, error)

	// UnsettledTerminal lists terminal jobs whose reservation is still
	// held. Implementations may over-approximate; settling an already
	// resolved reservation is a no-op.
	UnsettledTerminal(ctx context.Context) ([]models.AnalysisJob, error)
	JobsByAccount(ctx context.Context, accountID uint, limit int) ([]models.AnalysisJob, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a job repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) CreateJob(ctx context.Context, job *models.AnalysisJob) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *gormRepository) JobByID(ctx context.Context, id string) (*models.AnalysisJob, error) {
	var job models.AnalysisJob
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &job, nil
}

func (r *gormRepository) MarkAnalyzing(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.AnalysisJob{}).
		Where("id = ? AND status = ?", id, models.AnalysisStatusPending).
		Update("status", models.AnalysisStatusAnalyzing)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// FinalizeJob is the exactly-once gate for terminal transitions: the status
// guard lets only one caller win, everyone else sees a no-op.
func (r *gormRepository) FinalizeJob(ctx context.Context, id, status, reportRef, errMsg string) (bool, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&models.AnalysisJob{}).
		Where("id = ? AND status IN ?", id, []string{models.AnalysisStatusPending, models.AnalysisStatusAnalyzing}).
		Updates(map[string]interface{}{
			"status":       status,
			"report_ref":   reportRef,
			"error_msg":    errMsg,
			"completed_at": &now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *gormRepository) IncrementAttempt(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&models.AnalysisJob{}).
		Where("id = ?", id).
		UpdateColumn("attempt", gorm.Expr("attempt + 1")).Error
}

func (r *gormRepository) StaleAnalyzing(ctx context.Context, olderThan time.Time) ([]models.AnalysisJob, error) {
	var jobs []models.AnalysisJob
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", models.AnalysisStatusAnalyzing, olderThan).
		Find(&jobs).Error
	return jobs, err
}

func (r *gormRepository) UnsettledTerminal(ctx context.Context) ([]models.AnalysisJob, error) {
	var jobs []models.AnalysisJob
	err := r.db.WithContext(ctx).
		Joins("JOIN credit_reservations ON credit_reservations.id = analysis_jobs.reservation_id").
		Where("analysis_jobs.status IN ? AND credit_reservations.state = ?",
			[]string{models.AnalysisStatusCompleted, models.AnalysisStatusFailed},
			models.ReservationStateHeld).
		Find(&jobs).Error
	return jobs, err
}

func (r *gormRepository) JobsByAccount(ctx context.Context, accountID uint, limit int) ([]models.AnalysisJob, error) {
	var jobs []models.AnalysisJob
	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}
