package models

import (
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	AnalysisStatusPending   = "pending"
	AnalysisStatusAnalyzing = "analyzing"
	AnalysisStatusCompleted = "completed"
	AnalysisStatusFailed    = "failed"
)

// AnalysisJob tracks one property-analysis request from submission to its
// terminal state. Completed and Failed are immutable; a failed job is never
// resurrected, resubmission creates a new job with a fresh reservation.
type AnalysisJob struct {
	ID              string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	AccountID       uint       `gorm:"not null;index" json:"account_id"`
	PropertyAddress string     `gorm:"type:varchar(500);not null" json:"property_address" validate:"required,min=5,max=500"`
	PropertyDetails string     `gorm:"type:longtext" json:"property_details"`
	Status          string     `gorm:"type:varchar(16);not null;default:'pending';index" json:"status"`
	ReservationID   uint       `gorm:"not null" json:"reservation_id"`
	ReportRef       string     `gorm:"type:varchar(255);default:''" json:"report_ref,omitempty"`
	ErrorMsg        string     `gorm:"type:text" json:"error_msg,omitempty"`
	Attempt         int        `gorm:"not null;default:0" json:"attempt"`
	CompletedAt     *time.Time `gorm:"type:timestamp;default:null" json:"completed_at,omitempty"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime;index" json:"updated_at"`
}

func (j *AnalysisJob) Validate() error {
	v := validator.New()

	return v.Struct(j)
}

// IsTerminal reports whether the job reached completed or failed.
func (j *AnalysisJob) IsTerminal() bool {
	return j.Status == AnalysisStatusCompleted || j.Status == AnalysisStatusFailed
}
