package models

import "time"

const (
	ReservationStateHeld     = "held"
	ReservationStateConsumed = "consumed"
	ReservationStateReleased = "released"
)

// CreditReservation holds one credit against a specific analysis job until
// the job finishes. At most one held reservation may exist per job id; the
// partial uniqueness is enforced by the ledger under the account row lock.
type CreditReservation struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	AccountID  uint       `gorm:"not null;index" json:"account_id"`
	JobID      string     `gorm:"type:varchar(36);not null;index:idx_credit_reservations_job" json:"job_id"`
	Amount     int64      `gorm:"not null;default:1" json:"amount"`
	State      string     `gorm:"type:varchar(16);not null;default:'held';index" json:"state"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
	ResolvedAt *time.Time `gorm:"type:timestamp;default:null" json:"resolved_at,omitempty"`
}

// IsHeld reports whether the reservation is still pending resolution.
func (r *CreditReservation) IsHeld() bool {
	return r.State == ReservationStateHeld
}

// IsTerminal reports whether the reservation reached a final state.
func (r *CreditReservation) IsTerminal() bool {
	return r.State == ReservationStateConsumed || r.State == ReservationStateReleased
}
