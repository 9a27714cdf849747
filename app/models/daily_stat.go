package models

import "time"

// DailyStat receives the batched operational counters flushed from Redis.
// One row per UTC day; columns are incremented, never rewritten.
type DailyStat struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	Day                string    `gorm:"type:varchar(10);not null;uniqueIndex:ux_daily_stats_day" json:"day"`
	PurchasesCompleted int64     `gorm:"not null;default:0" json:"purchases_completed"`
	CreditsGranted     int64     `gorm:"not null;default:0" json:"credits_granted"`
	JobsCompleted      int64     `gorm:"not null;default:0" json:"jobs_completed"`
	JobsFailed         int64     `gorm:"not null;default:0" json:"jobs_failed"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
