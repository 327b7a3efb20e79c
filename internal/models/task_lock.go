package models

import "time"

// TaskLock is the lease row for one task name. A lock is held by LockedBy only
// while the current time is before ExpiresAt.
type TaskLock struct {
	TaskName  string     `gorm:"primaryKey;size:100" json:"task_name"`
	LockedBy  string     `gorm:"size:255;not null" json:"locked_by"`
	LockedAt  time.Time  `gorm:"not null" json:"locked_at"`
	ExpiresAt time.Time  `gorm:"index;not null" json:"expires_at"`
	LastRunAt *time.Time `json:"last_run_at"` // last successful completion
}

func (TaskLock) TableName() string { return "task_locks" }

// IsExpired reports whether the lease has lapsed at now.
func (l *TaskLock) IsExpired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}
