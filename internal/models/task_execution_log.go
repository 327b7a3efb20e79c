package models

import (
	"time"

	"gorm.io/datatypes"
)

// Execution statuses
const (
	ExecutionStatusRunning = "running"
	ExecutionStatusSuccess = "success"
	ExecutionStatusFailed  = "failed"
	ExecutionStatusTimeout = "timeout"
)

// Trigger types
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
	TriggerAPI       = "api"
)

// TaskExecutionLog is one run of a task. It is inserted as running and
// updated exactly once to a terminal status.
type TaskExecutionLog struct {
	ID                string         `gorm:"primaryKey;size:36" json:"id"`
	TaskName          string         `gorm:"size:100;index;not null" json:"task_name"`
	ExecutedBy        string         `gorm:"size:255;not null" json:"executed_by"`
	Status            string         `gorm:"size:20;index;not null" json:"status"` // running, success, failed, timeout
	StartedAt         time.Time      `gorm:"index;not null" json:"started_at"`
	CompletedAt       *time.Time     `json:"completed_at"`
	DurationMs        *int64         `json:"duration_ms"`
	Result            datatypes.JSON `json:"result"`
	ErrorMessage      *string        `gorm:"type:text" json:"error_message"`
	ErrorStack        *string        `gorm:"type:text" json:"error_stack"`
	TriggerType       string         `gorm:"size:20;not null;default:scheduled" json:"trigger_type"` // scheduled, manual, api
	TriggeredByUserID *uint          `json:"triggered_by_user_id"`
}

func (TaskExecutionLog) TableName() string { return "task_execution_logs" }

// IsValidTriggerType reports whether t is a known trigger type.
func IsValidTriggerType(t string) bool {
	switch t {
	case TriggerScheduled, TriggerManual, TriggerAPI:
		return true
	}
	return false
}
