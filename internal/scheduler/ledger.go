package scheduler

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/huangang/fleetcron/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	DefaultLogLimit = 50
	MaxLogLimit     = 500
)

// Completion is the single terminal update applied to a running log entry.
type Completion struct {
	Status       string
	CompletedAt  time.Time
	DurationMs   int64
	Result       datatypes.JSON
	ErrorMessage string
	ErrorStack   string
}

// LogFilter narrows ListLogs. Limit is clamped to [1, MaxLogLimit].
type LogFilter struct {
	TaskName string `form:"task_name"`
	Status   string `form:"status"`
	Limit    int    `form:"limit"`
}

// TaskStats aggregates the ledger of one task.
type TaskStats struct {
	TaskName      string  `json:"task_name"`
	TotalRuns     int64   `json:"total_runs"`
	SuccessCount  int64   `json:"success_count"`
	FailedCount   int64   `json:"failed_count"`
	TimeoutCount  int64   `json:"timeout_count"`
	RunningCount  int64   `json:"running_count"`
	SuccessRate   float64 `json:"success_rate"` // percent of TotalRuns
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// Ledger is the append-then-update execution history.
type Ledger interface {
	Start(ctx context.Context, entry *models.TaskExecutionLog) error
	// Complete returns false when the entry was not running anymore.
	Complete(ctx context.Context, id string, c Completion) (bool, error)
	List(ctx context.Context, filter LogFilter) ([]models.TaskExecutionLog, error)
	// Latest returns nil without error when the task never ran.
	Latest(ctx context.Context, taskName string) (*models.TaskExecutionLog, error)
	Stats(ctx context.Context, taskName string) (*TaskStats, error)
	PurgeBefore(ctx context.Context, before time.Time) (int64, error)
}

type gormLedger struct {
	db *gorm.DB
}

// NewLedger returns a Ledger backed by the task_execution_logs table.
func NewLedger(db *gorm.DB) Ledger {
	return &gormLedger{db: db}
}

func (l *gormLedger) Start(ctx context.Context, entry *models.TaskExecutionLog) error {
	entry.Status = models.ExecutionStatusRunning
	entry.CompletedAt = nil
	entry.DurationMs = nil
	return l.db.WithContext(ctx).Create(entry).Error
}

func (l *gormLedger) Complete(ctx context.Context, id string, c Completion) (bool, error) {
	updates := map[string]interface{}{
		"status":       c.Status,
		"completed_at": c.CompletedAt,
		"duration_ms":  c.DurationMs,
	}
	if len(c.Result) > 0 {
		updates["result"] = c.Result
	}
	if c.ErrorMessage != "" {
		updates["error_message"] = c.ErrorMessage
	}
	if c.ErrorStack != "" {
		updates["error_stack"] = c.ErrorStack
	}

	res := l.db.WithContext(ctx).
		Model(&models.TaskExecutionLog{}).
		Where("id = ? AND status = ?", id, models.ExecutionStatusRunning).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (l *gormLedger) List(ctx context.Context, filter LogFilter) ([]models.TaskExecutionLog, error) {
	query := l.db.WithContext(ctx).Model(&models.TaskExecutionLog{})
	if filter.TaskName != "" {
		query = query.Where("task_name = ?", filter.TaskName)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	var logs []models.TaskExecutionLog
	err := query.Order("started_at DESC").Limit(clampLimit(filter.Limit)).Find(&logs).Error
	return logs, err
}

func (l *gormLedger) Latest(ctx context.Context, taskName string) (*models.TaskExecutionLog, error) {
	var entry models.TaskExecutionLog
	err := l.db.WithContext(ctx).
		Where("task_name = ?", taskName).
		Order("started_at DESC").
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

type statusRow struct {
	Status      string
	Count       int64
	DurationSum *float64
	DurationCnt int64
}

func (l *gormLedger) Stats(ctx context.Context, taskName string) (*TaskStats, error) {
	var rows []statusRow
	err := l.db.WithContext(ctx).
		Model(&models.TaskExecutionLog{}).
		Select("status, COUNT(*) AS count, SUM(duration_ms) AS duration_sum, COUNT(duration_ms) AS duration_cnt").
		Where("task_name = ?", taskName).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return buildStats(taskName, rows), nil
}

func buildStats(taskName string, rows []statusRow) *TaskStats {
	stats := &TaskStats{TaskName: taskName}
	var durationSum float64
	var durationCnt int64

	for _, row := range rows {
		stats.TotalRuns += row.Count
		switch row.Status {
		case models.ExecutionStatusSuccess:
			stats.SuccessCount = row.Count
		case models.ExecutionStatusFailed:
			stats.FailedCount = row.Count
		case models.ExecutionStatusTimeout:
			stats.TimeoutCount = row.Count
		case models.ExecutionStatusRunning:
			stats.RunningCount = row.Count
		}
		if row.DurationSum != nil {
			durationSum += *row.DurationSum
			durationCnt += row.DurationCnt
		}
	}

	if stats.TotalRuns > 0 {
		stats.SuccessRate = round2(float64(stats.SuccessCount) * 100 / float64(stats.TotalRuns))
	}
	if durationCnt > 0 {
		stats.AvgDurationMs = round2(durationSum / float64(durationCnt))
	}
	return stats
}

func (l *gormLedger) PurgeBefore(ctx context.Context, before time.Time) (int64, error) {
	res := l.db.WithContext(ctx).
		Where("started_at < ? AND status <> ?", before, models.ExecutionStatusRunning).
		Delete(&models.TaskExecutionLog{})
	return res.RowsAffected, res.Error
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLogLimit
	}
	if limit > MaxLogLimit {
		return MaxLogLimit
	}
	return limit
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
