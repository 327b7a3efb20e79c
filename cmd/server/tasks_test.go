package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/huangang/fleetcron/internal/config"
	"github.com/huangang/fleetcron/internal/models"
	"github.com/huangang/fleetcron/internal/scheduler"
	"github.com/huangang/fleetcron/internal/services"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gormlogger "gorm.io/gorm/logger"
)

func newTestScheduler(t *testing.T) (*scheduler.Scheduler, *config.Config) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.DSN = filepath.Join(t.TempDir(), "fleetcron.db")
	cfg.Scheduler.Isolation = config.IsolationGoroutine

	db, err := models.Open(&cfg.Database, gormlogger.Silent)
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	s := scheduler.NewFromDB(db, scheduler.WithConfig(&cfg.Scheduler), scheduler.WithInstanceID("test"))
	require.NoError(t, registerTasks(s, cfg))
	return s, cfg
}

func TestRegisterTasks(t *testing.T) {
	s, _ := newTestScheduler(t)

	statuses := s.GetTasksStatus()
	require.Len(t, statuses, 2)
	assert.Equal(t, "cleanup", statuses[0].Name)
	assert.Equal(t, "report", statuses[1].Name)
	assert.True(t, statuses[0].RunIsolated)

	cleanup, ok := s.Task("cleanup")
	require.True(t, ok)
	assert.Equal(t, 30, cleanup.Options["retention_days"])
}

func TestRegisterTasksWorkdayCountry(t *testing.T) {
	tests := []struct {
		country string
		want    string
		wantErr bool
	}{
		{country: "", want: ""},
		{country: " us ", want: "US"},
		{country: "cn", want: services.CountryChina},
		{country: "NONE", want: services.CountryNone},
		{country: "XX", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.country, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.Scheduler.WorkdayCountry = tt.country
			s := scheduler.New(nil, nil, scheduler.WithInstanceID("test"))

			err := registerTasks(s, cfg)
			if tt.wantErr {
				assert.ErrorContains(t, err, "workday_country")
				assert.Empty(t, s.GetTasksStatus())
				return
			}
			require.NoError(t, err)
			report, ok := s.Task("report")
			require.True(t, ok)
			assert.Equal(t, tt.want, report.Options["workday_country"])
		})
	}
}

func TestCleanupTaskPurgesOldLogs(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestScheduler(t)

	old := time.Now().UTC().AddDate(0, 0, -40)
	entry := &models.TaskExecutionLog{
		ID:          uuid.NewString(),
		TaskName:    "report",
		ExecutedBy:  "test",
		StartedAt:   old,
		TriggerType: models.TriggerScheduled,
	}
	require.NoError(t, s.Ledger().Start(ctx, entry))
	_, err := s.Ledger().Complete(ctx, entry.ID, scheduler.Completion{
		Status:      models.ExecutionStatusSuccess,
		CompletedAt: old,
		DurationMs:  5,
	})
	require.NoError(t, err)

	result, err := cleanupTask(s)(ctx, &scheduler.ExecutionContext{
		TaskName: "cleanup",
		Options:  map[string]any{"retention_days": float64(30)},
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	assert.Equal(t, cleanupResult{PurgedLogs: 1}, result)

	latest, err := s.Ledger().Latest(ctx, "report")
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestTriggerBuiltinTasks(t *testing.T) {
	s, _ := newTestScheduler(t)

	for _, name := range []string{"cleanup", "report"} {
		result, err := s.TriggerTask(context.Background(), name, nil, models.TriggerManual)
		require.NoError(t, err)
		assert.True(t, result.Success, "%s: %s", name, result.Error)
	}

	stats, err := s.Ledger().Stats(context.Background(), "report")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.SuccessCount)
}

func TestReportTaskSkipsHolidays(t *testing.T) {
	s, _ := newTestScheduler(t)
	workdays := services.NewWorkdayCalendar()
	saturday := func() time.Time { return time.Date(2026, time.March, 7, 2, 0, 0, 0, time.UTC) }
	monday := func() time.Time { return time.Date(2026, time.March, 9, 2, 0, 0, 0, time.UTC) }

	ec := &scheduler.ExecutionContext{
		TaskName: "report",
		Options:  map[string]any{"workday_country": services.CountryNone},
		Logger:   zerolog.Nop(),
	}

	result, err := reportTask(s, workdays, saturday)(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, reportSkipped{Skipped: "non-working day"}, result)

	result, err = reportTask(s, workdays, monday)(context.Background(), ec)
	require.NoError(t, err)
	report, ok := result.(map[string]*scheduler.TaskStats)
	require.True(t, ok)
	assert.Contains(t, report, "cleanup")
	assert.Contains(t, report, "report")
}

func TestIntOption(t *testing.T) {
	tests := []struct {
		name string
		opts map[string]any
		want int
	}{
		{name: "int", opts: map[string]any{"n": 7}, want: 7},
		{name: "float from json", opts: map[string]any{"n": float64(9)}, want: 9},
		{name: "missing", opts: nil, want: 3},
		{name: "zero", opts: map[string]any{"n": 0}, want: 3},
		{name: "wrong type", opts: map[string]any{"n": "7"}, want: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, intOption(tt.opts, "n", 3))
		})
	}
}
