package main

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/huangang/fleetcron/internal/config"
	"github.com/huangang/fleetcron/internal/scheduler"
	"github.com/huangang/fleetcron/internal/services"
)

const defaultRetentionDays = 30

// registerTasks installs the built-in maintenance tasks. The serve and worker
// commands both call it so a worker process finds the same handlers.
func registerTasks(s *scheduler.Scheduler, cfg *config.Config) error {
	retention := cfg.Scheduler.LogRetentionDays
	if retention <= 0 {
		retention = defaultRetentionDays
	}

	workdays := services.NewWorkdayCalendar()
	country := strings.ToUpper(strings.TrimSpace(cfg.Scheduler.WorkdayCountry))
	if country != "" && !slices.Contains(workdays.Countries(), country) {
		return fmt.Errorf("scheduler.workday_country: unsupported code %q (one of %s)",
			cfg.Scheduler.WorkdayCountry, strings.Join(workdays.Countries(), ", "))
	}

	defs := []scheduler.TaskDefinition{
		{
			Name:     "cleanup",
			Schedule: "0 * * * *",
			Handler:  cleanupTask(s),
			Options:  map[string]any{"retention_days": retention},
		},
		{
			Name:     "report",
			Schedule: "0 2 * * *",
			Handler:  reportTask(s, workdays, time.Now),
			Options:  map[string]any{"workday_country": country},
		},
	}
	for _, def := range defs {
		if err := s.RegisterTask(def); err != nil {
			return err
		}
	}
	return nil
}

type cleanupResult struct {
	PurgedLogs   int64 `json:"purged_logs"`
	ExpiredLocks int64 `json:"expired_locks"`
}

// cleanupTask purges finished execution logs past the retention window and
// removes lock rows whose lease ran out.
func cleanupTask(s *scheduler.Scheduler) scheduler.Handler {
	return func(ctx context.Context, ec *scheduler.ExecutionContext) (any, error) {
		days := intOption(ec.Options, "retention_days", defaultRetentionDays)
		cutoff := time.Now().UTC().AddDate(0, 0, -days)

		purged, err := s.Ledger().PurgeBefore(ctx, cutoff)
		if err != nil {
			return nil, err
		}
		expired, err := s.Locks().CleanupExpired(ctx)
		if err != nil {
			return nil, err
		}

		ec.Logger.Info().Int64("purged_logs", purged).Int64("expired_locks", expired).Msg("cleanup finished")
		return cleanupResult{PurgedLogs: purged, ExpiredLocks: expired}, nil
	}
}

type reportSkipped struct {
	Skipped string `json:"skipped"`
}

// reportTask logs the execution statistics of every registered task. Runs
// that fall on a holiday of the workday_country option are skipped.
func reportTask(s *scheduler.Scheduler, workdays *services.WorkdayCalendar, now func() time.Time) scheduler.Handler {
	return func(ctx context.Context, ec *scheduler.ExecutionContext) (any, error) {
		if country, _ := ec.Options["workday_country"].(string); country != "" {
			if !workdays.IsWorkday(now().In(s.Location()), country) {
				ec.Logger.Info().Str("country", country).Msg("report skipped on a non-working day")
				return reportSkipped{Skipped: "non-working day"}, nil
			}
		}

		report := make(map[string]*scheduler.TaskStats)
		for _, status := range s.GetTasksStatus() {
			stats, err := s.Ledger().Stats(ctx, status.Name)
			if err != nil {
				return nil, err
			}
			report[status.Name] = stats
			ec.Logger.Info().
				Str("task", status.Name).
				Int64("total_runs", stats.TotalRuns).
				Float64("success_rate", stats.SuccessRate).
				Float64("avg_duration_ms", stats.AvgDurationMs).
				Msg("task report")
		}
		return report, nil
	}
}

// intOption reads a numeric option. Options that crossed the worker pipe
// arrive as float64.
func intOption(opts map[string]any, key string, def int) int {
	switch v := opts[key].(type) {
	case int:
		if v > 0 {
			return v
		}
	case float64:
		if v > 0 {
			return int(v)
		}
	}
	return def
}
