package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/huangang/fleetcron/internal/models"
	"github.com/huangang/fleetcron/internal/scheduler"
	"github.com/huangang/fleetcron/pkg/logger"
)

// TaskTrigger is the part of the scheduler the queue needs.
type TaskTrigger interface {
	TriggerTask(ctx context.Context, name string, userID *uint, trigger string) (scheduler.ExecutionResult, error)
}

// SchedulerTrigger runs queued requests as api-triggered executions. Only an
// unknown task is an error; a failed or contended run is already visible in
// the execution log.
func SchedulerTrigger(s TaskTrigger) TriggerFunc {
	return func(ctx context.Context, req *TriggerRequest) error {
		result, err := s.TriggerTask(ctx, req.TaskName, req.UserID, models.TriggerAPI)
		if err != nil {
			if errors.Is(err, scheduler.ErrTaskNotFound) {
				return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
			}
			return err
		}

		switch {
		case result.Success:
			logger.Infof("[Trigger] %s completed in %dms (execution %s)", req.TaskName, result.DurationMs, result.ExecutionID)
		case result.Contended():
			logger.Infof("[Trigger] %s skipped: %s", req.TaskName, result.Message)
		default:
			logger.Warnf("[Trigger] %s failed (execution %s): %s", req.TaskName, result.ExecutionID, result.Error)
		}
		return nil
	}
}
