package handlers

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/huangang/fleetcron/internal/middleware"
	"github.com/huangang/fleetcron/internal/models"
	"github.com/huangang/fleetcron/internal/scheduler"
	"github.com/huangang/fleetcron/internal/services"
	"github.com/huangang/fleetcron/pkg/response"
)

// TaskService is the scheduler surface the admin API uses.
type TaskService interface {
	GetTasksStatus() []scheduler.TaskStatus
	Task(name string) (*scheduler.Task, bool)
	TriggerTask(ctx context.Context, name string, userID *uint, trigger string) (scheduler.ExecutionResult, error)
	Ledger() scheduler.Ledger
}

type SchedulerHandler struct {
	tasks TaskService
	queue services.TriggerQueue
}

// NewSchedulerHandler builds the handler. queue may be nil, in which case
// async triggers are refused.
func NewSchedulerHandler(tasks TaskService, queue services.TriggerQueue) *SchedulerHandler {
	return &SchedulerHandler{tasks: tasks, queue: queue}
}

func (h *SchedulerHandler) ListTasks(c *gin.Context) {
	response.Success(c, h.tasks.GetTasksStatus())
}

// Trigger runs a task now. The reply waits for the run unless async=true,
// which hands it to the trigger queue and answers 202.
func (h *SchedulerHandler) Trigger(c *gin.Context) {
	name := c.Param("name")
	userID := middleware.GetUserID(c)

	if async, _ := strconv.ParseBool(c.Query("async")); async {
		h.enqueue(c, name, userID)
		return
	}

	// The run is not abandoned when the client goes away.
	ctx := context.WithoutCancel(c.Request.Context())
	result, err := h.tasks.TriggerTask(ctx, name, userID, models.TriggerManual)
	if err != nil {
		response.Error(c, mapSchedulerError(err))
		return
	}

	switch {
	case result.Success:
		response.Success(c, result)
	case result.Contended():
		response.Error(c, response.NewConflict(result.Message, result))
	default:
		response.Error(c, response.NewConflict(result.Error, result))
	}
}

func (h *SchedulerHandler) enqueue(c *gin.Context, name string, userID *uint) {
	if _, ok := h.tasks.Task(name); !ok {
		response.Error(c, mapSchedulerError(&scheduler.NotFoundError{Task: name}))
		return
	}
	if h.queue == nil {
		response.ServiceUnavailable(c, "trigger queue is not available", nil)
		return
	}

	id, err := h.queue.Enqueue(c.Request.Context(), &services.TriggerRequest{
		TaskName:    name,
		UserID:      userID,
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		response.Error(c, response.NewServerError(err.Error()))
		return
	}

	response.Accepted(c, gin.H{
		"queue_id":  id,
		"task_name": name,
		"async":     h.queue.IsAsync(),
	})
}

func (h *SchedulerHandler) ListLogs(c *gin.Context) {
	var filter scheduler.LogFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if filter.Status != "" && !validStatus(filter.Status) {
		response.BadRequest(c, "unknown status: "+filter.Status)
		return
	}

	logs, err := h.tasks.Ledger().List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, logs)
}

func (h *SchedulerHandler) LatestLog(c *gin.Context) {
	name, ok := h.registered(c)
	if !ok {
		return
	}

	entry, err := h.tasks.Ledger().Latest(c.Request.Context(), name)
	if err != nil {
		response.Error(c, err)
		return
	}
	if entry == nil {
		response.NotFound(c, "no executions recorded for "+name)
		return
	}
	response.Success(c, entry)
}

func (h *SchedulerHandler) Stats(c *gin.Context) {
	name, ok := h.registered(c)
	if !ok {
		return
	}

	stats, err := h.tasks.Ledger().Stats(c.Request.Context(), name)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, stats)
}

func (h *SchedulerHandler) registered(c *gin.Context) (string, bool) {
	name := c.Param("name")
	if _, ok := h.tasks.Task(name); !ok {
		response.Error(c, mapSchedulerError(&scheduler.NotFoundError{Task: name}))
		return "", false
	}
	return name, true
}

func mapSchedulerError(err error) error {
	switch {
	case errors.Is(err, scheduler.ErrTaskNotFound), errors.Is(err, scheduler.ErrConfiguration):
		return response.NewNotFound(err.Error())
	}
	return err
}

func validStatus(status string) bool {
	switch status {
	case models.ExecutionStatusRunning, models.ExecutionStatusSuccess,
		models.ExecutionStatusFailed, models.ExecutionStatusTimeout:
		return true
	}
	return false
}
