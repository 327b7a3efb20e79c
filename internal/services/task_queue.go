package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/huangang/fleetcron/internal/config"
	"github.com/huangang/fleetcron/pkg/logger"
)

const (
	TaskTypeTrigger = "scheduler:trigger"
	triggerQueue    = "scheduler"
)

// TriggerRequest asks for one on-demand run of a registered task.
type TriggerRequest struct {
	TaskName    string    `json:"task_name"`
	UserID      *uint     `json:"user_id,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// TriggerFunc runs a TriggerRequest. The scheduler decides whether the run
// happens: a locked task is skipped like any other contended firing.
type TriggerFunc func(ctx context.Context, req *TriggerRequest) error

// TriggerQueue hands API triggers off the request goroutine.
type TriggerQueue interface {
	// Enqueue returns an id for the queued trigger.
	Enqueue(ctx context.Context, req *TriggerRequest) (string, error)
	IsAsync() bool
	Close() error
}

// NewTriggerQueue returns an asynq queue when Redis is enabled and reachable,
// otherwise a queue that runs triggers on a local goroutine with process.
func NewTriggerQueue(cfg *config.RedisConfig, process TriggerFunc) TriggerQueue {
	if cfg.Enabled {
		queue, err := NewAsyncQueue(cfg)
		if err == nil {
			logger.Infof("[TriggerQueue] Async queue initialized with Redis at %s", cfg.Addr)
			return queue
		}
		logger.Warnf("[TriggerQueue] Redis unavailable, falling back to local goroutines: %v", err)
	} else {
		logger.Infof("[TriggerQueue] Sync queue initialized (Redis disabled)")
	}
	return NewSyncQueue(process)
}

func redisOpt(cfg *config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// AsyncQueue publishes triggers to Redis through asynq. Any instance running
// a Worker may pick them up.
type AsyncQueue struct {
	client *asynq.Client
}

func NewAsyncQueue(cfg *config.RedisConfig) (*AsyncQueue, error) {
	opt := redisOpt(cfg)

	inspector := asynq.NewInspector(opt)
	defer inspector.Close()
	if _, err := inspector.Queues(); err != nil {
		return nil, err
	}

	return &AsyncQueue{client: asynq.NewClient(opt)}, nil
}

// newTriggerTask builds the asynq task. Triggers are never retried; a failed
// run is already recorded in the execution log.
func newTriggerTask(req *TriggerRequest) (*asynq.Task, error) {
	if req.TaskName == "" {
		return nil, errors.New("task name is required")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeTrigger, payload,
		asynq.Queue(triggerQueue),
		asynq.MaxRetry(0),
		asynq.Timeout(24*time.Hour),
	), nil
}

func (q *AsyncQueue) Enqueue(ctx context.Context, req *TriggerRequest) (string, error) {
	task, err := newTriggerTask(req)
	if err != nil {
		return "", err
	}

	info, err := q.client.EnqueueContext(ctx, task)
	if err != nil {
		return "", fmt.Errorf("enqueue trigger for %s: %w", req.TaskName, err)
	}

	logger.Infof("[AsyncQueue] Trigger enqueued: id=%s, task=%s", info.ID, req.TaskName)
	return info.ID, nil
}

func (q *AsyncQueue) IsAsync() bool {
	return true
}

func (q *AsyncQueue) Close() error {
	return q.client.Close()
}

// SyncQueue runs every trigger on its own goroutine in this process.
type SyncQueue struct {
	process TriggerFunc
}

func NewSyncQueue(process TriggerFunc) *SyncQueue {
	return &SyncQueue{process: process}
}

func (q *SyncQueue) Enqueue(_ context.Context, req *TriggerRequest) (string, error) {
	if req.TaskName == "" {
		return "", errors.New("task name is required")
	}
	if q.process == nil {
		return "", errors.New("no trigger processor configured")
	}

	id := uuid.NewString()
	go func() {
		if err := q.process(context.Background(), req); err != nil {
			logger.Errorf("[SyncQueue] Trigger %s for %s failed: %v", id, req.TaskName, err)
		}
	}()
	return id, nil
}

func (q *SyncQueue) IsAsync() bool {
	return false
}

func (q *SyncQueue) Close() error {
	return nil
}
