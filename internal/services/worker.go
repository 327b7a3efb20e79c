package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hibiken/asynq"
	"github.com/huangang/fleetcron/internal/config"
	"github.com/huangang/fleetcron/pkg/logger"
)

// Worker consumes queued triggers from Redis.
type Worker struct {
	server  *asynq.Server
	mux     *asynq.ServeMux
	process TriggerFunc

	mu      sync.Mutex
	running bool
}

// NewWorker returns nil when Redis is disabled.
func NewWorker(cfg *config.RedisConfig, process TriggerFunc) *Worker {
	if !cfg.Enabled {
		return nil
	}

	server := asynq.NewServer(redisOpt(cfg), asynq.Config{
		Concurrency: 4,
		Queues:      map[string]int{triggerQueue: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Errorf("[Worker] Error processing %s: %v", task.Type(), err)
		}),
	})

	w := &Worker{
		server:  server,
		mux:     asynq.NewServeMux(),
		process: process,
	}
	w.mux.HandleFunc(TaskTypeTrigger, w.handleTrigger)
	return w
}

func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("start trigger worker: %w", err)
	}
	w.running = true
	logger.Infof("[Worker] Trigger worker started")
	return nil
}

func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	logger.Infof("[Worker] Shutting down...")
	w.server.Shutdown()
	w.running = false
	logger.Infof("[Worker] Shutdown complete")
}

func (w *Worker) handleTrigger(ctx context.Context, t *asynq.Task) error {
	var req TriggerRequest
	if err := json.Unmarshal(t.Payload(), &req); err != nil {
		return fmt.Errorf("decode trigger: %v: %w", err, asynq.SkipRetry)
	}

	logger.Infof("[Worker] Processing trigger: task=%s", req.TaskName)
	if w.process == nil {
		return fmt.Errorf("no trigger processor: %w", asynq.SkipRetry)
	}
	return w.process(ctx, &req)
}
