package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime/debug"
)

// Worker exit codes.
const (
	WorkerExitOK    = 0
	WorkerExitUsage = 1
	WorkerExitPanic = 2
)

// RunWorker is the child side of ProcessIsolator. It reads a WorkerRequest
// from in, runs the registered handler for taskName and writes exactly one
// WorkerMessage to out. The returned value is the process exit code.
func (s *Scheduler) RunWorker(ctx context.Context, taskName string, in io.Reader, out io.Writer) int {
	enc := json.NewEncoder(out)
	send := func(msg WorkerMessage) {
		if err := enc.Encode(msg); err != nil {
			s.logger.Error().Err(err).Str("task", taskName).Msg("failed to write worker message")
		}
	}

	var req WorkerRequest
	if err := json.NewDecoder(in).Decode(&req); err != nil {
		send(WorkerMessage{Type: MessageError, Message: fmt.Sprintf("decode worker request: %v", err)})
		return WorkerExitUsage
	}
	if req.TaskName == "" {
		req.TaskName = taskName
	}
	if req.TaskName != taskName {
		send(WorkerMessage{Type: MessageError, Message: fmt.Sprintf("worker request is for %q, not %q", req.TaskName, taskName)})
		return WorkerExitUsage
	}

	task, ok := s.Task(taskName)
	if !ok {
		send(WorkerMessage{Type: MessageError, Message: (&NotFoundError{Task: taskName}).Error()})
		return WorkerExitUsage
	}

	options := req.Options
	if options == nil {
		options = task.Options
	}
	ec := &ExecutionContext{
		TaskName:          task.Name,
		ExecutionID:       req.ExecutionID,
		TriggerType:       req.TriggerType,
		TriggeredByUserID: req.TriggeredByUserID,
		InstanceID:        req.InstanceID,
		Options:           options,
		Logger:            s.logger.With().Str("task", task.Name).Str("execution_id", req.ExecutionID).Logger(),
	}

	return s.invokeWorker(ctx, task, ec, send)
}

func (s *Scheduler) invokeWorker(ctx context.Context, task *Task, ec *ExecutionContext, send func(WorkerMessage)) (code int) {
	defer func() {
		if r := recover(); r != nil {
			send(WorkerMessage{
				Type:    MessageFault,
				Message: fmt.Sprintf("handler panic: %v", r),
				Stack:   string(debug.Stack()),
			})
			code = WorkerExitPanic
		}
	}()

	result, err := task.Handler(ctx, ec)
	if err != nil {
		send(WorkerMessage{Type: MessageError, Message: err.Error()})
		return WorkerExitOK
	}

	ev := resultEvent(result)
	if ev.Kind == EventError {
		send(WorkerMessage{Type: MessageError, Message: ev.Message})
		return WorkerExitOK
	}
	send(WorkerMessage{Type: MessageSuccess, Result: ev.Result})
	return WorkerExitOK
}
