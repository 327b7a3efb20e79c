package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/rs/zerolog"
)

// Engine runs task handlers either directly or inside an isolated unit and
// normalizes what comes back.
type Engine struct {
	isolator Isolator
	logger   zerolog.Logger
}

// NewEngine returns an engine that spawns isolated units with isolator.
func NewEngine(isolator Isolator, logger zerolog.Logger) *Engine {
	if isolator == nil {
		isolator = GoroutineIsolator{}
	}
	return &Engine{isolator: isolator, logger: logger}
}

// RunInProcess calls the handler on the caller's goroutine. Handler errors are
// returned unchanged; a panic becomes a *HandlerError.
func (e *Engine) RunInProcess(ctx context.Context, task *Task, ec *ExecutionContext) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &HandlerError{
				Message: fmt.Sprintf("panic: %v", r),
				Stack:   string(debug.Stack()),
				Panic:   true,
			}
		}
	}()
	return task.Handler(ctx, ec)
}

// RunIsolated spawns a unit for the task and waits for its first terminal
// outcome. The result is the JSON the unit reported.
func (e *Engine) RunIsolated(ctx context.Context, task *Task, ec *ExecutionContext) (any, error) {
	unit, err := e.isolator.Spawn(ctx, task, ec)
	if err != nil {
		return nil, &IsolationFault{Err: fmt.Errorf("spawn worker: %w", err)}
	}

	result, err := awaitUnit(ctx, unit)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	return result, nil
}
