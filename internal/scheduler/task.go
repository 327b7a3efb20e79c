package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Handler runs one execution of a task. The returned value is recorded in the
// execution log as JSON.
type Handler func(ctx context.Context, ec *ExecutionContext) (any, error)

// ExecutionContext is what a handler knows about the run it serves.
type ExecutionContext struct {
	TaskName          string
	ExecutionID       string
	TriggerType       string
	TriggeredByUserID *uint
	InstanceID        string
	Options           map[string]any
	Logger            zerolog.Logger
}

// TaskDefinition is the input to RegisterTask. RunIsolated defaults to true
// when nil.
type TaskDefinition struct {
	Name        string
	Schedule    string
	Handler     Handler
	RunIsolated *bool
	Options     map[string]any
}

// Bool returns a pointer to v, for TaskDefinition.RunIsolated.
func Bool(v bool) *bool { return &v }

// Task is a registered definition. entryID is zero while no cron trigger is
// installed.
type Task struct {
	Name        string
	Schedule    string
	Handler     Handler
	RunIsolated bool
	Options     map[string]any

	entryID cron.EntryID
}

// TaskStatus is the externally visible state of a registered task.
type TaskStatus struct {
	Name        string     `json:"name"`
	Schedule    string     `json:"schedule"`
	RunIsolated bool       `json:"run_isolated"`
	IsRunning   bool       `json:"is_running"` // cron trigger installed
	NextRun     *time.Time `json:"next_run,omitempty"`
	LockHeld    bool       `json:"lock_held"` // this instance is executing it now
}

// ExecutionResult is the outcome of one ExecuteTask call.
type ExecutionResult struct {
	Success     bool   `json:"success"`
	ExecutionID string `json:"execution_id,omitempty"`
	Result      any    `json:"result,omitempty"`
	DurationMs  int64  `json:"duration_ms"`
	Message     string `json:"message,omitempty"`
	Error       string `json:"error,omitempty"`
	TimedOut    bool   `json:"timed_out,omitempty"`
}

// Contended reports whether the execution was skipped because another holder
// owned the lock.
func (r ExecutionResult) Contended() bool {
	return !r.Success && r.Message == MsgAlreadyRunning
}
