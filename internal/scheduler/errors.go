package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration matches every *ConfigurationError.
	ErrConfiguration = errors.New("invalid task configuration")
	// ErrTaskNotFound matches every *NotFoundError.
	ErrTaskNotFound = errors.New("task not found")
	// ErrIsolation matches every *IsolationFault.
	ErrIsolation = errors.New("isolated execution fault")
)

// MsgAlreadyRunning is the result message when another holder owns the task lock.
const MsgAlreadyRunning = "already running elsewhere"

// ConfigurationError reports a rejected task definition.
type ConfigurationError struct {
	Task   string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Task == "" {
		return fmt.Sprintf("%v: %s", ErrConfiguration, e.Reason)
	}
	return fmt.Sprintf("%v: task %q: %s", ErrConfiguration, e.Task, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

func (e *ConfigurationError) Unwrap() error { return e.Err }

// NotFoundError reports a lookup of an unregistered task.
type NotFoundError struct {
	Task string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%v: %s", ErrTaskNotFound, e.Task)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrTaskNotFound }

// HandlerError is a failure reported by the task's own logic, including a
// recovered panic.
type HandlerError struct {
	Message string
	Stack   string
	Panic   bool
}

func (e *HandlerError) Error() string { return e.Message }

// IsolationFault is a failure of the isolated unit itself rather than of the
// handler: a crash, an abnormal exit or a broken message channel.
type IsolationFault struct {
	ExitCode int
	Err      error
	Stack    string
}

func (e *IsolationFault) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("worker exited with code %d", e.ExitCode)
}

func (e *IsolationFault) Is(target error) bool { return target == ErrIsolation }

func (e *IsolationFault) Unwrap() error { return e.Err }

// describeError splits an execution error into the message and stack stored
// in the ledger.
func describeError(err error) (message, stack string) {
	var he *HandlerError
	if errors.As(err, &he) {
		return he.Message, he.Stack
	}
	var fault *IsolationFault
	if errors.As(err, &fault) {
		return fault.Error(), fault.Stack
	}
	return err.Error(), ""
}
