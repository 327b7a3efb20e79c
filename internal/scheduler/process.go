package scheduler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/rs/zerolog"
)

// WorkerEnv is set in the environment of every worker process.
const WorkerEnv = "FLEETCRON_WORKER"

// Worker message types written on the message pipe.
const (
	MessageSuccess = "success"
	MessageError   = "error"
	MessageFault   = "fault"
)

// WorkerRequest is the serializable part of a task execution, sent to the
// worker on stdin.
type WorkerRequest struct {
	TaskName          string         `json:"task_name"`
	ExecutionID       string         `json:"execution_id"`
	TriggerType       string         `json:"trigger_type"`
	TriggeredByUserID *uint          `json:"triggered_by_user_id,omitempty"`
	InstanceID        string         `json:"instance_id"`
	Options           map[string]any `json:"options,omitempty"`
}

// WorkerMessage is one JSON line written by the worker on the message pipe.
type WorkerMessage struct {
	Type    string          `json:"type"`
	Result  json.RawMessage `json:"result,omitempty"`
	Message string          `json:"message,omitempty"`
	Stack   string          `json:"stack,omitempty"`
}

// ProcessIsolator runs each execution in a child process by re-executing a
// binary that dispatches to RunWorker. Messages come back on an extra pipe
// (fd 3 in the child); stdout and stderr are forwarded to the logger.
type ProcessIsolator struct {
	// Path defaults to the current executable.
	Path string
	// Args are placed before "--task <name>". Defaults to ["worker"].
	Args []string
	// Env is appended to the parent's environment.
	Env    []string
	Logger zerolog.Logger
}

func (p *ProcessIsolator) Spawn(ctx context.Context, task *Task, ec *ExecutionContext) (Unit, error) {
	path := p.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		path = exe
	}
	args := p.Args
	if args == nil {
		args = []string{"worker"}
	}

	payload, err := json.Marshal(WorkerRequest{
		TaskName:          task.Name,
		ExecutionID:       ec.ExecutionID,
		TriggerType:       ec.TriggerType,
		TriggeredByUserID: ec.TriggeredByUserID,
		InstanceID:        ec.InstanceID,
		Options:           task.Options,
	})
	if err != nil {
		return nil, fmt.Errorf("encode worker request: %w", err)
	}

	msgR, msgW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create message pipe: %w", err)
	}

	lg := p.Logger.With().Str("task", task.Name).Str("execution_id", ec.ExecutionID).Logger()

	cmd := exec.Command(path, append(append([]string{}, args...), "--task", task.Name)...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = lg.With().Str("stream", "stdout").Logger()
	cmd.Stderr = lg.With().Str("stream", "stderr").Logger()
	cmd.ExtraFiles = []*os.File{msgW}
	cmd.Env = append(append(os.Environ(), WorkerEnv+"=1"), p.Env...)

	if err := cmd.Start(); err != nil {
		msgR.Close()
		msgW.Close()
		return nil, err
	}
	// The child owns the write end now; EOF on msgR means it is gone.
	msgW.Close()

	u := &processUnit{
		cmd:    cmd,
		events: make(chan UnitEvent),
	}
	go u.run(msgR)
	return u, nil
}

type processUnit struct {
	cmd    *exec.Cmd
	events chan UnitEvent
}

func (u *processUnit) Events() <-chan UnitEvent { return u.events }

func (u *processUnit) Kill() error {
	if u.cmd.Process == nil {
		return nil
	}
	return u.cmd.Process.Kill()
}

func (u *processUnit) run(msgR *os.File) {
	defer close(u.events)

	u.readMessages(msgR)
	msgR.Close()

	err := u.cmd.Wait()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		u.events <- UnitEvent{Kind: EventExit, ExitCode: 0}
	case errors.As(err, &exitErr):
		u.events <- UnitEvent{Kind: EventExit, ExitCode: exitErr.ExitCode()}
	default:
		u.events <- UnitEvent{Kind: EventFault, Err: fmt.Errorf("wait for worker: %w", err)}
	}
}

func (u *processUnit) readMessages(r *os.File) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var msg WorkerMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			u.events <- UnitEvent{Kind: EventFault, Err: fmt.Errorf("malformed worker message: %w", err)}
			continue
		}
		u.events <- messageEvent(msg)
	}
	if err := scanner.Err(); err != nil {
		u.events <- UnitEvent{Kind: EventFault, Err: fmt.Errorf("read worker messages: %w", err)}
	}
}

func messageEvent(msg WorkerMessage) UnitEvent {
	switch msg.Type {
	case MessageSuccess:
		return UnitEvent{Kind: EventSuccess, Result: msg.Result}
	case MessageError:
		return UnitEvent{Kind: EventError, Message: msg.Message, Stack: msg.Stack}
	case MessageFault:
		return UnitEvent{Kind: EventFault, Err: errors.New(msg.Message), Stack: msg.Stack}
	}
	return UnitEvent{Kind: EventFault, Err: fmt.Errorf("unknown worker message type %q", msg.Type)}
}
