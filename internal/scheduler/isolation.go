package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
)

// EventKind tags a UnitEvent. The set is closed.
type EventKind int

const (
	// EventSuccess carries the handler's result.
	EventSuccess EventKind = iota + 1
	// EventError carries a handler-level failure message.
	EventError
	// EventFault is a failure of the unit itself, outside the handler's
	// normal return path.
	EventFault
	// EventExit reports termination of the unit with its exit code.
	EventExit
)

func (k EventKind) String() string {
	switch k {
	case EventSuccess:
		return "success"
	case EventError:
		return "error"
	case EventFault:
		return "fault"
	case EventExit:
		return "exit"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// UnitEvent is one message crossing the isolation boundary.
type UnitEvent struct {
	Kind     EventKind
	Result   json.RawMessage
	Message  string
	Stack    string
	Err      error
	ExitCode int
}

// Unit is a running isolated execution. Events is closed after the unit's
// last event.
type Unit interface {
	Events() <-chan UnitEvent
	Kill() error
}

// Isolator starts isolated units.
type Isolator interface {
	Spawn(ctx context.Context, task *Task, ec *ExecutionContext) (Unit, error)
}

var (
	errUnitClosed   = errors.New("worker channel closed without reporting a result")
	errSilentExit   = errors.New("worker exited without reporting a result")
	errUnknownEvent = errors.New("worker sent an unknown event")
)

// settlement keeps the first terminal outcome of a unit. Every event after
// that is ignored.
type settlement struct {
	settled bool
	result  json.RawMessage
	err     error
}

// apply folds ev into s and reports whether s is settled afterwards.
func (s *settlement) apply(ev UnitEvent) bool {
	if s.settled {
		return true
	}

	switch ev.Kind {
	case EventSuccess:
		s.settle(ev.Result, nil)
	case EventError:
		s.settle(nil, &HandlerError{Message: ev.Message, Stack: ev.Stack})
	case EventFault:
		err := ev.Err
		if err == nil {
			err = errors.New(ev.Message)
		}
		s.settle(nil, &IsolationFault{Err: err, ExitCode: ev.ExitCode, Stack: ev.Stack})
	case EventExit:
		if ev.ExitCode != 0 {
			s.settle(nil, &IsolationFault{ExitCode: ev.ExitCode})
		} else {
			s.settle(nil, &IsolationFault{Err: errSilentExit})
		}
	default:
		s.settle(nil, &IsolationFault{Err: fmt.Errorf("%w: %v", errUnknownEvent, ev.Kind)})
	}
	return s.settled
}

func (s *settlement) settle(result json.RawMessage, err error) {
	if s.settled {
		return
	}
	s.settled = true
	s.result = result
	s.err = err
}

// awaitUnit waits for exactly one terminal outcome of u. Once settled the
// remaining events are drained in the background so the unit never blocks.
// When ctx ends first the unit is killed and awaitUnit returns only after its
// event channel closes, so the caller keeps the task lock until the unit is
// gone.
func awaitUnit(ctx context.Context, u Unit) (json.RawMessage, error) {
	events := u.Events()

	var s settlement
	for !s.settled {
		select {
		case <-ctx.Done():
			_ = u.Kill()
			for range events {
			}
			return nil, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				s.settle(nil, &IsolationFault{Err: errUnitClosed})
				break
			}
			s.apply(ev)
		}
	}
	go func() {
		for range events {
		}
	}()
	return s.result, s.err
}

// GoroutineIsolator runs each handler on its own goroutine. Panics are
// contained and reported as faults, and results cross the boundary as JSON
// so the caller never shares memory with the handler.
type GoroutineIsolator struct{}

func (GoroutineIsolator) Spawn(ctx context.Context, task *Task, ec *ExecutionContext) (Unit, error) {
	ctx, cancel := context.WithCancel(ctx)
	u := &goroutineUnit{
		events: make(chan UnitEvent, 2),
		cancel: cancel,
	}
	go u.run(ctx, task, ec)
	return u, nil
}

type goroutineUnit struct {
	events chan UnitEvent
	cancel context.CancelFunc
}

func (u *goroutineUnit) Events() <-chan UnitEvent { return u.events }

func (u *goroutineUnit) Kill() error {
	u.cancel()
	return nil
}

func (u *goroutineUnit) run(ctx context.Context, task *Task, ec *ExecutionContext) {
	defer close(u.events)
	defer u.cancel()

	code := u.invoke(ctx, task, ec)
	u.events <- UnitEvent{Kind: EventExit, ExitCode: code}
}

func (u *goroutineUnit) invoke(ctx context.Context, task *Task, ec *ExecutionContext) (code int) {
	defer func() {
		if r := recover(); r != nil {
			u.events <- UnitEvent{
				Kind:     EventFault,
				Err:      fmt.Errorf("handler panic: %v", r),
				Stack:    string(debug.Stack()),
				ExitCode: 2,
			}
			code = 2
		}
	}()

	result, err := task.Handler(ctx, ec)
	if err != nil {
		u.events <- UnitEvent{Kind: EventError, Message: err.Error()}
		return 0
	}
	u.events <- resultEvent(result)
	return 0
}

// resultEvent encodes a handler result for the boundary.
func resultEvent(result any) UnitEvent {
	payload, err := encodeResult(result)
	if err != nil {
		return UnitEvent{Kind: EventError, Message: fmt.Sprintf("result is not serializable: %v", err)}
	}
	return UnitEvent{Kind: EventSuccess, Result: payload}
}

func encodeResult(result any) (json.RawMessage, error) {
	switch v := result.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	}
	return json.Marshal(result)
}
