// Package scheduler runs named tasks on cron schedules across a fleet of
// instances. A lease row per task in the shared database guarantees that a
// firing executes on at most one instance, and every execution is recorded in
// the execution ledger.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/huangang/fleetcron/internal/models"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const tracerName = "github.com/huangang/fleetcron/internal/scheduler"

// Scheduler owns the task registry and composes the lock coordinator, the
// execution engine and the ledger into the per-run protocol.
type Scheduler struct {
	opts   Options
	parser cron.Parser
	locks  *LockCoordinator
	engine *Engine
	ledger Ledger
	logger zerolog.Logger
	tracer trace.Tracer

	mu       sync.Mutex
	tasks    map[string]*Task
	cron     *cron.Cron
	started  bool
	sweeper  context.CancelFunc
	sweepEnd chan struct{}

	lastPurge time.Time
}

// NewFromDB builds a scheduler on the task_locks and task_execution_logs
// tables of db.
func NewFromDB(db *gorm.DB, opts ...Option) *Scheduler {
	return New(NewLockStore(db), NewLedger(db), opts...)
}

func New(store LockStore, ledger Ledger, opts ...Option) *Scheduler {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.InstanceID == "" {
		o.InstanceID = DefaultInstanceID()
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.TracerProvider == nil {
		o.TracerProvider = otel.GetTracerProvider()
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = defaultOptions().CleanupInterval
	}

	logger := o.Logger.With().Str("instance", o.InstanceID).Logger()

	locks := NewLockCoordinator(store, o.InstanceID, o.LeaseDuration, o.HeartbeatInterval,
		logger.With().Str("component", "lock").Logger())
	locks.now = o.Now
	locks.metrics = o.Metrics
	o.LeaseDuration, o.HeartbeatInterval = locks.lease, locks.interval

	return &Scheduler{
		opts:   o,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		locks:  locks,
		engine: NewEngine(o.Isolator, logger.With().Str("component", "engine").Logger()),
		ledger: ledger,
		logger: logger.With().Str("component", "scheduler").Logger(),
		tracer: o.TracerProvider.Tracer(tracerName),
		tasks:  make(map[string]*Task),
	}
}

// InstanceID returns the identifier this scheduler writes to locks and logs.
func (s *Scheduler) InstanceID() string { return s.opts.InstanceID }

// Location is the time zone cron expressions are evaluated in.
func (s *Scheduler) Location() *time.Location { return s.opts.Location }

// Ledger exposes the execution history for read-only reporting.
func (s *Scheduler) Ledger() Ledger { return s.ledger }

// Locks exposes the lock coordinator.
func (s *Scheduler) Locks() *LockCoordinator { return s.locks }

// RegisterTask validates def and adds it to the registry. It does not install
// a cron trigger; Start does.
func (s *Scheduler) RegisterTask(def TaskDefinition) error {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return &ConfigurationError{Reason: "name is required"}
	}
	if strings.TrimSpace(def.Schedule) == "" {
		return &ConfigurationError{Task: name, Reason: "schedule is required"}
	}
	if def.Handler == nil {
		return &ConfigurationError{Task: name, Reason: "handler is required"}
	}
	if _, err := s.parser.Parse(def.Schedule); err != nil {
		return &ConfigurationError{Task: name, Reason: "invalid cron expression " + quote(def.Schedule), Err: err}
	}

	runIsolated := true
	if def.RunIsolated != nil {
		runIsolated = *def.RunIsolated
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[name]; exists {
		return &ConfigurationError{Task: name, Reason: "already registered"}
	}

	task := &Task{
		Name:        name,
		Schedule:    def.Schedule,
		Handler:     def.Handler,
		RunIsolated: runIsolated,
		Options:     def.Options,
	}
	s.tasks[name] = task

	if s.started {
		if err := s.install(task); err != nil {
			delete(s.tasks, name)
			return err
		}
	}

	s.logger.Info().Str("task", name).Str("schedule", def.Schedule).Bool("run_isolated", runIsolated).Msg("task registered")
	return nil
}

// Task returns the registered task called name.
func (s *Scheduler) Task(name string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[name]
	return task, ok
}

// Start installs a cron trigger per registered task and starts the expired
// lock sweep. When scheduling is disabled it only logs. Calling Start on a
// started scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.opts.Enabled {
		s.logger.Info().Msg("scheduling disabled, no cron triggers started")
		return nil
	}
	if s.started {
		return nil
	}

	s.cron = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.opts.Location),
		cron.WithLogger(cronLogger{s.logger}),
		cron.WithChain(cron.Recover(cronLogger{s.logger})),
	)

	for _, task := range s.tasks {
		if err := s.install(task); err != nil {
			for _, t := range s.tasks {
				t.entryID = 0
			}
			s.cron = nil
			return err
		}
	}

	s.cron.Start()

	sweepCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.sweeper = cancel
	s.sweepEnd = make(chan struct{})
	go s.sweepLoop(sweepCtx, s.sweepEnd)

	s.started = true
	s.logger.Info().Int("tasks", len(s.tasks)).Str("timezone", s.opts.Location.String()).Msg("scheduler started")
	return nil
}

// install adds the cron entry for task. Caller holds s.mu and s.cron is set.
func (s *Scheduler) install(task *Task) error {
	id, err := s.cron.AddFunc(task.Schedule, func() {
		s.runScheduled(task)
	})
	if err != nil {
		return &ConfigurationError{Task: task.Name, Reason: "cannot install cron trigger", Err: err}
	}
	task.entryID = id
	return nil
}

func (s *Scheduler) runScheduled(task *Task) {
	result := s.ExecuteTask(context.Background(), task.Name, task, models.TriggerScheduled, nil)
	if result.Contended() {
		return
	}
	s.logger.Debug().
		Str("task", task.Name).
		Bool("success", result.Success).
		Int64("duration_ms", result.DurationMs).
		Msg("scheduled run finished")
}

// Stop removes every cron trigger, stops the sweep, waits for in-flight cron
// runs until ctx is done and releases all locks owned by this instance.
// Stop is idempotent.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	var running context.Context
	if s.started {
		s.sweeper()
		sweepEnd := s.sweepEnd
		for _, task := range s.tasks {
			if task.entryID != 0 {
				s.cron.Remove(task.entryID)
				task.entryID = 0
			}
		}
		running = s.cron.Stop()
		s.started = false
		s.mu.Unlock()
		<-sweepEnd
	} else {
		s.mu.Unlock()
	}

	if running != nil {
		select {
		case <-running.Done():
		case <-ctx.Done():
			s.logger.Warn().Msg("stop deadline reached with task executions still running")
		}
	}

	s.locks.ReleaseAll(context.WithoutCancel(ctx))
	s.logger.Info().Msg("scheduler stopped")
	return nil
}

// TriggerTask runs name now on the caller's goroutine. trigger is
// models.TriggerManual or models.TriggerAPI; empty means manual.
func (s *Scheduler) TriggerTask(ctx context.Context, name string, userID *uint, trigger string) (ExecutionResult, error) {
	task, ok := s.Task(name)
	if !ok {
		return ExecutionResult{}, &NotFoundError{Task: name}
	}
	if trigger == "" {
		trigger = models.TriggerManual
	}
	if !models.IsValidTriggerType(trigger) || trigger == models.TriggerScheduled {
		return ExecutionResult{}, &ConfigurationError{Task: name, Reason: "unsupported trigger type " + quote(trigger)}
	}
	return s.ExecuteTask(ctx, name, task, trigger, userID), nil
}

// ExecuteTask is the per-firing protocol: acquire the lock, record a running
// entry, run the handler, record the terminal entry, release the lock.
func (s *Scheduler) ExecuteTask(ctx context.Context, name string, task *Task, trigger string, userID *uint) ExecutionResult {
	lg := s.logger.With().Str("task", name).Str("trigger", trigger).Logger()

	ctx, span := s.tracer.Start(ctx, "scheduler.execute", trace.WithAttributes(
		attribute.String("task.name", name),
		attribute.String("task.trigger", trigger),
		attribute.String("scheduler.instance", s.opts.InstanceID),
	))
	defer span.End()

	if !s.locks.Acquire(ctx, name) {
		span.SetAttributes(attribute.Bool("lock.contended", true))
		lg.Info().Msg("task already running elsewhere, skipped")
		s.opts.Metrics.observeContention(name)
		return ExecutionResult{Success: false, Message: MsgAlreadyRunning}
	}
	// Cleanup must happen even when the caller's context is gone.
	bg := context.WithoutCancel(ctx)
	defer s.locks.Release(bg, name)

	startedAt := s.opts.Now()
	entry := &models.TaskExecutionLog{
		ID:                uuid.NewString(),
		TaskName:          name,
		ExecutedBy:        s.opts.InstanceID,
		StartedAt:         startedAt,
		TriggerType:       trigger,
		TriggeredByUserID: userID,
	}
	recorded := true
	if err := s.ledger.Start(bg, entry); err != nil {
		recorded = false
		lg.Error().Err(err).Msg("failed to record execution start")
	}

	ec := &ExecutionContext{
		TaskName:          name,
		ExecutionID:       entry.ID,
		TriggerType:       trigger,
		TriggeredByUserID: userID,
		InstanceID:        s.opts.InstanceID,
		Options:           task.Options,
		Logger:            lg.With().Str("execution_id", entry.ID).Logger(),
	}

	span.SetAttributes(attribute.String("execution.id", entry.ID))
	lg.Info().Str("execution_id", entry.ID).Msg("task started")
	result, runErr := s.run(ctx, task, ec)

	completedAt := s.opts.Now()
	if completedAt.Before(startedAt) {
		completedAt = startedAt
	}
	duration := completedAt.Sub(startedAt)
	durationMs := duration.Milliseconds()

	if runErr != nil {
		status := models.ExecutionStatusFailed
		if s.opts.ExecutionTimeout > 0 && errors.Is(runErr, context.DeadlineExceeded) {
			status = models.ExecutionStatusTimeout
		}
		message, stack := describeError(runErr)
		if recorded {
			s.complete(bg, lg, entry.ID, Completion{
				Status:       status,
				CompletedAt:  completedAt,
				DurationMs:   durationMs,
				ErrorMessage: message,
				ErrorStack:   stack,
			})
		}
		s.opts.Metrics.observeExecution(name, status, duration)
		span.SetAttributes(attribute.String("execution.status", status))
		span.RecordError(runErr)
		span.SetStatus(codes.Error, message)
		lg.Warn().Err(runErr).Str("status", status).Int64("duration_ms", durationMs).Msg("task failed")
		return ExecutionResult{
			Success:     false,
			ExecutionID: entry.ID,
			Error:       message,
			DurationMs:  durationMs,
			TimedOut:    status == models.ExecutionStatusTimeout,
		}
	}

	s.locks.UpdateLastRun(bg, name)

	payload, err := encodeResult(result)
	if err != nil {
		lg.Warn().Err(err).Msg("task result is not serializable, not recorded")
		payload = nil
	}
	if recorded {
		s.complete(bg, lg, entry.ID, Completion{
			Status:      models.ExecutionStatusSuccess,
			CompletedAt: completedAt,
			DurationMs:  durationMs,
			Result:      datatypes.JSON(payload),
		})
	}
	s.opts.Metrics.observeExecution(name, models.ExecutionStatusSuccess, duration)
	span.SetAttributes(attribute.String("execution.status", models.ExecutionStatusSuccess))
	span.SetStatus(codes.Ok, "")
	lg.Info().Int64("duration_ms", durationMs).Msg("task completed")

	return ExecutionResult{
		Success:     true,
		ExecutionID: entry.ID,
		Result:      decodedResult(result),
		DurationMs:  durationMs,
	}
}

func (s *Scheduler) run(ctx context.Context, task *Task, ec *ExecutionContext) (any, error) {
	if s.opts.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.ExecutionTimeout)
		defer cancel()
	}
	if task.RunIsolated {
		return s.engine.RunIsolated(ctx, task, ec)
	}
	return s.engine.RunInProcess(ctx, task, ec)
}

func (s *Scheduler) complete(ctx context.Context, lg zerolog.Logger, id string, c Completion) {
	ok, err := s.ledger.Complete(ctx, id, c)
	if err != nil {
		lg.Error().Err(err).Str("execution_id", id).Msg("failed to record execution result")
		return
	}
	if !ok {
		lg.Warn().Str("execution_id", id).Msg("execution log already terminal, result dropped")
	}
}

// GetTasksStatus lists every registered task sorted by name. IsRunning
// reports whether a cron trigger is installed, not whether an execution is
// in flight; LockHeld covers the latter for this instance.
func (s *Scheduler) GetTasksStatus() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]TaskStatus, 0, len(s.tasks))
	for _, task := range s.tasks {
		st := TaskStatus{
			Name:        task.Name,
			Schedule:    task.Schedule,
			RunIsolated: task.RunIsolated,
			IsRunning:   task.entryID != 0,
			LockHeld:    s.locks.IsHeld(task.Name),
		}
		if st.IsRunning && s.cron != nil {
			if next := s.cron.Entry(task.entryID).Next; !next.IsZero() {
				st.NextRun = &next
			}
		}
		statuses = append(statuses, st)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

func (s *Scheduler) sweepLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.opts.CleanupInterval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep removes expired locks and, once a day, purges old execution logs.
func (s *Scheduler) sweep(ctx context.Context) {
	if _, err := s.locks.CleanupExpired(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error().Err(err).Msg("expired lock cleanup failed")
	}

	if s.opts.LogRetention <= 0 {
		return
	}
	now := s.opts.Now()
	if !s.lastPurge.IsZero() && now.Sub(s.lastPurge) < 24*time.Hour {
		return
	}
	s.lastPurge = now
	n, err := s.ledger.PurgeBefore(ctx, now.Add(-s.opts.LogRetention))
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("execution log purge failed")
		}
		return
	}
	if n > 0 {
		s.logger.Info().Int64("count", n).Msg("purged old execution logs")
	}
}

// decodedResult turns a JSON result from an isolated unit back into a plain
// value for callers.
func decodedResult(result any) any {
	raw, ok := result.(json.RawMessage)
	if !ok {
		return result
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	return v
}

func quote(s string) string {
	return "\"" + s + "\""
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
