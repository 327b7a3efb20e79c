package scheduler

import (
	"time"

	"github.com/huangang/fleetcron/internal/config"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Options configures a Scheduler.
type Options struct {
	Enabled           bool
	Location          *time.Location
	InstanceID        string
	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration
	CleanupInterval   time.Duration
	ExecutionTimeout  time.Duration
	LogRetention      time.Duration
	Isolator          Isolator
	Metrics           *Metrics
	Logger            zerolog.Logger
	TracerProvider    trace.TracerProvider
	Now               func() time.Time
}

type Option func(*Options)

func defaultOptions() Options {
	return Options{
		Enabled:           true,
		Location:          time.UTC,
		LeaseDuration:     10 * time.Minute,
		HeartbeatInterval: time.Minute,
		CleanupInterval:   5 * time.Minute,
		Isolator:          GoroutineIsolator{},
		Logger:            zerolog.Nop(),
		TracerProvider:    otel.GetTracerProvider(),
		Now:               func() time.Time { return time.Now().UTC() },
	}
}

// WithConfig applies the scheduler section of the service configuration.
func WithConfig(cfg *config.SchedulerConfig) Option {
	return func(o *Options) {
		o.Enabled = cfg.Enabled
		o.Location = cfg.Location()
		o.InstanceID = cfg.InstanceID
		if cfg.Lease > 0 {
			o.LeaseDuration = cfg.Lease
		}
		if cfg.Heartbeat > 0 {
			o.HeartbeatInterval = cfg.Heartbeat
		}
		if cfg.Cleanup > 0 {
			o.CleanupInterval = cfg.Cleanup
		}
		o.ExecutionTimeout = cfg.Timeout
		if cfg.LogRetentionDays > 0 {
			o.LogRetention = time.Duration(cfg.LogRetentionDays) * 24 * time.Hour
		}
	}
}

func WithEnabled(enabled bool) Option {
	return func(o *Options) { o.Enabled = enabled }
}

func WithInstanceID(id string) Option {
	return func(o *Options) { o.InstanceID = id }
}

func WithLocation(loc *time.Location) Option {
	return func(o *Options) { o.Location = loc }
}

// WithLease sets the lease duration and the heartbeat interval that renews it.
func WithLease(lease, heartbeat time.Duration) Option {
	return func(o *Options) {
		o.LeaseDuration = lease
		o.HeartbeatInterval = heartbeat
	}
}

func WithCleanupInterval(d time.Duration) Option {
	return func(o *Options) { o.CleanupInterval = d }
}

func WithExecutionTimeout(d time.Duration) Option {
	return func(o *Options) { o.ExecutionTimeout = d }
}

func WithLogRetention(d time.Duration) Option {
	return func(o *Options) { o.LogRetention = d }
}

func WithIsolator(isolator Isolator) Option {
	return func(o *Options) { o.Isolator = isolator }
}

func WithMetrics(m *Metrics) Option {
	return func(o *Options) { o.Metrics = m }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}

// WithTracerProvider sets where execution spans go. Defaults to the global
// provider, which records nothing until one is installed.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Options) { o.TracerProvider = tp }
}

// WithClock replaces the time source; used by tests.
func WithClock(now func() time.Time) Option {
	return func(o *Options) { o.Now = now }
}
