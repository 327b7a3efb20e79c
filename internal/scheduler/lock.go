package scheduler

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// LockCoordinator provides lease-based mutual exclusion per task name on top
// of a LockStore. While a lock is held a heartbeat goroutine keeps extending
// its lease.
type LockCoordinator struct {
	store      LockStore
	instanceID string
	lease      time.Duration
	interval   time.Duration
	now        func() time.Time
	logger     zerolog.Logger
	metrics    *Metrics

	mu         sync.Mutex
	heartbeats map[string]*heartbeat
}

type heartbeat struct {
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

// stop cancels the heartbeat loop. Safe to call any number of times.
func (h *heartbeat) stop() {
	h.once.Do(h.cancel)
}

func (h *heartbeat) stopAndWait() {
	h.stop()
	<-h.done
}

const (
	defaultLease      = 10 * time.Minute
	minHeartbeat      = time.Millisecond
	leasePerHeartbeat = 10
)

// NewLockCoordinator builds a coordinator for instanceID. An interval that is
// not positive or not shorter than lease is replaced by lease/10.
func NewLockCoordinator(store LockStore, instanceID string, lease, interval time.Duration, logger zerolog.Logger) *LockCoordinator {
	if lease <= 0 {
		lease = defaultLease
	}
	if interval <= 0 || interval >= lease {
		adjusted := lease / leasePerHeartbeat
		if adjusted < minHeartbeat {
			adjusted = minHeartbeat
		}
		if lease <= adjusted {
			lease = adjusted * leasePerHeartbeat
		}
		logger.Warn().
			Dur("lease", lease).
			Dur("requested_interval", interval).
			Dur("interval", adjusted).
			Msg("heartbeat interval must be positive and shorter than the lease, adjusted")
		interval = adjusted
	}
	return &LockCoordinator{
		store:      store,
		instanceID: instanceID,
		lease:      lease,
		interval:   interval,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger,
		heartbeats: make(map[string]*heartbeat),
	}
}

// DefaultInstanceID identifies this process as host:pid:random.
func DefaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()[:8])
}

// InstanceID returns the identifier written to locked_by.
func (c *LockCoordinator) InstanceID() string {
	return c.instanceID
}

// Acquire claims the lock for name. It fails closed: a store error is
// reported as contention.
func (c *LockCoordinator) Acquire(ctx context.Context, name string) bool {
	now := c.now()
	ok, err := c.store.TryAcquire(ctx, name, c.instanceID, now, now.Add(c.lease))
	if err != nil {
		c.logger.Warn().Err(err).Str("task", name).Msg("lock acquisition failed, treating as contention")
		return false
	}
	if !ok {
		c.logHolder(ctx, name, now)
		return false
	}

	c.startHeartbeat(name)
	c.logger.Debug().Str("task", name).Time("expires_at", now.Add(c.lease)).Msg("lock acquired")
	return true
}

// logHolder reports who owns the lease that blocked an acquisition.
func (c *LockCoordinator) logHolder(ctx context.Context, name string, now time.Time) {
	lock, err := c.store.Get(ctx, name)
	if err != nil || lock == nil {
		c.logger.Debug().Str("task", name).Msg("lock held by another owner")
		return
	}
	c.logger.Debug().
		Str("task", name).
		Str("held_by", lock.LockedBy).
		Time("expires_at", lock.ExpiresAt).
		Bool("expired", lock.IsExpired(now)).
		Msg("lock held by another owner")
}

// Release stops the heartbeat and deletes the row if this instance owns it.
// It never returns an error and is safe to call when the lock is not held.
func (c *LockCoordinator) Release(ctx context.Context, name string) {
	c.stopHeartbeat(name)

	released, err := c.store.Release(ctx, name, c.instanceID)
	if err != nil {
		c.logger.Error().Err(err).Str("task", name).Msg("failed to release lock")
		return
	}
	if released {
		c.logger.Debug().Str("task", name).Msg("lock released")
	}
}

// UpdateLastRun records a successful completion. Best effort.
func (c *LockCoordinator) UpdateLastRun(ctx context.Context, name string) {
	if err := c.store.UpdateLastRun(ctx, name, c.instanceID, c.now()); err != nil {
		c.logger.Warn().Err(err).Str("task", name).Msg("failed to update last run")
	}
}

// CleanupExpired deletes every lock whose lease has lapsed, whoever owned it.
func (c *LockCoordinator) CleanupExpired(ctx context.Context) (int64, error) {
	n, err := c.store.DeleteExpired(ctx, c.now())
	if err != nil {
		return 0, err
	}
	c.metrics.observeExpired(n)
	if n > 0 {
		c.logger.Info().Int64("count", n).Msg("removed expired locks")
	}
	return n, nil
}

// ReleaseAll stops every heartbeat and deletes all rows owned by this
// instance. Used on shutdown.
func (c *LockCoordinator) ReleaseAll(ctx context.Context) {
	c.mu.Lock()
	beats := c.heartbeats
	c.heartbeats = make(map[string]*heartbeat)
	c.mu.Unlock()

	for _, hb := range beats {
		hb.stopAndWait()
	}

	n, err := c.store.ReleaseAll(ctx, c.instanceID)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to release locks on shutdown")
		return
	}
	if n > 0 {
		c.logger.Info().Int64("count", n).Msg("released locks on shutdown")
	}
}

// IsHeld reports whether this instance currently runs a heartbeat for name.
func (c *LockCoordinator) IsHeld(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.heartbeats[name]
	return ok
}

func (c *LockCoordinator) startHeartbeat(name string) {
	ctx, cancel := context.WithCancel(context.Background())
	hb := &heartbeat{cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	prev := c.heartbeats[name]
	c.heartbeats[name] = hb
	c.mu.Unlock()

	if prev != nil {
		prev.stopAndWait()
	}

	go c.runHeartbeat(ctx, name, hb)
}

func (c *LockCoordinator) stopHeartbeat(name string) {
	c.mu.Lock()
	hb := c.heartbeats[name]
	delete(c.heartbeats, name)
	c.mu.Unlock()

	if hb != nil {
		hb.stopAndWait()
	}
}

// forget drops hb from the registry if it is still the current heartbeat
// for name.
func (c *LockCoordinator) forget(name string, hb *heartbeat) {
	c.mu.Lock()
	if c.heartbeats[name] == hb {
		delete(c.heartbeats, name)
	}
	c.mu.Unlock()
	hb.stop()
}

func (c *LockCoordinator) runHeartbeat(ctx context.Context, name string, hb *heartbeat) {
	defer close(hb.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		expiresAt := c.now().Add(c.lease)
		ok, err := c.store.Refresh(ctx, name, c.instanceID, expiresAt)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Warn().Err(err).Str("task", name).Msg("failed to refresh lock")
			continue
		}
		if !ok {
			// The running execution is left alone; someone else may now run
			// the same task.
			c.logger.Error().
				Str("task", name).
				Str("instance", c.instanceID).
				Msg("lock lost during execution, possible double execution")
			c.metrics.observeLockLost(name)
			c.forget(name, hb)
			return
		}
		c.logger.Debug().Str("task", name).Time("expires_at", expiresAt).Msg("lock refreshed")
	}
}
