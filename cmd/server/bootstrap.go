package main

import (
	"context"
	"fmt"

	"github.com/huangang/fleetcron/internal/config"
	"github.com/huangang/fleetcron/internal/handlers"
	"github.com/huangang/fleetcron/internal/middleware"
	"github.com/huangang/fleetcron/internal/models"
	"github.com/huangang/fleetcron/internal/scheduler"
	"github.com/huangang/fleetcron/internal/services"
	"github.com/huangang/fleetcron/internal/utils"
	"github.com/huangang/fleetcron/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

// appServices holds all initialized services and handlers needed by the application.
type appServices struct {
	cfg            *config.Config
	db             *gorm.DB
	registry       *prometheus.Registry
	scheduler      *scheduler.Scheduler
	triggerQueue   services.TriggerQueue
	worker         *services.Worker
	triggerLimiter *middleware.RateLimiter
	stopTracing    func(context.Context) error
}

// bootstrap initializes all application dependencies: database, scheduler, trigger queue.
// On failure everything opened so far is closed again.
func bootstrap(ctx context.Context, cfg *config.Config, configPath string) (svc *appServices, err error) {
	utils.SetJWTSecret(cfg.JWT.Secret)

	svc = &appServices{cfg: cfg}
	defer func() {
		if err != nil {
			svc.shutdown()
			svc = nil
		}
	}()

	// Initialize database
	if err := models.InitDB(&cfg.Database); err != nil {
		return nil, err
	}
	svc.db = models.GetDB()

	// Auto migrate database
	if err := models.AutoMigrate(svc.db); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	sqlDB, err := svc.db.DB()
	if err != nil {
		return nil, err
	}
	svc.registry = handlers.NewMetricsRegistry(sqlDB)

	if cfg.Scheduler.InstanceID == "" {
		cfg.Scheduler.InstanceID = scheduler.DefaultInstanceID()
	}
	if svc.stopTracing, err = setupTracing(ctx, &cfg.Tracing, cfg.Scheduler.InstanceID); err != nil {
		return nil, err
	}

	s := scheduler.NewFromDB(svc.db,
		scheduler.WithConfig(&cfg.Scheduler),
		scheduler.WithIsolator(newIsolator(cfg, configPath)),
		scheduler.WithMetrics(scheduler.NewMetrics(svc.registry)),
		scheduler.WithLogger(logger.Component("scheduler")),
	)
	svc.scheduler = s
	if err := registerTasks(s, cfg); err != nil {
		return nil, err
	}

	// Trigger queue (asynq when Redis is enabled, otherwise sync mode)
	process := services.SchedulerTrigger(s)
	svc.triggerQueue = services.NewTriggerQueue(&cfg.Redis, process)

	if svc.triggerQueue.IsAsync() {
		worker := services.NewWorker(&cfg.Redis, process)
		if worker != nil {
			if err := worker.Start(); err != nil {
				logger.Warn().Err(err).Msg("Failed to start trigger worker")
			} else {
				svc.worker = worker
			}
		}
	}

	if err := s.Start(ctx); err != nil {
		return nil, err
	}

	svc.triggerLimiter = middleware.NewRateLimiter(1, 5)
	return svc, nil
}

func newIsolator(cfg *config.Config, configPath string) scheduler.Isolator {
	if cfg.Scheduler.Isolation == config.IsolationGoroutine {
		return scheduler.GoroutineIsolator{}
	}
	iso := &scheduler.ProcessIsolator{Logger: logger.Component("worker")}
	if configPath != "" {
		iso.Env = []string{"CONFIG_PATH=" + configPath}
	}
	return iso
}

// shutdown gracefully stops all services. The trigger worker goes first so no
// queued trigger starts on a stopping scheduler. Fields left unset by a failed
// bootstrap are skipped.
func (s *appServices) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if s.worker != nil {
		s.worker.Stop()
	}
	if s.scheduler != nil {
		if err := s.scheduler.Stop(ctx); err != nil {
			logger.Warn().Err(err).Msg("Scheduler did not stop cleanly")
		}
	}
	if s.triggerQueue != nil {
		s.triggerQueue.Close()
	}
	if s.triggerLimiter != nil {
		s.triggerLimiter.Stop()
	}
	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			logger.Warn().Err(err).Msg("Failed to flush traces")
		}
	}

	if s.db != nil {
		if sqlDB, err := s.db.DB(); err == nil {
			sqlDB.Close()
		}
	}
}
