package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/huangang/fleetcron/internal/config"
	"github.com/huangang/fleetcron/internal/models"
	"github.com/huangang/fleetcron/internal/scheduler"
	"github.com/huangang/fleetcron/pkg/logger"
	"github.com/spf13/cobra"
	gormlogger "gorm.io/gorm/logger"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "fleetcron",
		Short:         "Periodic task scheduler that runs each task once across a fleet",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_PATH"), "Path to configuration file")
	root.AddCommand(serveCmd(&configPath), workerCmd(&configPath))
	return root
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduler and the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), *configPath)
		},
	}
}

// workerCmd is the child side of process isolation. It runs a single
// execution and exits; results travel back on fd 3.
func workerCmd(configPath *string) *cobra.Command {
	var task string
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run one task execution on behalf of a scheduler process",
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			code, err := runWorker(cmd.Context(), *configPath, task)
			if err != nil {
				return err
			}
			os.Exit(code)
			return nil
		},
	}
	cmd.Flags().StringVar(&task, "task", "", "Name of the task to execute")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func serve(ctx context.Context, configPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Init(cfg.Log.Level)

	svc, err := bootstrap(ctx, cfg, configPath)
	if err != nil {
		return err
	}
	defer svc.shutdown()

	go watchConfig(ctx, configPath)

	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	registerRoutes(r, svc)

	srv := &http.Server{
		Addr:              cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("instance", svc.scheduler.InstanceID()).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP server shutdown incomplete")
	}
	return nil
}

// watchConfig applies log level changes without a restart. Other settings
// are read once at startup.
func watchConfig(ctx context.Context, configPath string) {
	err := config.Watch(ctx, configPath,
		func(c *config.Config) {
			logger.SetLevel(c.Log.Level)
			logger.Info().Str("level", c.Log.Level).Msg("Configuration reloaded")
		},
		func(err error) {
			logger.Warn().Err(err).Msg("Configuration reload failed")
		},
	)
	if err != nil {
		logger.Warn().Err(err).Msg("Configuration watcher not started")
	}
}

func runWorker(ctx context.Context, configPath, task string) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return 0, fmt.Errorf("load config: %w", err)
	}
	logger.Init(cfg.Log.Level)

	db, err := models.Open(&cfg.Database, gormlogger.Warn)
	if err != nil {
		return 0, err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	s := scheduler.NewFromDB(db,
		scheduler.WithConfig(&cfg.Scheduler),
		scheduler.WithLogger(logger.Component("worker")),
	)
	if err := registerTasks(s, cfg); err != nil {
		return 0, err
	}

	messages := os.NewFile(3, "messages")
	defer messages.Close()
	return s.RunWorker(ctx, task, os.Stdin, messages), nil
}
