package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/huangang/fleetcron/internal/config"
	"github.com/huangang/fleetcron/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.DSN = filepath.Join(t.TempDir(), "fleetcron.db")
	cfg.Scheduler.Isolation = config.IsolationGoroutine
	cfg.JWT.Secret = "test-secret"
	return cfg
}

func TestBootstrapAndShutdown(t *testing.T) {
	svc, err := bootstrap(context.Background(), testConfig(t), "")
	require.NoError(t, err)
	require.NotNil(t, svc)

	assert.NotEmpty(t, svc.scheduler.InstanceID())
	assert.Len(t, svc.scheduler.GetTasksStatus(), 2)
	assert.False(t, svc.triggerQueue.IsAsync())

	sqlDB, err := svc.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Ping())

	svc.shutdown()
	assert.Error(t, sqlDB.Ping(), "database is closed on shutdown")
}

func TestBootstrapFailureClosesDatabase(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler.WorkdayCountry = "XX"

	svc, err := bootstrap(context.Background(), cfg, "")
	require.Error(t, err)
	assert.Nil(t, svc)

	sqlDB, err := models.GetDB().DB()
	require.NoError(t, err)
	assert.Error(t, sqlDB.Ping(), "database left open after a failed bootstrap")
}
