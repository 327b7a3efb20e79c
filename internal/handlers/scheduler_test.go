package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/huangang/fleetcron/internal/config"
	"github.com/huangang/fleetcron/internal/middleware"
	"github.com/huangang/fleetcron/internal/models"
	"github.com/huangang/fleetcron/internal/scheduler"
	"github.com/huangang/fleetcron/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := models.Open(&config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "handlers.db"),
	}, logger.Silent)
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

type fixture struct {
	db        *gorm.DB
	scheduler *scheduler.Scheduler
	router    *gin.Engine
	queued    chan *services.TriggerRequest
	hold      chan struct{}
}

func newFixture(t *testing.T, queue services.TriggerQueue) *fixture {
	t.Helper()
	f := &fixture{
		db:     newTestDB(t),
		queued: make(chan *services.TriggerRequest, 1),
		hold:   make(chan struct{}),
	}
	f.scheduler = scheduler.NewFromDB(f.db, scheduler.WithInstanceID("api-test"))

	inProcess := scheduler.Bool(false)
	require.NoError(t, f.scheduler.RegisterTask(scheduler.TaskDefinition{
		Name: "report", Schedule: "@daily", RunIsolated: inProcess,
		Handler: func(context.Context, *scheduler.ExecutionContext) (any, error) {
			return map[string]int{"rows": 2}, nil
		},
	}))
	require.NoError(t, f.scheduler.RegisterTask(scheduler.TaskDefinition{
		Name: "broken", Schedule: "@daily", RunIsolated: inProcess,
		Handler: func(context.Context, *scheduler.ExecutionContext) (any, error) {
			return nil, errors.New("boom")
		},
	}))

	if queue == nil {
		queue = services.NewSyncQueue(func(_ context.Context, req *services.TriggerRequest) error {
			f.queued <- req
			return nil
		})
	}

	h := NewSchedulerHandler(f.scheduler, queue)
	router := gin.New()
	api := router.Group("/api/scheduler")
	api.Use(func(c *gin.Context) {
		c.Set(middleware.ContextUserID, uint(42))
		c.Next()
	})
	api.GET("/tasks", h.ListTasks)
	api.POST("/tasks/:name/trigger", h.Trigger)
	api.GET("/tasks/:name/logs/latest", h.LatestLog)
	api.GET("/tasks/:name/stats", h.Stats)
	api.GET("/logs", h.ListLogs)
	f.router = router
	return f
}

func (f *fixture) do(t *testing.T, method, path string) (int, envelope) {
	t.Helper()
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, path, nil)
	f.router.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func TestListTasks(t *testing.T) {
	f := newFixture(t, nil)
	code, env := f.do(t, "GET", "/api/scheduler/tasks")
	require.Equal(t, http.StatusOK, code)

	var tasks []scheduler.TaskStatus
	require.NoError(t, json.Unmarshal(env.Data, &tasks))
	require.Len(t, tasks, 2)
	assert.Equal(t, "broken", tasks[0].Name)
	assert.Equal(t, "report", tasks[1].Name)
	assert.False(t, tasks[1].IsRunning)
}

func TestTriggerStatusMapping(t *testing.T) {
	f := newFixture(t, nil)

	code, env := f.do(t, "POST", "/api/scheduler/tasks/report/trigger")
	assert.Equal(t, http.StatusOK, code)
	var result scheduler.ExecutionResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.True(t, result.Success)
	assert.NotEmpty(t, result.ExecutionID)

	code, env = f.do(t, "POST", "/api/scheduler/tasks/broken/trigger")
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "boom", env.Message)

	code, _ = f.do(t, "POST", "/api/scheduler/tasks/ghost/trigger")
	assert.Equal(t, http.StatusNotFound, code)

	entry, err := f.scheduler.Ledger().Latest(context.Background(), "report")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, models.TriggerManual, entry.TriggerType)
	require.NotNil(t, entry.TriggeredByUserID)
	assert.Equal(t, uint(42), *entry.TriggeredByUserID)
}

func TestTriggerContention(t *testing.T) {
	f := newFixture(t, nil)
	_, err := scheduler.NewLockStore(f.db).TryAcquire(context.Background(), "report", "someone-else",
		timeNow(), timeNow().Add(tenMinutes))
	require.NoError(t, err)

	code, env := f.do(t, "POST", "/api/scheduler/tasks/report/trigger")
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, scheduler.MsgAlreadyRunning, env.Message)
}

func TestTriggerAsync(t *testing.T) {
	f := newFixture(t, nil)

	code, env := f.do(t, "POST", "/api/scheduler/tasks/report/trigger?async=true")
	require.Equal(t, http.StatusAccepted, code)

	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "report", data["task_name"])
	assert.NotEmpty(t, data["queue_id"])
	assert.Equal(t, false, data["async"])

	req := <-f.queued
	assert.Equal(t, "report", req.TaskName)
	require.NotNil(t, req.UserID)
	assert.Equal(t, uint(42), *req.UserID)

	code, _ = f.do(t, "POST", "/api/scheduler/tasks/ghost/trigger?async=true")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestLogsEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	code, _ := f.do(t, "GET", "/api/scheduler/tasks/report/logs/latest")
	assert.Equal(t, http.StatusNotFound, code, "no executions yet")

	f.do(t, "POST", "/api/scheduler/tasks/report/trigger")
	f.do(t, "POST", "/api/scheduler/tasks/report/trigger")
	f.do(t, "POST", "/api/scheduler/tasks/broken/trigger")

	code, env := f.do(t, "GET", "/api/scheduler/tasks/report/logs/latest")
	require.Equal(t, http.StatusOK, code)
	var entry models.TaskExecutionLog
	require.NoError(t, json.Unmarshal(env.Data, &entry))
	assert.Equal(t, models.ExecutionStatusSuccess, entry.Status)
	assert.JSONEq(t, `{"rows":2}`, string(entry.Result))

	code, env = f.do(t, "GET", "/api/scheduler/logs?task_name=report&limit=1")
	require.Equal(t, http.StatusOK, code)
	var logs []models.TaskExecutionLog
	require.NoError(t, json.Unmarshal(env.Data, &logs))
	assert.Len(t, logs, 1)

	code, env = f.do(t, "GET", "/api/scheduler/logs?status=failed")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &logs))
	require.Len(t, logs, 1)
	assert.Equal(t, "broken", logs[0].TaskName)

	code, _ = f.do(t, "GET", "/api/scheduler/logs?status=exploded")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, "GET", "/api/scheduler/logs?limit=many")
	assert.Equal(t, http.StatusBadRequest, code)

	code, env = f.do(t, "GET", "/api/scheduler/tasks/report/stats")
	require.Equal(t, http.StatusOK, code)
	var stats scheduler.TaskStats
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Equal(t, int64(2), stats.TotalRuns)
	assert.Equal(t, 100.0, stats.SuccessRate)

	code, _ = f.do(t, "GET", "/api/scheduler/tasks/ghost/stats")
	assert.Equal(t, http.StatusNotFound, code)
}

type failingQueue struct{}

func (failingQueue) Enqueue(context.Context, *services.TriggerRequest) (string, error) {
	return "", errors.New("redis down")
}
func (failingQueue) IsAsync() bool { return true }
func (failingQueue) Close() error  { return nil }

func TestTriggerAsyncQueueFailure(t *testing.T) {
	f := newFixture(t, failingQueue{})
	code, env := f.do(t, "POST", "/api/scheduler/tasks/report/trigger?async=1")
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Contains(t, env.Message, "redis down")
}
