package maintenance

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/waldiez/runner/internal/db"
	"github.com/waldiez/runner/internal/redisio"
	"github.com/waldiez/runner/internal/repositories"
	"github.com/waldiez/runner/internal/storage"
)

type testHarness struct {
	svc      *Service
	tasks    repositories.TaskRepository
	database *gorm.DB
	files    storage.FileStorage
}

func newTestService(t *testing.T, cfg Config) *testHarness {
	t.Helper()

	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	tasks := repositories.NewTaskRepository(database)

	files, err := storage.NewLocal(t.TempDir(), 1<<20, nil, zap.NewNop())
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	svc, err := New(cfg, tasks, files, redisio.NewFabric(rdb, zap.NewNop()), zap.NewNop())
	require.NoError(t, err)

	return &testHarness{svc: svc, tasks: tasks, database: database, files: files}
}

func (h *testHarness) seedTask(t *testing.T, status db.TaskStatus, results string) *db.Task {
	t.Helper()
	task := &db.Task{
		ClientID:     "client-1",
		FlowID:       uuid.NewString(),
		Filename:     "flow.waldiez",
		Status:       status,
		InputTimeout: db.DefaultInputTimeout,
	}
	if results != "" {
		task.Results = db.JSONValue(results)
	}
	require.NoError(t, h.tasks.Create(context.Background(), task))
	return task
}

// workspace creates the task's storage folder holding the given files.
func (h *testHarness) workspace(t *testing.T, task *db.Task, filenames ...string) string {
	t.Helper()
	dir, err := h.files.Resolve(path.Join(task.ClientID, task.ID.String()))
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, name := range filenames {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o644))
	}
	return dir
}

func ageUpdatedAt(t *testing.T, database *gorm.DB, id uuid.UUID, by time.Duration) {
	t.Helper()
	err := database.Model(&db.Task{}).Where("id = ?", id).
		UpdateColumn("updated_at", time.Now().Add(-by)).Error
	require.NoError(t, err)
}

func backdateDeletion(t *testing.T, database *gorm.DB, id uuid.UUID, days int) {
	t.Helper()
	err := database.Unscoped().Model(&db.Task{}).Where("id = ?", id).
		UpdateColumn("deleted_at", time.Now().AddDate(0, 0, -days)).Error
	require.NoError(t, err)
}

func TestSweepStuckTasks(t *testing.T) {
	h := newTestService(t, Config{})
	ctx := context.Background()

	errored := h.seedTask(t, db.TaskRunning, `{"error":"boom"}`)
	h.workspace(t, errored, "flow.waldiez")

	// No workspace folder at all.
	orphaned := h.seedTask(t, db.TaskRunning, `{"ok":true}`)

	// The folder exists but holds no files.
	emptied := h.seedTask(t, db.TaskRunning, `{"ok":true}`)
	h.workspace(t, emptied)

	finished := h.seedTask(t, db.TaskRunning, `{"ok":true}`)
	h.workspace(t, finished, "flow.waldiez")

	h.svc.sweepStuckTasks(ctx)

	for _, tc := range []struct {
		name string
		task *db.Task
		want db.TaskStatus
	}{
		{"results carry an error key", errored, db.TaskFailed},
		{"workspace missing", orphaned, db.TaskFailed},
		{"workspace empty", emptied, db.TaskFailed},
		{"results and output present", finished, db.TaskCompleted},
	} {
		got, err := h.tasks.Get(ctx, tc.task.ID)
		require.NoError(t, err, tc.name)
		assert.Equal(t, tc.want, got.Status, tc.name)
		// Reconciliation fixes the status without touching the results.
		assert.JSONEq(t, string(tc.task.Results), string(got.Results), tc.name)
	}
}

func TestSweepAbandonedInput(t *testing.T) {
	h := newTestService(t, Config{})
	ctx := context.Background()

	reqID := "req-1"
	stale := h.seedTask(t, db.TaskRunning, "")
	require.NoError(t, h.tasks.UpdateStatus(ctx, stale.ID, repositories.StatusUpdate{
		Status:         db.TaskWaitingForInput,
		InputRequestID: &reqID,
		SkipResults:    true,
	}))
	ageUpdatedAt(t, h.database, stale.ID, 25*time.Hour)

	fresh := h.seedTask(t, db.TaskWaitingForInput, "")

	h.svc.sweepAbandonedInput(ctx)

	got, err := h.tasks.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, db.TaskFailed, got.Status)
	assert.JSONEq(t, `{"error":"Task abandoned while waiting for input"}`, string(got.Results))
	assert.Nil(t, got.InputRequestID)

	got, err = h.tasks.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, db.TaskWaitingForInput, got.Status)
}

func TestPurgeDeleted(t *testing.T) {
	h := newTestService(t, Config{PurgeAfterDays: 30})
	ctx := context.Background()

	expired := h.seedTask(t, db.TaskCompleted, "")
	dir := h.workspace(t, expired, "flow.waldiez")
	require.NoError(t, h.tasks.SoftDelete(ctx, expired.ID))
	backdateDeletion(t, h.database, expired.ID, 31)

	recent := h.seedTask(t, db.TaskCompleted, "")
	require.NoError(t, h.tasks.SoftDelete(ctx, recent.ID))

	h.svc.purgeDeleted(ctx)

	left, err := h.tasks.ListDeletedBefore(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, recent.ID, left[0].ID)

	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "the purged task's workspace should be removed")
}

func TestPurgeDeletedDisabled(t *testing.T) {
	h := newTestService(t, Config{})
	ctx := context.Background()

	task := h.seedTask(t, db.TaskCompleted, "")
	require.NoError(t, h.tasks.SoftDelete(ctx, task.ID))
	backdateDeletion(t, h.database, task.ID, 365)

	h.svc.purgeDeleted(ctx)

	left, err := h.tasks.ListDeletedBefore(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, left, 1)
}
