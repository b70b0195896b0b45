package repositories

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/waldiez/runner/internal/db"
)

func newTestDB(t *testing.T) (TaskRepository, ClientRepository) {
	t.Helper()
	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	return NewTaskRepository(database), NewClientRepository(database)
}

func newTask(clientID, flowID string, status db.TaskStatus) *db.Task {
	return &db.Task{
		ClientID:     clientID,
		FlowID:       flowID,
		Filename:     "flow.waldiez",
		Status:       status,
		InputTimeout: db.DefaultInputTimeout,
	}
}

func TestTaskCreateGet(t *testing.T) {
	tasks, _ := newTestDB(t)
	ctx := context.Background()

	task := newTask("client-1", "flow-1", db.TaskPending)
	require.NoError(t, tasks.Create(ctx, task))
	require.NotEqual(t, uuid.UUID{}, task.ID)

	got, err := tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "client-1", got.ClientID)
	assert.Equal(t, db.TaskPending, got.Status)
	assert.Nil(t, got.InputRequestID)

	_, err = tasks.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTaskGetForClientHidesOwnership(t *testing.T) {
	tasks, _ := newTestDB(t)
	ctx := context.Background()

	task := newTask("client-1", "flow-1", db.TaskPending)
	require.NoError(t, tasks.Create(ctx, task))

	got, err := tasks.GetForClient(ctx, "client-1", task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)

	// Another client sees the same not-found as a missing id.
	_, err = tasks.GetForClient(ctx, "client-2", task.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateStatusTerminalSticky(t *testing.T) {
	tasks, _ := newTestDB(t)
	ctx := context.Background()

	task := newTask("client-1", "flow-1", db.TaskRunning)
	require.NoError(t, tasks.Create(ctx, task))

	require.NoError(t, tasks.UpdateStatus(ctx, task.ID, StatusUpdate{
		Status:  db.TaskCompleted,
		Results: db.JSONValue(`{"ok":true}`),
	}))

	// A late transition against a finished task is a silent no-op.
	require.NoError(t, tasks.UpdateStatus(ctx, task.ID, StatusUpdate{
		Status:  db.TaskFailed,
		Results: db.JSONValue(`{"error":"late"}`),
	}))

	got, err := tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, db.TaskCompleted, got.Status)
	assert.JSONEq(t, `{"ok":true}`, string(got.Results))

	// A missing task is a real error.
	err = tasks.UpdateStatus(ctx, uuid.New(), StatusUpdate{Status: db.TaskFailed})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateStatusInputRequestID(t *testing.T) {
	tasks, _ := newTestDB(t)
	ctx := context.Background()

	task := newTask("client-1", "flow-1", db.TaskRunning)
	require.NoError(t, tasks.Create(ctx, task))

	reqID := "req-1"
	require.NoError(t, tasks.UpdateStatus(ctx, task.ID, StatusUpdate{
		Status:         db.TaskWaitingForInput,
		InputRequestID: &reqID,
		SkipResults:    true,
	}))

	got, err := tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.InputRequestID)
	assert.Equal(t, "req-1", *got.InputRequestID)

	// Leaving WAITING_FOR_INPUT clears the request id even when the update
	// does not mention it.
	require.NoError(t, tasks.UpdateStatus(ctx, task.ID, StatusUpdate{
		Status:      db.TaskRunning,
		SkipResults: true,
	}))
	got, err = tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Nil(t, got.InputRequestID)
}

func TestUpdateStatusSkipResults(t *testing.T) {
	tasks, _ := newTestDB(t)
	ctx := context.Background()

	task := newTask("client-1", "flow-1", db.TaskRunning)
	task.Results = db.JSONValue(`{"partial":1}`)
	require.NoError(t, tasks.Create(ctx, task))

	require.NoError(t, tasks.UpdateStatus(ctx, task.ID, StatusUpdate{
		Status:      db.TaskCompleted,
		SkipResults: true,
	}))

	got, err := tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, db.TaskCompleted, got.Status)
	assert.JSONEq(t, `{"partial":1}`, string(got.Results))
}

func TestListByClientPagination(t *testing.T) {
	tasks, _ := newTestDB(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, tasks.Create(ctx, newTask("client-1", uuid.NewString(), db.TaskCompleted)))
	}
	require.NoError(t, tasks.Create(ctx, newTask("client-2", "other", db.TaskCompleted)))

	page, total, err := tasks.ListByClient(ctx, "client-1", ListOptions{Limit: 2, Offset: 0})
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	assert.Len(t, page, 2)

	rest, _, err := tasks.ListByClient(ctx, "client-1", ListOptions{Limit: 10, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, rest, 3)
}

func TestListActiveAndCount(t *testing.T) {
	tasks, _ := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, tasks.Create(ctx, newTask("client-1", "f1", db.TaskPending)))
	require.NoError(t, tasks.Create(ctx, newTask("client-1", "f2", db.TaskRunning)))
	require.NoError(t, tasks.Create(ctx, newTask("client-1", "f3", db.TaskWaitingForInput)))
	require.NoError(t, tasks.Create(ctx, newTask("client-1", "f4", db.TaskCompleted)))
	require.NoError(t, tasks.Create(ctx, newTask("client-2", "f5", db.TaskRunning)))

	active, err := tasks.ListActive(ctx, "client-1")
	require.NoError(t, err)
	assert.Len(t, active, 3)

	count, err := tasks.CountActive(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	all, err := tasks.ListActiveAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestListStuck(t *testing.T) {
	tasks, _ := newTestDB(t)
	ctx := context.Background()

	stuck := newTask("client-1", "f1", db.TaskRunning)
	stuck.Results = db.JSONValue(`{"done":true}`)
	require.NoError(t, tasks.Create(ctx, stuck))
	require.NoError(t, tasks.Create(ctx, newTask("client-1", "f2", db.TaskRunning)))

	finishedWithResults := newTask("client-1", "f3", db.TaskCompleted)
	finishedWithResults.Results = db.JSONValue(`{"done":true}`)
	require.NoError(t, tasks.Create(ctx, finishedWithResults))

	got, err := tasks.ListStuck(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, stuck.ID, got[0].ID)
}

func TestListWaitingSince(t *testing.T) {
	tasks, _ := newTestDB(t)
	ctx := context.Background()

	waiting := newTask("client-1", "f1", db.TaskWaitingForInput)
	require.NoError(t, tasks.Create(ctx, waiting))
	require.NoError(t, tasks.Create(ctx, newTask("client-1", "f2", db.TaskRunning)))

	got, err := tasks.ListWaitingSince(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, waiting.ID, got[0].ID)

	got, err = tasks.ListWaitingSince(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSoftDeleteForClient(t *testing.T) {
	tasks, _ := newTestDB(t)
	ctx := context.Background()

	done := newTask("client-1", "f1", db.TaskCompleted)
	running := newTask("client-1", "f2", db.TaskRunning)
	other := newTask("client-2", "f3", db.TaskCompleted)
	for _, task := range []*db.Task{done, running, other} {
		require.NoError(t, tasks.Create(ctx, task))
	}

	// inactiveOnly skips the running task.
	deleted, err := tasks.SoftDeleteForClient(ctx, "client-1", true, nil)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{done.ID}, deleted)

	_, err = tasks.Get(ctx, done.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = tasks.Get(ctx, running.ID)
	assert.NoError(t, err)
	_, err = tasks.Get(ctx, other.ID)
	assert.NoError(t, err)

	// Forced deletion takes the running task too.
	deleted, err = tasks.SoftDeleteForClient(ctx, "client-1", false, []uuid.UUID{running.ID})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{running.ID}, deleted)
}

func TestPurgeAndListDeletedBefore(t *testing.T) {
	tasks, _ := newTestDB(t)
	ctx := context.Background()

	task := newTask("client-1", "f1", db.TaskCompleted)
	require.NoError(t, tasks.Create(ctx, task))
	require.NoError(t, tasks.SoftDelete(ctx, task.ID))

	got, err := tasks.ListDeletedBefore(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, task.ID, got[0].ID)

	require.NoError(t, tasks.Purge(ctx, task.ID))
	got, err = tasks.ListDeletedBefore(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMarkActiveAsFailed(t *testing.T) {
	tasks, _ := newTestDB(t)
	ctx := context.Background()

	reqID := "req-1"
	waiting := newTask("client-1", "f1", db.TaskWaitingForInput)
	waiting.InputRequestID = &reqID
	require.NoError(t, tasks.Create(ctx, waiting))
	require.NoError(t, tasks.Create(ctx, newTask("client-1", "f2", db.TaskRunning)))
	require.NoError(t, tasks.Create(ctx, newTask("client-1", "f3", db.TaskCompleted)))

	n, err := tasks.MarkActiveAsFailed(ctx, "Service was shut down")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := tasks.Get(ctx, waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, db.TaskFailed, got.Status)
	assert.Nil(t, got.InputRequestID)
	assert.JSONEq(t, `{"error":"Service was shut down"}`, string(got.Results))
}

func TestClientCreateConflict(t *testing.T) {
	_, clients := newTestDB(t)
	ctx := context.Background()

	client := &db.Client{ClientID: "client-1", SecretHash: "hash", Audience: "tasks-api"}
	require.NoError(t, clients.Create(ctx, client))

	err := clients.Create(ctx, &db.Client{ClientID: "client-1", SecretHash: "other", Audience: "tasks-api"})
	assert.ErrorIs(t, err, ErrConflict)

	got, err := clients.GetByClientID(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, client.ID, got.ID)

	_, err = clients.GetByClientID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClientDeleteAndList(t *testing.T) {
	_, clients := newTestDB(t)
	ctx := context.Background()

	a := &db.Client{ClientID: "a", SecretHash: "h", Audience: "tasks-api"}
	b := &db.Client{ClientID: "b", SecretHash: "h", Audience: "clients-api"}
	require.NoError(t, clients.Create(ctx, a))
	require.NoError(t, clients.Create(ctx, b))

	list, total, err := clients.List(ctx, ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, list, 2)

	require.NoError(t, clients.Delete(ctx, a.ID))
	_, err = clients.GetByClientID(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, clients.Delete(ctx, a.ID), ErrNotFound)
}
