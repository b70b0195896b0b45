package runner

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/waldiez/runner/internal/db"
	"github.com/waldiez/runner/internal/repositories"
)

// recordingTaskRepo captures status updates for assertions.
type recordingTaskRepo struct {
	repositories.TaskRepository
	updates []repositories.StatusUpdate
}

func (r *recordingTaskRepo) UpdateStatus(ctx context.Context, id uuid.UUID, upd repositories.StatusUpdate) error {
	r.updates = append(r.updates, upd)
	return nil
}

func newTestWatcher(t *testing.T) (*Watcher, *recordingTaskRepo) {
	t.Helper()
	repo := &recordingTaskRepo{}
	return NewWatcher(uuid.New(), repo, nil, zap.NewNop()), repo
}

func TestWatcherHandleRunning(t *testing.T) {
	w, repo := newTestWatcher(t)

	terminal := w.handle(context.Background(), []byte(`{"task_id":"t","status":"RUNNING"}`))
	assert.False(t, terminal)
	require.Len(t, repo.updates, 1)
	assert.Equal(t, db.TaskRunning, repo.updates[0].Status)
	assert.True(t, repo.updates[0].SkipResults)
	assert.False(t, w.ResultsPersisted())
}

func TestWatcherHandleWaitingForInput(t *testing.T) {
	w, repo := newTestWatcher(t)

	terminal := w.handle(context.Background(), []byte(
		`{"task_id":"t","status":"WAITING_FOR_INPUT","data":{"request_id":"req-1","prompt":"Enter:"}}`,
	))
	assert.False(t, terminal)
	require.Len(t, repo.updates, 1)
	upd := repo.updates[0]
	assert.Equal(t, db.TaskWaitingForInput, upd.Status)
	assert.True(t, upd.SkipResults)
	require.NotNil(t, upd.InputRequestID)
	assert.Equal(t, "req-1", *upd.InputRequestID)
}

func TestWatcherHandleCompleted(t *testing.T) {
	w, repo := newTestWatcher(t)

	terminal := w.handle(context.Background(), []byte(`{"task_id":"t","status":"COMPLETED","data":{"ok":true}}`))
	assert.True(t, terminal)
	require.Len(t, repo.updates, 1)
	assert.Equal(t, db.TaskCompleted, repo.updates[0].Status)
	assert.JSONEq(t, `{"ok":true}`, string(repo.updates[0].Results))
	assert.True(t, w.ResultsPersisted())
	assert.False(t, w.Cancelled())
}

func TestWatcherHandleFailed(t *testing.T) {
	w, repo := newTestWatcher(t)

	terminal := w.handle(context.Background(), []byte(`{"task_id":"t","status":"FAILED","data":"boom"}`))
	assert.True(t, terminal)
	require.Len(t, repo.updates, 1)
	assert.Equal(t, db.TaskFailed, repo.updates[0].Status)
	assert.JSONEq(t, `{"error":"boom"}`, string(repo.updates[0].Results))
	assert.True(t, w.ResultsPersisted())
}

func TestWatcherHandleCancelled(t *testing.T) {
	w, repo := newTestWatcher(t)

	terminal := w.handle(context.Background(), []byte(`{"task_id":"t","status":"CANCELLED"}`))
	assert.True(t, terminal)
	assert.True(t, w.Cancelled())
	assert.False(t, w.ResultsPersisted())
	require.Len(t, repo.updates, 1)
	assert.True(t, repo.updates[0].SkipResults)

	select {
	case <-w.Terminate():
	default:
		t.Fatal("terminate channel should be closed after CANCELLED")
	}
}

func TestWatcherHandleLowercaseStatus(t *testing.T) {
	w, repo := newTestWatcher(t)

	terminal := w.handle(context.Background(), []byte(`{"task_id":"t","status":"completed","data":{"ok":true}}`))
	assert.True(t, terminal)
	require.Len(t, repo.updates, 1)
	assert.Equal(t, db.TaskCompleted, repo.updates[0].Status)
}

func TestWatcherHandleIgnoresGarbage(t *testing.T) {
	w, repo := newTestWatcher(t)

	assert.False(t, w.handle(context.Background(), []byte(`not json`)))
	assert.False(t, w.handle(context.Background(), []byte(`{"task_id":"t","status":"SOMETHING_ELSE"}`)))
	assert.Empty(t, repo.updates)
}
