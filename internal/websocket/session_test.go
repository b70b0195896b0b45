package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/waldiez/runner/internal/db"
	"github.com/waldiez/runner/internal/redisio"
	"github.com/waldiez/runner/internal/repositories"
)

type bridgeHarness struct {
	bridge *Bridge
	tasks  repositories.TaskRepository
	fabric *redisio.Fabric
	rdb    *redis.Client
}

func newBridgeHarness(t *testing.T) *bridgeHarness {
	t.Helper()

	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	tasks := repositories.NewTaskRepository(database)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	fabric := redisio.NewFabric(rdb, zap.NewNop())

	return &bridgeHarness{
		bridge: NewBridge(tasks, fabric, zap.NewNop()),
		tasks:  tasks,
		fabric: fabric,
		rdb:    rdb,
	}
}

func (h *bridgeHarness) createTask(t *testing.T, status db.TaskStatus) *db.Task {
	t.Helper()
	task := &db.Task{
		ClientID:     "client-1",
		FlowID:       uuid.NewString(),
		Filename:     "flow.waldiez",
		Status:       status,
		InputTimeout: db.DefaultInputTimeout,
	}
	require.NoError(t, h.tasks.Create(context.Background(), task))
	return task
}

// dial spins up a test server around Bridge.Serve for the given task and
// connects to it.
func (h *bridgeHarness) dial(t *testing.T, task *db.Task, replay int64) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = h.bridge.Serve(r.Context(), w, r, task, replay)
	}))
	t.Cleanup(srv.Close)

	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) (map[string]any, error) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var frame map[string]any
	require.NoError(t, json.Unmarshal(raw, &frame))
	return frame, nil
}

func TestSessionReplaysOutputAndSnapshotsStatus(t *testing.T) {
	h := newBridgeHarness(t)
	ctx := context.Background()
	task := h.createTask(t, db.TaskRunning)

	for _, line := range []string{"line 1", "line 2", "line 3"} {
		require.NoError(t, h.fabric.AppendOutput(ctx, task.ID.String(), map[string]interface{}{
			"type": "print",
			"data": line,
		}))
	}

	conn := h.dial(t, task, 10)

	// The status pump and the output pump interleave; collect until both
	// delivered.
	var prints []string
	var statuses []map[string]any
	for len(prints) < 3 || len(statuses) < 1 {
		frame, err := readFrame(t, conn)
		require.NoError(t, err)
		switch frame["type"] {
		case "print":
			prints = append(prints, frame["data"].(string))
		case "status":
			statuses = append(statuses, frame)
		}
	}

	assert.Equal(t, []string{"line 1", "line 2", "line 3"}, prints)
	data, ok := statuses[0]["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, string(db.TaskRunning), data["status"])
}

func TestSessionClosesOnTerminalSnapshot(t *testing.T) {
	h := newBridgeHarness(t)
	task := h.createTask(t, db.TaskCompleted)
	task.Results = db.JSONValue(`{"ok":true}`)

	conn := h.dial(t, task, 0)

	frame, err := readFrame(t, conn)
	require.NoError(t, err)
	require.Equal(t, "status", frame["type"])
	data, ok := frame["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, string(db.TaskCompleted), data["status"])
	assert.Equal(t, map[string]any{"ok": true}, data["results"])

	for {
		if _, err := readFrame(t, conn); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure),
				"want close 1000, got %v", err)
			return
		}
	}
}

func TestSessionForwardsStatusTransitions(t *testing.T) {
	h := newBridgeHarness(t)
	ctx := context.Background()
	task := h.createTask(t, db.TaskRunning)
	conn := h.dial(t, task, 0)

	// The snapshot frame proves the status subscription is live.
	frame, err := readFrame(t, conn)
	require.NoError(t, err)
	require.Equal(t, "status", frame["type"])

	require.NoError(t, h.fabric.PublishStatus(ctx, task.ID.String(),
		string(db.TaskCompleted), map[string]any{"ok": true}))

	frame, err = readFrame(t, conn)
	require.NoError(t, err)
	require.Equal(t, "status", frame["type"])
	data, ok := frame["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, string(db.TaskCompleted), data["status"])

	for {
		if _, err := readFrame(t, conn); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure),
				"want close 1000 after the terminal transition, got %v", err)
			return
		}
	}
}

func TestSessionRejectsMalformedInput(t *testing.T) {
	h := newBridgeHarness(t)
	task := h.createTask(t, db.TaskRunning)
	conn := h.dial(t, task, 0)

	frame, err := readFrame(t, conn)
	require.NoError(t, err)
	require.Equal(t, "status", frame["type"])

	tests := []struct {
		name    string
		payload string
		wantErr string
	}{
		{"not json", "not json", "Invalid JSON format"},
		{"missing request id", `{"data":"yes"}`, "Invalid input payload"},
		{"no pending request", `{"request_id":"stale","data":"yes"}`, "Invalid input request"},
	}
	for _, tt := range tests {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(tt.payload)), tt.name)
		frame, err := readFrame(t, conn)
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.wantErr, frame["error"], tt.name)
	}
}

func TestSessionForwardsValidInput(t *testing.T) {
	h := newBridgeHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reqID := "req-1"
	task := &db.Task{
		ClientID:       "client-1",
		FlowID:         uuid.NewString(),
		Filename:       "flow.waldiez",
		Status:         db.TaskWaitingForInput,
		InputRequestID: &reqID,
		InputTimeout:   db.DefaultInputTimeout,
	}
	require.NoError(t, h.tasks.Create(ctx, task))

	sub := h.rdb.Subscribe(ctx, redisio.InputResponseChannel(task.ID.String()))
	t.Cleanup(func() { sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	conn := h.dial(t, task, 0)
	frame, err := readFrame(t, conn)
	require.NoError(t, err)
	require.Equal(t, "status", frame["type"])

	require.NoError(t, conn.WriteJSON(UserInput{RequestID: reqID, Data: "yes"}))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var resp redisio.InputResponse
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &resp))
	assert.Equal(t, reqID, resp.RequestID)
	assert.Equal(t, "yes", resp.Data)
}
