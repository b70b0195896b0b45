package websocket

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/waldiez/runner/internal/db"
	"github.com/waldiez/runner/internal/redisio"
	"github.com/waldiez/runner/internal/repositories"
)

// Subprotocol is the application subprotocol. Browser clients that cannot
// set headers smuggle their token as a second offered subprotocol; the
// server always selects this one.
const Subprotocol = "tasks-api"

var errInvalidInputRequest = errors.New("Invalid input request")

// upgrader performs the HTTP to WebSocket protocol upgrade. Origin
// validation is the responsibility of the reverse proxy.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	Subprotocols:    []string{Subprotocol},
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Bridge creates per-task sessions. One Bridge serves the whole process; the
// per-connection state lives in Session.
type Bridge struct {
	tasks  repositories.TaskRepository
	fabric *redisio.Fabric
	logger *zap.Logger
}

// NewBridge creates a Bridge.
func NewBridge(tasks repositories.TaskRepository, fabric *redisio.Fabric, logger *zap.Logger) *Bridge {
	return &Bridge{tasks: tasks, fabric: fabric, logger: logger.Named("ws")}
}

// Serve upgrades the request and runs a session for the task. It blocks
// until the connection closes, which is expected for WebSocket handlers.
// The caller has already authenticated the request and loaded the task.
func (b *Bridge) Serve(ctx context.Context, w http.ResponseWriter, r *http.Request, task *db.Task, replay int64) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already wrote the error response.
		return err
	}

	b.logger.Info("ws: client connected",
		zap.String("task_id", task.ID.String()),
		zap.String("remote_addr", r.RemoteAddr),
	)

	sess := newSession(conn, task, b.tasks, b.fabric, replay, b.logger)
	sess.run(ctx)

	b.logger.Info("ws: client disconnected",
		zap.String("task_id", task.ID.String()),
		zap.String("remote_addr", r.RemoteAddr),
	)
	return nil
}
