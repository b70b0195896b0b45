package runner

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/waldiez/runner/internal/db"
	"github.com/waldiez/runner/internal/redisio"
	"github.com/waldiez/runner/internal/repositories"
)

// Watcher bridges one task's status channel to repository writes, and turns
// an observed CANCELLED into a termination signal for the supervising
// goroutine. Pub/sub is lossy, so the watcher is best-effort: the child's
// exit code remains the authoritative terminal classification when no
// message arrives.
type Watcher struct {
	taskID uuid.UUID
	tasks  repositories.TaskRepository
	fabric *redisio.Fabric
	logger *zap.Logger

	terminateOnce    sync.Once
	terminate        chan struct{}
	resultsPersisted atomic.Bool
	cancelled        atomic.Bool
}

// NewWatcher creates a watcher for one task execution.
func NewWatcher(taskID uuid.UUID, tasks repositories.TaskRepository, fabric *redisio.Fabric, logger *zap.Logger) *Watcher {
	return &Watcher{
		taskID:    taskID,
		tasks:     tasks,
		fabric:    fabric,
		logger:    logger.Named("watcher").With(zap.String("task_id", taskID.String())),
		terminate: make(chan struct{}),
	}
}

// Terminate is closed when the watcher observes a cancellation and the child
// process group should be signalled.
func (w *Watcher) Terminate() <-chan struct{} { return w.terminate }

// ResultsPersisted reports whether the watcher already wrote results for a
// terminal status, in which case the runner must not overwrite them.
func (w *Watcher) ResultsPersisted() bool { return w.resultsPersisted.Load() }

// Cancelled reports whether the watcher observed a CANCELLED message.
func (w *Watcher) Cancelled() bool { return w.cancelled.Load() }

// Run consumes status messages until a terminal status is observed or the
// context is canceled. The subscription is always released on exit.
func (w *Watcher) Run(ctx context.Context) {
	sub := w.fabric.SubscribeStatus(ctx, w.taskID.String())
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if terminal := w.handle(ctx, []byte(msg.Payload)); terminal {
				return
			}
		}
	}
}

// handle applies one status message and reports whether it was terminal.
func (w *Watcher) handle(ctx context.Context, payload []byte) bool {
	sm, err := redisio.DecodeStatusMessage(payload)
	if err != nil {
		w.logger.Warn("undecodable status message", zap.Error(err))
		return false
	}
	status, err := db.ParseTaskStatus(sm.Status)
	if err != nil {
		w.logger.Debug("ignoring unknown status", zap.String("status", sm.Status))
		return false
	}

	upd := repositories.StatusUpdate{Status: status}
	switch status {
	case db.TaskPending:
		return false

	case db.TaskRunning:
		upd.SkipResults = true

	case db.TaskWaitingForInput:
		upd.SkipResults = true
		if dm := sm.DataMap(); dm != nil {
			if reqID, ok := dm["request_id"].(string); ok && reqID != "" {
				upd.InputRequestID = &reqID
			}
		}

	case db.TaskCompleted:
		upd.Results = marshalResults(sm.Data)

	case db.TaskFailed:
		upd.Results = marshalResults(map[string]interface{}{"error": sm.Data})

	case db.TaskCancelled:
		w.cancelled.Store(true)
		if dm := sm.DataMap(); dm != nil && dm["data"] != nil {
			upd.Results = marshalResults(map[string]interface{}{"error": dm["data"]})
		} else {
			upd.SkipResults = true
		}
	}

	if err := w.tasks.UpdateStatus(ctx, w.taskID, upd); err != nil {
		w.logger.Error("failed to persist status", zap.String("status", string(status)), zap.Error(err))
	} else if status.IsTerminal() && !upd.SkipResults && upd.Results != nil {
		w.resultsPersisted.Store(true)
	}

	if status == db.TaskCancelled {
		w.terminateOnce.Do(func() { close(w.terminate) })
	}
	return status.IsTerminal()
}

// marshalResults renders watcher-delivered data as a results document.
// Marshalling map/slice/scalar values cannot realistically fail; nil data
// stays nil so the column remains NULL.
func marshalResults(data interface{}) db.JSONValue {
	if data == nil {
		return nil
	}
	buf, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	return db.JSONValue(buf)
}
