// Package dispatcher turns an admitted submission into a persisted task and
// a queued job, and handles cancellation signalling.
package dispatcher

import (
	"context"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/waldiez/runner/internal/admission"
	"github.com/waldiez/runner/internal/broker"
	"github.com/waldiez/runner/internal/db"
	"github.com/waldiez/runner/internal/metrics"
	"github.com/waldiez/runner/internal/redisio"
	"github.com/waldiez/runner/internal/repositories"
	"github.com/waldiez/runner/internal/storage"
)

const (
	enqueueRetries = 3
	enqueueBackoff = 2 * time.Second
)

// Dispatcher persists admitted tasks, moves their payloads into place and
// hands jobs to the runner pool via the broker.
type Dispatcher struct {
	tasks  repositories.TaskRepository
	files  storage.FileStorage
	queue  broker.Broker
	fabric *redisio.Fabric
	stats  *metrics.Metrics
	logger *zap.Logger
}

// New creates a Dispatcher.
func New(tasks repositories.TaskRepository, files storage.FileStorage, queue broker.Broker, fabric *redisio.Fabric, stats *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		tasks:  tasks,
		files:  files,
		queue:  queue,
		fabric: fabric,
		stats:  stats,
		logger: logger.Named("dispatcher"),
	}
}

// Create inserts the PENDING task row and claims the payload's final
// location <client_id>/<task_id>/<filename>. A failed move compensates by
// removing both the staged file and the row, so admission can be retried
// from scratch.
func (d *Dispatcher) Create(ctx context.Context, clientID string, adm *admission.Admitted) (*db.Task, error) {
	task := &db.Task{
		ClientID:     clientID,
		FlowID:       adm.FlowID,
		Filename:     adm.Filename,
		Status:       db.TaskPending,
		InputTimeout: adm.InputTimeout,
	}
	if err := d.tasks.Create(ctx, task); err != nil {
		return nil, err
	}

	dst := path.Join(clientID, task.ID.String(), adm.Filename)
	if err := d.files.MoveFile(ctx, adm.SavedPath, dst); err != nil {
		if delErr := d.files.DeleteFile(ctx, adm.SavedPath); delErr != nil {
			d.logger.Warn("failed to delete staged payload", zap.Error(delErr))
		}
		if delErr := d.tasks.DeleteByFlow(ctx, clientID, adm.FlowID); delErr != nil {
			d.logger.Error("failed to compensate task row", zap.Error(delErr))
		}
		return nil, fmt.Errorf("dispatcher: move payload: %w", err)
	}

	return task, nil
}

// Trigger enqueues the job, retrying transient broker failures. Delivery is
// at-least-once; the runner tolerates duplicates because the PENDING to
// RUNNING transition only fires once. When every attempt fails the task row
// and its workspace are removed so the client sees a clean failure.
func (d *Dispatcher) Trigger(ctx context.Context, task *db.Task, envVars map[string]string) error {
	job := broker.Job{
		TaskID:   task.ID.String(),
		ClientID: task.ClientID,
		EnvVars:  envVars,
	}

	var err error
	for attempt := 0; attempt < enqueueRetries; attempt++ {
		if err = d.queue.Enqueue(ctx, job); err == nil {
			d.stats.TasksCreated.Inc()
			d.logger.Info("task queued",
				zap.String("task_id", job.TaskID),
				zap.String("client_id", job.ClientID),
			)
			return nil
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(enqueueBackoff * time.Duration(attempt+1)):
			continue
		}
		break
	}

	d.logger.Error("enqueue failed, rolling back task", zap.String("task_id", job.TaskID), zap.Error(err))
	if purgeErr := d.tasks.Purge(ctx, task.ID); purgeErr != nil {
		d.logger.Error("failed to purge task after enqueue failure", zap.Error(purgeErr))
	}
	if delErr := d.files.DeleteFolder(ctx, path.Join(task.ClientID, task.ID.String())); delErr != nil {
		d.logger.Warn("failed to delete task workspace", zap.Error(delErr))
	}
	return fmt.Errorf("dispatcher: enqueue: %w", err)
}

// Cancel marks the task CANCELLED in the repository and publishes the
// cancellation on the status channel so a live watcher terminates the child.
// The repository write is the durable record; the pub/sub event is only the
// signal path.
func (d *Dispatcher) Cancel(ctx context.Context, task *db.Task) error {
	taskID := task.ID.String()

	upd := repositories.StatusUpdate{
		Status:  db.TaskCancelled,
		Results: db.JSONValue(`{"detail":"Task cancelled"}`),
	}
	if err := d.tasks.UpdateStatus(ctx, task.ID, upd); err != nil {
		return fmt.Errorf("dispatcher: cancel: %w", err)
	}

	data := map[string]string{"detail": "Task cancelled"}
	if err := d.fabric.PublishStatus(ctx, taskID, string(db.TaskCancelled), data); err != nil {
		// The DB write already succeeded; a RUNNING child will be reaped by
		// the stuck-task sweep if the signal was lost.
		d.logger.Warn("failed to publish cancellation", zap.String("task_id", taskID), zap.Error(err))
	}
	return nil
}
