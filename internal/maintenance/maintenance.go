// Package maintenance runs the background hygiene jobs that keep the
// database and Redis tidy: reconciling stuck tasks, reaping abandoned input
// requests, purging soft-deleted tasks past their retention window, trimming
// output streams, and expiring the input dedupe ledgers.
//
// Each concern maps to exactly one gocron job. Jobs run in singleton mode:
// if a sweep is still running when the next tick fires, the new execution is
// rescheduled instead of overlapping.
package maintenance

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/waldiez/runner/internal/db"
	"github.com/waldiez/runner/internal/redisio"
	"github.com/waldiez/runner/internal/repositories"
	"github.com/waldiez/runner/internal/storage"
)

const (
	// stuckCheckInterval is how often active tasks are reconciled against
	// the results they already carry.
	stuckCheckInterval = time.Minute

	// inputReapInterval is how often abandoned input requests are swept.
	inputReapInterval = 10 * time.Minute

	// inputAbandonAfter is how long a task may sit in WAITING_FOR_INPUT
	// without any update before it is failed.
	inputAbandonAfter = 24 * time.Hour

	// redisSweepInterval is how often stream trims and ledger cleanup run.
	redisSweepInterval = time.Hour

	// processedRetention is how long input dedupe entries are kept.
	processedRetention = 24 * time.Hour

	// purgeInterval is how often soft-deleted tasks are permanently purged.
	purgeInterval = 24 * time.Hour

	// purgeBatchSize caps how many rows one purge sweep removes.
	purgeBatchSize = 100

	// heartbeatInterval is how often the liveness line is logged.
	heartbeatInterval = 5 * time.Minute
)

// Config holds the tunable maintenance settings.
type Config struct {
	// PurgeAfterDays is how long soft-deleted tasks are retained before
	// permanent removal. Zero or negative disables purging.
	PurgeAfterDays int
}

// Service owns the gocron scheduler and the sweep implementations.
// The zero value is not usable — create instances with New.
type Service struct {
	cron   gocron.Scheduler
	cfg    Config
	tasks  repositories.TaskRepository
	files  storage.FileStorage
	fabric *redisio.Fabric
	logger *zap.Logger
}

// New creates and configures a maintenance Service. Call Start to begin
// processing.
func New(cfg Config, tasks repositories.TaskRepository, files storage.FileStorage, fabric *redisio.Fabric, logger *zap.Logger) (*Service, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	return &Service{
		cron:   s,
		cfg:    cfg,
		tasks:  tasks,
		files:  files,
		fabric: fabric,
		logger: logger.Named("maintenance"),
	}, nil
}

// Start registers all sweeps and starts the underlying gocron scheduler.
// It should be called once at server startup, after the database and Redis
// connections are established.
func (s *Service) Start() error {
	jobs := []struct {
		name     string
		interval time.Duration
		run      func(context.Context)
	}{
		{"heartbeat", heartbeatInterval, s.heartbeat},
		{"stuck_tasks", stuckCheckInterval, s.sweepStuckTasks},
		{"abandoned_input", inputReapInterval, s.sweepAbandonedInput},
		{"redis_hygiene", redisSweepInterval, s.sweepRedis},
		{"purge_deleted", purgeInterval, s.purgeDeleted},
	}

	for _, job := range jobs {
		name := job.name
		run := job.run
		_, err := s.cron.NewJob(
			gocron.DurationJob(job.interval),
			gocron.NewTask(func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
				defer cancel()
				run(ctx)
			}),
			gocron.WithTags(name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("gocron.NewJob failed for %s: %w", name, err)
		}
	}

	s.cron.Start()
	s.logger.Info("maintenance started", zap.Int("jobs", len(jobs)))
	return nil
}

// Stop gracefully shuts down the underlying gocron scheduler, waiting for
// any currently running sweep to complete before returning.
func (s *Service) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("maintenance shutdown error: %w", err)
	}
	s.logger.Info("maintenance stopped")
	return nil
}

// heartbeat logs a liveness line with the current active-task count, so a
// silent log stream distinguishes "idle" from "dead".
func (s *Service) heartbeat(ctx context.Context) {
	active, err := s.tasks.ListActiveAll(ctx)
	if err != nil {
		s.logger.Warn("heartbeat: failed to count active tasks", zap.Error(err))
		return
	}
	s.logger.Info("alive", zap.Int("active_tasks", len(active)))
}

// sweepStuckTasks reconciles active tasks that already carry results: a
// status message was persisted but the terminal transition was lost, usually
// because the runner died between the two writes. Tasks whose results carry
// an error key become FAILED; tasks with no workspace left become FAILED;
// everything else becomes COMPLETED with its existing results preserved.
func (s *Service) sweepStuckTasks(ctx context.Context) {
	stuck, err := s.tasks.ListStuck(ctx)
	if err != nil {
		s.logger.Error("failed to list stuck tasks", zap.Error(err))
		return
	}

	for i := range stuck {
		task := &stuck[i]
		status := db.TaskCompleted
		if task.Results.HasKey("error") {
			status = db.TaskFailed
		} else if names, err := s.files.ListFiles(ctx, path.Join(task.ClientID, task.ID.String())); err != nil || len(names) == 0 {
			// An empty workspace means the runner never produced anything.
			status = db.TaskFailed
		}

		upd := repositories.StatusUpdate{Status: status, SkipResults: true}
		if err := s.tasks.UpdateStatus(ctx, task.ID, upd); err != nil {
			s.logger.Error("failed to fix stuck task",
				zap.String("task_id", task.ID.String()), zap.Error(err))
			continue
		}
		s.logger.Info("stuck task reconciled",
			zap.String("task_id", task.ID.String()),
			zap.String("status", string(status)),
		)
	}
}

// sweepAbandonedInput fails tasks that have been waiting for input longer
// than the abandon window. Their child process exited long ago; only the row
// is left behind.
func (s *Service) sweepAbandonedInput(ctx context.Context) {
	waiting, err := s.tasks.ListWaitingSince(ctx, time.Now().Add(-inputAbandonAfter))
	if err != nil {
		s.logger.Error("failed to list waiting tasks", zap.Error(err))
		return
	}

	for i := range waiting {
		task := &waiting[i]
		upd := repositories.StatusUpdate{
			Status:  db.TaskFailed,
			Results: db.JSONValue(`{"error":"Task abandoned while waiting for input"}`),
		}
		if err := s.tasks.UpdateStatus(ctx, task.ID, upd); err != nil {
			s.logger.Error("failed to fail abandoned task",
				zap.String("task_id", task.ID.String()), zap.Error(err))
			continue
		}
		s.logger.Info("abandoned task failed", zap.String("task_id", task.ID.String()))
	}
}

// sweepRedis trims output streams and expires old input dedupe entries.
func (s *Service) sweepRedis(ctx context.Context) {
	trimmed, err := s.fabric.TrimOutputStreams(ctx, redisio.DefaultMaxStreamLen)
	if err != nil {
		s.logger.Error("stream trim failed", zap.Error(err))
	}
	removed, err := s.fabric.CleanupProcessedRequests(ctx, processedRetention)
	if err != nil {
		s.logger.Error("processed request cleanup failed", zap.Error(err))
	}
	s.logger.Debug("redis sweep finished",
		zap.Int("streams_trimmed", trimmed),
		zap.Int64("ledger_entries_removed", removed),
	)
}

// purgeDeleted permanently removes soft-deleted tasks past the retention
// window, together with their stored files. Batched so one sweep never holds
// the database for long.
func (s *Service) purgeDeleted(ctx context.Context) {
	if s.cfg.PurgeAfterDays <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -s.cfg.PurgeAfterDays)

	expired, err := s.tasks.ListDeletedBefore(ctx, cutoff, purgeBatchSize)
	if err != nil {
		s.logger.Error("failed to list purgeable tasks", zap.Error(err))
		return
	}

	for i := range expired {
		task := &expired[i]
		if err := s.files.DeleteFolder(ctx, path.Join(task.ClientID, task.ID.String())); err != nil {
			s.logger.Warn("failed to delete purged task workspace",
				zap.String("task_id", task.ID.String()), zap.Error(err))
		}
		if err := s.tasks.Purge(ctx, task.ID); err != nil {
			s.logger.Error("failed to purge task",
				zap.String("task_id", task.ID.String()), zap.Error(err))
			continue
		}
	}
	if len(expired) > 0 {
		s.logger.Info("purged deleted tasks", zap.Int("count", len(expired)))
	}
}
