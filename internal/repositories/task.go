package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/waldiez/runner/internal/db"
)

// terminalStatuses are the states no UPDATE may move a task out of.
var terminalStatuses = []db.TaskStatus{db.TaskCompleted, db.TaskFailed, db.TaskCancelled}

// activeStatuses are the states that occupy a per-client concurrency slot.
var activeStatuses = []db.TaskStatus{db.TaskPending, db.TaskRunning, db.TaskWaitingForInput}

// gormTaskRepository is the GORM implementation of TaskRepository.
type gormTaskRepository struct {
	db *gorm.DB
}

// NewTaskRepository returns a TaskRepository backed by the provided *gorm.DB.
func NewTaskRepository(db *gorm.DB) TaskRepository {
	return &gormTaskRepository{db: db}
}

// Create inserts a new task record into the database.
func (r *gormTaskRepository) Create(ctx context.Context, task *db.Task) error {
	if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("tasks: create: %w", err)
	}
	return nil
}

// Get retrieves a task by its UUID, excluding soft-deleted rows.
// Returns ErrNotFound if no record exists.
func (r *gormTaskRepository) Get(ctx context.Context, id uuid.UUID) (*db.Task, error) {
	var task db.Task
	err := r.db.WithContext(ctx).First(&task, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("tasks: get: %w", err)
	}
	return &task, nil
}

// GetForClient retrieves a task owned by the given client.
// A task owned by another client yields ErrNotFound, not a permission error,
// so the API never reveals whether the id exists.
func (r *gormTaskRepository) GetForClient(ctx context.Context, clientID string, id uuid.UUID) (*db.Task, error) {
	var task db.Task
	err := r.db.WithContext(ctx).
		First(&task, "id = ? AND client_id = ?", id, clientID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("tasks: get for client: %w", err)
	}
	return &task, nil
}

// GetByFlow retrieves the client's task for a given flow id.
func (r *gormTaskRepository) GetByFlow(ctx context.Context, clientID, flowID string) (*db.Task, error) {
	var task db.Task
	err := r.db.WithContext(ctx).
		First(&task, "client_id = ? AND flow_id = ?", clientID, flowID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("tasks: get by flow: %w", err)
	}
	return &task, nil
}

// Update persists all fields of an existing task record.
func (r *gormTaskRepository) Update(ctx context.Context, task *db.Task) error {
	result := r.db.WithContext(ctx).Save(task)
	if result.Error != nil {
		return fmt.Errorf("tasks: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus applies a status transition with the terminal guard in the
// WHERE clause. input_request_id is set only when the new status is
// WAITING_FOR_INPUT and cleared on every other transition, keeping the
// "request id iff waiting" invariant inside a single statement.
//
// Zero rows affected means either the task is gone or it already reached a
// terminal state; the two are distinguished with a follow-up existence check
// so finished tasks absorb late transitions silently.
func (r *gormTaskRepository) UpdateStatus(ctx context.Context, id uuid.UUID, upd StatusUpdate) error {
	values := map[string]interface{}{
		"status":     upd.Status,
		"updated_at": time.Now().UTC(),
	}
	if upd.Status == db.TaskWaitingForInput {
		values["input_request_id"] = upd.InputRequestID
	} else {
		values["input_request_id"] = nil
	}
	if !upd.SkipResults {
		values["results"] = upd.Results
	}

	result := r.db.WithContext(ctx).
		Model(&db.Task{}).
		Where("id = ? AND status NOT IN ?", id, terminalStatuses).
		Updates(values)
	if result.Error != nil {
		return fmt.Errorf("tasks: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := r.db.WithContext(ctx).
			Model(&db.Task{}).
			Where("id = ?", id).
			Count(&count).Error; err != nil {
			return fmt.Errorf("tasks: update status existence check: %w", err)
		}
		if count == 0 {
			return ErrNotFound
		}
		// Already terminal. Sticky by contract.
	}
	return nil
}

// ListByClient returns a paginated list of the client's tasks and the total
// count, ordered by creation time ascending for stable pagination.
func (r *gormTaskRepository) ListByClient(ctx context.Context, clientID string, opts ListOptions) ([]db.Task, int64, error) {
	var tasks []db.Task
	var total int64

	if err := r.db.WithContext(ctx).
		Model(&db.Task{}).
		Where("client_id = ?", clientID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("tasks: list by client count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("client_id = ?", clientID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&tasks).Error; err != nil {
		return nil, 0, fmt.Errorf("tasks: list by client: %w", err)
	}

	return tasks, total, nil
}

// List returns a paginated list of tasks across all clients and the total
// count, ordered by creation time ascending.
func (r *gormTaskRepository) List(ctx context.Context, opts ListOptions) ([]db.Task, int64, error) {
	var tasks []db.Task
	var total int64

	if err := r.db.WithContext(ctx).
		Model(&db.Task{}).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("tasks: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&tasks).Error; err != nil {
		return nil, 0, fmt.Errorf("tasks: list: %w", err)
	}

	return tasks, total, nil
}

// ListActive returns the client's tasks in PENDING, RUNNING or
// WAITING_FOR_INPUT state.
func (r *gormTaskRepository) ListActive(ctx context.Context, clientID string) ([]db.Task, error) {
	var tasks []db.Task
	if err := r.db.WithContext(ctx).
		Where("client_id = ? AND status IN ?", clientID, activeStatuses).
		Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("tasks: list active: %w", err)
	}
	return tasks, nil
}

// ListActiveAll returns active tasks across all clients.
func (r *gormTaskRepository) ListActiveAll(ctx context.Context) ([]db.Task, error) {
	var tasks []db.Task
	if err := r.db.WithContext(ctx).
		Where("status IN ?", activeStatuses).
		Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("tasks: list active all: %w", err)
	}
	return tasks, nil
}

// ListPending returns all PENDING tasks across clients, oldest first.
func (r *gormTaskRepository) ListPending(ctx context.Context) ([]db.Task, error) {
	var tasks []db.Task
	if err := r.db.WithContext(ctx).
		Where("status = ?", db.TaskPending).
		Order("created_at ASC").
		Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("tasks: list pending: %w", err)
	}
	return tasks, nil
}

// ListStuck returns active tasks that already have results persisted.
func (r *gormTaskRepository) ListStuck(ctx context.Context) ([]db.Task, error) {
	var tasks []db.Task
	if err := r.db.WithContext(ctx).
		Where("status IN ? AND results IS NOT NULL", activeStatuses).
		Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("tasks: list stuck: %w", err)
	}
	return tasks, nil
}

// ListWaitingSince returns WAITING_FOR_INPUT tasks whose last update is
// older than the given time.
func (r *gormTaskRepository) ListWaitingSince(ctx context.Context, before time.Time) ([]db.Task, error) {
	var tasks []db.Task
	if err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", db.TaskWaitingForInput, before).
		Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("tasks: list waiting since: %w", err)
	}
	return tasks, nil
}

// ListDeletedBefore returns up to limit soft-deleted tasks whose deletion is
// older than the given time. Uses Unscoped because soft-deleted rows are
// hidden from regular queries.
func (r *gormTaskRepository) ListDeletedBefore(ctx context.Context, before time.Time, limit int) ([]db.Task, error) {
	var tasks []db.Task
	if err := r.db.WithContext(ctx).
		Unscoped().
		Where("deleted_at IS NOT NULL AND deleted_at < ?", before).
		Limit(limit).
		Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("tasks: list deleted before: %w", err)
	}
	return tasks, nil
}

// SoftDelete marks a single task as deleted.
func (r *gormTaskRepository) SoftDelete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Task{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("tasks: soft delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDeleteForClient soft-deletes the client's tasks and returns the ids of
// the rows affected. The candidate set is read first so the caller learns
// exactly which tasks went away (it needs them for storage cleanup).
func (r *gormTaskRepository) SoftDeleteForClient(ctx context.Context, clientID string, inactiveOnly bool, ids []uuid.UUID) ([]uuid.UUID, error) {
	query := r.db.WithContext(ctx).
		Model(&db.Task{}).
		Where("client_id = ?", clientID)
	if inactiveOnly {
		query = query.Where("status NOT IN ?", activeStatuses)
	}
	if len(ids) > 0 {
		query = query.Where("id IN ?", ids)
	}

	var candidates []db.Task
	if err := query.Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("tasks: soft delete for client select: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	deleted := make([]uuid.UUID, len(candidates))
	for i := range candidates {
		deleted[i] = candidates[i].ID
	}

	if err := r.db.WithContext(ctx).
		Delete(&db.Task{}, "id IN ?", deleted).Error; err != nil {
		return nil, fmt.Errorf("tasks: soft delete for client: %w", err)
	}
	return deleted, nil
}

// Purge permanently removes a row, soft-deleted or not.
func (r *gormTaskRepository) Purge(ctx context.Context, id uuid.UUID) error {
	if err := r.db.WithContext(ctx).
		Unscoped().
		Delete(&db.Task{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("tasks: purge: %w", err)
	}
	return nil
}

// DeleteByFlow permanently removes the client's task for a flow id.
func (r *gormTaskRepository) DeleteByFlow(ctx context.Context, clientID, flowID string) error {
	if err := r.db.WithContext(ctx).
		Unscoped().
		Delete(&db.Task{}, "client_id = ? AND flow_id = ?", clientID, flowID).Error; err != nil {
		return fmt.Errorf("tasks: delete by flow: %w", err)
	}
	return nil
}

// CountActive returns how many of the client's tasks occupy a concurrency slot.
func (r *gormTaskRepository) CountActive(ctx context.Context, clientID string) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&db.Task{}).
		Where("client_id = ? AND status IN ?", clientID, activeStatuses).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("tasks: count active: %w", err)
	}
	return count, nil
}

// MarkActiveAsFailed force-fails every active task with the given reason.
// Runs at shutdown so no task stays RUNNING forever after the runner died.
func (r *gormTaskRepository) MarkActiveAsFailed(ctx context.Context, reason string) (int64, error) {
	results := db.JSONValue(fmt.Sprintf(`{"error":%q}`, reason))
	result := r.db.WithContext(ctx).
		Model(&db.Task{}).
		Where("status IN ?", activeStatuses).
		Updates(map[string]interface{}{
			"status":           db.TaskFailed,
			"input_request_id": nil,
			"results":          results,
			"updated_at":       time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("tasks: mark active as failed: %w", result.Error)
	}
	return result.RowsAffected, nil
}
