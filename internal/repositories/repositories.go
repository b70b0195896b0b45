package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/waldiez/runner/internal/db"
)

// -----------------------------------------------------------------------------
// Common
// -----------------------------------------------------------------------------

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// StatusUpdate describes a task status transition.
//
// Results is applied unless SkipResults is set; SkipResults lets callers fix
// the status of a stuck task without clobbering results another component
// already persisted. InputRequestID is only honored when Status is
// WAITING_FOR_INPUT; for every other status the stored request id is cleared
// so the two stay consistent.
type StatusUpdate struct {
	Status         db.TaskStatus
	InputRequestID *string
	Results        db.JSONValue
	SkipResults    bool
}

// -----------------------------------------------------------------------------
// TaskRepository
// -----------------------------------------------------------------------------

type TaskRepository interface {
	Create(ctx context.Context, task *db.Task) error

	// Get retrieves a task regardless of owner. Soft-deleted rows are excluded.
	Get(ctx context.Context, id uuid.UUID) (*db.Task, error)

	// GetForClient retrieves a task owned by the given client. Returns
	// ErrNotFound both when the task does not exist and when it belongs to a
	// different client, so ownership is never leaked.
	GetForClient(ctx context.Context, clientID string, id uuid.UUID) (*db.Task, error)

	// GetByFlow retrieves the client's task for a given flow id, if any.
	GetByFlow(ctx context.Context, clientID, flowID string) (*db.Task, error)

	Update(ctx context.Context, task *db.Task) error

	// UpdateStatus applies a status transition. Terminal statuses are sticky:
	// the UPDATE carries a WHERE guard excluding terminal rows, so a late
	// transition against a finished task is a silent no-op rather than a
	// regression. Returns ErrNotFound only when the task does not exist.
	UpdateStatus(ctx context.Context, id uuid.UUID, upd StatusUpdate) error

	ListByClient(ctx context.Context, clientID string, opts ListOptions) ([]db.Task, int64, error)

	// List returns tasks across every client, for the admin surface.
	List(ctx context.Context, opts ListOptions) ([]db.Task, int64, error)
	ListActive(ctx context.Context, clientID string) ([]db.Task, error)
	ListActiveAll(ctx context.Context) ([]db.Task, error)
	ListPending(ctx context.Context) ([]db.Task, error)

	// ListStuck returns active tasks that already carry results, which means
	// a status message was persisted but the final transition was lost.
	ListStuck(ctx context.Context) ([]db.Task, error)

	// ListWaitingSince returns WAITING_FOR_INPUT tasks not updated since the
	// given time, candidates for the abandoned-input reaper.
	ListWaitingSince(ctx context.Context, before time.Time) ([]db.Task, error)

	// ListDeletedBefore returns up to limit soft-deleted tasks whose deletion
	// happened before the given time, for permanent purging.
	ListDeletedBefore(ctx context.Context, before time.Time, limit int) ([]db.Task, error)

	SoftDelete(ctx context.Context, id uuid.UUID) error

	// SoftDeleteForClient soft-deletes the client's tasks, optionally limited
	// to the given ids and optionally skipping active tasks. Returns the ids
	// of the tasks actually deleted.
	SoftDeleteForClient(ctx context.Context, clientID string, inactiveOnly bool, ids []uuid.UUID) ([]uuid.UUID, error)

	// Purge permanently removes a row, including soft-deleted ones.
	Purge(ctx context.Context, id uuid.UUID) error

	// DeleteByFlow permanently removes the client's task for a flow id.
	// Used to compensate a failed file move right after task creation.
	DeleteByFlow(ctx context.Context, clientID, flowID string) error

	CountActive(ctx context.Context, clientID string) (int64, error)

	// MarkActiveAsFailed force-fails every active task, storing the given
	// reason as results. Called on service shutdown. Returns the number of
	// tasks affected.
	MarkActiveAsFailed(ctx context.Context, reason string) (int64, error)
}

// -----------------------------------------------------------------------------
// ClientRepository
// -----------------------------------------------------------------------------

type ClientRepository interface {
	Create(ctx context.Context, client *db.Client) error
	GetByClientID(ctx context.Context, clientID string) (*db.Client, error)
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Client, int64, error)
}
