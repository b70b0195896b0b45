package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) so primary keys sort chronologically without
// a separate created_at index. CreatedAt and UpdatedAt are managed
// automatically by GORM.
type Base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// SoftDelete extends Base with a nullable DeletedAt field for soft deletion.
// GORM automatically filters out soft-deleted records from all queries unless
// Unscoped() is used explicitly.
type SoftDelete struct {
	Base
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// -----------------------------------------------------------------------------
// Task status
// -----------------------------------------------------------------------------

// DefaultInputTimeout is how long a task waits for user input, in seconds,
// when the submission does not specify a timeout.
const DefaultInputTimeout = 180

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending         TaskStatus = "PENDING"
	TaskRunning         TaskStatus = "RUNNING"
	TaskWaitingForInput TaskStatus = "WAITING_FOR_INPUT"
	TaskCompleted       TaskStatus = "COMPLETED"
	TaskFailed          TaskStatus = "FAILED"
	TaskCancelled       TaskStatus = "CANCELLED"
)

// ParseTaskStatus maps a wire string to a TaskStatus, case-insensitively on
// the common lowercase variants seen on the status channel.
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch status := TaskStatus(strings.ToUpper(s)); status {
	case TaskPending, TaskRunning, TaskWaitingForInput, TaskCompleted, TaskFailed, TaskCancelled:
		return status, nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

// IsTerminal reports whether the status is final. Terminal statuses are
// sticky: no update may move a task out of them.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// IsActive reports whether the task occupies a per-client concurrency slot.
func (s TaskStatus) IsActive() bool {
	return s == TaskPending || s == TaskRunning || s == TaskWaitingForInput
}

// -----------------------------------------------------------------------------
// JSON column
// -----------------------------------------------------------------------------

// JSONValue stores an arbitrary JSON document (object or array) in a text
// column. A nil value is stored as SQL NULL, never as the string "null".
type JSONValue json.RawMessage

// Value implements driver.Valuer.
func (v JSONValue) Value() (driver.Value, error) {
	if len(v) == 0 {
		return nil, nil
	}
	return string(v), nil
}

// Scan implements sql.Scanner.
func (v *JSONValue) Scan(src interface{}) error {
	switch s := src.(type) {
	case nil:
		*v = nil
		return nil
	case string:
		*v = JSONValue([]byte(s))
		return nil
	case []byte:
		buf := make([]byte, len(s))
		copy(buf, s)
		*v = JSONValue(buf)
		return nil
	}
	return fmt.Errorf("cannot scan %T into JSONValue", src)
}

// MarshalJSON returns the stored document verbatim, or null when empty.
func (v JSONValue) MarshalJSON() ([]byte, error) {
	if len(v) == 0 {
		return []byte("null"), nil
	}
	return []byte(v), nil
}

// HasKey reports whether the stored document is an object containing the
// given top-level key.
func (v JSONValue) HasKey(key string) bool {
	if len(v) == 0 {
		return false
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(v, &m); err != nil {
		return false
	}
	_, ok := m[key]
	return ok
}

// UnmarshalJSON stores the raw document.
func (v *JSONValue) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*v = nil
		return nil
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	*v = JSONValue(buf)
	return nil
}

// -----------------------------------------------------------------------------
// Clients
// -----------------------------------------------------------------------------

// Client represents an API tenant. ClientID is the public identifier carried
// in token subjects; SecretHash is an Argon2id hash of the client secret, the
// raw secret is never stored. Audience scopes the tokens the client may
// request ("tasks-api" or "clients-api").
type Client struct {
	SoftDelete
	ClientID    string `gorm:"uniqueIndex;not null"`
	SecretHash  string `gorm:"not null"`
	Audience    string `gorm:"not null;default:'tasks-api'"`
	Name        string `gorm:"not null;default:''"`
	Description string `gorm:"type:text;default:''"`
}

// -----------------------------------------------------------------------------
// Tasks
// -----------------------------------------------------------------------------

// Task represents one submitted workflow execution. FlowID is derived from
// the uploaded file content and name, so resubmitting the same file maps to
// the same flow unless the client forces a re-run. Results holds either a
// JSON object or an array of objects depending on what the workflow produced.
//
// InputRequestID is non-null exactly while the task is WAITING_FOR_INPUT; it
// identifies the pending prompt so that stale or replayed input responses can
// be rejected.
type Task struct {
	SoftDelete
	ClientID       string     `gorm:"not null;index"`
	FlowID         string     `gorm:"not null;index"`
	Filename       string     `gorm:"not null"`
	Status         TaskStatus `gorm:"not null;default:'PENDING';index"`
	InputTimeout   int        `gorm:"not null;default:180"`
	InputRequestID *string
	Results        JSONValue `gorm:"type:text"`
	ScheduleType   *string
	ScheduledTime  *time.Time
	CronExpression *string
	ExpiresAt      *time.Time
	TriggeredAt    *time.Time
}

// IsActive reports whether the task occupies a per-client concurrency slot.
func (t *Task) IsActive() bool { return t.Status.IsActive() }
