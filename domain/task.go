package domain

import "time"

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// Valid reports whether s is one of the known task statuses.
func (s Status) Valid() bool {
	return s == StatusPending || s == StatusCompleted
}

// Task represents a single user-owned to-do record.
type Task struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"owner_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

// TaskPatch carries partial updates for a task. Nil fields are left
// untouched. CompletedAt and ClearCompletedAt follow Status: they are
// set by the service whenever Status changes, never supplied by callers.
type TaskPatch struct {
	Title       *string
	Description *string
	Status      *Status

	CompletedAt      *time.Time
	ClearCompletedAt bool
}

// Empty reports whether the patch names no caller-settable fields.
func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Status == nil
}
