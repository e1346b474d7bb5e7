package domain

// Task lifecycle event types consumed by the bot's reward pipeline.
const (
	TaskCreated   = "task-created"
	TaskCompleted = "task-completed"
	TaskReopened  = "task-reopened"
	TaskDeleted   = "task-deleted"
)

// TaskEvent describes a task lifecycle transition published to the
// events queue after the corresponding write has been committed.
type TaskEvent struct {
	ID        string `json:"id"`
	TaskID    string `json:"taskId"`
	Type      string `json:"type"`
	Title     string `json:"title,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// TaskEventEnvelope wraps an event with the owner it belongs to.
type TaskEventEnvelope struct {
	UserID string    `json:"userId"`
	Event  TaskEvent `json:"event"`
}
