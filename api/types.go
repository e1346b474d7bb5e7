package api

import (
	"context"

	"taskbot-api/domain"
)

// TaskService abstracts the business layer for handlers.
type TaskService interface {
	CreateTask(ctx context.Context, ownerID, title, description string) (domain.Task, error)
	ListTasks(ctx context.Context, ownerID, statusFilter string) ([]domain.Task, error)
	GetTask(ctx context.Context, ownerID, id string) (domain.Task, error)
	UpdateTask(ctx context.Context, ownerID, id string, patch domain.TaskPatch) (domain.Task, error)
	CompleteTask(ctx context.Context, ownerID, id string) (domain.Task, error)
	ReopenTask(ctx context.Context, ownerID, id string) (domain.Task, error)
	DeleteTask(ctx context.Context, ownerID, id string) error
}

// EventSink receives task lifecycle events for the bot's reward pipeline.
type EventSink interface {
	EnqueueEvents(ctx context.Context, ownerID string, events []domain.TaskEvent) error
}

// Authenticator is implemented by types able to extract user IDs from
// Authorization headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}
