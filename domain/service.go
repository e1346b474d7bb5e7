package domain

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultMaxTitleLen       = 255
	DefaultMaxDescriptionLen = 4096
)

// TaskStorage defines the persistence operations the service relies on.
// Implementations must scope every operation to the given owner.
type TaskStorage interface {
	InsertTask(ctx context.Context, task Task) (Task, error)
	GetTask(ctx context.Context, ownerID, id string) (Task, error)
	ListTasks(ctx context.Context, ownerID string, status *Status) ([]Task, error)
	UpdateTask(ctx context.Context, ownerID, id string, patch TaskPatch) (Task, error)
	DeleteTask(ctx context.Context, ownerID, id string) (bool, error)
}

// TaskService enforces the business rules the store does not know about:
// input validation, the status state machine and ownership of mutations.
type TaskService struct {
	st                TaskStorage
	maxTitleLen       int
	maxDescriptionLen int
}

func NewTaskService(st TaskStorage, maxTitleLen, maxDescriptionLen int) *TaskService {
	if maxTitleLen <= 0 {
		maxTitleLen = DefaultMaxTitleLen
	}
	if maxDescriptionLen <= 0 {
		maxDescriptionLen = DefaultMaxDescriptionLen
	}
	return &TaskService{st: st, maxTitleLen: maxTitleLen, maxDescriptionLen: maxDescriptionLen}
}

func (s *TaskService) validateTitle(title string) error {
	if strings.TrimSpace(title) == "" {
		return ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if len(title) > s.maxTitleLen {
		return ValidationError{Field: "title", Reason: fmt.Sprintf("must not exceed %d bytes", s.maxTitleLen)}
	}
	return nil
}

func (s *TaskService) validateDescription(description string) error {
	if len(description) > s.maxDescriptionLen {
		return ValidationError{Field: "description", Reason: fmt.Sprintf("must not exceed %d bytes", s.maxDescriptionLen)}
	}
	return nil
}

// CreateTask validates the input and persists a new pending task.
func (s *TaskService) CreateTask(ctx context.Context, ownerID, title, description string) (Task, error) {
	if err := s.validateTitle(title); err != nil {
		return Task{}, err
	}
	if err := s.validateDescription(description); err != nil {
		return Task{}, err
	}
	return s.st.InsertTask(ctx, Task{
		OwnerID:     ownerID,
		Title:       title,
		Description: description,
		Status:      StatusPending,
	})
}

// ListTasks returns the owner's tasks ordered by creation time, optionally
// narrowed to a single status.
func (s *TaskService) ListTasks(ctx context.Context, ownerID, statusFilter string) ([]Task, error) {
	var status *Status
	if statusFilter != "" {
		st := Status(statusFilter)
		if !st.Valid() {
			return nil, ValidationError{Field: "status", Reason: "must be one of: pending, completed"}
		}
		status = &st
	}
	return s.st.ListTasks(ctx, ownerID, status)
}

func (s *TaskService) GetTask(ctx context.Context, ownerID, id string) (Task, error) {
	return s.st.GetTask(ctx, ownerID, id)
}

// UpdateTask applies a partial update to the owner's task. Status changes
// through the patch keep CompletedAt consistent with the status invariant.
func (s *TaskService) UpdateTask(ctx context.Context, ownerID, id string, patch TaskPatch) (Task, error) {
	if patch.Empty() {
		return Task{}, ValidationError{Field: "body", Reason: "no updatable fields supplied"}
	}
	if patch.Title != nil {
		if err := s.validateTitle(*patch.Title); err != nil {
			return Task{}, err
		}
	}
	if patch.Description != nil {
		if err := s.validateDescription(*patch.Description); err != nil {
			return Task{}, err
		}
	}
	if patch.Status != nil {
		if !patch.Status.Valid() {
			return Task{}, ValidationError{Field: "status", Reason: "must be one of: pending, completed"}
		}
		if *patch.Status == StatusCompleted {
			now := time.Now().UTC()
			patch.CompletedAt = &now
		} else {
			patch.ClearCompletedAt = true
		}
	}
	return s.st.UpdateTask(ctx, ownerID, id, patch)
}

// CompleteTask transitions the task to completed. Completing a task that is
// already completed is idempotent: the task is returned unchanged and
// UpdatedAt is not bumped.
func (s *TaskService) CompleteTask(ctx context.Context, ownerID, id string) (Task, error) {
	return s.transition(ctx, ownerID, id, StatusCompleted)
}

// ReopenTask transitions the task back to pending and clears CompletedAt.
// Like CompleteTask it is idempotent when the task is already pending.
func (s *TaskService) ReopenTask(ctx context.Context, ownerID, id string) (Task, error) {
	return s.transition(ctx, ownerID, id, StatusPending)
}

func (s *TaskService) transition(ctx context.Context, ownerID, id string, target Status) (Task, error) {
	cur, err := s.st.GetTask(ctx, ownerID, id)
	if err != nil {
		return Task{}, err
	}
	if cur.Status == target {
		return cur, nil
	}
	patch := TaskPatch{Status: &target}
	if target == StatusCompleted {
		now := time.Now().UTC()
		patch.CompletedAt = &now
	} else {
		patch.ClearCompletedAt = true
	}
	return s.st.UpdateTask(ctx, ownerID, id, patch)
}

// DeleteTask removes the owner's task permanently.
func (s *TaskService) DeleteTask(ctx context.Context, ownerID, id string) error {
	deleted, err := s.st.DeleteTask(ctx, ownerID, id)
	if err != nil {
		return err
	}
	if !deleted {
		return ErrNotFound
	}
	return nil
}
