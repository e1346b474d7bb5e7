package domain

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// fakeStore is an in-memory TaskStorage mirroring the store contract:
// ids assigned on insert, timestamps refreshed on update, owner scoping on
// every operation.
type fakeStore struct {
	tasks  map[string]map[string]Task // ownerID -> id -> task
	nextID int
	now    time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks: map[string]map[string]Task{},
		now:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

// tick advances the fake clock so consecutive writes get distinct
// timestamps.
func (f *fakeStore) tick() time.Time {
	f.now = f.now.Add(time.Second)
	return f.now
}

func (f *fakeStore) InsertTask(ctx context.Context, task Task) (Task, error) {
	if task.ID == "" {
		f.nextID++
		task.ID = fmt.Sprintf("task-%d", f.nextID)
	}
	owned := f.tasks[task.OwnerID]
	if owned == nil {
		owned = map[string]Task{}
		f.tasks[task.OwnerID] = owned
	}
	if _, exists := owned[task.ID]; exists {
		return Task{}, ErrConflict
	}
	now := f.tick()
	task.CreatedAt = now
	task.UpdatedAt = now
	owned[task.ID] = task
	return task, nil
}

func (f *fakeStore) GetTask(ctx context.Context, ownerID, id string) (Task, error) {
	task, ok := f.tasks[ownerID][id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return task, nil
}

func (f *fakeStore) ListTasks(ctx context.Context, ownerID string, status *Status) ([]Task, error) {
	tasks := []Task{}
	for _, t := range f.tasks[ownerID] {
		if status != nil && t.Status != *status {
			continue
		}
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks, nil
}

func (f *fakeStore) UpdateTask(ctx context.Context, ownerID, id string, patch TaskPatch) (Task, error) {
	task, ok := f.tasks[ownerID][id]
	if !ok {
		return Task{}, ErrNotFound
	}
	if patch.Title != nil {
		task.Title = *patch.Title
	}
	if patch.Description != nil {
		task.Description = *patch.Description
	}
	if patch.Status != nil {
		task.Status = *patch.Status
	}
	if patch.CompletedAt != nil {
		done := *patch.CompletedAt
		task.CompletedAt = &done
	} else if patch.ClearCompletedAt {
		task.CompletedAt = nil
	}
	task.UpdatedAt = f.tick()
	f.tasks[ownerID][id] = task
	return task, nil
}

func (f *fakeStore) DeleteTask(ctx context.Context, ownerID, id string) (bool, error) {
	if _, ok := f.tasks[ownerID][id]; !ok {
		return false, nil
	}
	delete(f.tasks[ownerID], id)
	return true, nil
}
