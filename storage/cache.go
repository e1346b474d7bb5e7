package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"taskbot-api/domain"
)

type backend interface {
	InsertTask(ctx context.Context, task domain.Task) (domain.Task, error)
	GetTask(ctx context.Context, ownerID, id string) (domain.Task, error)
	ListTasks(ctx context.Context, ownerID string, status *domain.Status) ([]domain.Task, error)
	UpdateTask(ctx context.Context, ownerID, id string, patch domain.TaskPatch) (domain.Task, error)
	DeleteTask(ctx context.Context, ownerID, id string) (bool, error)
	EnqueueEvents(ctx context.Context, ownerID string, events []domain.TaskEvent) error
}

// Cache wraps a Storage instance with Redis-backed caching of the
// unfiltered task list per owner. Every mutation evicts the owner's cache
// entry before returning, so within a single process a read issued after a
// write always observes that write.
type Cache struct {
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func tasksCacheKey(ownerID string) string {
	return "tasks:" + ownerID
}

func (c *Cache) ListTasks(ctx context.Context, ownerID string, status *domain.Status) ([]domain.Task, error) {
	if status == nil {
		if tasks, ok := c.loadTasks(ctx, ownerID); ok {
			return tasks, nil
		}
	}
	tasks, err := c.base.ListTasks(ctx, ownerID, status)
	if err != nil {
		return nil, err
	}
	if status == nil {
		c.storeTasks(ctx, ownerID, tasks)
	}
	return tasks, nil
}

func (c *Cache) GetTask(ctx context.Context, ownerID, id string) (domain.Task, error) {
	if tasks, ok := c.loadTasks(ctx, ownerID); ok {
		for _, t := range tasks {
			if t.ID == id {
				return t, nil
			}
		}
		return domain.Task{}, domain.ErrNotFound
	}
	return c.base.GetTask(ctx, ownerID, id)
}

func (c *Cache) InsertTask(ctx context.Context, task domain.Task) (domain.Task, error) {
	created, err := c.base.InsertTask(ctx, task)
	if err != nil {
		return domain.Task{}, err
	}
	c.evict(ctx, created.OwnerID)
	return created, nil
}

func (c *Cache) UpdateTask(ctx context.Context, ownerID, id string, patch domain.TaskPatch) (domain.Task, error) {
	updated, err := c.base.UpdateTask(ctx, ownerID, id, patch)
	if err != nil {
		return domain.Task{}, err
	}
	c.evict(ctx, ownerID)
	return updated, nil
}

func (c *Cache) DeleteTask(ctx context.Context, ownerID, id string) (bool, error) {
	deleted, err := c.base.DeleteTask(ctx, ownerID, id)
	if err != nil {
		return false, err
	}
	if deleted {
		c.evict(ctx, ownerID)
	}
	return deleted, nil
}

func (c *Cache) EnqueueEvents(ctx context.Context, ownerID string, events []domain.TaskEvent) error {
	return c.base.EnqueueEvents(ctx, ownerID, events)
}

func (c *Cache) loadTasks(ctx context.Context, ownerID string) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, tasksCacheKey(ownerID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, tasksCacheKey(ownerID)).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, tasksCacheKey(ownerID)).Err()
		return nil, false
	}
	return tasks, true
}

func (c *Cache) storeTasks(ctx context.Context, ownerID string, tasks []domain.Task) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(tasks)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, tasksCacheKey(ownerID), data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context, ownerID string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, tasksCacheKey(ownerID)).Err()
}
