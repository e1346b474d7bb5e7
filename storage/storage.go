package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/google/uuid"

	"taskbot-api/domain"
)

const (
	edmInt64 = "Edm.Int64"

	defaultOpTimeout = 10 * time.Second
	// updateRetryLimit bounds the optimistic-concurrency retry loop so a
	// permanently contended row cannot spin forever.
	updateRetryLimit = 5
)

// eventQueue is the subset of the azqueue client used by the storage layer.
type eventQueue interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// Storage provides durable task persistence on Azure Table Storage, with
// tasks partitioned by owner id and keyed by task id, plus the lifecycle
// events queue. Every operation applies a bounded timeout.
type Storage struct {
	taskTable   *aztables.Client
	eventsQueue eventQueue
	opTimeout   time.Duration
}

// New creates a Storage instance from the given connection string.
func New(connStr, tasksTable, eventsQueue string, opTimeout time.Duration) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, eventsQueue, nil)
	if err != nil {
		return nil, err
	}
	if opTimeout <= 0 {
		opTimeout = defaultOpTimeout
	}
	return &Storage{taskTable: svc.NewClient(tasksTable), eventsQueue: q, opTimeout: opTimeout}, nil
}

// entity holds table entity keys and the etag returned on reads.
type entity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
	ETag         string `json:"odata.etag,omitempty"`
}

// taskEntity is the table representation of a task. Timestamps are stored
// as Edm.Int64 unix nanoseconds; CompletedAt zero means not completed.
type taskEntity struct {
	entity
	Title           string `json:"Title"`
	Description     string `json:"Description,omitempty"`
	Status          string `json:"Status"`
	CreatedAt       int64  `json:"CreatedAt,string"`
	CreatedAtType   string `json:"CreatedAt@odata.type"`
	UpdatedAt       int64  `json:"UpdatedAt,string"`
	UpdatedAtType   string `json:"UpdatedAt@odata.type"`
	CompletedAt     int64  `json:"CompletedAt,string"`
	CompletedAtType string `json:"CompletedAt@odata.type"`
}

// taskUpdateEntity carries a partial merge for a task row.
type taskUpdateEntity struct {
	entity
	Title           *string `json:"Title,omitempty"`
	Description     *string `json:"Description,omitempty"`
	Status          *string `json:"Status,omitempty"`
	UpdatedAt       *int64  `json:"UpdatedAt,omitempty,string"`
	UpdatedAtType   *string `json:"UpdatedAt@odata.type,omitempty"`
	CompletedAt     *int64  `json:"CompletedAt,omitempty,string"`
	CompletedAtType *string `json:"CompletedAt@odata.type,omitempty"`
}

func newTaskEntity(t domain.Task) taskEntity {
	ent := taskEntity{
		entity:          entity{PartitionKey: t.OwnerID, RowKey: t.ID},
		Title:           t.Title,
		Description:     t.Description,
		Status:          string(t.Status),
		CreatedAt:       t.CreatedAt.UnixNano(),
		CreatedAtType:   edmInt64,
		UpdatedAt:       t.UpdatedAt.UnixNano(),
		UpdatedAtType:   edmInt64,
		CompletedAtType: edmInt64,
	}
	if t.CompletedAt != nil {
		ent.CompletedAt = t.CompletedAt.UnixNano()
	}
	return ent
}

func (e taskEntity) toTask() domain.Task {
	t := domain.Task{
		ID:          e.RowKey,
		OwnerID:     e.PartitionKey,
		Title:       e.Title,
		Description: e.Description,
		Status:      domain.Status(e.Status),
		CreatedAt:   time.Unix(0, e.CreatedAt).UTC(),
		UpdatedAt:   time.Unix(0, e.UpdatedAt).UTC(),
	}
	if e.CompletedAt != 0 {
		done := time.Unix(0, e.CompletedAt).UTC()
		t.CompletedAt = &done
	}
	return t
}

func decodeTaskEntity(data []byte) (taskEntity, error) {
	var ent taskEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return taskEntity{}, err
	}
	return ent, nil
}

func (s *Storage) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// mapTableError translates transport failures into the domain taxonomy.
// Status codes with a domain meaning are handled at the call sites.
func mapTableError(err error) error {
	return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
}

func responseStatus(err error) int {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}

// InsertTask persists a new task, assigning its id and timestamps.
func (s *Storage) InsertTask(ctx context.Context, task domain.Task) (domain.Task, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	payload, err := json.Marshal(newTaskEntity(task))
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := s.taskTable.AddEntity(ctx, payload, nil); err != nil {
		if responseStatus(err) == http.StatusConflict {
			return domain.Task{}, domain.ErrConflict
		}
		return domain.Task{}, mapTableError(err)
	}
	return task, nil
}

func (s *Storage) getTaskEntity(ctx context.Context, ownerID, id string) (taskEntity, error) {
	resp, err := s.taskTable.GetEntity(ctx, ownerID, id, nil)
	if err != nil {
		if responseStatus(err) == http.StatusNotFound {
			return taskEntity{}, domain.ErrNotFound
		}
		return taskEntity{}, mapTableError(err)
	}
	return decodeTaskEntity(resp.Value)
}

// GetTask retrieves a single task scoped to its owner.
func (s *Storage) GetTask(ctx context.Context, ownerID, id string) (domain.Task, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	ent, err := s.getTaskEntity(ctx, ownerID, id)
	if err != nil {
		return domain.Task{}, err
	}
	return ent.toTask(), nil
}

// ListTasks retrieves the owner's tasks, optionally narrowed by status,
// ordered by creation time ascending with ids breaking ties.
func (s *Storage) ListTasks(ctx context.Context, ownerID string, status *domain.Status) ([]domain.Task, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	filter := "PartitionKey eq '" + ownerID + "'"
	if status != nil {
		filter += " and Status eq '" + string(*status) + "'"
	}
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, mapTableError(err)
		}
		for _, raw := range resp.Entities {
			ent, err := decodeTaskEntity(raw)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, ent.toTask())
		}
	}
	sortTasks(tasks)
	return tasks, nil
}

func sortTasks(tasks []domain.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}

func mergePatch(ent *taskEntity, patch domain.TaskPatch, now time.Time) taskUpdateEntity {
	upd := taskUpdateEntity{entity: entity{PartitionKey: ent.PartitionKey, RowKey: ent.RowKey}}
	int64Type := edmInt64
	if patch.Title != nil {
		upd.Title = patch.Title
		ent.Title = *patch.Title
	}
	if patch.Description != nil {
		upd.Description = patch.Description
		ent.Description = *patch.Description
	}
	if patch.Status != nil {
		st := string(*patch.Status)
		upd.Status = &st
		ent.Status = st
	}
	if patch.CompletedAt != nil {
		done := patch.CompletedAt.UnixNano()
		upd.CompletedAt = &done
		upd.CompletedAtType = &int64Type
		ent.CompletedAt = done
	} else if patch.ClearCompletedAt {
		var zero int64
		upd.CompletedAt = &zero
		upd.CompletedAtType = &int64Type
		ent.CompletedAt = 0
	}
	updated := now.UnixNano()
	upd.UpdatedAt = &updated
	upd.UpdatedAtType = &int64Type
	ent.UpdatedAt = updated
	return upd
}

// UpdateTask applies a partial update atomically: the row is read, the
// patch merged, and the merge written back guarded by the etag captured on
// the read. A concurrent writer invalidates the etag and the call re-reads
// and retries, so no update is lost within a single call.
func (s *Storage) UpdateTask(ctx context.Context, ownerID, id string, patch domain.TaskPatch) (domain.Task, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	for attempt := 0; attempt < updateRetryLimit; attempt++ {
		ent, err := s.getTaskEntity(ctx, ownerID, id)
		if err != nil {
			return domain.Task{}, err
		}
		etag := ent.ETag
		upd := mergePatch(&ent, patch, time.Now().UTC())
		payload, err := json.Marshal(upd)
		if err != nil {
			return domain.Task{}, err
		}
		et := azcore.ETag(etag)
		if etag == "" {
			et = azcore.ETagAny
		}
		_, err = s.taskTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{
			IfMatch:    &et,
			UpdateMode: aztables.UpdateModeMerge,
		})
		if err == nil {
			return ent.toTask(), nil
		}
		switch responseStatus(err) {
		case http.StatusPreconditionFailed:
			continue
		case http.StatusNotFound:
			return domain.Task{}, domain.ErrNotFound
		default:
			return domain.Task{}, mapTableError(err)
		}
	}
	return domain.Task{}, fmt.Errorf("%w: update contention on task %s", domain.ErrStoreUnavailable, id)
}

// DeleteTask removes the owner's task. It reports whether a row was
// actually deleted.
func (s *Storage) DeleteTask(ctx context.Context, ownerID, id string) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if _, err := s.taskTable.DeleteEntity(ctx, ownerID, id, nil); err != nil {
		if responseStatus(err) == http.StatusNotFound {
			return false, nil
		}
		return false, mapTableError(err)
	}
	return true, nil
}

// EnqueueEvents publishes task lifecycle events to the events queue.
func (s *Storage) EnqueueEvents(ctx context.Context, ownerID string, events []domain.TaskEvent) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	for _, ev := range events {
		env := domain.TaskEventEnvelope{UserID: ownerID, Event: ev}
		data, err := json.Marshal(env)
		if err != nil {
			return err
		}
		if _, err := s.eventsQueue.EnqueueMessage(ctx, string(data), nil); err != nil {
			return mapTableError(err)
		}
	}
	return nil
}
