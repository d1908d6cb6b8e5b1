package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/styleshot/api/internal/model"
)

// ErrTaskNotFound is returned when a task id has no stored record.
var ErrTaskNotFound = errors.New("task not found")

// TaskRepository persists authoritative task records. Delete of an absent id
// is not an error.
type TaskRepository interface {
	Save(ctx context.Context, task *model.GenerationTask) error
	Get(ctx context.Context, id string) (*model.GenerationTask, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*model.GenerationTask, error)
}

const taskIndexKey = "tasks:index"

// RedisTaskRepository stores tasks as JSON records keyed task:<id>, with a
// set index for listing. Records carry no TTL: a task leaves the active set
// only through an explicit delete.
type RedisTaskRepository struct {
	redis *redis.Client
}

func NewRedisTaskRepository(redisClient *redis.Client) *RedisTaskRepository {
	return &RedisTaskRepository{redis: redisClient}
}

func taskKey(id string) string {
	return fmt.Sprintf("task:%s", id)
}

// storedTask adds the fields the wire format hides. ProviderTaskID is json:"-"
// on the entity so it never leaks into API or push payloads, but the stored
// record must keep it across restarts.
type storedTask struct {
	*model.GenerationTask
	ProviderTaskID string `json:"providerTaskId,omitempty"`
}

func (r *RedisTaskRepository) Save(ctx context.Context, task *model.GenerationTask) error {
	data, err := json.Marshal(storedTask{GenerationTask: task, ProviderTaskID: task.ProviderTaskID})
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	pipe := r.redis.TxPipeline()
	pipe.Set(ctx, taskKey(task.ID), data, 0)
	pipe.SAdd(ctx, taskIndexKey, task.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisTaskRepository) Get(ctx context.Context, id string) (*model.GenerationTask, error) {
	data, err := r.redis.Get(ctx, taskKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}

	stored := storedTask{GenerationTask: &model.GenerationTask{}}
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	task := stored.GenerationTask
	task.ProviderTaskID = stored.ProviderTaskID
	return task, nil
}

func (r *RedisTaskRepository) Delete(ctx context.Context, id string) error {
	pipe := r.redis.TxPipeline()
	pipe.Del(ctx, taskKey(id))
	pipe.SRem(ctx, taskIndexKey, id)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisTaskRepository) List(ctx context.Context) ([]*model.GenerationTask, error) {
	ids, err := r.redis.SMembers(ctx, taskIndexKey).Result()
	if err != nil {
		return nil, err
	}

	tasks := make([]*model.GenerationTask, 0, len(ids))
	for _, id := range ids {
		task, err := r.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrTaskNotFound) {
				// Index entry outlived its record; drop it.
				r.redis.SRem(ctx, taskIndexKey, id)
				continue
			}
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}
