package repository

import (
	"context"
	"sync"

	"github.com/styleshot/api/internal/model"
)

// MemoryTaskRepository is a map-backed TaskRepository for tests and for
// running without Redis. Tasks are cloned on the way in and out so callers
// never share mutable state with the store.
type MemoryTaskRepository struct {
	mu    sync.RWMutex
	tasks map[string]*model.GenerationTask
}

func NewMemoryTaskRepository() *MemoryTaskRepository {
	return &MemoryTaskRepository{
		tasks: make(map[string]*model.GenerationTask),
	}
}

func (r *MemoryTaskRepository) Save(_ context.Context, task *model.GenerationTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[task.ID] = task.Clone()
	return nil
}

func (r *MemoryTaskRepository) Get(_ context.Context, id string) (*model.GenerationTask, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task.Clone(), nil
}

func (r *MemoryTaskRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
	return nil
}

func (r *MemoryTaskRepository) List(_ context.Context) ([]*model.GenerationTask, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tasks := make([]*model.GenerationTask, 0, len(r.tasks))
	for _, task := range r.tasks {
		tasks = append(tasks, task.Clone())
	}
	return tasks, nil
}
