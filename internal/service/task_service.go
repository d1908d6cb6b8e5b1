package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/styleshot/api/internal/model"
	"github.com/styleshot/api/internal/repository"
)

const TaskTypeGenerate = "generation:process"

var (
	// ErrInvalidInput is returned for submissions rejected before a task is
	// created. It never touches task state.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotRetryable is returned when retry is requested on a task that is
	// not in the failed state.
	ErrNotRetryable = errors.New("only failed tasks can be retried")

	// ErrIllegalTransition guards the task state machine.
	ErrIllegalTransition = errors.New("illegal status transition")
)

// Notifier receives every authoritative state change, one call per
// transition. The websocket hub implements it.
type Notifier interface {
	TaskUpdated(task *model.GenerationTask)
	TaskCompleted(task *model.GenerationTask)
	TaskFailed(task *model.GenerationTask)
}

// Enqueuer schedules asynchronous task execution. *asynq.Client satisfies it.
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// GenerateTaskPayload is the asynq payload for a generation run.
type GenerateTaskPayload struct {
	TaskID string `json:"taskId"`
}

// TaskService owns the task state machine. All mutations go through it;
// updates are serialized per task id, independent tasks never contend.
type TaskService struct {
	repo     repository.TaskRepository
	enqueuer Enqueuer
	notifier Notifier

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewTaskService(repo repository.TaskRepository, enqueuer Enqueuer, notifier Notifier) *TaskService {
	return &TaskService{
		repo:     repo,
		enqueuer: enqueuer,
		notifier: notifier,
		locks:    make(map[string]*sync.Mutex),
	}
}

// lockTask serializes updates for a single task id.
func (s *TaskService) lockTask(id string) func() {
	s.locksMu.Lock()
	mu, ok := s.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[id] = mu
	}
	s.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// CreateTask validates inputs, persists a pending task, and schedules its
// execution. It returns immediately; generation runs in the worker.
func (s *TaskService) CreateTask(ctx context.Context, templateID, referenceImageRef, prompt string) (*model.GenerationTask, error) {
	if templateID == "" {
		return nil, fmt.Errorf("%w: templateId is required", ErrInvalidInput)
	}
	if referenceImageRef == "" {
		return nil, fmt.Errorf("%w: reference image is required", ErrInvalidInput)
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("%w: prompt is empty", ErrInvalidInput)
	}

	now := time.Now()
	task := &model.GenerationTask{
		ID:                uuid.New().String(),
		TemplateID:        templateID,
		ReferenceImageRef: referenceImageRef,
		Prompt:            prompt,
		Status:            model.TaskStatusPending,
		Progress:          0,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := s.repo.Save(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to save task: %w", err)
	}

	if err := s.enqueueExecution(task.ID); err != nil {
		return nil, err
	}

	s.notifier.TaskUpdated(task.Clone())
	return task, nil
}

func (s *TaskService) enqueueExecution(taskID string) error {
	payload, err := json.Marshal(GenerateTaskPayload{TaskID: taskID})
	if err != nil {
		return fmt.Errorf("failed to marshal task payload: %w", err)
	}

	// Retries of the provider call live inside the generation client, so the
	// queue itself must not re-run a failed execution.
	_, err = s.enqueuer.Enqueue(asynq.NewTask(TaskTypeGenerate, payload),
		asynq.Queue("generation"),
		asynq.MaxRetry(0),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// GetTask returns one task by id.
func (s *TaskService) GetTask(ctx context.Context, id string) (*model.GenerationTask, error) {
	return s.repo.Get(ctx, id)
}

// ListAllTasks returns every active task, newest first.
func (s *TaskService) ListAllTasks(ctx context.Context) ([]*model.GenerationTask, error) {
	tasks, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// ListTasks returns one page of tasks, optionally filtered by status.
func (s *TaskService) ListTasks(ctx context.Context, status model.TaskStatus, page, limit int) ([]*model.GenerationTask, int, error) {
	all, err := s.ListAllTasks(ctx)
	if err != nil {
		return nil, 0, err
	}

	filtered := all
	if status != "" {
		filtered = filtered[:0:0]
		for _, t := range all {
			if t.Status == status {
				filtered = append(filtered, t)
			}
		}
	}

	total := len(filtered)
	start := (page - 1) * limit
	if start >= total {
		return []*model.GenerationTask{}, total, nil
	}
	end := start + limit
	if end > total {
		end = total
	}
	return filtered[start:end], total, nil
}

// MarkProcessing transitions a pending task into processing.
func (s *TaskService) MarkProcessing(ctx context.Context, id string) (*model.GenerationTask, error) {
	unlock := s.lockTask(id)
	defer unlock()

	task, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !task.Status.CanTransitionTo(model.TaskStatusProcessing) {
		return nil, fmt.Errorf("%w: %s → %s", ErrIllegalTransition, task.Status, model.TaskStatusProcessing)
	}

	now := time.Now()
	task.Status = model.TaskStatusProcessing
	task.StartedAt = &now
	task.UpdatedAt = now

	if err := s.repo.Save(ctx, task); err != nil {
		return nil, err
	}
	s.notifier.TaskUpdated(task.Clone())
	return task, nil
}

// SetProviderTaskID records the provider-assigned job id on a task. Not a
// state transition, so nothing is broadcast.
func (s *TaskService) SetProviderTaskID(ctx context.Context, id, providerTaskID string) error {
	unlock := s.lockTask(id)
	defer unlock()

	task, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	task.ProviderTaskID = providerTaskID
	task.UpdatedAt = time.Now()
	return s.repo.Save(ctx, task)
}

// UpdateProgress records a poll-tick progress value for a processing task.
// Progress is monotonic within an attempt: a lower value from the provider
// never moves it backwards. Each accepted tick is broadcast.
func (s *TaskService) UpdateProgress(ctx context.Context, id string, progress int) (*model.GenerationTask, error) {
	unlock := s.lockTask(id)
	defer unlock()

	task, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != model.TaskStatusProcessing {
		return nil, fmt.Errorf("%w: progress update on %s task", ErrIllegalTransition, task.Status)
	}

	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	if progress > task.Progress {
		task.Progress = progress
	}
	task.UpdatedAt = time.Now()

	if err := s.repo.Save(ctx, task); err != nil {
		return nil, err
	}
	s.notifier.TaskUpdated(task.Clone())
	return task, nil
}

// CompleteTask transitions a processing task into completed with its result.
func (s *TaskService) CompleteTask(ctx context.Context, id, generatedImageRef string) (*model.GenerationTask, error) {
	unlock := s.lockTask(id)
	defer unlock()

	task, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !task.Status.CanTransitionTo(model.TaskStatusCompleted) {
		return nil, fmt.Errorf("%w: %s → %s", ErrIllegalTransition, task.Status, model.TaskStatusCompleted)
	}

	now := time.Now()
	task.Status = model.TaskStatusCompleted
	task.Progress = 100
	task.GeneratedImageRef = generatedImageRef
	task.UpdatedAt = now
	if task.CompletedAt == nil {
		task.CompletedAt = &now
	}

	if err := s.repo.Save(ctx, task); err != nil {
		return nil, err
	}
	s.notifier.TaskCompleted(task.Clone())
	return task, nil
}

// FailTask lands a pending or processing task in failed with a display
// message. completedAt stays unset on failure.
func (s *TaskService) FailTask(ctx context.Context, id, message string) (*model.GenerationTask, error) {
	unlock := s.lockTask(id)
	defer unlock()

	task, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !task.Status.CanTransitionTo(model.TaskStatusFailed) {
		return nil, fmt.Errorf("%w: %s → %s", ErrIllegalTransition, task.Status, model.TaskStatusFailed)
	}

	task.Status = model.TaskStatusFailed
	task.ErrorMessage = &message
	task.UpdatedAt = time.Now()

	if err := s.repo.Save(ctx, task); err != nil {
		return nil, err
	}
	s.notifier.TaskFailed(task.Clone())
	return task, nil
}

// RetryTask resets a failed task to pending, clears its error and progress,
// and schedules a fresh execution.
func (s *TaskService) RetryTask(ctx context.Context, id string) (*model.GenerationTask, error) {
	unlock := s.lockTask(id)
	defer unlock()

	task, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != model.TaskStatusFailed {
		return nil, ErrNotRetryable
	}

	task.Status = model.TaskStatusPending
	task.Progress = 0
	task.ErrorMessage = nil
	task.ProviderTaskID = ""
	task.StartedAt = nil
	task.UpdatedAt = time.Now()

	if err := s.repo.Save(ctx, task); err != nil {
		return nil, err
	}
	if err := s.enqueueExecution(task.ID); err != nil {
		return nil, err
	}

	s.notifier.TaskUpdated(task.Clone())
	return task, nil
}

// DeleteTask removes a task from the active set regardless of status.
// Deleting an absent task is not an error; an in-flight provider call is not
// cancelled, its late result simply has nowhere to land.
func (s *TaskService) DeleteTask(ctx context.Context, id string) error {
	unlock := s.lockTask(id)
	defer unlock()

	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}

	// A goroutine already blocked on this entry keeps the old mutex while new
	// callers get a fresh one; both paths then fail on ErrTaskNotFound, so the
	// lost serialization has nothing left to protect.
	s.locksMu.Lock()
	delete(s.locks, id)
	s.locksMu.Unlock()
	return nil
}
