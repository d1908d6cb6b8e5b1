package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/styleshot/api/internal/client"
	"github.com/styleshot/api/internal/model"
	"github.com/styleshot/api/internal/repository"
	"github.com/styleshot/api/internal/service"
)

// GenerationWorker executes one generation task end to end: resolve the
// reference image, call the provider, and either take the direct result or
// poll the provider job until it settles.
type GenerationWorker struct {
	tasks     *service.TaskService
	generator client.ImageGenerator
	storage   client.StorageClient

	pollInterval time.Duration
	pollTimeout  time.Duration
}

func NewGenerationWorker(tasks *service.TaskService, generator client.ImageGenerator, storage client.StorageClient, pollInterval, pollTimeout time.Duration) *GenerationWorker {
	return &GenerationWorker{
		tasks:        tasks,
		generator:    generator,
		storage:      storage,
		pollInterval: pollInterval,
		pollTimeout:  pollTimeout,
	}
}

// ProcessTask handles one asynq generation task.
func (w *GenerationWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload service.GenerateTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %w", err)
	}
	taskID := payload.TaskID

	task, err := w.tasks.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, repository.ErrTaskNotFound) {
			// Deleted before execution started; nothing to do.
			log.Printf("Generation task %s no longer exists, skipping", taskID)
			return nil
		}
		return err
	}

	log.Printf("Starting generation task %s (template=%s)", taskID, task.TemplateID)

	if _, err := w.tasks.MarkProcessing(ctx, taskID); err != nil {
		return err
	}

	imageBytes, err := w.storage.Download(ctx, task.ReferenceImageRef)
	if err != nil {
		w.failTask(ctx, taskID, "Reference image is no longer available")
		return err
	}

	result, err := w.generator.Generate(ctx, imageBytes, task.Prompt)
	if err != nil {
		w.failTask(ctx, taskID, client.DisplayMessage(err))
		return err
	}

	// Synchronous providers answer with the artifact directly.
	if result.ResultURL != "" {
		if _, err := w.tasks.CompleteTask(ctx, taskID, result.ResultURL); err != nil {
			return err
		}
		log.Printf("Generation task %s completed", taskID)
		return nil
	}

	if err := w.tasks.SetProviderTaskID(ctx, taskID, result.ProviderTaskID); err != nil {
		return err
	}

	return w.pollUntilSettled(ctx, taskID, result.ProviderTaskID)
}

// pollUntilSettled queries the provider job on a fixed interval until it
// reaches a terminal state or the wait window elapses. Each tick maps the
// provider's 0..1 progress onto 0–100 and emits an update. A window timeout
// fails the task without further retries.
func (w *GenerationWorker) pollUntilSettled(ctx context.Context, taskID, providerTaskID string) error {
	deadline := time.Now().Add(w.pollTimeout)
	attempt := 0

	for time.Now().Before(deadline) {
		attempt++
		status, err := w.generator.GetStatus(ctx, providerTaskID)
		if err != nil {
			log.Printf("Poll #%d for task %s failed: %v", attempt, taskID, err)
			w.failTask(ctx, taskID, client.DisplayMessage(err))
			return err
		}

		switch model.ProviderStatus(status.Status) {
		case model.ProviderStatusCompleted:
			if _, err := w.tasks.CompleteTask(ctx, taskID, status.ResultURL); err != nil {
				return err
			}
			log.Printf("Generation task %s completed after %d polls", taskID, attempt)
			return nil

		case model.ProviderStatusFailed:
			message := status.Message
			if message == "" {
				message = "The image provider reported a failure"
			}
			w.failTask(ctx, taskID, message)
			return fmt.Errorf("provider job %s failed: %s", providerTaskID, message)

		default:
			progress := int(status.Progress * 100)
			if _, err := w.tasks.UpdateProgress(ctx, taskID, progress); err != nil {
				log.Printf("Failed to update progress for task %s: %v", taskID, err)
			}
		}

		select {
		case <-ctx.Done():
			// Worker shutdown, not a task failure; leave the task as is.
			return ctx.Err()
		case <-time.After(w.pollInterval):
		}
	}

	timeoutErr := &client.ProviderError{
		Kind:    client.ErrKindPollTimeout,
		Message: fmt.Sprintf("no terminal state within %v", w.pollTimeout),
	}
	w.failTask(ctx, taskID, client.DisplayMessage(timeoutErr))
	return timeoutErr
}

func (w *GenerationWorker) failTask(ctx context.Context, taskID, message string) {
	if _, err := w.tasks.FailTask(ctx, taskID, message); err != nil {
		log.Printf("Failed to mark task %s as failed: %v", taskID, err)
	}
}
