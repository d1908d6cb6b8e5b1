package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/styleshot/api/internal/client"
	"github.com/styleshot/api/internal/model"
	"github.com/styleshot/api/internal/repository"
	"github.com/styleshot/api/internal/service"
)

type fakeGenerator struct {
	mu            sync.Mutex
	generateCalls int
	generate      func(call int) (*client.GenerateResult, error)
	statusCalls   int
	statuses      []client.StatusResult
	statusErr     error
}

func (g *fakeGenerator) Generate(_ context.Context, _ []byte, _ string) (*client.GenerateResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.generateCalls++
	return g.generate(g.generateCalls)
}

func (g *fakeGenerator) GetStatus(_ context.Context, _ string) (*client.StatusResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.statusErr != nil {
		return nil, g.statusErr
	}
	idx := g.statusCalls
	if idx >= len(g.statuses) {
		idx = len(g.statuses) - 1
	}
	g.statusCalls++
	st := g.statuses[idx]
	return &st, nil
}

type fakeStorage struct {
	objects map[string][]byte
}

func (s *fakeStorage) Upload(_ context.Context, key string, body io.Reader, _ string) (string, error) {
	data, _ := io.ReadAll(body)
	s.objects[key] = data
	return "https://cdn.test/" + key, nil
}

func (s *fakeStorage) Download(_ context.Context, key string) ([]byte, error) {
	data, ok := s.objects[key]
	if !ok {
		return nil, errors.New("object not found")
	}
	return data, nil
}

func (s *fakeStorage) Delete(_ context.Context, key string) error {
	delete(s.objects, key)
	return nil
}

func (s *fakeStorage) GetSignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://cdn.test/" + key, nil
}

func (s *fakeStorage) GetPublicURL(key string) string {
	return "https://cdn.test/" + key
}

type nopEnqueuer struct{}

func (nopEnqueuer) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	return &asynq.TaskInfo{}, nil
}

type eventLog struct {
	mu     sync.Mutex
	events []*model.GenerationTask
	kinds  []string
}

func (l *eventLog) add(kind string, task *model.GenerationTask) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, task)
	l.kinds = append(l.kinds, kind)
}

func (l *eventLog) TaskUpdated(task *model.GenerationTask)   { l.add("update", task) }
func (l *eventLog) TaskCompleted(task *model.GenerationTask) { l.add("complete", task) }
func (l *eventLog) TaskFailed(task *model.GenerationTask)    { l.add("failed", task) }

func (l *eventLog) countKind(kind string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, k := range l.kinds {
		if k == kind {
			n++
		}
	}
	return n
}

func setupWorker(t *testing.T, gen *fakeGenerator) (*GenerationWorker, *service.TaskService, *fakeStorage, *eventLog) {
	t.Helper()
	log := &eventLog{}
	svc := service.NewTaskService(repository.NewMemoryTaskRepository(), nopEnqueuer{}, log)
	storage := &fakeStorage{objects: map[string][]byte{
		"references/ref.jpg": []byte("image-bytes"),
	}}
	w := NewGenerationWorker(svc, gen, storage, time.Millisecond, 50*time.Millisecond)
	return w, svc, storage, log
}

func asynqTask(t *testing.T, taskID string) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(service.GenerateTaskPayload{TaskID: taskID})
	require.NoError(t, err)
	return asynq.NewTask(service.TaskTypeGenerate, payload)
}

func TestProcessTask_DirectResult(t *testing.T) {
	gen := &fakeGenerator{
		generate: func(int) (*client.GenerateResult, error) {
			return &client.GenerateResult{ResultURL: "https://cdn.test/out.png"}, nil
		},
	}
	w, svc, _, log := setupWorker(t, gen)

	ctx := context.Background()
	task, err := svc.CreateTask(ctx, "t1", "references/ref.jpg", "sunset portrait")
	require.NoError(t, err)

	require.NoError(t, w.ProcessTask(ctx, asynqTask(t, task.ID)))

	final, err := svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, final.Status)
	assert.Equal(t, 100, final.Progress)
	assert.Equal(t, "https://cdn.test/out.png", final.GeneratedImageRef)
	assert.Equal(t, 1, log.countKind("complete"), "exactly one completion broadcast")
}

func TestProcessTask_PollLoopCompletes(t *testing.T) {
	gen := &fakeGenerator{
		generate: func(int) (*client.GenerateResult, error) {
			return &client.GenerateResult{ProviderTaskID: "prov-1"}, nil
		},
		statuses: []client.StatusResult{
			{Status: "processing", Progress: 0.25},
			{Status: "processing", Progress: 0.70},
			{Status: "completed", Progress: 1.0, ResultURL: "https://cdn.test/out.png"},
		},
	}
	w, svc, _, log := setupWorker(t, gen)

	ctx := context.Background()
	task, err := svc.CreateTask(ctx, "t1", "references/ref.jpg", "sunset portrait")
	require.NoError(t, err)

	require.NoError(t, w.ProcessTask(ctx, asynqTask(t, task.ID)))

	final, err := svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, final.Status)
	assert.Equal(t, 100, final.Progress)
	assert.Equal(t, 1, log.countKind("complete"))

	// Progress values observed during processing must be non-decreasing.
	log.mu.Lock()
	defer log.mu.Unlock()
	prev := -1
	for i, e := range log.events {
		if log.kinds[i] == "update" && e.Status == model.TaskStatusProcessing {
			if e.Progress < prev {
				t.Errorf("progress went backwards: %d after %d", e.Progress, prev)
			}
			prev = e.Progress
		}
	}
}

func TestProcessTask_ProviderFailure(t *testing.T) {
	gen := &fakeGenerator{
		generate: func(int) (*client.GenerateResult, error) {
			return nil, &client.ProviderError{Kind: client.ErrKindUpstream, Message: "bad image"}
		},
	}
	w, svc, _, log := setupWorker(t, gen)

	ctx := context.Background()
	task, err := svc.CreateTask(ctx, "t1", "references/ref.jpg", "sunset portrait")
	require.NoError(t, err)

	err = w.ProcessTask(ctx, asynqTask(t, task.ID))
	require.Error(t, err)

	final, err := svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, final.Status)
	require.NotNil(t, final.ErrorMessage)
	assert.Contains(t, *final.ErrorMessage, "bad image")
	assert.Nil(t, final.CompletedAt)
	assert.Equal(t, 1, log.countKind("failed"))
}

func TestProcessTask_PollTimeout(t *testing.T) {
	gen := &fakeGenerator{
		generate: func(int) (*client.GenerateResult, error) {
			return &client.GenerateResult{ProviderTaskID: "prov-1"}, nil
		},
		statuses: []client.StatusResult{
			{Status: "processing", Progress: 0.10},
		},
	}
	w, svc, _, _ := setupWorker(t, gen)

	ctx := context.Background()
	task, err := svc.CreateTask(ctx, "t1", "references/ref.jpg", "sunset portrait")
	require.NoError(t, err)

	err = w.ProcessTask(ctx, asynqTask(t, task.ID))
	require.Error(t, err)

	var perr *client.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, client.ErrKindPollTimeout, perr.Kind)

	final, err := svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, final.Status)
}

func TestProcessTask_ProviderJobFails(t *testing.T) {
	gen := &fakeGenerator{
		generate: func(int) (*client.GenerateResult, error) {
			return &client.GenerateResult{ProviderTaskID: "prov-1"}, nil
		},
		statuses: []client.StatusResult{
			{Status: "processing", Progress: 0.30},
			{Status: "failed", Message: "content policy violation"},
		},
	}
	w, svc, _, _ := setupWorker(t, gen)

	ctx := context.Background()
	task, err := svc.CreateTask(ctx, "t1", "references/ref.jpg", "sunset portrait")
	require.NoError(t, err)

	err = w.ProcessTask(ctx, asynqTask(t, task.ID))
	require.Error(t, err)

	final, err := svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, final.Status)
	require.NotNil(t, final.ErrorMessage)
	assert.Equal(t, "content policy violation", *final.ErrorMessage)
}

func TestProcessTask_DeletedTaskSkipped(t *testing.T) {
	gen := &fakeGenerator{
		generate: func(int) (*client.GenerateResult, error) {
			t.Fatal("generator must not be called for a deleted task")
			return nil, nil
		},
	}
	w, _, _, _ := setupWorker(t, gen)

	err := w.ProcessTask(context.Background(), asynqTask(t, "gone"))
	assert.NoError(t, err, "a deleted task is not an execution error")
}

func TestProcessTask_MissingReferenceImage(t *testing.T) {
	gen := &fakeGenerator{
		generate: func(int) (*client.GenerateResult, error) {
			return &client.GenerateResult{ResultURL: "x"}, nil
		},
	}
	w, svc, storage, _ := setupWorker(t, gen)
	delete(storage.objects, "references/ref.jpg")

	ctx := context.Background()
	task, err := svc.CreateTask(ctx, "t1", "references/ref.jpg", "sunset portrait")
	require.NoError(t, err)

	err = w.ProcessTask(ctx, asynqTask(t, task.ID))
	require.Error(t, err)

	final, err := svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, final.Status)
	assert.Equal(t, 0, gen.generateCalls)
}
