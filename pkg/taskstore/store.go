// Package taskstore keeps a client-local view of generation tasks,
// reconciled from push-channel events and REST calls. The server copy is
// authoritative; this store is eventually consistent with it.
package taskstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"

	"github.com/styleshot/api/internal/model"
	"github.com/styleshot/api/pkg/response"
)

// ConnState describes the push-channel connection.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	// StateError is terminal: automatic reconnection gave up and a manual
	// Reconnect call is required.
	StateError ConnState = "error"
)

// Store is the client-side task store. All methods are safe for concurrent
// use; push events and REST confirmations are applied last-write-wins since
// every push payload is a full authoritative snapshot.
type Store struct {
	rest   *resty.Client
	wsURL  string
	dialer *websocket.Dialer

	mu        sync.RWMutex
	tasks     map[string]*model.GenerationTask
	order     []string // task ids, most recent first
	tentative map[string]bool
	estimates map[string]time.Time
	firstSeen map[string]time.Time // first observed processing time per task
	clientID  string

	state   ConnState
	lastErr error
	conn    *websocket.Conn
	closed  chan struct{}

	now           func() time.Time
	reconnectWait func(attempt int) time.Duration

	// OnTaskChange, when set, is invoked after a task snapshot is applied.
	OnTaskChange func(task *model.GenerationTask)
}

// New creates a store talking to the given API base URL, e.g.
// "http://localhost:8000".
func New(baseURL string) (*Store, error) {
	wsURL, err := deriveWSURL(baseURL)
	if err != nil {
		return nil, err
	}
	return &Store{
		rest:          resty.New().SetBaseURL(baseURL),
		wsURL:         wsURL,
		dialer:        websocket.DefaultDialer,
		tasks:         make(map[string]*model.GenerationTask),
		tentative:     make(map[string]bool),
		estimates:     make(map[string]time.Time),
		firstSeen:     make(map[string]time.Time),
		state:         StateDisconnected,
		closed:        make(chan struct{}),
		now:           time.Now,
		reconnectWait: reconnectDelay,
	}, nil
}

func deriveWSURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

// State returns the current connection state.
func (s *Store) State() ConnState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Err returns the error that put the store into StateError, if any.
func (s *Store) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// ClientID returns the id the server assigned on connection_established.
func (s *Store) ClientID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientID
}

// CreateTask uploads a reference image against a template and inserts the
// returned task optimistically, most-recent-first. The record stays tagged
// tentative until the first authoritative push event for its id arrives and
// replaces it wholesale.
func (s *Store) CreateTask(ctx context.Context, templateID, filename string, file io.Reader) (*model.GenerationTask, error) {
	var task model.GenerationTask
	resp, err := s.rest.R().
		SetContext(ctx).
		SetFormData(map[string]string{"templateId": templateID}).
		SetFileReader("referenceImage", filename, file).
		SetResult(&task).
		Post("/api/tasks")
	if err != nil {
		return nil, fmt.Errorf("create task request failed: %w", err)
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}

	s.mu.Lock()
	s.tasks[task.ID] = task.Clone()
	s.order = append([]string{task.ID}, s.order...)
	s.tentative[task.ID] = true
	s.mu.Unlock()

	return &task, nil
}

// Retry asks the server to retry a failed task and applies the confirmed
// state locally.
func (s *Store) Retry(ctx context.Context, taskID string) (*model.GenerationTask, error) {
	var task model.GenerationTask
	resp, err := s.rest.R().
		SetContext(ctx).
		SetResult(&task).
		Post(fmt.Sprintf("/api/tasks/%s/retry", taskID))
	if err != nil {
		return nil, fmt.Errorf("retry request failed: %w", err)
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}

	s.applySnapshot(&task)
	return &task, nil
}

// Delete removes a task on the server, then locally.
func (s *Store) Delete(ctx context.Context, taskID string) error {
	resp, err := s.rest.R().
		SetContext(ctx).
		Delete(fmt.Sprintf("/api/tasks/%s", taskID))
	if err != nil {
		return fmt.Errorf("delete request failed: %w", err)
	}
	if resp.IsError() {
		return apiError(resp)
	}

	s.mu.Lock()
	s.removeLocked(taskID)
	s.mu.Unlock()
	return nil
}

// Load fetches the current task list over REST and seeds the local state.
func (s *Store) Load(ctx context.Context) error {
	var list model.ListTasksResponse
	resp, err := s.rest.R().
		SetContext(ctx).
		SetQueryParam("limit", "100").
		SetResult(&list).
		Get("/api/tasks")
	if err != nil {
		return fmt.Errorf("list request failed: %w", err)
	}
	if resp.IsError() {
		return apiError(resp)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = make(map[string]*model.GenerationTask, len(list.Tasks))
	s.order = s.order[:0]
	for _, t := range list.Tasks {
		s.tasks[t.ID] = t.Clone()
		s.order = append(s.order, t.ID)
	}
	return nil
}

// Task returns the local copy of one task.
func (s *Store) Task(id string) (*model.GenerationTask, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Tasks returns all local tasks, most recent first.
func (s *Store) Tasks() []*model.GenerationTask {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.GenerationTask, 0, len(s.order))
	for _, id := range s.order {
		if t, ok := s.tasks[id]; ok {
			out = append(out, t.Clone())
		}
	}
	return out
}

// applySnapshot merges an authoritative snapshot into local state. Unknown
// task ids are ignored: stale events for deleted tasks must not resurrect
// them. A tentative record is replaced wholesale, never field-merged.
func (s *Store) applySnapshot(task *model.GenerationTask) {
	s.mu.Lock()

	prev, known := s.tasks[task.ID]
	if !known {
		s.mu.Unlock()
		return
	}

	snapshot := task.Clone()
	delete(s.tentative, task.ID)
	s.computeEstimateLocked(snapshot, prev)
	s.tasks[task.ID] = snapshot

	cb := s.OnTaskChange
	s.mu.Unlock()

	if cb != nil {
		cb(snapshot.Clone())
	}
}

// computeEstimateLocked derives estimatedCompletionTime the first time a
// processing task's progress advances: now + elapsed/progress*(100-progress).
func (s *Store) computeEstimateLocked(snapshot, prev *model.GenerationTask) {
	if snapshot.Status != model.TaskStatusProcessing {
		// A reset (retry) or terminal state invalidates any running estimate.
		delete(s.estimates, snapshot.ID)
		delete(s.firstSeen, snapshot.ID)
		return
	}

	now := s.now()
	start := now
	if snapshot.StartedAt != nil {
		start = *snapshot.StartedAt
	} else if seen, ok := s.firstSeen[snapshot.ID]; ok {
		start = seen
	} else {
		s.firstSeen[snapshot.ID] = now
	}

	if eta, ok := s.estimates[snapshot.ID]; ok {
		snapshot.EstimatedCompletionTime = &eta
		return
	}

	advanced := prev == nil || snapshot.Progress > prev.Progress
	if !advanced || snapshot.Progress <= 0 {
		return
	}

	elapsed := now.Sub(start)
	remaining := time.Duration(float64(elapsed) / float64(snapshot.Progress) * float64(100-snapshot.Progress))
	eta := now.Add(remaining)
	s.estimates[snapshot.ID] = eta
	snapshot.EstimatedCompletionTime = &eta
}

func (s *Store) removeLocked(taskID string) {
	delete(s.tasks, taskID)
	delete(s.tentative, taskID)
	delete(s.estimates, taskID)
	delete(s.firstSeen, taskID)
	for i, id := range s.order {
		if id == taskID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func apiError(resp *resty.Response) error {
	var er response.ErrorResponse
	if err := json.Unmarshal(resp.Body(), &er); err == nil && er.Error.Message != "" {
		return fmt.Errorf("api error %d (%s): %s", resp.StatusCode(), er.Error.Code, er.Error.Message)
	}
	return fmt.Errorf("api error %d", resp.StatusCode())
}
