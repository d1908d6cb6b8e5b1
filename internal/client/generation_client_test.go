package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(baseURL string) (*GenerationClient, *[]time.Duration) {
	sleeps := &[]time.Duration{}
	c := &GenerationClient{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		baseURL:    baseURL,
		apiKey:     "test-key",
		sleep: func(d time.Duration) {
			*sleeps = append(*sleeps, d)
		},
	}
	return c, sleeps
}

func TestGenerate_EmptyImage(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	c, _ := newTestClient(srv.URL)
	_, err := c.Generate(context.Background(), nil, "sunset portrait")

	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if calls != 0 {
		t.Errorf("expected no network call, got %d", calls)
	}
}

func TestGenerate_BlankPrompt(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	c, _ := newTestClient(srv.URL)
	_, err := c.Generate(context.Background(), []byte("img"), "   ")

	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if calls != 0 {
		t.Errorf("expected no network call, got %d", calls)
	}
}

func TestGenerate_SucceedsOnThirdAttempt(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"error": map[string]string{"code": "INTERNAL", "message": "transient"},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"task_id": "prov-123",
			"status":  "queued",
		})
	}))
	defer srv.Close()

	c, sleeps := newTestClient(srv.URL)
	result, err := c.Generate(context.Background(), []byte("img"), "sunset portrait")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	if calls != 3 {
		t.Errorf("expected exactly 3 provider calls, got %d", calls)
	}
	if result.ProviderTaskID != "prov-123" {
		t.Errorf("expected provider task id prov-123, got %q", result.ProviderTaskID)
	}
	if len(*sleeps) != 2 {
		t.Fatalf("expected 2 backoff sleeps, got %d", len(*sleeps))
	}
	if (*sleeps)[0] != 1*time.Second || (*sleeps)[1] != 2*time.Second {
		t.Errorf("expected backoff 1s then 2s, got %v", *sleeps)
	}
}

func TestGenerate_BoundedAttempts(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, sleeps := newTestClient(srv.URL)
	_, err := c.Generate(context.Background(), []byte("img"), "sunset portrait")
	if err == nil {
		t.Fatal("expected error after exhausted attempts")
	}

	if calls != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", calls)
	}

	// Delays must be non-decreasing and never above the cap.
	var prev time.Duration
	for _, d := range *sleeps {
		if d < prev {
			t.Errorf("backoff decreased: %v after %v", d, prev)
		}
		if d > 30*time.Second {
			t.Errorf("backoff %v exceeds 30s cap", d)
		}
		prev = d
	}

	perr, ok := err.(*ProviderError)
	if !ok {
		t.Fatalf("expected ProviderError, got %T", err)
	}
	if perr.Kind != ErrKindUpstream {
		t.Errorf("expected upstream kind, got %s", perr.Kind)
	}
	if perr.StatusCode != http.StatusBadGateway {
		t.Errorf("expected final attempt's status surfaced, got %d", perr.StatusCode)
	}
}

func TestGenerate_RateLimitBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, sleeps := newTestClient(srv.URL)
	_, err := c.Generate(context.Background(), []byte("img"), "sunset portrait")

	perr, ok := err.(*ProviderError)
	if !ok || perr.Kind != ErrKindRateLimited {
		t.Fatalf("expected rate-limited error, got %v", err)
	}
	if len(*sleeps) != 2 {
		t.Fatalf("expected 2 backoff sleeps, got %d", len(*sleeps))
	}
	// Rate limits back off from a 5s base.
	if (*sleeps)[0] != 5*time.Second || (*sleeps)[1] != 10*time.Second {
		t.Errorf("expected backoff 5s then 10s, got %v", *sleeps)
	}
}

func TestGenerate_DirectResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"task_id":    "prov-9",
			"status":     "completed",
			"result_url": "https://cdn.example.com/out.png",
		})
	}))
	defer srv.Close()

	c, _ := newTestClient(srv.URL)
	result, err := c.Generate(context.Background(), []byte("img"), "sunset portrait")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ResultURL != "https://cdn.example.com/out.png" {
		t.Errorf("expected direct result URL, got %q", result.ResultURL)
	}
}

func TestGetStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/images/status/prov-5" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"task_id":  "prov-5",
			"status":   "processing",
			"progress": 0.42,
		})
	}))
	defer srv.Close()

	c, _ := newTestClient(srv.URL)
	status, err := c.GetStatus(context.Background(), "prov-5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.Status != "processing" {
		t.Errorf("expected processing, got %s", status.Status)
	}
	if status.Progress != 0.42 {
		t.Errorf("expected progress 0.42, got %v", status.Progress)
	}
}

func TestBackoffDelay_Cap(t *testing.T) {
	if d := backoffDelay(10, ErrKindNetwork); d != maxBackoff {
		t.Errorf("expected cap %v, got %v", maxBackoff, d)
	}
	if d := backoffDelay(3, ErrKindRateLimited); d != 20*time.Second {
		t.Errorf("expected 20s, got %v", d)
	}
}

func TestClassifyStatus_ExtractsUpstreamMessage(t *testing.T) {
	body := []byte(`{"error":{"code":"BAD_IMAGE","message":"unsupported image format"}}`)
	perr := classifyStatus(http.StatusUnprocessableEntity, body)
	if perr.Kind != ErrKindUpstream {
		t.Errorf("expected upstream, got %s", perr.Kind)
	}
	if perr.Message != "unsupported image format" {
		t.Errorf("expected structured message, got %q", perr.Message)
	}
}
