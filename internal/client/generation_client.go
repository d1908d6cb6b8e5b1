package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/styleshot/api/internal/config"
)

// Retry policy for a single Generate call. All non-success outcomes before
// the final attempt trigger a retry; the last attempt's error is surfaced
// verbatim. Rate-limit responses back off from a larger base.
const (
	maxAttempts      = 3
	baseBackoff      = 1000 * time.Millisecond
	rateLimitBackoff = 5000 * time.Millisecond
	maxBackoff       = 30000 * time.Millisecond
)

// ImageGenerator defines the boundary to the external generation provider.
type ImageGenerator interface {
	Generate(ctx context.Context, referenceImage []byte, prompt string) (*GenerateResult, error)
	GetStatus(ctx context.Context, providerTaskID string) (*StatusResult, error)
}

// GenerateResult carries either a direct result or a provider task id to poll.
type GenerateResult struct {
	ResultURL      string
	ProviderTaskID string
}

// StatusResult is one poll answer for an asynchronous provider job.
type StatusResult struct {
	Status    string
	Progress  float64 // 0..1 as reported by the provider
	ResultURL string
	Message   string
}

// GenerationClient implements ImageGenerator against the provider's HTTP API.
type GenerationClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	sleep      func(time.Duration)
}

type generateRequest struct {
	Prompt      string `json:"prompt"`
	ImageBase64 string `json:"image_base64"`
}

type generateResponse struct {
	TaskID    string `json:"task_id"`
	Status    string `json:"status"`
	ResultURL string `json:"result_url,omitempty"`
}

type statusResponse struct {
	TaskID    string  `json:"task_id"`
	Status    string  `json:"status"`
	Progress  float64 `json:"progress"`
	ResultURL string  `json:"result_url,omitempty"`
	Message   string  `json:"message,omitempty"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Message string `json:"message"`
}

// NewGenerationClient creates a new provider client.
func NewGenerationClient(cfg *config.ProviderConfig) *GenerationClient {
	return &GenerationClient{
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		sleep:   time.Sleep,
	}
}

// Generate submits one generation request, retrying transient failures with
// exponential backoff. It performs at most maxAttempts provider calls.
func (c *GenerationClient) Generate(ctx context.Context, referenceImage []byte, prompt string) (*GenerateResult, error) {
	if len(referenceImage) == 0 {
		return nil, &ValidationError{Message: "reference image is empty"}
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, &ValidationError{Message: "prompt is empty"}
	}

	req := &generateRequest{
		Prompt:      prompt,
		ImageBase64: base64.StdEncoding.EncodeToString(referenceImage),
	}

	var lastErr *ProviderError
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var resp generateResponse
		perr := c.post(ctx, "/v1/images/generate", req, &resp)
		if perr == nil {
			return &GenerateResult{
				ResultURL:      resp.ResultURL,
				ProviderTaskID: resp.TaskID,
			}, nil
		}

		lastErr = perr
		if attempt == maxAttempts {
			break
		}

		delay := backoffDelay(attempt, perr.Kind)
		log.Printf("[Provider] Generate attempt %d/%d failed (%s), retrying in %v: %v",
			attempt, maxAttempts, perr.Kind, delay, perr)
		c.sleep(delay)
	}

	return nil, lastErr
}

// GetStatus retrieves the state of an asynchronous provider job.
func (c *GenerationClient) GetStatus(ctx context.Context, providerTaskID string) (*StatusResult, error) {
	endpoint := fmt.Sprintf("/v1/images/status/%s", providerTaskID)
	var resp statusResponse
	if perr := c.get(ctx, endpoint, &resp); perr != nil {
		return nil, perr
	}
	return &StatusResult{
		Status:    resp.Status,
		Progress:  resp.Progress,
		ResultURL: resp.ResultURL,
		Message:   resp.Message,
	}, nil
}

// IsConfigured returns true if the client has valid configuration.
func (c *GenerationClient) IsConfigured() bool {
	return c.apiKey != ""
}

// backoffDelay returns the sleep before the next attempt: exponential from a
// 1s base (5s for rate limits), doubling per attempt, capped at 30s.
func backoffDelay(attempt int, kind ErrorKind) time.Duration {
	base := baseBackoff
	if kind == ErrKindRateLimited {
		base = rateLimitBackoff
	}
	delay := base << (attempt - 1)
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return delay
}

// post sends a POST request with JSON body.
func (c *GenerationClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) *ProviderError {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return &ProviderError{Kind: ErrKindUnknown, Err: fmt.Errorf("failed to marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return &ProviderError{Kind: ErrKindUnknown, Err: fmt.Errorf("failed to create request: %w", err)}
	}

	return c.doRequest(req, result)
}

// get sends a GET request and parses the JSON response.
func (c *GenerationClient) get(ctx context.Context, endpoint string, result interface{}) *ProviderError {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return &ProviderError{Kind: ErrKindUnknown, Err: fmt.Errorf("failed to create request: %w", err)}
	}

	return c.doRequest(req, result)
}

// doRequest executes an HTTP request and classifies failures.
func (c *GenerationClient) doRequest(req *http.Request, result interface{}) *ProviderError {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		perr := classifyTransportError(err)
		log.Printf("[Provider] ✗ %s %s — request failed (%s): %v", req.Method, req.URL.Path, perr.Kind, err)
		return perr
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ProviderError{Kind: ErrKindNetwork, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		perr := classifyStatus(resp.StatusCode, respBody)
		log.Printf("[Provider] ← %d %s %s (%s)", resp.StatusCode, req.Method, req.URL.Path, perr.Kind)
		return perr
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return &ProviderError{Kind: ErrKindUnknown, Err: fmt.Errorf("failed to unmarshal response: %w", err)}
	}

	return nil
}

// classifyTransportError maps a client-side failure to a kind: deadline and
// timeout errors become Timeout, everything else NetworkError.
func classifyTransportError(err error) *ProviderError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &ProviderError{Kind: ErrKindTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ProviderError{Kind: ErrKindTimeout, Err: err}
	}
	return &ProviderError{Kind: ErrKindNetwork, Err: err}
}

// classifyStatus maps an HTTP error status to a kind, pulling the structured
// message out of the body when the provider sent one.
func classifyStatus(statusCode int, body []byte) *ProviderError {
	message := extractErrorMessage(body)

	switch {
	case statusCode == http.StatusTooManyRequests:
		return &ProviderError{Kind: ErrKindRateLimited, StatusCode: statusCode, Message: message}
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		return &ProviderError{Kind: ErrKindTimeout, StatusCode: statusCode, Message: message}
	case statusCode >= 400:
		return &ProviderError{Kind: ErrKindUpstream, StatusCode: statusCode, Message: message}
	}
	return &ProviderError{Kind: ErrKindUnknown, StatusCode: statusCode, Message: message}
}

func extractErrorMessage(body []byte) string {
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil {
		if er.Error.Message != "" {
			return er.Error.Message
		}
		if er.Message != "" {
			return er.Message
		}
	}
	return strings.TrimSpace(string(body))
}
