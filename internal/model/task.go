package model

import "time"

// GenerationTask represents one user-initiated image generation request.
// The server-side TaskService is the sole writer of authoritative task state.
type GenerationTask struct {
	ID                string     `json:"id"`
	TemplateID        string     `json:"templateId"`
	ReferenceImageRef string     `json:"referenceImageRef"`
	Prompt            string     `json:"prompt"`
	Status            TaskStatus `json:"status"`
	Progress          int        `json:"progress"`
	GeneratedImageRef string     `json:"generatedImageRef,omitempty"`
	ErrorMessage      *string    `json:"errorMessage,omitempty"`
	ProviderTaskID    string     `json:"-"`

	// EstimatedCompletionTime is derived client-side; the server never sets it.
	EstimatedCompletionTime *time.Time `json:"estimatedCompletionTime,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Clone returns an independent copy, safe to hand to broadcast consumers.
func (t *GenerationTask) Clone() *GenerationTask {
	if t == nil {
		return nil
	}
	c := *t
	if t.ErrorMessage != nil {
		msg := *t.ErrorMessage
		c.ErrorMessage = &msg
	}
	if t.EstimatedCompletionTime != nil {
		eta := *t.EstimatedCompletionTime
		c.EstimatedCompletionTime = &eta
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}

// ListTasksQuery carries the query parameters of GET /api/tasks.
type ListTasksQuery struct {
	Status string `query:"status" validate:"omitempty,oneof=pending processing completed failed"`
	Page   int    `query:"page" validate:"gte=1"`
	Limit  int    `query:"limit" validate:"gte=1,lte=100"`
}

// ListTasksResponse is the payload of GET /api/tasks.
type ListTasksResponse struct {
	Tasks []*GenerationTask `json:"tasks"`
	Total int               `json:"total"`
}
