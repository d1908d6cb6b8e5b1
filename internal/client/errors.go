package client

import "fmt"

// ErrorKind classifies a failed provider interaction.
type ErrorKind string

const (
	ErrKindRateLimited ErrorKind = "rate_limited"
	ErrKindTimeout     ErrorKind = "timeout"
	ErrKindNetwork     ErrorKind = "network"
	ErrKindUpstream    ErrorKind = "upstream"
	ErrKindPollTimeout ErrorKind = "poll_timeout"
	ErrKindUnknown     ErrorKind = "unknown"
)

// ValidationError is returned for bad input before any network call is made.
// It is never retried and never creates a task.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// ProviderError is a classified failure from the generation provider. The raw
// classification and upstream code stay available for logging; DisplayMessage
// produces the string that ends up on a failed task.
type ProviderError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("provider error (%s): %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("provider error (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("provider error (%s)", e.Kind)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// DisplayMessage turns an error into the human-readable text stored on a
// failed task. The classification itself is kept out of the user-facing copy.
func DisplayMessage(err error) string {
	if err == nil {
		return ""
	}
	pe, ok := err.(*ProviderError)
	if !ok {
		return err.Error()
	}
	switch pe.Kind {
	case ErrKindRateLimited:
		return "The image provider is busy right now. Please try again in a moment."
	case ErrKindTimeout:
		return "The image provider took too long to respond."
	case ErrKindNetwork:
		return "Could not reach the image provider."
	case ErrKindUpstream:
		if pe.Message != "" {
			return fmt.Sprintf("Image generation failed: %s", pe.Message)
		}
		return "The image provider rejected the request."
	case ErrKindPollTimeout:
		return "Image generation did not finish in time."
	}
	return "Image generation failed for an unknown reason."
}
