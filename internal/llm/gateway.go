package llm

import (
	"context"
	"errors"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"

	DefaultTemperature = 0.8
	DefaultMaxTokens   = 2000
)

// ErrServiceCall matches every *ServiceError via errors.Is.
var ErrServiceCall = errors.New("AI service call failed")

// Message is one role-tagged entry of a chat completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatOptions configures one model invocation. Zero values select the
// gateway defaults.
type ChatOptions struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
	// APIKey overrides the gateway's process-wide credential for this call.
	APIKey string `masq:"secret"`
	// EnableThinking defaults to on when nil.
	EnableThinking *bool
}

func (o ChatOptions) temperature() float64 {
	if o.Temperature == 0 {
		return DefaultTemperature
	}
	return o.Temperature
}

func (o ChatOptions) maxTokens() int {
	if o.MaxTokens <= 0 {
		return DefaultMaxTokens
	}
	return o.MaxTokens
}

func (o ChatOptions) thinking() bool {
	return o.EnableThinking == nil || *o.EnableThinking
}

// Bool returns a pointer to v, for ChatOptions.EnableThinking.
func Bool(v bool) *bool { return &v }

// Stream yields text increments in provider order. After Next returns
// false, Err reports why; a failed stream cannot be resumed.
type Stream interface {
	Next() bool
	Text() string
	Err() error
	Close() error
}

// Gateway is a hosted chat-completion and embedding service.
type Gateway interface {
	Chat(ctx context.Context, opts ChatOptions) (string, error)
	ChatStream(ctx context.Context, opts ChatOptions) (Stream, error)
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// ServiceError normalizes any provider or transport failure.
type ServiceError struct {
	// Message is the provider's own message, if it sent one.
	Message string
	Err     error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return ErrServiceCall.Error()
}

func (e *ServiceError) Unwrap() error { return e.Err }

func (e *ServiceError) Is(target error) bool { return target == ErrServiceCall }

func serviceError(err error, providerMessage string) error {
	return &ServiceError{Message: providerMessage, Err: err}
}
