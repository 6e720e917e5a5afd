// Package llm provides the reasoning backends the gateway fails over between.
package llm

import (
	"context"
	"errors"
)

// ErrNoHealthyProvider is returned when no enabled provider can take a request.
var ErrNoHealthyProvider = errors.New("no healthy provider")

// Role of a conversation message.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one provider-agnostic conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single completion request.
type Request struct {
	System    string
	Messages  []Message
	MaxTokens int
}

// Response is the text a provider returned.
type Response struct {
	Text         string
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Provider is the interface all backends implement.
// Implementations: AnthropicProvider, OpenAIProvider (also used for ollama).
type Provider interface {
	Name() string  // instance name from llm.providers
	Type() string  // anthropic, openai, ollama
	Model() string // model used for completions

	// Probe issues a minimal liveness request that does not consume output
	// tokens where the backend allows it.
	Probe(ctx context.Context) error

	Complete(ctx context.Context, req Request) (*Response, error)
}
