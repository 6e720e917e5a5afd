package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/roelfdiedericks/lifeline/internal/config"
	. "github.com/roelfdiedericks/lifeline/internal/logging"
)

// OpenAIProvider talks to OpenAI-compatible chat completion APIs: OpenAI
// itself, Ollama's /v1 endpoint, LM Studio, OpenRouter and friends.
type OpenAIProvider struct {
	name    string
	kind    string
	model   string
	baseURL string
	client  *openai.Client
}

// NewOpenAIProvider creates a provider from its config entry. The API key is
// optional for local servers.
func NewOpenAIProvider(name string, cfg config.ProviderConfig) (*OpenAIProvider, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		if cfg.Type == config.ProviderOpenAI && cfg.BaseURL == "" {
			return nil, fmt.Errorf("openai: provider %s: api_key not configured", name)
		}
		apiKey = "not-needed"
	}

	oc := openai.DefaultConfig(apiKey)
	baseURL := cfg.BaseURL
	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/v1") && !strings.HasSuffix(baseURL, "/v1/") {
			baseURL = strings.TrimSuffix(baseURL, "/") + "/v1"
		}
		oc.BaseURL = baseURL
	}

	kind := cfg.Type
	if kind == "" {
		kind = config.ProviderOpenAI
	}

	L_debug("llm: openai provider created", "name", name, "type", kind, "model", cfg.Model, "baseURL", oc.BaseURL)

	return &OpenAIProvider{
		name:    name,
		kind:    kind,
		model:   cfg.Model,
		baseURL: oc.BaseURL,
		client:  openai.NewClientWithConfig(oc),
	}, nil
}

func (p *OpenAIProvider) Name() string  { return p.name }
func (p *OpenAIProvider) Type() string  { return p.kind }
func (p *OpenAIProvider) Model() string { return p.model }

// Probe lists models. For local servers it also verifies the configured
// model is actually served.
func (p *OpenAIProvider) Probe(ctx context.Context) error {
	list, err := p.client.ListModels(ctx)
	if err != nil {
		return describeOpenAIError(err)
	}
	if p.kind != config.ProviderOllama || p.model == "" {
		return nil
	}
	for _, m := range list.Models {
		if m.ID == p.model || strings.TrimSuffix(m.ID, ":latest") == p.model {
			return nil
		}
	}
	return fmt.Errorf("model %q not available on %s", p.model, p.baseURL)
}

// Complete sends a non-streaming chat completion.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		role := openai.ChatMessageRoleUser
		if m.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	creq := openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: msgs,
	}
	if req.MaxTokens > 0 {
		creq.MaxTokens = req.MaxTokens
	}

	resp, err := p.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return nil, describeOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s: empty response", p.name)
	}

	L_trace("llm: openai response", "name", p.name, "finish", resp.Choices[0].FinishReason,
		"in", resp.Usage.PromptTokens, "out", resp.Usage.CompletionTokens)

	return &Response{
		Text:         resp.Choices[0].Message.Content,
		Provider:     p.name,
		Model:        resp.Model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

// describeOpenAIError keeps the HTTP status in the message so ClassifyError
// can see it.
func describeOpenAIError(err error) error {
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		return fmt.Errorf("status %d: %s: %w", apiErr.HTTPStatusCode, apiErr.Message, err)
	case errors.As(err, &reqErr):
		return fmt.Errorf("status %d: %w", reqErr.HTTPStatusCode, err)
	default:
		return err
	}
}
