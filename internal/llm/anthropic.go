package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/roelfdiedericks/lifeline/internal/config"
	. "github.com/roelfdiedericks/lifeline/internal/logging"
)

// AnthropicProvider talks to the Anthropic Messages API. Anthropic-compatible
// endpoints work via base_url.
type AnthropicProvider struct {
	name   string
	model  string
	client anthropic.Client
}

// NewAnthropicProvider creates a provider from its config entry.
func NewAnthropicProvider(name string, cfg config.ProviderConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: provider %s: api_key not configured", name)
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0), // failover handles retries
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "(default)"
	}
	L_debug("llm: anthropic provider created", "name", name, "model", cfg.Model, "baseURL", baseURL)

	return &AnthropicProvider{
		name:   name,
		model:  cfg.Model,
		client: anthropic.NewClient(opts...),
	}, nil
}

func (p *AnthropicProvider) Name() string  { return p.name }
func (p *AnthropicProvider) Type() string  { return config.ProviderAnthropic }
func (p *AnthropicProvider) Model() string { return p.model }

// Probe lists models, which authenticates without generating tokens.
func (p *AnthropicProvider) Probe(ctx context.Context) error {
	_, err := p.client.Models.List(ctx, anthropic.ModelListParams{Limit: anthropic.Int(1)})
	return err
}

// Complete sends a non-streaming message request.
func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(maxTokens),
		Messages:  convertMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	L_trace("llm: anthropic response", "name", p.name, "stop", msg.StopReason,
		"in", msg.Usage.InputTokens, "out", msg.Usage.OutputTokens)

	return &Response{
		Text:         sb.String(),
		Provider:     p.name,
		Model:        string(msg.Model),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}, nil
}

// convertMessages maps turns to Anthropic params. Consecutive turns of the
// same role are merged since the API requires alternation.
func convertMessages(msgs []Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	var lastRole string
	var pending []string

	flush := func() {
		if len(pending) == 0 {
			return
		}
		block := anthropic.NewTextBlock(strings.Join(pending, "\n\n"))
		if lastRole == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
		pending = nil
	}

	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		if m.Role != lastRole {
			flush()
			lastRole = m.Role
		}
		pending = append(pending, m.Content)
	}
	flush()
	return out
}
