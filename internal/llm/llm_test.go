package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roelfdiedericks/lifeline/internal/config"
	"github.com/roelfdiedericks/lifeline/internal/health"
)

type fakeProvider struct {
	name     string
	probeErr error
}

func (f *fakeProvider) Name() string { return f.name }
func (f *fakeProvider) Type() string { return "fake" }
func (f *fakeProvider) Model() string { return "fake-1" }
func (f *fakeProvider) Probe(context.Context) error { return f.probeErr }
func (f *fakeProvider) Complete(context.Context, Request) (*Response, error) {
	return &Response{Text: "ok", Provider: f.name}, nil
}

func TestNewProviderAppliesTypeDefaults(t *testing.T) {
	p, err := NewProvider("local", config.ProviderConfig{Type: config.ProviderOllama})
	require.NoError(t, err)
	assert.Equal(t, "ollama", p.Type())
	assert.Equal(t, "llama3.2", p.Model())
	assert.Equal(t, "http://localhost:11434/v1", p.(*OpenAIProvider).baseURL)

	p, err = NewProvider("local", config.ProviderConfig{Type: config.ProviderOllama, Model: "qwen3", BaseURL: "http://gpu:11434"})
	require.NoError(t, err)
	assert.Equal(t, "qwen3", p.Model())
	assert.Equal(t, "http://gpu:11434/v1", p.(*OpenAIProvider).baseURL)

	_, err = NewProvider("claude", config.ProviderConfig{Type: config.ProviderAnthropic})
	assert.Error(t, err, "anthropic needs a key")

	_, err = NewProvider("x", config.ProviderConfig{Type: "bard"})
	assert.Error(t, err)
}

func TestRegistryRebuildsOnlyChanged(t *testing.T) {
	built := map[string]int{}
	r := NewRegistry(func(name string, cfg config.ProviderConfig) (Provider, error) {
		built[name]++
		if cfg.Type == "broken" {
			return nil, errors.New("no key")
		}
		return &fakeProvider{name: name}, nil
	})

	cfg := config.LLMConfig{
		Providers: map[string]config.ProviderConfig{
			"a": {Type: "t", Enabled: true, Model: "m1"},
			"b": {Type: "t", Enabled: true},
			"c": {Type: "broken", Enabled: false},
		},
		ProviderPriority: []string{"b", "a"},
	}
	rebuilt := r.Configure(cfg)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, rebuilt)

	// toggling enabled keeps the client
	pa := cfg.Providers["a"]
	pa.Enabled = false
	cfg.Providers["a"] = pa
	assert.Empty(t, r.Configure(cfg))

	pa.Model = "m2"
	cfg.Providers["a"] = pa
	assert.Equal(t, []string{"a"}, r.Configure(cfg))
	assert.Equal(t, 2, built["a"])
	assert.Equal(t, 1, built["b"])

	hp := r.HealthProviders()
	require.Len(t, hp, 3)
	assert.Equal(t, "b", hp[0].Name)
	assert.Equal(t, "a", hp[1].Name)
	assert.False(t, hp[1].Enabled)
	assert.Equal(t, "c", hp[2].Name)
	assert.EqualError(t, hp[2].Prober.Probe(context.Background()), "no key")
	assert.NoError(t, hp[0].Prober.Probe(context.Background()))

	_, err := r.Get("zzz")
	assert.ErrorIs(t, err, health.ErrUnknownProvider)

	delete(cfg.Providers, "b")
	r.Configure(cfg)
	_, err = r.Get("b")
	assert.Error(t, err)

	r.Reset()
	assert.Len(t, r.Configure(cfg), 2)
}

func TestClassify(t *testing.T) {
	cases := map[string]ErrorType{
		"status 429: Too Many Requests":     ErrorTypeRateLimit,
		"status 401: invalid x-api-key":     ErrorTypeAuth,
		"overloaded_error":                  ErrorTypeOverloaded,
		"dial tcp: connection refused":      ErrorTypeConnection,
		"prompt is too long: 210000 tokens": ErrorTypeContextOverflow,
		"Your credit balance is too low":    ErrorTypeBilling,
		"something odd":                     ErrorTypeUnknown,
	}
	for msg, want := range cases {
		assert.Equal(t, want, Classify(errors.New(msg)), msg)
	}
	assert.Equal(t, ErrorTypeTimeout, Classify(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	assert.Equal(t, ErrorTypeUnknown, Classify(nil))

	assert.True(t, IsFailoverError(ErrorTypeRateLimit))
	assert.True(t, IsFailoverError(ErrorTypeUnknown))
	assert.False(t, IsFailoverError(ErrorTypeContextOverflow))
}

func TestConvertMessagesMergesRoles(t *testing.T) {
	out := convertMessages([]Message{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleUser, Content: "there"},
		{Role: RoleAssistant, Content: ""},
		{Role: RoleAssistant, Content: "hello"},
		{Role: RoleUser, Content: "bye"},
	})
	require.Len(t, out, 3)
	assert.Equal(t, "user", string(out[0].Role))
	assert.Equal(t, "assistant", string(out[1].Role))
}
