package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchKey(t *testing.T) {
	tests := []struct {
		pattern, key string
		want         bool
	}{
		{"llm.providers.*", "llm.providers.openai", true},
		{"llm.providers.*", "llm.providers.openai.model", true},
		{"llm.providers.*", "llm.providers", false},
		{"llm.provider_priority", "llm.provider_priority", true},
		{"llm.provider_priority", "llm.provider_priority.x", false},
		{"channels.*.allowed", "channels.telegram.allowed", true},
		{"channels.*.allowed", "channels.telegram.bot_token", false},
		{"llm.rout*.max_tokens", "llm.routing.max_tokens", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchKey(tt.pattern, tt.key), "MatchKey(%q, %q)", tt.pattern, tt.key)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		key  string
		want Class
	}{
		{"llm.providers.openai.enabled", Safe},
		{"llm.provider_priority", Safe},
		{"llm.routing.max_tokens", Safe},
		{"llm.budget.daily_requests", Safe},
		{"browser.enabled", Safe},
		{"gateway.session_timeout", Safe},
		{"gateway.http_listen", Blocked},
		{"gateway.data_dir", Blocked},
		{"channels.telegram.allowed", Blocked},
		{"shell.blacklist_patterns", Blocked},
		{"recovery.safe_config_keys", Blocked},
		{"llm.providers", Blocked},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.key, DefaultSafeKeys), tt.key)
	}

	// an over-broad allow-list still cannot unlock the floor
	assert.Equal(t, Blocked, Classify("channels.telegram.allowed", []string{"*"}))
	assert.Equal(t, Safe, Classify("logging.level", []string{"*"}))
}

func TestResolve(t *testing.T) {
	tp, err := Resolve("llm.providers.anything.model")
	require.NoError(t, err)
	assert.Equal(t, "string", tp.Kind().String())

	_, err = Resolve("llm.providers.x.model.deeper")
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = Resolve("gateway..port")
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = Resolve("")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestParseValueTypeMismatchMessage(t *testing.T) {
	tp, err := Resolve("llm.provider_priority")
	require.NoError(t, err)
	_, err = ParseValue("llm.provider_priority", tp, "5")
	var tm *TypeMismatchError
	require.ErrorAs(t, err, &tm)
	assert.Equal(t, "list", tm.Want)
	assert.Equal(t, "integer", tm.Got)

	tp, _ = Resolve("llm.routing.system_prompt")
	v, err := ParseValue("llm.routing.system_prompt", tp, `"be brief"`)
	require.NoError(t, err)
	assert.Equal(t, "be brief", v)
}

func TestMask(t *testing.T) {
	assert.Equal(t, "****", Mask("llm.providers.x.api_key", "sk-1"))
	assert.Equal(t, "", Mask("llm.providers.x.api_key", ""))
	assert.Equal(t, "gpt", Mask("llm.providers.x.model", "gpt"))
	assert.Equal(t, 1024, Mask("llm.routing.max_tokens", 1024))

	nested := Mask("llm.providers.x", map[string]any{"api_key": "sk", "model": "m"}).(map[string]any)
	assert.Equal(t, "****", nested["api_key"])
	assert.Equal(t, "m", nested["model"])
}
