package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roelfdiedericks/lifeline/internal/bus"
)

const fixture = `
gateway:
  data_dir: /tmp/lifeline-test
llm:
  providers:
    claude:
      type: anthropic
      enabled: true
      api_key: ${TEST_LIFELINE_KEY}
      model: claude-sonnet-4-5
    local:
      type: ollama
      enabled: true
  provider_priority: [claude, local]
channels:
  telegram:
    enabled: false
    allowed: ["1234"]
`

func openFixture(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lifeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fixture), 0600))
	b := bus.New()
	b.Sync = true
	s, err := Open(path, b)
	require.NoError(t, err)
	return s, path
}

func TestOpenAppliesDefaultsAndSecrets(t *testing.T) {
	t.Setenv("TEST_LIFELINE_KEY", "sk-test")
	s, _ := openFixture(t)

	cfg := s.Snapshot()
	assert.Equal(t, "/tmp/lifeline-test", cfg.Gateway.DataDir)
	assert.Equal(t, 60, cfg.Gateway.SessionTimeout, "default layered under file")
	assert.Equal(t, 10, cfg.Recovery.RateLimitPerMinute)
	assert.Equal(t, "sk-test", cfg.LLM.Providers["claude"].APIKey)
	assert.Equal(t, []string{"claude", "local"}, cfg.LLM.EnabledProviders())

	// the document keeps the reference
	v, err := s.Get("llm.providers.claude.api_key")
	require.NoError(t, err)
	assert.Equal(t, "${TEST_LIFELINE_KEY}", v)
}

func TestOpenMissingFileUsesDefaults(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.NoError(t, err)
	assert.Equal(t, 300, s.Snapshot().Gateway.ApprovalTimeoutSeconds)
}

func TestGet(t *testing.T) {
	s, _ := openFixture(t)

	v, err := s.Get("llm.provider_priority")
	require.NoError(t, err)
	assert.Equal(t, []any{"claude", "local"}, v)

	_, err = s.Get("llm.nope")
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = s.Get("llm.providers.missing.model")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSet(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr error
	}{
		{"safe int", "gateway.session_timeout", "30", nil},
		{"safe string", "llm.providers.claude.model", "claude-opus-4-1", nil},
		{"safe list", "llm.provider_priority", "[local, claude]", nil},
		{"safe bool", "browser.enabled", "true", nil},
		{"list gets scalar", "llm.provider_priority", "5", ErrTypeMismatch},
		{"int gets word", "gateway.session_timeout", "abc", ErrTypeMismatch},
		{"bool gets word", "browser.enabled", "maybe", ErrTypeMismatch},
		{"blocked allow-list", "channels.telegram.allowed", `["999"]`, ErrBlockedKey},
		{"blocked recovery", "recovery.enabled", "false", ErrBlockedKey},
		{"blocked not listed", "gateway.http_listen", "0.0.0.0:1", ErrBlockedKey},
		{"blocked shell", "shell.blacklist_patterns", "[]", ErrBlockedKey},
		{"unknown key", "llm.nope", "1", ErrInvalidKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := openFixture(t)
			before, _ := s.Get(tt.key)

			_, err := s.Set(tt.key, tt.value)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				after, _ := s.Get(tt.key)
				assert.Equal(t, before, after, "rejected set must not change memory")
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestSetUpdatesSnapshotAndPublishes(t *testing.T) {
	s, _ := openFixture(t)
	var changed []string
	s.bus.Subscribe(bus.TopicConfigChanged, func(e bus.Event) { changed = e.Data.([]string) })

	old, err := s.Set("gateway.session_timeout", "30")
	require.NoError(t, err)
	assert.Equal(t, 60, old)
	assert.Equal(t, 30, s.Snapshot().Gateway.SessionTimeout)
	assert.Equal(t, []string{"gateway.session_timeout"}, changed)

	_, err = s.SetValue("llm.provider_priority", []string{"local"})
	require.NoError(t, err)
	assert.Equal(t, []string{"local"}, s.Snapshot().LLM.ProviderPriority)
}

func TestSetRejectsSemanticallyInvalid(t *testing.T) {
	s, _ := openFixture(t)
	_, err := s.Set("llm.providers.claude.type", "bogus")
	require.Error(t, err)
	assert.Equal(t, ProviderAnthropic, s.Snapshot().LLM.Providers["claude"].Type)
}

func TestSetWholeProvider(t *testing.T) {
	s, _ := openFixture(t)
	_, err := s.Set("llm.providers.backup", "{type: openai, enabled: false, model: gpt-4o-mini}")
	require.NoError(t, err)
	p := s.Snapshot().LLM.Providers["backup"]
	assert.Equal(t, ProviderOpenAI, p.Type)
	assert.Equal(t, "gpt-4o-mini", p.Model)

	_, err = s.Set("llm.providers.backup", "{type: openai, colour: blue}")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestDiffSaveReload(t *testing.T) {
	s, path := openFixture(t)

	changes, err := s.Diff()
	require.NoError(t, err)
	assert.Empty(t, changes)

	_, err = s.Set("gateway.session_timeout", "30")
	require.NoError(t, err)

	changes, err = s.Diff()
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "gateway.session_timeout", changes[0].Key)
	assert.Equal(t, 30, changes[0].Memory)
	assert.Equal(t, 60, changes[0].Disk)

	require.NoError(t, s.Save())
	changes, err = s.Diff()
	require.NoError(t, err)
	assert.Empty(t, changes)
	assert.Len(t, ListBackups(path), 1)

	// unsaved change is discarded by reload
	_, err = s.Set("gateway.session_timeout", "45")
	require.NoError(t, err)
	keys, err := s.Reload()
	require.NoError(t, err)
	assert.Equal(t, []string{"gateway.session_timeout"}, keys)
	assert.Equal(t, 30, s.Snapshot().Gateway.SessionTimeout)
}

func TestReloadMalformedKeepsMemory(t *testing.T) {
	s, path := openFixture(t)
	_, err := s.Set("gateway.session_timeout", "30")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("llm: [unclosed"), 0600))
	_, err = s.Reload()
	require.Error(t, err)
	assert.Equal(t, 30, s.Snapshot().Gateway.SessionTimeout)
}

func TestReloadPublishesChangedKeys(t *testing.T) {
	s, path := openFixture(t)
	var got []string
	s.bus.Subscribe(bus.TopicConfigReloaded, func(e bus.Event) { got = e.Data.([]string) })

	require.NoError(t, os.WriteFile(path, []byte(fixture+"\nbrowser:\n  enabled: true\n"), 0600))
	_, err := s.Reload()
	require.NoError(t, err)
	assert.Equal(t, []string{"browser.enabled"}, got)
	assert.True(t, s.Snapshot().Browser.Enabled)
}

func TestRestoreBackup(t *testing.T) {
	s, path := openFixture(t)
	_, err := s.Set("gateway.session_timeout", "30")
	require.NoError(t, err)
	require.NoError(t, s.Save())

	require.NoError(t, RestoreBackup(path, 0))
	_, err = s.Reload()
	require.NoError(t, err)
	assert.Equal(t, 60, s.Snapshot().Gateway.SessionTimeout)
}
