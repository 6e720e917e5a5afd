package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roelfdiedericks/lifeline/internal/config"
	"github.com/roelfdiedericks/lifeline/internal/types"
)

func TestFilter(t *testing.T) {
	cfg := &config.ChannelsConfig{
		CLI:       config.CLIConfig{Allowed: []string{"local"}},
		Telegram:  config.TelegramConfig{Allowed: []string{"111", "222"}},
		WebSocket: config.WebSocketConfig{Users: map[string]string{"alice": "$2a$x"}},
	}
	f := NewFilter(cfg)

	tests := []struct {
		id   types.Identity
		want bool
	}{
		{types.Identity{Channel: types.ChannelTelegram, ID: "111"}, true},
		{types.Identity{Channel: types.ChannelTelegram, ID: "333"}, false},
		{types.Identity{Channel: types.ChannelCLI, ID: "local"}, true},
		{types.Identity{Channel: types.ChannelWebSocket, ID: "alice"}, true},
		{types.Identity{Channel: types.ChannelMatrix, ID: "@x:y"}, false},
		// ids are not shared across channels
		{types.Identity{Channel: types.ChannelMatrix, ID: "111"}, false},
		{types.Identity{Channel: "unknown", ID: "111"}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, f.Allowed(tt.id), tt.id.String())
	}

	assert.Equal(t, []types.Identity{
		{Channel: types.ChannelTelegram, ID: "111"},
		{Channel: types.ChannelTelegram, ID: "222"},
	}, f.Identities(types.ChannelTelegram))

	cfg.Telegram.Allowed = []string{"333"}
	f.Update(cfg)
	assert.False(t, f.Allowed(types.Identity{Channel: types.ChannelTelegram, ID: "111"}))
	assert.True(t, f.Allowed(types.Identity{Channel: types.ChannelTelegram, ID: "333"}))
}

func TestChallengeAuth(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)

	a := NewChallengeAuth(map[string]string{"alice": hash, "plain": "hunter2"})

	id, err := a.Authenticate("alice", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, types.Identity{Channel: types.ChannelWebSocket, ID: "alice"}, id)

	_, err = a.Authenticate("alice", "wrong")
	assert.ErrorIs(t, err, ErrAuthFailed)

	// unhashed secrets are never accepted
	_, err = a.Authenticate("plain", "hunter2")
	assert.ErrorIs(t, err, ErrAuthFailed)

	_, err = a.Authenticate("", "")
	assert.ErrorIs(t, err, ErrNoCredentials)
}
