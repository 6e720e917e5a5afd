// Package auth decides which channel identities may talk to the gateway.
package auth

import (
	"errors"
	"sort"
	"sync"

	"github.com/roelfdiedericks/lifeline/internal/config"
	"github.com/roelfdiedericks/lifeline/internal/types"
)

var (
	ErrNoCredentials = errors.New("credentials required")
	ErrAuthFailed    = errors.New("authentication failed")
)

// Filter is the per-channel allow-list consulted before any other processing.
// A channel with no entries admits nobody.
type Filter struct {
	mu      sync.RWMutex
	allowed map[string]map[string]bool
}

// NewFilter builds a filter from the channels section.
func NewFilter(cfg *config.ChannelsConfig) *Filter {
	f := &Filter{}
	f.Update(cfg)
	return f
}

// Update replaces the allow-lists, e.g. after a config reload.
func (f *Filter) Update(cfg *config.ChannelsConfig) {
	allowed := map[string]map[string]bool{
		types.ChannelCLI:       set(cfg.CLI.Allowed),
		types.ChannelTelegram:  set(cfg.Telegram.Allowed),
		types.ChannelMatrix:    set(cfg.Matrix.Allowed),
		types.ChannelWebSocket: {},
	}
	for name := range cfg.WebSocket.Users {
		allowed[types.ChannelWebSocket][name] = true
	}

	f.mu.Lock()
	f.allowed = allowed
	f.mu.Unlock()
}

func set(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

// Allowed reports whether id is on its channel's allow-list.
func (f *Filter) Allowed(id types.Identity) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.allowed[id.Channel][id.ID]
}

// Identities lists the allowed identities of one channel, sorted.
// Adapters use it as their broadcast audience.
func (f *Filter) Identities(channel string) []types.Identity {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]types.Identity, 0, len(f.allowed[channel]))
	for id := range f.allowed[channel] {
		out = append(out, types.Identity{Channel: channel, ID: id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
