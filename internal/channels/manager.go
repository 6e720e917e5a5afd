// Package channels owns the lifecycle of the channel adapters: it builds the
// enabled ones from config, starts them with background retry and restarts
// an adapter when its connection settings change on reload.
package channels

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/roelfdiedericks/lifeline/internal/auth"
	"github.com/roelfdiedericks/lifeline/internal/bus"
	"github.com/roelfdiedericks/lifeline/internal/channel"
	"github.com/roelfdiedericks/lifeline/internal/channels/cli"
	"github.com/roelfdiedericks/lifeline/internal/channels/matrix"
	"github.com/roelfdiedericks/lifeline/internal/channels/telegram"
	"github.com/roelfdiedericks/lifeline/internal/channels/websocket"
	"github.com/roelfdiedericks/lifeline/internal/config"
	. "github.com/roelfdiedericks/lifeline/internal/logging"
	"github.com/roelfdiedericks/lifeline/internal/types"
)

// MatrixRoomsFile is the room map kept under the data dir.
const MatrixRoomsFile = "matrix_rooms.json"

// order is the registration order, and therefore the broadcast order.
var order = []string{types.ChannelCLI, types.ChannelTelegram, types.ChannelWebSocket, types.ChannelMatrix}

// Host is the gateway as seen by the manager.
type Host interface {
	RegisterChannel(channel.Channel)
	UnregisterChannel(name string)
	Handler() channel.Handler
	Config() *config.Store
	Bus() *bus.Bus
	Auth() *auth.Filter
	DataDir() string
}

// Options carry runtime parameters that are not part of the config file.
type Options struct {
	// Console streams for the CLI channel; nil means stdin/stdout.
	In  io.Reader
	Out io.Writer
}

// factory builds the adapter for a channel from the current config.
type factory func(cfg *config.Config) channel.Channel

type slot struct {
	ch          channel.Channel
	fingerprint string
	running     bool
	cancel      context.CancelFunc
}

// Manager starts, retries and reconciles channel adapters.
type Manager struct {
	host      Host
	opts      Options
	challenge *auth.ChallengeAuth
	factories map[string]factory

	mu    sync.Mutex
	ctx   context.Context
	slots map[string]*slot
	ws    *websocket.Server
	subs  []bus.SubscriptionID

	retryDelay time.Duration
	maxBackoff time.Duration
}

// NewManager creates a manager for the host's channels.
func NewManager(host Host, opts Options) *Manager {
	cfg := host.Config().Snapshot()
	m := &Manager{
		host:       host,
		opts:       opts,
		challenge:  auth.NewChallengeAuth(cfg.Channels.WebSocket.Users),
		slots:      make(map[string]*slot),
		retryDelay: 5 * time.Second,
		maxBackoff: 5 * time.Minute,
	}
	m.factories = map[string]factory{
		types.ChannelCLI: func(*config.Config) channel.Channel {
			return cli.New(cli.Options{In: m.opts.In, Out: m.opts.Out})
		},
		types.ChannelTelegram: func(cfg *config.Config) channel.Channel {
			return telegram.New(cfg.Channels.Telegram.BotToken, m.host.Auth())
		},
		types.ChannelWebSocket: func(*config.Config) channel.Channel {
			return websocket.New(m.challenge)
		},
		types.ChannelMatrix: func(cfg *config.Config) channel.Channel {
			mc := cfg.Channels.Matrix
			return matrix.New(matrix.Options{
				Homeserver:  mc.Homeserver,
				UserID:      mc.UserID,
				AccessToken: mc.AccessToken,
				RoomsPath:   filepath.Join(m.host.DataDir(), MatrixRoomsFile),
				Audience:    m.host.Auth(),
			})
		},
	}
	return m
}

// fingerprint captures the settings that require restarting an adapter.
// Allow-lists and websocket users apply live and are left out.
// An empty fingerprint means the channel is disabled.
func fingerprint(cfg *config.Config, name string) string {
	c := cfg.Channels
	switch name {
	case types.ChannelCLI:
		if c.CLI.Enabled {
			return "on"
		}
	case types.ChannelTelegram:
		if c.Telegram.Enabled {
			return c.Telegram.BotToken
		}
	case types.ChannelWebSocket:
		if c.WebSocket.Enabled {
			return "on"
		}
	case types.ChannelMatrix:
		if c.Matrix.Enabled {
			return fmt.Sprintf("%s|%s|%s", c.Matrix.Homeserver, c.Matrix.UserID, c.Matrix.AccessToken)
		}
	}
	return ""
}

// StartAll starts every enabled channel. Adapters that fail to connect are
// retried in the background with exponential backoff.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	b := m.host.Bus()
	m.subs = append(m.subs,
		b.Subscribe(bus.TopicConfigChanged, func(bus.Event) { m.apply() }),
		b.Subscribe(bus.TopicConfigReloaded, func(bus.Event) { m.apply() }),
	)
	m.reconcile()
}

func (m *Manager) apply() {
	m.challenge.Update(m.host.Config().Snapshot().Channels.WebSocket.Users)
	m.reconcile()
}

// reconcile brings running adapters in line with the current config.
func (m *Manager) reconcile() {
	cfg := m.host.Config().Snapshot()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil {
		return
	}
	for _, name := range order {
		fp := fingerprint(cfg, name)
		cur := m.slots[name]
		if cur != nil && cur.fingerprint == fp {
			continue
		}
		if cur != nil {
			m.stopSlotLocked(name, cur)
		}
		if fp == "" {
			if cur != nil {
				L_info("channels: disabled by configuration", "channel", name)
			}
			continue
		}
		s := &slot{ch: m.factories[name](cfg), fingerprint: fp}
		m.slots[name] = s
		if ws, ok := s.ch.(*websocket.Server); ok {
			m.ws = ws
		}
		m.startSlotLocked(name, s)
	}
}

func (m *Manager) startSlotLocked(name string, s *slot) {
	if err := s.ch.Start(m.ctx, m.host.Handler()); err != nil {
		L_warn("channels: initial start failed, will retry in background", "channel", name, "error", err)
		m.retryLocked(name, s)
		return
	}
	s.running = true
	m.host.RegisterChannel(s.ch)
	L_info("channels: started", "channel", name)
}

func (m *Manager) retryLocked(name string, s *slot) {
	ctx, cancel := context.WithCancel(m.ctx)
	s.cancel = cancel

	go func() {
		backoff := m.retryDelay
		attempt := 1
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}

			L_info("channels: retrying connection", "channel", name, "attempt", attempt)
			err := s.ch.Start(m.ctx, m.host.Handler())

			m.mu.Lock()
			if m.slots[name] != s || ctx.Err() != nil {
				m.mu.Unlock()
				if err == nil {
					_ = s.ch.Stop()
				}
				return
			}
			if err == nil {
				s.running = true
				s.cancel = nil
				m.host.RegisterChannel(s.ch)
				m.mu.Unlock()
				L_info("channels: started after retry", "channel", name, "attempts", attempt)
				return
			}
			m.mu.Unlock()

			L_warn("channels: connection failed", "channel", name, "error", err, "nextRetry", backoff)
			attempt++
			backoff = min(backoff*2, m.maxBackoff)
		}
	}()
}

func (m *Manager) stopSlotLocked(name string, s *slot) {
	if s.cancel != nil {
		s.cancel()
	}
	if s.running {
		m.host.UnregisterChannel(name)
		if err := s.ch.Stop(); err != nil {
			L_warn("channels: stop failed", "channel", name, "error", err)
		}
	}
	if ws, ok := s.ch.(*websocket.Server); ok && ws == m.ws {
		m.ws = nil
	}
	delete(m.slots, name)
}

// StopAll cancels retries and config subscriptions. Running adapters are
// stopped by the gateway on shutdown.
func (m *Manager) StopAll() {
	for _, id := range m.subs {
		m.host.Bus().Unsubscribe(id)
	}
	m.subs = nil

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.slots {
		if s.cancel != nil {
			s.cancel()
		}
	}
}

// Running reports whether a channel is started and registered.
func (m *Manager) Running(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.slots[name]
	return s != nil && s.running
}

// Challenge is the websocket credential checker, shared with the HTTP
// server's basic auth.
func (m *Manager) Challenge() *auth.ChallengeAuth { return m.challenge }

// WebSocket returns a handler that serves the current websocket adapter,
// or 404 while the channel is disabled.
func (m *Manager) WebSocket() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		ws := m.ws
		m.mu.Unlock()
		if ws == nil {
			http.NotFound(w, r)
			return
		}
		ws.ServeHTTP(w, r)
	})
}
