// Package recovery holds the recovery-mode state machine. While recovery mode
// is active, non-command messages get a canned reply instead of reaching the
// reasoning path.
package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/roelfdiedericks/lifeline/internal/bus"
	"github.com/roelfdiedericks/lifeline/internal/config"
	"github.com/roelfdiedericks/lifeline/internal/health"
	. "github.com/roelfdiedericks/lifeline/internal/logging"
	"github.com/roelfdiedericks/lifeline/internal/types"
)

// Mode records how recovery mode was entered.
type Mode int

const (
	Auto Mode = iota
	Manual
)

func (m Mode) String() string {
	if m == Manual {
		return "manual"
	}
	return "auto"
}

// ReasonAllDown is the reason recorded on automatic entry.
const ReasonAllDown = "all providers down"

// State is the controller's externally visible state.
type State struct {
	Active    bool
	EnteredAt time.Time
	Reason    string
	Mode      Mode
}

// Settings are the recovery.* keys the controller reads.
type Settings struct {
	Enabled           bool
	AutoEnter         bool
	AutoEnterAfter    time.Duration
	AutoExit          bool
	InactivityTimeout time.Duration // manual mode only; zero disables
	CannedReply       string
}

// SettingsFrom converts the config section.
func SettingsFrom(cfg config.RecoveryConfig) Settings {
	reply := cfg.CannedReply
	if reply == "" {
		reply = config.DefaultCannedReply
	}
	return Settings{
		Enabled:           cfg.Enabled,
		AutoEnter:         cfg.AutoEnterOnProviderFailure,
		AutoEnterAfter:    time.Duration(cfg.AutoEnterTimeoutMinutes) * time.Minute,
		AutoExit:          cfg.AutoExitOnRecovery,
		InactivityTimeout: time.Duration(cfg.InactivityTimeoutMinutes) * time.Minute,
		CannedReply:       reply,
	}
}

// Notifier delivers a message to every channel.
type Notifier interface {
	Broadcast(ctx context.Context, msg types.Message)
}

// Options configure a Controller.
type Options struct {
	Notifier Notifier
	Bus      *bus.Bus
	Now      func() time.Time
}

// Controller is mutated only through its methods.
type Controller struct {
	mu       sync.Mutex
	state    State
	settings Settings

	// downSince is the start of the current all-providers-down episode
	// (zero when at least one enabled provider is healthy).
	downSince time.Time
	// suppressed is the episode a manual exit opted out of.
	suppressed   time.Time
	lastActivity time.Time

	notifier Notifier
	bus      *bus.Bus
	now      func() time.Time
}

// New creates an inactive controller.
func New(settings Settings, opts Options) *Controller {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{
		settings:     settings,
		notifier:     opts.Notifier,
		bus:          opts.Bus,
		now:          opts.Now,
		lastActivity: opts.Now(),
	}
}

// Update replaces the settings, e.g. after a config reload.
func (c *Controller) Update(s Settings) {
	c.mu.Lock()
	c.settings = s
	c.mu.Unlock()
}

// State returns a copy of the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Active reports whether recovery mode is on.
func (c *Controller) Active() bool {
	return c.State().Active
}

// CannedReply is the response for non-command messages while active.
func (c *Controller) CannedReply() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings.CannedReply
}

// Touch records inbound activity from an authorized identity.
func (c *Controller) Touch() {
	c.mu.Lock()
	c.lastActivity = c.now()
	c.mu.Unlock()
}

type transition struct {
	entered bool
	state   State
	by      types.Identity
}

// Observe consumes a completed health cycle.
func (c *Controller) Observe(snap health.Snapshot) {
	down, since := snap.AllEnabledDown()
	anyHealthy := snap.AnyEnabledHealthy()

	c.mu.Lock()
	now := c.now()
	if down {
		c.downSince = since
	} else {
		c.downSince = time.Time{}
		c.suppressed = time.Time{}
	}

	var t *transition
	switch {
	case c.state.Active && c.state.Mode == Auto && anyHealthy && c.settings.AutoExit:
		// a successful probe is a successful minimal reasoning request
		t = c.exitLocked("provider recovered", types.System)
	case c.state.Active && c.state.Mode == Manual && anyHealthy &&
		c.settings.InactivityTimeout > 0 && now.Sub(c.lastActivity) >= c.settings.InactivityTimeout:
		t = c.exitLocked(fmt.Sprintf("no activity for %s", c.settings.InactivityTimeout), types.System)
	case !c.state.Active && down && c.settings.Enabled && c.settings.AutoEnter &&
		!since.IsZero() && now.Sub(since) >= c.settings.AutoEnterAfter &&
		!since.Equal(c.suppressed):
		L_debug("recovery: outage past grace period", "since", since.Format(time.RFC3339), "grace", c.settings.AutoEnterAfter)
		t = c.enterLocked(Auto, ReasonAllDown, types.System)
	}
	c.mu.Unlock()

	c.announce(t)
}

// ReasoningSucceeded is the success signal from the reasoning path.
func (c *Controller) ReasoningSucceeded() {
	c.mu.Lock()
	var t *transition
	if c.state.Active && c.state.Mode == Auto && c.settings.AutoExit {
		t = c.exitLocked("reasoning request succeeded", types.System)
	}
	c.mu.Unlock()
	c.announce(t)
}

// ReasoningFailed is the failure signal from the reasoning path. Entry is
// driven by health cycles, so a single failure is only logged.
func (c *Controller) ReasoningFailed(err error) {
	L_debug("recovery: reasoning failure signal", "error", err)
}

// Enter turns recovery mode on manually. Manual mode ignores the automatic
// exit signal. Returns false if already in manual mode.
func (c *Controller) Enter(by types.Identity) bool {
	c.mu.Lock()
	if c.state.Active && c.state.Mode == Manual {
		c.mu.Unlock()
		return false
	}
	t := c.enterLocked(Manual, "turned on by "+by.String(), by)
	c.mu.Unlock()
	c.announce(t)
	return true
}

// Exit turns recovery mode off manually. If every provider is still down,
// automatic entry stays suppressed until the outage ends.
func (c *Controller) Exit(by types.Identity) bool {
	c.mu.Lock()
	if !c.state.Active {
		c.mu.Unlock()
		return false
	}
	if !c.downSince.IsZero() {
		c.suppressed = c.downSince
	}
	t := c.exitLocked("turned off by "+by.String(), by)
	c.mu.Unlock()
	c.announce(t)
	return true
}

func (c *Controller) enterLocked(mode Mode, reason string, by types.Identity) *transition {
	c.state = State{Active: true, EnteredAt: c.now(), Reason: reason, Mode: mode}
	c.lastActivity = c.state.EnteredAt
	return &transition{entered: true, state: c.state, by: by}
}

func (c *Controller) exitLocked(reason string, by types.Identity) *transition {
	prev := c.state
	c.state = State{}
	prev.Reason = reason
	return &transition{entered: false, state: prev, by: by}
}

func (c *Controller) announce(t *transition) {
	if t == nil {
		return
	}
	var msg string
	if t.entered {
		L_warn("recovery: mode entered", "mode", t.state.Mode.String(), "reason", t.state.Reason)
		msg = fmt.Sprintf("⚠️ Recovery mode ON (%s): %s.\nThe agent is paused; slash commands remain available.", t.state.Mode, t.state.Reason)
		c.bus.Publish(bus.TopicRecoveryEntered, "recovery", t.state)
	} else {
		L_info("recovery: mode exited", "reason", t.state.Reason)
		msg = fmt.Sprintf("✅ Recovery mode OFF: %s. The agent is back.", t.state.Reason)
		c.bus.Publish(bus.TopicRecoveryExited, "recovery", t.state)
	}
	if c.notifier != nil {
		c.notifier.Broadcast(context.Background(), types.Text(msg))
	}
}
