// Package restart performs soft (in-process) and hard (process replacement)
// restarts of the gateway.
package restart

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/roelfdiedericks/lifeline/internal/bus"
	. "github.com/roelfdiedericks/lifeline/internal/logging"
	"github.com/roelfdiedericks/lifeline/internal/types"
)

var ErrInProgress = errors.New("a restart is already in progress")

// Kind of restart.
type Kind string

const (
	Soft Kind = "soft"
	Hard Kind = "hard"
)

// Notifier delivers a message to every channel.
type Notifier interface {
	Broadcast(ctx context.Context, msg types.Message)
}

// Target is the part of the gateway a restart acts on.
type Target interface {
	// Reinitialize cancels in-flight reasoning work and rebuilds the agent
	// core and provider clients in place.
	Reinitialize(ctx context.Context) error
	// Shutdown flushes persistent state before the process is replaced.
	Shutdown(ctx context.Context) error
}

// Options configure an Orchestrator.
type Options struct {
	Target     Target
	Notifier   Notifier
	Strategy   Strategy
	MarkerPath string
	Bus        *bus.Bus
	Now        func() time.Time
}

// Orchestrator runs at most one restart at a time.
type Orchestrator struct {
	mu   sync.Mutex
	opts Options

	busy sync.Mutex
}

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{opts: opts}
}

// SetStrategy replaces the hard-restart strategy.
func (o *Orchestrator) SetStrategy(s Strategy) {
	o.mu.Lock()
	o.opts.Strategy = s
	o.mu.Unlock()
}

func (o *Orchestrator) options() Options {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opts
}

func (o *Orchestrator) broadcast(ctx context.Context, s string) {
	if n := o.options().Notifier; n != nil {
		n.Broadcast(ctx, types.Text(s))
	}
}

// Soft reinitializes the gateway in place. Sessions and approvals survive
// because they are persisted.
func (o *Orchestrator) Soft(ctx context.Context, by types.Identity) error {
	if !o.busy.TryLock() {
		return ErrInProgress
	}
	defer o.busy.Unlock()
	opts := o.options()

	L_info("restart: soft restart", "by", by.String())
	o.broadcast(ctx, fmt.Sprintf("🔄 Restarting (soft, requested by %s)...", by))
	opts.Bus.Publish(bus.TopicRestart, "restart", string(Soft))

	start := opts.Now()
	if err := opts.Target.Reinitialize(ctx); err != nil {
		L_error("restart: soft restart failed", "error", err)
		o.broadcast(ctx, fmt.Sprintf("❌ Soft restart failed: %v", err))
		return err
	}
	o.broadcast(ctx, fmt.Sprintf("✅ Restarted (soft) in %s.", opts.Now().Sub(start).Round(time.Millisecond)))
	return nil
}

// Hard persists the restart marker and replaces the process. On success it
// does not return (the strategy exits or execs).
func (o *Orchestrator) Hard(ctx context.Context, by types.Identity, reason string) error {
	if !o.busy.TryLock() {
		return ErrInProgress
	}
	defer o.busy.Unlock()
	opts := o.options()
	if opts.Strategy == nil {
		return errors.New("restart: no hard-restart strategy configured")
	}

	L_info("restart: hard restart", "by", by.String(), "strategy", opts.Strategy.Name())
	o.broadcast(ctx, fmt.Sprintf("🔄 Restarting (hard, requested by %s)...", by))
	opts.Bus.Publish(bus.TopicRestart, "restart", string(Hard))

	if err := WriteMarker(opts.MarkerPath, by, reason, opts.Now()); err != nil {
		o.broadcast(ctx, fmt.Sprintf("❌ Hard restart aborted: %v", err))
		return err
	}
	if opts.Target != nil {
		if err := opts.Target.Shutdown(ctx); err != nil {
			L_warn("restart: shutdown before restart failed", "error", err)
		}
	}
	if err := opts.Strategy.Restart(ctx); err != nil {
		// still running: nothing was replaced, so the marker must not linger
		if _, cerr := ConsumeMarker(opts.MarkerPath); cerr != nil {
			L_warn("restart: clear marker failed", "error", cerr)
		}
		o.broadcast(ctx, fmt.Sprintf("❌ Hard restart failed: %v", err))
		return err
	}
	return nil
}

// AnnounceRecovery consumes the restart marker, if any, and tells every
// channel the gateway came back. Called once at startup.
func (o *Orchestrator) AnnounceRecovery(ctx context.Context) (*Marker, error) {
	opts := o.options()
	m, err := ConsumeMarker(opts.MarkerPath)
	if err != nil || m == nil {
		return nil, err
	}
	took := ""
	if !m.RequestedAt.IsZero() {
		took = fmt.Sprintf(" after %s", opts.Now().Sub(m.RequestedAt).Round(time.Second))
	}
	by := m.RequestedBy
	if by == "" {
		by = "unknown"
	}
	L_info("restart: recovered from hard restart", "requestedBy", by)
	o.broadcast(ctx, fmt.Sprintf("✅ Restarted: recovered from hard restart%s (requested by %s).", took, by))
	return m, nil
}
