// Package gateway wires the control plane together: it owns the channel
// registry, routes inbound messages to the command dispatcher or the
// reasoning path, and applies configuration changes to every component.
package gateway

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/roelfdiedericks/lifeline/internal/agent"
	"github.com/roelfdiedericks/lifeline/internal/approval"
	"github.com/roelfdiedericks/lifeline/internal/audit"
	"github.com/roelfdiedericks/lifeline/internal/auth"
	"github.com/roelfdiedericks/lifeline/internal/bus"
	"github.com/roelfdiedericks/lifeline/internal/channel"
	"github.com/roelfdiedericks/lifeline/internal/commands"
	"github.com/roelfdiedericks/lifeline/internal/config"
	"github.com/roelfdiedericks/lifeline/internal/health"
	"github.com/roelfdiedericks/lifeline/internal/llm"
	. "github.com/roelfdiedericks/lifeline/internal/logging"
	"github.com/roelfdiedericks/lifeline/internal/metrics"
	"github.com/roelfdiedericks/lifeline/internal/paths"
	"github.com/roelfdiedericks/lifeline/internal/ratelimit"
	"github.com/roelfdiedericks/lifeline/internal/recovery"
	"github.com/roelfdiedericks/lifeline/internal/restart"
	"github.com/roelfdiedericks/lifeline/internal/scripts"
	"github.com/roelfdiedericks/lifeline/internal/session"
	"github.com/roelfdiedericks/lifeline/internal/types"
)

// File names under gateway.data_dir.
const (
	AuditFile    = "audit.log"
	DatabaseFile = "lifeline.db"
)

// Options carry the parts of the gateway that are not configuration.
type Options struct {
	// Constructor builds provider clients; nil means llm.NewProvider.
	Constructor llm.Constructor
	// Strategy overrides gateway.restart_strategy for hard restarts.
	Strategy restart.Strategy
	Now      func() time.Time
}

// Gateway is the central service layer.
type Gateway struct {
	config *config.Store
	bus    *bus.Bus
	opts   Options

	dataDir string

	auth       *auth.Filter
	providers  *llm.Registry
	monitor    *health.Monitor
	recovery   *recovery.Controller
	sessions   *session.Manager
	db         *session.SQLiteStore
	agent      *agent.Agent
	broker     *approval.Broker
	limiter    *ratelimit.Window
	audit      *audit.Log
	scripts    *scripts.Runner
	restart    *restart.Orchestrator
	dispatcher *commands.Dispatcher
	metrics    *metrics.Registry

	chMu     sync.RWMutex
	channels []channel.Channel // registration order is broadcast order

	mu         sync.Mutex
	ctx        context.Context
	cron       *cron.Cron
	watcher    *config.Watcher
	scriptsDir string
	subs       []bus.SubscriptionID
	startTime  time.Time

	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// New builds every component from the current configuration. Nothing runs
// until Start.
func New(store *config.Store, b *bus.Bus, opts Options) (*Gateway, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	cfg := store.Snapshot()

	dataDir, err := paths.ExpandTilde(cfg.Gateway.DataDir)
	if err != nil {
		return nil, err
	}
	if err := paths.EnsureDir(dataDir); err != nil {
		return nil, fmt.Errorf("gateway: data dir: %w", err)
	}

	g := &Gateway{
		config:    store,
		bus:       b,
		opts:      opts,
		dataDir:   dataDir,
		ctx:       context.Background(),
		startTime: opts.Now(),
	}

	g.audit, err = audit.Open(filepath.Join(dataDir, AuditFile))
	if err != nil {
		return nil, err
	}
	g.db, err = session.NewSQLiteStore(filepath.Join(dataDir, DatabaseFile))
	if err != nil {
		g.audit.Close()
		return nil, err
	}

	g.auth = auth.NewFilter(&cfg.Channels)
	g.providers = llm.NewRegistry(opts.Constructor)
	g.providers.Configure(cfg.LLM)

	g.monitor = health.NewMonitor(health.Options{
		Interval:     seconds(cfg.Gateway.HealthIntervalSeconds),
		ProbeTimeout: seconds(cfg.Gateway.ProbeTimeoutSeconds),
		Bus:          b,
		Now:          opts.Now,
	})
	g.monitor.SetProviders(g.providers.HealthProviders())

	g.recovery = recovery.New(recovery.SettingsFrom(cfg.Recovery), recovery.Options{
		Notifier: g,
		Bus:      b,
		Now:      opts.Now,
	})
	g.monitor.OnCycle(g.recovery.Observe)

	g.sessions = session.NewManager(g.db, minutes(cfg.Gateway.SessionTimeout))
	g.agent = agent.New(agent.SettingsFrom(cfg.LLM), agent.Options{
		Providers: g.providers,
		Router:    g.monitor,
		Sessions:  g.sessions,
		Signals:   g.recovery,
		Now:       opts.Now,
	})

	g.broker = approval.NewBroker(approval.Options{
		Timeout:  seconds(cfg.Gateway.ApprovalTimeoutSeconds),
		Notifier: g,
		Store:    g.db,
		Bus:      b,
		Now:      opts.Now,
	})
	g.limiter = ratelimit.New(cfg.Recovery.RateLimitPerMinute, time.Minute)

	g.scripts = scripts.NewRunner(nil)
	g.loadScripts(cfg.Recovery.ScriptsDir)

	strategy := opts.Strategy
	if strategy == nil {
		strategy = restart.StrategyFor(cfg.Gateway.RestartStrategy)
	}
	g.restart = restart.New(restart.Options{
		Target:     restartTarget{g},
		Notifier:   g,
		Strategy:   strategy,
		MarkerPath: filepath.Join(dataDir, restart.MarkerFile),
		Bus:        b,
		Now:        opts.Now,
	})

	g.dispatcher = commands.NewDispatcher(commands.Options{
		Config:    store,
		Health:    g.monitor,
		Recovery:  g.recovery,
		Approvals: g.broker,
		Restart:   g.restart,
		Scripts:   g.scripts,
		Limiter:   g.limiter,
		Audit:     g.audit,
		Sender:    g,
	})

	g.metrics = metrics.New(opts.Now)
	g.metrics.Attach(b)

	g.subscribe()
	L_info("gateway: initialized", "dataDir", dataDir, "providers", len(cfg.LLM.Providers))
	return g, nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
func minutes(n int) time.Duration { return time.Duration(n) * time.Minute }

// RegisterChannel adds a channel, replacing any channel with the same name
// in its existing position.
func (g *Gateway) RegisterChannel(ch channel.Channel) {
	g.chMu.Lock()
	defer g.chMu.Unlock()
	for i, c := range g.channels {
		if c.Name() == ch.Name() {
			g.channels[i] = ch
			return
		}
	}
	g.channels = append(g.channels, ch)
	L_info("gateway: channel registered", "channel", ch.Name())
}

// UnregisterChannel removes a channel.
func (g *Gateway) UnregisterChannel(name string) {
	g.chMu.Lock()
	defer g.chMu.Unlock()
	for i, c := range g.channels {
		if c.Name() == name {
			g.channels = append(g.channels[:i], g.channels[i+1:]...)
			return
		}
	}
}

// Channels returns the registered channels in registration order.
func (g *Gateway) Channels() []channel.Channel {
	g.chMu.RLock()
	defer g.chMu.RUnlock()
	return append([]channel.Channel(nil), g.channels...)
}

func (g *Gateway) channelFor(name string) channel.Channel {
	g.chMu.RLock()
	defer g.chMu.RUnlock()
	for _, c := range g.channels {
		if c.Name() == name {
			return c
		}
	}
	return nil
}

// Broadcast sends msg to every authorized identity on every channel, one
// channel at a time in registration order. A failing channel does not stop
// delivery to the rest.
func (g *Gateway) Broadcast(ctx context.Context, msg types.Message) {
	for _, ch := range g.Channels() {
		if err := ch.Broadcast(ctx, msg); err != nil {
			L_warn("gateway: broadcast failed", "channel", ch.Name(), "error", err)
		}
	}
}

// Send delivers msg to one identity on its own channel.
func (g *Gateway) Send(ctx context.Context, to types.Identity, msg types.Message) error {
	ch := g.channelFor(to.Channel)
	if ch == nil {
		return fmt.Errorf("gateway: no channel %q registered", to.Channel)
	}
	return ch.Send(ctx, to, msg)
}

func (g *Gateway) reply(ctx context.Context, to types.Identity, msg types.Message) {
	if msg.Body() == "" {
		return
	}
	if err := g.Send(ctx, to, msg); err != nil {
		L_warn("gateway: reply failed", "to", to.String(), "error", err)
	}
}

// HandleInbound is the channel.Handler for every adapter. Unauthorized
// senders are dropped without a reply; commands go to the dispatcher; other
// text gets the canned reply in recovery mode and the reasoning path
// otherwise.
func (g *Gateway) HandleInbound(ctx context.Context, msg types.InboundMessage) {
	from := msg.From
	text := strings.TrimSpace(msg.Text)

	if !g.auth.Allowed(from) {
		g.metrics.Inc(metrics.Path("inbound", from.Channel, "unauthorized"))
		L_debug("gateway: dropped message from unauthorized sender", "identity", from.Redacted())
		if commands.IsCommand(text) {
			g.recordUnauthorized(from, text)
		}
		return
	}
	if text == "" {
		return
	}
	g.recovery.Touch()
	g.metrics.Inc(metrics.Path("inbound", from.Channel))

	if commands.IsCommand(text) {
		word, _, _ := strings.Cut(text, " ")
		g.metrics.Inc(metrics.Path("commands", strings.TrimPrefix(word, "/")))
		if res := g.dispatcher.Dispatch(ctx, from, text); res != nil {
			g.reply(ctx, from, res.Message())
		}
		return
	}

	if g.recovery.Active() {
		g.reply(ctx, from, types.Text(g.recovery.CannedReply()))
		return
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.converse(from, text)
	}()
}

// converse runs the reasoning path for one message and replies with the
// answer or a user-facing error.
func (g *Gateway) converse(from types.Identity, text string) {
	ctx := g.runContext()
	start := time.Now()
	answer, err := g.agent.RunSession(ctx, from, text)
	if err != nil {
		L_warn("gateway: reasoning failed", "identity", from.String(), "error", err)
		g.metrics.Outcome("reasoning", "error")
		answer = agent.UserMessage(err)
	} else {
		g.metrics.Outcome("reasoning", "ok")
		g.metrics.Duration("reasoning.latency", time.Since(start))
		L_elapsed(start, "gateway: reasoning done", "identity", from.String())
	}
	g.reply(ctx, from, types.Text(answer))
}

func (g *Gateway) recordUnauthorized(from types.Identity, text string) {
	word, _, _ := strings.Cut(text, " ")
	err := g.audit.Append(audit.Entry{
		Identity: from.Redacted(),
		Command:  word,
		Approval: audit.ApprovalNone,
		Result:   audit.ResultUnauthorized,
	})
	if err != nil {
		L_error("gateway: audit append failed", "error", err)
	}
}

func (g *Gateway) runContext() context.Context {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ctx
}

// Start runs the background components: health checks, maintenance jobs and
// the config watcher. It then restores approvals left unresolved by a
// previous process and announces a completed hard restart. Channels should
// be registered before Start so those messages reach them.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	g.ctx = ctx
	g.mu.Unlock()

	L_info("gateway: starting background tasks")
	g.monitor.Start(ctx)
	if err := g.startMaintenance(); err != nil {
		return err
	}
	g.syncWatcher(g.config.Snapshot().Gateway.WatchConfig)

	restored, err := g.broker.Restore(ctx)
	if err != nil {
		L_error("gateway: restoring approvals failed", "error", err)
	} else if len(restored) > 0 {
		L_info("gateway: approvals restored", "count", len(restored))
		g.dispatcher.ResumeApprovals(restored)
	}

	if _, err := g.restart.AnnounceRecovery(ctx); err != nil {
		L_warn("gateway: reading restart marker failed", "error", err)
	}
	return nil
}

// Reinitialize is the soft restart: in-flight reasoning is cancelled and
// the provider clients and agent settings are rebuilt. Sessions, approvals,
// the audit log and recovery state survive.
func (g *Gateway) Reinitialize(ctx context.Context) error {
	g.agent.Cancel()
	g.sessions.Flush()
	g.providers.Reset()
	g.applyConfig()
	g.monitor.Recheck()
	return ctx.Err()
}

// Shutdown stops everything in reverse order of Start and closes the
// persistent stores. Safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		L_info("gateway: shutting down")
		for _, id := range g.subs {
			g.bus.Unsubscribe(id)
		}
		g.metrics.Detach()
		g.syncWatcher(false)
		g.stopMaintenance()
		g.monitor.Stop()
		g.dispatcher.Close()
		g.broker.Close()
		g.agent.Cancel()

		channels := g.Channels()
		for i := len(channels) - 1; i >= 0; i-- {
			if err := channels[i].Stop(); err != nil {
				L_warn("gateway: channel stop failed", "channel", channels[i].Name(), "error", err)
			}
		}

		waitTimeout(ctx, &g.wg)
		if err := g.db.Close(); err != nil {
			L_warn("gateway: closing database failed", "error", err)
		}
		if err := g.audit.Close(); err != nil {
			L_warn("gateway: closing audit log failed", "error", err)
		}
	})
	return nil
}

// waitTimeout waits for in-flight replies until ctx ends.
func waitTimeout(ctx context.Context, wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		L_warn("gateway: shutdown did not wait for in-flight replies")
	}
}

// restartTarget adapts the gateway for the restart orchestrator. Before a
// hard restart only cached state is flushed; stores stay open in case the
// strategy fails and the process keeps running.
type restartTarget struct{ g *Gateway }

func (t restartTarget) Reinitialize(ctx context.Context) error {
	return t.g.Reinitialize(ctx)
}

func (t restartTarget) Shutdown(context.Context) error {
	t.g.agent.Cancel()
	t.g.sessions.Flush()
	return nil
}

// Accessors used by the channel manager and the HTTP server.

func (g *Gateway) Config() *config.Store            { return g.config }
func (g *Gateway) Bus() *bus.Bus                    { return g.bus }
func (g *Gateway) Auth() *auth.Filter               { return g.auth }
func (g *Gateway) Dispatcher() *commands.Dispatcher { return g.dispatcher }
func (g *Gateway) Monitor() *health.Monitor         { return g.monitor }
func (g *Gateway) Recovery() *recovery.Controller   { return g.recovery }
func (g *Gateway) Approvals() *approval.Broker      { return g.broker }
func (g *Gateway) Restarter() *restart.Orchestrator { return g.restart }
func (g *Gateway) DataDir() string                  { return g.dataDir }
func (g *Gateway) AuditPath() string                { return g.audit.Path() }
func (g *Gateway) Handler() channel.Handler         { return g.HandleInbound }
func (g *Gateway) Metrics() []metrics.Snapshot      { return g.metrics.Snapshot() }
