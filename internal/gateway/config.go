package gateway

import (
	"github.com/roelfdiedericks/lifeline/internal/agent"
	"github.com/roelfdiedericks/lifeline/internal/bus"
	"github.com/roelfdiedericks/lifeline/internal/config"
	. "github.com/roelfdiedericks/lifeline/internal/logging"
	"github.com/roelfdiedericks/lifeline/internal/paths"
	"github.com/roelfdiedericks/lifeline/internal/recovery"
	"github.com/roelfdiedericks/lifeline/internal/restart"
	"github.com/roelfdiedericks/lifeline/internal/scripts"
)

// subscribe re-applies the configuration whenever the store changes, so a
// /config set or reload takes effect without a restart.
func (g *Gateway) subscribe() {
	apply := func(e bus.Event) {
		L_debug("gateway: config event", "topic", e.Topic, "keys", e.Data)
		g.applyConfig()
	}
	g.subs = append(g.subs,
		g.bus.Subscribe(bus.TopicConfigChanged, apply),
		g.bus.Subscribe(bus.TopicConfigReloaded, apply),
	)
}

// applyConfig pushes the current snapshot into every component. Each
// setter is idempotent, so applying an unchanged snapshot is harmless.
func (g *Gateway) applyConfig() {
	cfg := g.config.Snapshot()

	if lvl := cfg.Logging.Level; lvl != "" {
		SetLevel(ParseLevel(lvl))
	}
	g.auth.Update(&cfg.Channels)

	if rebuilt := g.providers.Configure(cfg.LLM); len(rebuilt) > 0 {
		L_info("gateway: provider clients rebuilt", "providers", rebuilt)
	}
	g.monitor.SetProviders(g.providers.HealthProviders())
	g.monitor.SetInterval(seconds(cfg.Gateway.HealthIntervalSeconds))
	g.monitor.SetProbeTimeout(seconds(cfg.Gateway.ProbeTimeoutSeconds))

	g.recovery.Update(recovery.SettingsFrom(cfg.Recovery))
	g.agent.Update(agent.SettingsFrom(cfg.LLM))
	g.sessions.SetTimeout(minutes(cfg.Gateway.SessionTimeout))
	g.broker.SetTimeout(seconds(cfg.Gateway.ApprovalTimeoutSeconds))
	g.limiter.SetLimit(cfg.Recovery.RateLimitPerMinute)
	if g.opts.Strategy == nil {
		g.restart.SetStrategy(restart.StrategyFor(cfg.Gateway.RestartStrategy))
	}
	g.loadScripts(cfg.Recovery.ScriptsDir)

	g.mu.Lock()
	running := g.cron != nil
	g.mu.Unlock()
	if running {
		g.syncWatcher(cfg.Gateway.WatchConfig)
	}
}

// loadScripts reloads the manifest when scripts_dir changes. A broken
// manifest keeps the previous one.
func (g *Gateway) loadScripts(dir string) {
	abs, err := paths.Resolve(g.dataDir, dir)
	if err != nil {
		L_warn("gateway: scripts dir", "dir", dir, "error", err)
		return
	}
	g.mu.Lock()
	same := abs == g.scriptsDir
	g.mu.Unlock()
	if same {
		return
	}
	m, err := scripts.LoadManifest(abs)
	if err != nil {
		L_error("gateway: loading script manifest failed", "dir", abs, "error", err)
		return
	}
	g.scripts.SetManifest(m)
	g.mu.Lock()
	g.scriptsDir = abs
	g.mu.Unlock()
	L_info("gateway: script manifest loaded", "dir", abs, "scripts", len(m.List()))
}

// syncWatcher starts or stops the config file watcher to match
// gateway.watch_config.
func (g *Gateway) syncWatcher(enabled bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch {
	case enabled && g.watcher == nil:
		w, err := config.WatchStore(g.config)
		if err != nil {
			L_warn("gateway: config watcher unavailable", "error", err)
			return
		}
		g.watcher = w
		L_info("gateway: watching config file", "path", g.config.Path())
	case !enabled && g.watcher != nil:
		g.watcher.Stop()
		g.watcher = nil
	}
}
