package metrics

import (
	"github.com/roelfdiedericks/lifeline/internal/approval"
	"github.com/roelfdiedericks/lifeline/internal/bus"
	"github.com/roelfdiedericks/lifeline/internal/health"
	. "github.com/roelfdiedericks/lifeline/internal/logging"
	"github.com/roelfdiedericks/lifeline/internal/recovery"
)

// Attach subscribes the registry to control-plane events on b.
func (r *Registry) Attach(b *bus.Bus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bus != nil {
		return
	}
	r.bus = b
	r.subs = []bus.SubscriptionID{
		b.Subscribe(bus.TopicHealthCycle, r.onHealthCycle),
		b.Subscribe(bus.TopicApprovalCreated, func(bus.Event) { r.Inc("approval.created") }),
		b.Subscribe(bus.TopicApprovalResolved, r.onApprovalResolved),
		b.Subscribe(bus.TopicRecoveryEntered, r.onRecovery),
		b.Subscribe(bus.TopicRecoveryExited, r.onRecovery),
		b.Subscribe(bus.TopicConfigChanged, r.onConfig),
		b.Subscribe(bus.TopicConfigReloaded, r.onConfig),
		b.Subscribe(bus.TopicRestart, r.onRestart),
	}
	L_debug("metrics: attached", "subscriptions", len(r.subs))
}

// Detach removes every subscription made by Attach.
func (r *Registry) Detach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bus == nil {
		return
	}
	for _, id := range r.subs {
		r.bus.Unsubscribe(id)
	}
	r.bus, r.subs = nil, nil
}

func (r *Registry) onHealthCycle(e bus.Event) {
	snap, ok := e.Data.(health.Snapshot)
	if !ok {
		return
	}
	r.Inc("health.cycles")
	for _, rec := range snap.Providers {
		if !rec.Enabled || !rec.Checked() {
			continue
		}
		r.Duration(Path("health", rec.Name, "latency"), rec.Latency)
		r.Outcome(Path("health", rec.Name, "status"), rec.Status.String())
	}
}

func (r *Registry) onApprovalResolved(e bus.Event) {
	a, ok := e.Data.(approval.Approval)
	if !ok {
		return
	}
	result := a.Decision.String()
	if a.TimedOut {
		result = "timeout"
	}
	r.Outcome("approval.resolved", result)
	if !a.ResolvedAt.IsZero() && !a.CreatedAt.IsZero() {
		r.Duration("approval.wait", a.ResolvedAt.Sub(a.CreatedAt))
	}
}

func (r *Registry) onRecovery(e bus.Event) {
	st, ok := e.Data.(recovery.State)
	if !ok {
		return
	}
	if e.Topic == bus.TopicRecoveryEntered {
		r.Outcome("recovery.entered", st.Mode.String())
		return
	}
	r.Inc("recovery.exited")
}

func (r *Registry) onConfig(e bus.Event) {
	keys, _ := e.Data.([]string)
	path := "config.set"
	if e.Topic == bus.TopicConfigReloaded {
		path = "config.reloaded"
	}
	r.Add(path, int64(max(len(keys), 1)))
}

func (r *Registry) onRestart(e bus.Event) {
	kind, _ := e.Data.(string)
	r.Outcome("restart", kind)
}
