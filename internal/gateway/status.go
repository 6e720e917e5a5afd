package gateway

import (
	"time"

	"github.com/roelfdiedericks/lifeline/internal/health"
)

// ProviderStatus is one provider's health record in JSON form.
type ProviderStatus struct {
	Name           string     `json:"name"`
	Enabled        bool       `json:"enabled"`
	Status         string     `json:"status"`
	LastChecked    *time.Time `json:"last_checked,omitempty"`
	LatencyMs      int64      `json:"latency_ms"`
	LastError      string     `json:"last_error,omitempty"`
	UnhealthySince *time.Time `json:"unhealthy_since,omitempty"`
}

// RecoveryStatus mirrors recovery.State.
type RecoveryStatus struct {
	Active    bool       `json:"active"`
	Mode      string     `json:"mode,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	EnteredAt *time.Time `json:"entered_at,omitempty"`
}

// Status is the snapshot served by GET /api/health.
type Status struct {
	Uptime           string           `json:"uptime"`
	Channels         []string         `json:"channels"`
	Providers        []ProviderStatus `json:"providers"`
	Priority         []string         `json:"priority"`
	Recovery         RecoveryStatus   `json:"recovery"`
	PendingApprovals int              `json:"pending_approvals"`
	CheckCycles      uint64           `json:"check_cycles"`
}

// Status reports the control plane state.
func (g *Gateway) Status() Status {
	snap := g.monitor.Snapshot()
	st := Status{
		Uptime:           g.opts.Now().Sub(g.startTime).Round(time.Second).String(),
		Channels:         []string{},
		Providers:        make([]ProviderStatus, 0, len(snap.Providers)),
		Priority:         g.monitor.Priority(),
		PendingApprovals: len(g.broker.Pending()),
		CheckCycles:      snap.Cycle,
	}
	for _, ch := range g.Channels() {
		st.Channels = append(st.Channels, ch.Name())
	}
	for _, r := range snap.Providers {
		st.Providers = append(st.Providers, providerStatus(r))
	}

	rs := g.recovery.State()
	st.Recovery = RecoveryStatus{Active: rs.Active}
	if rs.Active {
		st.Recovery.Mode = rs.Mode.String()
		st.Recovery.Reason = rs.Reason
		st.Recovery.EnteredAt = timePtr(rs.EnteredAt)
	}
	return st
}

func providerStatus(r health.Record) ProviderStatus {
	p := ProviderStatus{
		Name:      r.Name,
		Enabled:   r.Enabled,
		Status:    r.Status.String(),
		LatencyMs: r.Latency.Milliseconds(),
		LastError: r.LastError,
	}
	if r.Checked() {
		p.LastChecked = timePtr(r.LastCheckedAt)
	}
	p.UnhealthySince = timePtr(r.UnhealthySince)
	return p
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
