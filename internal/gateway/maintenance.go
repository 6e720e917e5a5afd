package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	. "github.com/roelfdiedericks/lifeline/internal/logging"
)

// approvalRetention is how long resolved approvals are kept, in memory and
// in the database, for /approve replies that arrive late.
const approvalRetention = 24 * time.Hour

// maintenanceJobs are the periodic housekeeping tasks.
func (g *Gateway) maintenanceJobs() map[string]func() {
	return map[string]func(){
		"@every 1m": func() {
			if n := g.limiter.Prune(); n > 0 {
				L_trace("gateway: rate limiter pruned", "identities", n)
			}
		},
		"@every 5m": func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if _, err := g.sessions.ExpireIdle(ctx); err != nil {
				L_warn("gateway: session expiry failed", "error", err)
			}
		},
		"@hourly": func() {
			dropped := g.broker.Prune(approvalRetention)
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			rows, err := g.db.PruneApprovals(ctx, g.opts.Now().Add(-approvalRetention))
			if err != nil {
				L_warn("gateway: approval prune failed", "error", err)
				return
			}
			L_debug("gateway: approvals pruned", "memory", dropped, "rows", rows)
		},
	}
}

// startMaintenance schedules the housekeeping jobs.
func (g *Gateway) startMaintenance() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cron != nil {
		return fmt.Errorf("gateway: maintenance already running")
	}
	c := cron.New(cron.WithChain(cron.Recover(cronLogger{})))
	for spec, job := range g.maintenanceJobs() {
		if _, err := c.AddFunc(spec, job); err != nil {
			return fmt.Errorf("gateway: schedule %q: %w", spec, err)
		}
	}
	c.Start()
	g.cron = c
	return nil
}

func (g *Gateway) stopMaintenance() {
	g.mu.Lock()
	c := g.cron
	g.cron = nil
	g.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// cronLogger routes scheduler messages into the gateway log.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	L_trace("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	L_error("cron: "+msg, append(keysAndValues, "error", err)...)
}
