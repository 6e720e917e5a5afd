package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roelfdiedericks/lifeline/internal/approval"
	"github.com/roelfdiedericks/lifeline/internal/audit"
	"github.com/roelfdiedericks/lifeline/internal/health"
	"github.com/roelfdiedericks/lifeline/internal/restart"
	"github.com/roelfdiedericks/lifeline/internal/scripts"
)

func unavailable(what string) *CommandResult {
	return &CommandResult{Text: "❌ " + what + " is not available.", Error: errors.New(what + " unavailable")}
}

// handleHelp lists the registry.
func handleHelp(_ context.Context, _ *Dispatcher, _ *CommandArgs) *CommandResult {
	var sb strings.Builder
	sb.WriteString("Commands:\n")
	for k := Kind(0); k < numKinds; k++ {
		s := &registry[k]
		sb.WriteString(s.Usage())
		sb.WriteString(" - ")
		sb.WriteString(s.description)
		switch s.policy {
		case RequiresApproval:
			sb.WriteString(" (approval)")
		case PerScript:
			sb.WriteString(" (approval per script)")
		}
		sb.WriteString("\n")
	}
	return textResult(strings.TrimRight(sb.String(), "\n"))
}

// handleHealth reports provider records and recovery state. It never fails,
// whatever the providers are doing.
func handleHealth(ctx context.Context, d *Dispatcher, args *CommandArgs) *CommandResult {
	var sb strings.Builder

	if d.recovery != nil {
		st := d.recovery.State()
		if st.Active {
			fmt.Fprintf(&sb, "⚠️ Recovery mode ON (%s) since %s: %s\n", st.Mode, st.EnteredAt.Format(time.RFC3339), st.Reason)
		} else {
			sb.WriteString("Recovery mode off\n")
		}
	}

	if d.health == nil {
		sb.WriteString("No provider monitor running.")
		return textResult(sb.String())
	}
	var snap health.Snapshot
	if args.Arg(0) == "recheck" {
		snap = d.health.CheckNow(ctx)
	} else {
		snap = d.health.Snapshot()
	}
	if len(snap.Providers) == 0 {
		sb.WriteString("No providers configured.")
		return textResult(sb.String())
	}

	full := args.Arg(0) == "full"
	for _, r := range snap.Providers {
		sb.WriteString(formatRecord(r, snap.At, full))
		sb.WriteString("\n")
	}
	if full {
		fmt.Fprintf(&sb, "Priority: %s\n", strings.Join(d.health.Priority(), ", "))
		fmt.Fprintf(&sb, "Check cycles: %d\n", snap.Cycle)
		if d.approvals != nil {
			fmt.Fprintf(&sb, "Pending approvals: %d\n", len(d.approvals.Pending()))
		}
	}
	return textResult(strings.TrimRight(sb.String(), "\n"))
}

func formatRecord(r health.Record, now time.Time, full bool) string {
	if !r.Enabled {
		return fmt.Sprintf("⏸ %s: disabled", r.Name)
	}
	if !r.Checked() {
		return fmt.Sprintf("… %s: not checked yet", r.Name)
	}
	ago := now.Sub(r.LastCheckedAt).Round(time.Second)
	if r.Status == health.Healthy {
		return fmt.Sprintf("✅ %s: healthy (%s, checked %s ago)", r.Name, r.Latency.Round(time.Millisecond), ago)
	}
	line := fmt.Sprintf("❌ %s: unhealthy for %s (checked %s ago)", r.Name, now.Sub(r.UnhealthySince).Round(time.Second), ago)
	if full && r.LastError != "" {
		line += "\n   " + r.LastError
	}
	return line
}

// checkProviderName rejects unknown providers before approval.
func checkProviderName(d *Dispatcher, c Command) (string, error) {
	name := c.Args[0]
	if d.health == nil || !d.health.Has(name) {
		return "", fmt.Errorf("%w: %s", health.ErrUnknownProvider, name)
	}
	switch c.Kind {
	case KindProviderEnable:
		return "Enable provider " + name, nil
	case KindProviderDisable:
		return "Disable provider " + name, nil
	default:
		return c.Raw, nil
	}
}

func handleProviderEnable(_ context.Context, d *Dispatcher, args *CommandArgs) *CommandResult {
	return setProviderEnabled(d, args.Arg(0), true)
}

func handleProviderDisable(_ context.Context, d *Dispatcher, args *CommandArgs) *CommandResult {
	return setProviderEnabled(d, args.Arg(0), false)
}

func setProviderEnabled(d *Dispatcher, name string, enabled bool) *CommandResult {
	if d.health == nil {
		return unavailable("The provider monitor")
	}
	if d.config != nil {
		if _, err := d.config.SetValue("llm.providers."+name+".enabled", enabled); err != nil {
			return failResult(err, "❌ Could not update provider %s: %v", name, err)
		}
	}
	if err := d.health.SetEnabled(name, enabled); err != nil {
		return failResult(err, "❌ %v", err)
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	return textResult(fmt.Sprintf("✅ Provider %s %s (in memory; /config save to persist).", name, state))
}

// priorityList splits "a,b c" into names.
func priorityList(raw string) []string {
	return strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' })
}

func checkProviderPriority(d *Dispatcher, c Command) (string, error) {
	names := priorityList(c.Args[0])
	if len(names) == 0 {
		return "", errors.New("no provider names given")
	}
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if d.health == nil || !d.health.Has(n) {
			return "", fmt.Errorf("%w: %s", health.ErrUnknownProvider, n)
		}
		if seen[n] {
			return "", fmt.Errorf("provider %s listed twice", n)
		}
		seen[n] = true
	}
	return "Set provider priority to " + strings.Join(names, " → "), nil
}

func handleProviderPriority(_ context.Context, d *Dispatcher, args *CommandArgs) *CommandResult {
	if d.health == nil {
		return unavailable("The provider monitor")
	}
	names := priorityList(args.Arg(0))
	if d.config != nil {
		if _, err := d.config.SetValue("llm.provider_priority", names); err != nil {
			return failResult(err, "❌ Could not update priority: %v", err)
		}
	}
	if err := d.health.SetPriority(names); err != nil {
		return failResult(err, "❌ %v", err)
	}
	return textResult("✅ Provider priority: " + strings.Join(d.health.Priority(), " → "))
}

// handleProviderTest probes one provider without touching its record.
func handleProviderTest(ctx context.Context, d *Dispatcher, args *CommandArgs) *CommandResult {
	if d.health == nil {
		return unavailable("The provider monitor")
	}
	name := args.Arg(0)
	latency, err := d.health.Test(ctx, name)
	if err != nil {
		return failResult(err, "❌ %s: %v", name, err)
	}
	return textResult(fmt.Sprintf("✅ %s responded in %s", name, latency.Round(time.Millisecond)))
}

func checkRestart(_ *Dispatcher, c Command) (string, error) {
	if c.Arg(0) == "hard" {
		return "Hard restart (replace the gateway process)", nil
	}
	return "Soft restart (reinitialize providers and the agent)", nil
}

// handleRestart returns no text on success: the orchestrator announces
// restarts on every channel itself.
func handleRestart(ctx context.Context, d *Dispatcher, args *CommandArgs) *CommandResult {
	if d.restart == nil {
		return unavailable("Restart")
	}
	hard := args.Arg(0) == "hard"
	var err error
	if hard {
		// a successful hard restart never returns, so record it up front
		d.record(args.auditEntry(audit.ResultOK, "hard restart initiated"))
		err = d.restart.Hard(ctx, args.Identity, args.Command.Raw)
	} else {
		err = d.restart.Soft(ctx, args.Identity)
	}
	switch {
	case errors.Is(err, restart.ErrInProgress):
		return failResult(err, "⏳ A restart is already in progress.")
	case err != nil:
		return failResult(err, "❌ Restart failed: %v", err)
	}
	return &CommandResult{recorded: hard}
}

// handleRecovery is the manual lever. The controller announces transitions.
func handleRecovery(_ context.Context, d *Dispatcher, args *CommandArgs) *CommandResult {
	if d.recovery == nil {
		return unavailable("Recovery control")
	}
	if args.Arg(0) == "on" {
		if !d.recovery.Enter(args.Identity) {
			return textResult("Recovery mode is already on (manual).")
		}
		return &CommandResult{}
	}
	if !d.recovery.Exit(args.Identity) {
		return textResult("Recovery mode is already off.")
	}
	return &CommandResult{}
}

func handleScriptList(_ context.Context, d *Dispatcher, _ *CommandArgs) *CommandResult {
	if d.scripts == nil {
		return unavailable("Scripts")
	}
	list := d.scripts.Manifest().List()
	if len(list) == 0 {
		return textResult("No recovery scripts registered.")
	}
	var sb strings.Builder
	sb.WriteString("Recovery scripts:\n")
	for _, s := range list {
		fmt.Fprintf(&sb, "%s - %s (timeout %s", s.Name, s.Description, s.Timeout())
		if s.RequiresApproval {
			sb.WriteString(", approval")
		}
		sb.WriteString(")\n")
	}
	return textResult(strings.TrimRight(sb.String(), "\n"))
}

func checkScript(d *Dispatcher, c Command) (string, error) {
	if d.scripts == nil {
		return "", errors.New("scripts are not available")
	}
	s, err := d.scripts.Lookup(c.Args[0])
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Run script %s: %s", s.Name, s.Description), nil
}

// handleScriptRun reports exit code and output; failures stay in the reply.
func handleScriptRun(ctx context.Context, d *Dispatcher, args *CommandArgs) *CommandResult {
	if d.scripts == nil {
		return unavailable("Scripts")
	}
	res, err := d.scripts.Run(ctx, args.Arg(0))
	if err != nil {
		return failResult(err, "❌ Script %s: %v", args.Arg(0), err)
	}

	var sb strings.Builder
	switch {
	case res.TimedOut:
		fmt.Fprintf(&sb, "⏱ Script %s timed out after %s and was killed", res.Name, res.Duration.Round(time.Second))
	case res.ExitCode != 0:
		fmt.Fprintf(&sb, "❌ Script %s exited with status %d (%s)", res.Name, res.ExitCode, res.Duration.Round(time.Millisecond))
	default:
		fmt.Fprintf(&sb, "✅ Script %s finished (%s)", res.Name, res.Duration.Round(time.Millisecond))
	}
	if out := strings.TrimSpace(res.Output); out != "" {
		sb.WriteString("\n")
		sb.WriteString(out)
	}
	cr := textResult(sb.String())
	if !res.OK() {
		cr.Error = scriptError(res)
	}
	return cr
}

func scriptError(res scripts.Result) error {
	if res.TimedOut {
		return fmt.Errorf("script %s: timeout", res.Name)
	}
	return fmt.Errorf("script %s: exit status %d", res.Name, res.ExitCode)
}

func handleApprove(_ context.Context, d *Dispatcher, args *CommandArgs) *CommandResult {
	return resolveApproval(d, args, approval.Approved)
}

func handleDeny(_ context.Context, d *Dispatcher, args *CommandArgs) *CommandResult {
	return resolveApproval(d, args, approval.Denied)
}

// resolveApproval is the plain-text resolution path. A win is announced by
// the broker on every channel.
func resolveApproval(d *Dispatcher, args *CommandArgs, decision approval.Decision) *CommandResult {
	if d.approvals == nil {
		return unavailable("Approvals")
	}
	id := args.Arg(0)
	status, a := d.approvals.Resolve(id, args.Identity, decision)
	switch status {
	case approval.Applied:
		return &CommandResult{}
	case approval.AlreadyResolved:
		by := a.ResolvedBy.String()
		if a.TimedOut {
			by = "timeout"
		}
		return textResult(fmt.Sprintf("Approval %s was already resolved (%s by %s).", a.ID, a.Decision, by))
	default:
		return invalidResult(fmt.Sprintf("⚠️ No approval with id %s.", id))
	}
}

func handleApprovals(_ context.Context, d *Dispatcher, _ *CommandArgs) *CommandResult {
	if d.approvals == nil {
		return unavailable("Approvals")
	}
	pending := d.approvals.Pending()
	if len(pending) == 0 {
		return textResult("No pending approvals.")
	}
	var sb strings.Builder
	sb.WriteString("Pending approvals:\n")
	for _, a := range pending {
		fmt.Fprintf(&sb, "%s - %s (by %s, expires %s)\n", a.ID, a.Description, a.Requester, a.ExpiresAt.Format("15:04:05"))
	}
	sb.WriteString("Reply /approve <id> or /deny <id>.")
	return textResult(sb.String())
}
