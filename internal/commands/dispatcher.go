package commands

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/roelfdiedericks/lifeline/internal/approval"
	"github.com/roelfdiedericks/lifeline/internal/audit"
	"github.com/roelfdiedericks/lifeline/internal/config"
	"github.com/roelfdiedericks/lifeline/internal/health"
	. "github.com/roelfdiedericks/lifeline/internal/logging"
	"github.com/roelfdiedericks/lifeline/internal/ratelimit"
	"github.com/roelfdiedericks/lifeline/internal/recovery"
	"github.com/roelfdiedericks/lifeline/internal/scripts"
	"github.com/roelfdiedericks/lifeline/internal/types"
)

// Sender delivers a message to one identity on its channel.
type Sender interface {
	Send(ctx context.Context, to types.Identity, msg types.Message) error
}

// Auditor records command attempts.
type Auditor interface {
	Append(e audit.Entry) error
}

// Restarter performs soft and hard restarts.
type Restarter interface {
	Soft(ctx context.Context, by types.Identity) error
	Hard(ctx context.Context, by types.Identity, reason string) error
}

// Options wire a Dispatcher to the components its handlers drive. Any of
// them may be nil; handlers for a missing component reply that it is
// unavailable.
type Options struct {
	Config    *config.Store
	Health    *health.Monitor
	Recovery  *recovery.Controller
	Approvals *approval.Broker
	Restart   Restarter
	Scripts   *scripts.Runner
	Limiter   *ratelimit.Window
	Audit     Auditor
	Sender    Sender
}

// Dispatcher runs commands: rate limit, parse, validate, approval gate,
// handler, audit, reply.
type Dispatcher struct {
	config    *config.Store
	health    *health.Monitor
	recovery  *recovery.Controller
	approvals *approval.Broker
	restart   Restarter
	scripts   *scripts.Runner
	limiter   *ratelimit.Window
	audit     Auditor
	sender    Sender

	// base outlives soft restarts; approval waits and background commands
	// run under it.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(opts Options) *Dispatcher {
	base, cancel := context.WithCancel(context.Background())
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.New(ratelimit.DefaultLimit, time.Minute)
	}
	return &Dispatcher{
		config:    opts.Config,
		health:    opts.Health,
		recovery:  opts.Recovery,
		approvals: opts.Approvals,
		restart:   opts.Restart,
		scripts:   opts.Scripts,
		limiter:   opts.Limiter,
		audit:     opts.Audit,
		sender:    opts.Sender,
		base:      base,
		cancel:    cancel,
	}
}

// Close abandons approval waits and background commands. Pending approvals
// stay in the broker's store for the next process.
func (d *Dispatcher) Close() {
	d.cancel()
}

// Wait blocks until background work has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Dispatch handles one command line from an authorized identity. The
// returned result is the immediate reply; nil means nothing to send now
// (approval prompts and background results are delivered separately).
func (d *Dispatcher) Dispatch(ctx context.Context, from types.Identity, text string) *CommandResult {
	if !d.limiter.Allow(from.String()) {
		wait := d.limiter.RetryAfter(from.String()).Round(time.Second)
		d.record(audit.Entry{
			Identity: from.String(),
			Command:  commandWord(text),
			Result:   audit.ResultRateLimited,
		})
		L_debug("commands: rate limited", "identity", from.String(), "retryAfter", wait)
		return &CommandResult{
			Text:    fmt.Sprintf("⏳ Too many commands. Try again in %s.", wait),
			Outcome: audit.ResultRateLimited,
		}
	}

	cmd, err := Parse(text)
	if err != nil {
		res := parseFailure(err)
		d.record(audit.Entry{Identity: from.String(), Command: commandWord(text), Result: res.Outcome, Detail: err.Error()})
		return res
	}
	s := &registry[cmd.Kind]
	L_debug("commands: dispatch", "command", s.Name(), "identity", from.String())

	description := cmd.Raw
	if s.check != nil {
		description, err = s.check(d, cmd)
		if err != nil {
			res := checkFailure(err)
			d.record(audit.Entry{Identity: from.String(), Command: auditText(cmd), Result: res.Outcome, Detail: err.Error()})
			return res
		}
	}

	if d.needsApproval(s, cmd) {
		return d.requestApproval(ctx, cmd, description, from)
	}
	return d.execute(ctx, cmd, from, execMeta{approval: audit.ApprovalNone})
}

// ResumeApprovals re-attaches commands to approvals restored from a
// previous process. Approved ones run as pre-approved.
func (d *Dispatcher) ResumeApprovals(restored []approval.Restored) {
	for _, r := range restored {
		cmd, err := Parse(r.Approval.Action)
		if err != nil {
			L_warn("commands: cannot resume approval", "id", r.Approval.ID, "action", r.Approval.Action, "error", err)
			continue
		}
		d.await(cmd, r.Approval, r.Future)
	}
}

func (d *Dispatcher) needsApproval(s *spec, cmd Command) bool {
	switch s.policy {
	case RequiresApproval:
		return true
	case PerScript:
		if d.scripts == nil {
			return true
		}
		sc, err := d.scripts.Lookup(cmd.Arg(0))
		return err != nil || sc.RequiresApproval
	default:
		return false
	}
}

func (d *Dispatcher) requestApproval(ctx context.Context, cmd Command, description string, from types.Identity) *CommandResult {
	if d.approvals == nil {
		d.record(audit.Entry{Identity: from.String(), Command: auditText(cmd), Result: audit.ResultFailed, Detail: "approval broker unavailable"})
		return &CommandResult{Text: "❌ Approvals are unavailable; " + cmd.Name() + " was not run."}
	}
	a, future, err := d.approvals.Request(ctx, description, cmd.Raw, from)
	if err != nil {
		d.record(audit.Entry{Identity: from.String(), Command: auditText(cmd), Result: audit.ResultFailed, Detail: err.Error()})
		return failResult(err, "❌ Could not request approval: %v", err)
	}
	d.await(cmd, a, future)
	// the broker has already broadcast the prompt, requester included
	return nil
}

// await runs cmd once its approval resolves.
func (d *Dispatcher) await(cmd Command, a approval.Approval, future *approval.Future) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		out, err := future.Wait(d.base)
		if err != nil {
			L_debug("commands: approval wait abandoned", "id", a.ID, "error", err)
			return
		}
		meta := execMeta{approvalID: a.ID, approvedBy: out.By}
		switch {
		case out.Decision == approval.Approved:
			meta.approval = audit.ApprovalApproved
			res := d.execute(d.base, cmd, a.Requester, meta)
			d.deliver(res, a.Requester, out.By)
		case out.TimedOut:
			d.record(audit.Entry{
				Identity: a.Requester.String(), Command: auditText(cmd),
				Approval: audit.ApprovalTimedOut, ApprovalID: a.ID, Result: audit.ResultApprovalTimeout,
			})
		default:
			d.record(audit.Entry{
				Identity: a.Requester.String(), Command: auditText(cmd),
				Approval: audit.ApprovalDenied, ApprovalID: a.ID, ApprovedBy: out.By.String(),
				Result: audit.ResultApprovalDenied,
			})
		}
	}()
}

type execMeta struct {
	approval   string
	approvalID string
	approvedBy types.Identity
}

// execute runs the handler, inline or in the background. Background results
// go to from through the Sender.
func (d *Dispatcher) execute(ctx context.Context, cmd Command, from types.Identity, meta execMeta) *CommandResult {
	s := &registry[cmd.Kind]
	args := &CommandArgs{Command: cmd, Identity: from, ApprovedBy: meta.approvedBy, ApprovalID: meta.approvalID, Usage: s.Usage()}

	if !s.runsAsync(cmd) {
		res := d.invoke(ctx, s, args)
		d.recordResult(cmd, from, meta, res)
		return res
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		res := d.invoke(d.base, s, args)
		d.recordResult(cmd, from, meta, res)
		d.deliver(res, from, meta.approvedBy)
	}()
	if meta.approval == audit.ApprovalApproved {
		return nil
	}
	return textResult(fmt.Sprintf("⏳ %s running…", s.Name()))
}

// invoke calls the handler, turning a panic into a generic failure.
func (d *Dispatcher) invoke(ctx context.Context, s *spec, args *CommandArgs) (res *CommandResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			L_error("commands: handler panic", "command", s.Name(), "panic", r, "stack", string(debug.Stack()))
			res = &CommandResult{
				Text:    fmt.Sprintf("❌ %s failed with an internal error.", s.Name()),
				Error:   fmt.Errorf("panic: %v", r),
				Outcome: audit.ResultPanic,
			}
		}
	}()
	res = s.handler(ctx, d, args)
	if res == nil {
		res = &CommandResult{}
	}
	L_debug("commands: handled", "command", s.Name(), "outcome", res.outcome(), "elapsed", time.Since(start).Round(time.Millisecond))
	return res
}

func (d *Dispatcher) recordResult(cmd Command, from types.Identity, meta execMeta, res *CommandResult) {
	if res.recorded && res.Error == nil {
		return
	}
	e := audit.Entry{
		Identity:   from.String(),
		Command:    auditText(cmd),
		Approval:   meta.approval,
		ApprovalID: meta.approvalID,
		Result:     res.outcome(),
	}
	if !meta.approvedBy.IsZero() {
		e.ApprovedBy = meta.approvedBy.String()
	}
	if res.Error != nil {
		e.Detail = res.Error.Error()
	}
	d.record(e)
}

func (d *Dispatcher) record(e audit.Entry) {
	if d.audit == nil {
		return
	}
	if err := d.audit.Append(e); err != nil {
		L_error("commands: audit write failed", "command", e.Command, "error", err)
	}
}

// deliver sends a late result to the requester and, if someone else
// approved it, to the approver too.
func (d *Dispatcher) deliver(res *CommandResult, to, approver types.Identity) {
	if res == nil || d.sender == nil {
		return
	}
	msg := res.Message()
	if msg.Body() == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	targets := []types.Identity{to}
	if !approver.IsZero() && approver != to && approver != types.System {
		targets = append(targets, approver)
	}
	for _, id := range targets {
		if err := d.sender.Send(ctx, id, msg); err != nil {
			L_warn("commands: deliver result failed", "to", id.String(), "error", err)
		}
	}
}

func (s *spec) runsAsync(c Command) bool {
	if s.async {
		return true
	}
	// /health recheck probes every provider
	return c.Kind == KindHealth && c.Arg(0) == "recheck"
}

func parseFailure(err error) *CommandResult {
	if errors.Is(err, ErrUsage) {
		return &CommandResult{Text: "⚠️ " + strings.TrimPrefix(err.Error(), ErrUsage.Error()+": "), Outcome: audit.ResultValidationError}
	}
	name := strings.TrimPrefix(strings.TrimPrefix(err.Error(), ErrUnknown.Error()), ": ")
	if name == "" {
		name = Prefix
	}
	return &CommandResult{
		Text:    fmt.Sprintf("❓ Command not recognized: %s. Try /help.", name),
		Outcome: audit.ResultUnknownCommand,
	}
}

func checkFailure(err error) *CommandResult {
	if errors.Is(err, config.ErrBlockedKey) {
		return &CommandResult{Text: "🚫 " + err.Error() + ". Blocked keys cannot be changed remotely.", Outcome: audit.ResultBlockedKey}
	}
	return &CommandResult{Text: "⚠️ " + err.Error(), Outcome: audit.ResultValidationError}
}

// commandWord is the first word of a line, used when the rest must not be
// recorded.
func commandWord(text string) string {
	f := strings.Fields(text)
	if len(f) == 0 {
		return ""
	}
	return f[0]
}

// auditText is the command line as recorded, with secret values masked.
func auditText(cmd Command) string {
	if cmd.Kind == KindConfigSet && config.IsSecretKey(cmd.Arg(0)) {
		return registry[cmd.Kind].Name() + " " + cmd.Arg(0) + " ****"
	}
	return cmd.Raw
}
