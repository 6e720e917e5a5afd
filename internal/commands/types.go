package commands

import (
	"context"
	"fmt"

	"github.com/roelfdiedericks/lifeline/internal/audit"
	"github.com/roelfdiedericks/lifeline/internal/types"
)

// Kind enumerates every command the gateway understands. Adding a command
// means adding a Kind and its entry in the registry table.
type Kind int

const (
	KindHelp Kind = iota
	KindHealth
	KindConfigGet
	KindConfigSet
	KindConfigSave
	KindConfigReload
	KindConfigDiff
	KindProviderEnable
	KindProviderDisable
	KindProviderPriority
	KindProviderTest
	KindRestart
	KindRecovery
	KindScriptList
	KindScriptRun
	KindApprove
	KindDeny
	KindApprovals

	numKinds
)

// Policy says whether a command needs human sign-off.
type Policy int

const (
	NoApproval Policy = iota
	RequiresApproval
	// PerScript defers to the script manifest's requires_approval flag.
	PerScript
)

// Command is a parsed command line.
type Command struct {
	Kind Kind
	Args []string
	Raw  string // the full line as received
}

// Name returns the command's display name, e.g. "/config set".
func (c Command) Name() string {
	return registry[c.Kind].Name()
}

// Arg returns positional argument i or "".
func (c Command) Arg(i int) string {
	if i < len(c.Args) {
		return c.Args[i]
	}
	return ""
}

// CommandArgs is what a handler receives.
type CommandArgs struct {
	Command  Command
	Identity types.Identity
	// ApprovedBy and ApprovalID are set when the command ran after an
	// approval.
	ApprovedBy types.Identity
	ApprovalID string
	Usage      string
}

func (a *CommandArgs) auditEntry(result, detail string) audit.Entry {
	e := audit.Entry{
		Identity: a.Identity.String(),
		Command:  auditText(a.Command),
		Approval: audit.ApprovalNone,
		Result:   result,
		Detail:   detail,
	}
	if a.ApprovalID != "" {
		e.Approval = audit.ApprovalApproved
		e.ApprovalID = a.ApprovalID
		e.ApprovedBy = a.ApprovedBy.String()
	}
	return e
}

// Arg returns positional argument i or "".
func (a *CommandArgs) Arg(i int) string {
	if i < len(a.Command.Args) {
		return a.Command.Args[i]
	}
	return ""
}

// CommandHandler is the function signature for command handlers. Handlers
// never call the reasoning engine.
type CommandHandler func(ctx context.Context, d *Dispatcher, args *CommandArgs) *CommandResult

// CommandResult contains the result of a command execution
type CommandResult struct {
	Text     string // Plain text output
	Markdown string // Markdown formatted output
	Error    error  // Error if command failed
	Outcome  string // audit result; defaults from Error

	recorded bool // the handler already wrote the audit entry
}

// Message renders the result for a channel.
func (r *CommandResult) Message() types.Message {
	return types.Message{Text: r.Text, Markdown: r.Markdown}
}

func (r *CommandResult) outcome() string {
	if r.Outcome != "" {
		return r.Outcome
	}
	if r.Error != nil {
		return audit.ResultFailed
	}
	return audit.ResultOK
}

func textResult(s string) *CommandResult {
	return &CommandResult{Text: s}
}

func failResult(err error, format string, args ...any) *CommandResult {
	return &CommandResult{Text: fmt.Sprintf(format, args...), Error: err}
}

func invalidResult(s string) *CommandResult {
	return &CommandResult{Text: s, Outcome: audit.ResultValidationError}
}
