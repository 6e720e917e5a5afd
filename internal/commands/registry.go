// Package commands implements the command dispatcher: slash commands that
// run without the reasoning engine, behind rate limiting, approvals and the
// audit log.
package commands

import (
	"errors"
	"fmt"
	"strings"
)

// Prefix marks command input.
const Prefix = "/"

var (
	ErrNotCommand = errors.New("not a command")
	ErrUnknown    = errors.New("command not recognized")
	ErrUsage      = errors.New("bad command usage")
)

// spec is one registry entry.
type spec struct {
	path        []string // e.g. {"config", "set"}
	usage       string   // argument synopsis
	description string
	minArgs     int
	maxArgs     int  // ignored when rest is set
	rest        bool // the last argument takes the remainder of the line
	choices     []string
	policy      Policy
	async       bool // runs in the background; the result is delivered later

	// check validates arguments before any approval is requested and
	// returns the approval description. Nil means "describe by raw text".
	check   func(d *Dispatcher, c Command) (string, error)
	handler CommandHandler
}

// Name returns "/config set" style names.
func (s *spec) Name() string {
	return Prefix + strings.Join(s.path, " ")
}

// Usage returns the full usage line.
func (s *spec) Usage() string {
	if s.usage == "" {
		return s.Name()
	}
	return s.Name() + " " + s.usage
}

// registry is indexed by Kind; it is filled in init so handlers may refer
// back to it.
var registry [numKinds]spec

func init() {
	registry = [numKinds]spec{
		KindHelp: {
			path: []string{"help"}, description: "List commands",
			handler: handleHelp,
		},
		KindHealth: {
			path: []string{"health"}, usage: "[recheck|full]", description: "Provider health and recovery state",
			maxArgs: 1, choices: []string{"recheck", "full"},
			handler: handleHealth,
		},
		KindConfigGet: {
			path: []string{"config", "get"}, usage: "<key>", description: "Show a config value",
			minArgs: 1, maxArgs: 1,
			handler: handleConfigGet,
		},
		KindConfigSet: {
			path: []string{"config", "set"}, usage: "<key> <value>", description: "Change a safe config value in memory",
			minArgs: 2, rest: true, policy: RequiresApproval,
			check: checkConfigSet, handler: handleConfigSet,
		},
		KindConfigSave: {
			path: []string{"config", "save"}, description: "Write the in-memory config to disk",
			policy: RequiresApproval, handler: handleConfigSave,
		},
		KindConfigReload: {
			path: []string{"config", "reload"}, description: "Re-read the config file",
			policy: RequiresApproval, handler: handleConfigReload,
		},
		KindConfigDiff: {
			path: []string{"config", "diff"}, description: "Show unsaved changes",
			handler: handleConfigDiff,
		},
		KindProviderEnable: {
			path: []string{"provider", "enable"}, usage: "<name>", description: "Enable a provider",
			minArgs: 1, maxArgs: 1, policy: RequiresApproval,
			check: checkProviderName, handler: handleProviderEnable,
		},
		KindProviderDisable: {
			path: []string{"provider", "disable"}, usage: "<name>", description: "Disable a provider",
			minArgs: 1, maxArgs: 1, policy: RequiresApproval,
			check: checkProviderName, handler: handleProviderDisable,
		},
		KindProviderPriority: {
			path: []string{"provider", "priority"}, usage: "<name,name,...>", description: "Set failover order",
			minArgs: 1, rest: true, policy: RequiresApproval,
			check: checkProviderPriority, handler: handleProviderPriority,
		},
		KindProviderTest: {
			path: []string{"provider", "test"}, usage: "<name>", description: "Probe one provider",
			minArgs: 1, maxArgs: 1, async: true,
			check: checkProviderName, handler: handleProviderTest,
		},
		KindRestart: {
			path: []string{"restart"}, usage: "[hard]", description: "Restart the gateway (soft, or hard)",
			maxArgs: 1, choices: []string{"hard"}, policy: RequiresApproval, async: true,
			check: checkRestart, handler: handleRestart,
		},
		KindRecovery: {
			path: []string{"recovery"}, usage: "on|off", description: "Force recovery mode on or off",
			minArgs: 1, maxArgs: 1, choices: []string{"on", "off"},
			handler: handleRecovery,
		},
		KindScriptList: {
			path: []string{"script", "list"}, description: "List recovery scripts",
			handler: handleScriptList,
		},
		KindScriptRun: {
			path: []string{"script", "run"}, usage: "<name>", description: "Run a recovery script",
			minArgs: 1, maxArgs: 1, policy: PerScript, async: true,
			check: checkScript, handler: handleScriptRun,
		},
		KindApprove: {
			path: []string{"approve"}, usage: "<id>", description: "Approve a pending request",
			minArgs: 1, maxArgs: 1, handler: handleApprove,
		},
		KindDeny: {
			path: []string{"deny"}, usage: "<id>", description: "Deny a pending request",
			minArgs: 1, maxArgs: 1, handler: handleDeny,
		},
		KindApprovals: {
			path: []string{"approvals"}, description: "List pending approvals",
			handler: handleApprovals,
		},
	}
	for k := Kind(0); k < numKinds; k++ {
		if registry[k].handler == nil || len(registry[k].path) == 0 {
			panic(fmt.Sprintf("commands: kind %d has no registry entry", k))
		}
	}
}

// IsCommand checks if text is a command
func IsCommand(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), Prefix)
}

// Parse resolves a command line to a Command. Unknown names return
// ErrUnknown; known names with bad arguments return ErrUsage.
func Parse(text string) (Command, error) {
	raw := strings.TrimSpace(text)
	if !strings.HasPrefix(raw, Prefix) {
		return Command{}, ErrNotCommand
	}
	fields := strings.Fields(raw[len(Prefix):])
	if len(fields) == 0 {
		return Command{}, ErrUnknown
	}
	// telegram appends @botname in groups
	name, _, _ := strings.Cut(strings.ToLower(fields[0]), "@")

	var group []Kind
	for k := Kind(0); k < numKinds; k++ {
		if registry[k].path[0] == name {
			group = append(group, k)
		}
	}
	if len(group) == 0 {
		return Command{}, fmt.Errorf("%w: %s%s", ErrUnknown, Prefix, name)
	}

	kind := group[0]
	consumed := 1
	if len(registry[kind].path) > 1 {
		if len(fields) < 2 {
			return Command{}, fmt.Errorf("%w: usage: %s", ErrUsage, subUsage(group))
		}
		sub := strings.ToLower(fields[1])
		found := false
		for _, k := range group {
			if registry[k].path[1] == sub {
				kind, found = k, true
				break
			}
		}
		if !found {
			return Command{}, fmt.Errorf("%w: unknown subcommand %q; usage: %s", ErrUsage, sub, subUsage(group))
		}
		consumed = 2
	}

	s := &registry[kind]
	args := fields[consumed:]
	if s.rest && len(args) > s.minArgs {
		// re-split so the final argument keeps its original spacing
		args = splitRest(raw[len(Prefix):], consumed, s.minArgs)
	}
	if len(args) < s.minArgs || (!s.rest && len(args) > s.maxArgs) {
		return Command{}, fmt.Errorf("%w: usage: %s", ErrUsage, s.Usage())
	}
	if len(s.choices) > 0 && len(args) > 0 {
		args[0] = strings.ToLower(args[0])
		if !contains(s.choices, args[0]) {
			return Command{}, fmt.Errorf("%w: usage: %s", ErrUsage, s.Usage())
		}
	}
	return Command{Kind: kind, Args: args, Raw: raw}, nil
}

// splitRest returns n arguments after skipping skip words; the last one
// holds the rest of the line verbatim.
func splitRest(line string, skip, n int) []string {
	rest := strings.TrimSpace(line)
	for i := 0; i < skip; i++ {
		rest = cutWord(rest)
	}
	args := make([]string, 0, n)
	for i := 0; i < n-1; i++ {
		f := strings.Fields(rest)
		args = append(args, f[0])
		rest = cutWord(rest)
	}
	return append(args, rest)
}

func cutWord(s string) string {
	s = strings.TrimLeft(s, " \t")
	if i := strings.IndexAny(s, " \t\n"); i >= 0 {
		return strings.TrimSpace(s[i:])
	}
	return ""
}

func subUsage(group []Kind) string {
	subs := make([]string, len(group))
	for i, k := range group {
		subs[i] = registry[k].path[1]
	}
	return Prefix + registry[group[0]].path[0] + " " + strings.Join(subs, "|")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
