package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roelfdiedericks/lifeline/internal/audit"
	"github.com/roelfdiedericks/lifeline/internal/config"
)

// formatValue renders a config value: scalars inline, composites as YAML.
func formatValue(v any) string {
	switch v.(type) {
	case nil:
		return "(unset)"
	case map[string]any, []any, []string:
		data, err := yaml.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return "\n" + strings.TrimRight(string(data), "\n")
	case string:
		return fmt.Sprintf("%q", v)
	default:
		return fmt.Sprint(v)
	}
}

// configFailure maps store errors onto audit outcomes.
func configFailure(err error) *CommandResult {
	switch {
	case errors.Is(err, config.ErrBlockedKey):
		return &CommandResult{Text: "🚫 " + err.Error(), Error: err, Outcome: audit.ResultBlockedKey}
	case errors.Is(err, config.ErrInvalidKey), errors.Is(err, config.ErrNotFound), errors.Is(err, config.ErrTypeMismatch):
		return &CommandResult{Text: "⚠️ " + err.Error(), Error: err, Outcome: audit.ResultValidationError}
	default:
		return failResult(err, "❌ %v", err)
	}
}

// handleConfigGet has no side effects.
func handleConfigGet(_ context.Context, d *Dispatcher, args *CommandArgs) *CommandResult {
	if d.config == nil {
		return unavailable("The config store")
	}
	key := args.Arg(0)
	v, err := d.config.Get(key)
	if err != nil {
		return configFailure(err)
	}
	return textResult(fmt.Sprintf("%s = %s  [%s]", key, formatValue(config.Mask(key, v)), d.config.Classify(key)))
}

// checkConfigSet runs every check Set would, so blocked keys and bad values
// never reach the approval broker.
func checkConfigSet(d *Dispatcher, c Command) (string, error) {
	if d.config == nil {
		return "", errors.New("the config store is not available")
	}
	key, raw := c.Args[0], c.Args[1]
	v, err := d.config.Check(key, raw)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Set config %s = %s", key, formatValue(config.Mask(key, v))), nil
}

func handleConfigSet(_ context.Context, d *Dispatcher, args *CommandArgs) *CommandResult {
	if d.config == nil {
		return unavailable("The config store")
	}
	key, raw := args.Arg(0), args.Arg(1)
	old, err := d.config.Set(key, raw)
	if err != nil {
		return configFailure(err)
	}
	cur, _ := d.config.Get(key)
	return textResult(fmt.Sprintf("✅ %s: %s → %s (in memory; /config save to persist)",
		key, formatValue(config.Mask(key, old)), formatValue(config.Mask(key, cur))))
}

func handleConfigSave(_ context.Context, d *Dispatcher, _ *CommandArgs) *CommandResult {
	if d.config == nil {
		return unavailable("The config store")
	}
	if err := d.config.Save(); err != nil {
		return failResult(err, "❌ Save failed: %v", err)
	}
	return textResult("✅ Config saved to " + d.config.Path())
}

func handleConfigReload(_ context.Context, d *Dispatcher, _ *CommandArgs) *CommandResult {
	if d.config == nil {
		return unavailable("The config store")
	}
	keys, err := d.config.Reload()
	if err != nil {
		return failResult(err, "❌ Reload failed, keeping the current config: %v", err)
	}
	if len(keys) == 0 {
		return textResult("✅ Config reloaded; nothing changed.")
	}
	return textResult(fmt.Sprintf("✅ Config reloaded; %d changed: %s", len(keys), strings.Join(keys, ", ")))
}

func handleConfigDiff(_ context.Context, d *Dispatcher, _ *CommandArgs) *CommandResult {
	if d.config == nil {
		return unavailable("The config store")
	}
	changes, err := d.config.Diff()
	if err != nil {
		return failResult(err, "❌ Diff failed: %v", err)
	}
	if len(changes) == 0 {
		return textResult("No unsaved changes.")
	}
	var sb strings.Builder
	sb.WriteString("Unsaved changes (disk → memory):\n")
	for _, c := range changes {
		fmt.Fprintf(&sb, "%s: %s → %s\n", c.Key,
			inline(config.Mask(c.Key, c.Disk)), inline(config.Mask(c.Key, c.Memory)))
	}
	return textResult(strings.TrimRight(sb.String(), "\n"))
}

// inline renders a diff value on one line.
func inline(v any) string {
	if v == nil {
		return "(unset)"
	}
	if s, ok := v.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	return fmt.Sprint(v)
}
