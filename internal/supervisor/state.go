package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	. "github.com/roelfdiedericks/lifeline/internal/logging"
)

// Files under the data dir.
const (
	StateFile    = "supervisor.json"
	CrashLogFile = "crash.log"
)

// State is what supervisor.json holds.
type State struct {
	PID           int        `json:"pid"`
	StartedAt     time.Time  `json:"started_at"`
	CrashCount    int        `json:"crash_count"`
	LastCrashAt   *time.Time `json:"last_crash_at,omitempty"`
	RestartCount  int        `json:"restart_count"`
	LastRestartAt *time.Time `json:"last_restart_at,omitempty"`
}

func saveState(dir string, st State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, StateFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadState reads supervisor.json from dir.
func LoadState(dir string) (*State, error) {
	data, err := os.ReadFile(filepath.Join(dir, StateFile))
	if err != nil {
		return nil, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("supervisor: parsing state: %w", err)
	}
	return &st, nil
}

// logCrash appends one report with the captured output tail to crash.log.
func (s *Supervisor) logCrash(run Run, crashes int) {
	var b strings.Builder
	fmt.Fprintf(&b, "\n=== CRASH %s ===\n", run.Started.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "crash:     #%d since supervisor start\n", crashes)
	fmt.Fprintf(&b, "ran for:   %s\n", run.Duration.Round(time.Second))
	fmt.Fprintf(&b, "exit code: %d\n", run.ExitCode)
	if run.Err != nil {
		fmt.Fprintf(&b, "error:     %s\n", run.Err)
	}
	lines := s.tail.lines()
	fmt.Fprintf(&b, "--- last %d lines ---\n", len(lines))
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	b.WriteString("---\n")

	path := filepath.Join(s.dataDir, CrashLogFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		L_error("supervisor: opening crash log failed", "error", err)
		return
	}
	defer f.Close()
	if _, err := f.WriteString(b.String()); err != nil {
		L_error("supervisor: writing crash log failed", "error", err)
	}
}
