package scripts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	. "github.com/roelfdiedericks/lifeline/internal/logging"
)

// maxOutput is how much combined output is kept (the tail wins).
const maxOutput = 8 * 1024

// Result describes one script run. A non-zero exit or a timeout is reported
// here rather than as an error.
type Result struct {
	Name     string
	ExitCode int
	TimedOut bool
	Output   string
	Duration time.Duration
}

// OK reports whether the script exited zero within its timeout.
func (r Result) OK() bool {
	return !r.TimedOut && r.ExitCode == 0
}

// Runner executes manifest scripts.
type Runner struct {
	mu       sync.RWMutex
	manifest *Manifest
}

// NewRunner creates a runner over m.
func NewRunner(m *Manifest) *Runner {
	return &Runner{manifest: m}
}

// SetManifest swaps the manifest, e.g. after scripts_dir changes.
func (r *Runner) SetManifest(m *Manifest) {
	r.mu.Lock()
	r.manifest = m
	r.mu.Unlock()
}

// Manifest returns the current manifest.
func (r *Runner) Manifest() *Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.manifest
}

// Lookup returns a script by name from the current manifest.
func (r *Runner) Lookup(name string) (Script, error) {
	return r.Manifest().Lookup(name)
}

// Run executes the named script with its manifest timeout. The error is
// non-nil only when the script is unknown or could not be started.
func (r *Runner) Run(ctx context.Context, name string) (Result, error) {
	s, err := r.Lookup(name)
	if err != nil {
		return Result{}, err
	}
	return run(ctx, s)
}

func run(ctx context.Context, s Script) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout())
	defer cancel()

	cmd := exec.CommandContext(ctx, s.path) //nolint:gosec // G204: path comes from the validated manifest
	cmd.Dir = filepath.Dir(s.path)
	out := &tailBuffer{limit: maxOutput}
	cmd.Stdout = out
	cmd.Stderr = out
	configureProcess(cmd)
	cmd.WaitDelay = 2 * time.Second

	L_info("scripts: running", "name", s.Name, "timeout", s.Timeout())
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("scripts: start %s: %w", s.Name, err)
	}
	err := cmd.Wait()

	res := Result{
		Name:     s.Name,
		Output:   out.String(),
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		res.ExitCode = -1
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) && !res.TimedOut && !errors.Is(err, exec.ErrWaitDelay) {
		L_warn("scripts: wait failed", "name", s.Name, "error", err)
		if res.ExitCode == 0 {
			res.ExitCode = -1
		}
	}

	if res.OK() {
		L_info("scripts: finished", "name", s.Name, "elapsed", res.Duration.Round(time.Millisecond))
	} else {
		L_warn("scripts: failed", "name", s.Name, "exitCode", res.ExitCode, "timedOut", res.TimedOut)
	}
	return res, nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(p)
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
		t.truncated = true
	}
	return n, nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.truncated {
		return "...\n" + t.buf.String()
	}
	return t.buf.String()
}
