// Package supervisor keeps a gateway subprocess running. Crashes are logged
// to crash.log and relaunched with exponential backoff; an exit with
// ExitRestart is a requested hard restart and relaunches at once.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	. "github.com/roelfdiedericks/lifeline/internal/logging"
)

// ExitRestart is the gateway exit code that requests an immediate relaunch.
const ExitRestart = 75

// EnvSupervised is set to "1" in the environment of supervised gateways.
const EnvSupervised = "LIFELINE_SUPERVISED"

const (
	initialBackoff = time.Second
	maxBackoff     = 5 * time.Minute
	healthyRun     = 5 * time.Minute // a run this long resets the backoff
	tailLines      = 50
)

// Supervised reports whether this process runs under a supervisor.
func Supervised() bool {
	return os.Getenv(EnvSupervised) == "1"
}

// Run is one gateway process lifetime.
type Run struct {
	Started  time.Time
	Duration time.Duration
	ExitCode int
	Err      error
}

// Launcher starts the gateway and blocks until it exits. Output lines go to
// out. Cancelling ctx asks the process to terminate.
type Launcher func(ctx context.Context, out func(line string)) (exitCode int, err error)

// Supervisor relaunches the gateway until it exits cleanly or ctx ends.
type Supervisor struct {
	dataDir string
	launch  Launcher
	tail    *tail

	mu    sync.Mutex
	state State

	initialBackoff time.Duration
	maxBackoff     time.Duration
	sleep          func(ctx context.Context, d time.Duration) bool
}

// New supervises "<this binary> gateway args...".
func New(dataDir string, args ...string) *Supervisor {
	return NewWithLauncher(dataDir, SelfLauncher(args...))
}

// NewWithLauncher supervises whatever launch starts.
func NewWithLauncher(dataDir string, launch Launcher) *Supervisor {
	return &Supervisor{
		dataDir:        dataDir,
		launch:         launch,
		tail:           newTail(tailLines),
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
		sleep:          sleepCtx,
	}
}

// Run blocks until the gateway exits with code 0 or ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	s.update(func(st *State) {
		*st = State{PID: os.Getpid(), StartedAt: time.Now()}
	})
	L_info("supervisor: started", "pid", os.Getpid())

	backoff := s.initialBackoff
	for ctx.Err() == nil {
		run := s.runOnce(ctx)
		if ctx.Err() != nil {
			break
		}

		switch {
		case run.ExitCode == 0:
			L_info("supervisor: gateway exited cleanly", "ran_for", run.Duration)
			return nil

		case run.ExitCode == ExitRestart:
			s.update(func(st *State) {
				st.RestartCount++
				st.LastRestartAt = timePtr(time.Now())
			})
			backoff = s.initialBackoff
			L_info("supervisor: gateway requested restart", "ran_for", run.Duration)
			continue
		}

		if run.Duration > healthyRun {
			backoff = s.initialBackoff
		}
		var crashes int
		s.update(func(st *State) {
			st.CrashCount++
			st.LastCrashAt = timePtr(time.Now())
			crashes = st.CrashCount
		})
		s.logCrash(run, crashes)
		L_error("supervisor: gateway crashed",
			"exit_code", run.ExitCode,
			"ran_for", run.Duration,
			"crash_count", crashes,
			"backoff", backoff)

		if !s.sleep(ctx, backoff) {
			break
		}
		backoff = min(backoff*2, s.maxBackoff)
	}
	L_info("supervisor: stopping")
	return nil
}

func (s *Supervisor) runOnce(ctx context.Context) Run {
	s.tail.reset()
	run := Run{Started: time.Now()}
	run.ExitCode, run.Err = s.launch(ctx, s.tail.write)
	run.Duration = time.Since(run.Started)
	return run
}

// State returns a copy of the persisted state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) update(fn func(*State)) {
	s.mu.Lock()
	fn(&s.state)
	st := s.state
	s.mu.Unlock()
	if err := saveState(s.dataDir, st); err != nil {
		L_error("supervisor: saving state failed", "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func timePtr(t time.Time) *time.Time { return &t }

// SelfLauncher runs this executable with "gateway" and args. Output is
// echoed to stdout, which is the daemon log when running detached.
func SelfLauncher(args ...string) Launcher {
	return func(ctx context.Context, out func(string)) (int, error) {
		binary, err := os.Executable()
		if err != nil {
			return -1, fmt.Errorf("supervisor: locating binary: %w", err)
		}
		cmd := exec.Command(binary, append([]string{"gateway"}, args...)...) //nolint:gosec // self-spawn
		cmd.Env = append(os.Environ(), EnvSupervised+"=1")
		stdout, _ := cmd.StdoutPipe()
		stderr, _ := cmd.StderrPipe()

		if err := cmd.Start(); err != nil {
			return -1, fmt.Errorf("supervisor: starting gateway: %w", err)
		}
		L_info("supervisor: gateway started", "pid", cmd.Process.Pid)

		var wg sync.WaitGroup
		wg.Add(2)
		go pipeLines(stdout, out, &wg)
		go pipeLines(stderr, out, &wg)

		stop := context.AfterFunc(ctx, func() {
			L_debug("supervisor: forwarding SIGTERM", "pid", cmd.Process.Pid)
			_ = cmd.Process.Signal(syscall.SIGTERM)
		})
		defer stop()

		wg.Wait()
		err = cmd.Wait()
		code := 0
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}
		return code, err
	}
}

func pipeLines(r io.Reader, out func(string), wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		out(line)
		fmt.Println(line)
	}
}
