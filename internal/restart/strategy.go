package restart

import (
	"context"
	"fmt"
	"os"
	"syscall"

	. "github.com/roelfdiedericks/lifeline/internal/logging"
	"github.com/roelfdiedericks/lifeline/internal/supervisor"
)

// Strategy replaces the running process. Restart does not return on success.
type Strategy interface {
	Name() string
	Restart(ctx context.Context) error
}

// SupervisorStrategy exits with supervisor.ExitRestart so the supervisor
// relaunches the gateway.
type SupervisorStrategy struct {
	Exit func(code int) // os.Exit when nil
}

func (s SupervisorStrategy) Name() string { return "supervisor" }

func (s SupervisorStrategy) Restart(context.Context) error {
	exit := s.Exit
	if exit == nil {
		exit = os.Exit
	}
	L_info("restart: exiting for supervisor relaunch", "code", supervisor.ExitRestart)
	exit(supervisor.ExitRestart)
	return nil
}

// ExecStrategy replaces the process image with a fresh copy of the binary,
// keeping the pid and arguments.
type ExecStrategy struct {
	Binary string   // os.Executable when empty
	Args   []string // os.Args when nil
}

func (s ExecStrategy) Name() string { return "exec" }

func (s ExecStrategy) Restart(context.Context) error {
	binary := s.Binary
	if binary == "" {
		var err error
		if binary, err = os.Executable(); err != nil {
			return fmt.Errorf("restart: locate executable: %w", err)
		}
	}
	args := s.Args
	if args == nil {
		args = os.Args
	}
	L_info("restart: replacing process image", "binary", binary)
	if err := syscall.Exec(binary, args, os.Environ()); err != nil { //nolint:gosec // G204: re-executing ourselves
		return fmt.Errorf("restart: exec: %w", err)
	}
	return nil
}

// StrategyFor maps gateway.restart_strategy to an implementation. "auto"
// delegates to the supervisor when one is present and execs otherwise.
func StrategyFor(name string) Strategy {
	switch name {
	case "supervisor":
		return SupervisorStrategy{}
	case "exec":
		return ExecStrategy{}
	default:
		if supervisor.Supervised() {
			return SupervisorStrategy{}
		}
		return ExecStrategy{}
	}
}
