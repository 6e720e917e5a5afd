//go:build windows

package scripts

import "os/exec"

func configureProcess(cmd *exec.Cmd) {}
