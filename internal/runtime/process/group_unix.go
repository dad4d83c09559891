//go:build !windows

package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// processGroup addresses the group created by Setpgid; its id equals the
// root pid.
type processGroup struct {
	pgid int
}

func attachGroup(cmd *exec.Cmd) (processGroup, error) {
	return processGroup{pgid: cmd.Process.Pid}, nil
}

func (g processGroup) terminate() error {
	return g.signal(unix.SIGTERM)
}

func (g processGroup) kill() error {
	return g.signal(unix.SIGKILL)
}

func (g processGroup) signal(sig unix.Signal) error {
	if err := unix.Kill(-g.pgid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signal process group %d: %w", g.pgid, err)
	}
	return nil
}

func (g processGroup) release() {}

func exitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal())
	}
	return state.ExitCode()
}
