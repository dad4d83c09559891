//go:build !windows

package process

import (
	"errors"

	"golang.org/x/sys/unix"
)

func signalZero(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
