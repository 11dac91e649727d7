//go:build windows

package procman

import (
	"errors"
	"os"
)

// Windows has no deliverable SIGTERM; stop falls straight through to Kill.
func interrupt(*os.Process) error {
	return errors.New("interrupt not supported on windows")
}

// processAlive relies on FindProcess opening a handle, which fails once
// the process is gone.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p.Release()
	return true
}
