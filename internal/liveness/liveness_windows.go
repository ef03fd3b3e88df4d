//go:build windows

package liveness

import (
	"os"
	"syscall"
)

func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil || process == nil {
		return false
	}
	// Signal 0 probes without delivering; treat "not supported" as alive
	// since FindProcess succeeded.
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return err != os.ErrProcessDone
}
