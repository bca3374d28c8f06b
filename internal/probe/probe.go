// Package probe isolates process-liveness checking from the claim logic so
// stale-lock reclamation can be tested without killing real processes.
package probe

import (
	"os"
	"syscall"
)

// HealthProbe answers whether the process holding a lock is still alive.
type HealthProbe interface {
	Alive(pid int) bool
}

// Process probes liveness with a null signal. Works on Unix; a pid we cannot
// signal but that exists (EPERM) counts as alive.
type Process struct{}

func (Process) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}

// Static is a fixed-answer probe for tests.
type Static struct {
	Live map[int]bool
}

func (s Static) Alive(pid int) bool { return s.Live[pid] }
