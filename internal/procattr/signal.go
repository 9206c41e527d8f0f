package procattr

import (
	"os"
	"syscall"
	"time"
)

// DefaultGrace is how long Terminate waits after SIGTERM before SIGKILL.
const DefaultGrace = 500 * time.Millisecond

// SignalGroup delivers sig to every process in p's group.
func SignalGroup(p *os.Process, sig syscall.Signal) error {
	if p == nil {
		return nil
	}
	return syscall.Kill(-p.Pid, sig)
}

// KillGroup sends SIGKILL to p's group.
func KillGroup(p *os.Process) error {
	return SignalGroup(p, syscall.SIGKILL)
}

// Terminate stops p's group: SIGTERM, then SIGKILL if exited is not closed
// within grace. It reports whether the group had to be killed.
func Terminate(p *os.Process, exited <-chan struct{}, grace time.Duration) (killed bool) {
	if p == nil {
		return false
	}
	_ = SignalGroup(p, syscall.SIGTERM)

	select {
	case <-exited:
		return false
	case <-time.After(grace):
	}

	_ = KillGroup(p)
	select {
	case <-exited:
	case <-time.After(100 * time.Millisecond):
	}
	return true
}
