package orchestrator

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for misuse of the orchestrator.
var (
	ErrTurnActive = errors.New("a turn is already streaming")
	ErrNoMessage  = errors.New("turn has no message")
)

// InactivityError reports that the agent produced no record within the
// watchdog window.
type InactivityError struct {
	Timeout time.Duration
}

func (e *InactivityError) Error() string {
	return fmt.Sprintf("no output from agent for %s", e.Timeout)
}

// IsInactivity reports whether err is an InactivityError.
func IsInactivity(err error) bool {
	var e *InactivityError
	return errors.As(err, &e)
}
