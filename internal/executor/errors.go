package executor

import (
	"errors"
	"fmt"
)

// ErrExecutorBusy is returned when Execute is called while another task is
// still running. Callers are expected to queue instead; hitting this error
// indicates a sequencing bug upstream.
var ErrExecutorBusy = errors.New("buildbot: executor is already running a task")

// ProcessError wraps failures around the external build process itself,
// as opposed to a build that ran and exited non-zero.
type ProcessError struct {
	Op      string
	Command string
	Err     error
}

func (e *ProcessError) Error() string {
	if e.Command != "" {
		return fmt.Sprintf("%s (%s): %v", e.Op, e.Command, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }
