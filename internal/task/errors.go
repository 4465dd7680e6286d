package task

import "fmt"

// ValidationError reports a rejected request parameter. It surfaces
// synchronously to the submitter, before any task object is created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TransitionError reports an illegal lifecycle transition. Hitting one is a
// programming error in the caller, not a runtime condition.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal task transition %s -> %s", e.From, e.To)
}
