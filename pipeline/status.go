package pipeline

// ExecutionStatus is the status vocabulary shared by executions, stages and tasks
type ExecutionStatus string

// Status values
const (
	// StatusNotStarted means the node has not been picked up yet
	StatusNotStarted ExecutionStatus = "NOT_STARTED"

	// StatusRunning means work is in progress or a poller is waiting for its next invocation
	StatusRunning ExecutionStatus = "RUNNING"

	// StatusSucceeded means the work completed successfully
	StatusSucceeded ExecutionStatus = "SUCCEEDED"

	// StatusTerminal means the work failed and will not be retried
	StatusTerminal ExecutionStatus = "TERMINAL"

	// StatusStopped means the work was cancelled from outside
	StatusStopped ExecutionStatus = "STOPPED"

	// StatusSkipped means the work was never needed
	StatusSkipped ExecutionStatus = "SKIPPED"
)

// AllStatuses lists every status in lifecycle order
var AllStatuses = []ExecutionStatus{
	StatusNotStarted,
	StatusRunning,
	StatusSucceeded,
	StatusTerminal,
	StatusStopped,
	StatusSkipped,
}

// String implements fmt.Stringer
func (s ExecutionStatus) String() string {
	return string(s)
}

// IsValid reports whether s is part of the vocabulary
func (s ExecutionStatus) IsValid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsComplete reports whether the status has no outgoing transition
func (s ExecutionStatus) IsComplete() bool {
	switch s {
	case StatusSucceeded, StatusTerminal, StatusStopped, StatusSkipped:
		return true
	}
	return false
}

// IsSuccessful reports whether downstream work may treat the status as a success
func (s ExecutionStatus) IsSuccessful() bool {
	return s == StatusSucceeded
}

// IsFailure reports whether the status halts downstream work
func (s ExecutionStatus) IsFailure() bool {
	return s == StatusTerminal || s == StatusStopped
}

// CanTransitionTo reports whether moving from s to next is allowed.
// Staying in the same status is always allowed.
func (s ExecutionStatus) CanTransitionTo(next ExecutionStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusNotStarted:
		return next == StatusRunning || next == StatusSkipped || next == StatusStopped
	case StatusRunning:
		return next.IsComplete()
	default:
		return false
	}
}

// ParseStatus converts a string into a status, reporting false when it is unknown
func ParseStatus(raw string) (ExecutionStatus, bool) {
	s := ExecutionStatus(raw)
	return s, s.IsValid()
}
