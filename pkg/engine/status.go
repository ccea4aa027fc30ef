package engine

import "fmt"

// RunStatus represents the overall status of applying one plan.
type RunStatus string

const (
	// RunStatusRunning indicates declarations are being applied.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every declaration was applied or skipped.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates a declaration failed and the run stopped.
	RunStatusFailed RunStatus = "failed"

	// RunStatusDenied indicates policy rejected the plan before anything ran.
	RunStatusDenied RunStatus = "denied"
)

// IsTerminal returns true if the run has finished.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusDenied
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusSucceeded, RunStatusFailed, RunStatusDenied:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// ResultStatus is the outcome of one declaration.
type ResultStatus string

const (
	// ResultUpdated means the executor changed something on the host.
	ResultUpdated ResultStatus = "updated"

	// ResultUpToDate means the host already matched the declaration.
	ResultUpToDate ResultStatus = "up_to_date"

	// ResultSkipped means the declaration's guard suppressed it.
	ResultSkipped ResultStatus = "skipped"

	// ResultFailed means the executor reported an error.
	ResultFailed ResultStatus = "failed"
)

// Validate checks if the result status is valid.
func (s ResultStatus) Validate() error {
	switch s {
	case ResultUpdated, ResultUpToDate, ResultSkipped, ResultFailed:
		return nil
	default:
		return fmt.Errorf("invalid result status: %s", s)
	}
}

// EventType represents the type of event in the run timeline.
type EventType string

const (
	EventTypeRunStarted         EventType = "run_started"
	EventTypeRunCompleted       EventType = "run_completed"
	EventTypeRunFailed          EventType = "run_failed"
	EventTypeDeclarationApplied EventType = "declaration_applied"
	EventTypeDeclarationSkipped EventType = "declaration_skipped"
	EventTypeDeclarationFailed  EventType = "declaration_failed"
	EventTypePolicyViolation    EventType = "policy_violation"
	EventTypeDescriptorChanged  EventType = "descriptor_changed"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeRunFailed, EventTypeDeclarationFailed:
		return "error"
	case EventTypePolicyViolation:
		return "warning"
	default:
		return "info"
	}
}
