package engine

import (
	"time"
)

// Run is one application of a plan to a host.
type Run struct {
	// ID is the unique identifier for this run.
	ID string `json:"id"`

	// Resource is the instance the plan belongs to, e.g. "mysql-default".
	Resource string `json:"resource"`

	// Action is the lifecycle action that produced the plan.
	Action string `json:"action"`

	// Target names the host the plan was applied to.
	Target string `json:"target"`

	// Status is the current status of the run.
	Status RunStatus `json:"status"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run finished.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Error is the message of the failure that stopped the run.
	Error string `json:"error,omitempty"`

	// Summary counts declaration outcomes.
	Summary RunSummary `json:"summary"`

	// Results are the outcomes in application order.
	Results []DeclarationResult `json:"results,omitempty"`
}

// RunSummary counts declaration outcomes of a run.
type RunSummary struct {
	Total    int `json:"total"`
	Updated  int `json:"updated"`
	UpToDate int `json:"up_to_date"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// Add counts one result.
func (s *RunSummary) Add(status ResultStatus) {
	s.Total++
	switch status {
	case ResultUpdated:
		s.Updated++
	case ResultUpToDate:
		s.UpToDate++
	case ResultSkipped:
		s.Skipped++
	case ResultFailed:
		s.Failed++
	}
}

// Changed reports whether the run modified the host.
func (s RunSummary) Changed() bool {
	return s.Updated > 0
}

// DeclarationResult is the outcome of applying one declaration.
type DeclarationResult struct {
	// Seq is the declaration's position in the plan, from zero.
	Seq int `json:"seq"`

	// Name is the declaration label.
	Name string `json:"name"`

	// Kind is the declaration kind (package, service, ...).
	Kind string `json:"kind"`

	Status ResultStatus `json:"status"`

	// Reason explains a skip, e.g. which guard fired.
	Reason string `json:"reason,omitempty"`

	// Error is set when Status is failed.
	Error string `json:"error,omitempty"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Event is a timeline entry emitted while a run progresses.
type Event struct {
	ID          string                 `json:"id"`
	Type        EventType              `json:"type"`
	Timestamp   time.Time              `json:"timestamp"`
	RunID       string                 `json:"run_id"`
	Resource    string                 `json:"resource,omitempty"`
	Declaration string                 `json:"declaration,omitempty"`
	Message     string                 `json:"message"`
	Level       string                 `json:"level"`
	Details     map[string]interface{} `json:"details,omitempty"`
}
