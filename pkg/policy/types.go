package policy

import (
	"time"

	"github.com/openfroyo/froyo-mysql/pkg/resources"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported but does not block the plan.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the plan.
	SeverityError Severity = "error"

	// SeverityCritical blocks the plan.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity denies the plan.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a named Rego module. Its deny rule yields violations, either
// as strings or as objects with message, severity and declaration keys.
type Policy struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Rego        string   `json:"rego"`
	Severity    Severity `json:"severity"`
	Enabled     bool     `json:"enabled"`
	Tags        []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from; empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation is one deny result.
type Violation struct {
	Policy      string   `json:"policy"`
	Declaration string   `json:"declaration,omitempty"`
	Message     string   `json:"message"`
	Severity    Severity `json:"severity"`
}

// Result is the outcome of evaluating every enabled policy over a plan.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists policies that failed to evaluate.
	Warnings []string `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// Blocking returns the violations that deny the plan.
func (r *Result) Blocking() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity.Blocking() {
			out = append(out, v)
		}
	}
	return out
}

// Input is the document policies see as `input`.
type Input struct {
	Plan    *resources.Plan `json:"plan"`
	Context Context         `json:"context"`
}

// Context describes the evaluation.
type Context struct {
	// Target is the host the plan is about to be applied to.
	Target    string    `json:"target,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
