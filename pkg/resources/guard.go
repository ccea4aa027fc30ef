package resources

import (
	"context"
	"fmt"
)

// Guard holds the idempotence predicates evaluated before a declaration
// is applied. Each predicate is a shell command; its exit status is the
// answer.
type Guard struct {
	// NotIf skips the declaration when the command exits zero.
	NotIf string `json:"not_if,omitempty"`
	// OnlyIf skips the declaration when the command exits non-zero.
	OnlyIf string `json:"only_if,omitempty"`
}

// Validate requires at least one predicate.
func (g *Guard) Validate() error {
	if g.NotIf == "" && g.OnlyIf == "" {
		return fmt.Errorf("guard has no predicate")
	}
	return nil
}

// Prober runs a predicate command on the target and returns its exit status.
type Prober interface {
	Probe(ctx context.Context, command string) (int, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, command string) (int, error)

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context, command string) (int, error) {
	return f(ctx, command)
}

// Skip evaluates the guard and reports whether the declaration is already
// satisfied, with the reason. A nil guard never skips.
func (g *Guard) Skip(ctx context.Context, p Prober) (bool, string, error) {
	if g == nil {
		return false, "", nil
	}

	if g.NotIf != "" {
		code, err := p.Probe(ctx, g.NotIf)
		if err != nil {
			return false, "", fmt.Errorf("failed to evaluate not_if guard: %w", err)
		}
		if code == 0 {
			return true, fmt.Sprintf("not_if %q succeeded", g.NotIf), nil
		}
	}

	if g.OnlyIf != "" {
		code, err := p.Probe(ctx, g.OnlyIf)
		if err != nil {
			return false, "", fmt.Errorf("failed to evaluate only_if guard: %w", err)
		}
		if code != 0 {
			return true, fmt.Sprintf("only_if %q exited %d", g.OnlyIf, code), nil
		}
	}

	return false, "", nil
}
