// Package policy gates plans with Rego policies before they are applied.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/froyo-mysql/pkg/engine"
	"github.com/openfroyo/froyo-mysql/pkg/resources"
)

// Engine evaluates the built-in policies plus any loaded from disk.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
	target   string
}

// compiledPolicy is a policy with its prepared deny query.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates an engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	ctx := context.Background()
	for _, p := range BuiltinPolicies() {
		p := p
		if err := e.compileAndStore(ctx, &p); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
	}
	e.logger.Debug().Int("count", len(e.policies)).Msg("Built-in policies loaded")
	return e, nil
}

// SetTarget names the host passed to policies as input.context.target.
func (e *Engine) SetTarget(target string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.target = target
}

// Evaluate runs every enabled policy over plan.
func (e *Engine) Evaluate(ctx context.Context, plan *resources.Plan) (*Result, error) {
	started := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	input, err := toInput(&Input{
		Plan:    plan,
		Context: Context{Target: e.target, Timestamp: started.UTC()},
	})
	if err != nil {
		return nil, err
	}

	result := &Result{Allowed: true}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", name).Str("resource", plan.Resource).Msg("Policy evaluation failed")
			result.Warnings = append(result.Warnings, fmt.Sprintf("policy %s evaluation failed: %v", name, err))
			continue
		}
		result.Violations = append(result.Violations, violations...)
	}

	result.Allowed = len(result.Blocking()) == 0
	result.Duration = time.Since(started)

	e.logger.Debug().
		Str("resource", plan.Resource).
		Str("action", plan.Action).
		Int("violations", len(result.Violations)).
		Dur("duration", result.Duration).
		Msg("Plan policy evaluation completed")

	return result, nil
}

// Check evaluates plan and returns a POLICY_DENIED error when a blocking
// violation is found. Non-blocking violations are logged.
func (e *Engine) Check(ctx context.Context, plan *resources.Plan) error {
	result, err := e.Evaluate(ctx, plan)
	if err != nil {
		return err
	}

	for _, v := range result.Violations {
		if !v.Severity.Blocking() {
			e.logger.Warn().Str("policy", v.Policy).Str("declaration", v.Declaration).Msg(v.Message)
		}
	}
	if result.Allowed {
		return nil
	}

	blocking := result.Blocking()
	msgs := make([]string, 0, len(blocking))
	for _, v := range blocking {
		msgs = append(msgs, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	ee := engine.NewPermanentError("plan denied by policy: "+strings.Join(msgs, "; "), nil).
		WithCode(engine.ErrCodePolicyDenied).
		WithResource(plan.Resource)
	if blocking[0].Declaration != "" {
		ee = ee.WithDeclaration(blocking[0].Declaration)
	}
	return ee
}

// toInput converts the input to plain JSON values so policies see the
// wire field names.
func toInput(in *Input) (map[string]interface{}, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy input: %w", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode policy input: %w", err)
	}
	return out, nil
}

func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input map[string]interface{}) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, newViolation(cp.policy, d))
		}
	}
	return violations, nil
}

func newViolation(p *Policy, result interface{}) Violation {
	v := Violation{Policy: p.Name, Severity: p.Severity}

	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]interface{}:
		if msg, ok := r["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := r["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
		if decl, ok := r["declaration"].(string); ok {
			v.Declaration = decl
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	return v
}

// compileAndStore parses the policy and prepares its deny query. Callers
// hold e.mu or own e exclusively.
func (e *Engine) compileAndStore(ctx context.Context, p *Policy) error {
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}

	query, err := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[p.Name] = &compiledPolicy{policy: p, query: query, compiled: time.Now()}
	return nil
}

// Replace swaps every loaded policy for policies, keeping the built-ins.
// Nothing changes when any policy fails to compile.
func (e *Engine) Replace(ctx context.Context, policies []Policy) error {
	next := &Engine{policies: make(map[string]*compiledPolicy), logger: e.logger}
	for _, p := range BuiltinPolicies() {
		p := p
		if err := next.compileAndStore(ctx, &p); err != nil {
			return err
		}
	}
	for i := range policies {
		p := policies[i]
		if err := next.compileAndStore(ctx, &p); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// Keep enable/disable choices across reloads
	for name, cp := range e.policies {
		if n, ok := next.policies[name]; ok {
			n.policy.Enabled = cp.policy.Enabled
		}
	}
	e.policies = next.policies

	e.logger.Info().Int("count", len(policies)).Msg("Policies loaded")
	return nil
}

// LoadPolicies loads policy files and directories on top of the built-ins.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.Replace(ctx, policies)
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, ok := e.policies[name]
	if !ok {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		out = append(out, *e.policies[name].policy)
	}
	return out
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, ok := e.policies[name]
	if !ok {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
