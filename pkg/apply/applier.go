// Package apply runs a plan's declarations, in order, through a
// micro-runner and records what happened.
package apply

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/froyo-mysql/pkg/engine"
	"github.com/openfroyo/froyo-mysql/pkg/events"
	"github.com/openfroyo/froyo-mysql/pkg/lock"
	"github.com/openfroyo/froyo-mysql/pkg/micro_runner/protocol"
	"github.com/openfroyo/froyo-mysql/pkg/resources"
	"github.com/openfroyo/froyo-mysql/pkg/telemetry"
)

// Executor sends one command to a runner. *client.Client implements it.
type Executor interface {
	Execute(ctx context.Context, cmd *protocol.CommandMessage) (*protocol.DoneMessage, error)
}

// Journal persists runs. *stores.SQLiteStore implements it.
type Journal interface {
	BeginRun(ctx context.Context, run *engine.Run) error
	RecordResult(ctx context.Context, runID string, res engine.DeclarationResult) error
	FinishRun(ctx context.Context, run *engine.Run) error
	AppendEvent(ctx context.Context, event engine.Event) error
}

// Checker gates a plan before anything is applied.
type Checker interface {
	Check(ctx context.Context, plan *resources.Plan) error
}

// Config wires an Applier. Only Executor is required.
type Config struct {
	Executor  Executor
	Compiler  *resources.Compiler
	Journal   Journal
	Telemetry *telemetry.Telemetry
	Bus       *events.Bus
	Locker    lock.Locker
	Policy    Checker

	// Target names the host in run records.
	Target string

	NewID func() string
	Now   func() time.Time
}

// Applier applies plans. It is safe for sequential use only; the runner
// protocol carries one command at a time.
type Applier struct {
	cfg Config
	log *telemetry.Logger
}

// New creates an Applier.
func New(cfg Config) (*Applier, error) {
	if cfg.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if cfg.Compiler == nil {
		cfg.Compiler = resources.NewCompiler(nil)
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = telemetry.Noop()
	}
	if cfg.Locker == nil {
		cfg.Locker = lock.Noop{}
	}
	if cfg.Target == "" {
		cfg.Target = "localhost"
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Applier{
		cfg: cfg,
		log: cfg.Telemetry.Logger.NewComponentLogger("applier"),
	}, nil
}

// Apply runs every declaration of plan in order and stops at the first
// failure. The returned run is non-nil once the run has started, even when
// an error is returned.
func (a *Applier) Apply(ctx context.Context, plan *resources.Plan) (*engine.Run, error) {
	if plan == nil {
		return nil, engine.NewPermanentError("plan is required", nil).WithCode(engine.ErrCodeValidation)
	}
	if err := plan.Validate(); err != nil {
		return nil, engine.NewPermanentError("invalid plan", err).
			WithCode(engine.ErrCodeValidation).
			WithResource(plan.Resource)
	}

	release, err := a.cfg.Locker.Acquire(ctx, a.lockName(plan))
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			return nil, engine.NewConflictError("instance is locked", err).
				WithCode(engine.ErrCodeLocked).
				WithResource(plan.Resource)
		}
		return nil, engine.Classify("failed to acquire lock", err).WithResource(plan.Resource)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			a.log.WithError(err).Warn("Failed to release lock")
		}
	}()

	run := &engine.Run{
		ID:        a.cfg.NewID(),
		Resource:  plan.Resource,
		Action:    plan.Action,
		Target:    a.cfg.Target,
		Status:    engine.RunStatusRunning,
		StartedAt: a.cfg.Now(),
	}
	log := a.log.WithRunID(run.ID).WithResource(run.Resource)

	ctx, span := a.cfg.Telemetry.Tracer.StartRunSpan(ctx, run.ID, run.Resource, run.Action)
	defer span.End()

	metrics := a.cfg.Telemetry.Metrics
	metrics.RunStarted()

	if a.cfg.Journal != nil {
		if err := a.cfg.Journal.BeginRun(ctx, run); err != nil {
			log.WithError(err).Warn("Failed to journal run start")
		}
	}
	a.emit(ctx, run, engine.EventTypeRunStarted, "", fmt.Sprintf("%s %s: %d declarations", run.Resource, run.Action, len(plan.Declarations)), nil)
	log.Infof("Applying %s (%d declarations)", run.Action, len(plan.Declarations))

	runErr := a.check(ctx, run, plan)
	if runErr == nil {
		for i := range plan.Declarations {
			res, err := a.applyOne(ctx, run, i, &plan.Declarations[i])
			run.Results = append(run.Results, res)
			run.Summary.Add(res.Status)
			if a.cfg.Journal != nil {
				if jerr := a.cfg.Journal.RecordResult(ctx, run.ID, res); jerr != nil {
					log.WithError(jerr).Warn("Failed to journal result")
				}
			}
			if err != nil {
				runErr = err
				break
			}
		}
	}

	completed := a.cfg.Now()
	run.CompletedAt = &completed
	switch {
	case runErr == nil:
		run.Status = engine.RunStatusSucceeded
	case engine.CodeOf(runErr) == engine.ErrCodePolicyDenied:
		run.Status = engine.RunStatusDenied
		run.Error = runErr.Error()
	default:
		run.Status = engine.RunStatusFailed
		run.Error = runErr.Error()
	}

	// The journal and events outlive a cancelled run
	finishCtx := context.WithoutCancel(ctx)
	if a.cfg.Journal != nil {
		if err := a.cfg.Journal.FinishRun(finishCtx, run); err != nil {
			log.WithError(err).Warn("Failed to journal run completion")
		}
	}

	duration := completed.Sub(run.StartedAt)
	metrics.RunFinished(run.Action, string(run.Status), duration)

	details := map[string]interface{}{
		"status":     string(run.Status),
		"total":      run.Summary.Total,
		"updated":    run.Summary.Updated,
		"up_to_date": run.Summary.UpToDate,
		"skipped":    run.Summary.Skipped,
		"failed":     run.Summary.Failed,
	}
	if runErr != nil {
		var ee *engine.EngineError
		if errors.As(runErr, &ee) {
			metrics.RecordError(string(ee.Class), ee.Code)
		}
		telemetry.RecordError(span, runErr)
		a.emit(finishCtx, run, engine.EventTypeRunFailed, "", run.Error, details)
		log.WithError(runErr).Errorf("Run %s", run.Status)
		return run, runErr
	}

	telemetry.RecordSuccess(span)
	a.emit(finishCtx, run, engine.EventTypeRunCompleted, "",
		fmt.Sprintf("%d updated, %d up to date, %d skipped", run.Summary.Updated, run.Summary.UpToDate, run.Summary.Skipped), details)
	log.Infof("Run succeeded in %s (%d updated)", duration.Round(time.Millisecond), run.Summary.Updated)
	return run, nil
}

// check runs the policy gate.
func (a *Applier) check(ctx context.Context, run *engine.Run, plan *resources.Plan) error {
	if a.cfg.Policy == nil {
		return nil
	}
	err := a.cfg.Policy.Check(ctx, plan)
	if err == nil {
		return nil
	}
	if engine.CodeOf(err) != engine.ErrCodePolicyDenied {
		return engine.NewPermanentError("policy evaluation failed", err).
			WithCode(engine.ErrCodeInternal).
			WithResource(run.Resource)
	}
	a.emit(ctx, run, engine.EventTypePolicyViolation, "", err.Error(), nil)
	return err
}

// applyOne evaluates the guard of d and, unless it skips, executes every
// command compiled from d.
func (a *Applier) applyOne(ctx context.Context, run *engine.Run, seq int, d *resources.Declaration) (engine.DeclarationResult, error) {
	res := engine.DeclarationResult{
		Seq:       seq,
		Name:      d.Name,
		Kind:      string(d.Kind),
		StartedAt: a.cfg.Now(),
	}
	log := a.log.WithRunID(run.ID).WithDeclaration(d.Name, string(d.Kind))

	ctx, span := a.cfg.Telemetry.Tracer.StartDeclarationSpan(ctx, seq, d.Name, string(d.Kind))
	defer span.End()

	err := a.execute(ctx, d, &res)
	res.Duration = a.cfg.Now().Sub(res.StartedAt)
	a.cfg.Telemetry.Metrics.RecordDeclaration(res.Kind, string(res.Status), res.Duration)

	if err != nil {
		ee := engine.Classify("declaration failed", err).WithDeclaration(d.Name).WithResource(run.Resource)
		res.Status = engine.ResultFailed
		res.Error = ee.Error()
		telemetry.RecordError(span, ee)
		a.emit(ctx, run, engine.EventTypeDeclarationFailed, d.Name, res.Error, map[string]interface{}{"code": ee.Code})
		log.WithError(ee).Error("Declaration failed")
		return res, ee
	}

	telemetry.RecordSuccess(span)
	switch res.Status {
	case engine.ResultSkipped:
		a.emit(ctx, run, engine.EventTypeDeclarationSkipped, d.Name, res.Reason, nil)
		log.Debugf("Skipped: %s", res.Reason)
	default:
		a.emit(ctx, run, engine.EventTypeDeclarationApplied, d.Name, string(res.Status), nil)
		log.Debugf("Applied (%s)", res.Status)
	}
	return res, nil
}

func (a *Applier) execute(ctx context.Context, d *resources.Declaration, res *engine.DeclarationResult) error {
	skip, reason, err := d.Guard.Skip(ctx, resources.ProberFunc(a.probe))
	if err != nil {
		res.Status = engine.ResultFailed
		return engine.Classify("guard evaluation failed", err).WithCode(engine.ErrCodeGuardFailed)
	}
	if skip {
		res.Status = engine.ResultSkipped
		res.Reason = reason
		return nil
	}

	cmds, err := a.cfg.Compiler.Compile(d)
	if err != nil {
		res.Status = engine.ResultFailed
		return engine.NewPermanentError("failed to compile declaration", err).WithCode(engine.ErrCodeValidation)
	}

	changed := false
	for _, cmd := range cmds {
		done, err := a.cfg.Executor.Execute(ctx, cmd)
		if err != nil {
			res.Status = engine.ResultFailed
			return fmt.Errorf("%s %s: %w", cmd.Type, cmd.Metadata["action"], err)
		}
		c, err := protocol.ResultChanged(done.Result)
		if err != nil {
			// The command ran; a result we cannot read may hide a change
			a.log.WithDeclaration(d.Name, string(d.Kind)).WithError(err).Warn("Unreadable command result")
			c = true
		}
		changed = changed || c
	}

	res.Status = engine.ResultUpToDate
	if changed {
		res.Status = engine.ResultUpdated
	}
	return nil
}

// probe runs a guard predicate and returns its exit status.
func (a *Applier) probe(ctx context.Context, command string) (int, error) {
	cmd, err := a.cfg.Compiler.Probe(command)
	if err != nil {
		return 0, err
	}
	done, err := a.cfg.Executor.Execute(ctx, cmd)
	if err != nil {
		return 0, err
	}
	var result protocol.ExecResult
	if err := json.Unmarshal(done.Result, &result); err != nil {
		return 0, fmt.Errorf("failed to decode probe result: %w", err)
	}
	return result.ExitCode, nil
}

// lockName scopes the instance lock to the target, since instance names
// repeat across hosts.
func (a *Applier) lockName(plan *resources.Plan) string {
	return a.cfg.Target + "/" + plan.Resource
}

// emit publishes an event to the bus and the journal. Failures are logged
// and never fail the run.
func (a *Applier) emit(ctx context.Context, run *engine.Run, typ engine.EventType, declaration, message string, details map[string]interface{}) {
	event := engine.Event{
		ID:          a.cfg.NewID(),
		Type:        typ,
		Timestamp:   a.cfg.Now(),
		RunID:       run.ID,
		Resource:    run.Resource,
		Declaration: declaration,
		Message:     message,
		Level:       typ.Severity(),
		Details:     details,
	}
	if a.cfg.Bus != nil {
		if err := a.cfg.Bus.Publish(event); err != nil {
			a.log.WithError(err).Warn("Failed to publish event")
		}
	}
	if a.cfg.Journal != nil {
		if err := a.cfg.Journal.AppendEvent(ctx, event); err != nil {
			a.log.WithError(err).Warn("Failed to journal event")
		}
	}
}
