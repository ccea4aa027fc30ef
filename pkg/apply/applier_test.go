package apply

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/froyo-mysql/pkg/engine"
	"github.com/openfroyo/froyo-mysql/pkg/events"
	"github.com/openfroyo/froyo-mysql/pkg/lock"
	"github.com/openfroyo/froyo-mysql/pkg/micro_runner/protocol"
	"github.com/openfroyo/froyo-mysql/pkg/resources"
	"github.com/openfroyo/froyo-mysql/pkg/stores"
)

// fakeRunner answers commands without touching the host.
type fakeRunner struct {
	mu sync.Mutex
	// unchanged lists declarations whose commands report no change.
	unchanged map[string]bool
	// fail maps a declaration to the error its commands return.
	fail map[string]error
	// exitCodes maps guard commands to their exit status.
	exitCodes map[string]int
	// garbled lists declarations whose commands return an unreadable result.
	garbled map[string]bool

	executed []string
	probes   []string
}

func (f *fakeRunner) Execute(ctx context.Context, cmd *protocol.CommandMessage) (*protocol.DoneMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := cmd.Metadata["declaration"]
	if name == "" {
		var params protocol.ExecParams
		if err := json.Unmarshal(cmd.Params, &params); err != nil {
			return nil, err
		}
		f.probes = append(f.probes, params.Command)
		return done(cmd.ID, protocol.ExecResult{ExitCode: f.exitCodes[params.Command]}), nil
	}

	f.executed = append(f.executed, fmt.Sprintf("%s/%s", name, cmd.Metadata["action"]))
	if err := f.fail[name]; err != nil {
		return nil, err
	}
	if f.garbled[name] {
		return &protocol.DoneMessage{CommandID: cmd.ID, Result: json.RawMessage(`[1]`)}, nil
	}
	return done(cmd.ID, protocol.Changed{Changed: !f.unchanged[name]}), nil
}

func done(id string, result interface{}) *protocol.DoneMessage {
	raw, _ := json.Marshal(result)
	return &protocol.DoneMessage{CommandID: id, Result: raw}
}

type heldLocker struct{}

func (heldLocker) Acquire(ctx context.Context, name string) (func(context.Context) error, error) {
	return nil, fmt.Errorf("%s: %w", name, lock.ErrHeld)
}

// recordingLocker grants every lock and remembers the names.
type recordingLocker struct {
	mu    sync.Mutex
	names []string
}

func (l *recordingLocker) Acquire(ctx context.Context, name string) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.names = append(l.names, name)
	return func(context.Context) error { return nil }, nil
}

type denyAll struct{}

func (denyAll) Check(ctx context.Context, plan *resources.Plan) error {
	return engine.NewPermanentError("mode 0777 is world-writable", nil).WithCode(engine.ErrCodePolicyDenied)
}

func testPlan() *resources.Plan {
	return &resources.Plan{
		Resource: "mysql-default",
		Action:   "create",
		Declarations: []resources.Declaration{
			{Name: "default :create mysql-server-5.5", Kind: resources.KindPackage, Actions: []resources.Action{resources.ActionInstall}, PackageName: "mysql-server-5.5"},
			{Name: "default :create /etc/mysql-default", Kind: resources.KindDirectory, Actions: []resources.Action{resources.ActionCreate}, Path: "/etc/mysql-default", Mode: "0750"},
			{Name: "default :create initialize database", Kind: resources.KindExecute, Actions: []resources.Action{resources.ActionRun},
				Command: "mysql_install_db", Guard: &resources.Guard{NotIf: "test -f /var/lib/mysql-default/mysql/user.frm"}},
			{Name: "default :create mysql-default", Kind: resources.KindService, Actions: []resources.Action{resources.ActionStart}, ServiceName: "mysql-default"},
		},
	}
}

type harness struct {
	runner  *fakeRunner
	store   *stores.SQLiteStore
	applier *Applier
	events  []engine.Event
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	store, err := stores.Open(context.Background(), stores.Config{Path: stores.MemoryPath})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	h := &harness{
		runner: &fakeRunner{unchanged: map[string]bool{}, fail: map[string]error{}, exitCodes: map[string]int{}},
		store:  store,
	}
	bus := events.NewBus(events.Config{})
	bus.Subscribe(func(e engine.Event) { h.events = append(h.events, e) }, nil)

	seq := 0
	cfg := Config{
		Executor: h.runner,
		Journal:  store,
		Bus:      bus,
		Target:   "db1",
		NewID: func() string {
			seq++
			return fmt.Sprintf("id-%d", seq)
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.applier, err = New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func (h *harness) eventTypes() []engine.EventType {
	types := make([]engine.EventType, 0, len(h.events))
	for _, e := range h.events {
		types = append(types, e.Type)
	}
	return types
}

func TestNewRequiresExecutor(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New() without executor succeeded")
	}
}

func TestApplySucceeds(t *testing.T) {
	h := newHarness(t, nil)
	h.runner.unchanged["default :create /etc/mysql-default"] = true
	// Database already initialized
	h.runner.exitCodes["test -f /var/lib/mysql-default/mysql/user.frm"] = 0

	run, err := h.applier.Apply(context.Background(), testPlan())
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if run.Status != engine.RunStatusSucceeded {
		t.Errorf("Status = %s", run.Status)
	}
	if run.Target != "db1" || run.CompletedAt == nil {
		t.Errorf("run = %+v", run)
	}

	want := []engine.ResultStatus{engine.ResultUpdated, engine.ResultUpToDate, engine.ResultSkipped, engine.ResultUpdated}
	if len(run.Results) != len(want) {
		t.Fatalf("got %d results, want %d", len(run.Results), len(want))
	}
	for i, status := range want {
		if run.Results[i].Status != status {
			t.Errorf("result %d = %s, want %s", i, run.Results[i].Status, status)
		}
	}
	if run.Results[2].Reason == "" {
		t.Error("skip has no reason")
	}
	if run.Summary != (engine.RunSummary{Total: 4, Updated: 2, UpToDate: 1, Skipped: 1}) {
		t.Errorf("Summary = %+v", run.Summary)
	}

	wantExecuted := []string{
		"default :create mysql-server-5.5/install",
		"default :create /etc/mysql-default/create",
		"default :create mysql-default/start",
	}
	if fmt.Sprint(h.runner.executed) != fmt.Sprint(wantExecuted) {
		t.Errorf("executed = %v, want %v", h.runner.executed, wantExecuted)
	}

	stored, err := h.store.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != engine.RunStatusSucceeded || len(stored.Results) != 4 {
		t.Errorf("journal = %s with %d results", stored.Status, len(stored.Results))
	}

	types := h.eventTypes()
	if types[0] != engine.EventTypeRunStarted || types[len(types)-1] != engine.EventTypeRunCompleted {
		t.Errorf("events = %v", types)
	}
	journaled, err := h.store.ListEvents(context.Background(), run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(journaled) != len(h.events) {
		t.Errorf("journal has %d events, bus saw %d", len(journaled), len(h.events))
	}
}

func TestApplyRunsGuardedDeclarationWhenGuardFails(t *testing.T) {
	h := newHarness(t, nil)
	h.runner.exitCodes["test -f /var/lib/mysql-default/mysql/user.frm"] = 1

	run, err := h.applier.Apply(context.Background(), testPlan())
	if err != nil {
		t.Fatal(err)
	}
	if run.Results[2].Status != engine.ResultUpdated {
		t.Errorf("initialize = %s, want updated", run.Results[2].Status)
	}
	if len(h.runner.probes) != 1 {
		t.Errorf("probes = %v", h.runner.probes)
	}
}

func TestApplyStopsAtFirstFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.runner.exitCodes["test -f /var/lib/mysql-default/mysql/user.frm"] = 1
	h.runner.fail["default :create initialize database"] = &protocol.ErrorMessage{Code: protocol.ErrCodeExecFailed, Message: "exit status 1"}

	run, err := h.applier.Apply(context.Background(), testPlan())
	if err == nil {
		t.Fatal("Apply() succeeded")
	}
	if !engine.IsPermanent(err) || engine.CodeOf(err) != engine.ErrCodeCommandFailed {
		t.Errorf("error = %v (code %s)", err, engine.CodeOf(err))
	}
	var ee *engine.EngineError
	if !errors.As(err, &ee) || ee.Declaration != "default :create initialize database" {
		t.Errorf("declaration = %+v", ee)
	}

	if run.Status != engine.RunStatusFailed || run.Error == "" {
		t.Errorf("run = %s %q", run.Status, run.Error)
	}
	if len(run.Results) != 3 || run.Summary.Failed != 1 {
		t.Errorf("results = %d, summary = %+v", len(run.Results), run.Summary)
	}
	for _, e := range h.runner.executed {
		if e == "default :create mysql-default/start" {
			t.Error("service started after failure")
		}
	}
	if types := h.eventTypes(); types[len(types)-1] != engine.EventTypeRunFailed {
		t.Errorf("events = %v", types)
	}
}

func TestApplyTransportFailureIsTransient(t *testing.T) {
	h := newHarness(t, nil)
	h.runner.fail["default :create mysql-server-5.5"] = errors.New("broken pipe")

	_, err := h.applier.Apply(context.Background(), testPlan())
	if !engine.IsRetryable(err) || engine.CodeOf(err) != engine.ErrCodeTransport {
		t.Errorf("error = %v (code %s)", err, engine.CodeOf(err))
	}
}

func TestApplyPolicyDenied(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.Policy = denyAll{} })

	run, err := h.applier.Apply(context.Background(), testPlan())
	if engine.CodeOf(err) != engine.ErrCodePolicyDenied {
		t.Fatalf("error = %v", err)
	}
	if run.Status != engine.RunStatusDenied {
		t.Errorf("Status = %s", run.Status)
	}
	if len(h.runner.executed) != 0 || len(run.Results) != 0 {
		t.Errorf("declarations ran under a denied plan: %v", h.runner.executed)
	}

	var sawViolation bool
	for _, typ := range h.eventTypes() {
		if typ == engine.EventTypePolicyViolation {
			sawViolation = true
		}
	}
	if !sawViolation {
		t.Error("no policy_violation event")
	}
}

func TestApplyLocked(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.Locker = heldLocker{} })

	run, err := h.applier.Apply(context.Background(), testPlan())
	if run != nil {
		t.Errorf("run = %+v, want nil", run)
	}
	if !engine.IsConflict(err) || engine.CodeOf(err) != engine.ErrCodeLocked {
		t.Errorf("error = %v", err)
	}
}

func TestApplyRejectsInvalidPlan(t *testing.T) {
	h := newHarness(t, nil)

	plan := testPlan()
	plan.Declarations = append(plan.Declarations, plan.Declarations[0])
	if _, err := h.applier.Apply(context.Background(), plan); engine.CodeOf(err) != engine.ErrCodeValidation {
		t.Errorf("duplicate declaration error = %v", err)
	}
	if _, err := h.applier.Apply(context.Background(), nil); engine.CodeOf(err) != engine.ErrCodeValidation {
		t.Errorf("nil plan error = %v", err)
	}
}

func TestApplyCancelled(t *testing.T) {
	h := newHarness(t, nil)
	h.runner.fail["default :create mysql-server-5.5"] = context.Canceled

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	run, err := h.applier.Apply(ctx, testPlan())
	if engine.CodeOf(err) != engine.ErrCodeInternal {
		t.Errorf("error = %v", err)
	}

	stored, err := h.store.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != engine.RunStatusFailed {
		t.Errorf("journal status = %s", stored.Status)
	}
}

func TestApplyLocksPerTarget(t *testing.T) {
	locker := &recordingLocker{}
	for _, target := range []string{"db1.example.com", "db2.example.com"} {
		h := newHarness(t, func(cfg *Config) {
			cfg.Locker = locker
			cfg.Target = target
		})
		if _, err := h.applier.Apply(context.Background(), testPlan()); err != nil {
			t.Fatalf("Apply() on %s error = %v", target, err)
		}
	}

	want := []string{"db1.example.com/mysql-default", "db2.example.com/mysql-default"}
	if len(locker.names) != len(want) {
		t.Fatalf("locked %v, want %v", locker.names, want)
	}
	for i := range want {
		if locker.names[i] != want[i] {
			t.Errorf("lock %d = %q, want %q", i, locker.names[i], want[i])
		}
	}
}

func TestApplyUnreadableResultCountsAsUpdated(t *testing.T) {
	h := newHarness(t, nil)
	h.runner.garbled = map[string]bool{"default :create /etc/mysql-default": true}
	h.runner.unchanged["default :create mysql-server-5.5"] = true

	run, err := h.applier.Apply(context.Background(), testPlan())
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got := run.Results[0].Status; got != engine.ResultUpToDate {
		t.Errorf("package status = %s, want %s", got, engine.ResultUpToDate)
	}
	if got := run.Results[1].Status; got != engine.ResultUpdated {
		t.Errorf("directory status = %s, want %s", got, engine.ResultUpdated)
	}
}
