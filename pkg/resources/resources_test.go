package resources

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/openfroyo/froyo-mysql/pkg/micro_runner/protocol"
)

func TestDeclarationValidate(t *testing.T) {
	tests := []struct {
		name    string
		decl    Declaration
		wantErr bool
	}{
		{
			name: "package install",
			decl: Declaration{Name: "p", Kind: KindPackage, Actions: []Action{ActionInstall}, PackageName: "mysql-server-5.5"},
		},
		{
			name: "service with two actions",
			decl: Declaration{Name: "s", Kind: KindService, Actions: []Action{ActionStop, ActionDisable}, ServiceName: "mysql"},
		},
		{
			name:    "missing name",
			decl:    Declaration{Kind: KindFile, Actions: []Action{ActionDelete}, Path: "/etc/my.cnf"},
			wantErr: true,
		},
		{
			name:    "unknown kind",
			decl:    Declaration{Name: "x", Kind: "cron", Actions: []Action{ActionCreate}},
			wantErr: true,
		},
		{
			name:    "action not valid for kind",
			decl:    Declaration{Name: "t", Kind: KindTemplate, Actions: []Action{ActionDelete}, Path: "/etc/x", Source: "x"},
			wantErr: true,
		},
		{
			name:    "template without source",
			decl:    Declaration{Name: "t", Kind: KindTemplate, Actions: []Action{ActionCreate}, Path: "/etc/x"},
			wantErr: true,
		},
		{
			name:    "execute without command",
			decl:    Declaration{Name: "e", Kind: KindExecute, Actions: []Action{ActionRun}},
			wantErr: true,
		},
		{
			name:    "empty guard",
			decl:    Declaration{Name: "e", Kind: KindExecute, Actions: []Action{ActionRun}, Command: "true", Guard: &Guard{}},
			wantErr: true,
		},
		{
			name:    "no actions",
			decl:    Declaration{Name: "g", Kind: KindGroup, GroupName: "mysql"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.decl.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPlanValidateDuplicates(t *testing.T) {
	plan := Plan{Declarations: []Declaration{
		{Name: "mysql-default :create mysql", Kind: KindService, Actions: []Action{ActionStop}, ServiceName: "mysql"},
		{Name: "mysql-default :create mysql", Kind: KindGroup, Actions: []Action{ActionCreate}, GroupName: "mysql"},
	}}
	if err := plan.Validate(); err != nil {
		t.Fatalf("same name across kinds should be allowed: %v", err)
	}

	plan.Declarations = append(plan.Declarations, Declaration{
		Name: "mysql-default :create mysql", Kind: KindGroup, Actions: []Action{ActionCreate}, GroupName: "mysql",
	})
	if err := plan.Validate(); err == nil {
		t.Fatal("duplicate kind and name should be rejected")
	}
}

// scriptedProber answers probes from a table of exit codes.
type scriptedProber struct {
	codes map[string]int
	calls []string
}

func (s *scriptedProber) Probe(ctx context.Context, command string) (int, error) {
	s.calls = append(s.calls, command)
	code, ok := s.codes[command]
	if !ok {
		return 0, fmt.Errorf("unexpected probe %q", command)
	}
	return code, nil
}

func TestGuardSkip(t *testing.T) {
	marker := "/usr/bin/test -f /var/lib/mysql-default/mysql/user.frm"

	tests := []struct {
		name     string
		guard    *Guard
		codes    map[string]int
		wantSkip bool
	}{
		{"nil guard", nil, nil, false},
		{"not_if satisfied", &Guard{NotIf: marker}, map[string]int{marker: 0}, true},
		{"not_if unsatisfied", &Guard{NotIf: marker}, map[string]int{marker: 1}, false},
		{"only_if true", &Guard{OnlyIf: "true"}, map[string]int{"true": 0}, false},
		{"only_if false", &Guard{OnlyIf: "false"}, map[string]int{"false": 1}, true},
		{"not_if wins first", &Guard{NotIf: marker, OnlyIf: "true"}, map[string]int{marker: 0}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &scriptedProber{codes: tt.codes}
			skip, reason, err := tt.guard.Skip(context.Background(), p)
			if err != nil {
				t.Fatalf("Skip() error = %v", err)
			}
			if skip != tt.wantSkip {
				t.Errorf("Skip() = %v (%s), want %v", skip, reason, tt.wantSkip)
			}
			if skip && reason == "" {
				t.Error("skip without a reason")
			}
		})
	}
}

func TestGuardSkipProbeError(t *testing.T) {
	boom := errors.New("runner gone")
	g := &Guard{NotIf: "true"}
	_, _, err := g.Skip(context.Background(), ProberFunc(func(ctx context.Context, command string) (int, error) {
		return 0, boom
	}))
	if !errors.Is(err, boom) {
		t.Fatalf("Skip() error = %v, want wrapped %v", err, boom)
	}
}

func sequentialIDs() IDFunc {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("cmd-%d", n)
	}
}

func TestCompile(t *testing.T) {
	c := NewCompiler(sequentialIDs())

	tests := []struct {
		name      string
		decl      Declaration
		wantTypes []protocol.CommandType
		check     func(t *testing.T, cmds []*protocol.CommandMessage)
	}{
		{
			name: "service stop and disable",
			decl: Declaration{
				Name: "svc", Kind: KindService, Actions: []Action{ActionStop, ActionDisable},
				ServiceName: "mysql", ServiceProvider: ProviderInit,
			},
			wantTypes: []protocol.CommandType{protocol.CommandTypeServiceEnsure, protocol.CommandTypeServiceEnsure},
			check: func(t *testing.T, cmds []*protocol.CommandMessage) {
				var p protocol.ServiceEnsureParams
				if err := protocol.ParseParams(cmds[1].Params, &p); err != nil {
					t.Fatal(err)
				}
				if p.Action != "disable" || p.Provider != "init" || p.Name != "mysql" {
					t.Errorf("params = %+v", p)
				}
			},
		},
		{
			name:      "file delete",
			decl:      Declaration{Name: "f", Kind: KindFile, Actions: []Action{ActionDelete}, Path: "/etc/my.cnf"},
			wantTypes: []protocol.CommandType{protocol.CommandTypeFileDelete},
		},
		{
			name: "template write",
			decl: Declaration{
				Name: "t", Kind: KindTemplate, Actions: []Action{ActionCreate},
				Path: "/etc/mysql-default/my.cnf", Source: "5.5/my.cnf", Content: "[mysqld]\n",
				Owner: "mysql", Group: "mysql", Mode: "0600",
			},
			wantTypes: []protocol.CommandType{protocol.CommandTypeFileWrite},
			check: func(t *testing.T, cmds []*protocol.CommandMessage) {
				var p protocol.FileWriteParams
				if err := protocol.ParseParams(cmds[0].Params, &p); err != nil {
					t.Fatal(err)
				}
				if p.Content != "[mysqld]\n" || p.Mode != "0600" || !p.Create {
					t.Errorf("params = %+v", p)
				}
			},
		},
		{
			name: "directory delete recursive",
			decl: Declaration{
				Name: "d", Kind: KindDirectory, Actions: []Action{ActionDelete},
				Path: "/var/run/mysql-default", Recursive: true,
			},
			wantTypes: []protocol.CommandType{protocol.CommandTypeDirEnsure},
			check: func(t *testing.T, cmds []*protocol.CommandMessage) {
				var p protocol.DirEnsureParams
				if err := protocol.ParseParams(cmds[0].Params, &p); err != nil {
					t.Fatal(err)
				}
				if p.State != protocol.StateAbsent || !p.Recursive {
					t.Errorf("params = %+v", p)
				}
			},
		},
		{
			name: "execute as user",
			decl: Declaration{
				Name: "e", Kind: KindExecute, Actions: []Action{ActionRun},
				Command: "/usr/bin/mysql_install_db", User: "mysql", Cwd: "/var/lib/mysql-default",
			},
			wantTypes: []protocol.CommandType{protocol.CommandTypeExec},
			check: func(t *testing.T, cmds []*protocol.CommandMessage) {
				if cmds[0].Timeout != ExecuteTimeout {
					t.Errorf("timeout = %d", cmds[0].Timeout)
				}
				var p protocol.ExecParams
				if err := protocol.ParseParams(cmds[0].Params, &p); err != nil {
					t.Fatal(err)
				}
				if p.User != "mysql" || p.WorkDir != "/var/lib/mysql-default" || !p.FailOnNonZero {
					t.Errorf("params = %+v", p)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmds, err := c.Compile(&tt.decl)
			if err != nil {
				t.Fatalf("Compile() error = %v", err)
			}
			if len(cmds) != len(tt.wantTypes) {
				t.Fatalf("got %d commands, want %d", len(cmds), len(tt.wantTypes))
			}
			for i, cmd := range cmds {
				if cmd.Type != tt.wantTypes[i] {
					t.Errorf("command %d type = %s, want %s", i, cmd.Type, tt.wantTypes[i])
				}
				if err := cmd.Validate(); err != nil {
					t.Errorf("command %d invalid: %v", i, err)
				}
				if cmd.Metadata["declaration"] != tt.decl.Name {
					t.Errorf("command %d metadata = %v", i, cmd.Metadata)
				}
			}
			if tt.check != nil {
				tt.check(t, cmds)
			}
		})
	}
}

func TestCompileRejectsInvalid(t *testing.T) {
	c := NewCompiler(nil)
	if _, err := c.Compile(&Declaration{Name: "p", Kind: KindPackage, Actions: []Action{ActionInstall}}); err == nil {
		t.Fatal("expected error for package without name")
	}
}
