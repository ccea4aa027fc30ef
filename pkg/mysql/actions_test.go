package mysql

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/froyo-mysql/pkg/resources"
)

// step is the observable shape of one declaration.
type step struct {
	name    string
	kind    resources.Kind
	actions string
}

func shape(plan *resources.Plan) []step {
	steps := make([]step, 0, len(plan.Declarations))
	for _, d := range plan.Declarations {
		acts := make([]string, 0, len(d.Actions))
		for _, a := range d.Actions {
			acts = append(acts, string(a))
		}
		steps = append(steps, step{d.Name, d.Kind, strings.Join(acts, ",")})
	}
	return steps
}

func assertSteps(t *testing.T, plan *resources.Plan, want []step) {
	t.Helper()
	got := shape(plan)
	if len(got) != len(want) {
		t.Fatalf("got %d declarations, want %d:\n%v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("declaration %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestPlanCreate(t *testing.T) {
	plan, err := Plan(Service{Platform: wheezy}, ActionCreate)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if plan.Resource != "mysql-default" || plan.Action != "create" {
		t.Errorf("plan header = %s/%s", plan.Resource, plan.Action)
	}

	assertSteps(t, plan, []step{
		{"default :create mysql-server-5.5", resources.KindPackage, "install"},
		{"default :create mysql", resources.KindService, "stop,disable"},
		{"default :create /etc/mysql/my.cnf", resources.KindFile, "delete"},
		{"default :create /etc/my.cnf", resources.KindFile, "delete"},
		{"default :create mysql", resources.KindGroup, "create"},
		{"default :create mysql", resources.KindUser, "create"},
		{"default :create /etc/mysql-default", resources.KindDirectory, "create"},
		{"default :create /etc/mysql-default/conf.d", resources.KindDirectory, "create"},
		{"default :create /var/run/mysql-default", resources.KindDirectory, "create"},
		{"default :create /var/lib/mysql-default", resources.KindDirectory, "create"},
		{"default :create /var/log/mysql-default", resources.KindDirectory, "create"},
		{"default :create /etc/mysql-default/my.cnf", resources.KindTemplate, "create"},
		{"default :create initialize mysql database", resources.KindExecute, "run"},
	})

	modes := map[string]string{
		"/etc/mysql-default":        "0750",
		"/etc/mysql-default/conf.d": "0750",
		"/var/run/mysql-default":    "0755",
		"/var/lib/mysql-default":    "0750",
		"/var/log/mysql-default":    "0750",
		"/etc/mysql-default/my.cnf": "0600",
	}
	for _, d := range plan.Declarations {
		want, ok := modes[d.Path]
		if !ok {
			continue
		}
		if d.Mode != want || d.Owner != "mysql" || d.Group != "mysql" {
			t.Errorf("%s: mode=%s owner=%s group=%s, want %s mysql:mysql", d.Name, d.Mode, d.Owner, d.Group, want)
		}
	}

	initDB := plan.Declarations[len(plan.Declarations)-1]
	wantCmd := "/usr/bin/mysql_install_db --basedir=/usr --defaults-file=/etc/mysql-default/my.cnf --datadir=/var/lib/mysql-default --user=mysql"
	if initDB.Command != wantCmd {
		t.Errorf("install command = %q, want %q", initDB.Command, wantCmd)
	}
	if initDB.User != "mysql" || initDB.Cwd != "/var/lib/mysql-default" {
		t.Errorf("install runs as %s in %s", initDB.User, initDB.Cwd)
	}
	if initDB.Guard == nil || initDB.Guard.NotIf != "/usr/bin/test -f /var/lib/mysql-default/mysql/user.frm" {
		t.Errorf("install guard = %+v", initDB.Guard)
	}

	user := plan.Declarations[5]
	if user.GID != "mysql" {
		t.Errorf("user gid = %q", user.GID)
	}
}

func TestPlanCreateRendersMyCnf(t *testing.T) {
	plan, err := Plan(Service{Name: "reporting", Port: 3307, Version: "5.6", Platform: trusty}, ActionCreate)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}

	var cnf *resources.Declaration
	for i := range plan.Declarations {
		if plan.Declarations[i].Path == "/etc/mysql-reporting/my.cnf" {
			cnf = &plan.Declarations[i]
		}
	}
	if cnf == nil {
		t.Fatal("no my.cnf declaration")
	}
	if cnf.Source != "5.6/my.cnf" {
		t.Errorf("source = %q", cnf.Source)
	}
	for _, want := range []string{
		"port                           = 3307",
		"socket                         = /var/run/mysql-reporting/mysqld.sock",
		"pid-file                       = /var/run/mysql-reporting/mysqld.pid",
		"datadir                        = /var/lib/mysql-reporting",
		"user                           = mysql",
		"!includedir /etc/mysql-reporting/conf.d",
		"explicit_defaults_for_timestamp",
	} {
		if !strings.Contains(cnf.Content, want) {
			t.Errorf("my.cnf missing %q", want)
		}
	}
}

func TestPlanDelete(t *testing.T) {
	plan, err := Plan(Service{Platform: wheezy}, ActionDelete)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}

	assertSteps(t, plan, []step{
		{"default :delete /etc/init.d/mysql-default", resources.KindTemplate, "create"},
		{"default :delete mysql-default", resources.KindService, "stop"},
		{"default :delete /etc/mysql-default", resources.KindDirectory, "delete"},
		{"default :delete /var/run/mysql-default", resources.KindDirectory, "delete"},
		{"default :delete /var/log/mysql-default", resources.KindDirectory, "delete"},
	})

	for _, d := range plan.Declarations {
		if d.Path == "/var/lib/mysql-default" {
			t.Error("delete must not remove the data directory")
		}
		if d.Kind == resources.KindDirectory && !d.Recursive {
			t.Errorf("%s is not recursive", d.Name)
		}
	}

	script := plan.Declarations[0]
	if script.Owner != "root" || script.Group != "root" || script.Mode != "0755" {
		t.Errorf("init script attributes = %s:%s %s", script.Owner, script.Group, script.Mode)
	}
	if script.Source != "5.5/sysvinit/debian-7/mysql" {
		t.Errorf("init script source = %q", script.Source)
	}
}

func TestPlanStart(t *testing.T) {
	plan, err := Plan(Service{Platform: trusty}, ActionStart)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}

	assertSteps(t, plan, []step{
		{"default :start /etc/init.d/mysql-default", resources.KindTemplate, "create"},
		{"default :start mysql-default", resources.KindService, "start"},
	})

	script := plan.Declarations[0].Content
	for _, want := range []string{
		"#!/bin/bash",
		"# Provides:          mysql-default",
		"CONF=/etc/mysql-default/my.cnf",
		"PIDFILE=/var/run/mysql-default/mysqld.pid",
		"MYSQLD_SAFE=/usr/bin/mysqld_safe",
		"BASEDIR=/usr",
		"PORT=3306",
		"aa-status",
	} {
		if !strings.Contains(script, want) {
			t.Errorf("init script missing %q", want)
		}
	}
	if !strings.HasPrefix(script, "#!/bin/bash\n") {
		t.Errorf("init script does not start with a shebang: %q", script[:20])
	}
}

func TestPlanServiceActions(t *testing.T) {
	for _, action := range []Action{ActionStop, ActionRestart, ActionReload} {
		t.Run(string(action), func(t *testing.T) {
			plan, err := Plan(Service{Platform: wheezy}, action)
			if err != nil {
				t.Fatalf("Plan() error = %v", err)
			}
			assertSteps(t, plan, []step{
				{"default :" + string(action) + " mysql-default", resources.KindService, string(action)},
			})
			if plan.Declarations[0].ServiceProvider != resources.ProviderInit {
				t.Errorf("provider = %q", plan.Declarations[0].ServiceProvider)
			}
		})
	}
}

func TestPlanErrors(t *testing.T) {
	if _, err := Plan(Service{Platform: wheezy}, Action("upgrade")); err == nil {
		t.Error("unknown action accepted")
	}
	if _, err := Plan(Service{Platform: Platform{Name: "debian", Version: "5"}}, ActionCreate); err == nil {
		t.Error("unsupported platform accepted")
	}
}

func TestParseAction(t *testing.T) {
	if a, err := ParseAction("Restart"); err != nil || a != ActionRestart {
		t.Errorf("ParseAction(Restart) = %q, %v", a, err)
	}
	if _, err := ParseAction("upgrade"); err == nil {
		t.Error("ParseAction(upgrade) succeeded")
	}
}

func TestEveryTemplateRenders(t *testing.T) {
	sources, err := TemplateSources()
	if err != nil {
		t.Fatal(err)
	}
	if len(sources) == 0 {
		t.Fatal("no templates embedded")
	}

	svc, err := Resolve(Service{Platform: wheezy})
	if err != nil {
		t.Fatal(err)
	}

	for _, source := range sources {
		vars := svc.MyCnfVariables()
		if strings.Contains(source, "/sysvinit/") {
			vars = svc.InitScriptVariables()
		}
		if _, err := Render(source, vars); err != nil {
			t.Errorf("Render(%s) error = %v", source, err)
		}
	}

	// Every supported platform and version has an init script.
	for key, versions := range platformVersions {
		for _, v := range versions {
			name, ver, _ := strings.Cut(key, "-")
			s, err := Resolve(Service{Version: v, Platform: Platform{Name: name, Version: ver}})
			if err != nil {
				t.Errorf("%s/%s: %v", key, v, err)
				continue
			}
			if _, err := Plan(s, ActionStart); err != nil {
				t.Errorf("%s/%s: start plan: %v", key, v, err)
			}
		}
	}
}

func TestRenderMissingVariable(t *testing.T) {
	if _, err := Render("5.5/my.cnf", map[string]interface{}{"port": 3306}); err == nil {
		t.Error("Render() with missing variables succeeded")
	}
	if _, err := Render("4.1/my.cnf", nil); err == nil {
		t.Error("Render() of unknown source succeeded")
	}
}

func TestPlanCreateQuotesDataDir(t *testing.T) {
	svc, err := Resolve(Service{DataDir: "/srv/my data", Platform: wheezy})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	plan, err := Plan(svc, ActionCreate)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}

	initDB := plan.Declarations[len(plan.Declarations)-1]
	if want := "/usr/bin/test -f '/srv/my data/mysql/user.frm'"; initDB.Guard.NotIf != want {
		t.Errorf("guard = %q, want %q", initDB.Guard.NotIf, want)
	}
	if !strings.Contains(initDB.Command, "'--datadir=/srv/my data'") {
		t.Errorf("install command = %q", initDB.Command)
	}

	start, err := Plan(svc, ActionStart)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(start.Declarations[0].Content, "DATADIR='/srv/my data'\n") {
		t.Error("init script does not quote DATADIR")
	}
}

func TestInitializedGuardInShell(t *testing.T) {
	if _, err := os.Stat(TestBin); err != nil {
		t.Skipf("%s not available", TestBin)
	}

	dataDir := filepath.Join(t.TempDir(), "my data")
	svc := Service{Name: "default", DataDir: dataDir, Platform: wheezy}

	exitCode := func() int {
		err := exec.Command("/bin/sh", "-c", svc.InitializedGuard()).Run()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode()
		}
		if err != nil {
			t.Fatal(err)
		}
		return 0
	}

	if got := exitCode(); got != 1 {
		t.Errorf("guard before initialization exited %d, want 1", got)
	}

	if err := os.MkdirAll(filepath.Dir(svc.InitializedMarker()), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(svc.InitializedMarker(), nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if got := exitCode(); got != 0 {
		t.Errorf("guard after initialization exited %d, want 0", got)
	}
}
