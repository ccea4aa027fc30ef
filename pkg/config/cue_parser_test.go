package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/froyo-mysql/pkg/mysql"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestCUEParser_ParseInline(t *testing.T) {
	parser := NewCUEParser()
	ctx := context.Background()

	tests := []struct {
		name      string
		content   string
		wantErr   string
		checkFunc func(*testing.T, *ParsedDescriptors)
	}{
		{
			name: "defaults from the key",
			content: `
services: default: platform: {name: "debian", version: "7"}
`,
			checkFunc: func(t *testing.T, pd *ParsedDescriptors) {
				svc, ok := pd.Service("default")
				if !ok {
					t.Fatalf("expected service 'default', got %v", pd.Names())
				}
				if svc.Version != "5.5" || svc.Port != 3306 || svc.DataDir != "/var/lib/mysql-default" {
					t.Errorf("service not defaulted: %+v", svc)
				}
			},
		},
		{
			name: "two instances keep declaration order",
			content: `
_trusty: {name: "ubuntu", version: "14.04"}
services: {
	reporting: {version: "5.6", port: 3307, platform: _trusty}
	archive: {port: 3308, run_user: "archive", platform: _trusty}
}
`,
			checkFunc: func(t *testing.T, pd *ParsedDescriptors) {
				if got := strings.Join(pd.Names(), ","); got != "reporting,archive" {
					t.Errorf("names = %s", got)
				}
				svc, _ := pd.Service("archive")
				if svc.RunUser != "archive" || svc.RunGroup != "mysql" {
					t.Errorf("archive = %+v", svc)
				}
			},
		},
		{
			name:    "invalid CUE syntax",
			content: "services: {\n\tdefault: invalid syntax here\n}\n",
			wantErr: "",
		},
		{
			name: "port out of range",
			content: `
services: default: {port: 70000, platform: {name: "debian", version: "7"}}
`,
			wantErr: "services.default.port",
		},
		{
			name: "unknown field",
			content: `
services: default: {datadir: "/srv", platform: {name: "debian", version: "7"}}
`,
			wantErr: "datadir",
		},
		{
			name:    "platform left to detection",
			content: `services: default: {port: 3307}`,
			checkFunc: func(t *testing.T, pd *ParsedDescriptors) {
				svc, ok := pd.Service("default")
				if !ok {
					t.Fatalf("expected service 'default', got %v", pd.Names())
				}
				if !svc.Platform.IsZero() || svc.Version != "" || svc.Port != 3307 {
					t.Errorf("undetected service = %+v", svc)
				}
			},
		},
		{
			name:    "incomplete platform",
			content: `services: default: platform: name: "debian"`,
			wantErr: "platform",
		},
		{
			name: "version not packaged for the platform",
			content: `
services: default: {version: "5.6", platform: {name: "debian", version: "7"}}
`,
			wantErr: "not available",
		},
		{
			name: "name differs from key",
			content: `
services: default: {name: "other", platform: {name: "debian", version: "7"}}
`,
			wantErr: "does not match",
		},
		{
			name:    "no services",
			content: `services: {}`,
			wantErr: "no services",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pd, err := parser.ParseInline(ctx, tt.content)
			if err != nil {
				t.Fatalf("ParseInline() error = %v", err)
			}

			if tt.checkFunc != nil {
				if err := pd.Err(); err != nil {
					t.Fatalf("unexpected errors: %v", err)
				}
				tt.checkFunc(t, pd)
				return
			}

			err = pd.Err()
			if err == nil {
				t.Fatalf("expected errors, got services %v", pd.Names())
			}
			if tt.wantErr != "" && !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestCUEParser_ParseFiles(t *testing.T) {
	dir := t.TempDir()
	cueFile := writeFile(t, dir, "services.cue", `
services: default: platform: {name: "debian", version: "7"}
`)
	yamlFile := writeFile(t, dir, "reporting.yaml", `
services:
  reporting:
    version: "5.6"
    port: 3307
    platform:
      name: ubuntu
      version: "14.04"
`)

	parser := NewCUEParser()
	pd, err := parser.Parse(context.Background(), []string{cueFile, yamlFile})
	if err != nil {
		t.Fatal(err)
	}
	if err := pd.Err(); err != nil {
		t.Fatal(err)
	}
	if len(pd.Services) != 2 || len(pd.SourceFiles) != 2 {
		t.Fatalf("services = %v, files = %v", pd.Names(), pd.SourceFiles)
	}
	svc, ok := pd.Service("reporting")
	if !ok || svc.Port != 3307 || svc.Platform.Name != mysql.PlatformUbuntu {
		t.Errorf("reporting = %+v", svc)
	}
}

func TestCUEParser_ConflictingSources(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.cue", `services: default: {port: 3306, platform: {name: "debian", version: "7"}}`)
	b := writeFile(t, dir, "b.json", `{"services": {"default": {"port": 3307}}}`)

	pd, err := NewCUEParser().Parse(context.Background(), []string{a, b})
	if err != nil {
		t.Fatal(err)
	}
	if pd.Err() == nil {
		t.Error("conflicting ports unified without error")
	}
}

func TestCUEParser_ParseDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.cue", `package hosts

#wheezy: {name: "debian", version: "7"}
services: default: platform: #wheezy
`)
	writeFile(t, dir, "extra.cue", `package hosts

services: extra: {port: 3307, platform: #wheezy}
`)
	writeFile(t, dir, "notes.txt", "ignored")

	pd, err := NewCUEParser().Parse(context.Background(), []string{dir})
	if err != nil {
		t.Fatal(err)
	}
	if err := pd.Err(); err != nil {
		t.Fatal(err)
	}
	if len(pd.Services) != 2 {
		t.Errorf("services = %v", pd.Names())
	}
	if len(pd.SourceFiles) != 2 {
		t.Errorf("source files = %v", pd.SourceFiles)
	}
}

func TestCUEParser_ErrorLocation(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bad.cue", "services: default: {\n\tport: \"high\"\n\tplatform: {name: \"debian\", version: \"7\"}\n}\n")

	pd, err := NewCUEParser().Parse(context.Background(), []string{path})
	if err != nil {
		t.Fatal(err)
	}
	if len(pd.Errors) == 0 {
		t.Fatal("expected errors")
	}
	var located bool
	for _, e := range pd.Errors {
		if e.Line > 0 && strings.HasSuffix(e.File, "bad.cue") {
			located = true
		}
	}
	if !located {
		t.Errorf("no error points into bad.cue: %+v", pd.Errors)
	}
}

func TestCUEParser_LoadServices(t *testing.T) {
	ctx := context.Background()
	parser := NewCUEParser()

	if _, err := parser.LoadServices(ctx, nil); err == nil {
		t.Error("LoadServices(nil) succeeded")
	}
	if _, err := parser.LoadServices(ctx, []string{filepath.Join(t.TempDir(), "missing.cue")}); err == nil {
		t.Error("missing source loaded")
	}

	bad := writeFile(t, t.TempDir(), "bad.yaml", "services:\n  default:\n    port: 0\n")
	if _, err := parser.LoadServices(ctx, []string{bad}); err == nil {
		t.Error("invalid descriptor loaded")
	}

	good := writeFile(t, t.TempDir(), "good.yml", "services:\n  default:\n    platform: {name: debian, version: \"8\"}\n")
	services, err := parser.LoadServices(ctx, []string{good})
	if err != nil {
		t.Fatal(err)
	}
	if len(services) != 1 || services[0].MysqlName() != "mysql-default" {
		t.Errorf("services = %+v", services)
	}
}

func TestValidationErrorString(t *testing.T) {
	tests := []struct {
		err  ValidationError
		want string
	}{
		{ValidationError{Message: "boom"}, "boom"},
		{ValidationError{Path: "services.a", Message: "boom"}, "services.a: boom"},
		{ValidationError{File: "a.cue", Line: 3, Column: 2, Message: "boom"}, "a.cue:3:2: boom"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}
