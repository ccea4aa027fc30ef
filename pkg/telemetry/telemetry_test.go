package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"otlp without endpoint", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "otlp" }, true},
		{"sampling out of range", func(c *Config) { c.Tracing.SamplingRate = 2 }, true},
		{"metrics without address", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.ListenAddress = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "debug", Format: "json"}, &buf)

	logger.NewComponentLogger("apply").
		WithRunID("run-1").
		WithDeclaration("default :create mysql", "group").
		Info("applied")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("not JSON: %q", buf.String())
	}
	for k, want := range map[string]string{
		"component":   "apply",
		"run_id":      "run-1",
		"declaration": "default :create mysql",
		"kind":        "group",
		"message":     "applied",
	} {
		if line[k] != want {
			t.Errorf("%s = %v, want %q", k, line[k], want)
		}
	}
}

func TestLoggerContext(t *testing.T) {
	logger := Nop()
	ctx := logger.WithContext(context.Background())
	if FromContext(ctx) != logger {
		t.Error("FromContext() did not return the stored logger")
	}
	if FromContext(context.Background()) == nil {
		t.Error("FromContext() without logger returned nil")
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("debug") != zerolog.DebugLevel || ParseLevel("nonsense") != zerolog.InfoLevel {
		t.Error("ParseLevel() wrong")
	}
}

func TestMetrics(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "test"})
	if err != nil {
		t.Fatal(err)
	}

	m.RunStarted()
	m.RecordDeclaration("package", "updated", 2*time.Second)
	m.RecordDeclaration("execute", "skipped", 0)
	m.RecordError("permanent", "COMMAND_FAILED")
	m.SetInstanceUp("mysql-default", true)
	m.RunFinished("create", "succeeded", 3*time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`test_declarations_total{kind="package",status="updated"} 1`,
		`test_declarations_total{kind="execute",status="skipped"} 1`,
		`test_runs_total{action="create",status="succeeded"} 1`,
		`test_errors_total{class="permanent",code="COMMAND_FAILED"} 1`,
		`test_instance_up{instance="mysql-default"} 1`,
		`test_active_runs 0`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestDisabledMetrics(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{})
	if err != nil {
		t.Fatal(err)
	}
	m.RunStarted()
	m.RecordDeclaration("file", "updated", time.Second)
	if m.Registry() != nil {
		t.Error("disabled metrics have a registry")
	}

	var nilMetrics *Metrics
	nilMetrics.RunFinished("create", "failed", time.Second)
	if err := nilMetrics.Serve(context.Background()); err != nil {
		t.Error(err)
	}
}

func TestNoopTelemetry(t *testing.T) {
	tel := Noop()
	ctx := tel.WithContext(context.Background())
	if FromTelemetryContext(ctx) != tel {
		t.Error("FromTelemetryContext() lost the instance")
	}
	_, span := tel.Tracer.StartRunSpan(ctx, "run-1", "mysql-default", "create")
	RecordSuccess(span)
	span.End()
	if err := tel.Shutdown(ctx); err != nil {
		t.Error(err)
	}
}
