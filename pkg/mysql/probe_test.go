package mysql

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDriverConfig(t *testing.T) {
	svc, err := Resolve(Service{Name: "reporting", Port: 3307, Platform: wheezy})
	if err != nil {
		t.Fatal(err)
	}

	cfg := svc.DriverConfig(ProbeConfig{})
	if cfg.Net != "unix" || cfg.Addr != "/var/run/mysql-reporting/mysqld.sock" {
		t.Errorf("socket config = %s %s", cfg.Net, cfg.Addr)
	}
	if cfg.User != "root" || cfg.Timeout != 5*time.Second {
		t.Errorf("defaults = user %q timeout %v", cfg.User, cfg.Timeout)
	}

	cfg = svc.DriverConfig(ProbeConfig{User: "monitor", Password: "secret", Host: "db1"})
	if cfg.Net != "tcp" || cfg.Addr != "db1:3307" {
		t.Errorf("tcp config = %s %s", cfg.Net, cfg.Addr)
	}
	if got := cfg.FormatDSN(); !strings.HasPrefix(got, "monitor:secret@tcp(db1:3307)/") {
		t.Errorf("FormatDSN() = %q", got)
	}
}

func TestProbeUnreachable(t *testing.T) {
	svc := Service{DataDir: t.TempDir(), Platform: wheezy}
	state, err := svc.Probe(context.Background(), ProbeConfig{Timeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if state.Reachable {
		t.Error("nothing listens on the socket, probe says reachable")
	}
	if state.Error == "" {
		t.Error("unreachable state carries no error")
	}
	if state.Address != "unix:"+filepath.Join("/var/run/mysql-default", "mysqld.sock") {
		t.Errorf("address = %q", state.Address)
	}
}

func TestProbeInvalidService(t *testing.T) {
	if _, err := (Service{Platform: Platform{Name: "debian", Version: "6"}}).Probe(context.Background(), ProbeConfig{}); err == nil {
		t.Error("Probe() of unsupported platform succeeded")
	}
}

func TestStateSetUptime(t *testing.T) {
	tests := []struct {
		value     string
		uptime    int64
		wantError bool
	}{
		{"3600", 3600, false},
		{"0", 0, false},
		{"", 0, true},
		{"12h", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			st := &State{Reachable: true}
			st.setUptime(tt.value)
			if st.Uptime != tt.uptime {
				t.Errorf("Uptime = %d, want %d", st.Uptime, tt.uptime)
			}
			if (st.Error != "") != tt.wantError {
				t.Errorf("Error = %q, wantError %v", st.Error, tt.wantError)
			}
			if !st.Reachable {
				t.Error("a bad uptime marked the server unreachable")
			}
		})
	}
}
