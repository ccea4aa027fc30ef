package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/froyo-mysql/pkg/events"
	"github.com/openfroyo/froyo-mysql/pkg/lock"
	"github.com/openfroyo/froyo-mysql/pkg/mysql"
	"github.com/openfroyo/froyo-mysql/pkg/stores"
	"github.com/openfroyo/froyo-mysql/pkg/telemetry"
	"github.com/openfroyo/froyo-mysql/pkg/transports/ssh"
)

// Target types.
const (
	TargetLocal = "local"
	TargetSSH   = "ssh"
)

// Settings configure the controller.
type Settings struct {
	Telemetry telemetry.Config  `yaml:"telemetry"`
	Journal   stores.Config     `yaml:"journal"`
	Events    EventsSettings    `yaml:"events"`
	Lock      LockSettings      `yaml:"lock"`
	Runner    RunnerSettings    `yaml:"runner"`
	Target    TargetSettings    `yaml:"target"`
	Probe     mysql.ProbeConfig `yaml:"probe"`
	Policy    PolicySettings    `yaml:"policy"`
}

// EventsSettings configure the in-process bus and the optional broker.
type EventsSettings struct {
	Bus events.Config `yaml:"bus"`

	// AMQP publishes every event to a broker when set.
	AMQP *events.AMQPConfig `yaml:"amqp"`
}

// LockSettings select the convergence lock. Without Redis, runs are only
// serialized by the journal.
type LockSettings struct {
	Redis *lock.RedisConfig `yaml:"redis"`
}

// RunnerSettings locate the micro-runner binary.
type RunnerSettings struct {
	// LocalPath is the runner built for the target's architecture.
	LocalPath string `yaml:"local_path" validate:"required"`

	// RemotePath is where the runner is uploaded to.
	RemotePath string `yaml:"remote_path" validate:"required,startswith=/"`

	StartupTimeout time.Duration `yaml:"startup_timeout" validate:"min=0"`
}

// TargetSettings name the host instances are converged on.
type TargetSettings struct {
	Type string `yaml:"type" validate:"required,oneof=local ssh"`

	// Name labels runs and events; defaults to the SSH host or "localhost".
	Name string `yaml:"name"`

	// Sudo applies to the local target. SSH targets carry their own.
	Sudo bool `yaml:"sudo"`

	SSH *ssh.Config `yaml:"ssh" validate:"required_if=Type ssh"`
}

// PolicySettings configure plan policies.
type PolicySettings struct {
	Enabled bool `yaml:"enabled"`

	// Paths are policy files or directories loaded on top of the built-ins.
	Paths []string `yaml:"paths"`

	// Disabled names built-in or loaded policies to switch off.
	Disabled []string `yaml:"disabled"`
}

// DefaultSettings returns settings for converging the local host.
func DefaultSettings() *Settings {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return &Settings{
		Telemetry: *telemetry.DefaultConfig(),
		Journal: stores.Config{
			Path:            filepath.Join(home, ".froyo-mysql", "journal.db"),
			MaxOpenConns:    4,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Events: EventsSettings{
			Bus: events.Config{Async: false, BufferSize: 256},
		},
		Runner: RunnerSettings{
			LocalPath:      "bin/micro-runner",
			RemotePath:     "/tmp/froyo-micro-runner",
			StartupTimeout: 10 * time.Second,
		},
		Target: TargetSettings{
			Type: TargetLocal,
			Sudo: os.Geteuid() != 0,
		},
		Probe: mysql.ProbeConfig{Timeout: 5 * time.Second},
		Policy: PolicySettings{
			Enabled: true,
		},
	}
}

var settingsValidator = validator.New()

// LoadSettings reads YAML settings from path on top of DefaultSettings.
// An empty path yields the defaults.
func LoadSettings(path string) (*Settings, error) {
	s := DefaultSettings()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read settings: %w", err)
		}
		if err := yaml.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("failed to parse settings %s: %w", path, err)
		}
	}

	s.applyDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// applyDefaults fills fields that depend on other settings.
func (s *Settings) applyDefaults() {
	if s.Target.Type == TargetSSH && s.Target.SSH != nil {
		def := ssh.DefaultConfig(s.Target.SSH.Host, s.Target.SSH.User)
		c := s.Target.SSH
		if c.Port == 0 {
			c.Port = def.Port
		}
		if c.AuthMethod == "" {
			c.AuthMethod = def.AuthMethod
		}
		if c.KnownHostsPath == "" {
			c.KnownHostsPath = def.KnownHostsPath
		}
		if c.ConnectionTimeout == 0 {
			c.ConnectionTimeout = def.ConnectionTimeout
		}
		if c.MaxKeepAliveRetries == 0 {
			c.MaxKeepAliveRetries = def.MaxKeepAliveRetries
		}
		if c.ProxyHost != "" && c.ProxyPort == 0 {
			c.ProxyPort = def.ProxyPort
		}
	}

	if s.Target.Name == "" {
		if s.Target.Type == TargetSSH && s.Target.SSH != nil {
			s.Target.Name = s.Target.SSH.Host
		} else {
			s.Target.Name = "localhost"
		}
	}
}

// Validate checks the settings.
func (s *Settings) Validate() error {
	if err := settingsValidator.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid settings: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid settings: %w", err)
	}
	if err := s.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry settings: %w", err)
	}
	if s.Journal.Path == "" {
		return fmt.Errorf("invalid settings: journal path is required")
	}
	if s.Events.AMQP != nil && s.Events.AMQP.URL == "" {
		return fmt.Errorf("invalid settings: events.amqp.url is required")
	}
	return nil
}
