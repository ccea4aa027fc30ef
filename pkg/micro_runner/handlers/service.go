package handlers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/openfroyo/froyo-mysql/pkg/micro_runner/protocol"
)

// Service providers understood by ServiceEnsureHandler.
const (
	ServiceProviderInit    = "init"
	ServiceProviderSystemd = "systemd"
)

// ErrNotFound is returned when a command targets something that is not on
// the host.
var ErrNotFound = errors.New("not found")

// serviceManager abstracts the init system driving a service.
type serviceManager interface {
	running(ctx context.Context, name string) bool
	enabled(ctx context.Context, name string) bool
	exists(name string) bool
	run(ctx context.Context, name, action string) error
}

// ServiceEnsureHandler handles service operations.
type ServiceEnsureHandler struct {
	// InitDir is where sysvinit scripts live; defaults to /etc/init.d.
	InitDir string
	// RcDir is the runlevel directory inspected for enablement; defaults to /etc/rc2.d.
	RcDir string
}

// Handle drives a service through its init system.
func (h *ServiceEnsureHandler) Handle(ctx context.Context, params *protocol.ServiceEnsureParams, eventCh chan<- *protocol.EventMessage) (*protocol.ServiceEnsureResult, error) {
	if params.Name == "" {
		return nil, fmt.Errorf("service name is required")
	}

	var mgr serviceManager
	switch params.Provider {
	case ServiceProviderInit, "":
		mgr = &sysvinit{initDir: h.initDir(), rcDir: h.rcDir()}
	case ServiceProviderSystemd:
		mgr = &systemd{}
	default:
		return nil, fmt.Errorf("unsupported service provider: %s", params.Provider)
	}

	result := &protocol.ServiceEnsureResult{}
	exists := mgr.exists(params.Name)
	running := exists && mgr.running(ctx, params.Name)

	switch params.Action {
	case "start":
		if running {
			result.Action = "already_started"
			break
		}
		if err := h.require(exists, params.Name); err != nil {
			return nil, err
		}
		if err := mgr.run(ctx, params.Name, "start"); err != nil {
			return nil, err
		}
		result.Action = "started"
		result.Changed = true

	case "stop":
		if !running {
			result.Action = "already_stopped"
			break
		}
		if err := mgr.run(ctx, params.Name, "stop"); err != nil {
			return nil, err
		}
		result.Action = "stopped"
		result.Changed = true

	case "restart", "reload":
		if err := h.require(exists, params.Name); err != nil {
			return nil, err
		}
		if err := mgr.run(ctx, params.Name, params.Action); err != nil {
			return nil, err
		}
		result.Action = params.Action + "ed"
		result.Changed = true

	case "enable":
		if exists && mgr.enabled(ctx, params.Name) {
			result.Action = "already_enabled"
			break
		}
		if err := h.require(exists, params.Name); err != nil {
			return nil, err
		}
		if err := mgr.run(ctx, params.Name, "enable"); err != nil {
			return nil, err
		}
		result.Action = "enabled"
		result.Changed = true

	case "disable":
		if !exists || !mgr.enabled(ctx, params.Name) {
			result.Action = "already_disabled"
			break
		}
		if err := mgr.run(ctx, params.Name, "disable"); err != nil {
			return nil, err
		}
		result.Action = "disabled"
		result.Changed = true

	default:
		return nil, fmt.Errorf("invalid action: %s", params.Action)
	}

	result.Running = mgr.exists(params.Name) && mgr.running(ctx, params.Name)
	return result, nil
}

func (h *ServiceEnsureHandler) require(exists bool, name string) error {
	if !exists {
		return fmt.Errorf("service %s is not installed: %w", name, ErrNotFound)
	}
	return nil
}

func (h *ServiceEnsureHandler) initDir() string {
	if h.InitDir != "" {
		return h.InitDir
	}
	return "/etc/init.d"
}

func (h *ServiceEnsureHandler) rcDir() string {
	if h.RcDir != "" {
		return h.RcDir
	}
	return "/etc/rc2.d"
}

// sysvinit drives LSB init scripts directly.
type sysvinit struct {
	initDir string
	rcDir   string
}

func (s *sysvinit) script(name string) string {
	return filepath.Join(s.initDir, name)
}

func (s *sysvinit) exists(name string) bool {
	info, err := os.Stat(s.script(name))
	return err == nil && info.Mode()&0111 != 0
}

func (s *sysvinit) running(ctx context.Context, name string) bool {
	return succeeds(ctx, s.script(name), "status")
}

func (s *sysvinit) enabled(ctx context.Context, name string) bool {
	matches, _ := filepath.Glob(filepath.Join(s.rcDir, "S??"+name))
	return len(matches) > 0
}

func (s *sysvinit) run(ctx context.Context, name, action string) error {
	switch action {
	case "enable":
		return run(ctx, "update-rc.d", name, "defaults")
	case "disable":
		return run(ctx, "update-rc.d", "-f", name, "remove")
	default:
		if err := run(ctx, s.script(name), action); err != nil {
			return fmt.Errorf("failed to %s service: %w", action, err)
		}
		return nil
	}
}

// systemd drives units through systemctl.
type systemd struct{}

func (s *systemd) exists(name string) bool {
	return output(context.Background(), "systemctl", "show", name, "--property=LoadState", "--value") == "loaded"
}

func (s *systemd) running(ctx context.Context, name string) bool {
	return succeeds(ctx, "systemctl", "is-active", "--quiet", name)
}

func (s *systemd) enabled(ctx context.Context, name string) bool {
	return output(ctx, "systemctl", "is-enabled", name) == "enabled"
}

func (s *systemd) run(ctx context.Context, name, action string) error {
	if err := run(ctx, "systemctl", action, name); err != nil {
		return fmt.Errorf("failed to %s service: %w", action, err)
	}
	return nil
}
