package handlers

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/openfroyo/froyo-mysql/pkg/micro_runner/protocol"
)

// PkgEnsureHandler handles package management through apt and dpkg.
type PkgEnsureHandler struct{}

// Handle ensures a package is in the desired state.
func (h *PkgEnsureHandler) Handle(ctx context.Context, params *protocol.PkgEnsureParams, eventCh chan<- *protocol.EventMessage) (*protocol.PkgEnsureResult, error) {
	if params.Name == "" {
		return nil, fmt.Errorf("package name is required")
	}

	installed, currentVersion := h.installedVersion(ctx, params.Name)
	result := &protocol.PkgEnsureResult{
		PreviousVersion: currentVersion,
	}

	switch params.State {
	case protocol.StatePresent:
		if installed && (params.Version == "" || params.Version == currentVersion) {
			result.Action = "already_present"
			result.InstalledVersion = currentVersion
			return result, nil
		}
		pkgSpec := params.Name
		if params.Version != "" {
			pkgSpec = fmt.Sprintf("%s=%s", params.Name, params.Version)
		}
		args := append([]string{"install", "-y", "-q"}, params.Options...)
		if err := h.aptGet(ctx, append(args, pkgSpec)...); err != nil {
			return nil, fmt.Errorf("failed to install package: %w", err)
		}
		_, result.InstalledVersion = h.installedVersion(ctx, params.Name)
		result.Changed = true
		result.Action = "installed"

	case protocol.StateAbsent:
		if !installed {
			result.Action = "already_absent"
			return result, nil
		}
		args := append([]string{"remove", "-y", "-q"}, params.Options...)
		if err := h.aptGet(ctx, append(args, params.Name)...); err != nil {
			return nil, fmt.Errorf("failed to remove package: %w", err)
		}
		result.Changed = true
		result.Action = "removed"

	default:
		return nil, fmt.Errorf("invalid state: %s", params.State)
	}

	return result, nil
}

// installedVersion queries dpkg for the package's install status.
func (h *PkgEnsureHandler) installedVersion(ctx context.Context, name string) (bool, string) {
	out := output(ctx, "dpkg-query", "-W", "-f=${Status}|${Version}", name)
	status, version, ok := strings.Cut(out, "|")
	if !ok || status != "install ok installed" {
		return false, ""
	}
	return true, version
}

func (h *PkgEnsureHandler) aptGet(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "apt-get", args...)
	// Postinst scripts of server packages prompt unless told otherwise
	cmd.Env = append(os.Environ(), "DEBIAN_FRONTEND=noninteractive")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("apt-get %s: %w (output: %s)", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}
