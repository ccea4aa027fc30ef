package mysql

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/openfroyo/froyo-mysql/pkg/micro_runner/protocol"
)

// OSReleasePath is read on the target to detect its platform.
const OSReleasePath = "/etc/os-release"

const osReleaseMaxBytes = 64 * 1024

// Runner executes one command on the target's micro-runner.
type Runner interface {
	Execute(ctx context.Context, cmd *protocol.CommandMessage) (*protocol.DoneMessage, error)
}

// DetectPlatform reads /etc/os-release through the runner.
func DetectPlatform(ctx context.Context, runner Runner) (Platform, error) {
	cmd, err := protocol.NewCommand(uuid.NewString(), protocol.CommandTypeFileRead, 30, &protocol.FileReadParams{
		Path:     OSReleasePath,
		MaxBytes: osReleaseMaxBytes,
	})
	if err != nil {
		return Platform{}, err
	}
	done, err := runner.Execute(ctx, cmd)
	if err != nil {
		return Platform{}, fmt.Errorf("failed to read %s: %w", OSReleasePath, err)
	}
	var res protocol.FileReadResult
	if err := json.Unmarshal(done.Result, &res); err != nil {
		return Platform{}, fmt.Errorf("failed to decode %s: %w", OSReleasePath, err)
	}
	if !res.Exists {
		return Platform{}, fmt.Errorf("%s does not exist on the target", OSReleasePath)
	}
	return ParseOSRelease(res.Content)
}

// OnPlatform returns s with its platform set to p when s declares none.
func (s Service) OnPlatform(p Platform) Service {
	if s.Platform.IsZero() {
		s.Platform = p
	}
	return s
}
