package resources

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/openfroyo/froyo-mysql/pkg/micro_runner/protocol"
)

// Command timeouts in seconds.
const (
	DefaultTimeout = 60
	PackageTimeout = 900
	ExecuteTimeout = 600
	ProbeTimeout   = 30
)

// IDFunc generates command IDs.
type IDFunc func() string

// Compiler turns declarations into micro-runner commands.
type Compiler struct {
	newID IDFunc
}

// NewCompiler creates a compiler. A nil newID uses random UUIDs.
func NewCompiler(newID IDFunc) *Compiler {
	if newID == nil {
		newID = uuid.NewString
	}
	return &Compiler{newID: newID}
}

// Compile returns one command per action of d, in action order.
func (c *Compiler) Compile(d *Declaration) ([]*protocol.CommandMessage, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	cmds := make([]*protocol.CommandMessage, 0, len(d.Actions))
	for _, action := range d.Actions {
		cmdType, timeout, params, err := c.params(d, action)
		if err != nil {
			return nil, err
		}
		cmd, err := protocol.NewCommand(c.newID(), cmdType, timeout, params)
		if err != nil {
			return nil, err
		}
		cmd.IdempotencyKey = fmt.Sprintf("%s:%s", d.Key(), action)
		cmd.Metadata = map[string]string{
			"declaration": d.Name,
			"kind":        string(d.Kind),
			"action":      string(action),
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

// Probe builds the exec command that evaluates a guard predicate.
func (c *Compiler) Probe(command string) (*protocol.CommandMessage, error) {
	return protocol.NewCommand(c.newID(), protocol.CommandTypeExec, ProbeTimeout, &protocol.ExecParams{
		Command:    command,
		CaptureErr: true,
	})
}

func (c *Compiler) params(d *Declaration, action Action) (protocol.CommandType, int, interface{}, error) {
	switch d.Kind {
	case KindPackage:
		state := protocol.StatePresent
		if action == ActionRemove {
			state = protocol.StateAbsent
		}
		return protocol.CommandTypePkgEnsure, PackageTimeout, &protocol.PkgEnsureParams{
			Name:  d.PackageName,
			State: state,
		}, nil

	case KindService:
		provider := d.ServiceProvider
		if provider == "" {
			provider = ProviderInit
		}
		return protocol.CommandTypeServiceEnsure, DefaultTimeout, &protocol.ServiceEnsureParams{
			Name:     d.ServiceName,
			Action:   string(action),
			Provider: provider,
		}, nil

	case KindFile, KindTemplate:
		if action == ActionDelete {
			return protocol.CommandTypeFileDelete, DefaultTimeout, &protocol.FileDeleteParams{Path: d.Path}, nil
		}
		return protocol.CommandTypeFileWrite, DefaultTimeout, &protocol.FileWriteParams{
			Path:    d.Path,
			Content: d.Content,
			Mode:    d.Mode,
			Owner:   d.Owner,
			Group:   d.Group,
			Create:  true,
		}, nil

	case KindDirectory:
		state := protocol.StatePresent
		if action == ActionDelete {
			state = protocol.StateAbsent
		}
		return protocol.CommandTypeDirEnsure, DefaultTimeout, &protocol.DirEnsureParams{
			Path:      d.Path,
			State:     state,
			Mode:      d.Mode,
			Owner:     d.Owner,
			Group:     d.Group,
			Recursive: d.Recursive,
		}, nil

	case KindGroup:
		state := protocol.StatePresent
		if action == ActionRemove {
			state = protocol.StateAbsent
		}
		return protocol.CommandTypeGroupEnsure, DefaultTimeout, &protocol.GroupEnsureParams{
			Name:   d.GroupName,
			System: d.System,
			State:  state,
		}, nil

	case KindUser:
		state := protocol.StatePresent
		if action == ActionRemove {
			state = protocol.StateAbsent
		}
		return protocol.CommandTypeUserEnsure, DefaultTimeout, &protocol.UserEnsureParams{
			Name:   d.Username,
			Group:  d.GID,
			System: d.System,
			State:  state,
		}, nil

	case KindExecute:
		return protocol.CommandTypeExec, ExecuteTimeout, &protocol.ExecParams{
			Command:       d.Command,
			User:          d.User,
			WorkDir:       d.Cwd,
			Shell:         "/bin/bash",
			CaptureOut:    true,
			CaptureErr:    true,
			FailOnNonZero: true,
		}, nil
	}

	return "", 0, nil, fmt.Errorf("%s: no command for kind %s", d.Name, d.Kind)
}
