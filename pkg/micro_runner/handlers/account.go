package handlers

import (
	"context"
	"errors"
	"fmt"
	"os/user"

	"github.com/openfroyo/froyo-mysql/pkg/micro_runner/protocol"
)

// GroupEnsureHandler manages system groups with groupadd and groupdel.
type GroupEnsureHandler struct{}

// Handle ensures a group exists or is absent.
func (h *GroupEnsureHandler) Handle(ctx context.Context, params *protocol.GroupEnsureParams, eventCh chan<- *protocol.EventMessage) (*protocol.GroupEnsureResult, error) {
	if params.Name == "" {
		return nil, fmt.Errorf("group name is required")
	}

	g, err := user.LookupGroup(params.Name)
	exists := err == nil
	if err != nil && !errors.As(err, new(user.UnknownGroupError)) {
		return nil, fmt.Errorf("failed to look up group: %w", err)
	}

	switch params.State {
	case protocol.StatePresent:
		if exists {
			return &protocol.GroupEnsureResult{GID: g.Gid}, nil
		}
		args := []string{}
		if params.System {
			args = append(args, "--system")
		}
		if err := run(ctx, "groupadd", append(args, params.Name)...); err != nil {
			return nil, fmt.Errorf("failed to create group: %w", err)
		}
		result := &protocol.GroupEnsureResult{Changed: true}
		if g, err := user.LookupGroup(params.Name); err == nil {
			result.GID = g.Gid
		}
		return result, nil

	case protocol.StateAbsent:
		if !exists {
			return &protocol.GroupEnsureResult{}, nil
		}
		if err := run(ctx, "groupdel", params.Name); err != nil {
			return nil, fmt.Errorf("failed to remove group: %w", err)
		}
		return &protocol.GroupEnsureResult{Changed: true}, nil

	default:
		return nil, fmt.Errorf("invalid state: %s", params.State)
	}
}

// UserEnsureHandler manages system users with useradd and userdel.
type UserEnsureHandler struct{}

// Handle ensures a user exists or is absent. An existing user whose
// primary group differs is moved with usermod.
func (h *UserEnsureHandler) Handle(ctx context.Context, params *protocol.UserEnsureParams, eventCh chan<- *protocol.EventMessage) (*protocol.UserEnsureResult, error) {
	if params.Name == "" {
		return nil, fmt.Errorf("user name is required")
	}

	u, err := user.Lookup(params.Name)
	exists := err == nil
	if err != nil && !errors.As(err, new(user.UnknownUserError)) {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	switch params.State {
	case protocol.StatePresent:
		if exists {
			return h.reconcileGroup(ctx, u, params)
		}
		var args []string
		if params.System {
			args = append(args, "--system")
		}
		if params.Group != "" {
			args = append(args, "--gid", params.Group)
		}
		if params.Home != "" {
			args = append(args, "--home-dir", params.Home)
		}
		if params.Shell != "" {
			args = append(args, "--shell", params.Shell)
		}
		if err := run(ctx, "useradd", append(args, params.Name)...); err != nil {
			return nil, fmt.Errorf("failed to create user: %w", err)
		}
		result := &protocol.UserEnsureResult{Changed: true}
		if u, err := user.Lookup(params.Name); err == nil {
			result.UID = u.Uid
		}
		return result, nil

	case protocol.StateAbsent:
		if !exists {
			return &protocol.UserEnsureResult{}, nil
		}
		if err := run(ctx, "userdel", params.Name); err != nil {
			return nil, fmt.Errorf("failed to remove user: %w", err)
		}
		return &protocol.UserEnsureResult{Changed: true}, nil

	default:
		return nil, fmt.Errorf("invalid state: %s", params.State)
	}
}

func (h *UserEnsureHandler) reconcileGroup(ctx context.Context, u *user.User, params *protocol.UserEnsureParams) (*protocol.UserEnsureResult, error) {
	result := &protocol.UserEnsureResult{UID: u.Uid}
	if params.Group == "" {
		return result, nil
	}
	g, err := user.LookupGroup(params.Group)
	if err != nil {
		return nil, fmt.Errorf("failed to look up group %s: %w", params.Group, err)
	}
	if g.Gid == u.Gid {
		return result, nil
	}
	if err := run(ctx, "usermod", "--gid", params.Group, params.Name); err != nil {
		return nil, fmt.Errorf("failed to change primary group: %w", err)
	}
	result.Changed = true
	return result, nil
}
