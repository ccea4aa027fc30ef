// Package handlers implements command handlers for the micro-runner.
package handlers

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/openfroyo/froyo-mysql/pkg/micro_runner/protocol"
)

// ExecHandler handles shell command execution.
type ExecHandler struct{}

// Handle executes a shell command.
func (h *ExecHandler) Handle(ctx context.Context, params *protocol.ExecParams, eventCh chan<- *protocol.EventMessage) (*protocol.ExecResult, error) {
	if params.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	shell := params.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	var argv []string
	if len(params.Args) > 0 {
		argv = append([]string{params.Command}, params.Args...)
	} else {
		argv = []string{shell, "-c", params.Command}
	}

	// Drop privileges for the command when a user is requested
	if params.User != "" {
		argv = append([]string{"runuser", "-u", params.User, "--"}, argv...)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if params.WorkDir != "" {
		cmd.Dir = params.WorkDir
	}
	if len(params.Env) > 0 {
		env := make([]string, 0, len(params.Env))
		for k, v := range params.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}

	var stdout, stderr bytes.Buffer
	if params.CaptureOut {
		cmd.Stdout = &stdout
	}
	// stderr is always kept so failures can be reported
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &protocol.ExecResult{
		Duration: time.Since(start).Seconds(),
	}

	if params.CaptureOut {
		result.Stdout = stdout.String()
	}
	if params.CaptureErr {
		result.Stderr = stderr.String()
	}

	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return nil, fmt.Errorf("failed to execute command: %w", err)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	if params.FailOnNonZero && result.ExitCode != 0 {
		return nil, fmt.Errorf("command exited with status %d: %s", result.ExitCode, strings.TrimSpace(stderr.String()))
	}

	result.Changed = result.ExitCode == 0
	return result, nil
}

// run executes name with args and folds stderr into the returned error.
func run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s: %w (stderr: %s)", name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// succeeds reports whether name exits zero.
func succeeds(ctx context.Context, name string, args ...string) bool {
	return exec.CommandContext(ctx, name, args...).Run() == nil
}

// output returns the trimmed stdout of name, or "" when it fails.
func output(ctx context.Context, name string, args ...string) string {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
