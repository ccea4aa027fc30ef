// Package local runs the micro-runner as a child process on this host.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/froyo-mysql/pkg/micro_runner/client"
)

// Transport implements client.Transport with os/exec.
type Transport struct {
	// Sudo runs the runner through non-interactive sudo.
	Sudo bool
}

var _ client.Transport = (*Transport)(nil)

// Upload copies the runner binary to remotePath. Uploading a file onto
// itself is a no-op.
func (t *Transport) Upload(ctx context.Context, localPath, remotePath string) error {
	src, err := filepath.Abs(localPath)
	if err != nil {
		return err
	}
	dst, err := filepath.Abs(remotePath)
	if err != nil {
		return err
	}
	if src == dst {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open runner: %w", err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create runner directory: %w", err)
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o700)
	if err != nil {
		return fmt.Errorf("failed to create runner: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy runner: %w", err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(dst, 0o700)
}

// Execute starts the runner. Closing the returned stdout waits for it to
// exit.
func (t *Transport) Execute(ctx context.Context, remotePath string) (io.WriteCloser, io.ReadCloser, error) {
	name, args := remotePath, []string(nil)
	if t.Sudo {
		name, args = "sudo", []string{"-n", remotePath}
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start runner: %w", err)
	}

	log.Debug().Str("path", remotePath).Int("pid", cmd.Process.Pid).Msg("runner started")
	return stdin, &processReader{ReadCloser: stdout, cmd: cmd}, nil
}

// Cleanup removes the runner binary if it is still there.
func (t *Transport) Cleanup(ctx context.Context, remotePath string) error {
	if err := os.Remove(remotePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

type processReader struct {
	io.ReadCloser
	cmd *exec.Cmd
}

// Close drains stdout and reaps the runner.
func (r *processReader) Close() error {
	_, _ = io.Copy(io.Discard, r.ReadCloser)
	err := r.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		log.Warn().Int("exit_code", exitErr.ExitCode()).Msg("runner exited with error")
		return nil
	}
	return err
}
