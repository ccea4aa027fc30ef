// Package ssh runs the micro-runner on a remote host: it uploads the
// binary over SFTP and speaks the runner protocol over a session's stdio.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/alessio/shellescape"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/froyo-mysql/pkg/micro_runner/client"
)

// RunnerTransport implements client.Transport over an SSHClient.
type RunnerTransport struct {
	ssh *SSHClient
}

var _ client.Transport = (*RunnerTransport)(nil)

// NewRunnerTransport wraps a connected client.
func NewRunnerTransport(c *SSHClient) *RunnerTransport {
	return &RunnerTransport{ssh: c}
}

// Upload copies the runner binary to remotePath with mode 0700.
func (t *RunnerTransport) Upload(ctx context.Context, localPath, remotePath string) error {
	sshClient, err := t.ssh.getClient()
	if err != nil {
		return err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to start sftp: %w", err), IsTemporary: true}
	}
	defer sftpClient.Close()

	src, err := os.Open(localPath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to open local file: %w", err)}
	}
	defer src.Close()

	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}

	dst, err := sftpClient.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote file: %w", err)}
	}

	n, err := copyContext(ctx, dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return &TransportError{Op: "upload", Err: err, IsTemporary: true}
	}

	if err := sftpClient.Chmod(remotePath, 0o700); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to chmod runner: %w", err)}
	}

	log.Debug().Str("path", remotePath).Int64("bytes", n).Msg("runner uploaded")
	return nil
}

// copyContext copies in chunks, stopping when ctx is done.
func copyContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			total += int64(w)
			if werr != nil {
				return total, werr
			}
		}
		if errors.Is(rerr, io.EOF) {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}

// Execute starts the runner and returns its stdin and stdout. Closing
// stdout waits for the runner to exit and ends the session.
func (t *RunnerTransport) Execute(ctx context.Context, remotePath string) (io.WriteCloser, io.ReadCloser, error) {
	sshClient, err := t.ssh.getClient()
	if err != nil {
		return nil, nil, err
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return nil, nil, &TransportError{Op: "exec", Err: err, IsTemporary: true}
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, nil, &TransportError{Op: "exec", Err: err}
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, nil, &TransportError{Op: "exec", Err: err}
	}
	var stderr strings.Builder
	session.Stderr = &limitedWriter{w: &stderr, n: 64 * 1024}

	cmd := RunnerCommand(remotePath, t.ssh.config.Sudo)
	if err := session.Start(cmd); err != nil {
		session.Close()
		return nil, nil, &TransportError{Op: "exec", Err: err, IsTemporary: true}
	}

	out := &sessionReader{Reader: stdout, session: session, stderr: &stderr, done: make(chan struct{})}

	// Kill the runner if the caller gives up
	go func() {
		select {
		case <-ctx.Done():
			_ = session.Signal(ssh.SIGTERM)
			_ = session.Close()
		case <-out.done:
		}
	}()

	return stdin, out, nil
}

// Cleanup removes the runner binary. A missing binary is not an error,
// since the runner deletes itself on exit.
func (t *RunnerTransport) Cleanup(ctx context.Context, remotePath string) error {
	_, stderr, err := t.ssh.Run(ctx, RunnerCleanupCommand(remotePath, t.ssh.config.Sudo))
	if err != nil {
		return fmt.Errorf("failed to remove runner: %w (%s)", err, stderr)
	}
	return nil
}

// RunnerCommand is the remote command line starting the runner.
func RunnerCommand(remotePath string, sudo bool) string {
	cmd := shellescape.Quote(remotePath)
	if sudo {
		cmd = "sudo -n " + cmd
	}
	return cmd
}

// RunnerCleanupCommand removes the runner binary.
func RunnerCleanupCommand(remotePath string, sudo bool) string {
	cmd := "rm -f " + shellescape.Quote(remotePath)
	if sudo {
		cmd = "sudo -n " + cmd
	}
	return cmd
}

// sessionReader ends the session when the runner's stdout is closed.
type sessionReader struct {
	io.Reader
	session *ssh.Session
	stderr  *strings.Builder
	done    chan struct{}
	once    sync.Once
}

// Close waits for the runner to exit and closes the session.
func (r *sessionReader) Close() error {
	var err error
	r.once.Do(func() {
		err = r.session.Wait()
		_ = r.session.Close()
		close(r.done)
	})
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		log.Warn().Int("exit_code", exitErr.ExitStatus()).Str("stderr", r.stderr.String()).Msg("runner exited with error")
		return nil
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// limitedWriter keeps at most n bytes.
type limitedWriter struct {
	w io.Writer
	n int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if l.n <= 0 {
		return len(p), nil
	}
	keep := p
	if len(keep) > l.n {
		keep = keep[:l.n]
	}
	n, err := l.w.Write(keep)
	l.n -= n
	if err != nil {
		return n, err
	}
	return len(p), nil
}
