// Package client provides a client library for communicating with the micro-runner.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/openfroyo/froyo-mysql/pkg/micro_runner/protocol"
)

// Transport defines the interface for uploading and executing the runner.
type Transport interface {
	// Upload uploads the runner binary to the target host
	Upload(ctx context.Context, localPath, remotePath string) error
	// Execute starts the runner process and returns stdin/stdout
	Execute(ctx context.Context, remotePath string) (stdin io.WriteCloser, stdout io.ReadCloser, err error)
	// Cleanup removes the runner binary from the target host
	Cleanup(ctx context.Context, remotePath string) error
}

// EventHandler receives progress events emitted while a command runs.
type EventHandler func(evt *protocol.EventMessage)

// Config contains client configuration options.
type Config struct {
	Transport      Transport
	RunnerPath     string // Path to local runner binary
	RemotePath     string // Path on the target host
	StartupTimeout time.Duration
	OnEvent        EventHandler
}

// Client manages communication with a micro-runner instance.
type Client struct {
	cfg     Config
	encoder *protocol.Encoder
	decoder *protocol.Decoder
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	ready   *protocol.ReadyMessage
	mu      sync.Mutex
	started bool
	closed  bool
}

// NewClient creates a new micro-runner client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.RunnerPath == "" {
		return nil, fmt.Errorf("runner path is required")
	}
	if cfg.RemotePath == "" {
		cfg.RemotePath = "/tmp/froyo-micro-runner"
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = 10 * time.Second
	}

	return &Client{cfg: cfg}, nil
}

// Start uploads the runner binary, starts the runner process and waits
// for its READY message.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("client is closed")
	}
	if c.started {
		return nil
	}

	if err := c.cfg.Transport.Upload(ctx, c.cfg.RunnerPath, c.cfg.RemotePath); err != nil {
		return fmt.Errorf("failed to upload runner: %w", err)
	}

	stdin, stdout, err := c.cfg.Transport.Execute(ctx, c.cfg.RemotePath)
	if err != nil {
		return fmt.Errorf("failed to start runner: %w", err)
	}

	c.stdin = stdin
	c.stdout = stdout
	c.encoder = protocol.NewEncoder(stdin)
	c.decoder = protocol.NewDecoder(stdout)

	readyCtx, cancel := context.WithTimeout(ctx, c.cfg.StartupTimeout)
	defer cancel()

	readyCh := make(chan *protocol.ReadyMessage, 1)
	errCh := make(chan error, 1)

	go func() {
		msg, err := c.decoder.Decode()
		if err != nil {
			errCh <- err
			return
		}
		if msg.Type != protocol.MessageTypeReady {
			errCh <- fmt.Errorf("expected READY, got %s", msg.Type)
			return
		}
		var ready protocol.ReadyMessage
		if err := protocol.ParseParams(msg.Data, &ready); err != nil {
			errCh <- err
			return
		}
		readyCh <- &ready
	}()

	select {
	case <-readyCtx.Done():
		return fmt.Errorf("timeout waiting for READY message")
	case err := <-errCh:
		return fmt.Errorf("failed to receive READY: %w", err)
	case ready := <-readyCh:
		c.ready = ready
		c.started = true
		return nil
	}
}

// Execute sends a command to the runner and waits for completion.
// A runner-side failure is returned as a *protocol.ErrorMessage.
func (c *Client) Execute(ctx context.Context, cmd *protocol.CommandMessage) (*protocol.DoneMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("client is closed")
	}
	if !c.started {
		return nil, fmt.Errorf("runner is not started")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("invalid command: %w", err)
	}
	if c.ready != nil && !c.ready.Caps[string(cmd.Type)] {
		return nil, fmt.Errorf("runner does not support command type %s", cmd.Type)
	}

	if err := c.encoder.Encode(protocol.MessageTypeCommand, cmd); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	for {
		msg, err := c.decoder.Decode()
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		switch msg.Type {
		case protocol.MessageTypeEvent:
			var event protocol.EventMessage
			if err := protocol.ParseParams(msg.Data, &event); err != nil {
				return nil, fmt.Errorf("failed to parse event: %w", err)
			}
			if c.cfg.OnEvent != nil {
				c.cfg.OnEvent(&event)
			}

		case protocol.MessageTypeDone:
			var done protocol.DoneMessage
			if err := protocol.ParseParams(msg.Data, &done); err != nil {
				return nil, fmt.Errorf("failed to parse done: %w", err)
			}
			if done.CommandID != cmd.ID {
				return nil, fmt.Errorf("command ID mismatch: expected %s, got %s", cmd.ID, done.CommandID)
			}
			return &done, nil

		case protocol.MessageTypeError:
			var errMsg protocol.ErrorMessage
			if err := protocol.ParseParams(msg.Data, &errMsg); err != nil {
				return nil, fmt.Errorf("failed to parse error: %w", err)
			}
			if errMsg.CommandID != "" && errMsg.CommandID != cmd.ID {
				return nil, fmt.Errorf("command ID mismatch: expected %s, got %s", cmd.ID, errMsg.CommandID)
			}
			return nil, &errMsg

		case protocol.MessageTypeExit:
			return nil, fmt.Errorf("runner exited unexpectedly")

		default:
			return nil, fmt.Errorf("unexpected message type: %s", msg.Type)
		}
	}
}

// Ready returns the READY message received during startup.
func (c *Client) Ready() *protocol.ReadyMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Close closes the runner's stdio and removes the uploaded binary.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error

	// Closing stdin makes the runner exit
	if c.stdin != nil {
		if err := c.stdin.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close stdin: %w", err))
		}
	}
	if c.stdout != nil {
		if err := c.stdout.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close stdout: %w", err))
		}
	}

	// The runner usually self-deletes; cleanup errors are expected then
	_ = c.cfg.Transport.Cleanup(ctx, c.cfg.RemotePath)

	return errors.Join(errs...)
}
