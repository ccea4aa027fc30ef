package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "upload")
	Op string

	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying may succeed.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

var errNotConnected = errors.New("not connected")

// SSHClient holds one connection to the database host.
type SSHClient struct {
	config *Config

	mu          sync.RWMutex
	client      *ssh.Client
	proxy       *ssh.Client
	connectedAt time.Time
	stopKeep    chan struct{}
}

// NewSSHClient creates a new SSH client. It does not connect.
func NewSSHClient(config *Config) (*SSHClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &SSHClient{config: config}, nil
}

// Connect establishes the connection, through the jump host when one is
// configured. Connecting an already healthy client is a no-op.
func (c *SSHClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		if err := c.healthCheckLocked(); err == nil {
			return nil
		}
		log.Warn().Str("host", c.config.Host).Msg("existing connection is dead, reconnecting")
		c.closeLocked()
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	if c.config.ProxyHost != "" {
		proxyClientConfig, err := c.config.proxyConfig().BuildSSHClientConfig()
		if err != nil {
			return &TransportError{Op: "connect-proxy", Err: err, IsAuthError: true}
		}
		log.Debug().Str("proxy", c.config.ProxyAddress()).Msg("connecting to proxy host")
		proxy, err := dial(ctx, c.config.ProxyAddress(), proxyClientConfig)
		if err != nil {
			return &TransportError{Op: "connect-proxy", Err: err, IsTemporary: true}
		}

		conn, err := proxy.Dial("tcp", c.config.Address())
		if err != nil {
			_ = proxy.Close()
			return &TransportError{Op: "connect-via-proxy", Err: err, IsTemporary: true}
		}
		ncc, chans, reqs, err := ssh.NewClientConn(conn, c.config.Address(), clientConfig)
		if err != nil {
			_ = conn.Close()
			_ = proxy.Close()
			return &TransportError{Op: "connect-via-proxy", Err: err, IsAuthError: true}
		}
		c.proxy = proxy
		c.client = ssh.NewClient(ncc, chans, reqs)
	} else {
		client, err := dial(ctx, c.config.Address(), clientConfig)
		if err != nil {
			return &TransportError{Op: "connect", Err: err, IsTemporary: true}
		}
		c.client = client
	}

	c.connectedAt = time.Now()
	if c.config.KeepAliveInterval > 0 {
		c.stopKeep = make(chan struct{})
		go c.keepAlive(c.client, c.stopKeep)
	}

	log.Info().Str("address", c.config.Address()).Msg("SSH connection established")
	return nil
}

// dial connects with ssh.Dial while honouring ctx.
func dial(ctx context.Context, address string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	type result struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		client, err := ssh.Dial("tcp", address, cfg)
		ch <- result{client, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.client != nil {
				_ = r.client.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		return r.client, r.err
	}
}

// Disconnect closes the connection.
func (c *SSHClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	log.Debug().Str("host", c.config.Host).Msg("closing SSH connection")
	if err := c.closeLocked(); err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

func (c *SSHClient) closeLocked() error {
	if c.stopKeep != nil {
		close(c.stopKeep)
		c.stopKeep = nil
	}
	err := c.client.Close()
	if c.proxy != nil {
		_ = c.proxy.Close()
		c.proxy = nil
	}
	c.client = nil
	return err
}

// IsConnected returns true if the client holds a connection.
func (c *SSHClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client != nil
}

// HealthCheck runs `true` on the host.
func (c *SSHClient) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.client == nil {
		return &TransportError{Op: "healthcheck", Err: errNotConnected}
	}
	return c.healthCheckLocked()
}

func (c *SSHClient) healthCheckLocked() error {
	session, err := c.client.NewSession()
	if err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	defer session.Close()

	if err := session.Run("true"); err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	return nil
}

// Run executes a short command and returns its trimmed output. A non-zero
// exit status is returned as *ssh.ExitError.
func (c *SSHClient) Run(ctx context.Context, cmd string) (stdout string, stderr string, err error) {
	client, err := c.getClient()
	if err != nil {
		return "", "", err
	}

	session, err := client.NewSession()
	if err != nil {
		return "", "", &TransportError{Op: "exec", Err: err, IsTemporary: true}
	}
	defer session.Close()

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return "", "", &TransportError{Op: "exec", Err: ctx.Err(), IsTemporary: true}
	case err = <-done:
	}

	stdout = strings.TrimSpace(outBuf.String())
	stderr = strings.TrimSpace(errBuf.String())
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return stdout, stderr, exitErr
		}
		return stdout, stderr, &TransportError{Op: "exec", Err: err, IsTemporary: true}
	}
	return stdout, stderr, nil
}

// keepAlive pings the server until stop closes or too many pings fail.
func (c *SSHClient) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			retries++
			log.Warn().Err(err).Int("retries", retries).Msg("keep-alive failed")
			if retries >= c.config.MaxKeepAliveRetries {
				log.Error().Str("host", c.config.Host).Msg("keep-alive failed too many times, connection may be dead")
				return
			}
			continue
		}
		retries = 0
	}
}

// ConnectedAt reports when the current connection was established.
func (c *SSHClient) ConnectedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectedAt
}

func (c *SSHClient) getClient() (*ssh.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.client == nil {
		return nil, &TransportError{Op: "get-client", Err: errNotConnected}
	}
	return c.client, nil
}
