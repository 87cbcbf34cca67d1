package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHClient implements Transport over a single multiplexed connection.
type SSHClient struct {
	config *Config
	logger zerolog.Logger
	retry  backoff.BackOff

	client      *ssh.Client
	proxy       *ssh.Client
	connMu      sync.RWMutex
	isConnected bool
	connectedAt time.Time
	lastUsedAt  time.Time
	attempts    int
	stopKeep    chan struct{}
}

// Option customises an SSHClient.
type Option func(*SSHClient)

// WithLogger sets the logger used by the client.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *SSHClient) {
		c.logger = logger.With().Str("component", "ssh").Logger()
	}
}

// WithBackOff replaces the connect retry policy.
func WithBackOff(b backoff.BackOff) Option {
	return func(c *SSHClient) {
		c.retry = b
	}
}

// NewSSHClient creates a new SSH transport client.
func NewSSHClient(config *Config, opts ...Option) (*SSHClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	client := &SSHClient{
		config: config,
		logger: log.Logger.With().Str("component", "ssh").Logger(),
	}
	for _, opt := range opts {
		opt(client)
	}
	if client.retry == nil {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 500 * time.Millisecond
		b.MaxInterval = 10 * time.Second
		client.retry = b
	}

	return client, nil
}

// Connect establishes an SSH connection to the remote host. Transient
// dial and handshake failures are retried with exponential backoff up to
// Config.ConnectRetries attempts; authentication failures are not.
func (c *SSHClient) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.isConnected && c.client != nil {
		if err := c.healthCheckInternal(); err == nil {
			return nil
		}
		c.logger.Warn().Str("host", c.config.Host).Msg("existing connection is dead, reconnecting")
		_ = c.closeLocked()
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{
			Op:          "connect",
			Err:         err,
			IsTemporary: false,
			IsAuthError: true,
		}
	}

	c.attempts = 0
	c.retry.Reset()
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		c.attempts++
		var connErr error
		if c.config.IsProxyEnabled() {
			connErr = c.connectViaProxy(ctx, clientConfig)
		} else {
			connErr = c.connectDirect(ctx, clientConfig)
		}
		if connErr != nil && !IsTemporary(connErr) {
			return struct{}{}, backoff.Permanent(connErr)
		}
		return struct{}{}, connErr
	},
		backoff.WithBackOff(c.retry),
		backoff.WithMaxTries(c.config.ConnectRetries),
		backoff.WithMaxElapsedTime(c.maxElapsed()),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn().Err(err).
				Str("address", c.config.Address()).
				Int("attempt", c.attempts).
				Dur("retry_in", next).
				Msg("SSH connection failed, retrying")
		}),
	)
	if err != nil {
		var te *TransportError
		if errors.As(err, &te) {
			return te
		}
		// Context cancellation or exhausted elapsed time.
		return &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}

	if c.config.KeepAliveInterval > 0 {
		c.stopKeep = make(chan struct{})
		go c.keepAlive(c.client, c.stopKeep)
	}
	return nil
}

func (c *SSHClient) maxElapsed() time.Duration {
	if c.config.ConnectMaxElapsed > 0 {
		return c.config.ConnectMaxElapsed
	}
	return 2 * time.Minute
}

// dial opens a TCP connection honouring ctx and the connection timeout.
func (c *SSHClient) dial(ctx context.Context, address string) (net.Conn, error) {
	d := net.Dialer{Timeout: c.config.ConnectionTimeout}
	return d.DialContext(ctx, "tcp", address)
}

// handshake upgrades conn to an SSH client connection.
func handshake(conn net.Conn, address string, clientConfig *ssh.ClientConfig) (*ssh.Client, error) {
	if clientConfig.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(clientConfig.Timeout))
	}
	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(ncc, chans, reqs), nil
}

// handshakeError classifies a failed handshake. Rejected credentials and
// host keys are permanent; anything else may be a flaky network.
func handshakeError(op string, err error) *TransportError {
	auth := isAuthFailure(err)
	return &TransportError{
		Op:          op,
		Err:         err,
		IsTemporary: !auth,
		IsAuthError: auth,
	}
}

func isAuthFailure(err error) bool {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return true
	}
	msg := err.Error()
	for _, marker := range []string{"unable to authenticate", "no supported methods remain"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// connectDirect establishes a direct SSH connection. Must be called with connMu held.
func (c *SSHClient) connectDirect(ctx context.Context, clientConfig *ssh.ClientConfig) error {
	address := c.config.Address()
	c.logger.Debug().Str("address", address).Msg("establishing SSH connection")

	conn, err := c.dial(ctx, address)
	if err != nil {
		return &TransportError{
			Op:          "connect",
			Err:         err,
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	client, err := handshake(conn, address, clientConfig)
	if err != nil {
		return handshakeError("connect", err)
	}

	c.setConnected(client, nil)
	c.logger.Info().Str("address", address).Int("attempt", c.attempts).Msg("SSH connection established")
	return nil
}

// connectViaProxy establishes an SSH connection through a jump host. Must
// be called with connMu held.
func (c *SSHClient) connectViaProxy(ctx context.Context, targetConfig *ssh.ClientConfig) error {
	proxyConfig := c.config.proxyConfig()

	proxyClientConfig, err := proxyConfig.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{
			Op:          "connect-proxy",
			Err:         fmt.Errorf("failed to build proxy config: %w", err),
			IsTemporary: false,
			IsAuthError: true,
		}
	}

	c.logger.Debug().Str("proxy", proxyConfig.Address()).Msg("connecting to proxy host")

	conn, err := c.dial(ctx, proxyConfig.Address())
	if err != nil {
		return &TransportError{
			Op:          "connect-proxy",
			Err:         err,
			IsTemporary: true,
			IsAuthError: false,
		}
	}
	proxyClient, err := handshake(conn, proxyConfig.Address(), proxyClientConfig)
	if err != nil {
		return handshakeError("connect-proxy", err)
	}

	targetAddress := c.config.Address()
	c.logger.Debug().Str("target", targetAddress).Msg("connecting to target through proxy")

	proxyConn, err := proxyClient.DialContext(ctx, "tcp", targetAddress)
	if err != nil {
		_ = proxyClient.Close()
		return &TransportError{
			Op:          "connect-via-proxy",
			Err:         err,
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	ncc, chans, reqs, err := ssh.NewClientConn(proxyConn, targetAddress, targetConfig)
	if err != nil {
		_ = proxyConn.Close()
		_ = proxyClient.Close()
		return handshakeError("connect-via-proxy", err)
	}

	c.setConnected(ssh.NewClient(ncc, chans, reqs), proxyClient)
	c.logger.Info().
		Str("target", targetAddress).
		Str("proxy", proxyConfig.Address()).
		Msg("SSH connection established via proxy")
	return nil
}

func (c *SSHClient) setConnected(client, proxy *ssh.Client) {
	now := time.Now()
	c.client = client
	c.proxy = proxy
	c.isConnected = true
	c.connectedAt = now
	c.lastUsedAt = now
}

// closeLocked tears down the connection. Must be called with connMu held.
func (c *SSHClient) closeLocked() error {
	if c.stopKeep != nil {
		close(c.stopKeep)
		c.stopKeep = nil
	}
	var err error
	if c.client != nil {
		err = c.client.Close()
	}
	if c.proxy != nil {
		_ = c.proxy.Close()
	}
	c.client = nil
	c.proxy = nil
	c.isConnected = false
	return err
}

// Disconnect closes the SSH connection and releases all resources.
func (c *SSHClient) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.isConnected || c.client == nil {
		return nil
	}

	c.logger.Debug().Str("host", c.config.Host).Msg("closing SSH connection")

	if err := c.closeLocked(); err != nil {
		return &TransportError{
			Op:          "disconnect",
			Err:         err,
			IsTemporary: false,
			IsAuthError: false,
		}
	}
	return nil
}

// IsConnected returns true if the transport has an active connection.
func (c *SSHClient) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.isConnected
}

// HealthCheck verifies the connection is still alive and responsive.
func (c *SSHClient) HealthCheck(ctx context.Context) error {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	if !c.isConnected || c.client == nil {
		return &TransportError{
			Op:          "healthcheck",
			Err:         fmt.Errorf("not connected"),
			IsTemporary: false,
			IsAuthError: false,
		}
	}

	return c.healthCheckInternal()
}

// healthCheckInternal runs "true" on the remote (must be called with lock held).
func (c *SSHClient) healthCheckInternal() error {
	session, err := c.client.NewSession()
	if err != nil {
		return &TransportError{
			Op:          "healthcheck",
			Err:         err,
			IsTemporary: true,
			IsAuthError: false,
		}
	}
	defer session.Close()

	if err := session.Run("true"); err != nil {
		return &TransportError{
			Op:          "healthcheck",
			Err:         err,
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	return nil
}

// keepAlive sends periodic keep-alive requests until stop is closed.
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
			c.logger.Warn().Err(err).Int("retries", retries).Msg("keep-alive failed")
			if retries >= c.config.MaxKeepAliveRetries {
				c.logger.Error().Str("host", c.config.Host).Msg("keep-alive failed too many times, connection may be dead")
				return
			}
			continue
		}
		retries = 0
		c.touch()
	}
}

func (c *SSHClient) touch() {
	c.connMu.Lock()
	c.lastUsedAt = time.Now()
	c.connMu.Unlock()
}

// GetConnectionInfo returns information about the current connection.
func (c *SSHClient) GetConnectionInfo() ConnectionInfo {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	return ConnectionInfo{
		Host:         c.config.Host,
		Port:         c.config.Port,
		User:         c.config.User,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastUsedAt,
		Attempts:     c.attempts,
	}
}

// getClient returns the underlying SSH client for sessions and SFTP.
func (c *SSHClient) getClient() (*ssh.Client, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.isConnected || c.client == nil {
		return nil, &TransportError{
			Op:          "get-client",
			Err:         fmt.Errorf("not connected"),
			IsTemporary: false,
			IsAuthError: false,
		}
	}

	c.lastUsedAt = time.Now()
	return c.client, nil
}
