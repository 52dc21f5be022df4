package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// Client implements RemoteFS over one SSH connection.
type Client struct {
	config *Config
	logger zerolog.Logger

	mu          sync.RWMutex
	proxy       *ssh.Client
	client      *ssh.Client
	sftp        *sftp.Client
	connectedAt time.Time
	lastUsedAt  time.Time
}

var _ RemoteFS = (*Client)(nil)

// NewClient creates a new SFTP client. It does not connect.
func NewClient(config *Config, logger zerolog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Client{
		config: config,
		logger: logger.With().Str("component", "sftp").Str("host", config.Host).Logger(),
	}, nil
}

// Connect establishes an SSH connection and opens SFTP. Connecting an
// already connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sftp != nil {
		if _, err := c.sftp.Getwd(); err == nil {
			return nil
		}
		c.logger.Warn().Msg("existing connection is dead, reconnecting")
		c.closeLocked()
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	sshClient, proxy, err := c.dial(ctx, clientConfig)
	if err != nil {
		return err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		closeAll(sshClient, proxy)
		return &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}

	c.client = sshClient
	c.proxy = proxy
	c.sftp = sftpClient
	c.connectedAt = time.Now()
	c.lastUsedAt = c.connectedAt

	c.logger.Info().Str("address", c.config.Address()).Msg("SFTP connection established")
	return nil
}

// dial connects directly or through the jump host.
func (c *Client) dial(ctx context.Context, clientConfig *ssh.ClientConfig) (*ssh.Client, *ssh.Client, error) {
	type result struct {
		client, proxy *ssh.Client
		err           error
	}
	done := make(chan result, 1)

	go func() {
		client, proxy, err := c.dialBlocking(clientConfig)
		done <- result{client, proxy, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			r := <-done
			closeAll(r.client, r.proxy)
		}()
		return nil, nil, &TransportError{Op: "connect", Err: ctx.Err(), IsTemporary: true}
	case r := <-done:
		return r.client, r.proxy, r.err
	}
}

func (c *Client) dialBlocking(clientConfig *ssh.ClientConfig) (*ssh.Client, *ssh.Client, error) {
	address := c.config.Address()

	if !c.config.IsProxyEnabled() {
		c.logger.Debug().Str("address", address).Msg("establishing SSH connection")
		client, err := ssh.Dial("tcp", address, clientConfig)
		if err != nil {
			return nil, nil, &TransportError{Op: "connect", Err: err, IsTemporary: true}
		}
		return client, nil, nil
	}

	proxyConfig, err := c.config.clientConfigFor(c.config.ProxyUser)
	if err != nil {
		return nil, nil, &TransportError{Op: "connect-proxy", Err: err, IsAuthError: true}
	}

	c.logger.Debug().Str("proxy", c.config.ProxyAddress()).Msg("connecting to jump host")
	proxyClient, err := ssh.Dial("tcp", c.config.ProxyAddress(), proxyConfig)
	if err != nil {
		return nil, nil, &TransportError{Op: "connect-proxy", Err: err, IsTemporary: true}
	}

	conn, err := proxyClient.Dial("tcp", address)
	if err != nil {
		_ = proxyClient.Close()
		return nil, nil, &TransportError{Op: "connect-via-proxy", Err: err, IsTemporary: true}
	}

	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	if err != nil {
		_ = conn.Close()
		_ = proxyClient.Close()
		return nil, nil, &TransportError{Op: "connect-via-proxy", Err: err, IsTemporary: true, IsAuthError: true}
	}

	return ssh.NewClient(ncc, chans, reqs), proxyClient, nil
}

func closeAll(clients ...*ssh.Client) {
	for _, cl := range clients {
		if cl != nil {
			_ = cl.Close()
		}
	}
}

// Close tears down the SFTP session and the SSH connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	var errs []error
	if c.sftp != nil {
		errs = append(errs, c.sftp.Close())
		c.sftp = nil
	}
	if c.client != nil {
		errs = append(errs, c.client.Close())
		c.client = nil
	}
	if c.proxy != nil {
		_ = c.proxy.Close()
		c.proxy = nil
	}

	if err := errors.Join(errs...); err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

// IsConnected returns true if the SFTP session is open.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sftp != nil
}

func (c *Client) session(op string) (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sftp == nil {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("not connected")}
	}
	c.lastUsedAt = time.Now()
	return c.sftp, nil
}

// Stat returns file information for a remote path.
func (c *Client) Stat(ctx context.Context, remotePath string) (os.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s, err := c.session("stat")
	if err != nil {
		return nil, err
	}

	info, err := s.Stat(remotePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", remotePath, os.ErrNotExist)
		}
		return nil, &TransportError{Op: "stat", Err: err, IsTemporary: true}
	}
	return info, nil
}

// Fetch copies a remote file to w. Cancelling ctx closes the remote file,
// which aborts the copy.
func (c *Client) Fetch(ctx context.Context, remotePath string, w io.Writer) (int64, error) {
	s, err := c.session("fetch")
	if err != nil {
		return 0, err
	}

	start := time.Now()
	f, err := s.Open(remotePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("%s: %w", remotePath, os.ErrNotExist)
		}
		return 0, &TransportError{Op: "fetch", Err: err, IsTemporary: true}
	}
	defer f.Close()

	stop := context.AfterFunc(ctx, func() { _ = f.Close() })
	defer stop()

	n, err := f.WriteTo(w)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return n, ctxErr
	}
	if err != nil {
		return n, &TransportError{Op: "fetch", Err: err, IsTemporary: true}
	}

	c.logger.Debug().
		Str("remote", remotePath).
		Int64("bytes", n).
		Dur("duration", time.Since(start)).
		Msg("fetched remote file")
	return n, nil
}

// GetConnectionInfo returns information about the current connection.
func (c *Client) GetConnectionInfo() ConnectionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ConnectionInfo{
		Host:         c.config.Host,
		Port:         c.config.Port,
		User:         c.config.User,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastUsedAt,
	}
}
