// Package ssh fetches build archives from release hosts over SFTP.
package ssh

import (
	"context"
	"io"
	"os"
	"time"
)

// RemoteFS is the read-only view of a release host.
type RemoteFS interface {
	// Connect establishes the SSH connection and opens the SFTP subsystem.
	Connect(ctx context.Context) error

	// Close tears down the SFTP session and the SSH connection.
	Close() error

	// Stat returns file information for a remote path. Missing files
	// yield an error matching os.ErrNotExist.
	Stat(ctx context.Context, remotePath string) (os.FileInfo, error)

	// Fetch copies a remote file to w and returns the bytes written.
	Fetch(ctx context.Context, remotePath string, w io.Writer) (int64, error)

	// GetConnectionInfo returns information about the current connection.
	GetConnectionInfo() ConnectionInfo
}

// ConnectionInfo contains details about an active SSH connection.
type ConnectionInfo struct {
	Host         string
	Port         int
	User         string
	ConnectedAt  time.Time
	LastActivity time.Time
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "stat", "fetch")
	Op string

	// Err is the underlying error
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

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
