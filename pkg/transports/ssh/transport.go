// Package ssh runs gate commands on a remote CI host and fetches the
// report artifacts they leave behind over SFTP.
package ssh

import (
	"context"
	"errors"
	"time"
)

// Transport is the remote side of an `executor: ssh` gate.
type Transport interface {
	// Connect establishes a connection, retrying transient failures.
	Connect(ctx context.Context) error

	// Disconnect closes the connection.
	Disconnect() error

	// IsConnected returns true if the transport has an active connection.
	IsConnected() bool

	// HealthCheck verifies the connection is still alive and responsive.
	HealthCheck(ctx context.Context) error

	// Run executes cmd and reports its exit status. A non-zero exit is
	// returned in the result, not as an error.
	Run(ctx context.Context, cmd string) (*ExecResult, error)

	// ReadFile reads at most limit bytes of a remote file. A limit of 0
	// reads the whole file.
	ReadFile(ctx context.Context, remotePath string, limit int64) ([]byte, error)

	// DownloadFile copies a remote file to a local path.
	DownloadFile(ctx context.Context, remotePath string, localPath string) (*FileTransferResult, error)

	// ComputeChecksum returns the hex SHA-256 of a remote file.
	ComputeChecksum(ctx context.Context, remotePath string) (string, error)

	// GetConnectionInfo returns information about the current connection.
	GetConnectionInfo() ConnectionInfo
}

// ConnectionInfo contains metadata about an active SSH connection.
type ConnectionInfo struct {
	Host         string
	Port         int
	User         string
	ConnectedAt  time.Time
	LastActivity time.Time
	Attempts     int
}

// ExecResult contains the result of a command execution.
type ExecResult struct {
	Stdout     string
	Stderr     string
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
}

// Succeeded reports whether the command exited with status 0.
func (r *ExecResult) Succeeded() bool {
	return r.ExitCode == 0
}

// FileTransferResult contains information about a completed download.
type FileTransferResult struct {
	BytesTransferred int64
	Duration         time.Duration
	Checksum         string
	StartedAt        time.Time
	FinishedAt       time.Time
}

// TransportError represents an error that occurred during transport operations.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "run", "read")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and the operation can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is an authentication failure
	IsAuthError bool
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary returns true if the error is temporary.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// IsTemporary reports whether err is a TransportError marked temporary.
func IsTemporary(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.IsTemporary
}
