package ssh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
)

// newSFTPClient opens an SFTP session on the current connection.
func (c *SSHClient) newSFTPClient() (*sftp.Client, error) {
	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	return sftpClient, nil
}

// ReadFile reads a remote file into memory, at most limit bytes when limit > 0.
func (c *SSHClient) ReadFile(ctx context.Context, remotePath string, limit int64) ([]byte, error) {
	sftpClient, err := c.newSFTPClient()
	if err != nil {
		return nil, err
	}
	defer sftpClient.Close()

	remoteFile, err := sftpClient.Open(remotePath)
	if err != nil {
		return nil, &TransportError{
			Op:          "read",
			Err:         fmt.Errorf("failed to open remote file %s: %w", remotePath, err),
			IsTemporary: false,
			IsAuthError: false,
		}
	}
	defer remoteFile.Close()

	var src io.Reader = remoteFile
	if limit > 0 {
		src = io.LimitReader(remoteFile, limit)
	}

	var buf bytesWriter
	if _, err := copyWithContext(ctx, &buf, src); err != nil {
		return nil, &TransportError{
			Op:          "read",
			Err:         fmt.Errorf("failed to read %s: %w", remotePath, err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	c.logger.Debug().Str("path", remotePath).Int("bytes", len(buf)).Msg("remote file read")
	return buf, nil
}

// DownloadFile downloads a single file from the remote host via SFTP.
func (c *SSHClient) DownloadFile(ctx context.Context, remotePath string, localPath string) (*FileTransferResult, error) {
	startTime := time.Now()

	c.logger.Debug().
		Str("remote", remotePath).
		Str("local", localPath).
		Msg("downloading file")

	sftpClient, err := c.newSFTPClient()
	if err != nil {
		return nil, err
	}
	defer sftpClient.Close()

	remoteFile, err := sftpClient.Open(remotePath)
	if err != nil {
		return nil, &TransportError{
			Op:          "download",
			Err:         fmt.Errorf("failed to open remote file: %w", err),
			IsTemporary: false,
			IsAuthError: false,
		}
	}
	defer remoteFile.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return nil, &TransportError{
			Op:          "download",
			Err:         fmt.Errorf("failed to create local directory: %w", err),
			IsTemporary: false,
			IsAuthError: false,
		}
	}

	localFile, err := os.Create(localPath)
	if err != nil {
		return nil, &TransportError{
			Op:          "download",
			Err:         fmt.Errorf("failed to create local file: %w", err),
			IsTemporary: false,
			IsAuthError: false,
		}
	}
	defer localFile.Close()

	hash := sha256.New()
	bytesWritten, err := copyWithContext(ctx, io.MultiWriter(localFile, hash), remoteFile)
	if err != nil {
		return nil, &TransportError{
			Op:          "download",
			Err:         fmt.Errorf("failed to copy file: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	finishedAt := time.Now()
	result := &FileTransferResult{
		BytesTransferred: bytesWritten,
		Checksum:         hex.EncodeToString(hash.Sum(nil)),
		StartedAt:        startTime,
		FinishedAt:       finishedAt,
		Duration:         finishedAt.Sub(startTime),
	}

	c.logger.Info().
		Str("remote", remotePath).
		Str("local", localPath).
		Int64("bytes", bytesWritten).
		Dur("duration", result.Duration).
		Msg("file downloaded")

	return result, nil
}

// ComputeChecksum streams a remote file over SFTP and returns its SHA-256.
func (c *SSHClient) ComputeChecksum(ctx context.Context, remotePath string) (string, error) {
	sftpClient, err := c.newSFTPClient()
	if err != nil {
		return "", err
	}
	defer sftpClient.Close()

	remoteFile, err := sftpClient.Open(remotePath)
	if err != nil {
		return "", &TransportError{
			Op:          "checksum",
			Err:         fmt.Errorf("failed to open remote file: %w", err),
			IsTemporary: false,
			IsAuthError: false,
		}
	}
	defer remoteFile.Close()

	hash := sha256.New()
	if _, err := copyWithContext(ctx, hash, remoteFile); err != nil {
		return "", &TransportError{
			Op:          "checksum",
			Err:         err,
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	checksum := hex.EncodeToString(hash.Sum(nil))
	c.logger.Debug().Str("path", remotePath).Str("checksum", checksum).Msg("checksum computed")
	return checksum, nil
}

type bytesWriter []byte

func (b *bytesWriter) Write(p []byte) (int, error) {
	*b = append(*b, p...)
	return len(p), nil
}

// copyWithContext copies data from src to dst while respecting context cancellation.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[0:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return written, err
		}
	}

	return written, nil
}
