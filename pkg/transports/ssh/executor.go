package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// maxOutput caps how much stdout/stderr a gate command may return.
const maxOutput = 1 << 20

// Run executes cmd on the remote host. The command is bounded by ctx and,
// when ctx carries no deadline, by Config.CommandTimeout. A command that
// ran and exited non-zero yields a result with that ExitCode and a nil
// error; only failures to run the command at all are errors.
func (c *SSHClient) Run(ctx context.Context, cmd string) (*ExecResult, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}

	startTime := time.Now()
	c.logger.Debug().Str("host", c.config.Host).Str("command", cmd).Msg("executing command")

	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return nil, &TransportError{
			Op:          "run",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}
	defer session.Close()

	stdoutBuf := &limitedBuffer{limit: maxOutput}
	stderrBuf := &limitedBuffer{limit: maxOutput}
	session.Stdout = stdoutBuf
	session.Stderr = stderrBuf

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(cmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		_ = session.Close()
		<-doneChan
		execErr = ctx.Err()
	case execErr = <-doneChan:
	}

	finishedAt := time.Now()
	result := &ExecResult{
		Stdout:     strings.TrimSpace(stdoutBuf.String()),
		Stderr:     strings.TrimSpace(stderrBuf.String()),
		StartedAt:  startTime,
		FinishedAt: finishedAt,
		Duration:   finishedAt.Sub(startTime),
	}

	var exitErr *ssh.ExitError
	switch {
	case execErr == nil:
	case errors.As(execErr, &exitErr):
		result.ExitCode = exitErr.ExitStatus()
	case errors.Is(execErr, context.DeadlineExceeded), errors.Is(execErr, context.Canceled):
		return result, &TransportError{
			Op:          "run",
			Err:         fmt.Errorf("command %q: %w", cmd, execErr),
			IsTemporary: false,
			IsAuthError: false,
		}
	default:
		return result, &TransportError{
			Op:          "run",
			Err:         execErr,
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	c.logger.Debug().
		Str("command", cmd).
		Int("exit_code", result.ExitCode).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", result.Duration).
		Msg("command completed")

	return result, nil
}

// ExecuteCommand runs cmd and treats a non-zero exit as an error.
func (c *SSHClient) ExecuteCommand(ctx context.Context, cmd string) (stdout string, stderr string, err error) {
	result, err := c.Run(ctx, cmd)
	if err != nil {
		return "", "", err
	}
	if !result.Succeeded() {
		return result.Stdout, result.Stderr, &TransportError{
			Op:          "run",
			Err:         fmt.Errorf("command exited with code %d: %s", result.ExitCode, result.Stderr),
			IsTemporary: false,
			IsAuthError: false,
		}
	}
	return result.Stdout, result.Stderr, nil
}

// limitedBuffer keeps the first limit bytes written and drops the rest.
type limitedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room < len(p) {
		b.truncated = true
		if room > 0 {
			b.buf.Write(p[:room])
		}
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
