package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// testSSHServer provides a minimal SSH server for testing.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	done     chan struct{}
}

// newTestSSHServer creates a new test SSH server.
func newTestSSHServer(t *testing.T) *testSSHServer {
	// Generate a test host key
	_, privateKey, err := generateTestKey()
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "testuser" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			// Accept any public key for testing
			return nil, nil
		},
	}

	config.AddHostKey(privateKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	server := &testSSHServer{
		listener: listener,
		config:   config,
		addr:     listener.Addr().String(),
		done:     make(chan struct{}),
	}

	go server.serve()

	return server
}

// serve handles incoming connections.
func (s *testSSHServer) serve() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}

		go s.handleConnection(conn)
	}
}

// handleConnection handles a single SSH connection.
func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}

		go s.handleChannel(channel, requests)
	}
}

// handleChannel handles a single SSH channel.
func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			command := string(req.Payload[4:]) // Skip the length prefix

			if req.WantReply {
				req.Reply(true, nil)
			}

			switch command {
			case "true":
				channel.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
			case "echo test":
				channel.Write([]byte("test\n"))
				channel.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
			case "echo error >&2":
				channel.Stderr().Write([]byte("error\n"))
				channel.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
			case "make lint":
				channel.Write([]byte("linting\n"))
				channel.Stderr().Write([]byte("3 issues\n"))
				channel.SendRequest("exit-status", false, []byte{0, 0, 0, 2})
			case "exit 1":
				channel.SendRequest("exit-status", false, []byte{0, 0, 0, 1})
			case "sleep":
				// Never exits; the client has to give up.
				continue
			default:
				channel.Write([]byte("command: " + command + "\n"))
				channel.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
			}

			return

		case "subsystem":
			if string(req.Payload[4:]) != "sftp" {
				if req.WantReply {
					req.Reply(false, nil)
				}
				continue
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
			server, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			go ssh.DiscardRequests(requests)
			_ = server.Serve()
			return

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// close shuts down the test server.
func (s *testSSHServer) close() {
	close(s.done)
	s.listener.Close()
}

// generateTestKey generates a test SSH key pair.
func generateTestKey() (ssh.PublicKey, ssh.Signer, error) {
	// Generate ED25519 key pair dynamically
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	signer, err := ssh.NewSignerFromKey(privKey)
	if err != nil {
		return nil, nil, err
	}

	publicKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return nil, nil, err
	}

	return publicKey, signer, nil
}

func passwordConfig(t *testing.T, server *testSSHServer) *Config {
	t.Helper()
	host, port := parseAddress(server.addr)

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 5 * time.Second
	return config
}

func connectedClient(t *testing.T, server *testSSHServer) *SSHClient {
	t.Helper()
	client, err := NewSSHClient(passwordConfig(t, server), WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { client.Disconnect() })
	return client
}

func TestSSHClientConnect(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	client := connectedClient(t, server)

	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}

	info := client.GetConnectionInfo()
	if info.User != "testuser" {
		t.Errorf("expected user 'testuser', got '%s'", info.User)
	}
	if info.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", info.Attempts)
	}

	// A second Connect on a live connection is a no-op.
	if err := client.Connect(context.Background()); err != nil {
		t.Errorf("reconnect failed: %v", err)
	}
}

func TestSSHClientConnectRejectsBadPasswordWithoutRetry(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	config := passwordConfig(t, server)
	config.Password = "wrong"
	config.ConnectRetries = 5

	client, err := NewSSHClient(config,
		WithLogger(zerolog.Nop()),
		WithBackOff(backoff.NewConstantBackOff(10*time.Millisecond)))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	err = client.Connect(context.Background())
	if err == nil {
		t.Fatal("expected authentication failure")
	}

	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %T", err)
	}
	if !te.IsAuthError || te.Temporary() {
		t.Errorf("expected permanent auth error, got %+v", te)
	}
	if got := client.GetConnectionInfo().Attempts; got != 1 {
		t.Errorf("expected 1 attempt, got %d", got)
	}
}

func TestSSHClientConnectRetriesUnreachableHost(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	host, port := parseAddress(listener.Addr().String())
	listener.Close()

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"
	config.StrictHostKeyChecking = false
	config.ConnectRetries = 3

	client, err := NewSSHClient(config,
		WithLogger(zerolog.Nop()),
		WithBackOff(backoff.NewConstantBackOff(10*time.Millisecond)))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	err = client.Connect(context.Background())
	if err == nil {
		t.Fatal("expected connection failure")
	}
	if !IsTemporary(err) {
		t.Errorf("expected temporary error, got %v", err)
	}
	if got := client.GetConnectionInfo().Attempts; got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
	if client.IsConnected() {
		t.Error("expected client to be disconnected")
	}
}

func TestSSHClientHealthCheck(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	client := connectedClient(t, server)

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("health check failed: %v", err)
	}
}

func TestSSHClientDisconnect(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	client := connectedClient(t, server)

	if err := client.Disconnect(); err != nil {
		t.Errorf("disconnect failed: %v", err)
	}

	if client.IsConnected() {
		t.Error("expected client to be disconnected")
	}

	if err := client.HealthCheck(context.Background()); err == nil {
		t.Error("expected health check to fail after disconnect")
	}

	if _, err := client.Run(context.Background(), "true"); err == nil {
		t.Error("expected run to fail after disconnect")
	}
}

func TestSSHClientRun(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	client := connectedClient(t, server)
	ctx := context.Background()

	t.Run("successful command", func(t *testing.T) {
		result, err := client.Run(ctx, "echo test")
		if err != nil {
			t.Fatalf("command failed: %v", err)
		}
		if !result.Succeeded() {
			t.Errorf("expected exit 0, got %d", result.ExitCode)
		}
		if result.Stdout != "test" {
			t.Errorf("expected stdout 'test', got '%s'", result.Stdout)
		}
	})

	t.Run("non-zero exit is not an error", func(t *testing.T) {
		result, err := client.Run(ctx, "make lint")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.ExitCode != 2 {
			t.Errorf("expected exit code 2, got %d", result.ExitCode)
		}
		if result.Stdout != "linting" {
			t.Errorf("expected stdout 'linting', got '%s'", result.Stdout)
		}
		if result.Stderr != "3 issues" {
			t.Errorf("expected stderr '3 issues', got '%s'", result.Stderr)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()

		_, err := client.Run(ctx, "sleep")
		if err == nil {
			t.Fatal("expected timeout error")
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline exceeded, got %v", err)
		}
		if IsTemporary(err) {
			t.Error("a timed out command should not be retried")
		}
	})
}

func TestSSHClientExecuteCommand(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	client := connectedClient(t, server)
	ctx := context.Background()

	t.Run("command with stderr", func(t *testing.T) {
		stdout, stderr, err := client.ExecuteCommand(ctx, "echo error >&2")
		if err != nil {
			t.Fatalf("command failed: %v", err)
		}

		if stdout != "" {
			t.Errorf("expected empty stdout, got '%s'", stdout)
		}

		if stderr != "error" {
			t.Errorf("expected stderr 'error', got '%s'", stderr)
		}
	})

	t.Run("non-zero exit", func(t *testing.T) {
		_, _, err := client.ExecuteCommand(ctx, "exit 1")
		if err == nil {
			t.Fatal("expected error for exit 1")
		}
		if !strings.Contains(err.Error(), "code 1") {
			t.Errorf("expected exit code in error, got %v", err)
		}
	})
}

func TestSSHClientFileTransfer(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	client := connectedClient(t, server)
	ctx := context.Background()

	remoteDir := t.TempDir()
	reportPath := filepath.Join(remoteDir, "report.json")
	report := []byte(`{"vulnerabilities":[{"id":"CVE-1","severity":"low"}]}`)
	if err := os.WriteFile(reportPath, report, 0o644); err != nil {
		t.Fatalf("failed to write report: %v", err)
	}
	sum := sha256.Sum256(report)
	wantChecksum := hex.EncodeToString(sum[:])

	t.Run("read file", func(t *testing.T) {
		data, err := client.ReadFile(ctx, reportPath, 0)
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if string(data) != string(report) {
			t.Errorf("unexpected content: %s", data)
		}
	})

	t.Run("read file with limit", func(t *testing.T) {
		data, err := client.ReadFile(ctx, reportPath, 10)
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if len(data) != 10 {
			t.Errorf("expected 10 bytes, got %d", len(data))
		}
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := client.ReadFile(ctx, filepath.Join(remoteDir, "nope.json"), 0)
		if err == nil {
			t.Fatal("expected error for missing file")
		}
		if IsTemporary(err) {
			t.Error("a missing file should not be retried")
		}
	})

	t.Run("download", func(t *testing.T) {
		localPath := filepath.Join(t.TempDir(), "nested", "report.json")
		result, err := client.DownloadFile(ctx, reportPath, localPath)
		if err != nil {
			t.Fatalf("download failed: %v", err)
		}
		if result.BytesTransferred != int64(len(report)) {
			t.Errorf("expected %d bytes, got %d", len(report), result.BytesTransferred)
		}
		if result.Checksum != wantChecksum {
			t.Errorf("expected checksum %s, got %s", wantChecksum, result.Checksum)
		}
		got, err := os.ReadFile(localPath)
		if err != nil {
			t.Fatalf("failed to read download: %v", err)
		}
		if string(got) != string(report) {
			t.Errorf("unexpected downloaded content: %s", got)
		}
	})

	t.Run("checksum", func(t *testing.T) {
		checksum, err := client.ComputeChecksum(ctx, reportPath)
		if err != nil {
			t.Fatalf("checksum failed: %v", err)
		}
		if checksum != wantChecksum {
			t.Errorf("expected checksum %s, got %s", wantChecksum, checksum)
		}
	})
}

func TestSSHClientKeyBasedAuth(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	host, port := parseAddress(server.addr)

	tmpDir := t.TempDir()
	keyPath := filepath.Join(tmpDir, "test_key")

	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	pemBlock, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}
	keyBytes := pem.EncodeToMemory(pemBlock)

	if err := os.WriteFile(keyPath, keyBytes, 0600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodKey
	config.PrivateKeyPath = keyPath
	config.StrictHostKeyChecking = false

	client, err := NewSSHClient(config, WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("failed to connect with key auth: %v", err)
	}
	defer client.Disconnect()

	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}
}

func TestLimitedBufferTruncates(t *testing.T) {
	b := &limitedBuffer{limit: 4}
	n, err := b.Write([]byte("abcdef"))
	if err != nil || n != 6 {
		t.Fatalf("unexpected write result: %d, %v", n, err)
	}
	if got := b.String(); got != "abcd\n[output truncated]" {
		t.Errorf("unexpected buffer content: %q", got)
	}
}

// parseAddress splits an address into host and port.
func parseAddress(addr string) (string, int) {
	host, portStr, _ := net.SplitHostPort(addr)
	port := 0
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}
