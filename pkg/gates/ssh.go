package gates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/epicflow/pkg/engine"
	"github.com/openfroyo/epicflow/pkg/transports/ssh"
)

// maxReportSize caps report artifacts fetched over SFTP.
const maxReportSize = 4 << 20

// SSHConfig is the config of an `executor: ssh` gate.
type SSHConfig struct {
	Host       string        `mapstructure:"host"`
	Port       int           `mapstructure:"port"`
	User       string        `mapstructure:"user"`
	KeyFile    string        `mapstructure:"key_file"`
	Password   string        `mapstructure:"password"`
	Command    string        `mapstructure:"command"`
	ReportPath string        `mapstructure:"report_path"`
	Artifacts  []string      `mapstructure:"artifacts"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// SSHExecutorOptions configures NewSSHExecutor.
type SSHExecutorOptions struct {
	// KnownHostsPath overrides the default ~/.ssh/known_hosts.
	KnownHostsPath string

	// InsecureIgnoreHostKey accepts any host key.
	InsecureIgnoreHostKey bool

	// ConnectRetries overrides the default number of connection attempts.
	ConnectRetries uint

	// ArtifactDir receives the files listed in a gate's artifacts, under
	// <unit>/<gate>/. Artifacts are not downloaded when it is empty.
	ArtifactDir string

	Logger zerolog.Logger

	// NewTransport replaces the SSH client, for tests.
	NewTransport func(*ssh.Config) (ssh.Transport, error)
}

// SSHExecutor runs the gate command on a remote CI host. Exit status 0
// passes. When report_path is set, the report is fetched over SFTP and
// attached to the evidence with its checksum; a passing command that left
// no report fails the gate. Listed artifacts are copied to ArtifactDir the
// same way.
type SSHExecutor struct {
	opts SSHExecutorOptions
}

// NewSSHExecutor creates an ssh executor.
func NewSSHExecutor(opts SSHExecutorOptions) *SSHExecutor {
	if opts.NewTransport == nil {
		logger := opts.Logger
		opts.NewTransport = func(cfg *ssh.Config) (ssh.Transport, error) {
			return ssh.NewSSHClient(cfg, ssh.WithLogger(logger))
		}
	}
	return &SSHExecutor{opts: opts}
}

type sshEvidence struct {
	Host           string          `json:"host"`
	Command        string          `json:"command"`
	ExitCode       int             `json:"exit_code"`
	TimedOut       bool            `json:"timed_out,omitempty"`
	Stdout         string          `json:"stdout,omitempty"`
	Stderr         string          `json:"stderr,omitempty"`
	Duration       time.Duration   `json:"duration_ns"`
	ReportPath     string          `json:"report_path,omitempty"`
	ReportChecksum string          `json:"report_checksum,omitempty"`
	Report         json.RawMessage `json:"report,omitempty"`
	ReportError    string          `json:"report_error,omitempty"`
	Artifacts      []sshArtifact   `json:"artifacts,omitempty"`
}

type sshArtifact struct {
	Remote   string `json:"remote"`
	Local    string `json:"local,omitempty"`
	Bytes    int64  `json:"bytes,omitempty"`
	Checksum string `json:"checksum,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Execute implements Executor.
func (e *SSHExecutor) Execute(ctx context.Context, unit *engine.Unit, spec engine.GateSpec) (engine.GateReport, error) {
	var cfg SSHConfig
	if err := decodeConfig(spec, &cfg); err != nil {
		return engine.GateReport{}, err
	}

	tcfg := e.transportConfig(cfg)
	if err := tcfg.Validate(); err != nil {
		return engine.GateReport{}, engine.NewCodedError(engine.ErrCodeValidation,
			fmt.Sprintf("gate %s: invalid ssh settings", spec.Name), err)
	}

	transport, err := e.opts.NewTransport(tcfg)
	if err != nil {
		return engine.GateReport{}, engine.NewCodedError(engine.ErrCodeValidation,
			fmt.Sprintf("gate %s: cannot create ssh client", spec.Name), err)
	}
	if err := transport.Connect(ctx); err != nil {
		return engine.GateReport{}, err
	}
	defer func() { _ = transport.Disconnect() }()

	runCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	ev := sshEvidence{Host: tcfg.Address(), Command: cfg.Command}
	res, err := transport.Run(runCtx, cfg.Command)
	if err != nil {
		// the command's own deadline fails the gate; the run's deadline is infrastructure
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			ev.TimedOut = true
			ev.ExitCode = -1
			ev.Stderr = fmt.Sprintf("command did not finish within %s", cfg.Timeout)
			return report(engine.GateFail, ev)
		}
		return engine.GateReport{}, err
	}

	ev.ExitCode = res.ExitCode
	ev.Stdout = tail(res.Stdout)
	ev.Stderr = tail(res.Stderr)
	ev.Duration = res.Duration

	outcome := engine.GateFail
	if res.Succeeded() {
		outcome = engine.GatePass
	}

	if cfg.ReportPath != "" {
		ev.ReportPath = cfg.ReportPath
		if err := e.fetchReport(ctx, transport, cfg.ReportPath, &ev); err != nil {
			if ssh.IsTemporary(err) {
				return engine.GateReport{}, err
			}
			ev.ReportError = err.Error()
			outcome = engine.GateFail
		}
	}

	if len(cfg.Artifacts) > 0 && e.opts.ArtifactDir != "" {
		dir := filepath.Join(e.opts.ArtifactDir, unit.ID, spec.Name)
		ok, err := e.downloadArtifacts(ctx, transport, dir, cfg.Artifacts, &ev)
		if err != nil {
			return engine.GateReport{}, err
		}
		if !ok {
			outcome = engine.GateFail
		}
	}

	return report(outcome, ev)
}

// downloadArtifacts copies each remote file into dir. ok is false when any
// artifact could not be fetched; temporary transport errors are returned.
func (e *SSHExecutor) downloadArtifacts(ctx context.Context, t ssh.Transport, dir string, remotes []string, ev *sshEvidence) (bool, error) {
	ok := true
	for _, remote := range remotes {
		art := sshArtifact{Remote: remote, Local: filepath.Join(dir, path.Base(remote))}
		res, err := t.DownloadFile(ctx, remote, art.Local)
		switch {
		case err != nil && ssh.IsTemporary(err):
			return false, err
		case err != nil:
			art.Local = ""
			art.Error = err.Error()
			ok = false
		default:
			art.Bytes = res.BytesTransferred
			art.Checksum = res.Checksum
		}
		ev.Artifacts = append(ev.Artifacts, art)
	}
	return ok, nil
}

func (e *SSHExecutor) fetchReport(ctx context.Context, t ssh.Transport, path string, ev *sshEvidence) error {
	data, err := t.ReadFile(ctx, path, maxReportSize)
	if err != nil {
		return err
	}
	sum, err := t.ComputeChecksum(ctx, path)
	if err != nil {
		return err
	}
	ev.ReportChecksum = sum

	if json.Valid(data) {
		ev.Report = data
		return nil
	}
	// non-JSON reports are kept as a string
	quoted, err := json.Marshal(string(data))
	if err != nil {
		return err
	}
	ev.Report = quoted
	return nil
}

func (e *SSHExecutor) transportConfig(cfg SSHConfig) *ssh.Config {
	tcfg := ssh.DefaultConfig(cfg.Host, cfg.User)
	if cfg.Port > 0 {
		tcfg.Port = cfg.Port
	}
	if cfg.Password != "" && cfg.KeyFile == "" {
		tcfg.AuthMethod = ssh.AuthMethodPassword
		tcfg.Password = cfg.Password
	} else {
		tcfg.AuthMethod = ssh.AuthMethodKey
		tcfg.PrivateKeyPath = cfg.KeyFile
	}
	if e.opts.KnownHostsPath != "" {
		tcfg.KnownHostsPath = e.opts.KnownHostsPath
	}
	if e.opts.InsecureIgnoreHostKey {
		tcfg.StrictHostKeyChecking = false
	}
	if e.opts.ConnectRetries > 0 {
		tcfg.ConnectRetries = e.opts.ConnectRetries
	}
	if cfg.Timeout > 0 {
		tcfg.CommandTimeout = cfg.Timeout
	}
	return tcfg
}

func report(outcome engine.GateOutcome, evidence interface{}) (engine.GateReport, error) {
	data, err := json.Marshal(evidence)
	if err != nil {
		return engine.GateReport{}, fmt.Errorf("failed to encode gate evidence: %w", err)
	}
	return engine.GateReport{Outcome: outcome, Evidence: data}, nil
}

// tailSize is how much command output is kept as evidence.
const tailSize = 8 << 10

func tail(s string) string {
	if len(s) <= tailSize {
		return s
	}
	return "..." + s[len(s)-tailSize:]
}
