package gates

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/openfroyo/epicflow/pkg/engine"
)

// ExecConfig is the config of an `executor: exec` gate.
type ExecConfig struct {
	Command string        `mapstructure:"command"`
	Args    []string      `mapstructure:"args"`
	Dir     string        `mapstructure:"dir"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ExecExecutor runs a local command. Exit status 0 passes, anything else
// fails. The command sees EPICFLOW_UNIT_ID, EPICFLOW_GATE and
// EPICFLOW_GATE_KIND in its environment.
type ExecExecutor struct {
	baseDir string
}

// NewExecExecutor creates an exec executor. Commands run in baseDir unless
// the gate sets dir; a relative dir is resolved against baseDir.
func NewExecExecutor(baseDir string) *ExecExecutor {
	return &ExecExecutor{baseDir: baseDir}
}

type execEvidence struct {
	Command  string        `json:"command"`
	Args     []string      `json:"args,omitempty"`
	ExitCode int           `json:"exit_code"`
	TimedOut bool          `json:"timed_out,omitempty"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Execute implements Executor.
func (e *ExecExecutor) Execute(ctx context.Context, unit *engine.Unit, spec engine.GateSpec) (engine.GateReport, error) {
	var cfg ExecConfig
	if err := decodeConfig(spec, &cfg); err != nil {
		return engine.GateReport{}, err
	}
	if cfg.Command == "" {
		return engine.GateReport{}, invalidConfig(spec, "command is required")
	}

	path, err := exec.LookPath(cfg.Command)
	if err != nil {
		return engine.GateReport{}, engine.NewCodedError(engine.ErrCodeValidation,
			fmt.Sprintf("gate %s: command %s not found", spec.Name, cfg.Command), err)
	}

	runCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, path, cfg.Args...)
	cmd.Dir = e.baseDir
	if cfg.Dir != "" {
		cmd.Dir = resolvePath(e.baseDir, cfg.Dir)
	}
	cmd.Env = append(os.Environ(),
		"EPICFLOW_UNIT_ID="+unit.ID,
		"EPICFLOW_GATE="+spec.Name,
		"EPICFLOW_GATE_KIND="+string(spec.Kind),
	)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	started := time.Now()
	err = cmd.Run()
	ev := execEvidence{
		Command:  cfg.Command,
		Args:     cfg.Args,
		Stdout:   tail(stdout.String()),
		Stderr:   tail(stderr.String()),
		Duration: time.Since(started),
	}

	if ctx.Err() != nil {
		return engine.GateReport{}, ctx.Err()
	}
	if runCtx.Err() != nil {
		ev.TimedOut = true
		ev.ExitCode = -1
		return report(engine.GateFail, ev)
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return report(engine.GatePass, ev)
	case errors.As(err, &exitErr):
		ev.ExitCode = exitErr.ExitCode()
		return report(engine.GateFail, ev)
	default:
		return engine.GateReport{}, fmt.Errorf("failed to run %s: %w", cfg.Command, err)
	}
}
