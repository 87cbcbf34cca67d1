package wasm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/sys"

	"github.com/openfroyo/epicflow/pkg/engine"
)

// Plugin is a registered, compiled gate plugin.
type Plugin struct {
	Manifest *Manifest
	compiled wazero.CompiledModule
}

// Request is written to the plugin's stdin as a single JSON document.
type Request struct {
	UnitID string         `json:"unit_id"`
	Gate   GateInfo       `json:"gate"`
	Unit   *engine.Unit   `json:"unit,omitempty"`
	Input  map[string]any `json:"input,omitempty"`
	Sent   time.Time      `json:"sent_at"`
}

// GateInfo names the gate being evaluated.
type GateInfo struct {
	Name string          `json:"name"`
	Kind engine.GateKind `json:"kind"`
}

// Response is what the plugin prints to stdout. A plugin that exits with a
// non-zero status fails the gate regardless of what it printed.
type Response struct {
	Outcome  engine.GateOutcome `json:"outcome"`
	Summary  string             `json:"summary,omitempty"`
	Details  map[string]any     `json:"details,omitempty"`
	Plugin   string             `json:"plugin"`
	ExitCode uint32             `json:"exit_code"`
	Stderr   string             `json:"stderr,omitempty"`
	Duration time.Duration      `json:"duration_ns"`
}

// Evidence renders the response as gate evidence.
func (r *Response) Evidence() json.RawMessage {
	data, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	return data
}

// run instantiates the plugin once with req on stdin. Each call gets a
// fresh module instance so no state leaks between gates.
func (r *Registry) run(ctx context.Context, p *Plugin, req *Request) (*Response, error) {
	timeout := p.Manifest.Timeout
	if timeout <= 0 {
		timeout = r.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if req.Sent.IsZero() {
		req.Sent = time.Now().UTC()
	}
	input, err := json.Marshal(req)
	if err != nil {
		return nil, engine.NewCodedError(engine.ErrCodeInternal, "failed to encode plugin request", err)
	}

	stdout := &cappedBuffer{limit: r.cfg.MaxOutput}
	stderr := &cappedBuffer{limit: r.cfg.MaxOutput}

	cfg := wazero.NewModuleConfig().
		WithName("").
		WithArgs(p.Manifest.Name).
		WithStdin(bytes.NewReader(input)).
		WithStdout(stdout).
		WithStderr(stderr)
	cfg = r.enforcer.Configure(cfg, p.Manifest)

	start := time.Now()
	mod, err := r.runtime.InstantiateModule(ctx, p.compiled, cfg)
	if mod != nil {
		_ = mod.Close(context.Background())
	}
	resp := &Response{
		Plugin:   p.Manifest.Key(),
		Stderr:   strings.TrimSpace(stderr.String()),
		Duration: time.Since(start),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, engine.NewCodedError(engine.ErrCodeGateInfrastructure,
			fmt.Sprintf("plugin %s did not finish within %s", resp.Plugin, timeout), ctxErr)
	}

	if err != nil {
		var exitErr *sys.ExitError
		if !errors.As(err, &exitErr) {
			return nil, engine.NewCodedError(engine.ErrCodeInternal,
				fmt.Sprintf("plugin %s trapped", resp.Plugin), err)
		}
		resp.ExitCode = exitErr.ExitCode()
		resp.Outcome = engine.GateFail
		resp.Summary = resp.Stderr
		if resp.Summary == "" {
			resp.Summary = fmt.Sprintf("plugin exited with code %d", resp.ExitCode)
		}
		return resp, nil
	}

	if stdout.overflow {
		return nil, engine.NewCodedError(engine.ErrCodeInternal,
			fmt.Sprintf("plugin %s wrote more than %d bytes", resp.Plugin, r.cfg.MaxOutput), nil)
	}

	var out struct {
		Outcome engine.GateOutcome `json:"outcome"`
		Summary string             `json:"summary"`
		Details map[string]any     `json:"details"`
	}
	err = json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &out)
	if err == nil {
		err = out.Outcome.Validate()
	}
	if err != nil {
		return nil, engine.NewCodedError(engine.ErrCodeInternal,
			fmt.Sprintf("plugin %s returned an invalid response", resp.Plugin), err)
	}
	resp.Outcome = out.Outcome
	resp.Summary = out.Summary
	resp.Details = out.Details
	return resp, nil
}

// cappedBuffer refuses writes past limit.
type cappedBuffer struct {
	bytes.Buffer
	limit    int
	overflow bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if b.Len()+len(p) > b.limit {
		b.overflow = true
		return 0, errors.New("output limit exceeded")
	}
	return b.Buffer.Write(p)
}
