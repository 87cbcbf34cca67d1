package gates

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/openfroyo/epicflow/pkg/config"
	"github.com/openfroyo/epicflow/pkg/engine"
)

// StarlarkConfig is the config of an `executor: starlark` gate. Exactly one
// of Script and ScriptFile is set.
type StarlarkConfig struct {
	Script     string                 `mapstructure:"script"`
	ScriptFile string                 `mapstructure:"script_file"`
	Input      map[string]interface{} `mapstructure:"input"`
}

// StarlarkExecutor runs a gate script. The script sees the globals unit,
// gate, input, consumes, produces and results, and must assign outcome
// ("pass", "fail" or "skipped"). It may also assign summary and evidence.
//
//	open = [t for t in unit.get("tasks", []) if not t["done"]]
//	outcome = "fail" if open else "pass"
//	evidence = {"open_tasks": [t["id"] for t in open]}
type StarlarkExecutor struct {
	eval    *config.StarlarkEvaluator
	store   Store
	baseDir string
}

// NewStarlarkExecutor creates a starlark executor. Relative script files are
// resolved against baseDir.
func NewStarlarkExecutor(eval *config.StarlarkEvaluator, store Store, baseDir string) *StarlarkExecutor {
	return &StarlarkExecutor{eval: eval, store: store, baseDir: baseDir}
}

type starlarkEvidence struct {
	Summary  string        `json:"summary,omitempty"`
	Evidence interface{}   `json:"evidence,omitempty"`
	Log      []string      `json:"log,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Execute implements Executor.
func (e *StarlarkExecutor) Execute(ctx context.Context, unit *engine.Unit, spec engine.GateSpec) (engine.GateReport, error) {
	var cfg StarlarkConfig
	if err := decodeConfig(spec, &cfg); err != nil {
		return engine.GateReport{}, err
	}

	filename, script := "gate.star", cfg.Script
	switch {
	case cfg.Script != "" && cfg.ScriptFile != "":
		return engine.GateReport{}, invalidConfig(spec, "script and script_file are mutually exclusive")
	case cfg.ScriptFile != "":
		filename = resolvePath(e.baseDir, cfg.ScriptFile)
		data, err := os.ReadFile(filename)
		if err != nil {
			return engine.GateReport{}, engine.NewCodedError(engine.ErrCodeValidation,
				fmt.Sprintf("gate %s: cannot read script", spec.Name), err)
		}
		script = string(data)
	case cfg.Script == "":
		return engine.GateReport{}, invalidConfig(spec, "script or script_file is required")
	}

	globals, err := e.globals(ctx, unit, spec, cfg)
	if err != nil {
		return engine.GateReport{}, err
	}

	result, err := e.eval.EvaluateFile(ctx, filename, script, globals)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return engine.GateReport{}, ctxErr
	}
	if err != nil {
		return engine.GateReport{}, engine.NewCodedError(engine.ErrCodeValidation,
			fmt.Sprintf("gate %s: script failed", spec.Name), err)
	}

	raw, _ := result.Output["outcome"].(string)
	outcome := engine.GateOutcome(raw)
	if err := outcome.Validate(); err != nil {
		return engine.GateReport{}, engine.NewCodedError(engine.ErrCodeValidation,
			fmt.Sprintf("gate %s: script must set outcome to pass, fail or skipped", spec.Name), err)
	}

	summary, _ := result.Output["summary"].(string)
	evidence, err := json.Marshal(starlarkEvidence{
		Summary:  summary,
		Evidence: result.Output["evidence"],
		Log:      result.Log,
		Duration: result.ExecutionTime,
	})
	if err != nil {
		return engine.GateReport{}, fmt.Errorf("failed to encode script evidence: %w", err)
	}
	return engine.GateReport{Outcome: outcome, Evidence: evidence}, nil
}

func (e *StarlarkExecutor) globals(ctx context.Context, unit *engine.Unit, spec engine.GateSpec, cfg StarlarkConfig) (map[string]interface{}, error) {
	gc, err := loadGateContext(ctx, e.store, unit)
	if err != nil {
		return nil, err
	}

	// the evaluator converts plain maps and lists only
	doc, err := toGeneric(map[string]interface{}{
		"unit":     unit,
		"gate":     map[string]string{"name": spec.Name, "kind": string(spec.Kind)},
		"consumes": gc.Consumes,
		"produces": gc.Produces,
		"results":  gc.Results,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to prepare script globals: %w", err)
	}
	globals := doc.(map[string]interface{})

	input := cfg.Input
	if input == nil {
		input = map[string]interface{}{}
	}
	in, err := toGeneric(normalizeYAML(input))
	if err != nil {
		return nil, fmt.Errorf("failed to prepare script input: %w", err)
	}
	globals["input"] = in
	return globals, nil
}

// toGeneric round-trips v through JSON so it holds only maps, slices,
// strings, float64, bool and nil.
func toGeneric(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func invalidConfig(spec engine.GateSpec, msg string) error {
	return engine.NewCodedError(engine.ErrCodeValidation,
		fmt.Sprintf("gate %s: %s", spec.Name, msg), nil).WithDetail("gate", spec.Name)
}
