package gates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/epicflow/pkg/engine"
	"github.com/openfroyo/epicflow/pkg/policy"
)

// PolicyConfig is the config of an `executor: policy` gate.
type PolicyConfig struct {
	// Policy or Policies name the policies to evaluate. With neither, every
	// enabled policy tagged with the gate kind runs.
	Policy   string   `mapstructure:"policy"`
	Policies []string `mapstructure:"policies"`

	// ReportPath is a JSON or YAML report (e.g. a scanner's findings) exposed
	// to policies as input.data.report. A missing file means no report.
	ReportPath string `mapstructure:"report_path"`

	// Input is merged into input.data.
	Input map[string]interface{} `mapstructure:"input"`
}

// PolicyExecutor evaluates Rego policies against the unit, its contracts
// and its gate history.
type PolicyExecutor struct {
	engine  *policy.Engine
	store   Store
	baseDir string
	now     func() time.Time
}

// NewPolicyExecutor creates a policy executor. Relative report paths are
// resolved against baseDir.
func NewPolicyExecutor(pe *policy.Engine, store Store, baseDir string) *PolicyExecutor {
	return &PolicyExecutor{engine: pe, store: store, baseDir: baseDir, now: time.Now}
}

// Execute implements Executor.
func (e *PolicyExecutor) Execute(ctx context.Context, unit *engine.Unit, spec engine.GateSpec) (engine.GateReport, error) {
	var cfg PolicyConfig
	if err := decodeConfig(spec, &cfg); err != nil {
		return engine.GateReport{}, err
	}

	gc, err := loadGateContext(ctx, e.store, unit)
	if err != nil {
		return engine.GateReport{}, err
	}

	data := make(map[string]interface{}, len(cfg.Input)+1)
	for k, v := range cfg.Input {
		data[k] = v
	}
	if cfg.ReportPath != "" {
		report, err := readReport(resolvePath(e.baseDir, cfg.ReportPath))
		if err != nil {
			return engine.GateReport{}, engine.NewCodedError(engine.ErrCodeValidation,
				fmt.Sprintf("gate %s: unreadable report", spec.Name), err)
		}
		if report != nil {
			data["report"] = report
		}
	}

	input := &policy.GateInput{
		Unit:     unit,
		Gate:     policy.GateInfo{Name: spec.Name, Kind: spec.Kind},
		Consumes: gc.Consumes,
		Produces: gc.Produces,
		Results:  gc.Results,
		Data:     data,
		Context:  &policy.PolicyContext{Timestamp: e.now().UTC()},
	}

	names := cfg.Policies
	if cfg.Policy != "" {
		names = append([]string{cfg.Policy}, names...)
	}

	result, err := e.engine.EvaluateGate(ctx, input, names...)
	if err != nil {
		return engine.GateReport{}, err
	}

	evidence, err := json.Marshal(result)
	if err != nil {
		return engine.GateReport{}, fmt.Errorf("failed to encode policy result: %w", err)
	}
	return engine.GateReport{Outcome: result.Outcome, Evidence: evidence}, nil
}

// readReport decodes a JSON or YAML report into generic values. It returns
// nil, nil when the file does not exist.
func readReport(path string) (interface{}, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeReport(path, data)
}

func decodeReport(name string, data []byte) (interface{}, error) {
	var report interface{}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &report); err != nil {
			return nil, fmt.Errorf("failed to parse YAML report: %w", err)
		}
		return normalizeYAML(report), nil
	default:
		if err := json.Unmarshal(data, &report); err != nil {
			return nil, fmt.Errorf("failed to parse JSON report: %w", err)
		}
		return report, nil
	}
}

// normalizeYAML converts map[interface{}]interface{} nodes left by
// yaml.v3 for non-string keys so the value survives JSON encoding.
func normalizeYAML(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		for k, item := range val {
			val[k] = normalizeYAML(item)
		}
		return val
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = normalizeYAML(item)
		}
		return out
	case []interface{}:
		for i, item := range val {
			val[i] = normalizeYAML(item)
		}
		return val
	default:
		return v
	}
}

func resolvePath(baseDir, path string) string {
	if filepath.IsAbs(path) || baseDir == "" {
		return path
	}
	return filepath.Join(baseDir, path)
}
