package gates

import (
	"context"

	"github.com/openfroyo/epicflow/pkg/engine"
	"github.com/openfroyo/epicflow/pkg/providers/wasm"
)

// WasmConfig is the config of an `executor: wasm` gate.
type WasmConfig struct {
	// Plugin is a plugin reference: name, name@1.2.0, name@~1.2 or name@^1.
	Plugin string                 `mapstructure:"plugin"`
	Input  map[string]interface{} `mapstructure:"input"`
}

// PluginRunner runs a registered plugin. *wasm.Registry implements it.
type PluginRunner interface {
	Run(ctx context.Context, ref string, req *wasm.Request) (*wasm.Response, error)
}

// WasmExecutor runs a sandboxed gate plugin.
type WasmExecutor struct {
	plugins PluginRunner
}

// NewWasmExecutor creates a wasm executor.
func NewWasmExecutor(plugins PluginRunner) *WasmExecutor {
	return &WasmExecutor{plugins: plugins}
}

// Execute implements Executor.
func (e *WasmExecutor) Execute(ctx context.Context, unit *engine.Unit, spec engine.GateSpec) (engine.GateReport, error) {
	var cfg WasmConfig
	if err := decodeConfig(spec, &cfg); err != nil {
		return engine.GateReport{}, err
	}
	if cfg.Plugin == "" {
		return engine.GateReport{}, invalidConfig(spec, "plugin is required")
	}

	input, _ := normalizeYAML(cfg.Input).(map[string]interface{})
	resp, err := e.plugins.Run(ctx, cfg.Plugin, &wasm.Request{
		UnitID: unit.ID,
		Gate:   wasm.GateInfo{Name: spec.Name, Kind: spec.Kind},
		Unit:   unit,
		Input:  input,
	})
	if err != nil {
		return engine.GateReport{}, err
	}
	return engine.GateReport{Outcome: resp.Outcome, Evidence: resp.Evidence()}, nil
}
