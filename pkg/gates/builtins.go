package gates

import (
	"github.com/openfroyo/epicflow/pkg/config"
	"github.com/openfroyo/epicflow/pkg/policy"
)

// Builtins carries what the built-in executors need. Executors whose
// dependency is nil are not registered.
type Builtins struct {
	Policies *policy.Engine
	Starlark *config.StarlarkEvaluator
	Plugins  PluginRunner
	SSH      *SSHExecutorOptions

	// BaseDir resolves relative report, script and working directory paths.
	BaseDir string

	// DisableExec leaves the local command executor out.
	DisableExec bool
}

// RegisterBuiltins registers the policy, starlark, ssh, wasm and exec
// executors.
func (d *Dispatcher) RegisterBuiltins(b Builtins) {
	if b.Policies != nil {
		d.Register(ExecutorPolicy, NewPolicyExecutor(b.Policies, d.store, b.BaseDir))
	}
	if b.Starlark != nil {
		d.Register(ExecutorStarlark, NewStarlarkExecutor(b.Starlark, d.store, b.BaseDir))
	}
	if b.SSH != nil {
		d.Register(ExecutorSSH, NewSSHExecutor(*b.SSH))
	}
	if b.Plugins != nil {
		d.Register(ExecutorWasm, NewWasmExecutor(b.Plugins))
	}
	if !b.DisableExec {
		d.Register(ExecutorExec, NewExecExecutor(b.BaseDir))
	}
}
