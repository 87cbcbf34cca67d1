package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation. Every schema is a CUE
// definition looked up by name (e.g. "#WorkPlan") in the compiled source.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema(builtinSchemas); err != nil {
		panic(fmt.Sprintf("built-in schemas do not compile: %v", err))
	}
	return sr
}

// Context returns the CUE context the schemas were compiled in. Values
// validated against them must come from the same context.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// RegisterSchema compiles source and registers each top-level definition
// it declares under its name.
func (sr *SchemaRegistry) RegisterSchema(source string) error {
	val := sr.ctx.CompileString(source, cue.Filename("schema.cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema: %w", err)
	}

	iter, err := val.Fields(cue.Definitions(true))
	if err != nil {
		return fmt.Errorf("failed to list definitions: %w", err)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	for iter.Next() {
		if !iter.Selector().IsDefinition() {
			continue
		}
		sr.schemas[iter.Selector().String()] = iter.Value()
	}
	return nil
}

// GetSchema retrieves a schema by definition name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Unify unifies val with the named schema and requires a concrete result.
func (sr *SchemaRegistry) Unify(name string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(name)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", name)
	}
	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return unified, err
	}
	return unified, nil
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	if _, err := sr.Unify(schemaName, dataVal); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ValidateGateConfig validates the executor config of a gate against
// "#<Executor>GateConfig" when such a schema exists.
func (sr *SchemaRegistry) ValidateGateConfig(ctx context.Context, executor string, cfg map[string]any) error {
	name, ok := gateConfigSchemas[executor]
	if !ok {
		return nil
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	if err := sr.ValidateAgainstSchema(ctx, name, cfg); err != nil {
		return fmt.Errorf("%s gate config: %w", executor, err)
	}
	return nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var gateConfigSchemas = map[string]string{
	"policy":   "#PolicyGateConfig",
	"starlark": "#StarlarkGateConfig",
	"ssh":      "#SSHGateConfig",
	"wasm":     "#WasmGateConfig",
	"exec":     "#ExecGateConfig",
}

const builtinSchemas = `
#ID:  =~"^[A-Za-z0-9][A-Za-z0-9._-]*$"
#Ref: =~"^[^@]+@[^@]+$"

#Task: {
	id:     #ID
	title?: string
}

#Unit: {
	id:          #ID
	name?:       string
	kind?:       "epic" | "sprint"
	parent?:     #ID
	depends_on?: [...#ID]
	effort?:     number & >=0
	subsystems?: [...string]
	consumes?:   [...#Ref]
	produces?:   [...#Ref]
	tasks?:      [...#Task]
}

#Contract: {
	name:         string & !=""
	version:      string & !=""
	producer?:    #ID
	consumers?:   [...#ID]
	schema?:      string
	schema_file?: string
}

#Gate: {
	name:        #ID
	kind:        "ci" | "security" | "contract_verification"
	depends_on?: [...#ID]
	executor?:   "policy" | "starlark" | "ssh" | "wasm" | "exec"
	config?: {...}
}

#WorkPlan: {
	name?:      string
	workers?:   [...#ID]
	units:      [...#Unit]
	contracts?: [...#Contract]
	gates?:     [...#Gate]
	...
}

#PolicyGateConfig: {
	policy?:      string
	policies?:    [...string]
	report_path?: string
	input?: {...}
}

#StarlarkGateConfig: {
	script?:      string
	script_file?: string
	input?: {...}
}

#SSHGateConfig: {
	host:         string & !=""
	port?:        number & >0 & <65536
	user:         string & !=""
	key_file?:    string
	password?:    string
	command:      string & !=""
	report_path?: string
	artifacts?:   [...string]
	timeout?:     string
}

#WasmGateConfig: {
	plugin: string & !=""
	input?: {...}
}

#ExecGateConfig: {
	command: string & !=""
	args?:   [...string]
	dir?:    string
	timeout?: string
}
`
