// Package gates implements the executors named by a gate's `executor` field
// and the dispatcher that routes engine gate runs to them.
//
// Executors report a failing gate through the outcome. They return an error
// only when the gate could not be evaluated: misconfiguration is a
// VALIDATION_ERROR, an unreachable host or plugin timeout is
// GATE_INFRASTRUCTURE.
package gates

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/epicflow/pkg/config"
	"github.com/openfroyo/epicflow/pkg/engine"
	"github.com/openfroyo/epicflow/pkg/telemetry"
	"github.com/openfroyo/epicflow/pkg/transports/ssh"
)

// Executor names.
const (
	ExecutorPolicy   = "policy"
	ExecutorStarlark = "starlark"
	ExecutorSSH      = "ssh"
	ExecutorWasm     = "wasm"
	ExecutorExec     = "exec"
)

// Executor evaluates one gate for one unit.
type Executor interface {
	Execute(ctx context.Context, unit *engine.Unit, spec engine.GateSpec) (engine.GateReport, error)
}

// Store is the read-only view of the scheduler state executors consult.
type Store interface {
	GetUnit(ctx context.Context, id string) (*engine.Unit, error)
	GetContract(ctx context.Context, ref engine.ContractRef) (*engine.Contract, error)
	ListGateResults(ctx context.Context, unitID string) ([]*engine.GateResult, error)
}

// Options configures a Dispatcher.
type Options struct {
	Store Store

	// Schemas validates gate config before execution. Nil skips validation.
	Schemas *config.SchemaRegistry

	// DefaultExecutor is used for gates that name none. Defaults to policy.
	DefaultExecutor string

	// Timeout bounds a single gate. Defaults to 10 minutes.
	Timeout time.Duration

	Logger *zerolog.Logger
}

// Dispatcher implements engine.GateExecutor by routing each gate to the
// executor registered under its name.
type Dispatcher struct {
	mu        sync.RWMutex
	executors map[string]Executor

	store           Store
	schemas         *config.SchemaRegistry
	defaultExecutor string
	timeout         time.Duration
	logger          zerolog.Logger
}

var _ engine.GateExecutor = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher with no executors registered.
func NewDispatcher(opts Options) *Dispatcher {
	if opts.DefaultExecutor == "" {
		opts.DefaultExecutor = ExecutorPolicy
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &Dispatcher{
		executors:       make(map[string]Executor),
		store:           opts.Store,
		schemas:         opts.Schemas,
		defaultExecutor: opts.DefaultExecutor,
		timeout:         opts.Timeout,
		logger:          logger.With().Str("component", "gate-dispatcher").Logger(),
	}
}

// Register adds or replaces the executor for name.
func (d *Dispatcher) Register(name string, exec Executor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.executors[name] = exec
}

// Executors returns the registered executor names, sorted.
func (d *Dispatcher) Executors() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.executors))
	for name := range d.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ExecuteGate implements engine.GateExecutor.
func (d *Dispatcher) ExecuteGate(ctx context.Context, unitID string, spec engine.GateSpec) (engine.GateReport, error) {
	name := spec.Executor
	if name == "" {
		name = d.defaultExecutor
	}

	d.mu.RLock()
	exec, ok := d.executors[name]
	d.mu.RUnlock()
	if !ok {
		return engine.GateReport{}, engine.NewCodedError(engine.ErrCodeValidation,
			fmt.Sprintf("unknown gate executor %q", name), nil).
			WithResource(unitID).WithDetail("gate", spec.Name)
	}

	if d.schemas != nil {
		if err := d.schemas.ValidateGateConfig(ctx, name, spec.Config); err != nil {
			return engine.GateReport{}, engine.NewCodedError(engine.ErrCodeValidation,
				fmt.Sprintf("invalid config for gate %s", spec.Name), err).
				WithResource(unitID).WithDetail("gate", spec.Name)
		}
	}

	unit, err := d.store.GetUnit(ctx, unitID)
	if err != nil {
		return engine.GateReport{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var report engine.GateReport
	started := time.Now()
	_, err = telemetry.InstrumentGate(ctx, unitID, spec.Name, string(spec.Kind), func(ctx context.Context) (string, error) {
		rep, err := exec.Execute(ctx, unit, spec)
		if err != nil {
			return "", err
		}
		report = rep
		return string(rep.Outcome), nil
	})
	if err != nil {
		err = classify(err)
		d.logger.Warn().Err(err).
			Str("unit_id", unitID).
			Str("gate", spec.Name).
			Str("executor", name).
			Msg("Gate executor failed")
		return engine.GateReport{}, err
	}

	d.logger.Debug().
		Str("unit_id", unitID).
		Str("gate", spec.Name).
		Str("executor", name).
		Str("outcome", string(report.Outcome)).
		Dur("duration", time.Since(started)).
		Msg("Gate executed")
	return report, nil
}

// classify maps executor errors onto engine error codes.
func classify(err error) error {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return err
	}

	var te *ssh.TransportError
	if errors.As(err, &te) {
		if te.IsAuthError {
			return engine.NewCodedError(engine.ErrCodeValidation, "remote gate host rejected the credentials", err)
		}
		return engine.NewCodedError(engine.ErrCodeGateInfrastructure, "remote gate host unavailable", err)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return engine.NewCodedError(engine.ErrCodeGateInfrastructure, "gate did not finish", err)
	}
	return engine.NewCodedError(engine.ErrCodeGateInfrastructure, "gate executor failed", err)
}

// decodeConfig decodes a gate's config map into out. Durations may be
// given as strings ("5m").
func decodeConfig(spec engine.GateSpec, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(spec.Config); err != nil {
		return engine.NewCodedError(engine.ErrCodeValidation,
			fmt.Sprintf("invalid config for gate %s", spec.Name), err).WithDetail("gate", spec.Name)
	}
	return nil
}

// gateContext collects the unit's contracts and gate history for executors
// that hand the whole picture to a script or policy.
type gateContext struct {
	Consumes []*engine.Contract
	Produces []*engine.Contract
	Results  []*engine.GateResult
}

func loadGateContext(ctx context.Context, store Store, unit *engine.Unit) (*gateContext, error) {
	gc := &gateContext{
		Consumes: []*engine.Contract{},
		Produces: []*engine.Contract{},
		Results:  []*engine.GateResult{},
	}
	for _, ref := range unit.Consumes {
		c, err := store.GetContract(ctx, ref)
		if err != nil {
			return nil, err
		}
		gc.Consumes = append(gc.Consumes, c)
	}
	for _, ref := range unit.Produces {
		c, err := store.GetContract(ctx, ref)
		if err != nil {
			return nil, err
		}
		gc.Produces = append(gc.Produces, c)
	}
	results, err := store.ListGateResults(ctx, unit.ID)
	if err != nil {
		return nil, err
	}
	if results != nil {
		gc.Results = results
	}
	return gc, nil
}
