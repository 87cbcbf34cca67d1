package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// GateRunner executes quality gates for a unit. Independent gates run
// concurrently; a gate waits for the gates named in its DependsOn.
type GateRunner struct {
	store    GateResultStore
	executor GateExecutor
	recorder Recorder
	logger   zerolog.Logger
	now      func() time.Time
}

// NewGateRunner creates a gate runner. recorder may be nil.
func NewGateRunner(store GateResultStore, executor GateExecutor, recorder Recorder, logger zerolog.Logger) *GateRunner {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &GateRunner{
		store:    store,
		executor: executor,
		recorder: recorder,
		logger:   logger.With().Str("component", "gates").Logger(),
		now:      time.Now,
	}
}

// gateState tracks one gate while a run is in flight.
type gateState struct {
	done    chan struct{}
	outcome GateOutcome
	// blocked is set when the gate was skipped because a dependency failed
	blocked bool
}

// RunGates executes the gates and appends one result per finished gate.
// allPass is true iff every non-skipped gate passed. A gate that fails is a
// result, not an error; the error return is reserved for infrastructure
// failures, which cancel the gates still running.
func (r *GateRunner) RunGates(ctx context.Context, unitID string, gates []GateSpec) (allPass bool, results []GateResult, err error) {
	ctx, span := startSpan(ctx, "gates.run",
		attribute.String("unit.id", unitID), attribute.Int("gates.count", len(gates)))
	defer func() {
		span.SetAttributes(attribute.Bool("gates.all_pass", allPass))
		endSpan(span, err)
	}()

	if err := validateGateSpecs(gates); err != nil {
		return false, nil, err
	}

	states := make(map[string]*gateState, len(gates))
	for _, g := range gates {
		states[g.Name] = &gateState{done: make(chan struct{})}
	}

	var mu sync.Mutex
	recorded := make([]*GateResult, len(gates))

	g, gctx := errgroup.WithContext(ctx)
	for i := range gates {
		i, spec := i, gates[i]
		g.Go(func() error {
			state := states[spec.Name]
			defer close(state.done)

			var failedDep string
			for _, dep := range spec.DependsOn {
				ds := states[dep]
				select {
				case <-ds.done:
				case <-gctx.Done():
					return gctx.Err()
				}
				mu.Lock()
				if failedDep == "" && (ds.outcome == GateFail || ds.blocked) {
					failedDep = dep
				}
				mu.Unlock()
			}

			var report GateReport
			started := r.now()
			if failedDep != "" {
				report = GateReport{Outcome: GateSkipped, Evidence: skipEvidence(failedDep)}
			} else {
				rep, err := r.execute(gctx, unitID, spec)
				if err != nil {
					return err
				}
				report = rep
			}

			result := &GateResult{
				ID:         uuid.New().String(),
				UnitID:     unitID,
				Gate:       spec.Name,
				Kind:       spec.Kind,
				Outcome:    report.Outcome,
				Evidence:   report.Evidence,
				RecordedAt: r.now(),
			}
			if err := r.store.AppendGateResult(ctx, result); err != nil {
				return NewCodedError(ErrCodeInternal, "failed to record gate result", err).
					WithResource(unitID).WithDetail("gate", spec.Name)
			}
			r.recorder.RecordGateOutcome(string(spec.Kind), string(report.Outcome), r.now().Sub(started))

			mu.Lock()
			state.outcome = report.Outcome
			state.blocked = failedDep != ""
			recorded[i] = result
			mu.Unlock()

			r.logger.Info().
				Str("unit_id", unitID).
				Str("gate", spec.Name).
				Str("kind", string(spec.Kind)).
				Str("outcome", string(report.Outcome)).
				Msg("Gate finished")
			return nil
		})
	}

	runErr := g.Wait()

	results = make([]GateResult, 0, len(gates))
	allPass = true
	for _, res := range recorded {
		if res == nil {
			continue
		}
		results = append(results, *res)
		if res.Outcome != GateSkipped && res.Outcome != GatePass {
			allPass = false
		}
	}

	if runErr != nil {
		r.logger.Error().Err(runErr).Str("unit_id", unitID).Msg("Gate run aborted")
		return false, results, runErr
	}
	return allPass, results, nil
}

// execute calls the executor and classifies its failures as infrastructure errors.
func (r *GateRunner) execute(ctx context.Context, unitID string, spec GateSpec) (GateReport, error) {
	if r.executor == nil {
		return GateReport{}, NewCodedError(ErrCodeGateInfrastructure, "no gate executor configured", nil).
			WithResource(unitID).WithDetail("gate", spec.Name)
	}

	report, err := r.executor.ExecuteGate(ctx, unitID, spec)
	if err != nil {
		// classified errors (a misconfigured gate is VALIDATION_ERROR) keep their class
		var ee *EngineError
		if errors.As(err, &ee) {
			return GateReport{}, err
		}
		return GateReport{}, NewCodedError(ErrCodeGateInfrastructure,
			fmt.Sprintf("gate %s could not be executed", spec.Name), err).
			WithResource(unitID).WithDetail("gate", spec.Name)
	}
	if err := report.Outcome.Validate(); err != nil {
		return GateReport{}, NewCodedError(ErrCodeGateInfrastructure,
			fmt.Sprintf("gate %s returned an invalid outcome", spec.Name), err).
			WithResource(unitID).WithDetail("gate", spec.Name)
	}
	return report, nil
}

// LatestByKind returns the most recent result for each gate kind.
func (r *GateRunner) LatestByKind(ctx context.Context, unitID string) (map[GateKind]GateResult, error) {
	return latestByKind(ctx, r.store, unitID)
}

// History returns every recorded result for the unit.
func (r *GateRunner) History(ctx context.Context, unitID string) ([]*GateResult, error) {
	return r.store.ListGateResults(ctx, unitID)
}

func latestByKind(ctx context.Context, store GateResultStore, unitID string) (map[GateKind]GateResult, error) {
	all, err := store.ListGateResults(ctx, unitID)
	if err != nil {
		return nil, err
	}
	latest := make(map[GateKind]GateResult)
	for _, res := range all {
		latest[res.Kind] = *res
	}
	return latest, nil
}

// validateGateSpecs checks names, kinds and that depends_on forms a DAG.
func validateGateSpecs(gates []GateSpec) error {
	if len(gates) == 0 {
		return NewCodedError(ErrCodeValidation, "no gates to run", nil)
	}

	units := make([]Unit, 0, len(gates))
	for _, g := range gates {
		if g.Name == "" {
			return NewCodedError(ErrCodeValidation, "gate has empty name", nil)
		}
		if err := g.Kind.Validate(); err != nil {
			return NewCodedError(ErrCodeValidation, err.Error(), nil).WithDetail("gate", g.Name)
		}
		units = append(units, Unit{ID: g.Name, Dependencies: g.DependsOn})
	}

	if _, err := NewDAGBuilder().Build(units); err != nil {
		return NewCodedError(ErrCodeValidation, "invalid gate dependencies", err)
	}
	return nil
}

func skipEvidence(failedDep string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{
		"skipped_because": fmt.Sprintf("dependency %s did not pass", failedDep),
	})
	return b
}

// GateRunOutcome bundles the return values of one RunGates invocation.
type GateRunOutcome struct {
	AllPass bool
	Results []GateResult
}

// RetryOptions configures RunGatesWithRetry.
type RetryOptions struct {
	MaxTries       uint
	MaxElapsedTime time.Duration
	BackOff        backoff.BackOff
}

// RunGatesWithRetry re-invokes RunGates with exponential backoff while it
// fails with an infrastructure error. Every attempt appends its own results,
// so history shows each retry.
func RunGatesWithRetry(ctx context.Context, runner *GateRunner, unitID string, gates []GateSpec, opts RetryOptions) (*GateRunOutcome, error) {
	b := opts.BackOff
	if b == nil {
		b = backoff.NewExponentialBackOff()
	}
	retryOpts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithNotify(func(err error, next time.Duration) {
			runner.logger.Warn().Err(err).Str("unit_id", unitID).Dur("retry_in", next).Msg("Retrying gate run")
		}),
	}
	if opts.MaxTries > 0 {
		retryOpts = append(retryOpts, backoff.WithMaxTries(opts.MaxTries))
	}
	if opts.MaxElapsedTime > 0 {
		retryOpts = append(retryOpts, backoff.WithMaxElapsedTime(opts.MaxElapsedTime))
	}

	return backoff.Retry(ctx, func() (*GateRunOutcome, error) {
		allPass, results, err := runner.RunGates(ctx, unitID, gates)
		if err != nil {
			if IsTransient(err) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return &GateRunOutcome{AllPass: allPass, Results: results}, nil
	}, retryOpts...)
}
