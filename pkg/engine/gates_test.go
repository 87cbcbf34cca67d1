package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/epicflow/pkg/engine"
	"github.com/openfroyo/epicflow/pkg/stores"
)

// barrierExecutor holds every gate until release is closed.
type barrierExecutor struct {
	arrived  chan string
	release  chan struct{}
	outcomes map[string]engine.GateOutcome
}

func (b *barrierExecutor) ExecuteGate(ctx context.Context, _ string, spec engine.GateSpec) (engine.GateReport, error) {
	b.arrived <- spec.Name
	select {
	case <-b.release:
	case <-ctx.Done():
		return engine.GateReport{}, ctx.Err()
	}
	return engine.GateReport{Outcome: b.outcomes[spec.Name]}, nil
}

func runConcurrentPair(t *testing.T, ci, sec engine.GateOutcome) bool {
	t.Helper()

	exec := &barrierExecutor{
		arrived:  make(chan string, 2),
		release:  make(chan struct{}),
		outcomes: map[string]engine.GateOutcome{"ci": ci, "security": sec},
	}
	runner := engine.NewGateRunner(stores.NewMemoryStore(), exec, nil, zerolog.Nop())

	type outcome struct {
		allPass bool
		results []engine.GateResult
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		allPass, results, err := runner.RunGates(context.Background(), "A", defaultGates())
		done <- outcome{allPass, results, err}
	}()

	// both gates must be in flight before either is allowed to finish
	for i := 0; i < 2; i++ {
		select {
		case <-exec.arrived:
		case <-time.After(2 * time.Second):
			t.Fatal("gates did not run concurrently")
		}
	}
	close(exec.release)

	out := <-done
	require.NoError(t, out.err)
	require.Len(t, out.results, 2)
	assert.Equal(t, "ci", out.results[0].Gate)
	assert.Equal(t, "security", out.results[1].Gate)
	return out.allPass
}

func TestRunGatesConcurrentOutcomes(t *testing.T) {
	assert.True(t, runConcurrentPair(t, engine.GatePass, engine.GatePass))
	assert.False(t, runConcurrentPair(t, engine.GatePass, engine.GateFail))
	assert.False(t, runConcurrentPair(t, engine.GateFail, engine.GatePass))
	assert.True(t, runConcurrentPair(t, engine.GatePass, engine.GateSkipped))
}

func TestRunGatesSkipsDependentsOfFailedGate(t *testing.T) {
	store := stores.NewMemoryStore()
	script := newGateScript()
	script.set("build", engine.GateFail)
	runner := engine.NewGateRunner(store, script, nil, zerolog.Nop())

	gates := []engine.GateSpec{
		{Name: "build", Kind: engine.GateCI},
		{Name: "scan", Kind: engine.GateSecurity, DependsOn: []string{"build"}},
		{Name: "contract", Kind: engine.GateContractVerification, DependsOn: []string{"scan"}},
	}
	allPass, results, err := runner.RunGates(context.Background(), "A", gates)
	require.NoError(t, err)
	assert.False(t, allPass)
	require.Len(t, results, 3)

	assert.Equal(t, engine.GateFail, results[0].Outcome)
	assert.Equal(t, engine.GateSkipped, results[1].Outcome)
	assert.Equal(t, engine.GateSkipped, results[2].Outcome)

	var evidence map[string]string
	require.NoError(t, json.Unmarshal(results[1].Evidence, &evidence))
	assert.Equal(t, "dependency build did not pass", evidence["skipped_because"])

	script.mu.Lock()
	assert.Equal(t, []string{"build"}, script.calls)
	script.mu.Unlock()

	history, err := store.ListGateResults(context.Background(), "A")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "build", history[0].Gate, "results are appended as gates finish")
}

func TestRunGatesRejectsInvalidSpecs(t *testing.T) {
	runner := engine.NewGateRunner(stores.NewMemoryStore(), newGateScript(), nil, zerolog.Nop())
	ctx := context.Background()

	tests := []struct {
		name  string
		gates []engine.GateSpec
	}{
		{"empty", nil},
		{"unnamed", []engine.GateSpec{{Kind: engine.GateCI}}},
		{"unknown kind", []engine.GateSpec{{Name: "lint", Kind: engine.GateKind("lint")}}},
		{"unknown dependency", []engine.GateSpec{{Name: "ci", Kind: engine.GateCI, DependsOn: []string{"nope"}}}},
		{"cycle", []engine.GateSpec{
			{Name: "a", Kind: engine.GateCI, DependsOn: []string{"b"}},
			{Name: "b", Kind: engine.GateSecurity, DependsOn: []string{"a"}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := runner.RunGates(ctx, "A", tt.gates)
			assert.ErrorIs(t, err, engine.ErrValidation)
		})
	}
}

func TestRunGatesInvalidOutcomeIsInfrastructure(t *testing.T) {
	exec := engine.GateExecutorFunc(func(context.Context, string, engine.GateSpec) (engine.GateReport, error) {
		return engine.GateReport{Outcome: engine.GateOutcome("maybe")}, nil
	})
	runner := engine.NewGateRunner(stores.NewMemoryStore(), exec, nil, zerolog.Nop())

	_, _, err := runner.RunGates(context.Background(), "A", []engine.GateSpec{{Name: "ci", Kind: engine.GateCI}})
	assert.ErrorIs(t, err, engine.ErrGateInfrastructure)
}

func TestRunGatesKeepsClassifiedExecutorErrors(t *testing.T) {
	exec := engine.GateExecutorFunc(func(context.Context, string, engine.GateSpec) (engine.GateReport, error) {
		return engine.GateReport{}, engine.NewCodedError(engine.ErrCodeValidation, "unknown gate executor", nil)
	})
	runner := engine.NewGateRunner(stores.NewMemoryStore(), exec, nil, zerolog.Nop())

	_, err := engine.RunGatesWithRetry(context.Background(), runner, "A",
		[]engine.GateSpec{{Name: "ci", Kind: engine.GateCI}},
		engine.RetryOptions{MaxTries: 3, BackOff: backoff.NewConstantBackOff(time.Millisecond)})
	require.ErrorIs(t, err, engine.ErrValidation)
	assert.False(t, engine.IsTransient(err))

	history, err := runner.History(context.Background(), "A")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestRunGatesWithRetryStopsOnInternalError(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	exec := engine.GateExecutorFunc(func(context.Context, string, engine.GateSpec) (engine.GateReport, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return engine.GateReport{}, engine.NewCodedError(engine.ErrCodeInternal, "plugin returned invalid response", nil)
	})
	runner := engine.NewGateRunner(stores.NewMemoryStore(), exec, nil, zerolog.Nop())

	_, err := engine.RunGatesWithRetry(context.Background(), runner, "A",
		[]engine.GateSpec{{Name: "ci", Kind: engine.GateCI}},
		engine.RetryOptions{MaxTries: 3, BackOff: backoff.NewConstantBackOff(time.Millisecond)})
	require.Error(t, err)
	assert.Equal(t, engine.ErrCodeInternal, engine.ErrorCode(err))
	assert.False(t, engine.IsTransient(err))
	assert.Equal(t, 1, calls)
}

func TestLatestByKind(t *testing.T) {
	script := newGateScript()
	runner := engine.NewGateRunner(stores.NewMemoryStore(), script, nil, zerolog.Nop())
	ctx := context.Background()

	script.set("ci", engine.GateFail)
	_, _, err := runner.RunGates(ctx, "A", defaultGates())
	require.NoError(t, err)

	script.set("ci", engine.GatePass)
	_, _, err = runner.RunGates(ctx, "A", defaultGates()[:1])
	require.NoError(t, err)

	latest, err := runner.LatestByKind(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, engine.GatePass, latest[engine.GateCI].Outcome)
	assert.Equal(t, engine.GatePass, latest[engine.GateSecurity].Outcome)
	_, ok := latest[engine.GateContractVerification]
	assert.False(t, ok)
}

func TestRunGatesWithRetry(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	exec := engine.GateExecutorFunc(func(_ context.Context, _ string, spec engine.GateSpec) (engine.GateReport, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return engine.GateReport{}, errors.New("connection refused")
		}
		return engine.GateReport{Outcome: engine.GatePass}, nil
	})
	runner := engine.NewGateRunner(stores.NewMemoryStore(), exec, nil, zerolog.Nop())

	out, err := engine.RunGatesWithRetry(context.Background(), runner, "A",
		[]engine.GateSpec{{Name: "ci", Kind: engine.GateCI}},
		engine.RetryOptions{MaxTries: 5, BackOff: backoff.NewConstantBackOff(time.Millisecond)})
	require.NoError(t, err)
	assert.True(t, out.AllPass)
	assert.Equal(t, 3, attempts)

	// validation errors are not retried
	_, err = engine.RunGatesWithRetry(context.Background(), runner, "A", nil,
		engine.RetryOptions{MaxTries: 5, BackOff: backoff.NewConstantBackOff(time.Millisecond)})
	assert.ErrorIs(t, err, engine.ErrValidation)
	assert.Equal(t, 3, attempts)
}
