package engine_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/epicflow/pkg/engine"
	"github.com/openfroyo/epicflow/pkg/stores"
)

// recorder captures measurements reported by the engine.
type recorder struct {
	mu          sync.Mutex
	transitions []string
	gates       []string
	autoParks   int
	busy, total int
	depths      map[int]int
}

func (r *recorder) RecordTransition(from, to string, accepted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, fmt.Sprintf("%s->%s:%v", from, to, accepted))
}

func (r *recorder) RecordGateOutcome(kind, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gates = append(r.gates, kind+":"+outcome)
}

func (r *recorder) RecordSlotOccupancy(busy, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.busy, r.total = busy, total
}

func (r *recorder) RecordQueueDepths(depths map[int]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.depths = depths
}

func (r *recorder) RecordAutoPark() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.autoParks++
}

func (r *recorder) autoParkCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.autoParks
}

// publisher captures published transitions.
type publisher struct {
	mu     sync.Mutex
	events []string
}

func (p *publisher) PublishTransition(_ context.Context, unitID, _, _, trigger string, accepted bool, _ string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, fmt.Sprintf("%s %s %v", unitID, trigger, accepted))
}

// gateScript returns scripted outcomes per gate name. Gates without an entry pass.
type gateScript struct {
	mu       sync.Mutex
	outcomes map[string]engine.GateOutcome
	errs     map[string]error
	calls    []string
}

func newGateScript() *gateScript {
	return &gateScript{
		outcomes: make(map[string]engine.GateOutcome),
		errs:     make(map[string]error),
	}
}

func (g *gateScript) set(name string, outcome engine.GateOutcome) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.outcomes[name] = outcome
}

func (g *gateScript) fail(name string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.errs[name] = err
}

func (g *gateScript) ExecuteGate(_ context.Context, unitID string, spec engine.GateSpec) (engine.GateReport, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, spec.Name)
	if err := g.errs[spec.Name]; err != nil {
		return engine.GateReport{}, err
	}
	outcome, ok := g.outcomes[spec.Name]
	if !ok {
		outcome = engine.GatePass
	}
	return engine.GateReport{Outcome: outcome, Evidence: []byte(fmt.Sprintf(`{"unit":%q}`, unitID))}, nil
}

type harness struct {
	ctx   context.Context
	store *stores.MemoryStore
	coord *engine.Coordinator
	gates *gateScript
	rec   *recorder
	pub   *publisher
}

func newHarness(t *testing.T, cfg engine.SchedulerConfig) *harness {
	t.Helper()

	h := &harness{
		ctx:   context.Background(),
		store: stores.NewMemoryStore(),
		gates: newGateScript(),
		rec:   &recorder{},
		pub:   &publisher{},
	}
	h.coord = engine.NewCoordinator(h.store, h.gates, engine.CoordinatorOptions{
		Logger:    zerolog.Nop(),
		Recorder:  h.rec,
		Publisher: h.pub,
		Scheduler: cfg,
	})
	return h
}

func defaultGates() []engine.GateSpec {
	return []engine.GateSpec{
		{Name: "ci", Kind: engine.GateCI},
		{Name: "security", Kind: engine.GateSecurity},
	}
}

func newUnit(id string, deps ...string) engine.Unit {
	return engine.Unit{ID: id, Name: "unit " + id, Effort: 1, Dependencies: deps}
}

func (h *harness) load(t *testing.T, plan engine.Plan) *engine.LoadReport {
	t.Helper()
	if plan.Gates == nil {
		plan.Gates = defaultGates()
	}
	report, err := h.coord.LoadPlan(h.ctx, plan)
	require.NoError(t, err)
	return report
}

func (h *harness) transition(id string, to engine.LifecycleState) (*engine.Unit, error) {
	return h.coord.Machine.Transition(h.ctx, engine.TransitionRequest{UnitID: id, To: to, Actor: "test"})
}

// lock moves a Planned unit to ContractsLocked, which also queues it.
func (h *harness) lock(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := h.transition(id, engine.StateContractsLocked)
		require.NoError(t, err, "lock %s", id)
	}
}

func (h *harness) unit(t *testing.T, id string) *engine.Unit {
	t.Helper()
	u, err := h.store.GetUnit(h.ctx, id)
	require.NoError(t, err)
	return u
}

func (h *harness) state(t *testing.T, id string) engine.LifecycleState {
	t.Helper()
	return h.unit(t, id).State
}

func (h *harness) queue(t *testing.T) []string {
	t.Helper()
	ids, err := h.coord.Scheduler.ListQueue(h.ctx)
	require.NoError(t, err)
	return ids
}

func (h *harness) lastEvent(t *testing.T, id string) *engine.TransitionEvent {
	t.Helper()
	events, err := h.store.ListEvents(h.ctx, id, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	return events[0]
}

// integrate drives an Implementing unit with no tasks through Review and
// Integrated using passing default gates.
func (h *harness) integrate(t *testing.T, id string) {
	t.Helper()
	_, err := h.transition(id, engine.StateReview)
	require.NoError(t, err)
	_, err = h.transition(id, engine.StateIntegrated)
	require.NoError(t, err)
}
