package engine_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/epicflow/pkg/engine"
)

func TestAllowedTransitions(t *testing.T) {
	tests := []struct {
		from engine.LifecycleState
		want []engine.LifecycleState
	}{
		{engine.StatePlanned, []engine.LifecycleState{engine.StateContractsLocked}},
		{engine.StateContractsLocked, []engine.LifecycleState{engine.StateImplementing}},
		{engine.StateImplementing, []engine.LifecycleState{engine.StateParked, engine.StateReview}},
		{engine.StateParked, []engine.LifecycleState{engine.StateContractsLocked}},
		{engine.StateReview, []engine.LifecycleState{engine.StateIntegrated}},
		{engine.StateIntegrated, []engine.LifecycleState{engine.StateReleased}},
		{engine.StateReleased, nil},
	}

	for _, tt := range tests {
		t.Run(string(tt.from), func(t *testing.T) {
			assert.Equal(t, tt.want, engine.AllowedTransitions(tt.from))
		})
	}
}

func TestTransitionOutsideTableIsRejected(t *testing.T) {
	h := newHarness(t, engine.DefaultSchedulerConfig())
	h.load(t, engine.Plan{Units: []engine.Unit{newUnit("A")}})

	_, err := h.transition("A", engine.StateReview)
	require.ErrorIs(t, err, engine.ErrInvalidTransition)
	assert.Equal(t, engine.StatePlanned, h.state(t, "A"))

	ev := h.lastEvent(t, "A")
	assert.False(t, ev.Accepted)
	assert.Equal(t, engine.GuardTransitionTable, ev.Guard)
	assert.Equal(t, "no transition from planned to review", ev.Reason)

	_, err = h.transition("A", engine.LifecycleState("shipped"))
	assert.ErrorIs(t, err, engine.ErrValidation)
}

func TestFullLifecycleAndReleasedIsTerminal(t *testing.T) {
	h := newHarness(t, engine.DefaultSchedulerConfig())
	h.load(t, engine.Plan{Units: []engine.Unit{newUnit("A")}, Workers: []string{"w1"}})

	h.lock(t, "A")
	h.integrate(t, "A")
	assert.Equal(t, engine.StateIntegrated, h.state(t, "A"))

	_, err := h.transition("A", engine.StateReleased)
	require.ErrorIs(t, err, engine.ErrGuardFailed)

	released, err := h.coord.Machine.Transition(h.ctx, engine.TransitionRequest{
		UnitID:   "A",
		To:       engine.StateReleased,
		Evidence: []byte(`{"deploy":"prod-42"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, engine.StateReleased, released.State)
	assert.JSONEq(t, `{"deploy":"prod-42"}`, string(released.ReleaseConfirmation))

	for _, to := range engine.AllLifecycleStates {
		_, err := h.transition("A", to)
		require.ErrorIs(t, err, engine.ErrInvalidTransition, "released -> %s", to)
	}
	assert.Equal(t, "released is terminal", h.lastEvent(t, "A").Reason)

	// every accepted step is in the log, in order
	events, err := h.store.ListEvents(h.ctx, "A", 0)
	require.NoError(t, err)
	var path []engine.LifecycleState
	for _, ev := range events {
		if ev.Accepted {
			path = append(path, ev.To)
		}
	}
	assert.Equal(t, []engine.LifecycleState{
		engine.StateContractsLocked,
		engine.StateImplementing,
		engine.StateReview,
		engine.StateIntegrated,
		engine.StateReleased,
	}, path)
}

func TestLockingRequiresProducedContractsLocked(t *testing.T) {
	h := newHarness(t, engine.DefaultSchedulerConfig())
	api := engine.ContractRef{Name: "search-api", Version: "v3"}
	producer := newUnit("P")
	producer.Produces = []engine.ContractRef{api}
	h.load(t, engine.Plan{
		Units:     []engine.Unit{producer},
		Contracts: []engine.Contract{{Ref: api, Producer: "P", Schema: []byte("openapi: 3.1.0")}},
	})

	_, err := h.transition("P", engine.StateContractsLocked)
	require.ErrorIs(t, err, engine.ErrGuardFailed)
	assert.Contains(t, err.Error(), "contract search-api@v3 not locked (state=draft)")
	assert.Equal(t, engine.StatePlanned, h.state(t, "P"))

	_, err = h.coord.LockContract(h.ctx, api)
	require.NoError(t, err)
	h.lock(t, "P")
	assert.Equal(t, engine.StateContractsLocked, h.state(t, "P"))
}

func TestReviewRequiresTasksComplete(t *testing.T) {
	h := newHarness(t, engine.DefaultSchedulerConfig())
	a := newUnit("A")
	a.Tasks = []engine.Task{{ID: "t1"}, {ID: "t2"}}
	h.load(t, engine.Plan{Units: []engine.Unit{a}, Workers: []string{"w1"}})
	h.lock(t, "A")

	_, err := h.transition("A", engine.StateReview)
	require.ErrorIs(t, err, engine.ErrGuardFailed)
	assert.Contains(t, err.Error(), "tasks not complete: t1, t2")

	require.NoError(t, h.coord.Scheduler.RecordProgress(h.ctx, "A", "t1"))
	require.NoError(t, h.coord.Scheduler.RecordProgress(h.ctx, "A", "t2"))

	reviewed, err := h.transition("A", engine.StateReview)
	require.NoError(t, err)
	assert.Equal(t, engine.StateReview, reviewed.State)
	assert.Empty(t, reviewed.Worker)

	slot, err := h.store.GetSlot(h.ctx, "w1")
	require.NoError(t, err)
	assert.True(t, slot.Free())
}

func TestAssignThroughTransition(t *testing.T) {
	h := newHarness(t, engine.DefaultSchedulerConfig())
	h.load(t, engine.Plan{Units: []engine.Unit{newUnit("A"), newUnit("B")}})
	h.lock(t, "A", "B")
	require.NoError(t, h.coord.Scheduler.EnsureWorkers(h.ctx, []string{"w1"}))

	_, err := h.transition("A", engine.StateImplementing)
	require.ErrorIs(t, err, engine.ErrValidation, "worker is required")

	u, err := h.coord.Machine.Transition(h.ctx, engine.TransitionRequest{UnitID: "A", To: engine.StateImplementing, Worker: "w1"})
	require.NoError(t, err)
	assert.Equal(t, "w1", u.Worker)

	_, err = h.coord.Machine.Transition(h.ctx, engine.TransitionRequest{UnitID: "B", To: engine.StateImplementing, Worker: "w1"})
	require.ErrorIs(t, err, engine.ErrGuardFailed)
	assert.ErrorIs(t, err, engine.ErrWorkerBusy)
}

func TestParkAndResumeThroughTransition(t *testing.T) {
	h := newHarness(t, engine.DefaultSchedulerConfig())
	h.load(t, engine.Plan{Units: []engine.Unit{newUnit("A")}, Workers: []string{"w1"}})
	h.lock(t, "A")

	parked, err := h.transition("A", engine.StateParked)
	require.NoError(t, err)
	require.NotNil(t, parked.Park)
	assert.Equal(t, engine.ParkManual, parked.Park.Reason)

	_, err = h.transition("A", engine.StateContractsLocked)
	require.ErrorIs(t, err, engine.ErrGuardFailed)
	assert.ErrorIs(t, err, engine.ErrStillBlocked)

	_, err = h.coord.Machine.Transition(h.ctx, engine.TransitionRequest{
		UnitID:   "A",
		To:       engine.StateContractsLocked,
		Evidence: []byte("ticket OPS-12 closed"),
	})
	require.NoError(t, err)
	assert.Equal(t, engine.StateImplementing, h.state(t, "A"))
}

func TestParkingParkedUnitIsNoop(t *testing.T) {
	h := newHarness(t, engine.DefaultSchedulerConfig())
	h.load(t, engine.Plan{Units: []engine.Unit{newUnit("A")}, Workers: []string{"w1"}})
	h.lock(t, "A")

	first, err := h.coord.Machine.Transition(h.ctx, engine.TransitionRequest{
		UnitID: "A", To: engine.StateParked, ParkReason: engine.ParkManual, Reason: "waiting on vendor", Actor: "test",
	})
	require.NoError(t, err)
	before := h.lastEvent(t, "A")

	again, err := h.coord.Machine.Transition(h.ctx, engine.TransitionRequest{
		UnitID: "A", To: engine.StateParked, Reason: "still waiting", Actor: "test",
	})
	require.NoError(t, err)
	assert.Equal(t, engine.StateParked, again.State)
	require.NotNil(t, again.Park)
	assert.Equal(t, "waiting on vendor", again.Park.Detail)
	assert.Equal(t, first.Park.ParkedAt, again.Park.ParkedAt)
	assert.Equal(t, before.Seq, h.lastEvent(t, "A").Seq)
}

func TestResumeThroughTransitionKeepsReason(t *testing.T) {
	h := newHarness(t, engine.DefaultSchedulerConfig())
	h.load(t, engine.Plan{Units: []engine.Unit{newUnit("A")}, Workers: []string{"w1"}})
	h.lock(t, "A")
	_, err := h.transition("A", engine.StateParked)
	require.NoError(t, err)

	_, err = h.coord.Machine.Transition(h.ctx, engine.TransitionRequest{
		UnitID: "A", To: engine.StateContractsLocked, Reason: "vendor fixed the API", Actor: "test",
	})
	require.NoError(t, err)

	events, err := h.store.ListEvents(h.ctx, "A", 0)
	require.NoError(t, err)
	var resumed *engine.TransitionEvent
	for _, e := range events {
		if e.Accepted && e.From == engine.StateParked && e.To == engine.StateContractsLocked {
			resumed = e
		}
	}
	require.NotNil(t, resumed)
	assert.Equal(t, "vendor fixed the API", resumed.Reason)
}

func TestIntegrationGuard(t *testing.T) {
	setup := func(t *testing.T) *harness {
		h := newHarness(t, engine.DefaultSchedulerConfig())
		h.load(t, engine.Plan{Units: []engine.Unit{newUnit("A")}, Workers: []string{"w1"}})
		h.lock(t, "A")
		_, err := h.transition("A", engine.StateReview)
		require.NoError(t, err)
		return h
	}

	t.Run("failing gate blocks", func(t *testing.T) {
		h := setup(t)
		h.gates.set("security", engine.GateFail)

		_, err := h.transition("A", engine.StateIntegrated)
		require.ErrorIs(t, err, engine.ErrGuardFailed)
		assert.Contains(t, err.Error(), "gates failed: security")
		assert.Equal(t, engine.StateReview, h.state(t, "A"))

		// a later passing run unblocks
		h.gates.set("security", engine.GatePass)
		_, err = h.transition("A", engine.StateIntegrated)
		require.NoError(t, err)

		history, err := h.coord.Gates.History(h.ctx, "A")
		require.NoError(t, err)
		assert.Len(t, history, 4)
	})

	t.Run("gate set must cover ci and security", func(t *testing.T) {
		h := setup(t)
		_, err := h.coord.Machine.Transition(h.ctx, engine.TransitionRequest{
			UnitID: "A",
			To:     engine.StateIntegrated,
			Gates:  []engine.GateSpec{{Name: "ci", Kind: engine.GateCI}},
		})
		require.ErrorIs(t, err, engine.ErrGuardFailed)
		assert.Contains(t, err.Error(), "must include ci and security")
	})

	t.Run("infrastructure failure leaves unit in review", func(t *testing.T) {
		h := setup(t)
		h.gates.fail("ci", errors.New("runner unreachable"))

		_, err := h.transition("A", engine.StateIntegrated)
		require.ErrorIs(t, err, engine.ErrGateInfrastructure)
		assert.True(t, engine.IsTransient(err))
		assert.Equal(t, engine.StateReview, h.state(t, "A"))
	})
}

func TestPublisherSeesAcceptedAndRejected(t *testing.T) {
	h := newHarness(t, engine.DefaultSchedulerConfig())
	h.load(t, engine.Plan{Units: []engine.Unit{newUnit("A")}})

	_, _ = h.transition("A", engine.StateReleased)
	h.lock(t, "A")

	h.pub.mu.Lock()
	defer h.pub.mu.Unlock()
	assert.Equal(t, []string{
		"A planned->released false",
		"A planned->contracts_locked true",
	}, h.pub.events)
}
