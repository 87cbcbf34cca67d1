package engine_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/epicflow/pkg/engine"
)

func TestLockingQueuesAndAdmits(t *testing.T) {
	h := newHarness(t, engine.DefaultSchedulerConfig())
	h.load(t, engine.Plan{
		Units:   []engine.Unit{newUnit("A"), newUnit("B")},
		Workers: []string{"w1"},
	})

	h.lock(t, "A")
	a := h.unit(t, "A")
	assert.Equal(t, engine.StateImplementing, a.State)
	assert.Equal(t, "w1", a.Worker)

	h.lock(t, "B")
	assert.Equal(t, engine.StateContractsLocked, h.state(t, "B"))
	assert.Equal(t, []string{"B"}, h.queue(t))

	h.rec.mu.Lock()
	assert.Equal(t, 1, h.rec.busy)
	assert.Equal(t, 1, h.rec.total)
	assert.Equal(t, map[int]int{0: 1}, h.rec.depths)
	h.rec.mu.Unlock()
}

func TestAssignRejectsBusyWorker(t *testing.T) {
	h := newHarness(t, engine.DefaultSchedulerConfig())
	h.load(t, engine.Plan{
		Units:   []engine.Unit{newUnit("A"), newUnit("B")},
		Workers: []string{"w1"},
	})
	h.lock(t, "A", "B")

	err := h.coord.Scheduler.Assign(h.ctx, "B", "w1")
	require.ErrorIs(t, err, engine.ErrWorkerBusy)
	assert.Equal(t, engine.StateContractsLocked, h.state(t, "B"))

	ev := h.lastEvent(t, "B")
	assert.False(t, ev.Accepted)
	assert.Equal(t, engine.GuardWIPAssign, ev.Guard)

	// re-assigning the holder is a no-op
	require.NoError(t, h.coord.Scheduler.Assign(h.ctx, "A", "w1"))
}

func TestAssignIsExclusiveUnderConcurrency(t *testing.T) {
	h := newHarness(t, engine.DefaultSchedulerConfig())

	var units []engine.Unit
	var ids []string
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("U%d", i)
		units = append(units, newUnit(id))
		ids = append(ids, id)
	}
	h.load(t, engine.Plan{Units: units})
	h.lock(t, ids...)
	require.NoError(t, h.coord.Scheduler.EnsureWorkers(h.ctx, []string{"w1"}))

	var wg sync.WaitGroup
	var mu sync.Mutex
	var winners []string
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			err := h.coord.Scheduler.Assign(h.ctx, id, "w1")
			if err == nil {
				mu.Lock()
				winners = append(winners, id)
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, engine.ErrWorkerBusy)
		}(id)
	}
	wg.Wait()

	require.Len(t, winners, 1)

	implementing := 0
	for _, id := range ids {
		if h.state(t, id) == engine.StateImplementing {
			implementing++
		}
	}
	assert.Equal(t, 1, implementing)

	slot, err := h.store.GetSlot(h.ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, winners[0], slot.UnitID)
}

func TestUnitNeverHoldsTwoSlots(t *testing.T) {
	h := newHarness(t, engine.DefaultSchedulerConfig())
	h.load(t, engine.Plan{Units: []engine.Unit{newUnit("A")}})
	h.lock(t, "A")
	require.NoError(t, h.coord.Scheduler.EnsureWorkers(h.ctx, []string{"w1", "w2"}))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, w := range []string{"w1", "w2"} {
		wg.Add(1)
		go func(i int, w string) {
			defer wg.Done()
			errs[i] = h.coord.Scheduler.Assign(h.ctx, "A", w)
		}(i, w)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, engine.ErrUnitNotEligible)
		}
	}
	assert.Equal(t, 1, succeeded)

	slots, err := h.store.ListSlots(h.ctx)
	require.NoError(t, err)
	held := 0
	for _, s := range slots {
		if s.UnitID == "A" {
			held++
		}
	}
	assert.Equal(t, 1, held)
}

func TestAssignRejectsUnverifiedConsumedContract(t *testing.T) {
	h := newHarness(t, engine.DefaultSchedulerConfig())
	api := engine.ContractRef{Name: "billing-api", Version: "v1"}

	consumer := newUnit("C")
	consumer.Consumes = []engine.ContractRef{api}
	h.load(t, engine.Plan{
		Units:     []engine.Unit{consumer},
		Contracts: []engine.Contract{{Ref: api, Schema: []byte(`{"type":"object"}`)}},
	})
	h.lock(t, "C")
	require.NoError(t, h.coord.Scheduler.EnsureWorkers(h.ctx, []string{"w1"}))

	err := h.coord.Scheduler.Assign(h.ctx, "C", "w1")
	require.ErrorIs(t, err, engine.ErrUnitNotEligible)
	assert.Contains(t, err.Error(), "contract billing-api@v1 not verified (state=draft)")
	assert.Equal(t, engine.StateContractsLocked, h.state(t, "C"))

	require.NoError(t, h.coord.Contracts.RequestLock(h.ctx, api))
	require.NoError(t, h.coord.Contracts.Verify(h.ctx, api, engine.Evidence{Payload: []byte("consumer tests green")}))

	require.NoError(t, h.coord.Scheduler.Assign(h.ctx, "C", "w1"))
	assert.Equal(t, engine.StateImplementing, h.state(t, "C"))
	assert.Empty(t, h.queue(t))
}

func TestAssignRequiresIntegratedDependencies(t *testing.T) {
	h := newHarness(t, engine.DefaultSchedulerConfig())
	h.load(t, engine.Plan{Units: []engine.Unit{newUnit("A"), newUnit("B", "A")}})
	h.lock(t, "A", "B")
	require.NoError(t, h.coord.Scheduler.EnsureWorkers(h.ctx, []string{"w1", "w2"}))

	err := h.coord.Scheduler.Assign(h.ctx, "B", "w2")
	require.ErrorIs(t, err, engine.ErrUnitNotEligible)
	assert.Contains(t, err.Error(), "dependency A is contracts_locked")

	require.NoError(t, h.coord.Scheduler.Assign(h.ctx, "A", "w1"))
	h.integrate(t, "A")

	// integrating A freed w1 and the admission pass picked up B
	b := h.unit(t, "B")
	assert.Equal(t, engine.StateImplementing, b.State)
	assert.Equal(t, "w1", b.Worker)
}

func TestIdleTimeoutParksAndAdmitsNext(t *testing.T) {
	h := newHarness(t, engine.SchedulerConfig{IdleTimeout: time.Hour})
	h.load(t, engine.Plan{
		Units:   []engine.Unit{newUnit("A"), newUnit("B")},
		Workers: []string{"w1"},
	})
	h.lock(t, "A", "B")
	require.Equal(t, engine.StateImplementing, h.state(t, "A"))

	// not idle long enough
	parked, err := h.coord.Scheduler.ReapIdle(h.ctx, time.Now().Add(30*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, parked)

	parked, err = h.coord.Scheduler.ReapIdle(h.ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, parked)

	a := h.unit(t, "A")
	assert.Equal(t, engine.StateParked, a.State)
	require.NotNil(t, a.Park)
	assert.Equal(t, engine.ParkIdleTimeout, a.Park.Reason)
	assert.Equal(t, "w1", a.Park.Worker)
	assert.Empty(t, a.Worker)

	ev := h.lastEvent(t, "A")
	assert.True(t, ev.Accepted)
	assert.Equal(t, engine.AutoParkReason, ev.Reason)

	b := h.unit(t, "B")
	assert.Equal(t, engine.StateImplementing, b.State)
	assert.Equal(t, "w1", b.Worker)
	assert.Equal(t, 1, h.rec.autoParkCount())
}

func TestProgressResetsIdleClock(t *testing.T) {
	h := newHarness(t, engine.SchedulerConfig{IdleTimeout: time.Hour})
	a := newUnit("A")
	a.Tasks = []engine.Task{{ID: "t1"}, {ID: "t2"}}
	h.load(t, engine.Plan{Units: []engine.Unit{a}, Workers: []string{"w1"}})
	h.lock(t, "A")

	before := h.unit(t, "A").LastProgressAt
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, h.coord.Scheduler.RecordProgress(h.ctx, "A", "t1"))

	after := h.unit(t, "A")
	assert.True(t, after.LastProgressAt.After(before))
	assert.True(t, after.Tasks[0].Done)
	assert.False(t, after.Tasks[1].Done)

	err := h.coord.Scheduler.RecordProgress(h.ctx, "A", "nope")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestRecordProgressRequiresImplementing(t *testing.T) {
	h := newHarness(t, engine.DefaultSchedulerConfig())
	a := newUnit("A")
	a.Tasks = []engine.Task{{ID: "t1"}}
	h.load(t, engine.Plan{Units: []engine.Unit{a}})

	err := h.coord.Scheduler.RecordProgress(h.ctx, "A", "t1")
	assert.ErrorIs(t, err, engine.ErrValidation)
}

func TestParkIsIdempotent(t *testing.T) {
	h := newHarness(t, engine.DefaultSchedulerConfig())
	h.load(t, engine.Plan{Units: []engine.Unit{newUnit("A")}, Workers: []string{"w1"}})
	h.lock(t, "A")

	first, err := h.coord.Scheduler.Park(h.ctx, "A", engine.ParkExternalBlocker, "waiting on vendor")
	require.NoError(t, err)
	second, err := h.coord.Scheduler.Park(h.ctx, "A", engine.ParkManual, "again")
	require.NoError(t, err)

	assert.Equal(t, first.ParkedAt, second.ParkedAt)
	assert.Equal(t, engine.ParkExternalBlocker, second.Reason)

	events, err := h.store.ListEvents(h.ctx, "A", 0)
	require.NoError(t, err)
	parks := 0
	for _, ev := range events {
		if ev.To == engine.StateParked {
			parks++
		}
	}
	assert.Equal(t, 1, parks)

	slot, err := h.store.GetSlot(h.ctx, "w1")
	require.NoError(t, err)
	assert.True(t, slot.Free())
}

func TestParkRequiresImplementing(t *testing.T) {
	h := newHarness(t, engine.DefaultSchedulerConfig())
	h.load(t, engine.Plan{Units: []engine.Unit{newUnit("A")}})

	_, err := h.coord.Scheduler.Park(h.ctx, "A", engine.ParkManual, "")
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)

	_, err = h.coord.Scheduler.Park(h.ctx, "A", engine.ParkReason("bored"), "")
	assert.ErrorIs(t, err, engine.ErrValidation)
}

func TestResumeRequiresEvidence(t *testing.T) {
	h := newHarness(t, engine.DefaultSchedulerConfig())
	h.load(t, engine.Plan{Units: []engine.Unit{newUnit("A")}, Workers: []string{"w1"}})
	h.lock(t, "A")
	_, err := h.coord.Scheduler.Park(h.ctx, "A", engine.ParkExternalBlocker, "")
	require.NoError(t, err)

	err = h.coord.Scheduler.Resume(h.ctx, "A", engine.ResumeEvidence{})
	require.ErrorIs(t, err, engine.ErrStillBlocked)
	assert.Equal(t, engine.StateParked, h.state(t, "A"))
	assert.False(t, h.lastEvent(t, "A").Accepted)

	require.NoError(t, h.coord.Scheduler.Resume(h.ctx, "A", engine.ResumeEvidence{Note: "vendor shipped fix"}))

	// resumed units re-enter the queue; w1 is free so it is admitted again
	a := h.unit(t, "A")
	assert.Equal(t, engine.StateImplementing, a.State)
	assert.Nil(t, a.Park)

	err = h.coord.Scheduler.Resume(h.ctx, "A", engine.ResumeEvidence{Note: "again"})
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)
}

func TestResumedUnitGoesToBackOfLayer(t *testing.T) {
	h := newHarness(t, engine.DefaultSchedulerConfig())
	h.load(t, engine.Plan{
		Units:   []engine.Unit{newUnit("A"), newUnit("B"), newUnit("C")},
		Workers: []string{"w1"},
	})
	h.lock(t, "A", "B", "C")
	assert.Equal(t, []string{"B", "C"}, h.queue(t))

	_, err := h.coord.Scheduler.Park(h.ctx, "A", engine.ParkManual, "")
	require.NoError(t, err)
	assert.Equal(t, engine.StateImplementing, h.state(t, "B"))
	assert.Equal(t, []string{"C"}, h.queue(t))

	require.NoError(t, h.coord.Scheduler.Resume(h.ctx, "A", engine.ResumeEvidence{Note: "unblocked"}))
	assert.Equal(t, []string{"C", "A"}, h.queue(t))
}

func TestAdmissionOrdersLayersFirst(t *testing.T) {
	h := newHarness(t, engine.DefaultSchedulerConfig())
	h.load(t, engine.Plan{Units: []engine.Unit{
		newUnit("root"),
		newUnit("late", "root"),
		newUnit("other"),
	}})
	h.lock(t, "root", "late", "other")
	assert.Equal(t, []string{"root", "other", "late"}, h.queue(t))

	require.NoError(t, h.coord.Scheduler.EnsureWorkers(h.ctx, []string{"w1", "w2", "w3"}))
	assigned, err := h.coord.Scheduler.Admit(h.ctx)
	require.NoError(t, err)

	// late is skipped, not dropped, because root is not integrated
	assert.Equal(t, map[string]string{"root": "w1", "other": "w2"}, assigned)
	assert.Equal(t, []string{"late"}, h.queue(t))
}

func TestSubmitRequiresContractsLocked(t *testing.T) {
	h := newHarness(t, engine.DefaultSchedulerConfig())
	h.load(t, engine.Plan{Units: []engine.Unit{newUnit("A")}})

	_, err := h.coord.Scheduler.Submit(h.ctx, "A")
	assert.ErrorIs(t, err, engine.ErrUnitNotEligible)
}

func TestReconcileRepairsStaleState(t *testing.T) {
	h := newHarness(t, engine.DefaultSchedulerConfig())
	h.load(t, engine.Plan{Units: []engine.Unit{newUnit("A")}})
	h.lock(t, "A")

	// simulate a crash that left the slot claimed and the queue row gone
	require.NoError(t, h.store.Dequeue(h.ctx, "A"))
	require.NoError(t, h.store.EnsureSlot(h.ctx, "w1"))
	slot, err := h.store.GetSlot(h.ctx, "w1")
	require.NoError(t, err)
	_, err = h.store.ClaimSlot(h.ctx, "w1", "A", slot.Revision, time.Now())
	require.NoError(t, err)

	report, err := h.coord.Reconcile(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"w1"}, report.ReleasedSlots)
	assert.Equal(t, []string{"A"}, report.Requeued)
	assert.Equal(t, map[string]string{"A": "w1"}, report.Assigned)

	a := h.unit(t, "A")
	assert.Equal(t, engine.StateImplementing, a.State)
	assert.Equal(t, "w1", a.Worker)
}
