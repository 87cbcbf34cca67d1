package engine_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/epicflow/pkg/engine"
)

func TestLoadPlanLayersAndCriticalPath(t *testing.T) {
	h := newHarness(t, engine.DefaultSchedulerConfig())
	a, b, c := newUnit("A"), newUnit("B", "A"), newUnit("C", "A")
	c.Effort = 5

	report := h.load(t, engine.Plan{Units: []engine.Unit{a, b, c}})
	require.Len(t, report.Layers, 2)
	assert.Equal(t, []string{"A"}, report.Layers[0].Units)
	assert.Equal(t, []string{"B", "C"}, report.Layers[1].Units)
	assert.True(t, report.Layers[1].Concurrent)
	assert.Equal(t, []string{"A", "C"}, report.CriticalPath)
	assert.ElementsMatch(t, []string{"A", "B", "C"}, report.Created)

	assert.Equal(t, engine.StatePlanned, h.state(t, "B"))
	assert.Equal(t, 1, h.unit(t, "B").Layer)
}

func TestLoadPlanRejectsCycleWithoutWriting(t *testing.T) {
	h := newHarness(t, engine.DefaultSchedulerConfig())
	_, err := h.coord.LoadPlan(h.ctx, engine.Plan{Units: []engine.Unit{
		newUnit("A", "C"), newUnit("B", "A"), newUnit("C", "B"),
	}})
	require.ErrorIs(t, err, engine.ErrCycleDetected)
	assert.True(t, strings.Contains(err.Error(), "A -> B -> C -> A"), err.Error())

	units, err := h.store.ListUnits(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, units)
}

func TestReloadPreservesProgress(t *testing.T) {
	h := newHarness(t, engine.DefaultSchedulerConfig())
	a := newUnit("A")
	a.Tasks = []engine.Task{{ID: "t1"}, {ID: "t2"}}
	h.load(t, engine.Plan{Units: []engine.Unit{a}, Workers: []string{"w1"}})
	h.lock(t, "A")
	require.NoError(t, h.coord.Scheduler.RecordProgress(h.ctx, "A", "t1"))

	// the plan gains a task and a renamed title
	a.Name = "renamed"
	a.Tasks = append(a.Tasks, engine.Task{ID: "t3"})
	report := h.load(t, engine.Plan{Units: []engine.Unit{a}, Workers: []string{"w1"}})
	assert.Equal(t, []string{"A"}, report.Updated)

	got := h.unit(t, "A")
	assert.Equal(t, engine.StateImplementing, got.State)
	assert.Equal(t, "renamed", got.Name)
	require.Len(t, got.Tasks, 3)
	assert.True(t, got.Tasks[0].Done)
	assert.False(t, got.Tasks[2].Done)
}

func TestSnapshot(t *testing.T) {
	h := newHarness(t, engine.DefaultSchedulerConfig())
	h.load(t, engine.Plan{
		Units:   []engine.Unit{newUnit("A"), newUnit("B"), newUnit("C", "A")},
		Workers: []string{"w1"},
	})
	h.lock(t, "A", "B")

	snap, err := h.coord.Snapshot(h.ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Units, 3)
	require.Len(t, snap.Slots, 1)
	assert.Equal(t, "A", snap.Slots[0].UnitID)
	assert.Equal(t, map[int][]string{0: {"B"}}, snap.Queues)
	assert.Len(t, snap.Layers, 2)
	assert.False(t, snap.TakenAt.IsZero())
}

func TestGraphRendersDOT(t *testing.T) {
	h := newHarness(t, engine.DefaultSchedulerConfig())
	h.load(t, engine.Plan{Units: []engine.Unit{newUnit("A"), newUnit("B", "A")}})

	graph, builder, err := h.coord.Graph(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, graph.Depth())

	dot := builder.ToDOT()
	assert.Contains(t, dot, "digraph WorkPlan")
	assert.Contains(t, dot, `"A" -> "B"`)
}

func TestLoadPlanRejectsBadGates(t *testing.T) {
	h := newHarness(t, engine.DefaultSchedulerConfig())
	_, err := h.coord.LoadPlan(h.ctx, engine.Plan{
		Units: []engine.Unit{newUnit("A")},
		Gates: []engine.GateSpec{{Name: "ci", Kind: engine.GateCI, DependsOn: []string{"ci"}}},
	})
	assert.ErrorIs(t, err, engine.ErrValidation)
}
