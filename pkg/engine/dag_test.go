package engine

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func unitsOf(specs ...string) []Unit {
	// each spec is "id:dep1,dep2"
	units := make([]Unit, 0, len(specs))
	for _, s := range specs {
		id, deps, _ := strings.Cut(s, ":")
		u := Unit{ID: id, Effort: 1}
		if deps != "" {
			u.Dependencies = strings.Split(deps, ",")
		}
		units = append(units, u)
	}
	return units
}

func layerIDs(layers []ExecutionLayer) [][]string {
	out := make([][]string, len(layers))
	for i, l := range layers {
		out[i] = l.Units
	}
	return out
}

func TestBuildLayers_Empty(t *testing.T) {
	_, _, err := BuildLayers(nil)
	if err == nil {
		t.Fatal("Expected error for empty work plan")
	}
	if !errors.Is(err, ErrValidation) {
		t.Errorf("Expected VALIDATION_ERROR, got: %v", err)
	}
}

func TestBuildLayers_SingleUnit(t *testing.T) {
	layers, path, err := BuildLayers(unitsOf("A"))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(layers) != 1 || layers[0].Concurrent {
		t.Fatalf("Expected one non-concurrent layer, got %+v", layers)
	}
	if !reflect.DeepEqual(path, []string{"A"}) {
		t.Errorf("Expected critical path [A], got %v", path)
	}
}

func TestBuildLayers_TwoLayerFanOut(t *testing.T) {
	layers, _, err := BuildLayers(unitsOf("C:A", "B:A", "A"))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	want := [][]string{{"A"}, {"B", "C"}}
	if got := layerIDs(layers); !reflect.DeepEqual(got, want) {
		t.Fatalf("Expected layers %v, got %v", want, got)
	}
	if !layers[1].Concurrent {
		t.Error("Expected second layer to be concurrent")
	}
}

func TestBuildLayers_Diamond(t *testing.T) {
	layers, _, err := BuildLayers(unitsOf("A", "B:A", "C:A", "D:B,C"))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	want := [][]string{{"A"}, {"B", "C"}, {"D"}}
	if got := layerIDs(layers); !reflect.DeepEqual(got, want) {
		t.Fatalf("Expected layers %v, got %v", want, got)
	}
}

func TestBuildLayers_DependenciesInEarlierLayers(t *testing.T) {
	units := unitsOf("A", "B:A", "C:B", "D:A", "E:C,D", "F")
	layers, _, err := BuildLayers(units)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	layerOf := make(map[string]int)
	for _, l := range layers {
		for _, id := range l.Units {
			layerOf[id] = l.Index
		}
	}
	for _, u := range units {
		for _, dep := range u.Dependencies {
			if layerOf[dep] >= layerOf[u.ID] {
				t.Errorf("Dependency %s (layer %d) not before %s (layer %d)",
					dep, layerOf[dep], u.ID, layerOf[u.ID])
			}
		}
	}
}

func TestBuildLayers_CycleDetected(t *testing.T) {
	_, _, err := BuildLayers(unitsOf("A:C", "B:A", "C:B", "D"))
	if err == nil {
		t.Fatal("Expected cycle error")
	}
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("Expected CYCLE_DETECTED, got: %v", err)
	}

	var engErr *EngineError
	if !errors.As(err, &engErr) {
		t.Fatalf("Expected EngineError, got %T", err)
	}
	nodes, _ := engErr.Details["nodes"].([]string)
	if !reflect.DeepEqual(nodes, []string{"A", "B", "C"}) {
		t.Errorf("Expected offending nodes [A B C], got %v", nodes)
	}
	if !strings.Contains(err.Error(), "A -> B -> C -> A") {
		t.Errorf("Expected cycle path in message, got: %v", err)
	}
}

func TestBuildLayers_SelfCycle(t *testing.T) {
	_, _, err := BuildLayers(unitsOf("A:A"))
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("Expected CYCLE_DETECTED, got: %v", err)
	}
}

func TestBuildLayers_UnknownDependency(t *testing.T) {
	_, _, err := BuildLayers(unitsOf("A:Z"))
	if !errors.Is(err, ErrUnknownDependency) {
		t.Fatalf("Expected UNKNOWN_DEPENDENCY, got: %v", err)
	}
}

func TestBuildLayers_DuplicateID(t *testing.T) {
	_, _, err := BuildLayers(unitsOf("A", "A"))
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("Expected VALIDATION_ERROR, got: %v", err)
	}
}

func TestBuildLayers_CriticalPath(t *testing.T) {
	units := []Unit{
		{ID: "A", Effort: 2},
		{ID: "B", Effort: 5, Dependencies: []string{"A"}},
		{ID: "C", Effort: 1, Dependencies: []string{"A"}},
		{ID: "D", Effort: 1, Dependencies: []string{"B", "C"}},
		{ID: "E", Effort: 3},
	}

	graph, err := NewDAGBuilder().Build(units)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !reflect.DeepEqual(graph.CriticalPath, []string{"A", "B", "D"}) {
		t.Errorf("Expected critical path [A B D], got %v", graph.CriticalPath)
	}
	if graph.CriticalEffort != 8 {
		t.Errorf("Expected critical effort 8, got %v", graph.CriticalEffort)
	}
}

func TestBuildLayers_CriticalPathTieBreak(t *testing.T) {
	// two equal chains, lowest ID wins at the end and at each predecessor
	units := []Unit{
		{ID: "B1", Effort: 1},
		{ID: "A1", Effort: 1},
		{ID: "Z", Effort: 1, Dependencies: []string{"B1", "A1"}},
		{ID: "ZZ", Effort: 2},
	}

	_, path, err := BuildLayers(units)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !reflect.DeepEqual(path, []string{"A1", "Z"}) {
		t.Errorf("Expected [A1 Z], got %v", path)
	}
}

func TestBuildLayers_Deterministic(t *testing.T) {
	first, p1, err := BuildLayers(unitsOf("D:B,C", "C:A", "B:A", "A", "E"))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, p2, err := BuildLayers(unitsOf("A", "E", "B:A", "C:A", "D:C,B"))
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if !reflect.DeepEqual(first, again) || !reflect.DeepEqual(p1, p2) {
			t.Fatalf("Non-deterministic output: %v vs %v", first, again)
		}
	}
}

func TestDAGBuilder_ToDOT(t *testing.T) {
	builder := NewDAGBuilder()
	if _, err := builder.Build(unitsOf("A", "B:A")); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	dot := builder.ToDOT()
	for _, want := range []string{"digraph WorkPlan", "cluster_layer_0", `"A" -> "B"`, "color=red"} {
		if !strings.Contains(dot, want) {
			t.Errorf("Expected DOT output to contain %q\n%s", want, dot)
		}
	}
}
