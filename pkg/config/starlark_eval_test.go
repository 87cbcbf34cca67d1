package config

import (
	"context"
	"reflect"
	"testing"
	"time"
)

func TestStarlarkEvaluator_GateDecisions(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	ctx := context.Background()

	securityScript := `
_relevant = [f for f in changed_files if f.endswith(".go") or f.startswith("deploy/")]
outcome = "skipped" if len(_relevant) == 0 else "pass"
`

	tests := []struct {
		name    string
		script  string
		input   map[string]interface{}
		want    map[string]interface{}
		wantErr bool
	}{
		{
			name:   "security gate skipped for docs-only change",
			script: securityScript,
			input:  map[string]interface{}{"changed_files": []string{"docs/README.md"}},
			want:   map[string]interface{}{"outcome": "skipped"},
		},
		{
			name:   "security gate runs for source change",
			script: securityScript,
			input:  map[string]interface{}{"changed_files": []string{"docs/README.md", "pkg/api/server.go"}},
			want:   map[string]interface{}{"outcome": "pass"},
		},
		{
			name: "open tasks fail the gate",
			script: `
open_tasks = [t["id"] for t in unit["tasks"] if not t["done"]]
outcome = "fail" if open_tasks else "pass"
`,
			input: map[string]interface{}{
				"unit": map[string]interface{}{
					"id": "billing-api",
					"tasks": []interface{}{
						map[string]interface{}{"id": "schema", "done": true},
						map[string]interface{}{"id": "handlers", "done": false},
					},
				},
			},
			want: map[string]interface{}{
				"open_tasks": []interface{}{"handlers"},
				"outcome":    "fail",
			},
		},
		{
			name:   "struct evidence becomes a map",
			script: `evidence = struct(unit = unit_id, checked = 3)`,
			input:  map[string]interface{}{"unit_id": "billing-api"},
			want: map[string]interface{}{
				"evidence": map[string]interface{}{"unit": "billing-api", "checked": int64(3)},
			},
		},
		{
			name:   "tuples become lists",
			script: `layers = (1, 2.5, None)`,
			want:   map[string]interface{}{"layers": []interface{}{int64(1), 2.5, nil}},
		},
		{
			name:   "string maps are readable",
			script: `owner = labels["team"]`,
			input:  map[string]interface{}{"labels": map[string]string{"team": "core"}},
			want:   map[string]interface{}{"owner": "core"},
		},
		{
			name:    "syntax error",
			script:  `outcome = = "pass"`,
			wantErr: true,
		},
		{
			name:    "undefined name",
			script:  `outcome = verdict`,
			wantErr: true,
		},
		{
			name:    "non-string dict keys are rejected",
			script:  `evidence = {1: "one"}`,
			wantErr: true,
		},
		{
			name:    "unsupported input type",
			script:  `outcome = "pass"`,
			input:   map[string]interface{}{"unit": struct{}{}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(ctx, tt.script, tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got none")
				}
				if result == nil || result.Error == "" {
					t.Error("expected the error to be recorded on the result")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(result.Output, tt.want) {
				t.Errorf("output = %#v, want %#v", result.Output, tt.want)
			}
			if result.ExecutionTime == 0 {
				t.Error("expected non-zero execution time")
			}
		})
	}
}

func TestStarlarkEvaluator_Timeout(t *testing.T) {
	evaluator := NewStarlarkEvaluator(100 * time.Millisecond)
	ctx := context.Background()

	// Script that takes too long
	script := `
def slow_function():
    result = 0
    for i in range(10000000):
        result = result + i
    return result

output = slow_function()
`

	result, err := evaluator.Evaluate(ctx, script, nil)
	if err == nil {
		t.Error("expected timeout error")
	}

	if result != nil && result.Error == "" {
		t.Error("expected timeout error in result")
	}
}

func TestStarlarkEvaluator_PrintIsCaptured(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)

	script := `
print("checking coverage")
result = "done"
`

	result, err := evaluator.Evaluate(context.Background(), script, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Output["result"] != "done" {
		t.Errorf("expected result='done', got %v", result.Output["result"])
	}
	if len(result.Log) != 1 || result.Log[0] != "checking coverage" {
		t.Errorf("expected captured print, got %v", result.Log)
	}
}

func TestStarlarkEvaluator_GateScript(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)

	script := `
def _decide(report):
    if report["coverage"] < threshold:
        return "fail"
    return "pass"

outcome = _decide(report)
evidence = {"coverage": report["coverage"], "threshold": threshold}
`
	tests := []struct {
		coverage float64
		want     string
	}{
		{coverage: 91.5, want: "pass"},
		{coverage: 42.0, want: "fail"},
	}

	for _, tt := range tests {
		result, err := evaluator.Evaluate(context.Background(), script, map[string]interface{}{
			"unit":      "billing-api",
			"threshold": 80.0,
			"report":    map[string]interface{}{"coverage": tt.coverage},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Output["outcome"] != tt.want {
			t.Errorf("coverage %.1f: expected %s, got %v", tt.coverage, tt.want, result.Output["outcome"])
		}
		if _, ok := result.Output["_decide"]; ok {
			t.Error("private helpers must not be exported")
		}
		evidence, ok := result.Output["evidence"].(map[string]interface{})
		if !ok || evidence["coverage"] != tt.coverage {
			t.Errorf("unexpected evidence: %v", result.Output["evidence"])
		}
	}
}

func TestStarlarkEvaluator_CancelledContext(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	script := `
def spin():
    total = 0
    for i in range(100000000):
        total += i
    return total

result = spin()
`
	if _, err := evaluator.Evaluate(ctx, script, nil); err == nil {
		t.Error("expected error for cancelled context")
	}
}
