package policy

import (
	"time"

	"github.com/openfroyo/epicflow/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported but does not fail a gate.
	SeverityWarning Severity = "warning"

	// SeverityError fails the gate.
	SeverityError Severity = "error"

	// SeverityCritical fails the gate.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity fails a gate.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. The package must define a "deny"
	// set and may define "warn" and "skip" sets.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies. A tag equal to a gate kind
	// ("ci", "security", "contract_verification") makes the policy part of
	// that kind's default policy set.
	Tags []string `json:"tags,omitempty"`

	// Builtin marks policies shipped with epicflow.
	Builtin bool `json:"builtin,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasTag reports whether the policy carries tag.
func (p *Policy) HasTag(tag string) bool {
	for _, t := range p.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// PolicyViolation represents a single policy violation.
type PolicyViolation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Unit is the unit the violation refers to.
	Unit string `json:"unit,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Details contains additional violation details.
	Details map[string]interface{} `json:"details,omitempty"`
}

// PolicyResult is the outcome of evaluating a set of policies for one gate.
type PolicyResult struct {
	// Outcome is the gate outcome derived from the policy decisions.
	Outcome engine.GateOutcome `json:"outcome"`

	// Violations lists blocking violations.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// Warnings lists non-blocking findings.
	Warnings []PolicyViolation `json:"warnings,omitempty"`

	// SkipReasons explains a skipped outcome.
	SkipReasons []string `json:"skip_reasons,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	EvaluatedAt time.Time     `json:"evaluated_at"`
	Duration    time.Duration `json:"duration"`
}

// GateInput is the document policies see as "input".
type GateInput struct {
	// Unit is the unit under review.
	Unit *engine.Unit `json:"unit"`

	// Gate is the gate being run.
	Gate GateInfo `json:"gate"`

	// Consumes and Produces are the current state of the unit's contracts.
	Consumes []*engine.Contract `json:"consumes,omitempty"`
	Produces []*engine.Contract `json:"produces,omitempty"`

	// Results are the unit's earlier gate results, oldest first.
	Results []*engine.GateResult `json:"results,omitempty"`

	// Data is free-form input from the gate config (e.g. a scanner report).
	Data map[string]interface{} `json:"data,omitempty"`

	// Context provides additional evaluation context.
	Context *PolicyContext `json:"context"`
}

// GateInfo describes the gate being evaluated.
type GateInfo struct {
	Name string          `json:"name"`
	Kind engine.GateKind `json:"kind"`
}

// PolicyContext provides context information for policy evaluation.
type PolicyContext struct {
	// Actor is who triggered the gate run.
	Actor string `json:"actor,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`

	// Metadata contains additional context metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}
