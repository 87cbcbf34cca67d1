package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		taskCompletionPolicy(),
		contractConformancePolicy(),
		vulnerabilityThresholdPolicy(),
	}
}

// taskCompletionPolicy fails CI gates for units with open tasks.
func taskCompletionPolicy() Policy {
	return Policy{
		Name:        "task-completion",
		Description: "Every declared task of the unit must be done",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"ci"},
		Builtin:     true,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package epicflow.gates.tasks

import rego.v1

deny contains violation if {
	some task in input.unit.tasks
	not task.done
	violation := {
		"message": sprintf("task %s is not done", [task.id]),
		"severity": "error",
		"unit": input.unit.id,
	}
}

warn contains msg if {
	object.get(input.unit, "effort", 0) == 0
	msg := sprintf("unit %s has no effort estimate", [input.unit.id])
}

skip contains "unit declares no tasks" if {
	count(object.get(input.unit, "tasks", [])) == 0
}
`,
	}
}

// contractConformancePolicy checks the unit's contracts for the
// contract_verification gate.
func contractConformancePolicy() Policy {
	return Policy{
		Name:        "contract-conformance",
		Description: "Consumed contracts must be verified and produced contracts locked",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"contract_verification"},
		Builtin:     true,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package epicflow.gates.contracts

import rego.v1

deny contains violation if {
	some c in input.consumes
	c.state != "verified"
	violation := {
		"message": sprintf("consumed contract %s@%s is %s, not verified", [c.ref.name, c.ref.version, c.state]),
		"severity": "error",
		"unit": input.unit.id,
	}
}

deny contains violation if {
	some c in input.produces
	c.state == "draft"
	violation := {
		"message": sprintf("produced contract %s@%s is not locked", [c.ref.name, c.ref.version]),
		"severity": "error",
		"unit": input.unit.id,
	}
}

warn contains msg if {
	some c in input.produces
	c.state == "locked"
	msg := sprintf("produced contract %s@%s has no verification evidence yet", [c.ref.name, c.ref.version])
}

skip contains "unit declares no contracts" if {
	count(object.get(input, "consumes", [])) == 0
	count(object.get(input, "produces", [])) == 0
}
`,
	}
}

// vulnerabilityThresholdPolicy reads a scanner report from the gate data
// and fails on high or critical findings.
func vulnerabilityThresholdPolicy() Policy {
	return Policy{
		Name:        "vulnerability-threshold",
		Description: "Scanner reports must not contain high or critical vulnerabilities",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"security"},
		Builtin:     true,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package epicflow.gates.vulnerabilities

import rego.v1

blocking := {"critical", "high"}

deny contains violation if {
	some vuln in input.data.report.vulnerabilities
	lower(vuln.severity) in blocking
	violation := {
		"message": sprintf("%s vulnerability %s in %s", [lower(vuln.severity), vuln.id, object.get(vuln, "package", "unknown package")]),
		"severity": "critical",
		"unit": input.unit.id,
	}
}

warn contains msg if {
	some vuln in input.data.report.vulnerabilities
	lower(vuln.severity) == "medium"
	msg := sprintf("medium vulnerability %s", [vuln.id])
}

skip contains "no scanner report supplied" if {
	not input.data.report
}
`,
	}
}
