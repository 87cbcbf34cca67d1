// Package policy evaluates Open Policy Agent (OPA) Rego policies for
// epicflow's policy gates.
//
// A policy is a Rego package that may define three sets:
//
//	deny  - violations; error or critical severity fails the gate
//	warn  - findings reported with the gate result
//	skip  - reasons the policy does not apply
//
// Deny entries are either strings or objects with "message", "severity"
// and "unit" keys; other keys are kept as violation details.
//
// The input document is a GateInput: the unit under review, the gate name
// and kind, the unit's consumed and produced contracts, its earlier gate
// results and free-form data from the gate config (for example a scanner
// report fetched over SFTP).
//
// # Built-in policies
//
//   - task-completion (ci): every declared task must be done
//   - contract-conformance (contract_verification): consumed contracts
//     verified, produced contracts locked
//   - vulnerability-threshold (security): no high or critical findings
//
// # Custom policies
//
// Policies are loaded from .rego files or JSON policy definitions. Leading
// comments of a .rego file become its description, except for "tags:" and
// "severity:" lines which set metadata:
//
//	# Block releases during the freeze window
//	# tags: ci
//	# severity: error
//	package custom.freeze
//
//	import rego.v1
//
//	deny contains "release freeze in effect" if input.data.frozen
//
// A gate with no explicit policy list runs every enabled policy tagged with
// its kind. Loader.Watch reloads a policy directory when files change;
// Engine.SetPolicies swaps the custom set atomically and keeps the previous
// set when any policy fails to compile.
package policy
