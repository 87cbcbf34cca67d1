// Package config loads epicflow work plans and runtime settings.
//
// A work plan lists the epics and sprints to schedule, their dependencies,
// the interface contracts they produce and consume, the worker slots and the
// default gate set. Plans are written in YAML, JSON or CUE:
//
//	name: payments
//	workers: [alice, bob]
//	contracts:
//	  - name: auth-api
//	    version: v1
//	    schema_file: schemas/auth.json
//	units:
//	  - id: auth
//	    produces: [auth-api@v1]
//	  - id: billing
//	    depends_on: [auth]
//	    consumes: [auth-api@v1]
//	    tasks:
//	      - id: handler
//	gates:
//	  - name: unit-tests
//	    kind: ci
//	    executor: exec
//	    config: {command: go, args: [test, ./...]}
//
// Loader validates a plan in three passes: unification with the embedded
// #WorkPlan CUE schema, validator/v10 struct tags, and cross-reference checks
// (duplicate IDs, unknown parents, undeclared contracts). Errors carry file
// and line information where the source format provides it. Graph validity
// (cycles, unknown dependencies) is checked by the engine when the plan is
// loaded.
//
// PlanWatcher reloads a plan when its files change. StarlarkEvaluator runs
// gate scripts. Settings holds the viper-backed runtime configuration shared
// by the CLI and the server.
package config
