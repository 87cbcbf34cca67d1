// Package engine provides the core scheduling engine of epicflow.
//
// # Overview
//
// epicflow coordinates the parallel execution of work units (epics and the
// sprints they decompose into) under four constraints: one unit of
// work-in-progress per worker, contract-locking preconditions, blocking
// quality gates, and a lifecycle with enforced transition guards.
//
// The engine is built from five components, leaves first:
//
//   - Graph Builder (BuildLayers, DAGBuilder): validates the unit graph,
//     rejects cycles, partitions units into execution layers and computes
//     the effort-weighted critical path.
//   - Contract Registry (ContractRegistry): Draft -> Locked -> Verified
//     lifecycle of interface contracts and the satisfaction predicate.
//   - Gate Runner (GateRunner): concurrent gate execution with depends_on
//     ordering and an append-only result history.
//   - WIP Scheduler (Scheduler): worker slots, per-layer FIFO admission,
//     parking, resuming and the idle reaper.
//   - State Machine (StateMachine): the guard table and the only writer of
//     Unit.State.
//
// Coordinator wires all five over a Store and is the entry point used by
// the CLI and the HTTP API.
//
// # Lifecycle
//
//	Planned -> ContractsLocked -> Implementing -> Review -> Integrated -> Released
//	                ^                  |
//	                +---- Parked <-----+
//
// Released is terminal. Parked units return to ContractsLocked and re-enter
// the admission queue; they never go straight back to Implementing.
//
// # Concurrency
//
// Work is serialised per unit and per worker slot with KeyedMutex, taking
// the unit key before the slot key. Slot claims are compare-and-swap writes
// in the store, and every lifecycle commit is an optimistic update keyed on
// the unit revision, so several processes may share one database.
//
// # Errors
//
// All engine errors are *EngineError values carrying a class (transient,
// conflict, permanent) and a code. Use errors.Is with the package sentinels:
//
//	if errors.Is(err, engine.ErrWorkerBusy) {
//	    // retry later
//	}
package engine
