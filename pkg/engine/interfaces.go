package engine

import (
	"context"
	"time"
)

// UnitStore persists units and their lifecycle projection.
type UnitStore interface {
	// CreateUnit inserts a new unit with revision 1. Returns ALREADY_EXISTS if present.
	CreateUnit(ctx context.Context, unit *Unit) error

	// GetUnit returns a copy of the unit or NOT_FOUND.
	GetUnit(ctx context.Context, id string) (*Unit, error)

	// ListUnits returns all units ordered by ID.
	ListUnits(ctx context.Context) ([]*Unit, error)

	// UpdateUnit writes the unit if its revision matches the stored one and
	// increments unit.Revision. Returns REVISION_CONFLICT otherwise.
	UpdateUnit(ctx context.Context, unit *Unit) error

	// CommitTransition updates the unit like UpdateUnit and appends the
	// accepted event in the same transaction. event.Seq is assigned.
	CommitTransition(ctx context.Context, unit *Unit, event *TransitionEvent) error
}

// ContractStore persists interface contracts.
type ContractStore interface {
	CreateContract(ctx context.Context, contract *Contract) error
	GetContract(ctx context.Context, ref ContractRef) (*Contract, error)
	ListContracts(ctx context.Context) ([]*Contract, error)

	// UpdateContract is an optimistic write keyed on contract.Revision.
	UpdateContract(ctx context.Context, contract *Contract) error
}

// SlotStore persists worker slots. Claims are compare-and-swap so that
// several scheduler processes sharing one database keep exclusivity.
type SlotStore interface {
	// EnsureSlot creates a free slot for the worker if none exists.
	EnsureSlot(ctx context.Context, workerID string) error

	GetSlot(ctx context.Context, workerID string) (*WorkerSlot, error)
	ListSlots(ctx context.Context) ([]*WorkerSlot, error)

	// FindSlotByUnit returns the slot held by the unit, or nil if none.
	FindSlotByUnit(ctx context.Context, unitID string) (*WorkerSlot, error)

	// ClaimSlot occupies a free slot whose revision equals expectedRevision.
	// Returns REVISION_CONFLICT if the slot changed or is occupied.
	ClaimSlot(ctx context.Context, workerID, unitID string, expectedRevision int64, at time.Time) (*WorkerSlot, error)

	// ReleaseSlot frees the slot if unitID occupies it. Reports whether it did.
	ReleaseSlot(ctx context.Context, workerID, unitID string) (bool, error)
}

// QueueStore persists the per-layer admission queues.
type QueueStore interface {
	// Enqueue appends the unit to its layer queue. Reports false if it was already queued.
	Enqueue(ctx context.Context, unitID string, layer int, at time.Time) (bool, error)

	// Dequeue removes the unit from the queue. Missing entries are not an error.
	Dequeue(ctx context.Context, unitID string) error

	// ListQueue returns every entry ordered by layer then insertion.
	ListQueue(ctx context.Context) ([]QueueEntry, error)
}

// GateResultStore persists append-only gate history.
type GateResultStore interface {
	AppendGateResult(ctx context.Context, result *GateResult) error

	// ListGateResults returns the unit's results in recording order.
	ListGateResults(ctx context.Context, unitID string) ([]*GateResult, error)
}

// EventLog persists append-only transition events.
type EventLog interface {
	// AppendEvent stores the event and assigns event.Seq.
	AppendEvent(ctx context.Context, event *TransitionEvent) error

	// ListEvents returns events in sequence order. An empty unitID lists all
	// units; limit <= 0 means no limit (the most recent events are kept).
	ListEvents(ctx context.Context, unitID string, limit int) ([]*TransitionEvent, error)
}

// Store is the full persistence surface used by the engine.
type Store interface {
	UnitStore
	ContractStore
	SlotStore
	QueueStore
	GateResultStore
	EventLog
}

// GateExecutor runs a single gate. A failing gate is reported through
// GateReport.Outcome; the error return is reserved for infrastructure failures.
type GateExecutor interface {
	ExecuteGate(ctx context.Context, unitID string, spec GateSpec) (GateReport, error)
}

// GateExecutorFunc adapts a function to GateExecutor.
type GateExecutorFunc func(ctx context.Context, unitID string, spec GateSpec) (GateReport, error)

// ExecuteGate implements GateExecutor.
func (f GateExecutorFunc) ExecuteGate(ctx context.Context, unitID string, spec GateSpec) (GateReport, error) {
	return f(ctx, unitID, spec)
}

// Recorder receives scheduler measurements. telemetry.Metrics implements it.
type Recorder interface {
	RecordTransition(from, to string, accepted bool)
	RecordGateOutcome(kind, outcome string, duration time.Duration)
	RecordSlotOccupancy(busy, total int)
	RecordQueueDepths(depths map[int]int)
	RecordAutoPark()
}

// TransitionPublisher receives every transition attempt.
// telemetry.EventPublisher implements it.
type TransitionPublisher interface {
	PublishTransition(ctx context.Context, unitID, from, to, trigger string, accepted bool, reason string)
}

type nopRecorder struct{}

func (nopRecorder) RecordTransition(string, string, bool)           {}
func (nopRecorder) RecordGateOutcome(string, string, time.Duration) {}
func (nopRecorder) RecordSlotOccupancy(int, int)                    {}
func (nopRecorder) RecordQueueDepths(map[int]int)                   {}
func (nopRecorder) RecordAutoPark()                                 {}

type nopPublisher struct{}

func (nopPublisher) PublishTransition(context.Context, string, string, string, string, bool, string) {
}
