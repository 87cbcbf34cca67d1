package engine

import (
	"encoding/json"
	"time"
)

// Unit is an epic or sprint tracked by the scheduler.
type Unit struct {
	// ID is the unique identifier of the unit.
	ID string `json:"id"`

	// Name is a human-readable title.
	Name string `json:"name,omitempty"`

	// Kind is epic or sprint.
	Kind UnitKind `json:"kind,omitempty"`

	// Parent is the epic a sprint belongs to.
	Parent string `json:"parent,omitempty"`

	// Dependencies lists unit IDs that must reach Integrated first.
	Dependencies []string `json:"dependencies,omitempty"`

	// Effort is the estimated effort used for critical path weighting.
	Effort float64 `json:"effort"`

	// Subsystems lists the subsystem tags the unit touches.
	Subsystems []string `json:"subsystems,omitempty"`

	// State is the current lifecycle state.
	State LifecycleState `json:"state"`

	// Worker is the worker currently holding the unit, empty when unassigned.
	Worker string `json:"worker,omitempty"`

	// Consumes lists the contracts this unit depends on.
	Consumes []ContractRef `json:"consumes,omitempty"`

	// Produces lists the contracts this unit provides.
	Produces []ContractRef `json:"produces,omitempty"`

	// Tasks are the declared tasks that must be done before review.
	Tasks []Task `json:"tasks,omitempty"`

	// Layer is the execution layer index computed at load time.
	Layer int `json:"layer"`

	// Park is set while the unit is parked.
	Park *ParkRecord `json:"park,omitempty"`

	// StateEnteredAt records when each state was last entered.
	StateEnteredAt map[LifecycleState]time.Time `json:"state_entered_at,omitempty"`

	// LastProgressAt is the time of the last state-advancing event.
	LastProgressAt time.Time `json:"last_progress_at,omitempty"`

	// ReleaseConfirmation is the deployment confirmation recorded on release.
	ReleaseConfirmation []byte `json:"release_confirmation,omitempty"`

	// Revision is the optimistic concurrency token.
	Revision int64 `json:"revision"`
}

// Clone returns a deep copy of the unit.
func (u *Unit) Clone() *Unit {
	if u == nil {
		return nil
	}
	c := *u
	c.Dependencies = append([]string(nil), u.Dependencies...)
	c.Subsystems = append([]string(nil), u.Subsystems...)
	c.Consumes = append([]ContractRef(nil), u.Consumes...)
	c.Produces = append([]ContractRef(nil), u.Produces...)
	c.Tasks = append([]Task(nil), u.Tasks...)
	if u.Park != nil {
		p := *u.Park
		c.Park = &p
	}
	if u.StateEnteredAt != nil {
		c.StateEnteredAt = make(map[LifecycleState]time.Time, len(u.StateEnteredAt))
		for k, v := range u.StateEnteredAt {
			c.StateEnteredAt[k] = v
		}
	}
	c.ReleaseConfirmation = append([]byte(nil), u.ReleaseConfirmation...)
	return &c
}

// PendingTasks returns the IDs of declared tasks that are not done.
func (u *Unit) PendingTasks() []string {
	var pending []string
	for _, t := range u.Tasks {
		if !t.Done {
			pending = append(pending, t.ID)
		}
	}
	return pending
}

// Task is a declared unit of work inside a unit.
type Task struct {
	ID     string    `json:"id"`
	Title  string    `json:"title,omitempty"`
	Done   bool      `json:"done"`
	DoneAt time.Time `json:"done_at,omitempty"`
}

// ParkRecord describes why a unit was parked.
type ParkRecord struct {
	Reason   ParkReason `json:"reason"`
	Detail   string     `json:"detail,omitempty"`
	Worker   string     `json:"worker,omitempty"`
	ParkedAt time.Time  `json:"parked_at"`
}

// ContractRef identifies a contract by name and version.
type ContractRef struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Key returns the canonical "name@version" key.
func (r ContractRef) Key() string {
	return r.Name + "@" + r.Version
}

// String implements fmt.Stringer.
func (r ContractRef) String() string {
	return r.Key()
}

// Contract is an interface agreement between a producing unit and its consumers.
type Contract struct {
	Ref              ContractRef   `json:"ref"`
	Producer         string        `json:"producer,omitempty"`
	Consumers        []string      `json:"consumers,omitempty"`
	State            ContractState `json:"state"`
	Schema           []byte        `json:"schema,omitempty"`
	Evidence         []byte        `json:"evidence,omitempty"`
	EvidenceChecksum string        `json:"evidence_checksum,omitempty"`
	LockedAt         time.Time     `json:"locked_at,omitempty"`
	VerifiedAt       time.Time     `json:"verified_at,omitempty"`
	Revision         int64         `json:"revision"`
}

// Clone returns a deep copy of the contract.
func (c *Contract) Clone() *Contract {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Consumers = append([]string(nil), c.Consumers...)
	cp.Schema = append([]byte(nil), c.Schema...)
	cp.Evidence = append([]byte(nil), c.Evidence...)
	return &cp
}

// Evidence is a verification bundle supplied when verifying a contract.
// Checksum is the optional sha256 hex digest of Payload.
type Evidence struct {
	Payload  []byte `json:"payload"`
	Checksum string `json:"checksum,omitempty"`
}

// WorkerSlot is one unit of work-in-progress capacity.
type WorkerSlot struct {
	WorkerID  string    `json:"worker_id"`
	UnitID    string    `json:"unit_id,omitempty"`
	ClaimedAt time.Time `json:"claimed_at,omitempty"`
	Revision  int64     `json:"revision"`
}

// Free reports whether the slot holds no unit.
func (s *WorkerSlot) Free() bool {
	return s.UnitID == ""
}

// ExecutionLayer is a group of units whose dependencies are all in earlier layers.
type ExecutionLayer struct {
	Index      int      `json:"index"`
	Units      []string `json:"units"`
	Concurrent bool     `json:"concurrent"`
}

// QueueEntry is a durable admission queue row.
type QueueEntry struct {
	UnitID     string    `json:"unit_id"`
	Layer      int       `json:"layer"`
	Seq        int64     `json:"seq"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// GateSpec declares one gate to run for a unit.
type GateSpec struct {
	// Name identifies the gate within a run.
	Name string `json:"name"`

	// Kind is the gate category consulted by lifecycle guards.
	Kind GateKind `json:"kind"`

	// DependsOn names gates that must finish before this one starts.
	DependsOn []string `json:"depends_on,omitempty"`

	// Executor selects the gate implementation (policy, starlark, ssh, wasm, exec).
	Executor string `json:"executor,omitempty"`

	// Config is passed through to the executor.
	Config map[string]any `json:"config,omitempty"`
}

// GateReport is what an executor returns for one gate.
type GateReport struct {
	Outcome  GateOutcome     `json:"outcome"`
	Evidence json.RawMessage `json:"evidence,omitempty"`
}

// GateResult is an immutable record of one gate execution.
type GateResult struct {
	ID         string          `json:"id"`
	UnitID     string          `json:"unit_id"`
	Gate       string          `json:"gate"`
	Kind       GateKind        `json:"kind"`
	Outcome    GateOutcome     `json:"outcome"`
	Evidence   json.RawMessage `json:"evidence,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// TransitionEvent is an append-only record of an attempted transition.
type TransitionEvent struct {
	Seq      int64          `json:"seq"`
	UnitID   string         `json:"unit_id"`
	From     LifecycleState `json:"from"`
	To       LifecycleState `json:"to"`
	Trigger  string         `json:"trigger,omitempty"`
	Guard    string         `json:"guard,omitempty"`
	Accepted bool           `json:"accepted"`
	Reason   string         `json:"reason,omitempty"`
	Actor    string         `json:"actor,omitempty"`
	At       time.Time      `json:"at"`
}

// TransitionRequest asks the state machine to move a unit to a new state.
type TransitionRequest struct {
	UnitID string         `json:"unit_id"`
	To     LifecycleState `json:"to"`

	// Worker is required for ContractsLocked -> Implementing.
	Worker string `json:"worker,omitempty"`

	// Evidence carries the release confirmation or the resume evidence.
	Evidence []byte `json:"evidence,omitempty"`

	// Gates are run for Review -> Integrated.
	Gates []GateSpec `json:"gates,omitempty"`

	// ParkReason is used for Implementing -> Parked. Defaults to manual.
	ParkReason ParkReason `json:"park_reason,omitempty"`

	Actor  string `json:"actor,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ResumeEvidence is the blocker-cleared evidence required to resume a parked unit.
type ResumeEvidence struct {
	Note    string `json:"note,omitempty"`
	Payload []byte `json:"payload,omitempty"`
}

// Empty reports whether no evidence was supplied.
func (e ResumeEvidence) Empty() bool {
	return len(e.Note) == 0 && len(e.Payload) == 0
}

// Admission reports the outcome of an admission pass.
type Admission struct {
	// Queued is true when the submitted unit is waiting in a queue.
	Queued bool `json:"queued"`

	// Assigned maps unit IDs to the workers they were admitted onto.
	Assigned map[string]string `json:"assigned,omitempty"`
}

// Snapshot is a point-in-time view of scheduler state for dashboards.
type Snapshot struct {
	Units        []*Unit          `json:"units"`
	Slots        []*WorkerSlot    `json:"slots"`
	Queues       map[int][]string `json:"queues"`
	Layers       []ExecutionLayer `json:"layers"`
	CriticalPath []string         `json:"critical_path"`
	TakenAt      time.Time        `json:"taken_at"`
}
