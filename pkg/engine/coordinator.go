package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Plan is a parsed work plan handed to the coordinator.
type Plan struct {
	Units     []Unit     `json:"units"`
	Contracts []Contract `json:"contracts,omitempty"`
	Workers   []string   `json:"workers,omitempty"`
	Gates     []GateSpec `json:"gates,omitempty"`
}

// LoadReport summarises a plan load.
type LoadReport struct {
	Created      []string          `json:"created,omitempty"`
	Updated      []string          `json:"updated,omitempty"`
	Contracts    []string          `json:"contracts,omitempty"`
	Layers       []ExecutionLayer  `json:"layers"`
	CriticalPath []string          `json:"critical_path"`
	Assigned     map[string]string `json:"assigned,omitempty"`
}

// CoordinatorOptions configures NewCoordinator.
type CoordinatorOptions struct {
	Logger    zerolog.Logger
	Recorder  Recorder
	Publisher TransitionPublisher
	Scheduler SchedulerConfig
}

// Coordinator wires the graph builder, contract registry, gate runner,
// state machine and WIP scheduler over one store.
type Coordinator struct {
	Contracts *ContractRegistry
	Gates     *GateRunner
	Machine   *StateMachine
	Scheduler *Scheduler

	store  Store
	logger zerolog.Logger
}

// NewCoordinator creates a coordinator. executor runs gates; it may be nil
// when no gates will run.
func NewCoordinator(store Store, executor GateExecutor, opts CoordinatorOptions) *Coordinator {
	contracts := NewContractRegistry(store, opts.Logger)
	gates := NewGateRunner(store, executor, opts.Recorder, opts.Logger)
	machine := NewStateMachine(store, contracts, gates, opts.Recorder, opts.Publisher, opts.Logger)
	scheduler := NewScheduler(store, contracts, machine, opts.Scheduler, opts.Logger)

	return &Coordinator{
		Contracts: contracts,
		Gates:     gates,
		Machine:   machine,
		Scheduler: scheduler,
		store:     store,
		logger:    opts.Logger.With().Str("component", "coordinator").Logger(),
	}
}

// Store returns the underlying store.
func (c *Coordinator) Store() Store {
	return c.store
}

// LoadPlan validates the plan graph and merges it into the store. New units
// start Planned; known units keep their lifecycle state and task progress
// while their definition is refreshed. Nothing is written if the graph is
// invalid.
func (c *Coordinator) LoadPlan(ctx context.Context, plan Plan) (report *LoadReport, err error) {
	ctx, span := startSpan(ctx, "coordinator.load_plan", attribute.Int("plan.units", len(plan.Units)))
	defer func() { endSpan(span, err) }()

	graph, err := NewDAGBuilder().Build(plan.Units)
	if err != nil {
		return nil, err
	}
	for _, ct := range plan.Contracts {
		if ct.Ref.Name == "" || ct.Ref.Version == "" {
			return nil, NewCodedError(ErrCodeValidation, "contract name and version are required", nil)
		}
	}

	report = &LoadReport{Layers: graph.Layers, CriticalPath: graph.CriticalPath}

	for _, ct := range plan.Contracts {
		existing, err := c.store.GetContract(ctx, ct.Ref)
		switch {
		case errors.Is(err, ErrNotFound):
			if err := c.Contracts.Register(ctx, ct); err != nil {
				return nil, err
			}
			report.Contracts = append(report.Contracts, ct.Ref.Key())
		case err != nil:
			return nil, err
		case existing.State == ContractDraft && len(ct.Schema) > 0 && string(existing.Schema) != string(ct.Schema):
			if err := c.Contracts.AttachSchema(ctx, ct.Ref, ct.Schema); err != nil {
				return nil, err
			}
		}
	}

	for i := range plan.Units {
		u := plan.Units[i]
		u.Layer = graph.Nodes[u.ID].Layer
		created, err := c.mergeUnit(ctx, &u)
		if err != nil {
			return nil, err
		}
		if created {
			report.Created = append(report.Created, u.ID)
		} else {
			report.Updated = append(report.Updated, u.ID)
		}
	}

	if err := c.Scheduler.EnsureWorkers(ctx, plan.Workers); err != nil {
		return nil, err
	}
	if len(plan.Gates) > 0 {
		if err := validateGateSpecs(plan.Gates); err != nil {
			return nil, err
		}
		c.Machine.SetDefaultGates(plan.Gates)
	}

	if err := c.requeueMovedUnits(ctx); err != nil {
		return nil, err
	}
	report.Assigned, err = c.Scheduler.admit(ctx)
	if err != nil {
		return nil, err
	}

	c.logger.Info().
		Int("created", len(report.Created)).
		Int("updated", len(report.Updated)).
		Int("layers", len(report.Layers)).
		Strs("critical_path", report.CriticalPath).
		Msg("Work plan loaded")
	return report, nil
}

// mergeUnit creates the unit or refreshes its definition under the unit lock.
func (c *Coordinator) mergeUnit(ctx context.Context, u *Unit) (bool, error) {
	c.Machine.locks.Lock(unitKey(u.ID))
	defer c.Machine.locks.Unlock(unitKey(u.ID))

	existing, err := c.store.GetUnit(ctx, u.ID)
	if errors.Is(err, ErrNotFound) {
		fresh := u.Clone()
		fresh.State = StatePlanned
		fresh.Worker = ""
		fresh.Park = nil
		fresh.StateEnteredAt = map[LifecycleState]time.Time{StatePlanned: c.Machine.now()}
		return true, c.store.CreateUnit(ctx, fresh)
	}
	if err != nil {
		return false, err
	}

	done := make(map[string]Task, len(existing.Tasks))
	for _, t := range existing.Tasks {
		if t.Done {
			done[t.ID] = t
		}
	}
	tasks := append([]Task(nil), u.Tasks...)
	for i := range tasks {
		if prev, ok := done[tasks[i].ID]; ok {
			tasks[i].Done = true
			tasks[i].DoneAt = prev.DoneAt
		}
	}

	existing.Name = u.Name
	existing.Kind = u.Kind
	existing.Parent = u.Parent
	existing.Dependencies = append([]string(nil), u.Dependencies...)
	existing.Effort = u.Effort
	existing.Subsystems = append([]string(nil), u.Subsystems...)
	existing.Consumes = append([]ContractRef(nil), u.Consumes...)
	existing.Produces = append([]ContractRef(nil), u.Produces...)
	existing.Tasks = tasks
	existing.Layer = u.Layer
	return false, c.store.UpdateUnit(ctx, existing)
}

// requeueMovedUnits moves queue rows whose unit changed layer. A moved unit
// goes to the back of its new layer.
func (c *Coordinator) requeueMovedUnits(ctx context.Context) error {
	entries, err := c.store.ListQueue(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		unit, err := c.store.GetUnit(ctx, e.UnitID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return err
		}
		if unit.Layer == e.Layer {
			continue
		}
		if err := c.store.Dequeue(ctx, e.UnitID); err != nil {
			return err
		}
		if _, err := c.store.Enqueue(ctx, e.UnitID, unit.Layer, c.Machine.now()); err != nil {
			return err
		}
	}
	return nil
}

// Graph rebuilds the execution graph from every stored unit. The returned
// builder can render the graph with ToDOT.
func (c *Coordinator) Graph(ctx context.Context) (*ExecutionGraph, *DAGBuilder, error) {
	units, err := c.store.ListUnits(ctx)
	if err != nil {
		return nil, nil, err
	}
	plain := make([]Unit, 0, len(units))
	for _, u := range units {
		plain = append(plain, *u)
	}
	builder := NewDAGBuilder()
	graph, err := builder.Build(plain)
	if err != nil {
		return nil, nil, err
	}
	return graph, builder, nil
}

// Snapshot returns a point-in-time view of units, slots, queues and layers.
func (c *Coordinator) Snapshot(ctx context.Context) (*Snapshot, error) {
	units, err := c.store.ListUnits(ctx)
	if err != nil {
		return nil, err
	}
	slots, err := c.store.ListSlots(ctx)
	if err != nil {
		return nil, err
	}
	queues, err := c.Scheduler.Queues(ctx)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Units:   units,
		Slots:   slots,
		Queues:  queues,
		TakenAt: c.Machine.now(),
	}
	if len(units) > 0 {
		graph, _, err := c.Graph(ctx)
		if err != nil {
			return nil, err
		}
		snap.Layers = graph.Layers
		snap.CriticalPath = graph.CriticalPath
	}
	return snap, nil
}

// RunGates runs gates for the unit outside of a transition, falling back to
// the plan's default gate set.
func (c *Coordinator) RunGates(ctx context.Context, unitID string, gates []GateSpec) (bool, []GateResult, error) {
	if _, err := c.store.GetUnit(ctx, unitID); err != nil {
		return false, nil, err
	}
	if len(gates) == 0 {
		gates = c.Machine.DefaultGates()
	}
	return c.Gates.RunGates(ctx, unitID, gates)
}

// LockContract locks the contract and runs an admission pass, since units
// producing it may have become eligible.
func (c *Coordinator) LockContract(ctx context.Context, ref ContractRef) (map[string]string, error) {
	if err := c.Contracts.RequestLock(ctx, ref); err != nil {
		return nil, err
	}
	return c.Scheduler.admit(ctx)
}

// VerifyContract verifies the contract and runs an admission pass for its
// consumers.
func (c *Coordinator) VerifyContract(ctx context.Context, ref ContractRef, evidence Evidence) (map[string]string, error) {
	if err := c.Contracts.Verify(ctx, ref, evidence); err != nil {
		return nil, err
	}
	return c.Scheduler.admit(ctx)
}

// Events returns the transition log, optionally filtered by unit.
func (c *Coordinator) Events(ctx context.Context, unitID string, limit int) ([]*TransitionEvent, error) {
	return c.store.ListEvents(ctx, unitID, limit)
}

// Reconcile repairs scheduler state after a restart.
func (c *Coordinator) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	return c.Scheduler.Reconcile(ctx)
}
