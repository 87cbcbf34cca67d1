package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Guard names reported in transition events and GUARD_FAILED errors.
const (
	GuardProducedContractsLocked = "produced_contracts_locked"
	GuardWIPAssign               = "wip_assign"
	GuardTasksComplete           = "tasks_complete"
	GuardPark                    = "park"
	GuardBlockerCleared          = "blocker_cleared"
	GuardGatesPass               = "gates_pass"
	GuardDeploymentConfirmed     = "deployment_confirmed"
	GuardTransitionTable         = "transition_table"
)

// transitionTable lists every legal edge and the guard protecting it.
var transitionTable = map[LifecycleState]map[LifecycleState]string{
	StatePlanned:         {StateContractsLocked: GuardProducedContractsLocked},
	StateContractsLocked: {StateImplementing: GuardWIPAssign},
	StateImplementing: {
		StateReview: GuardTasksComplete,
		StateParked: GuardPark,
	},
	StateParked:     {StateContractsLocked: GuardBlockerCleared},
	StateReview:     {StateIntegrated: GuardGatesPass},
	StateIntegrated: {StateReleased: GuardDeploymentConfirmed},
}

// guardFor returns the guard of the edge and whether the edge exists.
func guardFor(from, to LifecycleState) (string, bool) {
	guard, ok := transitionTable[from][to]
	return guard, ok
}

// AllowedTransitions returns the states reachable from s in one step, sorted.
func AllowedTransitions(s LifecycleState) []LifecycleState {
	var out []LifecycleState
	for to := range transitionTable[s] {
		out = append(out, to)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// StateMachine is the sole authority over Unit.State. Every commit is an
// optimistic write that appends the accepted event in the same transaction;
// every rejected attempt appends a rejected event.
type StateMachine struct {
	store     Store
	contracts *ContractRegistry
	gates     *GateRunner
	scheduler *Scheduler
	locks     *KeyedMutex
	recorder  Recorder
	publisher TransitionPublisher
	logger    zerolog.Logger
	now       func() time.Time

	gatesMu      sync.RWMutex
	defaultGates []GateSpec
}

// NewStateMachine creates a state machine. recorder and publisher may be nil.
// The scheduler is attached by NewScheduler.
func NewStateMachine(
	store Store,
	contracts *ContractRegistry,
	gates *GateRunner,
	recorder Recorder,
	publisher TransitionPublisher,
	logger zerolog.Logger,
) *StateMachine {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &StateMachine{
		store:     store,
		contracts: contracts,
		gates:     gates,
		locks:     NewKeyedMutex(),
		recorder:  recorder,
		publisher: publisher,
		logger:    logger.With().Str("component", "statemachine").Logger(),
		now:       time.Now,
	}
}

// SetDefaultGates sets the gates run for Review -> Integrated when a
// request carries none.
func (m *StateMachine) SetDefaultGates(gates []GateSpec) {
	m.gatesMu.Lock()
	defer m.gatesMu.Unlock()
	m.defaultGates = append([]GateSpec(nil), gates...)
}

// DefaultGates returns a copy of the default gate set.
func (m *StateMachine) DefaultGates() []GateSpec {
	m.gatesMu.RLock()
	defer m.gatesMu.RUnlock()
	return append([]GateSpec(nil), m.defaultGates...)
}

// Transition attempts to move a unit to req.To. Edges owned by the WIP
// scheduler (assignment, parking, resuming) are delegated to it.
func (m *StateMachine) Transition(ctx context.Context, req TransitionRequest) (unit *Unit, err error) {
	ctx, span := startSpan(ctx, "statemachine.transition",
		attribute.String("unit.id", req.UnitID), attribute.String("to", string(req.To)))
	defer func() { endSpan(span, err) }()

	if err := req.To.Validate(); err != nil {
		return nil, NewCodedError(ErrCodeValidation, err.Error(), nil).WithResource(req.UnitID)
	}

	current, err := m.store.GetUnit(ctx, req.UnitID)
	if err != nil {
		return nil, err
	}
	// Parking an already parked unit is a no-op; the scheduler checks the source state.
	if _, ok := guardFor(current.State, req.To); !ok && req.To != StateParked {
		return nil, m.invalid(ctx, current, req)
	}

	switch {
	case req.To == StateImplementing:
		if req.Worker == "" {
			return nil, NewCodedError(ErrCodeValidation, "worker is required for assignment", nil).
				WithResource(req.UnitID)
		}
		err = m.scheduler.assign(ctx, req.UnitID, req.Worker, attempt{actor: req.Actor, explicit: true})
		if errors.Is(err, ErrWorkerBusy) || errors.Is(err, ErrUnitNotEligible) {
			err = guardError(req.UnitID, GuardWIPAssign, reasonOf(err), err)
		}
	case req.To == StateParked:
		reason := req.ParkReason
		if reason == "" {
			reason = ParkManual
		}
		_, err = m.scheduler.park(ctx, req.UnitID, reason, req.Reason, req.Actor)
	case current.State == StateParked:
		err = m.scheduler.resume(ctx, req.UnitID, ResumeEvidence{Note: req.Reason, Payload: req.Evidence}, req.Actor)
		if errors.Is(err, ErrStillBlocked) {
			err = guardError(req.UnitID, GuardBlockerCleared, "no blocker-cleared evidence supplied", err)
		}
	default:
		err = m.transitionLocked(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	return m.store.GetUnit(ctx, req.UnitID)
}

// transitionLocked handles the edges the state machine guards itself.
func (m *StateMachine) transitionLocked(ctx context.Context, req TransitionRequest) error {
	m.locks.Lock(unitKey(req.UnitID))
	released := false
	unlock := func() {
		if !released {
			released = true
			m.locks.Unlock(unitKey(req.UnitID))
		}
	}
	defer unlock()

	unit, err := m.store.GetUnit(ctx, req.UnitID)
	if err != nil {
		return err
	}
	guard, ok := guardFor(unit.State, req.To)
	if !ok {
		return m.invalid(ctx, unit, req)
	}
	ev := attempt{actor: req.Actor, reason: req.Reason, explicit: true}

	switch guard {
	case GuardProducedContractsLocked:
		blockers, err := m.contracts.unlockedProduced(ctx, unit)
		if err != nil {
			return err
		}
		if len(blockers) > 0 {
			return m.reject(ctx, unit, req.To, guard, strings.Join(blockers, "; "), ev)
		}
		if err := m.commit(ctx, unit, req.To, guard, ev, nil); err != nil {
			return err
		}
		if _, err := m.store.Enqueue(ctx, unit.ID, unit.Layer, m.now()); err != nil {
			return err
		}
		unlock()
		_, err = m.scheduler.admit(ctx)
		return err

	case GuardTasksComplete:
		if pending := unit.PendingTasks(); len(pending) > 0 {
			return m.reject(ctx, unit, req.To, guard,
				fmt.Sprintf("tasks not complete: %s", strings.Join(pending, ", ")), ev)
		}
		worker := unit.Worker
		if err := m.commit(ctx, unit, req.To, guard, ev, func(u *Unit) { u.Worker = "" }); err != nil {
			return err
		}
		if worker != "" {
			if err := m.scheduler.releaseSlot(ctx, worker, unit.ID); err != nil {
				return err
			}
		}
		unlock()
		_, err = m.scheduler.admit(ctx)
		return err

	case GuardGatesPass:
		if err := m.integrate(ctx, unit, req, ev); err != nil {
			return err
		}
		// dependents of the unit may have become eligible
		unlock()
		_, err = m.scheduler.admit(ctx)
		return err

	case GuardDeploymentConfirmed:
		if len(req.Evidence) == 0 {
			return m.reject(ctx, unit, req.To, guard, "deployment confirmation missing", ev)
		}
		confirmation := append([]byte(nil), req.Evidence...)
		return m.commit(ctx, unit, req.To, guard, ev, func(u *Unit) { u.ReleaseConfirmation = confirmation })
	}

	// remaining edges are owned by the scheduler and routed by Transition
	return m.invalid(ctx, unit, req)
}

// integrate runs the Review -> Integrated gate set. The unit advances only
// if every non-skipped gate passed and the latest CI and security results
// are both literal passes.
func (m *StateMachine) integrate(ctx context.Context, unit *Unit, req TransitionRequest, ev attempt) error {
	gates := req.Gates
	if len(gates) == 0 {
		gates = m.DefaultGates()
	}

	kinds := make(map[GateKind]bool)
	for _, g := range gates {
		kinds[g.Kind] = true
	}
	if !kinds[GateCI] || !kinds[GateSecurity] {
		return m.reject(ctx, unit, req.To, GuardGatesPass, "gate set must include ci and security gates", ev)
	}

	allPass, results, err := m.gates.RunGates(ctx, unit.ID, gates)
	if err != nil {
		return err
	}
	if !allPass {
		var failed []string
		for _, r := range results {
			if r.Outcome == GateFail {
				failed = append(failed, r.Gate)
			}
		}
		return m.reject(ctx, unit, req.To, GuardGatesPass,
			fmt.Sprintf("gates failed: %s", strings.Join(failed, ", ")), ev)
	}

	latest, err := m.gates.LatestByKind(ctx, unit.ID)
	if err != nil {
		return err
	}
	for _, kind := range []GateKind{GateCI, GateSecurity} {
		res, ok := latest[kind]
		if !ok || res.Outcome != GatePass {
			outcome := "missing"
			if ok {
				outcome = string(res.Outcome)
			}
			return m.reject(ctx, unit, req.To, GuardGatesPass,
				fmt.Sprintf("latest %s gate result is %s", kind, outcome), ev)
		}
	}

	return m.commit(ctx, unit, req.To, GuardGatesPass, ev, nil)
}

// attempt carries the caller context of a transition.
type attempt struct {
	actor  string
	reason string
	// explicit is false for admission passes, which skip ineligible units
	// without recording rejections
	explicit bool
}

// commit moves the unit to the target state and appends the accepted event.
// The caller holds the unit lock.
func (m *StateMachine) commit(ctx context.Context, unit *Unit, to LifecycleState, guard string, ev attempt, mutate func(u *Unit)) error {
	from := unit.State
	now := m.now()

	next := unit.Clone()
	next.State = to
	if next.StateEnteredAt == nil {
		next.StateEnteredAt = make(map[LifecycleState]time.Time)
	}
	next.StateEnteredAt[to] = now
	next.LastProgressAt = now
	if mutate != nil {
		mutate(next)
	}

	event := &TransitionEvent{
		UnitID:   unit.ID,
		From:     from,
		To:       to,
		Trigger:  string(from) + "->" + string(to),
		Guard:    guard,
		Accepted: true,
		Reason:   ev.reason,
		Actor:    ev.actor,
		At:       now,
	}
	if err := m.store.CommitTransition(ctx, next, event); err != nil {
		return err
	}
	*unit = *next

	m.recorder.RecordTransition(string(from), string(to), true)
	m.publisher.PublishTransition(ctx, unit.ID, string(from), string(to), event.Trigger, true, ev.reason)
	m.logger.Info().
		Str("unit_id", unit.ID).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("actor", ev.actor).
		Msg("Transition committed")
	return nil
}

// reject appends a rejected event and returns GUARD_FAILED naming the blocker.
func (m *StateMachine) reject(ctx context.Context, unit *Unit, to LifecycleState, guard, reason string, ev attempt) error {
	m.recordRejection(ctx, unit, to, guard, reason, ev)
	return guardError(unit.ID, guard, reason, nil)
}

// recordRejection appends a rejected event. Failures to record are logged,
// never returned, so callers keep the guard error.
func (m *StateMachine) recordRejection(ctx context.Context, unit *Unit, to LifecycleState, guard, reason string, ev attempt) {
	event := &TransitionEvent{
		UnitID:   unit.ID,
		From:     unit.State,
		To:       to,
		Trigger:  string(unit.State) + "->" + string(to),
		Guard:    guard,
		Accepted: false,
		Reason:   reason,
		Actor:    ev.actor,
		At:       m.now(),
	}
	if err := m.store.AppendEvent(ctx, event); err != nil {
		m.logger.Error().Err(err).Str("unit_id", unit.ID).Msg("Failed to record rejected transition")
	}

	m.recorder.RecordTransition(string(unit.State), string(to), false)
	m.publisher.PublishTransition(ctx, unit.ID, string(unit.State), string(to), event.Trigger, false, reason)
	m.logger.Warn().
		Str("unit_id", unit.ID).
		Str("to", string(to)).
		Str("guard", guard).
		Str("reason", reason).
		Msg("Transition rejected")
}

// invalid records and returns INVALID_TRANSITION for an edge not in the table.
func (m *StateMachine) invalid(ctx context.Context, unit *Unit, req TransitionRequest) error {
	reason := fmt.Sprintf("no transition from %s to %s", unit.State, req.To)
	if unit.State.IsTerminal() {
		reason = fmt.Sprintf("%s is terminal", unit.State)
	}
	m.recordRejection(ctx, unit, req.To, GuardTransitionTable, reason, attempt{actor: req.Actor})
	return NewCodedError(ErrCodeInvalidTransition, reason, nil).
		WithResource(unit.ID).
		WithDetail("from", string(unit.State)).
		WithDetail("to", string(req.To))
}

func reasonOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

func guardError(unitID, guard, reason string, cause error) *EngineError {
	return NewCodedError(ErrCodeGuardFailed, fmt.Sprintf("guard %s failed: %s", guard, reason), cause).
		WithResource(unitID).
		WithDetail("guard", guard).
		WithDetail("reason", reason)
}
