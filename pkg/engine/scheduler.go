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

// AutoParkReason is the event and log reason of idle-timeout parking.
const AutoParkReason = "auto-parked: idle timeout"

// SchedulerConfig configures the WIP scheduler.
type SchedulerConfig struct {
	// IdleTimeout parks an Implementing unit with no state-advancing event
	// for this long. Zero disables idle parking.
	IdleTimeout time.Duration

	// ReapInterval is how often Run checks for idle units.
	ReapInterval time.Duration
}

// DefaultSchedulerConfig returns the default scheduler configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		IdleTimeout:  48 * time.Hour,
		ReapInterval: time.Minute,
	}
}

// Scheduler enforces one unit of work-in-progress per worker. It owns slot
// occupancy and the per-layer FIFO admission queues.
type Scheduler struct {
	store     Store
	contracts *ContractRegistry
	machine   *StateMachine
	locks     *KeyedMutex
	recorder  Recorder
	logger    zerolog.Logger
	cfg       SchedulerConfig
	now       func() time.Time

	// admitMu serialises admission passes within the process
	admitMu sync.Mutex
}

// NewScheduler creates a scheduler and attaches it to the state machine,
// sharing its per-unit locks.
func NewScheduler(store Store, contracts *ContractRegistry, machine *StateMachine, cfg SchedulerConfig, logger zerolog.Logger) *Scheduler {
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultSchedulerConfig().ReapInterval
	}
	s := &Scheduler{
		store:     store,
		contracts: contracts,
		machine:   machine,
		locks:     machine.locks,
		recorder:  machine.recorder,
		logger:    logger.With().Str("component", "scheduler").Logger(),
		cfg:       cfg,
		now:       machine.now,
	}
	machine.scheduler = s
	return s
}

// Config returns the scheduler configuration.
func (s *Scheduler) Config() SchedulerConfig {
	return s.cfg
}

// EnsureWorkers creates a free slot for every worker that has none.
func (s *Scheduler) EnsureWorkers(ctx context.Context, workers []string) error {
	for _, w := range workers {
		if w == "" {
			return NewCodedError(ErrCodeValidation, "worker ID is empty", nil)
		}
		if err := s.store.EnsureSlot(ctx, w); err != nil {
			return err
		}
	}
	return nil
}

// Slots returns every worker slot.
func (s *Scheduler) Slots(ctx context.Context) ([]*WorkerSlot, error) {
	return s.store.ListSlots(ctx)
}

// Assign gives the unit to the worker. It fails with WORKER_BUSY if the
// worker holds a different unit and UNIT_NOT_ELIGIBLE if the unit is not
// ready. Assigning a unit to the worker that already holds it is a no-op.
func (s *Scheduler) Assign(ctx context.Context, unitID, workerID string) error {
	return s.assign(ctx, unitID, workerID, attempt{explicit: true})
}

// AssignAs is Assign with the acting user recorded on the transition.
func (s *Scheduler) AssignAs(ctx context.Context, unitID, workerID, actor string) error {
	return s.assign(ctx, unitID, workerID, attempt{actor: actor, explicit: true})
}

func (s *Scheduler) assign(ctx context.Context, unitID, workerID string, ev attempt) (err error) {
	ctx, span := startSpan(ctx, "scheduler.assign",
		attribute.String("unit.id", unitID), attribute.String("worker.id", workerID))
	defer func() { endSpan(span, err) }()

	s.locks.Lock(unitKey(unitID))
	if err := s.assignLocked(ctx, unitID, workerID, ev); err != nil {
		s.locks.Unlock(unitKey(unitID))
		return err
	}
	s.locks.Unlock(unitKey(unitID))
	s.reportGauges(ctx)
	return nil
}

// assignLocked performs the assignment. The caller holds the unit lock; the
// slot lock is taken here.
func (s *Scheduler) assignLocked(ctx context.Context, unitID, workerID string, ev attempt) error {
	s.locks.Lock(slotKey(workerID))
	defer s.locks.Unlock(slotKey(workerID))

	unit, err := s.store.GetUnit(ctx, unitID)
	if err != nil {
		return err
	}
	slot, err := s.store.GetSlot(ctx, workerID)
	if err != nil {
		return err
	}

	if slot.UnitID == unitID && unit.State == StateImplementing {
		return nil
	}
	if !slot.Free() {
		busy := NewCodedError(ErrCodeWorkerBusy,
			fmt.Sprintf("worker %s is busy with %s", workerID, slot.UnitID), nil).
			WithResource(workerID).WithDetail("unit", slot.UnitID)
		if ev.explicit {
			s.machine.recordRejection(ctx, unit, StateImplementing, GuardWIPAssign, busy.Message, ev)
		}
		return busy
	}

	reasons, err := s.ineligibility(ctx, unit)
	if err != nil {
		return err
	}
	if len(reasons) > 0 {
		notEligible := NewCodedError(ErrCodeUnitNotEligible, strings.Join(reasons, "; "), nil).
			WithResource(unitID).WithDetail("reasons", reasons)
		if ev.explicit {
			s.machine.recordRejection(ctx, unit, StateImplementing, GuardWIPAssign, notEligible.Message, ev)
		}
		return notEligible
	}

	if _, err := s.store.ClaimSlot(ctx, workerID, unitID, slot.Revision, s.now()); err != nil {
		if errors.Is(err, ErrRevisionConflict) {
			return NewCodedError(ErrCodeWorkerBusy,
				fmt.Sprintf("worker %s was claimed concurrently", workerID), err).WithResource(workerID)
		}
		return err
	}

	err = s.machine.commit(ctx, unit, StateImplementing, GuardWIPAssign, ev, func(u *Unit) {
		u.Worker = workerID
		u.Park = nil
	})
	if err != nil {
		if _, relErr := s.store.ReleaseSlot(ctx, workerID, unitID); relErr != nil {
			s.logger.Error().Err(relErr).Str("worker_id", workerID).Msg("Failed to release slot after failed commit")
		}
		return err
	}

	if err := s.store.Dequeue(ctx, unitID); err != nil {
		return err
	}

	s.logger.Info().Str("unit_id", unitID).Str("worker_id", workerID).Msg("Unit assigned")
	return nil
}

// ineligibility lists why a unit cannot be assigned yet.
func (s *Scheduler) ineligibility(ctx context.Context, unit *Unit) ([]string, error) {
	var reasons []string
	if unit.State != StateContractsLocked {
		reasons = append(reasons, fmt.Sprintf("unit is %s, not %s", unit.State, StateContractsLocked))
	}

	for _, depID := range unit.Dependencies {
		dep, err := s.store.GetUnit(ctx, depID)
		if err != nil {
			return nil, err
		}
		if !dep.State.AtLeast(StateIntegrated) {
			reasons = append(reasons, fmt.Sprintf("dependency %s is %s", depID, dep.State))
		}
	}

	contractReasons, err := s.contracts.unsatisfiedFor(ctx, unit)
	if err != nil {
		return nil, err
	}
	reasons = append(reasons, contractReasons...)

	held, err := s.store.FindSlotByUnit(ctx, unit.ID)
	if err != nil {
		return nil, err
	}
	if held != nil {
		reasons = append(reasons, fmt.Sprintf("unit already holds worker %s", held.WorkerID))
	}
	return reasons, nil
}

// Submit appends a ContractsLocked unit to its layer's queue and runs an
// admission pass. Submitting a queued unit does not change its position.
func (s *Scheduler) Submit(ctx context.Context, unitID string) (*Admission, error) {
	s.locks.Lock(unitKey(unitID))
	unit, err := s.store.GetUnit(ctx, unitID)
	if err == nil && unit.State != StateContractsLocked {
		err = NewCodedError(ErrCodeUnitNotEligible,
			fmt.Sprintf("only %s units can be queued, unit is %s", StateContractsLocked, unit.State), nil).
			WithResource(unitID)
	}
	if err == nil {
		_, err = s.store.Enqueue(ctx, unitID, unit.Layer, s.now())
	}
	s.locks.Unlock(unitKey(unitID))
	if err != nil {
		return nil, err
	}

	assigned, err := s.admit(ctx)
	if err != nil {
		return nil, err
	}
	_, admitted := assigned[unitID]
	return &Admission{Queued: !admitted, Assigned: assigned}, nil
}

// Admit runs an admission pass and returns the assignments it made.
func (s *Scheduler) Admit(ctx context.Context) (map[string]string, error) {
	return s.admit(ctx)
}

// admit fills free slots from the queues: layers ascending, FIFO within a
// layer. Entries that are not eligible yet keep their position.
func (s *Scheduler) admit(ctx context.Context) (map[string]string, error) {
	s.admitMu.Lock()
	defer s.admitMu.Unlock()
	defer s.reportGauges(ctx)

	assigned := make(map[string]string)

	slots, err := s.store.ListSlots(ctx)
	if err != nil {
		return assigned, err
	}
	var free []string
	for _, slot := range slots {
		if slot.Free() {
			free = append(free, slot.WorkerID)
		}
	}
	sort.Strings(free)
	if len(free) == 0 {
		return assigned, nil
	}

	entries, err := s.store.ListQueue(ctx)
	if err != nil {
		return assigned, err
	}

	for _, entry := range entries {
		if len(free) == 0 {
			break
		}
		for len(free) > 0 {
			worker := free[0]
			s.locks.Lock(unitKey(entry.UnitID))
			err := s.assignLocked(ctx, entry.UnitID, worker, attempt{actor: "scheduler", reason: "admitted from queue"})
			s.locks.Unlock(unitKey(entry.UnitID))

			if err == nil {
				assigned[entry.UnitID] = worker
				free = free[1:]
				break
			}
			if errors.Is(err, ErrWorkerBusy) {
				// taken by another process since the listing
				free = free[1:]
				continue
			}
			if errors.Is(err, ErrUnitNotEligible) {
				break
			}
			if errors.Is(err, ErrNotFound) {
				if derr := s.store.Dequeue(ctx, entry.UnitID); derr != nil {
					return assigned, derr
				}
				break
			}
			return assigned, err
		}
	}

	if len(assigned) > 0 {
		s.logger.Debug().Interface("assigned", assigned).Msg("Admission pass assigned units")
	}
	return assigned, nil
}

// ListQueue returns queued unit IDs, layers ascending and FIFO within a layer.
func (s *Scheduler) ListQueue(ctx context.Context) ([]string, error) {
	entries, err := s.store.ListQueue(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.UnitID)
	}
	return ids, nil
}

// Queues returns the queued unit IDs grouped by layer.
func (s *Scheduler) Queues(ctx context.Context) (map[int][]string, error) {
	entries, err := s.store.ListQueue(ctx)
	if err != nil {
		return nil, err
	}
	queues := make(map[int][]string)
	for _, e := range entries {
		queues[e.Layer] = append(queues[e.Layer], e.UnitID)
	}
	return queues, nil
}

// Park moves an Implementing unit to Parked, frees its slot and admits the
// next queued unit. Parking a parked unit returns the existing record.
func (s *Scheduler) Park(ctx context.Context, unitID string, reason ParkReason, detail string) (*ParkRecord, error) {
	return s.park(ctx, unitID, reason, detail, "")
}

// ParkAs is Park with the acting user recorded on the transition.
func (s *Scheduler) ParkAs(ctx context.Context, unitID string, reason ParkReason, detail, actor string) (*ParkRecord, error) {
	return s.park(ctx, unitID, reason, detail, actor)
}

func (s *Scheduler) park(ctx context.Context, unitID string, reason ParkReason, detail, actor string) (rec *ParkRecord, err error) {
	ctx, span := startSpan(ctx, "scheduler.park",
		attribute.String("unit.id", unitID), attribute.String("park.reason", string(reason)))
	defer func() { endSpan(span, err) }()

	if err := reason.Validate(); err != nil {
		return nil, NewCodedError(ErrCodeValidation, err.Error(), nil).WithResource(unitID)
	}

	s.locks.Lock(unitKey(unitID))
	rec, parked, err := s.parkLocked(ctx, unitID, reason, detail, actor)
	s.locks.Unlock(unitKey(unitID))
	if err != nil || !parked {
		return rec, err
	}

	if _, err := s.admit(ctx); err != nil {
		return rec, err
	}
	return rec, nil
}

// parkLocked parks the unit. The caller holds the unit lock. parked is false
// when the unit was already parked.
func (s *Scheduler) parkLocked(ctx context.Context, unitID string, reason ParkReason, detail, actor string) (*ParkRecord, bool, error) {
	unit, err := s.store.GetUnit(ctx, unitID)
	if err != nil {
		return nil, false, err
	}
	if unit.State == StateParked && unit.Park != nil {
		p := *unit.Park
		return &p, false, nil
	}
	if unit.State != StateImplementing {
		return nil, false, s.machine.invalid(ctx, unit, TransitionRequest{UnitID: unitID, To: StateParked, Actor: actor})
	}

	rec := &ParkRecord{
		Reason:   reason,
		Detail:   detail,
		Worker:   unit.Worker,
		ParkedAt: s.now(),
	}
	eventReason := string(reason)
	if detail != "" {
		eventReason = detail
	}

	worker := unit.Worker
	err = s.machine.commit(ctx, unit, StateParked, GuardPark, attempt{actor: actor, reason: eventReason}, func(u *Unit) {
		u.Worker = ""
		u.Park = rec
	})
	if err != nil {
		return nil, false, err
	}
	if worker != "" {
		if err := s.releaseSlot(ctx, worker, unitID); err != nil {
			return rec, true, err
		}
	}

	s.logger.Info().Str("unit_id", unitID).Str("reason", string(reason)).Msg("Unit parked")
	return rec, true, nil
}

// releaseSlot frees the worker's slot if the unit occupies it.
func (s *Scheduler) releaseSlot(ctx context.Context, workerID, unitID string) error {
	s.locks.Lock(slotKey(workerID))
	defer s.locks.Unlock(slotKey(workerID))

	if _, err := s.store.ReleaseSlot(ctx, workerID, unitID); err != nil {
		return err
	}
	return nil
}

// Resume returns a parked unit to ContractsLocked and re-queues it at the
// back of its layer. Without blocker-cleared evidence it fails with
// STILL_BLOCKED.
func (s *Scheduler) Resume(ctx context.Context, unitID string, evidence ResumeEvidence) error {
	return s.resume(ctx, unitID, evidence, "")
}

// ResumeAs is Resume with the acting user recorded on the transition.
func (s *Scheduler) ResumeAs(ctx context.Context, unitID string, evidence ResumeEvidence, actor string) error {
	return s.resume(ctx, unitID, evidence, actor)
}

func (s *Scheduler) resume(ctx context.Context, unitID string, evidence ResumeEvidence, actor string) (err error) {
	ctx, span := startSpan(ctx, "scheduler.resume", attribute.String("unit.id", unitID))
	defer func() { endSpan(span, err) }()

	s.locks.Lock(unitKey(unitID))
	err = s.resumeLocked(ctx, unitID, evidence, actor)
	s.locks.Unlock(unitKey(unitID))
	if err != nil {
		return err
	}

	_, err = s.admit(ctx)
	return err
}

func (s *Scheduler) resumeLocked(ctx context.Context, unitID string, evidence ResumeEvidence, actor string) error {
	unit, err := s.store.GetUnit(ctx, unitID)
	if err != nil {
		return err
	}
	ev := attempt{actor: actor, reason: evidence.Note, explicit: true}
	if unit.State != StateParked {
		return s.machine.invalid(ctx, unit, TransitionRequest{UnitID: unitID, To: StateContractsLocked, Actor: actor})
	}
	if evidence.Empty() {
		s.machine.recordRejection(ctx, unit, StateContractsLocked, GuardBlockerCleared,
			"no blocker-cleared evidence supplied", ev)
		return NewCodedError(ErrCodeStillBlocked, "no blocker-cleared evidence supplied", nil).
			WithResource(unitID)
	}
	if ev.reason == "" {
		ev.reason = "blocker cleared"
	}

	if err := s.machine.commit(ctx, unit, StateContractsLocked, GuardBlockerCleared, ev, func(u *Unit) {
		u.Park = nil
	}); err != nil {
		return err
	}
	if _, err := s.store.Enqueue(ctx, unitID, unit.Layer, s.now()); err != nil {
		return err
	}
	s.logger.Info().Str("unit_id", unitID).Msg("Unit resumed and re-queued")
	return nil
}

// RecordProgress marks a declared task done and resets the unit's idle clock.
func (s *Scheduler) RecordProgress(ctx context.Context, unitID, taskID string) error {
	s.locks.Lock(unitKey(unitID))
	defer s.locks.Unlock(unitKey(unitID))

	unit, err := s.store.GetUnit(ctx, unitID)
	if err != nil {
		return err
	}
	if unit.State != StateImplementing {
		return NewCodedError(ErrCodeValidation,
			fmt.Sprintf("progress can only be recorded while %s, unit is %s", StateImplementing, unit.State), nil).
			WithResource(unitID)
	}

	found := false
	now := s.now()
	for i := range unit.Tasks {
		if unit.Tasks[i].ID == taskID {
			found = true
			if !unit.Tasks[i].Done {
				unit.Tasks[i].Done = true
				unit.Tasks[i].DoneAt = now
			}
		}
	}
	if !found {
		return NewCodedError(ErrCodeNotFound, fmt.Sprintf("unit has no task %s", taskID), nil).
			WithResource(unitID)
	}
	unit.LastProgressAt = now
	return s.store.UpdateUnit(ctx, unit)
}

// ReapIdle parks every Implementing unit whose last state-advancing event is
// older than the idle timeout, refilling each freed slot immediately.
// It returns the IDs of parked units.
func (s *Scheduler) ReapIdle(ctx context.Context, now time.Time) ([]string, error) {
	if s.cfg.IdleTimeout <= 0 {
		return nil, nil
	}

	units, err := s.store.ListUnits(ctx)
	if err != nil {
		return nil, err
	}

	var parked []string
	for _, u := range units {
		if u.State != StateImplementing || now.Sub(u.LastProgressAt) < s.cfg.IdleTimeout {
			continue
		}

		s.locks.Lock(unitKey(u.ID))
		// recheck under the lock, progress may have landed since the listing
		current, err := s.store.GetUnit(ctx, u.ID)
		var didPark bool
		if err == nil && current.State == StateImplementing && now.Sub(current.LastProgressAt) >= s.cfg.IdleTimeout {
			_, didPark, err = s.parkLocked(ctx, u.ID, ParkIdleTimeout, AutoParkReason, "scheduler")
		}
		s.locks.Unlock(unitKey(u.ID))
		if err != nil {
			return parked, err
		}
		if !didPark {
			continue
		}

		parked = append(parked, u.ID)
		s.recorder.RecordAutoPark()
		s.logger.Warn().
			Str("unit_id", u.ID).
			Str("worker_id", current.Worker).
			Dur("idle", now.Sub(current.LastProgressAt)).
			Str("reason", AutoParkReason).
			Msg("Unit parked")

		if _, err := s.admit(ctx); err != nil {
			return parked, err
		}
	}
	return parked, nil
}

// Run reaps idle units every ReapInterval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.ReapIdle(ctx, s.now()); err != nil {
				s.logger.Error().Err(err).Msg("Idle reaper failed")
			}
		}
	}
}

// ReconcileReport summarises the repairs made by Reconcile.
type ReconcileReport struct {
	ReleasedSlots []string          `json:"released_slots,omitempty"`
	Requeued      []string          `json:"requeued,omitempty"`
	Dropped       []string          `json:"dropped,omitempty"`
	Assigned      map[string]string `json:"assigned,omitempty"`
}

// Reconcile repairs state left by a crash between related writes: slots held
// by units that are no longer Implementing are freed, queue rows of units
// that are not ContractsLocked are dropped, and ContractsLocked units missing
// from the queue are re-queued. It finishes with an admission pass.
func (s *Scheduler) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	report := &ReconcileReport{}

	slots, err := s.store.ListSlots(ctx)
	if err != nil {
		return nil, err
	}
	for _, slot := range slots {
		if slot.Free() {
			continue
		}
		unit, err := s.store.GetUnit(ctx, slot.UnitID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if unit != nil && unit.State == StateImplementing && unit.Worker == slot.WorkerID {
			continue
		}
		if err := s.releaseSlot(ctx, slot.WorkerID, slot.UnitID); err != nil {
			return nil, err
		}
		report.ReleasedSlots = append(report.ReleasedSlots, slot.WorkerID)
	}

	queued := make(map[string]bool)
	entries, err := s.store.ListQueue(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		unit, err := s.store.GetUnit(ctx, e.UnitID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if unit == nil || unit.State != StateContractsLocked {
			if err := s.store.Dequeue(ctx, e.UnitID); err != nil {
				return nil, err
			}
			report.Dropped = append(report.Dropped, e.UnitID)
			continue
		}
		queued[e.UnitID] = true
	}

	units, err := s.store.ListUnits(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(units, func(i, j int) bool { return units[i].Layer < units[j].Layer })
	for _, u := range units {
		if u.State != StateContractsLocked || queued[u.ID] {
			continue
		}
		if _, err := s.store.Enqueue(ctx, u.ID, u.Layer, s.now()); err != nil {
			return nil, err
		}
		report.Requeued = append(report.Requeued, u.ID)
	}

	report.Assigned, err = s.admit(ctx)
	if err != nil {
		return report, err
	}

	s.logger.Info().
		Int("released_slots", len(report.ReleasedSlots)).
		Int("requeued", len(report.Requeued)).
		Int("dropped", len(report.Dropped)).
		Int("assigned", len(report.Assigned)).
		Msg("Reconciled scheduler state")
	return report, nil
}

// reportGauges publishes slot occupancy and queue depth.
func (s *Scheduler) reportGauges(ctx context.Context) {
	slots, err := s.store.ListSlots(ctx)
	if err != nil {
		return
	}
	busy := 0
	for _, slot := range slots {
		if !slot.Free() {
			busy++
		}
	}
	s.recorder.RecordSlotOccupancy(busy, len(slots))

	queues, err := s.Queues(ctx)
	if err != nil {
		return
	}
	depths := make(map[int]int, len(queues))
	for layer, ids := range queues {
		depths[layer] = len(ids)
	}
	s.recorder.RecordQueueDepths(depths)
}
