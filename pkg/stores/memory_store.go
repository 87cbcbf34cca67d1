package stores

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/openfroyo/epicflow/pkg/engine"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store with the same revision and append-only
// semantics as SQLiteStore. It is used by tests and by `epicflow validate`.
type MemoryStore struct {
	mu sync.RWMutex

	units     map[string]*engine.Unit
	contracts map[string]*engine.Contract
	slots     map[string]*engine.WorkerSlot
	queue     []engine.QueueEntry
	queueSeq  int64
	gates     []*engine.GateResult
	events    []*engine.TransitionEvent
	audit     []*AuditEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		units:     make(map[string]*engine.Unit),
		contracts: make(map[string]*engine.Contract),
		slots:     make(map[string]*engine.WorkerSlot),
	}
}

// Init is a no-op.
func (m *MemoryStore) Init(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

// HealthCheck always succeeds.
func (m *MemoryStore) HealthCheck(context.Context) error { return nil }

func (m *MemoryStore) CreateUnit(_ context.Context, unit *engine.Unit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.units[unit.ID]; ok {
		return alreadyExists("unit", unit.ID)
	}
	unit.Revision = 1
	m.units[unit.ID] = unit.Clone()
	return nil
}

func (m *MemoryStore) GetUnit(_ context.Context, id string) (*engine.Unit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.units[id]
	if !ok {
		return nil, notFound("unit", id)
	}
	return u.Clone(), nil
}

func (m *MemoryStore) ListUnits(context.Context) ([]*engine.Unit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	units := make([]*engine.Unit, 0, len(m.units))
	for _, u := range m.units {
		units = append(units, u.Clone())
	}
	sort.Slice(units, func(i, j int) bool { return units[i].ID < units[j].ID })
	return units, nil
}

func (m *MemoryStore) UpdateUnit(_ context.Context, unit *engine.Unit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateUnitLocked(unit)
}

func (m *MemoryStore) updateUnitLocked(unit *engine.Unit) error {
	current, ok := m.units[unit.ID]
	if !ok {
		return notFound("unit", unit.ID)
	}
	if current.Revision != unit.Revision {
		return revisionConflict("unit", unit.ID, unit.Revision)
	}
	unit.Revision++
	m.units[unit.ID] = unit.Clone()
	return nil
}

func (m *MemoryStore) CommitTransition(_ context.Context, unit *engine.Unit, event *engine.TransitionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.updateUnitLocked(unit); err != nil {
		return err
	}
	m.appendEventLocked(event)
	return nil
}

func (m *MemoryStore) CreateContract(_ context.Context, contract *engine.Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := contract.Ref.Key()
	if _, ok := m.contracts[key]; ok {
		return alreadyExists("contract", key)
	}
	contract.Revision = 1
	m.contracts[key] = contract.Clone()
	return nil
}

func (m *MemoryStore) GetContract(_ context.Context, ref engine.ContractRef) (*engine.Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.contracts[ref.Key()]
	if !ok {
		return nil, notFound("contract", ref.Key())
	}
	return c.Clone(), nil
}

func (m *MemoryStore) ListContracts(context.Context) ([]*engine.Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	contracts := make([]*engine.Contract, 0, len(m.contracts))
	for _, c := range m.contracts {
		contracts = append(contracts, c.Clone())
	}
	sort.Slice(contracts, func(i, j int) bool {
		if contracts[i].Ref.Name != contracts[j].Ref.Name {
			return contracts[i].Ref.Name < contracts[j].Ref.Name
		}
		return contracts[i].Ref.Version < contracts[j].Ref.Version
	})
	return contracts, nil
}

func (m *MemoryStore) UpdateContract(_ context.Context, contract *engine.Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := contract.Ref.Key()
	current, ok := m.contracts[key]
	if !ok {
		return notFound("contract", key)
	}
	if current.Revision != contract.Revision {
		return revisionConflict("contract", key, contract.Revision)
	}
	contract.Revision++
	m.contracts[key] = contract.Clone()
	return nil
}

func (m *MemoryStore) EnsureSlot(_ context.Context, workerID string) error {
	if workerID == "" {
		return engine.NewCodedError(engine.ErrCodeValidation, "worker id is required", nil)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.slots[workerID]; !ok {
		m.slots[workerID] = &engine.WorkerSlot{WorkerID: workerID, Revision: 1}
	}
	return nil
}

func (m *MemoryStore) GetSlot(_ context.Context, workerID string) (*engine.WorkerSlot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	slot, ok := m.slots[workerID]
	if !ok {
		return nil, notFound("worker", workerID)
	}
	cp := *slot
	return &cp, nil
}

func (m *MemoryStore) ListSlots(context.Context) ([]*engine.WorkerSlot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	slots := make([]*engine.WorkerSlot, 0, len(m.slots))
	for _, s := range m.slots {
		cp := *s
		slots = append(slots, &cp)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].WorkerID < slots[j].WorkerID })
	return slots, nil
}

func (m *MemoryStore) FindSlotByUnit(_ context.Context, unitID string) (*engine.WorkerSlot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.slots {
		if s.UnitID == unitID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ClaimSlot(_ context.Context, workerID, unitID string, expectedRevision int64, at time.Time) (*engine.WorkerSlot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	slot, ok := m.slots[workerID]
	if !ok {
		return nil, notFound("worker", workerID)
	}
	if slot.UnitID != "" || slot.Revision != expectedRevision {
		return nil, revisionConflict("slot", workerID, expectedRevision)
	}
	for _, other := range m.slots {
		if other.UnitID == unitID {
			return nil, revisionConflict("slot", workerID, expectedRevision)
		}
	}
	slot.UnitID = unitID
	slot.ClaimedAt = at
	slot.Revision++
	cp := *slot
	return &cp, nil
}

func (m *MemoryStore) ReleaseSlot(_ context.Context, workerID, unitID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	slot, ok := m.slots[workerID]
	if !ok || slot.UnitID != unitID || unitID == "" {
		return false, nil
	}
	slot.UnitID = ""
	slot.ClaimedAt = time.Time{}
	slot.Revision++
	return true, nil
}

func (m *MemoryStore) Enqueue(_ context.Context, unitID string, layer int, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.queue {
		if e.UnitID == unitID {
			return false, nil
		}
	}
	m.queueSeq++
	m.queue = append(m.queue, engine.QueueEntry{UnitID: unitID, Layer: layer, Seq: m.queueSeq, EnqueuedAt: at})
	return true, nil
}

func (m *MemoryStore) Dequeue(_ context.Context, unitID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, e := range m.queue {
		if e.UnitID == unitID {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *MemoryStore) ListQueue(context.Context) ([]engine.QueueEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := append([]engine.QueueEntry{}, m.queue...)
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Layer != entries[j].Layer {
			return entries[i].Layer < entries[j].Layer
		}
		return entries[i].Seq < entries[j].Seq
	})
	return entries, nil
}

func (m *MemoryStore) AppendGateResult(_ context.Context, result *engine.GateResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *result
	cp.Evidence = append([]byte(nil), result.Evidence...)
	m.gates = append(m.gates, &cp)
	return nil
}

func (m *MemoryStore) ListGateResults(_ context.Context, unitID string) ([]*engine.GateResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := []*engine.GateResult{}
	for _, r := range m.gates {
		if r.UnitID == unitID {
			cp := *r
			results = append(results, &cp)
		}
	}
	return results, nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, event *engine.TransitionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.appendEventLocked(event)
	return nil
}

func (m *MemoryStore) appendEventLocked(event *engine.TransitionEvent) {
	event.Seq = int64(len(m.events) + 1)
	cp := *event
	m.events = append(m.events, &cp)
}

func (m *MemoryStore) ListEvents(_ context.Context, unitID string, limit int) ([]*engine.TransitionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := []*engine.TransitionEvent{}
	for _, e := range m.events {
		if unitID == "" || e.UnitID == unitID {
			cp := *e
			events = append(events, &cp)
		}
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

func (m *MemoryStore) CreateAuditEntry(_ context.Context, entry *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	entry.ID = int64(len(m.audit) + 1)
	cp := *entry
	m.audit = append(m.audit, &cp)
	return nil
}

func (m *MemoryStore) ListAuditEntries(_ context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := []*AuditEntry{}
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if action != nil && e.Action != *action {
			continue
		}
		if actor != nil && e.Actor != *actor {
			continue
		}
		cp := *e
		entries = append(entries, &cp)
	}
	if offset > 0 {
		if offset >= len(entries) {
			return []*AuditEntry{}, nil
		}
		entries = entries[offset:]
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
