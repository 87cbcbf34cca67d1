package stores

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/openfroyo/epicflow/pkg/engine"
)

// Worker slots

// EnsureSlot creates a free slot for the worker if none exists.
func (s *SQLiteStore) EnsureSlot(ctx context.Context, workerID string) error {
	if workerID == "" {
		return engine.NewCodedError(engine.ErrCodeValidation, "worker id is required", nil)
	}
	query := `INSERT INTO worker_slots (worker_id, revision) VALUES (?, 1) ON CONFLICT(worker_id) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, query, workerID); err != nil {
		return fmt.Errorf("failed to ensure slot: %w", err)
	}
	return nil
}

func scanSlot(sc scanner) (*engine.WorkerSlot, error) {
	slot := &engine.WorkerSlot{}
	var unitID, claimedAt sql.NullString
	if err := sc.Scan(&slot.WorkerID, &unitID, &claimedAt, &slot.Revision); err != nil {
		return nil, err
	}
	slot.UnitID = unitID.String
	var err error
	if slot.ClaimedAt, err = parseTime(claimedAt); err != nil {
		return nil, err
	}
	return slot, nil
}

// GetSlot retrieves a worker slot
func (s *SQLiteStore) GetSlot(ctx context.Context, workerID string) (*engine.WorkerSlot, error) {
	query := `SELECT worker_id, unit_id, claimed_at, revision FROM worker_slots WHERE worker_id = ?`

	slot, err := scanSlot(s.db.QueryRowContext(ctx, query, workerID))
	if err == sql.ErrNoRows {
		return nil, notFound("worker", workerID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get slot: %w", err)
	}
	return slot, nil
}

// ListSlots lists all worker slots ordered by worker ID
func (s *SQLiteStore) ListSlots(ctx context.Context) ([]*engine.WorkerSlot, error) {
	query := `SELECT worker_id, unit_id, claimed_at, revision FROM worker_slots ORDER BY worker_id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list slots: %w", err)
	}
	defer rows.Close()

	slots := []*engine.WorkerSlot{}
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan slot: %w", err)
		}
		slots = append(slots, slot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating slots: %w", err)
	}
	return slots, nil
}

// FindSlotByUnit returns the slot occupied by the unit, or nil.
func (s *SQLiteStore) FindSlotByUnit(ctx context.Context, unitID string) (*engine.WorkerSlot, error) {
	query := `SELECT worker_id, unit_id, claimed_at, revision FROM worker_slots WHERE unit_id = ?`

	slot, err := scanSlot(s.db.QueryRowContext(ctx, query, unitID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find slot: %w", err)
	}
	return slot, nil
}

// ClaimSlot is a compare-and-swap on the slot revision. Only a free slot at
// the expected revision is claimed.
func (s *SQLiteStore) ClaimSlot(ctx context.Context, workerID, unitID string, expectedRevision int64, at time.Time) (*engine.WorkerSlot, error) {
	query := `
		UPDATE worker_slots SET unit_id = ?, claimed_at = ?, revision = revision + 1
		WHERE worker_id = ? AND unit_id IS NULL AND revision = ?
	`
	result, err := s.db.ExecContext(ctx, query, unitID, formatTime(at), workerID, expectedRevision)
	if err != nil {
		// the unique index on unit_id rejects a unit claiming two slots
		return nil, engine.NewCodedError(engine.ErrCodeRevisionConflict,
			fmt.Sprintf("failed to claim slot %s", workerID), err).WithResource(workerID)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := s.GetSlot(ctx, workerID); err != nil {
			return nil, err
		}
		return nil, revisionConflict("slot", workerID, expectedRevision)
	}
	return s.GetSlot(ctx, workerID)
}

// ReleaseSlot frees the worker slot if unitID holds it.
func (s *SQLiteStore) ReleaseSlot(ctx context.Context, workerID, unitID string) (bool, error) {
	query := `
		UPDATE worker_slots SET unit_id = NULL, claimed_at = NULL, revision = revision + 1
		WHERE worker_id = ? AND unit_id = ?
	`
	result, err := s.db.ExecContext(ctx, query, workerID, unitID)
	if err != nil {
		return false, fmt.Errorf("failed to release slot: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// Admission queue

// Enqueue appends the unit to its layer queue.
func (s *SQLiteStore) Enqueue(ctx context.Context, unitID string, layer int, at time.Time) (bool, error) {
	query := `
		INSERT INTO admission_queue (unit_id, layer, enqueued_at) VALUES (?, ?, ?)
		ON CONFLICT(unit_id) DO NOTHING
	`
	result, err := s.db.ExecContext(ctx, query, unitID, layer, formatTime(at))
	if err != nil {
		return false, fmt.Errorf("failed to enqueue unit: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// Dequeue removes the unit from the queue.
func (s *SQLiteStore) Dequeue(ctx context.Context, unitID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM admission_queue WHERE unit_id = ?`, unitID); err != nil {
		return fmt.Errorf("failed to dequeue unit: %w", err)
	}
	return nil
}

// ListQueue returns every queue entry ordered by layer then insertion.
func (s *SQLiteStore) ListQueue(ctx context.Context) ([]engine.QueueEntry, error) {
	query := `SELECT seq, unit_id, layer, enqueued_at FROM admission_queue ORDER BY layer, seq`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	defer rows.Close()

	entries := []engine.QueueEntry{}
	for rows.Next() {
		var e engine.QueueEntry
		var at sql.NullString
		if err := rows.Scan(&e.Seq, &e.UnitID, &e.Layer, &at); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		if e.EnqueuedAt, err = parseTime(at); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue: %w", err)
	}
	return entries, nil
}

// Gate results

// AppendGateResult stores a gate result. The table rejects updates and deletes.
func (s *SQLiteStore) AppendGateResult(ctx context.Context, result *engine.GateResult) error {
	query := `
		INSERT INTO gate_results (id, unit_id, gate, kind, outcome, evidence, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	var evidence []byte
	if len(result.Evidence) > 0 {
		evidence = result.Evidence
	}
	_, err := s.db.ExecContext(ctx, query,
		result.ID, result.UnitID, result.Gate, string(result.Kind), string(result.Outcome),
		evidence, formatTime(result.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append gate result: %w", err)
	}
	return nil
}

// ListGateResults returns the unit's gate history in recording order.
func (s *SQLiteStore) ListGateResults(ctx context.Context, unitID string) ([]*engine.GateResult, error) {
	query := `
		SELECT id, unit_id, gate, kind, outcome, evidence, recorded_at
		FROM gate_results WHERE unit_id = ? ORDER BY seq
	`
	rows, err := s.db.QueryContext(ctx, query, unitID)
	if err != nil {
		return nil, fmt.Errorf("failed to list gate results: %w", err)
	}
	defer rows.Close()

	results := []*engine.GateResult{}
	for rows.Next() {
		r := &engine.GateResult{}
		var kind, outcome string
		var evidence []byte
		var at sql.NullString
		if err := rows.Scan(&r.ID, &r.UnitID, &r.Gate, &kind, &outcome, &evidence, &at); err != nil {
			return nil, fmt.Errorf("failed to scan gate result: %w", err)
		}
		r.Kind = engine.GateKind(kind)
		r.Outcome = engine.GateOutcome(outcome)
		if len(evidence) > 0 {
			r.Evidence = evidence
		}
		if r.RecordedAt, err = parseTime(at); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating gate results: %w", err)
	}
	return results, nil
}

// Transition events

// AppendEvent stores a transition event and assigns its sequence number.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *engine.TransitionEvent) error {
	return s.appendEvent(ctx, s.db, event)
}

func (s *SQLiteStore) appendEvent(ctx context.Context, q queryer, event *engine.TransitionEvent) error {
	query := `
		INSERT INTO transitions (unit_id, from_state, to_state, trigger_name, guard, accepted, reason, actor, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	accepted := 0
	if event.Accepted {
		accepted = 1
	}
	result, err := q.ExecContext(ctx, query,
		event.UnitID, string(event.From), string(event.To), event.Trigger, event.Guard,
		accepted, event.Reason, event.Actor, formatTime(event.At),
	)
	if err != nil {
		return fmt.Errorf("failed to append transition: %w", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get transition seq: %w", err)
	}
	event.Seq = seq
	return nil
}

// ListEvents returns transition events in sequence order. With a limit only
// the most recent events are returned.
func (s *SQLiteStore) ListEvents(ctx context.Context, unitID string, limit int) ([]*engine.TransitionEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT seq, unit_id, from_state, to_state, trigger_name, guard, accepted, reason, actor, occurred_at
		FROM (
			SELECT * FROM transitions
			WHERE (? = '' OR unit_id = ?)
			ORDER BY seq DESC
			LIMIT ?
		) ORDER BY seq
	`
	rows, err := s.db.QueryContext(ctx, query, unitID, unitID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	events := []*engine.TransitionEvent{}
	for rows.Next() {
		e := &engine.TransitionEvent{}
		var from, to string
		var accepted int
		var at sql.NullString
		if err := rows.Scan(&e.Seq, &e.UnitID, &from, &to, &e.Trigger, &e.Guard, &accepted, &e.Reason, &e.Actor, &at); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		e.From = engine.LifecycleState(from)
		e.To = engine.LifecycleState(to)
		e.Accepted = accepted == 1
		if e.At, err = parseTime(at); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transitions: %w", err)
	}
	return events, nil
}

// Audit

// CreateAuditEntry creates an audit log entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	query := `
		INSERT INTO audit (action, actor, target_id, details, ip_address, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		entry.Action, entry.Actor, entry.TargetID, entry.Details, entry.IPAddress, formatTime(entry.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}

	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries, newest first, with optional filters
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT id, action, actor, target_id, details, ip_address, timestamp
		FROM audit
		WHERE (? IS NULL OR action = ?)
		  AND (? IS NULL OR actor = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, action, action, actor, actor, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		var ts sql.NullString
		err := rows.Scan(
			&entry.ID, &entry.Action, &entry.Actor, &entry.TargetID,
			&entry.Details, &entry.IPAddress, &ts,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if entry.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}
