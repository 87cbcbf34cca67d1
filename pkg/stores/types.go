package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfroyo/epicflow/pkg/engine"
)

// AuditEntry represents an audit trail entry for CLI and API mutations.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`              // e.g., "unit.assigned", "contract.locked", "plan.loaded"
	Actor     string    `json:"actor"`               // user or system identifier
	TargetID  *string   `json:"target_id,omitempty"` // unit, contract or worker ID
	Details   *string   `json:"details,omitempty"`   // JSON blob
	IPAddress *string   `json:"ip_address,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Auditor records and lists audit entries.
type Auditor interface {
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error)
}

// Store is the engine store plus the lifecycle and audit operations shared
// by the SQLite and in-memory implementations.
type Store interface {
	engine.Store
	Auditor

	Init(ctx context.Context) error
	Close() error
	HealthCheck(ctx context.Context) error
}

const timeLayout = time.RFC3339Nano

// formatTime renders t for a TEXT column; the zero time is stored as NULL.
func formatTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

func parseTime(ns sql.NullString) (time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, ns.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", ns.String, err)
	}
	return t, nil
}

func marshalJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode column: %w", err)
	}
	return string(b), nil
}

func unmarshalJSON(s string, v interface{}) error {
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("failed to decode column: %w", err)
	}
	return nil
}

func notFound(kind, id string) error {
	return engine.NewCodedError(engine.ErrCodeNotFound, fmt.Sprintf("%s not found: %s", kind, id), nil).
		WithResource(id)
}

func alreadyExists(kind, id string) error {
	return engine.NewCodedError(engine.ErrCodeAlreadyExists, fmt.Sprintf("%s already exists: %s", kind, id), nil).
		WithResource(id)
}

func revisionConflict(kind, id string, revision int64) error {
	return engine.NewCodedError(engine.ErrCodeRevisionConflict,
		fmt.Sprintf("%s %s changed since revision %d", kind, id, revision), nil).
		WithResource(id)
}
