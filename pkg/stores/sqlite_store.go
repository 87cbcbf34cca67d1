package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/epicflow/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the engine store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.Path == ":memory:" {
		// every connection to :memory: is a separate database
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Open creates, initializes and migrates a store in one call.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database path.
func (s *SQLiteStore) Path() string {
	return s.cfg.Path
}

// Init opens the database connection with WAL mode and foreign keys enabled.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf(
		"%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		s.cfg.Path, s.cfg.BusyTimeout.Milliseconds(),
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// withTx runs fn in a transaction, rolling back on error.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

const unitColumns = `id, name, kind, parent, effort, layer, state, worker, dependencies, subsystems,
	consumes, produces, tasks, park, state_entered_at, last_progress_at, release_confirmation, revision`

// unitRow holds the encoded columns of a unit.
type unitRow struct {
	deps, subsystems, consumes, produces, tasks, entered string
	park                                                 sql.NullString
	lastProgress                                         sql.NullString
}

func encodeUnit(u *engine.Unit) (*unitRow, error) {
	row := &unitRow{lastProgress: formatTime(u.LastProgressAt)}
	var err error
	if row.deps, err = marshalJSON(nonNil(u.Dependencies)); err != nil {
		return nil, err
	}
	if row.subsystems, err = marshalJSON(nonNil(u.Subsystems)); err != nil {
		return nil, err
	}
	if row.consumes, err = marshalJSON(nonNilRefs(u.Consumes)); err != nil {
		return nil, err
	}
	if row.produces, err = marshalJSON(nonNilRefs(u.Produces)); err != nil {
		return nil, err
	}
	if row.tasks, err = marshalJSON(nonNilTasks(u.Tasks)); err != nil {
		return nil, err
	}
	entered := u.StateEnteredAt
	if entered == nil {
		entered = map[engine.LifecycleState]time.Time{}
	}
	if row.entered, err = marshalJSON(entered); err != nil {
		return nil, err
	}
	if u.Park != nil {
		p, err := marshalJSON(u.Park)
		if err != nil {
			return nil, err
		}
		row.park = sql.NullString{String: p, Valid: true}
	}
	return row, nil
}

func scanUnit(sc scanner) (*engine.Unit, error) {
	u := &engine.Unit{}
	var row unitRow
	var kind, state string
	var confirmation []byte

	err := sc.Scan(
		&u.ID, &u.Name, &kind, &u.Parent, &u.Effort, &u.Layer, &state, &u.Worker,
		&row.deps, &row.subsystems, &row.consumes, &row.produces, &row.tasks,
		&row.park, &row.entered, &row.lastProgress, &confirmation, &u.Revision,
	)
	if err != nil {
		return nil, err
	}

	u.Kind = engine.UnitKind(kind)
	u.State = engine.LifecycleState(state)
	if len(confirmation) > 0 {
		u.ReleaseConfirmation = confirmation
	}
	if err := unmarshalJSON(row.deps, &u.Dependencies); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(row.subsystems, &u.Subsystems); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(row.consumes, &u.Consumes); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(row.produces, &u.Produces); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(row.tasks, &u.Tasks); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(row.entered, &u.StateEnteredAt); err != nil {
		return nil, err
	}
	if row.park.Valid {
		u.Park = &engine.ParkRecord{}
		if err := unmarshalJSON(row.park.String, u.Park); err != nil {
			return nil, err
		}
	}
	if u.LastProgressAt, err = parseTime(row.lastProgress); err != nil {
		return nil, err
	}
	return u, nil
}

// CreateUnit inserts a new unit with revision 1.
func (s *SQLiteStore) CreateUnit(ctx context.Context, unit *engine.Unit) error {
	row, err := encodeUnit(unit)
	if err != nil {
		return err
	}
	now := formatTime(time.Now())

	query := `
		INSERT INTO units (` + unitColumns + `, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`
	result, err := s.db.ExecContext(ctx, query,
		unit.ID, unit.Name, string(unit.Kind), unit.Parent, unit.Effort, unit.Layer,
		string(unit.State), unit.Worker,
		row.deps, row.subsystems, row.consumes, row.produces, row.tasks,
		row.park, row.entered, row.lastProgress, unit.ReleaseConfirmation,
		now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create unit: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return alreadyExists("unit", unit.ID)
	}

	unit.Revision = 1
	return nil
}

// GetUnit retrieves a unit by ID
func (s *SQLiteStore) GetUnit(ctx context.Context, id string) (*engine.Unit, error) {
	return s.getUnit(ctx, s.db, id)
}

func (s *SQLiteStore) getUnit(ctx context.Context, q queryer, id string) (*engine.Unit, error) {
	query := `SELECT ` + unitColumns + ` FROM units WHERE id = ?`

	u, err := scanUnit(q.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, notFound("unit", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get unit: %w", err)
	}
	return u, nil
}

// ListUnits lists all units ordered by ID
func (s *SQLiteStore) ListUnits(ctx context.Context) ([]*engine.Unit, error) {
	query := `SELECT ` + unitColumns + ` FROM units ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list units: %w", err)
	}
	defer rows.Close()

	units := []*engine.Unit{}
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan unit: %w", err)
		}
		units = append(units, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating units: %w", err)
	}

	return units, nil
}

// UpdateUnit performs an optimistic update keyed on unit.Revision.
func (s *SQLiteStore) UpdateUnit(ctx context.Context, unit *engine.Unit) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.updateUnit(ctx, tx, unit)
	})
}

func (s *SQLiteStore) updateUnit(ctx context.Context, tx *sql.Tx, unit *engine.Unit) error {
	row, err := encodeUnit(unit)
	if err != nil {
		return err
	}

	query := `
		UPDATE units SET
			name = ?, kind = ?, parent = ?, effort = ?, layer = ?, state = ?, worker = ?,
			dependencies = ?, subsystems = ?, consumes = ?, produces = ?, tasks = ?,
			park = ?, state_entered_at = ?, last_progress_at = ?, release_confirmation = ?,
			revision = revision + 1, updated_at = ?
		WHERE id = ? AND revision = ?
	`
	result, err := tx.ExecContext(ctx, query,
		unit.Name, string(unit.Kind), unit.Parent, unit.Effort, unit.Layer, string(unit.State), unit.Worker,
		row.deps, row.subsystems, row.consumes, row.produces, row.tasks,
		row.park, row.entered, row.lastProgress, unit.ReleaseConfirmation,
		formatTime(time.Now()),
		unit.ID, unit.Revision,
	)
	if err != nil {
		return fmt.Errorf("failed to update unit: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := s.getUnit(ctx, tx, unit.ID); err != nil {
			return err
		}
		return revisionConflict("unit", unit.ID, unit.Revision)
	}

	unit.Revision++
	return nil
}

// CommitTransition updates the unit and appends the accepted event atomically.
func (s *SQLiteStore) CommitTransition(ctx context.Context, unit *engine.Unit, event *engine.TransitionEvent) error {
	revision := unit.Revision
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.updateUnit(ctx, tx, unit); err != nil {
			return err
		}
		return s.appendEvent(ctx, tx, event)
	})
	if err != nil {
		unit.Revision = revision
	}
	return err
}

const contractColumns = `name, version, producer, consumers, state, schema_payload, evidence,
	evidence_checksum, locked_at, verified_at, revision`

func scanContract(sc scanner) (*engine.Contract, error) {
	c := &engine.Contract{}
	var consumers, state string
	var lockedAt, verifiedAt sql.NullString

	err := sc.Scan(
		&c.Ref.Name, &c.Ref.Version, &c.Producer, &consumers, &state,
		&c.Schema, &c.Evidence, &c.EvidenceChecksum, &lockedAt, &verifiedAt, &c.Revision,
	)
	if err != nil {
		return nil, err
	}

	c.State = engine.ContractState(state)
	if err := unmarshalJSON(consumers, &c.Consumers); err != nil {
		return nil, err
	}
	if c.LockedAt, err = parseTime(lockedAt); err != nil {
		return nil, err
	}
	if c.VerifiedAt, err = parseTime(verifiedAt); err != nil {
		return nil, err
	}
	return c, nil
}

// CreateContract inserts a new contract with revision 1.
func (s *SQLiteStore) CreateContract(ctx context.Context, contract *engine.Contract) error {
	consumers, err := marshalJSON(nonNil(contract.Consumers))
	if err != nil {
		return err
	}

	query := `
		INSERT INTO contracts (` + contractColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(name, version) DO NOTHING
	`
	result, err := s.db.ExecContext(ctx, query,
		contract.Ref.Name, contract.Ref.Version, contract.Producer, consumers, string(contract.State),
		contract.Schema, contract.Evidence, contract.EvidenceChecksum,
		formatTime(contract.LockedAt), formatTime(contract.VerifiedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create contract: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return alreadyExists("contract", contract.Ref.Key())
	}

	contract.Revision = 1
	return nil
}

// GetContract retrieves a contract by reference
func (s *SQLiteStore) GetContract(ctx context.Context, ref engine.ContractRef) (*engine.Contract, error) {
	query := `SELECT ` + contractColumns + ` FROM contracts WHERE name = ? AND version = ?`

	c, err := scanContract(s.db.QueryRowContext(ctx, query, ref.Name, ref.Version))
	if err == sql.ErrNoRows {
		return nil, notFound("contract", ref.Key())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contract: %w", err)
	}
	return c, nil
}

// ListContracts lists all contracts ordered by name and version
func (s *SQLiteStore) ListContracts(ctx context.Context) ([]*engine.Contract, error) {
	query := `SELECT ` + contractColumns + ` FROM contracts ORDER BY name, version`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list contracts: %w", err)
	}
	defer rows.Close()

	contracts := []*engine.Contract{}
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan contract: %w", err)
		}
		contracts = append(contracts, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating contracts: %w", err)
	}

	return contracts, nil
}

// UpdateContract performs an optimistic update keyed on contract.Revision.
func (s *SQLiteStore) UpdateContract(ctx context.Context, contract *engine.Contract) error {
	consumers, err := marshalJSON(nonNil(contract.Consumers))
	if err != nil {
		return err
	}

	query := `
		UPDATE contracts SET
			producer = ?, consumers = ?, state = ?, schema_payload = ?, evidence = ?,
			evidence_checksum = ?, locked_at = ?, verified_at = ?, revision = revision + 1
		WHERE name = ? AND version = ? AND revision = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		contract.Producer, consumers, string(contract.State), contract.Schema, contract.Evidence,
		contract.EvidenceChecksum, formatTime(contract.LockedAt), formatTime(contract.VerifiedAt),
		contract.Ref.Name, contract.Ref.Version, contract.Revision,
	)
	if err != nil {
		return fmt.Errorf("failed to update contract: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := s.GetContract(ctx, contract.Ref); err != nil {
			return err
		}
		return revisionConflict("contract", contract.Ref.Key(), contract.Revision)
	}

	contract.Revision++
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilRefs(s []engine.ContractRef) []engine.ContractRef {
	if s == nil {
		return []engine.ContractRef{}
	}
	return s
}

func nonNilTasks(s []engine.Task) []engine.Task {
	if s == nil {
		return []engine.Task{}
	}
	return s
}
