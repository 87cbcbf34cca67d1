// Package stores provides persistence for the epicflow engine.
//
// SQLiteStore keeps units, contracts, worker slots, the admission queue,
// gate results, the transition log and the audit trail in one SQLite file
// (pure-Go modernc driver, WAL mode, schema managed by golang-migrate).
// Slot claims are compare-and-swap updates on a revision column, so several
// epicflow processes can share one database. gate_results and transitions
// are append-only; triggers reject UPDATE and DELETE.
//
// MemoryStore implements the same interface in process and is used by tests
// and dry-run validation.
//
// Backup and Restore provide hot copies via VACUUM INTO.
package stores
