// Package store persists the bootstrap orchestrator's history using SQLite.
//
// # Data Models
//
//   - Transition: one service state change, tagged with its bootstrap cycle
//   - Cycle: one orchestrator run, with its final phase
//   - TaskCompletion: a run-once task that finished, keyed by descriptor fingerprint
//
// The ledger backs the operator surface (GET /status/history) and lets a
// restarted orchestrator skip one-shot tasks that already completed.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode and a single connection:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// # Testing
//
// Use NewMockStore() for unit tests in other packages and NewSQLiteStore
// on a t.TempDir() path for integration tests with real SQLite.
package store
