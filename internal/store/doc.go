// Package store is the authoritative server-side persistence for delivery
// executions, backed by SQLite.
//
// Tables:
//   - sessions / item_sessions: test session state, one row per item occurrence
//   - responses: per-execution response store (candidate and correct values)
//   - trace: append-only audit log of every committed request
//   - applied_actions: synchronised offline actions, one row per sequence number
//   - test_maps / items: compiled catalog consulted by the item cache
//
// # Critical Patterns
//
// Atomic commit: a navigation writes the session, its item sessions, staged
// responses, the trace record and (for replayed actions) the applied-action
// marker in one transaction. Either all land or none do.
//
// Optimistic versioning: sessions.version must equal the version the request
// read. A mismatch fails with STALE_SESSION and the transaction rolls back.
//
// Exactly-once actions: UNIQUE(execution_id, sequence) on applied_actions.
// A second commit for the same sequence rolls back with ErrActionApplied.
//
// Deterministic reads: trace queries ORDER BY seq ASC.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL
//   - busy_timeout=5000
//   - foreign_keys=ON
package store
