// Package store provides SQLite-backed durable state for the autoflow agent.
//
// Three tables:
//   - processed_events: one row per action key; the idempotency ledger
//   - reports: the decision report of each handled trace
//   - audit_log: append-only trail, one row per decision
//
// A decision is recorded atomically (key, report and audit row in one
// transaction). A second RecordDecision with the same action key writes
// nothing and reports inserted=false.
//
// Audit reads are ordered by seq, the insertion counter, never by
// timestamp.
//
// Open sets WAL journaling, synchronous=NORMAL, a 5s busy timeout and
// foreign keys, then steps PRAGMA user_version through the migrations list.
package store
