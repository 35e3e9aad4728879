// Package project holds the durable state of every orchestrated project.
//
// Record Representation:
//
// Each Record carries:
//   - Unique, immutable name (filesystem safe, see ValidateName)
//   - Current Status in the coordinator state machine
//   - IterationCount of completed fix cycles
//   - Append-only History of IterationRecord entries (the audit trail)
//   - Artifact references (plan, file set, deployment handle)
//
// Store Interface:
//
// The Store provides concurrency-safe access to records:
//   - Create: insert a new record, rejecting duplicates
//   - Get/List: return deep copies so callers never observe a record
//     between two transitions
//   - Save: replace a record; history may only grow and the record must
//     still belong to the same run
//   - Delete: purge a record
//
// Two backends exist: MemoryStore and SQLiteStore.
package project
