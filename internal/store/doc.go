// Package store provides SQLite-backed durable storage for the
// memoization cache.
//
// Two tables:
//   - cache_entries: one row per strong fingerprint, indexed by weak
//     fingerprint so a whole weak-fingerprint family loads in one query
//   - builds: one row per build run, keyed by build ID
//
// Rows in cache_entries are written once. Insert uses ON CONFLICT DO
// NOTHING; only an explicit ReplaceEntry overwrites.
//
// # Ordering
//
// Entries carry a seq from the engine's logical clock. Family reads are
// ordered by seq DESC, strong_fp ASC so the newest entry is tried first
// and ties break deterministically. Wall time never orders anything.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
