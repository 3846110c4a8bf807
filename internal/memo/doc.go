// Package memo is the two-level memoization cache.
//
// Entries are keyed by strong fingerprint and grouped into families by
// weak fingerprint. A Cache keeps every entry it has seen in memory (it
// never evicts) and, when given a Durable backend, reads through to and
// writes through to it.
//
// Publish is idempotent for identical outputs. A publish that disagrees
// with an existing entry under the same strong fingerprint is a cache
// inconsistency: it is logged at error level and returned as an
// *InconsistencyError; Strictness decides which entry survives.
//
// Do gates concurrent computations per key so at most one runs.
package memo
