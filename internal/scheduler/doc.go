// Package scheduler executes a sealed pip graph.
//
// Each ready pip is fingerprinted, looked up in the memoization cache
// and either materialized from the content store or run under the
// sandbox. A pip's life is tracked by a validated state machine:
//
//	Pending -> Ready -> FingerprintLookup -> CacheHit -> Materializing -> Done
//	                                      \-> CacheMiss -> Executing -> Verifying -> Done
//
// Any non-terminal state after Ready may move to Failed; Pending and Ready
// pips move to Skipped when a dependency fails or the build is canceled.
// A failure never stops independent pips.
package scheduler
