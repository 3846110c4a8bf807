package metrics

import "time"

// OutcomeLabel enumerates terminal pip states for counters.
type OutcomeLabel string

const (
	OutcomeExecuted OutcomeLabel = "executed"
	OutcomeCacheHit OutcomeLabel = "cache_hit"
	OutcomeFailed   OutcomeLabel = "failed"
	OutcomeSkipped  OutcomeLabel = "skipped"
)

// Recorder defines observability hooks for builds, pips, the cache and the
// sandbox. All methods must be safe for concurrent use.
type Recorder interface {
	ObserveBuildDuration(d time.Duration)
	IncBuildOutcome(outcome string) // success|failed|canceled
	ObservePipDuration(outcome OutcomeLabel, d time.Duration)
	IncPipOutcome(outcome OutcomeLabel)
	IncCacheLookup(hit bool)
	IncCacheInconsistency()
	IncSandboxTimeout()
	IncRetry(operation string)
	IncRemoteRequest(method string, success bool)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveBuildDuration(time.Duration)             {}
func (NoopRecorder) IncBuildOutcome(string)                         {}
func (NoopRecorder) ObservePipDuration(OutcomeLabel, time.Duration) {}
func (NoopRecorder) IncPipOutcome(OutcomeLabel)                     {}
func (NoopRecorder) IncCacheLookup(bool)                            {}
func (NoopRecorder) IncCacheInconsistency()                         {}
func (NoopRecorder) IncSandboxTimeout()                             {}
func (NoopRecorder) IncRetry(string)                                {}
func (NoopRecorder) IncRemoteRequest(string, bool)                  {}
