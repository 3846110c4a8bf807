package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once           sync.Once
	buildDuration  prom.Histogram
	buildOutcome   *prom.CounterVec
	pipDuration    *prom.HistogramVec
	pipOutcome     *prom.CounterVec
	cacheLookups   *prom.CounterVec
	inconsistent   prom.Counter
	timeouts       prom.Counter
	retries        *prom.CounterVec
	remoteRequests *prom.CounterVec
}

// NewPrometheusRecorder constructs and registers Prometheus metrics (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.buildDuration = prom.NewHistogram(prom.HistogramOpts{
			Namespace: "hermetic",
			Name:      "build_duration_seconds",
			Help:      "Total build duration",
			Buckets:   prom.DefBuckets,
		})
		pr.buildOutcome = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "hermetic",
			Name:      "build_outcomes_total",
			Help:      "Build outcomes by final status",
		}, []string{"outcome"})
		pr.pipDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "hermetic",
			Name:      "pip_duration_seconds",
			Help:      "Duration of individual pips by outcome",
			Buckets:   prom.DefBuckets,
		}, []string{"outcome"})
		pr.pipOutcome = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "hermetic",
			Name:      "pip_outcomes_total",
			Help:      "Pip terminal states",
		}, []string{"outcome"})
		pr.cacheLookups = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "hermetic",
			Name:      "cache_lookups_total",
			Help:      "Memoization cache lookups by result",
		}, []string{"result"})
		pr.inconsistent = prom.NewCounter(prom.CounterOpts{
			Namespace: "hermetic",
			Name:      "cache_inconsistencies_total",
			Help:      "Publishes that disagreed with an existing entry",
		})
		pr.timeouts = prom.NewCounter(prom.CounterOpts{
			Namespace: "hermetic",
			Name:      "sandbox_timeouts_total",
			Help:      "Pips terminated by wall-clock or drought timeout",
		})
		pr.retries = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "hermetic",
			Name:      "retries_total",
			Help:      "Retries of transient infrastructure failures",
		}, []string{"operation"})
		pr.remoteRequests = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "hermetic",
			Name:      "remote_cache_requests_total",
			Help:      "Remote content store requests by method and result",
		}, []string{"method", "result"})
		reg.MustRegister(pr.buildDuration, pr.buildOutcome, pr.pipDuration, pr.pipOutcome,
			pr.cacheLookups, pr.inconsistent, pr.timeouts, pr.retries, pr.remoteRequests)
	})
	return pr
}

func (p *PrometheusRecorder) ObserveBuildDuration(d time.Duration) {
	if p == nil || p.buildDuration == nil {
		return
	}
	p.buildDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncBuildOutcome(outcome string) {
	if p == nil || p.buildOutcome == nil {
		return
	}
	p.buildOutcome.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) ObservePipDuration(outcome OutcomeLabel, d time.Duration) {
	if p == nil || p.pipDuration == nil {
		return
	}
	p.pipDuration.WithLabelValues(string(outcome)).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncPipOutcome(outcome OutcomeLabel) {
	if p == nil || p.pipOutcome == nil {
		return
	}
	p.pipOutcome.WithLabelValues(string(outcome)).Inc()
}

func (p *PrometheusRecorder) IncCacheLookup(hit bool) {
	if p == nil || p.cacheLookups == nil {
		return
	}
	p.cacheLookups.WithLabelValues(hitLabel(hit)).Inc()
}

func (p *PrometheusRecorder) IncCacheInconsistency() {
	if p == nil || p.inconsistent == nil {
		return
	}
	p.inconsistent.Inc()
}

func (p *PrometheusRecorder) IncSandboxTimeout() {
	if p == nil || p.timeouts == nil {
		return
	}
	p.timeouts.Inc()
}

func (p *PrometheusRecorder) IncRetry(operation string) {
	if p == nil || p.retries == nil {
		return
	}
	p.retries.WithLabelValues(operation).Inc()
}

func (p *PrometheusRecorder) IncRemoteRequest(method string, success bool) {
	if p == nil || p.remoteRequests == nil {
		return
	}
	res := "failed"
	if success {
		res = "success"
	}
	p.remoteRequests.WithLabelValues(method, res).Inc()
}

func hitLabel(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}
