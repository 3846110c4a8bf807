// Package metrics provides build observability behind a Recorder
// interface.
//
// Components receive a Recorder through their options and default to
// NoopRecorder, so metrics cost nothing unless a PrometheusRecorder is
// injected. HTTPHandler exposes a registry on /metrics.
package metrics
