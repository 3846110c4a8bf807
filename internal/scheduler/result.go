package scheduler

import (
	"errors"
	"slices"
	"time"

	"github.com/roach88/hermetic/internal/ir"
	"github.com/roach88/hermetic/internal/pipgraph"
)

// PipResult is the terminal record of one pip.
type PipResult struct {
	ID       pipgraph.PipID       `json:"id"`
	Name     string               `json:"name"`
	State    State                `json:"state"`
	Err      error                `json:"-"`
	CacheHit bool                 `json:"cache_hit"`
	Duration time.Duration        `json:"duration"`
	Strong   ir.StrongFingerprint `json:"strong,omitzero"`
	Retries  int                  `json:"retries,omitempty"`
}

// Failure describes one failed pip for reporting.
type Failure struct {
	Pip      pipgraph.PipID
	Name     string
	Cause    error
	Location string
	Path     string
}

// Result summarizes a build.
type Result struct {
	BuildID   string
	GraphHash ir.ContentHash
	Started   time.Time
	Finished  time.Time
	Canceled  bool
	Pips      map[pipgraph.PipID]*PipResult
}

// Pip returns the result for id.
func (r *Result) Pip(id pipgraph.PipID) (*PipResult, bool) {
	pr, ok := r.Pips[id]
	return pr, ok
}

func (r *Result) sortedIDs() []pipgraph.PipID {
	ids := make([]pipgraph.PipID, 0, len(r.Pips))
	for id := range r.Pips {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Failures lists failed pips in ID order.
func (r *Result) Failures() []Failure {
	var out []Failure
	for _, id := range r.sortedIDs() {
		pr := r.Pips[id]
		if pr.State != Failed {
			continue
		}
		f := Failure{Pip: id, Name: pr.Name, Cause: pr.Err}
		var pe *PipError
		if errors.As(pr.Err, &pe) {
			f.Location = pe.Location
			f.Path = pe.Path
		}
		out = append(out, f)
	}
	return out
}

// Skipped lists skipped pips in ID order.
func (r *Result) Skipped() []pipgraph.PipID {
	var out []pipgraph.PipID
	for _, id := range r.sortedIDs() {
		if r.Pips[id].State == Skipped {
			out = append(out, id)
		}
	}
	return out
}

// Succeeded reports whether every pip reached Done.
func (r *Result) Succeeded() bool {
	for _, pr := range r.Pips {
		if pr.State != Done {
			return false
		}
	}
	return !r.Canceled
}

// Counts tallies terminal outcomes.
type Counts struct {
	Total     int `json:"total"`
	Executed  int `json:"executed"`
	CacheHits int `json:"cache_hits"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Counts tallies the build's pips.
func (r *Result) Counts() Counts {
	c := Counts{Total: len(r.Pips)}
	for _, pr := range r.Pips {
		switch {
		case pr.State == Failed:
			c.Failed++
		case pr.State == Skipped:
			c.Skipped++
		case pr.CacheHit:
			c.CacheHits++
		case pr.State == Done:
			c.Executed++
		}
	}
	return c
}

// Outcome is "success", "failed" or "canceled".
func (r *Result) Outcome() string {
	switch {
	case r.Canceled:
		return "canceled"
	case r.Succeeded():
		return "success"
	default:
		return "failed"
	}
}
