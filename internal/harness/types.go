package harness

// TraceEvent is the terminal record of one pip in one build.
type TraceEvent struct {
	Build  int    `json:"build"`
	Pip    string `json:"pip"`
	State  string `json:"state"`
	Cached bool   `json:"cached"`
	Code   string `json:"code,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace holds one event per pip per build, builds in step order and
	// pips in topological order.
	Trace []TraceEvent `json:"trace"`

	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{Pass: true, Trace: []TraceEvent{}, Errors: []string{}}
}

// AddError records a failed check and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Event returns the trace event for pip in build, if any.
func (r *Result) Event(build int, pip string) (TraceEvent, bool) {
	for _, ev := range r.Trace {
		if ev.Build == build && ev.Pip == pip {
			return ev, true
		}
	}
	return TraceEvent{}, false
}

// Builds returns the number of builds the trace covers.
func (r *Result) Builds() int {
	n := 0
	for _, ev := range r.Trace {
		n = max(n, ev.Build)
	}
	return n
}
