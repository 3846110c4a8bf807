package scheduler

import (
	"fmt"

	"github.com/roach88/hermetic/internal/pipgraph"
)

// State is a pip's position in the execution state machine.
type State uint8

const (
	Pending State = iota
	Ready
	FingerprintLookup
	CacheHit
	Materializing
	CacheMiss
	Executing
	Verifying
	Done
	Failed
	Skipped
)

var stateNames = [...]string{
	Pending:           "pending",
	Ready:             "ready",
	FingerprintLookup: "fingerprint_lookup",
	CacheHit:          "cache_hit",
	Materializing:     "materializing",
	CacheMiss:         "cache_miss",
	Executing:         "executing",
	Verifying:         "verifying",
	Done:              "done",
	Failed:            "failed",
	Skipped:           "skipped",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", s)
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsTerminal reports whether the state is final.
func (s State) IsTerminal() bool {
	return s == Done || s == Failed || s == Skipped
}

var transitions = map[State][]State{
	Pending:           {Ready, Skipped},
	Ready:             {FingerprintLookup, Skipped},
	FingerprintLookup: {CacheHit, CacheMiss, Failed},
	CacheHit:          {Materializing},
	Materializing:     {Done, CacheMiss, Failed},
	CacheMiss:         {Executing, Failed},
	Executing:         {Verifying, Failed},
	Verifying:         {Done, Failed},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition performs a validated transition for one pip. The caller
// supplies the expected prior state so races are observable; states is
// mutated if and only if the transition is valid.
func Transition(states map[pipgraph.PipID]State, id pipgraph.PipID, from, to State) error {
	cur, ok := states[id]
	if !ok {
		return fmt.Errorf("unknown pip in state: %s", id)
	}
	if cur != from {
		return fmt.Errorf("invalid transition for %s: expected %s, got %s", id, from, cur)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("disallowed transition for %s: %s -> %s", id, from, to)
	}
	states[id] = to
	return nil
}
