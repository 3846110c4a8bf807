package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/hermetic/internal/pipgraph"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{Pending, Ready, true},
		{Pending, Skipped, true},
		{Ready, FingerprintLookup, true},
		{FingerprintLookup, CacheHit, true},
		{FingerprintLookup, CacheMiss, true},
		{CacheHit, Materializing, true},
		{Materializing, Done, true},
		{Materializing, CacheMiss, true},
		{CacheMiss, Executing, true},
		{Executing, Verifying, true},
		{Verifying, Done, true},
		{Verifying, Failed, true},

		{Pending, Done, false},
		{Ready, Executing, false},
		{CacheHit, Done, false},
		{Executing, Done, false},
		{Done, Ready, false},
		{Failed, Ready, false},
		{Skipped, Ready, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for s := Pending; s <= Skipped; s++ {
		if !s.IsTerminal() {
			continue
		}
		for to := Pending; to <= Skipped; to++ {
			assert.False(t, CanTransition(s, to), "%s -> %s", s, to)
		}
	}
}

func TestTransition(t *testing.T) {
	states := map[pipgraph.PipID]State{1: Pending}

	require.NoError(t, Transition(states, 1, Pending, Ready))
	assert.Equal(t, Ready, states[1])

	err := Transition(states, 1, Pending, Ready)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected pending, got ready")

	err = Transition(states, 1, Ready, Done)
	require.Error(t, err)
	assert.Equal(t, Ready, states[1])

	require.Error(t, Transition(states, 2, Pending, Ready))
}

func TestStateMarshalText(t *testing.T) {
	b, err := FingerprintLookup.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "fingerprint_lookup", string(b))
}
