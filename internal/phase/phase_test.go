package phase

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/uws-engine/pkg/types"
)

// legal lists every non-forced move, built from the table and the extra rules.
func legal(from, to types.ExecutionPhase) bool {
	if from == types.PhaseUnknown || to == types.PhaseUnknown {
		return true
	}
	pairs := map[types.ExecutionPhase][]types.ExecutionPhase{
		types.PhasePending:   {types.PhaseQueued, types.PhaseHeld, types.PhasePending, types.PhaseAborted, types.PhaseError},
		types.PhaseQueued:    {types.PhaseExecuting, types.PhaseHeld, types.PhaseAborted, types.PhaseError},
		types.PhaseHeld:      {types.PhaseQueued, types.PhaseExecuting, types.PhaseAborted, types.PhaseError},
		types.PhaseSuspended: {types.PhaseExecuting, types.PhaseAborted, types.PhaseError},
		types.PhaseExecuting: {types.PhaseCompleted, types.PhaseAborted, types.PhaseError, types.PhaseHeld, types.PhaseSuspended},
		types.PhaseCompleted: {types.PhaseArchived},
		types.PhaseAborted:   {types.PhaseArchived, types.PhaseAborted},
		types.PhaseError:     {types.PhaseArchived, types.PhaseError},
		types.PhaseArchived:  {},
	}
	for _, p := range pairs[from] {
		if p == to {
			return true
		}
	}
	return false
}

func TestCanTransitionAllPairs(t *testing.T) {
	for _, from := range types.AllPhases {
		for _, to := range types.AllPhases {
			assert.Equal(t, legal(from, to), CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestForcedTransitionAlwaysSucceeds(t *testing.T) {
	now := time.Now()
	for _, from := range types.AllPhases {
		for _, to := range types.AllPhases {
			m := Restore(from, time.Time{}, time.Time{})
			require.NoError(t, m.Transition(to, true, now), "%s -> %s", from, to)
			assert.Equal(t, to, m.Phase())
		}
	}
}

func TestTransitionError(t *testing.T) {
	m := New()
	require.NoError(t, m.Transition(types.PhaseQueued, false, time.Now()))

	err := m.Transition(types.PhaseCompleted, false, time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, types.PhaseQueued, te.From)
	assert.Equal(t, types.PhaseCompleted, te.To)
	assert.Equal(t, types.PhaseQueued, m.Phase(), "rejected transition must not change the phase")
}

func TestArchivedIsTerminal(t *testing.T) {
	m := Restore(types.PhaseArchived, time.Now(), time.Now())
	for _, to := range types.AllPhases {
		if to == types.PhaseUnknown {
			continue
		}
		assert.Error(t, m.Transition(to, false, time.Now()), "ARCHIVED -> %s", to)
		assert.Equal(t, types.PhaseArchived, m.Phase())
	}
}

func TestTimestamps(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := New()
	assert.True(t, m.StartTime().IsZero())
	assert.True(t, m.EndTime().IsZero())

	require.NoError(t, m.Transition(types.PhaseQueued, false, t0))
	assert.True(t, m.StartTime().IsZero())

	require.NoError(t, m.Transition(types.PhaseExecuting, false, t0.Add(time.Second)))
	assert.Equal(t, t0.Add(time.Second), m.StartTime())
	assert.True(t, m.EndTime().IsZero())

	require.NoError(t, m.Transition(types.PhaseSuspended, false, t0.Add(2*time.Second)))
	require.NoError(t, m.Transition(types.PhaseExecuting, false, t0.Add(3*time.Second)))
	assert.Equal(t, t0.Add(time.Second), m.StartTime(), "start time is set once")

	require.NoError(t, m.Transition(types.PhaseCompleted, false, t0.Add(4*time.Second)))
	assert.Equal(t, t0.Add(4*time.Second), m.EndTime())

	require.NoError(t, m.Transition(types.PhaseArchived, false, t0.Add(5*time.Second)))
	assert.Equal(t, t0.Add(4*time.Second), m.EndTime(), "end time is set once")

	require.NoError(t, m.Transition(types.PhasePending, true, t0.Add(6*time.Second)))
	assert.True(t, m.EndTime().IsZero(), "non-terminal phase has no end time")
	assert.Equal(t, t0.Add(time.Second), m.StartTime())
}

func TestPredicates(t *testing.T) {
	tests := []struct {
		phase                                  types.ExecutionPhase
		finished, executing, updatable, active bool
	}{
		{types.PhasePending, false, false, true, true},
		{types.PhaseQueued, false, false, false, true},
		{types.PhaseHeld, false, false, false, true},
		{types.PhaseSuspended, false, true, false, true},
		{types.PhaseExecuting, false, true, false, true},
		{types.PhaseCompleted, true, false, false, false},
		{types.PhaseAborted, true, false, false, false},
		{types.PhaseError, true, false, false, false},
		{types.PhaseArchived, true, false, false, false},
		{types.PhaseUnknown, false, false, false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.phase), func(t *testing.T) {
			assert.Equal(t, tt.finished, IsFinished(tt.phase))
			assert.Equal(t, tt.executing, IsExecuting(tt.phase))
			assert.Equal(t, tt.updatable, IsUpdatable(tt.phase))
			assert.Equal(t, tt.active, IsActive(tt.phase))
		})
	}
}
