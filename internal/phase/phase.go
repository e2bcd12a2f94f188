// ============================================================================
// uws-engine Phase State Machine
// ============================================================================
//
// Package: internal/phase
// File: phase.go
// Purpose: Pure evaluator of execution-phase transitions. No I/O, no locks;
// the owner (a job record) serializes calls.
//
// Transition table (non-forced):
//
//	PENDING   -> QUEUED, HELD
//	QUEUED    -> EXECUTING, HELD
//	HELD      -> QUEUED, EXECUTING
//	SUSPENDED -> EXECUTING
//	EXECUTING -> COMPLETED, ABORTED, ERROR, HELD, SUSPENDED
//	COMPLETED -> ARCHIVED
//	ABORTED   -> ARCHIVED
//	ERROR     -> ARCHIVED
//	ARCHIVED  -> (forced only)
//
// Rules applied on top of the table:
//   - UNKNOWN is a legal source and a legal target for every phase
//   - PENDING is reachable only from PENDING
//   - ABORTED is reachable from every phase except COMPLETED, ERROR, ARCHIVED
//   - ERROR is reachable from every phase except COMPLETED, ABORTED, ARCHIVED
//
// ============================================================================

package phase

import (
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/uws-engine/pkg/types"
)

// ErrInvalidTransition is matched by every *TransitionError.
var ErrInvalidTransition = errors.New("invalid phase transition")

// TransitionError reports a rejected non-forced transition.
type TransitionError struct {
	From types.ExecutionPhase
	To   types.ExecutionPhase
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid phase transition from %s to %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

var table = map[types.ExecutionPhase][]types.ExecutionPhase{
	types.PhasePending:   {types.PhaseQueued, types.PhaseHeld},
	types.PhaseQueued:    {types.PhaseExecuting, types.PhaseHeld},
	types.PhaseHeld:      {types.PhaseQueued, types.PhaseExecuting},
	types.PhaseSuspended: {types.PhaseExecuting},
	types.PhaseExecuting: {types.PhaseCompleted, types.PhaseAborted, types.PhaseError, types.PhaseHeld, types.PhaseSuspended},
	types.PhaseCompleted: {types.PhaseArchived},
	types.PhaseAborted:   {types.PhaseArchived},
	types.PhaseError:     {types.PhaseArchived},
}

// CanTransition reports whether a non-forced move from -> to is legal.
func CanTransition(from, to types.ExecutionPhase) bool {
	if from == types.PhaseUnknown || to == types.PhaseUnknown {
		return true
	}

	switch to {
	case types.PhasePending:
		return from == types.PhasePending
	case types.PhaseAborted:
		return from != types.PhaseCompleted && from != types.PhaseError && from != types.PhaseArchived
	case types.PhaseError:
		return from != types.PhaseCompleted && from != types.PhaseAborted && from != types.PhaseArchived
	}

	for _, allowed := range table[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsFinished reports a terminal phase.
func IsFinished(p types.ExecutionPhase) bool {
	switch p {
	case types.PhaseCompleted, types.PhaseAborted, types.PhaseError, types.PhaseArchived:
		return true
	}
	return false
}

// IsExecuting reports a phase that occupies a worker slot.
func IsExecuting(p types.ExecutionPhase) bool {
	return p == types.PhaseExecuting || p == types.PhaseSuspended
}

// IsUpdatable reports whether parameters may still change.
func IsUpdatable(p types.ExecutionPhase) bool {
	return p == types.PhasePending
}

// IsActive reports a phase a client may still block on.
func IsActive(p types.ExecutionPhase) bool {
	switch p {
	case types.PhasePending, types.PhaseQueued, types.PhaseHeld, types.PhaseSuspended, types.PhaseExecuting:
		return true
	}
	return false
}

// Machine holds the authoritative phase of one job with its start and end
// times. The zero value is not usable; call New or Restore.
type Machine struct {
	phase types.ExecutionPhase
	start time.Time
	end   time.Time
}

// New returns a machine in PENDING.
func New() Machine {
	return Machine{phase: types.PhasePending}
}

// Restore rebuilds a machine from persisted values without any legality check.
func Restore(p types.ExecutionPhase, start, end time.Time) Machine {
	return Machine{phase: p, start: start, end: end}
}

// Phase returns the current phase.
func (m *Machine) Phase() types.ExecutionPhase { return m.phase }

// StartTime is zero until the first entry into EXECUTING.
func (m *Machine) StartTime() time.Time { return m.start }

// EndTime is zero unless the phase is terminal.
func (m *Machine) EndTime() time.Time { return m.end }

// Transition moves the machine to target. A forced transition always
// succeeds. Leaving a terminal phase by force clears the end time.
func (m *Machine) Transition(target types.ExecutionPhase, force bool, now time.Time) error {
	if !force && !CanTransition(m.phase, target) {
		return &TransitionError{From: m.phase, To: target}
	}

	m.phase = target
	if target == types.PhaseExecuting && m.start.IsZero() {
		m.start = now
	}
	if IsFinished(target) {
		if m.end.IsZero() {
			m.end = now
		}
	} else {
		m.end = time.Time{}
	}
	return nil
}
