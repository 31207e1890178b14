// Operation lifecycle state machine.
//
// Valid transitions:
//   - NotStarted → Running
//   - Running → Running (progress-update self-loop)
//   - Running → {Completed, Failed, Cancelled}
//   - terminal states permit no further transitions
//
// The single-Running invariant is NOT enforced here; it lives in the store
// layer as an atomic insert guard (partial unique index in PostgreSQL, scan
// under lock in memory). This file only validates per-operation transitions.

package operations

import (
	"errors"
	"fmt"
)

// Sentinel errors for state transition validation.
// These can be used with errors.Is() for error checking.
var (
	// ErrInvalidTransition indicates an invalid state transition.
	ErrInvalidTransition = errors.New("invalid operation state transition")

	// ErrTerminalStateImmutable indicates an attempt to transition from a terminal state.
	ErrTerminalStateImmutable = errors.New("terminal operation state is immutable")

	// ErrUnknownStatus indicates a status value outside the lifecycle set.
	ErrUnknownStatus = errors.New("unknown operation status")
)

// ValidateTransition validates a state transition according to the run lifecycle.
func ValidateTransition(from, to Status) error {
	if !from.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, from)
	}

	if !to.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, to)
	}

	if from.IsTerminal() {
		return fmt.Errorf("%w: %s → %s", ErrTerminalStateImmutable, from, to)
	}

	switch from {
	case StatusNotStarted:
		if to == StatusRunning {
			return nil
		}
	case StatusRunning:
		if to == StatusRunning || to.IsTerminal() {
			return nil
		}
	}

	return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
}
