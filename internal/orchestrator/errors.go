package orchestrator

import (
	"errors"
	"fmt"
)

// DelegateFailure wraps a fault from an external collaborator,
// including delegate call timeouts.
type DelegateFailure struct {
	Stage Stage
	Err   error
}

func (e *DelegateFailure) Error() string {
	return fmt.Sprintf("external delegate failed during %s: %v", e.Stage, e.Err)
}

func (e *DelegateFailure) Unwrap() error {
	return e.Err
}

// ErrVirtualizedTarget is returned when a mutating stage would run
// inside WSL or a hypervisor without allow_virtualized set.
var ErrVirtualizedTarget = errors.New("refusing to mutate target storage inside a virtualized environment")

// FatalError is returned when even the recovery fallback could not be
// entered. It carries the original stage failure and the recovery
// failure so the operator sees both.
type FatalError struct {
	StageErr    error
	RecoveryErr error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("recovery shell could not be entered (%v) after stage failure: %v", e.RecoveryErr, e.StageErr)
}

func (e *FatalError) Unwrap() error {
	return e.StageErr
}
