// Package errors provides error wrapping utilities and the error taxonomy shared by
// the transition engine, the workflows, and the hardware adapters.
package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// Sentinel kinds. Every typed error below matches one of these through errors.Is.
var (
	ErrInvalidTransition = stderrors.New("invalid transition")
	ErrDeadlineExceeded  = stderrors.New("deadline exceeded")
	ErrHardwareOperation = stderrors.New("hardware operation failed")
	ErrCommandExecution  = stderrors.New("command execution failed")
	ErrConfiguration     = stderrors.New("configuration error")
	ErrInvalidState      = stderrors.New("invalid state")
)

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Is and As re-export the standard helpers so callers need a single import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

// Join re-exports errors.Join.
func Join(errs ...error) error { return stderrors.Join(errs...) }

// InvalidTransition reports a requested stage with no forward path from the current one.
func InvalidTransition(workflow, from, to, reason string) error {
	return fmt.Errorf("%w: %s: %s -> %s: %s", ErrInvalidTransition, workflow, from, to, reason)
}

// Configuration reports a missing binding or an absent/invalid parameter.
func Configuration(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// InvalidState reports a capability used while it is in the wrong state.
func InvalidState(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}

// StageError attaches the workflow and stage to a failed stage action.
type StageError struct {
	Workflow string
	Stage    string
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: stage %s: %v", e.Workflow, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// DeadlineError is returned when a polled condition was not met in time.
// LastObserved is the failure reported by the final evaluation of the condition.
type DeadlineError struct {
	What         string
	Timeout      time.Duration
	Attempts     int
	LastObserved error
}

func (e *DeadlineError) Error() string {
	msg := fmt.Sprintf("%s: not satisfied after %d attempts", e.What, e.Attempts)
	if e.Timeout > 0 {
		msg = fmt.Sprintf("%s: not satisfied within %s after %d attempts", e.What, e.Timeout, e.Attempts)
	}
	if e.LastObserved != nil {
		msg += ": last observed: " + e.LastObserved.Error()
	}
	return msg
}

func (e *DeadlineError) Is(target error) bool { return target == ErrDeadlineExceeded }

func (e *DeadlineError) Unwrap() error { return e.LastObserved }

// CommandError is a shell command on the board that reported failure.
type CommandError struct {
	Command  string
	Output   string
	ExitCode int
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %q exited with code %d", e.Command, e.ExitCode)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CommandError) Is(target error) bool { return target == ErrCommandExecution }

func (e *CommandError) Unwrap() error { return e.Err }

// HardwareError is a capability call that failed inside the device or its connection.
type HardwareError struct {
	Op     string
	Device string
	Err    error
}

func (e *HardwareError) Error() string {
	if e.Device == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Device, e.Err)
}

func (e *HardwareError) Is(target error) bool { return target == ErrHardwareOperation }

func (e *HardwareError) Unwrap() error { return e.Err }

// Hardware wraps err as a HardwareError. If err is nil, it returns nil.
func Hardware(op, device string, err error) error {
	if err == nil {
		return nil
	}
	return &HardwareError{Op: op, Device: device, Err: err}
}
