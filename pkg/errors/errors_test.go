package errors

import (
	"fmt"
	"testing"
	"time"
)

func TestWrap(t *testing.T) {
	if Wrap(nil, "ctx") != nil {
		t.Error("Wrap(nil) should return nil")
	}

	base := fmt.Errorf("boom")
	err := Wrap(base, "mount failed")
	if err.Error() != "mount failed: boom" {
		t.Errorf("unexpected message: %s", err)
	}
	if !Is(err, base) {
		t.Error("wrapped error should match its cause")
	}
}

func TestTaxonomy(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
	}{
		{"invalid transition", InvalidTransition("sdmux", "shell", "booting", "backward"), ErrInvalidTransition},
		{"configuration", Configuration("missing %s binding", "power"), ErrConfiguration},
		{"invalid state", InvalidState("not mounted"), ErrInvalidState},
		{"deadline", &DeadlineError{What: "boot marker", Timeout: time.Second}, ErrDeadlineExceeded},
		{"command", &CommandError{Command: "false", ExitCode: 1}, ErrCommandExecution},
		{"hardware", Hardware("power on", "outlet-1", fmt.Errorf("unreachable")), ErrHardwareOperation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !Is(tt.err, tt.target) {
				t.Errorf("%v should match %v", tt.err, tt.target)
			}

			staged := &StageError{Workflow: "sdmux", Stage: "booted", Err: tt.err}
			if !Is(staged, tt.target) {
				t.Errorf("stage context should keep %v matchable", tt.target)
			}
		})
	}
}

func TestDeadlineErrorCarriesLastObserved(t *testing.T) {
	last := fmt.Errorf("marker %q not seen", "login:")
	err := &DeadlineError{What: "boot", Timeout: 2 * time.Second, Attempts: 3, LastObserved: last}

	if !Is(err, last) {
		t.Error("deadline error should unwrap to the last observed failure")
	}

	var de *DeadlineError
	if !As(Wrap(err, "booted"), &de) {
		t.Fatal("expected DeadlineError through wrapping")
	}
	if de.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", de.Attempts)
	}
}

func TestHardwareNil(t *testing.T) {
	if Hardware("off", "pdu", nil) != nil {
		t.Error("Hardware(nil) should return nil")
	}
}
