package power

import (
	"context"
	"testing"

	"github.com/fpgalab/bringup/pkg/errors"
	"github.com/fpgalab/bringup/pkg/hostcmd"
)

func TestCommandSwitch(t *testing.T) {
	var scripts []string
	runner := hostcmd.RunnerFunc(func(ctx context.Context, name string, args ...string) (string, error) {
		scripts = append(scripts, args[len(args)-1])
		return "", nil
	})

	sw, err := NewCommandSwitch("zcu102", "pdu outlet 3 on", "pdu outlet 3 off", runner)
	if err != nil {
		t.Fatalf("NewCommandSwitch: %v", err)
	}

	ctx := context.Background()
	if err := sw.On(ctx); err != nil {
		t.Fatalf("On: %v", err)
	}
	if err := sw.Off(ctx); err != nil {
		t.Fatalf("Off: %v", err)
	}

	if len(scripts) != 2 || scripts[0] != "pdu outlet 3 on" || scripts[1] != "pdu outlet 3 off" {
		t.Errorf("unexpected commands %v", scripts)
	}
}

func TestCommandSwitch_Failure(t *testing.T) {
	runner := hostcmd.RunnerFunc(func(ctx context.Context, name string, args ...string) (string, error) {
		return "timeout talking to PDU", &errors.CommandError{Command: "pdu", ExitCode: 1}
	})
	sw, err := NewCommandSwitch("zcu102", "on", "off", runner)
	if err != nil {
		t.Fatal(err)
	}

	err = sw.On(context.Background())
	if !errors.Is(err, errors.ErrHardwareOperation) {
		t.Errorf("expected hardware error, got %v", err)
	}
	if !errors.Is(err, errors.ErrCommandExecution) {
		t.Errorf("command failure should stay visible, got %v", err)
	}
}

func TestNewCommandSwitch_Validation(t *testing.T) {
	for _, cmds := range [][2]string{{"", "off"}, {"on", " "}} {
		_, err := NewCommandSwitch("x", cmds[0], cmds[1], nil)
		if !errors.Is(err, errors.ErrConfiguration) {
			t.Errorf("%v: expected configuration error, got %v", cmds, err)
		}
	}
	if _, err := NewCommandSwitch("x", "on", "off", nil); err != nil {
		t.Errorf("default runner: %v", err)
	}
}
