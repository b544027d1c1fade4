// Package power switches board power by running configured host commands, for
// example a PDU CLI, uhubctl, or a relay script.
package power

import (
	"context"
	"log/slog"
	"strings"

	"github.com/fpgalab/bringup/pkg/errors"
	"github.com/fpgalab/bringup/pkg/hostcmd"
)

// CommandSwitch implements capability.PowerControl with shell commands.
type CommandSwitch struct {
	name   string
	on     string
	off    string
	runner hostcmd.Runner
}

// NewCommandSwitch creates a switch. Both commands are required.
func NewCommandSwitch(name, onCmd, offCmd string, runner hostcmd.Runner) (*CommandSwitch, error) {
	if strings.TrimSpace(onCmd) == "" || strings.TrimSpace(offCmd) == "" {
		return nil, errors.Configuration("power %s: on and off commands are required", name)
	}
	if runner == nil {
		runner = hostcmd.Exec{}
	}
	return &CommandSwitch{name: name, on: onCmd, off: offCmd, runner: runner}, nil
}

func (s *CommandSwitch) On(ctx context.Context) error {
	return s.run(ctx, "on", s.on)
}

func (s *CommandSwitch) Off(ctx context.Context) error {
	return s.run(ctx, "off", s.off)
}

func (s *CommandSwitch) run(ctx context.Context, state, cmd string) error {
	slog.Info("power_switch", "outlet", s.name, "state", state)
	if _, err := hostcmd.Shell(ctx, s.runner, cmd); err != nil {
		return errors.Hardware("power "+state, s.name, err)
	}
	return nil
}
