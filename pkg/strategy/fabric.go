package strategy

import (
	"context"
	"log/slog"
	"time"

	"github.com/fpgalab/bringup/pkg/capability"
	"github.com/fpgalab/bringup/pkg/engine"
	"github.com/fpgalab/bringup/pkg/errors"
	"github.com/fpgalab/bringup/pkg/wait"
)

// Fabric workflow stages.
const (
	PoweredOn engine.Stage = "powered_on"
	FlashFPGA engine.Stage = "flash_fpga"
)

// Defaults for FabricConfig.
const (
	DefaultFabricBootMarker = "login:"
	DefaultVerifyTimeout    = 30 * time.Second
)

// FabricBindings are the capabilities the fabric workflow drives. Power and Console
// are optional; without a console the board is assumed booted after BootTimeout and
// the shell stage is unavailable.
type FabricBindings struct {
	Power   capability.PowerControl
	Console capability.SerialConsole
	JTAG    capability.JTAGProgrammer
}

// FabricConfig parameterises the fabric workflow.
type FabricConfig struct {
	Boot      BootParams
	Bitstream string
	Kernel    string
	// VerifyDevice, when set, is an IIO device that must be present once the shell
	// is up.
	VerifyDevice  string
	VerifyTimeout time.Duration
}

type fabricBoot struct {
	*board
	jtag capability.JTAGProgrammer
	cfg  FabricConfig
}

// NewFabricBoot returns a bring-up instance for a logic-only FPGA whose soft-core
// kernel is loaded over JTAG.
func NewFabricBoot(b FabricBindings, cfg FabricConfig, observers ...engine.Observer) (*engine.Instance, error) {
	s, err := newFabricBoot(b, cfg)
	if err != nil {
		return nil, err
	}
	return engine.New(s.workflow(), observers...)
}

func newFabricBoot(b FabricBindings, cfg FabricConfig) (*fabricBoot, error) {
	switch {
	case b.JTAG == nil:
		return nil, errors.Configuration("fabric: jtag binding is required")
	case cfg.Bitstream == "":
		return nil, errors.Configuration("fabric: bitstream is required")
	case cfg.Kernel == "":
		return nil, errors.Configuration("fabric: kernel image is required")
	}
	if cfg.Boot.BootMarker == "" {
		cfg.Boot.BootMarker = DefaultFabricBootMarker
	}
	if cfg.VerifyTimeout == 0 {
		cfg.VerifyTimeout = DefaultVerifyTimeout
	}

	return &fabricBoot{
		board: newBoard("fabric", b.Power, b.Console, cfg.Boot),
		jtag:  b.JTAG,
		cfg:   cfg,
	}, nil
}

func (s *fabricBoot) workflow() *engine.Workflow {
	return &engine.Workflow{
		Name: s.name,
		Stages: []engine.StageDef{
			{Stage: engine.Unknown},
			{Stage: PoweredOff, Reset: true, Action: s.powerOff},
			{Stage: PoweredOn, Requires: PoweredOff, Action: s.powerOnAndSettle},
			{Stage: FlashFPGA, Requires: PoweredOn, Action: s.flash},
			{Stage: Booted, Requires: FlashFPGA, Action: s.waitForKernel},
			{Stage: Shell, Requires: Booted, Action: s.shell},
			{Stage: SoftOff, Reset: true, Action: s.softOff},
		},
		Release: s.releaseConsole,
	}
}

func (s *fabricBoot) powerOnAndSettle(ctx context.Context) error {
	if err := s.powerOn(ctx); err != nil {
		return err
	}
	if s.power == nil {
		return nil
	}
	return s.settle(ctx)
}

// flash configures the fabric and starts the soft-core kernel.
func (s *fabricBoot) flash(ctx context.Context) error {
	s.drainConsole(ctx)

	if err := s.jtag.FlashBitstream(ctx, s.cfg.Bitstream); err != nil {
		return errors.Hardware("flash bitstream", s.cfg.Bitstream, err)
	}
	slog.Info("bitstream_flashed", "workflow", s.name, "bitstream", s.cfg.Bitstream)

	if err := s.jtag.LoadAndStartKernel(ctx, s.cfg.Kernel); err != nil {
		return errors.Hardware("load kernel", s.cfg.Kernel, err)
	}
	slog.Info("kernel_started_over_jtag", "workflow", s.name, "kernel", s.cfg.Kernel)
	return nil
}

// waitForKernel watches the console for the boot markers, or waits out the boot
// timeout when there is no console to watch.
func (s *fabricBoot) waitForKernel(ctx context.Context) error {
	if s.console != nil {
		return s.waitForBoot(ctx)
	}

	slog.Info("boot_assumed_after_timeout", "workflow", s.name, "timeout", s.params.BootTimeout)
	if err := wait.Sleep(ctx, s.params.BootTimeout); err != nil {
		return err
	}
	s.up = true
	return nil
}

func (s *fabricBoot) shell(ctx context.Context) error {
	if err := s.activateShell(ctx); err != nil {
		return err
	}
	if s.cfg.VerifyDevice == "" {
		return nil
	}

	err := wait.Until(ctx, "device "+s.cfg.VerifyDevice, s.cfg.VerifyTimeout, s.params.PollInterval, func(ctx context.Context) error {
		return devicePresent(ctx, s.console, s.cfg.VerifyDevice)
	})
	if err != nil {
		return err
	}
	slog.Info("device_verified", "workflow", s.name, "device", s.cfg.VerifyDevice)
	return nil
}
