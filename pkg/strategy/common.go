// Package strategy defines the four board bring-up workflows as engine stage tables:
// SD-card mux boot, SSH two-pass boot, dual-chip SelMap boot and JTAG fabric boot.
// Each constructor takes its capability bindings, checks them once, and returns an
// engine.Instance positioned at engine.Unknown.
package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/fpgalab/bringup/pkg/capability"
	"github.com/fpgalab/bringup/pkg/engine"
	"github.com/fpgalab/bringup/pkg/errors"
	"github.com/fpgalab/bringup/pkg/wait"
)

// Stages shared by several workflows.
const (
	PoweredOff      engine.Stage = "powered_off"
	Booting         engine.Stage = "booting"
	Booted          engine.Stage = "booted"
	UpdateBootFiles engine.Stage = "update_boot_files"
	Shell           engine.Stage = "shell"
	SoftOff         engine.Stage = "soft_off"
)

// Defaults for BootParams.
const (
	DefaultKernelMarker    = "Linux"
	DefaultShutdownMarker  = "Power down"
	DefaultBootTimeout     = 120 * time.Second
	DefaultKernelTimeout   = 30 * time.Second
	DefaultPollInterval    = time.Second
	DefaultSettleDelay     = 5 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
)

// BootParams controls how a workflow recognises a booted board and shuts it down.
type BootParams struct {
	// KernelMarker is expected on the console first, within KernelTimeout.
	KernelMarker string
	// BootMarker is expected after the kernel marker, within BootTimeout. Usually
	// the board's hostname prompt or "login:".
	BootMarker      string
	BootTimeout     time.Duration
	KernelTimeout   time.Duration
	PollInterval    time.Duration
	SettleDelay     time.Duration
	ShutdownMarker  string
	ShutdownTimeout time.Duration
}

// DefaultBootParams returns the defaults with the given boot marker.
func DefaultBootParams(bootMarker string) BootParams {
	return BootParams{
		KernelMarker:    DefaultKernelMarker,
		BootMarker:      bootMarker,
		BootTimeout:     DefaultBootTimeout,
		KernelTimeout:   DefaultKernelTimeout,
		PollInterval:    DefaultPollInterval,
		SettleDelay:     DefaultSettleDelay,
		ShutdownMarker:  DefaultShutdownMarker,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// withDefaults fills zero fields. A negative SettleDelay disables settling.
func (p BootParams) withDefaults() BootParams {
	if p.KernelMarker == "" {
		p.KernelMarker = DefaultKernelMarker
	}
	if p.BootTimeout == 0 {
		p.BootTimeout = DefaultBootTimeout
	}
	if p.KernelTimeout == 0 {
		p.KernelTimeout = DefaultKernelTimeout
	}
	if p.PollInterval == 0 {
		p.PollInterval = DefaultPollInterval
	}
	if p.SettleDelay == 0 {
		p.SettleDelay = DefaultSettleDelay
	}
	if p.ShutdownMarker == "" {
		p.ShutdownMarker = DefaultShutdownMarker
	}
	if p.ShutdownTimeout == 0 {
		p.ShutdownTimeout = DefaultShutdownTimeout
	}
	return p
}

// board holds the handles every workflow shares: power, console and whether the
// board is known to be running an OS.
type board struct {
	name    string
	power   capability.PowerControl
	console capability.SerialConsole
	params  BootParams
	up      bool
}

func newBoard(workflow string, power capability.PowerControl, console capability.SerialConsole, params BootParams) *board {
	return &board{
		name:    workflow,
		power:   power,
		console: console,
		params:  params.withDefaults(),
	}
}

// settle waits for hardware to stabilise after a switch.
func (b *board) settle(ctx context.Context) error {
	return wait.Sleep(ctx, b.params.SettleDelay)
}

// deactivateConsole releases the console session. Failures are logged only.
func (b *board) deactivateConsole(ctx context.Context) {
	if b.console == nil {
		return
	}
	if err := b.console.Deactivate(ctx); err != nil {
		slog.Warn("console_deactivate_failed", "workflow", b.name, "error", err)
	}
}

// powerOff is the powered_off action: release the console, cut power.
func (b *board) powerOff(ctx context.Context) error {
	b.deactivateConsole(ctx)
	b.up = false

	if b.power == nil {
		slog.Info("power_off_skipped", "workflow", b.name, "reason", "no power control bound")
		return nil
	}
	if err := b.power.Off(ctx); err != nil {
		return errors.Hardware("power off", b.name, err)
	}
	slog.Info("board_powered_off", "workflow", b.name)
	return nil
}

// powerOn settles, drains stale console output so markers from an earlier boot do
// not match, and switches power on.
func (b *board) powerOn(ctx context.Context) error {
	if b.power == nil {
		slog.Info("power_on_skipped", "workflow", b.name, "reason", "no power control bound")
		return nil
	}
	if err := b.settle(ctx); err != nil {
		return err
	}
	b.drainConsole(ctx)
	if err := b.power.On(ctx); err != nil {
		return errors.Hardware("power on", b.name, err)
	}
	slog.Info("board_powered_on", "workflow", b.name)
	return nil
}

func (b *board) drainConsole(ctx context.Context) {
	if b.console == nil {
		return
	}
	if _, err := b.console.ReadConsole(ctx); err != nil {
		slog.Warn("console_drain_failed", "workflow", b.name, "error", err)
	}
}

// waitForBoot polls the raw console for the kernel marker and then the boot marker.
func (b *board) waitForBoot(ctx context.Context) error {
	if b.console == nil {
		return errors.Configuration("%s: waiting for boot needs a serial console", b.name)
	}

	watch := &consoleWatch{console: b.console}
	if err := watch.expect(ctx, b.params.KernelMarker, b.params.KernelTimeout, b.params.PollInterval); err != nil {
		return err
	}
	slog.Info("kernel_started", "workflow", b.name, "marker", b.params.KernelMarker)

	if b.params.BootMarker != "" {
		if err := watch.expect(ctx, b.params.BootMarker, b.params.BootTimeout, b.params.PollInterval); err != nil {
			return err
		}
	}
	b.up = true
	slog.Info("board_booted", "workflow", b.name, "marker", b.params.BootMarker)
	return nil
}

// activateShell is the shell action for console based workflows.
func (b *board) activateShell(ctx context.Context) error {
	if b.console == nil {
		return errors.Configuration("%s: shell access requested but no console is bound", b.name)
	}
	if err := b.console.Activate(ctx); err != nil {
		return errors.Hardware("activate console", b.name, err)
	}
	b.up = true
	slog.Info("shell_ready", "workflow", b.name)
	return nil
}

// softOff shuts the OS down when one is running, then cuts power. The graceful part
// is best effort.
func (b *board) softOff(ctx context.Context) error {
	if b.up && b.console != nil {
		if err := b.shutdown(ctx); err != nil {
			slog.Warn("graceful_shutdown_failed", "workflow", b.name, "error", err)
		}
	}
	return b.powerOff(ctx)
}

func (b *board) shutdown(ctx context.Context) error {
	if err := b.console.Activate(ctx); err != nil {
		return err
	}
	b.drainConsole(ctx)

	// The session usually dies before the command reports back.
	if _, err := b.console.Run(ctx, "poweroff"); err != nil {
		slog.Debug("poweroff_command_error", "workflow", b.name, "error", err)
	}

	watch := &consoleWatch{console: b.console}
	if err := watch.expect(ctx, b.params.ShutdownMarker, b.params.ShutdownTimeout, b.params.PollInterval); err != nil {
		return err
	}
	slog.Info("board_shut_down", "workflow", b.name)
	return nil
}

// releaseConsole is the engine Release hook: give up the console after a failure.
func (b *board) releaseConsole(ctx context.Context) {
	b.deactivateConsole(ctx)
}

// consoleWatch accumulates raw console output and finds markers in order.
type consoleWatch struct {
	console capability.SerialConsole
	buf     strings.Builder
	offset  int
}

func (w *consoleWatch) expect(ctx context.Context, marker string, timeout, interval time.Duration) error {
	what := fmt.Sprintf("console marker %q", marker)
	return wait.Until(ctx, what, timeout, interval, func(ctx context.Context) error {
		out, err := w.console.ReadConsole(ctx)
		if err != nil {
			return errors.Hardware("read console", "", err)
		}
		w.buf.WriteString(out)

		seen := w.buf.String()[w.offset:]
		if idx := strings.Index(seen, marker); idx >= 0 {
			w.offset += idx + len(marker)
			return nil
		}
		return fmt.Errorf("marker %q not in %d bytes of console output", marker, len(seen))
	})
}

// sortedFiles returns the local paths of a boot file map in a stable order.
func sortedFiles(files map[string]string) []string {
	return slices.Sorted(maps.Keys(files))
}

// runChecked runs cmd and reports a command failure with its output.
func runChecked(ctx context.Context, sh capability.ConsoleShell, cmd string) (string, error) {
	out, err := sh.Run(ctx, cmd)
	if err != nil {
		if errors.Is(err, errors.ErrCommandExecution) {
			return out, err
		}
		return out, &errors.CommandError{Command: cmd, Output: out, ExitCode: -1, Err: err}
	}
	return out, nil
}
