// Package sdmux drives a USB-SD-Mux with the usbsdmux command line tool.
package sdmux

import (
	"context"
	"log/slog"

	"github.com/fpgalab/bringup/pkg/errors"
	"github.com/fpgalab/bringup/pkg/hostcmd"
)

const (
	modeHost = "host"
	modeDUT  = "dut"
	modeOff  = "off"
)

// USBSDMux implements capability.StorageMux. Device is the mux control node,
// usually a /dev/sg* path or its /dev/usb-sd-mux/id-* symlink.
type USBSDMux struct {
	device string
	tool   string
	runner hostcmd.Runner
	mode   string
}

// NewUSBSDMux creates a mux handle. tool defaults to "usbsdmux".
func NewUSBSDMux(device, tool string, runner hostcmd.Runner) (*USBSDMux, error) {
	if device == "" {
		return nil, errors.Configuration("usbsdmux: control device is required")
	}
	if tool == "" {
		tool = "usbsdmux"
	}
	if runner == nil {
		runner = hostcmd.Exec{}
	}
	return &USBSDMux{device: device, tool: tool, runner: runner}, nil
}

func (m *USBSDMux) SwitchToHost(ctx context.Context) error { return m.set(ctx, modeHost) }

func (m *USBSDMux) SwitchToTarget(ctx context.Context) error { return m.set(ctx, modeDUT) }

// Disconnect detaches the card from both sides.
func (m *USBSDMux) Disconnect(ctx context.Context) error { return m.set(ctx, modeOff) }

// Mode is the last mode set successfully, or "" before the first switch.
func (m *USBSDMux) Mode() string { return m.mode }

func (m *USBSDMux) set(ctx context.Context, mode string) error {
	slog.Info("sdmux_switch", "device", m.device, "mode", mode)
	if _, err := m.runner.Run(ctx, m.tool, m.device, mode); err != nil {
		slog.Error("sdmux_switch_failed", "device", m.device, "mode", mode, "error", err)
		return errors.Hardware("sdmux "+mode, m.device, err)
	}
	m.mode = mode
	return nil
}
