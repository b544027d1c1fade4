//go:build !linux
// +build !linux

package massstorage

import (
	"context"
	"fmt"
	"runtime"

	"github.com/fpgalab/bringup/pkg/hostcmd"
)

// New creates a handle whose host operations fail on non-Linux systems.
func New(cfg Config, runner hostcmd.Runner) (*Device, error) {
	return newDevice(cfg, runner)
}

func (d *Device) Mount(ctx context.Context) error {
	return fmt.Errorf("mass storage not supported on %s", runtime.GOOS)
}

func (d *Device) Unmount(ctx context.Context) error {
	if !d.mounted {
		return nil
	}
	return fmt.Errorf("mass storage not supported on %s", runtime.GOOS)
}

func (d *Device) WriteImage(ctx context.Context, imagePath string) error {
	return fmt.Errorf("mass storage not supported on %s", runtime.GOOS)
}
