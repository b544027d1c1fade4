//go:build linux
// +build linux

package massstorage

import (
	"context"
	"log/slog"
	"os"

	"github.com/fpgalab/bringup/pkg/errors"
	"github.com/fpgalab/bringup/pkg/hostcmd"
	"github.com/fpgalab/bringup/pkg/wait"
)

// New creates a mass storage handle driven by pmount, pumount and dd.
func New(cfg Config, runner hostcmd.Runner) (*Device, error) {
	d, err := newDevice(cfg, runner)
	if err != nil {
		return nil, err
	}
	slog.Info("mass_storage_init", "path", d.cfg.Path, "mount_point", d.MountPoint(), "platform", "linux")
	return d, nil
}

// Mount waits for the partition node to appear and mounts it. A mount point that
// is already populated is adopted as mounted.
func (d *Device) Mount(ctx context.Context) error {
	if d.mounted {
		slog.Debug("mass_storage_already_mounted", "mount_point", d.MountPoint())
		return nil
	}

	if err := d.waitForNode(ctx, d.cfg.Path); err != nil {
		return err
	}

	slog.Info("mass_storage_mount", "path", d.cfg.Path, "label", d.cfg.Label)
	if _, err := d.runner.Run(ctx, "pmount", d.cfg.Path, d.cfg.Label); err != nil {
		if _, statErr := os.Stat(d.MountPoint()); statErr != nil {
			slog.Error("mass_storage_mount_failed", "path", d.cfg.Path, "error", err)
			return errors.Hardware("mount", d.cfg.Path, err)
		}
		slog.Warn("mass_storage_mount_point_exists", "mount_point", d.MountPoint(), "error", err)
	}

	d.mounted = true
	slog.Info("mass_storage_mounted", "mount_point", d.MountPoint())
	return nil
}

// Unmount flushes and unmounts. Unmounting an unmounted medium is a no-op.
func (d *Device) Unmount(ctx context.Context) error {
	if !d.mounted {
		return nil
	}

	if _, err := d.runner.Run(ctx, "sync"); err != nil {
		slog.Warn("mass_storage_sync_failed", "error", err)
	}

	slog.Info("mass_storage_unmount", "label", d.cfg.Label)
	if _, err := d.runner.Run(ctx, "pumount", d.cfg.Label); err != nil {
		slog.Error("mass_storage_unmount_failed", "label", d.cfg.Label, "error", err)
		return errors.Hardware("unmount", d.cfg.Path, err)
	}

	d.mounted = false
	return nil
}

// WriteImage writes imagePath over the whole disk. The medium must be unmounted.
func (d *Device) WriteImage(ctx context.Context, imagePath string) error {
	if d.mounted {
		return errors.InvalidState("mass storage %s is mounted, cannot write image", d.cfg.Path)
	}
	if _, err := os.Stat(imagePath); err != nil {
		return errors.Wrap(err, "image not found")
	}
	if err := d.waitForNode(ctx, d.cfg.Disk); err != nil {
		return err
	}

	slog.Info("mass_storage_image_write_start", "image", imagePath, "disk", d.cfg.Disk)
	_, err := d.runner.Run(ctx, "dd", "if="+imagePath, "of="+d.cfg.Disk, "bs=4M", "conv=fsync", "status=none")
	if err != nil {
		slog.Error("mass_storage_image_write_failed", "disk", d.cfg.Disk, "error", err)
		return errors.Hardware("write image", d.cfg.Disk, err)
	}
	if _, err := d.runner.Run(ctx, "sync"); err != nil {
		slog.Warn("mass_storage_sync_failed", "error", err)
	}

	slog.Info("mass_storage_image_write_complete", "disk", d.cfg.Disk)
	return nil
}

func (d *Device) waitForNode(ctx context.Context, node string) error {
	return wait.Until(ctx, "device node "+node, d.cfg.AppearTimeout, appearInterval, func(context.Context) error {
		_, err := os.Stat(node)
		return err
	})
}
