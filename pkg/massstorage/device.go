// Package massstorage mounts the removable boot medium on the lab host and writes
// boot files or whole images onto it. Mounting uses pmount so no root is needed;
// the medium appears under /media/<label>.
package massstorage

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fpgalab/bringup/pkg/errors"
	"github.com/fpgalab/bringup/pkg/hostcmd"
	"github.com/fpgalab/bringup/pkg/security"
)

// Default configuration values.
const (
	DefaultLabel       = "bringup_boot"
	DefaultMediaRoot   = "/media"
	DefaultAppearAfter = 15 * time.Second
	appearInterval     = 500 * time.Millisecond
)

// Config describes one medium.
type Config struct {
	// Path is the partition holding the boot files, e.g. /dev/disk/by-id/usb-...-part1.
	Path string
	// Disk is the whole-disk node used for image writes. Defaults to Path.
	Disk string
	// Label names the pmount mount point under MediaRoot.
	Label     string
	MediaRoot string
	// AppearTimeout bounds the wait for Path to show up after a mux switch.
	AppearTimeout time.Duration
}

// Device implements capability.MassStorage and capability.ImageWriter.
type Device struct {
	cfg     Config
	runner  hostcmd.Runner
	mounted bool
}

func (c Config) withDefaults() Config {
	if c.Disk == "" {
		c.Disk = c.Path
	}
	if c.Label == "" {
		c.Label = DefaultLabel
	}
	if c.MediaRoot == "" {
		c.MediaRoot = DefaultMediaRoot
	}
	if c.AppearTimeout <= 0 {
		c.AppearTimeout = DefaultAppearAfter
	}
	return c
}

func newDevice(cfg Config, runner hostcmd.Runner) (*Device, error) {
	if cfg.Path == "" {
		return nil, errors.Configuration("mass storage: device path is required")
	}
	if runner == nil {
		runner = hostcmd.Exec{}
	}
	return &Device{cfg: cfg.withDefaults(), runner: runner}, nil
}

// MountPoint is where the medium is mounted while Mounted is true.
func (d *Device) MountPoint() string {
	return filepath.Join(d.cfg.MediaRoot, d.cfg.Label)
}

func (d *Device) Mounted() bool { return d.mounted }

// CopyFile copies localPath to remotePath, which is taken relative to the medium
// root whether or not it starts with a slash.
func (d *Device) CopyFile(ctx context.Context, localPath, remotePath string) error {
	if !d.mounted {
		return errors.InvalidState("mass storage %s is not mounted, cannot copy %s", d.cfg.Path, localPath)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dst, err := security.ResolveUnder(d.MountPoint(), remotePath)
	if err != nil {
		return errors.Wrap(err, "invalid destination")
	}

	slog.Info("mass_storage_copy_start", "src", localPath, "dst", dst)

	src, err := os.Open(localPath)
	if err != nil {
		slog.Error("mass_storage_source_missing", "src", localPath, "error", err)
		return errors.Wrap(err, "failed to open source file")
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return errors.Hardware("mkdir", d.cfg.Path, err)
	}

	out, err := os.Create(dst)
	if err != nil {
		return errors.Hardware("create "+remotePath, d.cfg.Path, err)
	}

	n, err := io.Copy(out, src)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		slog.Error("mass_storage_copy_failed", "src", localPath, "dst", dst, "error", err)
		return errors.Hardware("copy "+remotePath, d.cfg.Path, err)
	}

	slog.Info("mass_storage_copy_complete", "dst", dst, "size_kb", n/1024)
	return nil
}
