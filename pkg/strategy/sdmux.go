package strategy

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fpgalab/bringup/pkg/capability"
	"github.com/fpgalab/bringup/pkg/engine"
	"github.com/fpgalab/bringup/pkg/errors"
	"github.com/fpgalab/bringup/pkg/security"
)

// SD-mux workflow stages.
const (
	SDMuxToHost engine.Stage = "sd_mux_to_host"
	SDMuxToDUT  engine.Stage = "sd_mux_to_dut"
)

// SDMuxBindings are the capabilities the SD-mux workflow drives. Release, Image and
// Writer are optional; Image and Writer are required for FlashFullImage.
type SDMuxBindings struct {
	Power   capability.PowerControl
	Console capability.SerialConsole
	Mux     capability.StorageMux
	Storage capability.MassStorage
	Release capability.ReleaseProvider
	Image   capability.ImageProvider
	Writer  capability.ImageWriter
}

// SDMuxConfig parameterises the SD-mux workflow.
type SDMuxConfig struct {
	Boot BootParams
	// BootFiles maps local artifacts to paths on the medium.
	BootFiles map[string]string
	// FlashFullImage writes the release disk image before copying boot files.
	FlashFullImage bool
}

type sdMuxBoot struct {
	*board
	mux     capability.StorageMux
	storage capability.MassStorage
	release capability.ReleaseProvider
	image   capability.ImageProvider
	writer  capability.ImageWriter
	cfg     SDMuxConfig
}

// NewSDMuxBoot returns a bring-up instance that deploys boot files by handing the
// board's SD card to the host through a mux.
func NewSDMuxBoot(b SDMuxBindings, cfg SDMuxConfig, observers ...engine.Observer) (*engine.Instance, error) {
	s, err := newSDMuxBoot(b, cfg)
	if err != nil {
		return nil, err
	}
	return engine.New(s.workflow(), observers...)
}

func newSDMuxBoot(b SDMuxBindings, cfg SDMuxConfig) (*sdMuxBoot, error) {
	switch {
	case b.Power == nil:
		return nil, errors.Configuration("sdmux: power binding is required")
	case b.Console == nil:
		return nil, errors.Configuration("sdmux: console binding is required")
	case b.Mux == nil:
		return nil, errors.Configuration("sdmux: mux binding is required")
	case b.Storage == nil:
		return nil, errors.Configuration("sdmux: mass storage binding is required")
	case cfg.FlashFullImage && (b.Image == nil || b.Writer == nil):
		return nil, errors.Configuration("sdmux: full image flashing needs an image provider and an image writer")
	}
	if err := security.ValidateBootFiles(cfg.BootFiles); err != nil {
		return nil, errors.Configuration("sdmux: boot files: %v", err)
	}

	return &sdMuxBoot{
		board:   newBoard("sdmux", b.Power, b.Console, cfg.Boot),
		mux:     b.Mux,
		storage: b.Storage,
		release: b.Release,
		image:   b.Image,
		writer:  b.Writer,
		cfg:     cfg,
	}, nil
}

func (s *sdMuxBoot) workflow() *engine.Workflow {
	return &engine.Workflow{
		Name: s.name,
		Stages: []engine.StageDef{
			{Stage: engine.Unknown},
			{Stage: PoweredOff, Reset: true, Action: s.powerOff},
			{Stage: SDMuxToHost, Requires: PoweredOff, Action: s.muxToHost},
			{Stage: UpdateBootFiles, Requires: SDMuxToHost, Action: s.updateBootFiles},
			{Stage: SDMuxToDUT, Requires: UpdateBootFiles, Action: s.muxToTarget},
			{Stage: Booting, Requires: SDMuxToDUT, Action: s.powerOn},
			{Stage: Booted, Requires: Booting, Action: s.waitForBoot},
			{Stage: Shell, Requires: Booted, Action: s.activateShell},
			{Stage: SoftOff, Reset: true, Action: s.softOff},
		},
		Release: s.releaseAll,
	}
}

func (s *sdMuxBoot) muxToHost(ctx context.Context) error {
	if err := s.mux.SwitchToHost(ctx); err != nil {
		return errors.Hardware("mux to host", "", err)
	}
	return s.settle(ctx)
}

func (s *sdMuxBoot) muxToTarget(ctx context.Context) error {
	if err := s.mux.SwitchToTarget(ctx); err != nil {
		return errors.Hardware("mux to target", "", err)
	}
	return s.settle(ctx)
}

// updateBootFiles optionally writes the full image, then copies the release boot
// files and the configured map onto the medium. The medium is unmounted even when a
// copy fails.
func (s *sdMuxBoot) updateBootFiles(ctx context.Context) error {
	if s.cfg.FlashFullImage {
		if err := s.writeImage(ctx); err != nil {
			return err
		}
	}

	if err := s.storage.Mount(ctx); err != nil {
		return errors.Hardware("mount medium", "", err)
	}

	copyErr := s.copyBootFiles(ctx)
	unmountErr := s.storage.Unmount(ctx)
	if copyErr != nil {
		if unmountErr != nil {
			slog.Error("unmount_after_copy_failure_failed", "workflow", s.name, "error", unmountErr)
		}
		return copyErr
	}
	if unmountErr != nil {
		return errors.Hardware("unmount medium", "", unmountErr)
	}
	return nil
}

func (s *sdMuxBoot) writeImage(ctx context.Context) error {
	image, err := s.image.Image(ctx)
	if err != nil {
		return errors.Wrap(err, "resolve release image")
	}
	if s.storage.Mounted() {
		if err := s.storage.Unmount(ctx); err != nil {
			return errors.Hardware("unmount medium", "", err)
		}
	}

	slog.Info("image_write_started", "workflow", s.name, "image", image)
	if err := s.writer.WriteImage(ctx, image); err != nil {
		return errors.Hardware("write image", image, err)
	}
	slog.Info("image_write_complete", "workflow", s.name, "image", image)
	return nil
}

func (s *sdMuxBoot) copyBootFiles(ctx context.Context) error {
	copied := 0
	if s.release != nil {
		files, err := s.release.BootFiles(ctx)
		if err != nil {
			return errors.Wrap(err, "resolve release boot files")
		}
		for _, local := range files {
			if err := s.storage.CopyFile(ctx, local, "/"+filepath.Base(local)); err != nil {
				return errors.Wrap(err, "copy "+local)
			}
			copied++
		}
	}

	for _, local := range sortedFiles(s.cfg.BootFiles) {
		if err := s.storage.CopyFile(ctx, local, s.cfg.BootFiles[local]); err != nil {
			return errors.Wrap(err, "copy "+local)
		}
		copied++
	}

	slog.Info("boot_files_updated", "workflow", s.name, "files", copied)
	return nil
}

func (s *sdMuxBoot) releaseAll(ctx context.Context) {
	s.releaseConsole(ctx)
	if s.storage.Mounted() {
		if err := s.storage.Unmount(ctx); err != nil {
			slog.Warn("medium_release_failed", "workflow", s.name, "error", err)
		}
	}
}
