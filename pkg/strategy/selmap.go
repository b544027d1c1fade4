package strategy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fpgalab/bringup/pkg/capability"
	"github.com/fpgalab/bringup/pkg/engine"
	"github.com/fpgalab/bringup/pkg/errors"
	"github.com/fpgalab/bringup/pkg/security"
	"github.com/fpgalab/bringup/pkg/wait"
)

// SelMap workflow stages.
const (
	BootingPrimary       engine.Stage = "booting_primary"
	BootedPrimary        engine.Stage = "booted_primary"
	UpdatePrimaryFiles   engine.Stage = "update_primary_files"
	UpdateSecondaryFiles engine.Stage = "update_secondary_files"
	TriggerSecondaryBoot engine.Stage = "trigger_secondary_boot"
	WaitSecondaryBoot    engine.Stage = "wait_secondary_boot"
	BootedSecondary      engine.Stage = "booted_secondary"
)

// Defaults for SelMapConfig.
const (
	DefaultSyncTerminal       = "opt_post_running_stage"
	DefaultDeviceTimeout      = 30 * time.Second
	DefaultSyncTimeout        = 120 * time.Second
	DefaultMaxPrimaryRestarts = 3
)

// missingDevice is what iio_attr prints for an absent device.
const missingDevice = "could not find device"

// SelMapBindings are the capabilities the SelMap workflow drives. All are required.
type SelMapBindings struct {
	Power   capability.PowerControl
	Console capability.SerialConsole
	SSH     capability.ConsoleShell
}

// SelMapConfig parameterises the SelMap workflow.
type SelMapConfig struct {
	Boot      BootParams
	Interface string
	// PreBootFiles are primary-chip files; a changed file restarts the primary.
	PreBootFiles map[string]string
	// PostBootFiles are secondary-chip files, uploaded unconditionally.
	PostBootFiles map[string]string
	// TriggerCommand starts the secondary chip's SelMap configuration.
	TriggerCommand string
	// Device is the IIO device that appears once the secondary chip is up.
	Device string
	// SyncCommand prints the link state; SyncTerminal is its final value.
	SyncCommand        string
	SyncTerminal       string
	DeviceTimeout      time.Duration
	SyncTimeout        time.Duration
	MaxPrimaryRestarts int
	ConnectTimeout     time.Duration
}

type selMapBoot struct {
	*board
	ssh capability.ConsoleShell
	cfg SelMapConfig
	// restarts counts primary power cycles in the current update_primary_files entry.
	restarts int
}

// NewSelMapBoot returns a bring-up instance for a dual-chip board where the primary
// SoC boots Linux and then configures the secondary FPGA over SelMap.
func NewSelMapBoot(b SelMapBindings, cfg SelMapConfig, observers ...engine.Observer) (*engine.Instance, error) {
	s, err := newSelMapBoot(b, cfg)
	if err != nil {
		return nil, err
	}
	return engine.New(s.workflow(), observers...)
}

func newSelMapBoot(b SelMapBindings, cfg SelMapConfig) (*selMapBoot, error) {
	switch {
	case b.Power == nil:
		return nil, errors.Configuration("selmap: power binding is required")
	case b.Console == nil:
		return nil, errors.Configuration("selmap: console binding is required")
	case b.SSH == nil:
		return nil, errors.Configuration("selmap: ssh binding is required")
	case cfg.TriggerCommand == "":
		return nil, errors.Configuration("selmap: trigger command is required")
	case cfg.Device == "":
		return nil, errors.Configuration("selmap: device name is required")
	case cfg.MaxPrimaryRestarts < 0:
		return nil, errors.Configuration("selmap: max primary restarts must not be negative")
	}
	for name, files := range map[string]map[string]string{"pre-boot": cfg.PreBootFiles, "post-boot": cfg.PostBootFiles} {
		if err := security.ValidateBootFiles(files); err != nil {
			return nil, errors.Configuration("selmap: %s files: %v", name, err)
		}
	}

	if cfg.Interface == "" {
		cfg.Interface = DefaultInterface
	}
	if cfg.SyncCommand == "" {
		cfg.SyncCommand = fmt.Sprintf("iio_attr -d %s jesd204_fsm_state", cfg.Device)
	}
	if cfg.SyncTerminal == "" {
		cfg.SyncTerminal = DefaultSyncTerminal
	}
	if cfg.DeviceTimeout == 0 {
		cfg.DeviceTimeout = DefaultDeviceTimeout
	}
	if cfg.SyncTimeout == 0 {
		cfg.SyncTimeout = DefaultSyncTimeout
	}
	if cfg.MaxPrimaryRestarts == 0 {
		cfg.MaxPrimaryRestarts = DefaultMaxPrimaryRestarts
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}

	return &selMapBoot{
		board: newBoard("selmap", b.Power, b.Console, cfg.Boot),
		ssh:   b.SSH,
		cfg:   cfg,
	}, nil
}

func (s *selMapBoot) workflow() *engine.Workflow {
	return &engine.Workflow{
		Name: s.name,
		Stages: []engine.StageDef{
			{Stage: engine.Unknown},
			{Stage: PoweredOff, Reset: true, Action: s.powerOffAll},
			{Stage: BootingPrimary, Requires: PoweredOff, Action: s.powerOn},
			{Stage: BootedPrimary, Requires: BootingPrimary, Action: s.waitForBoot},
			{Stage: UpdatePrimaryFiles, Requires: BootedPrimary, Loop: &engine.Loop{
				Action: s.updatePrimaryFiles,
				// one pass per restart plus the pass that finds nothing to upload;
				// updatePrimaryFiles fails first once the restart budget is spent
				Max: s.cfg.MaxPrimaryRestarts + 1,
			}},
			{Stage: UpdateSecondaryFiles, Requires: UpdatePrimaryFiles, Action: s.updateSecondaryFiles},
			{Stage: TriggerSecondaryBoot, Requires: UpdateSecondaryFiles, Action: s.triggerSecondaryBoot},
			{Stage: WaitSecondaryBoot, Requires: TriggerSecondaryBoot, Action: s.waitSecondaryBoot},
			{Stage: BootedSecondary, Requires: WaitSecondaryBoot, Action: s.checkSecondaryBooted},
			{Stage: Shell, Requires: BootedSecondary, Action: s.activateShell},
			{Stage: SoftOff, Reset: true, Action: s.softOffAll},
		},
		Release: s.releaseAll,
	}
}

func (s *selMapBoot) powerOffAll(ctx context.Context) error {
	s.disconnectSSH(ctx, s.ssh)
	return s.powerOff(ctx)
}

func (s *selMapBoot) softOffAll(ctx context.Context) error {
	s.disconnectSSH(ctx, s.ssh)
	return s.softOff(ctx)
}

// updatePrimaryFiles uploads the pre-boot files whose content differs on the board.
// When anything was uploaded it power cycles the primary, waits for it to boot and
// asks for another pass to confirm the files stuck. Stale files found after
// MaxPrimaryRestarts power cycles fail the stage without another upload.
func (s *selMapBoot) updatePrimaryFiles(ctx context.Context) (again bool, err error) {
	defer func() {
		if !again {
			s.restarts = 0
		}
	}()

	if len(s.cfg.PreBootFiles) == 0 {
		return false, nil
	}
	if _, err := s.connectSSH(ctx, s.ssh, s.cfg.Interface, s.cfg.ConnectTimeout); err != nil {
		return false, err
	}

	var stale []string
	for _, local := range sortedFiles(s.cfg.PreBootFiles) {
		current, err := s.remoteMatches(ctx, local, s.cfg.PreBootFiles[local])
		if err != nil {
			return false, err
		}
		if !current {
			stale = append(stale, local)
		}
	}
	if len(stale) == 0 {
		slog.Info("primary_files_current", "workflow", s.name, "files", len(s.cfg.PreBootFiles))
		return false, nil
	}
	if s.restarts >= s.cfg.MaxPrimaryRestarts {
		slog.Error("primary_restart_budget_spent", "workflow", s.name, "restarts", s.restarts, "stale", stale)
		return false, &errors.DeadlineError{
			What:         "primary files to stick",
			Attempts:     s.restarts,
			LastObserved: fmt.Errorf("stale after restart: %s", strings.Join(stale, ", ")),
		}
	}

	for _, local := range stale {
		remote := s.cfg.PreBootFiles[local]
		slog.Info("primary_file_upload", "workflow", s.name, "local", local, "remote", remote)
		if err := s.ssh.PutFile(ctx, local, remote); err != nil {
			return false, errors.Wrap(err, "upload "+local)
		}
	}

	s.restarts++
	slog.Info("primary_restart", "workflow", s.name, "uploaded", len(stale), "restart", s.restarts, "max", s.cfg.MaxPrimaryRestarts)
	if err := s.powerOffAll(ctx); err != nil {
		return false, err
	}
	if err := s.powerOn(ctx); err != nil {
		return false, err
	}
	if err := s.waitForBoot(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// remoteMatches reports whether remote already holds the content of local. A file
// the board cannot hash counts as different.
func (s *selMapBoot) remoteMatches(ctx context.Context, local, remote string) (bool, error) {
	want, err := fileSHA256(local)
	if err != nil {
		return false, err
	}

	out, err := s.ssh.Run(ctx, "sha256sum "+remote)
	if err != nil {
		if errors.Is(err, errors.ErrCommandExecution) {
			slog.Debug("remote_checksum_unavailable", "workflow", s.name, "remote", remote, "error", err)
			return false, nil
		}
		return false, err
	}

	fields := strings.Fields(out)
	return len(fields) > 0 && strings.EqualFold(fields[0], want), nil
}

func (s *selMapBoot) updateSecondaryFiles(ctx context.Context) error {
	if _, err := s.connectSSH(ctx, s.ssh, s.cfg.Interface, s.cfg.ConnectTimeout); err != nil {
		return err
	}
	for _, local := range sortedFiles(s.cfg.PostBootFiles) {
		remote := s.cfg.PostBootFiles[local]
		slog.Info("secondary_file_upload", "workflow", s.name, "local", local, "remote", remote)
		if err := s.ssh.PutFile(ctx, local, remote); err != nil {
			return errors.Wrap(err, "upload "+local)
		}
	}
	slog.Info("secondary_files_updated", "workflow", s.name, "files", len(s.cfg.PostBootFiles))
	return nil
}

func (s *selMapBoot) triggerSecondaryBoot(ctx context.Context) error {
	out, err := runChecked(ctx, s.ssh, s.cfg.TriggerCommand)
	if err != nil {
		return err
	}
	slog.Info("secondary_boot_triggered", "workflow", s.name, "output", strings.TrimSpace(out))
	return nil
}

// waitSecondaryBoot polls in two phases: first for the device to appear within the
// short bound, then for the link to reach its final state within the long one.
func (s *selMapBoot) waitSecondaryBoot(ctx context.Context) error {
	err := wait.Until(ctx, "device "+s.cfg.Device, s.cfg.DeviceTimeout, s.params.PollInterval, func(ctx context.Context) error {
		return devicePresent(ctx, s.ssh, s.cfg.Device)
	})
	if err != nil {
		return err
	}
	slog.Info("secondary_device_found", "workflow", s.name, "device", s.cfg.Device)

	err = wait.Until(ctx, "link sync of "+s.cfg.Device, s.cfg.SyncTimeout, s.params.PollInterval, s.syncReached)
	if err != nil {
		return err
	}
	slog.Info("secondary_link_synced", "workflow", s.name, "state", s.cfg.SyncTerminal)
	return nil
}

func (s *selMapBoot) checkSecondaryBooted(ctx context.Context) error {
	if err := s.syncReached(ctx); err != nil {
		return errors.InvalidState("secondary link lost sync: %v", err)
	}
	return nil
}

func (s *selMapBoot) syncReached(ctx context.Context) error {
	out, err := runChecked(ctx, s.ssh, s.cfg.SyncCommand)
	if err != nil {
		return err
	}
	if state := strings.TrimSpace(out); state != s.cfg.SyncTerminal {
		return fmt.Errorf("link state %q, want %q", state, s.cfg.SyncTerminal)
	}
	return nil
}

func (s *selMapBoot) releaseAll(ctx context.Context) {
	s.releaseConsole(ctx)
	s.disconnectSSH(ctx, s.ssh)
}

// devicePresent checks that the named IIO device exists on the board.
func devicePresent(ctx context.Context, sh capability.ConsoleShell, device string) error {
	out, err := runChecked(ctx, sh, "iio_attr -d "+device+" name")
	if err != nil {
		return err
	}
	if strings.Contains(out, missingDevice) {
		return fmt.Errorf("device %s not present", device)
	}
	return nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "open "+path)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrap(err, "hash "+path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
