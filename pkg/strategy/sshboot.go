package strategy

import (
	"context"
	"log/slog"
	"net/netip"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/fpgalab/bringup/pkg/capability"
	"github.com/fpgalab/bringup/pkg/engine"
	"github.com/fpgalab/bringup/pkg/errors"
	"github.com/fpgalab/bringup/pkg/security"
	"github.com/fpgalab/bringup/pkg/wait"
)

// SSH workflow stages.
const (
	Reboot     engine.Stage = "reboot"
	BootingNew engine.Stage = "booting_new"
)

// Defaults for SSHConfig.
const (
	DefaultInterface      = "eth0"
	DefaultBootDir        = "/boot"
	DefaultConnectTimeout = 60 * time.Second
)

// SSHBindings are the capabilities the SSH workflow drives. Power and Release are
// optional. When SSH also implements capability.Retargetable it follows the address
// the board reports on its console.
type SSHBindings struct {
	Power   capability.PowerControl
	Console capability.SerialConsole
	SSH     capability.ConsoleShell
	Release capability.ReleaseProvider
}

// SSHConfig parameterises the SSH workflow.
type SSHConfig struct {
	Boot BootParams
	// Interface is the board network interface whose address SSH should use.
	Interface string
	// BootDir receives the release boot files.
	BootDir string
	// BootFiles maps local artifacts to absolute paths on the board.
	BootFiles      map[string]string
	ConnectTimeout time.Duration
}

type sshBoot struct {
	*board
	ssh     capability.ConsoleShell
	release capability.ReleaseProvider
	cfg     SSHConfig
}

// NewSSHBoot returns a bring-up instance that boots the factory image, replaces the
// boot files over SSH and reboots into them.
func NewSSHBoot(b SSHBindings, cfg SSHConfig, observers ...engine.Observer) (*engine.Instance, error) {
	s, err := newSSHBoot(b, cfg)
	if err != nil {
		return nil, err
	}
	return engine.New(s.workflow(), observers...)
}

func newSSHBoot(b SSHBindings, cfg SSHConfig) (*sshBoot, error) {
	switch {
	case b.Console == nil:
		return nil, errors.Configuration("ssh: console binding is required")
	case b.SSH == nil:
		return nil, errors.Configuration("ssh: ssh binding is required")
	}
	if cfg.Interface == "" {
		cfg.Interface = DefaultInterface
	}
	if cfg.BootDir == "" {
		cfg.BootDir = DefaultBootDir
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if err := security.ValidateRemotePath(cfg.BootDir); err != nil {
		return nil, errors.Configuration("ssh: boot dir: %v", err)
	}
	if err := security.ValidateBootFiles(cfg.BootFiles); err != nil {
		return nil, errors.Configuration("ssh: boot files: %v", err)
	}

	return &sshBoot{
		board:   newBoard("ssh", b.Power, b.Console, cfg.Boot),
		ssh:     b.SSH,
		release: b.Release,
		cfg:     cfg,
	}, nil
}

func (s *sshBoot) workflow() *engine.Workflow {
	return &engine.Workflow{
		Name: s.name,
		Stages: []engine.StageDef{
			{Stage: engine.Unknown},
			{Stage: PoweredOff, Reset: true, Action: s.powerOff},
			{Stage: Booting, Requires: PoweredOff, Action: s.powerOn},
			{Stage: Booted, Requires: Booting, Action: s.waitForFirstBoot},
			{Stage: UpdateBootFiles, Requires: Booted, Action: s.updateBootFiles},
			{Stage: Reboot, Requires: UpdateBootFiles, Action: s.reboot},
			{Stage: BootingNew, Requires: Reboot, Action: s.waitForBoot},
			{Stage: Shell, Requires: BootingNew, Action: s.activateShell},
			{Stage: SoftOff, Reset: true, Action: s.softOff},
		},
		Release: s.releaseAll,
	}
}

// waitForFirstBoot only watches the console when this run powered the board on.
// Without power control the board is assumed to be running already.
func (s *sshBoot) waitForFirstBoot(ctx context.Context) error {
	if s.power == nil {
		slog.Info("boot_wait_skipped", "workflow", s.name, "reason", "no power control bound")
		s.up = true
		return nil
	}
	return s.waitForBoot(ctx)
}

func (s *sshBoot) updateBootFiles(ctx context.Context) error {
	ip, err := s.connectSSH(ctx, s.ssh, s.cfg.Interface, s.cfg.ConnectTimeout)
	if err != nil {
		return err
	}
	defer s.disconnectSSH(ctx, s.ssh)

	uploaded := 0
	if s.release != nil {
		files, err := s.release.BootFiles(ctx)
		if err != nil {
			return errors.Wrap(err, "resolve release boot files")
		}
		for _, local := range files {
			remote := path.Join(s.cfg.BootDir, filepath.Base(local))
			slog.Info("boot_file_upload", "workflow", s.name, "local", local, "remote", remote)
			if err := s.ssh.PutFile(ctx, local, remote); err != nil {
				return errors.Wrap(err, "upload "+local)
			}
			uploaded++
		}
	} else {
		slog.Warn("release_not_bound", "workflow", s.name)
	}

	for _, local := range sortedFiles(s.cfg.BootFiles) {
		remote := s.cfg.BootFiles[local]
		slog.Info("boot_file_upload", "workflow", s.name, "local", local, "remote", remote)
		if err := s.ssh.PutFile(ctx, local, remote); err != nil {
			return errors.Wrap(err, "upload "+local)
		}
		uploaded++
	}

	slog.Info("boot_files_updated", "workflow", s.name, "files", uploaded, "host", ip)
	return nil
}

// reboot restarts the board into the new boot files. The console session drops
// while the command runs, so its error is expected.
func (s *sshBoot) reboot(ctx context.Context) error {
	if err := s.console.Activate(ctx); err != nil {
		return errors.Hardware("activate console", s.name, err)
	}
	s.drainConsole(ctx)

	if _, err := s.console.Run(ctx, "reboot"); err != nil {
		slog.Info("reboot_command_error", "workflow", s.name, "error", err)
	}
	s.deactivateConsole(ctx)
	s.up = false
	slog.Info("board_rebooting", "workflow", s.name)
	return nil
}

func (s *sshBoot) releaseAll(ctx context.Context) {
	s.releaseConsole(ctx)
	s.disconnectSSH(ctx, s.ssh)
}

// boardAddress asks the board, over its console, for the IPv4 address of iface.
func (b *board) boardAddress(ctx context.Context, iface string) (string, error) {
	if err := b.console.Activate(ctx); err != nil {
		return "", errors.Hardware("activate console", b.name, err)
	}
	defer b.deactivateConsole(ctx)

	out, err := runChecked(ctx, b.console, "ip -4 -o addr show "+iface)
	if err != nil {
		return "", err
	}
	return parseIPv4(out, iface)
}

// connectSSH points sh at the address the board reports for iface and waits until
// it accepts a session. It returns the address used.
func (b *board) connectSSH(ctx context.Context, sh capability.ConsoleShell, iface string, timeout time.Duration) (string, error) {
	ip, err := b.boardAddress(ctx, iface)
	if err != nil {
		return "", err
	}

	if rt, ok := sh.(capability.Retargetable); ok {
		if current := rt.Address(); current != ip {
			slog.Warn("ssh_address_mismatch", "workflow", b.name, "configured", current, "reported", ip)
			rt.SetAddress(ip)
		}
	} else {
		slog.Debug("ssh_not_retargetable", "workflow", b.name, "address", ip)
	}

	err = wait.Until(ctx, "ssh connection to "+ip, timeout, b.params.PollInterval, func(ctx context.Context) error {
		return sh.Activate(ctx)
	})
	if err != nil {
		return "", err
	}
	slog.Info("ssh_connected", "workflow", b.name, "host", ip)
	return ip, nil
}

func (b *board) disconnectSSH(ctx context.Context, sh capability.ConsoleShell) {
	if err := sh.Deactivate(ctx); err != nil {
		slog.Warn("ssh_deactivate_failed", "workflow", b.name, "error", err)
	}
}

// parseIPv4 extracts the address from `ip -4 -o addr show` output.
func parseIPv4(out, iface string) (string, error) {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		for i := 0; i+1 < len(fields); i++ {
			if fields[i] != "inet" {
				continue
			}
			prefix, err := netip.ParsePrefix(fields[i+1])
			if err != nil {
				continue
			}
			if prefix.Addr().Is4() {
				return prefix.Addr().String(), nil
			}
		}
	}
	return "", errors.InvalidState("no IPv4 address on %s: %s", iface, strings.TrimSpace(out))
}
