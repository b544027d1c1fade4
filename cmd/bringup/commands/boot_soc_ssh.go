package commands

import (
	"context"
	"path"
	"path/filepath"

	"github.com/fpgalab/bringup/internal/config"
	"github.com/fpgalab/bringup/pkg/engine"
	"github.com/fpgalab/bringup/pkg/strategy"
	"github.com/spf13/cobra"
)

var (
	bootSSHFlags     bootFlags
	bootSSHArtifacts artifactFlags
)

var bootSoCSSHCmd = &cobra.Command{
	Use:   "boot-soc-ssh",
	Short: "Update the boot files of a running SoC over SSH and reboot into them",
	Args:  cobra.NoArgs,
	RunE:  runBootSoCSSH,
}

func init() {
	rootCmd.AddCommand(bootSoCSSHCmd)
	bootSSHFlags.register(bootSoCSSHCmd)
	bootSSHArtifacts.register(bootSoCSSHCmd)
}

func runBootSoCSSH(cmd *cobra.Command, args []string) error {
	return bootFromCommand(bootRequest{
		target:    bootSSHFlags.target,
		state:     bootSSHFlags.state,
		artifacts: bootSSHArtifacts,
	}, sshWorkflow)
}

func sshWorkflow(ctx context.Context, s *session, r bootRequest) (*engine.Instance, error) {
	t := s.builder.Target
	overrides, err := r.artifacts.apply(t)
	if err != nil {
		return nil, err
	}
	bootDir := t.SSHBoot.BootDir
	if bootDir == "" {
		bootDir = strategy.DefaultBootDir
	}
	for _, p := range overrides {
		t.SSHBoot.BootFiles = append(t.SSHBoot.BootFiles, config.FileMapping{Local: p, Remote: path.Join(bootDir, filepath.Base(p))})
	}

	bind, cfg, err := s.builder.SSHBoot(ctx)
	if err != nil {
		return nil, err
	}
	return strategy.NewSSHBoot(bind, cfg, s.observers()...)
}
