package commands

import (
	"context"
	"log/slog"

	"github.com/fpgalab/bringup/pkg/engine"
	"github.com/fpgalab/bringup/pkg/strategy"
	"github.com/spf13/cobra"
)

var (
	bootFabricFlags bootFlags
	fabricBitstream string
	fabricKernel    string
)

var bootFabricCmd = &cobra.Command{
	Use:   "boot-fabric",
	Short: "Flash a bitstream and boot a Microblaze kernel over JTAG",
	Args:  cobra.NoArgs,
	RunE:  runBootFabric,
}

func init() {
	rootCmd.AddCommand(bootFabricCmd)
	bootFabricFlags.register(bootFabricCmd)
	bootFabricCmd.Flags().StringVar(&fabricBitstream, "bitstream", "", "Path to FPGA bitstream (.bit)")
	bootFabricCmd.Flags().StringVar(&fabricKernel, "kernel", "", "Path to Linux kernel image (.strip)")
}

func runBootFabric(cmd *cobra.Command, args []string) error {
	return bootFromCommand(bootRequest{
		target:    bootFabricFlags.target,
		state:     bootFabricFlags.state,
		bitstream: fabricBitstream,
		kernel:    fabricKernel,
	}, fabricWorkflow)
}

func fabricWorkflow(ctx context.Context, s *session, r bootRequest) (*engine.Instance, error) {
	var err error
	t := s.builder.Target
	if r.bitstream != "" {
		if t.Fabric.Bitstream, err = existingFile(r.bitstream); err != nil {
			return nil, err
		}
		slog.Info("artifact_override", "bitstream", t.Fabric.Bitstream)
	}
	if r.kernel != "" {
		if t.Fabric.Kernel, err = existingFile(r.kernel); err != nil {
			return nil, err
		}
		slog.Info("artifact_override", "kernel", t.Fabric.Kernel)
	}

	bind, cfg, err := s.builder.FabricBoot()
	if err != nil {
		return nil, err
	}
	return strategy.NewFabricBoot(bind, cfg, s.observers()...)
}
