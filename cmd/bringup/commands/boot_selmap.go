package commands

import (
	"context"

	"github.com/fpgalab/bringup/pkg/engine"
	"github.com/fpgalab/bringup/pkg/strategy"
	"github.com/spf13/cobra"
)

var (
	bootSelMapFlags bootFlags
	selMapPreBoot   []string
	selMapPostBoot  []string
)

var bootSelMapCmd = &cobra.Command{
	Use:   "boot-selmap",
	Short: "Boot a primary SoC, then the secondary FPGA through SelMap",
	Long: `Boots the primary Zynq, refreshes its pre-boot files (restarting it when they
change), uploads the post-boot files and triggers the secondary FPGA, waiting for
its device and JESD sync.

File flags take local:remote and may be repeated; they replace the configured lists.`,
	Args: cobra.NoArgs,
	RunE: runBootSelMap,
}

func init() {
	rootCmd.AddCommand(bootSelMapCmd)
	bootSelMapFlags.register(bootSelMapCmd)
	bootSelMapCmd.Flags().StringArrayVar(&selMapPreBoot, "pre-boot-file", nil, "Primary boot file, local:remote")
	bootSelMapCmd.Flags().StringArrayVar(&selMapPostBoot, "post-boot-file", nil, "Secondary boot file, local:remote")
}

func runBootSelMap(cmd *cobra.Command, args []string) error {
	return bootFromCommand(bootRequest{
		target:   bootSelMapFlags.target,
		state:    bootSelMapFlags.state,
		preBoot:  selMapPreBoot,
		postBoot: selMapPostBoot,
	}, selMapWorkflow)
}

func selMapWorkflow(ctx context.Context, s *session, r bootRequest) (*engine.Instance, error) {
	var err error
	t := s.builder.Target
	if len(r.preBoot) > 0 {
		if t.SelMap.PreBootFiles, err = parseMappings(r.preBoot); err != nil {
			return nil, err
		}
	}
	if len(r.postBoot) > 0 {
		if t.SelMap.PostBootFiles, err = parseMappings(r.postBoot); err != nil {
			return nil, err
		}
	}

	bind, cfg, err := s.builder.SelMapBoot()
	if err != nil {
		return nil, err
	}
	return strategy.NewSelMapBoot(bind, cfg, s.observers()...)
}
