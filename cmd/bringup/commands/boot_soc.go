package commands

import (
	"context"
	"path/filepath"

	"github.com/fpgalab/bringup/internal/config"
	"github.com/fpgalab/bringup/pkg/engine"
	"github.com/fpgalab/bringup/pkg/strategy"
	"github.com/spf13/cobra"
)

var (
	bootSoCFlags     bootFlags
	bootSoCArtifacts artifactFlags
	bootSoCImage     bool
)

var bootSoCCmd = &cobra.Command{
	Use:   "boot-soc",
	Short: "Boot a Zynq/ZynqMP SoC from an SD card switched through an SD mux",
	Long: `Powers the board off, hands the SD card to the host, copies the release boot
files (and optionally writes the full image), hands the card back and boots.`,
	Args: cobra.NoArgs,
	RunE: runBootSoC,
}

func init() {
	rootCmd.AddCommand(bootSoCCmd)
	bootSoCFlags.register(bootSoCCmd)
	bootSoCArtifacts.register(bootSoCCmd)
	bootSoCCmd.Flags().BoolVar(&bootSoCImage, "update-image", false, "Write the full release image before copying boot files")
}

func runBootSoC(cmd *cobra.Command, args []string) error {
	return bootFromCommand(bootRequest{
		target:      bootSoCFlags.target,
		state:       bootSoCFlags.state,
		artifacts:   bootSoCArtifacts,
		updateImage: bootSoCImage,
	}, sdMuxWorkflow)
}

func sdMuxWorkflow(ctx context.Context, s *session, r bootRequest) (*engine.Instance, error) {
	t := s.builder.Target
	overrides, err := r.artifacts.apply(t)
	if err != nil {
		return nil, err
	}
	for _, p := range overrides {
		t.SDMuxBoot.BootFiles = append(t.SDMuxBoot.BootFiles, config.FileMapping{Local: p, Remote: "/" + filepath.Base(p)})
	}
	if r.updateImage {
		t.SDMuxBoot.FlashFullImage = true
	}

	bind, cfg, err := s.builder.SDMuxBoot(ctx)
	if err != nil {
		return nil, err
	}
	return strategy.NewSDMuxBoot(bind, cfg, s.observers()...)
}
