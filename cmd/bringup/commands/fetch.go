package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fpgalab/bringup/internal/config"
	"github.com/fpgalab/bringup/pkg/errors"
	"github.com/fpgalab/bringup/pkg/journal"
	"github.com/spf13/cobra"
)

var (
	fetchTarget  string
	fetchRelease string
	fetchList    bool
	fetchImage   bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download a target's release from S3 into the artifact cache",
	Long: `Downloads the boot files (and with --image the disk image) of the target's S3
release so a later boot starts from the cache. Files whose sha256 matches the
journal are not downloaded again.`,
	Args: cobra.NoArgs,
	RunE: runFetch,
}

func init() {
	rootCmd.AddCommand(fetchCmd)
	fetchCmd.Flags().StringVarP(&fetchTarget, "target", "t", "main", "Target name in config")
	fetchCmd.Flags().StringVar(&fetchRelease, "release", "", "Release version to fetch instead of the configured one")
	fetchCmd.Flags().BoolVar(&fetchList, "list", false, "List the release's keys instead of downloading")
	fetchCmd.Flags().BoolVar(&fetchImage, "image", false, "Also download the full disk image")
}

func runFetch(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config invalid")
	}

	if err := ensureDirectories(cfg.Journal, cfg.CacheDir); err != nil {
		return err
	}

	repo, err := journal.NewRepository(cfg.Journal)
	if err != nil {
		return errors.Wrap(err, "journal init failed")
	}
	defer repo.Close()

	builder, err := config.NewBuilder(cfg, fetchTarget, repo)
	if err != nil {
		return err
	}
	if fetchRelease != "" {
		if r := builder.Target.Release; r != nil && r.S3 != nil {
			r.S3.Release = fetchRelease
		}
	}

	provider, err := builder.ReleaseS3(ctx)
	if err != nil {
		return errors.Wrap(err, "release init failed")
	}

	if fetchList {
		keys, err := provider.Keys(ctx)
		if err != nil {
			return errors.Wrap(err, "list failed")
		}
		for _, k := range keys {
			fmt.Println(k)
		}
		return nil
	}

	files, err := provider.BootFiles(ctx)
	if err != nil {
		return errors.Wrap(err, "fetch boot files failed")
	}
	if fetchImage {
		image, err := provider.Image(ctx)
		if err != nil {
			return errors.Wrap(err, "fetch image failed")
		}
		files = append(files, image)
	}

	slog.Info("fetch_complete", "target", fetchTarget, "files", len(files))
	for _, f := range files {
		fmt.Println(f)
	}
	return nil
}
