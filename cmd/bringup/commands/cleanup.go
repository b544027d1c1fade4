package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fpgalab/bringup/internal/config"
	"github.com/fpgalab/bringup/pkg/errors"
	"github.com/fpgalab/bringup/pkg/journal"
	"github.com/spf13/cobra"
)

var (
	cleanupArtifacts bool
	cleanupJournal   bool
	cleanupOlderThan time.Duration
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove cached release artifacts and old journal entries",
	Long: `Clean up local state:
  --artifacts        Delete every cached artifact and forget it in the journal
  --journal          Delete stage entries older than --older-than (default: journal-retention)`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupArtifacts, "artifacts", false, "Remove cached artifacts")
	cleanupCmd.Flags().BoolVar(&cleanupJournal, "journal", false, "Prune old journal entries")
	cleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", 0, "Age of journal entries to prune")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	if !cleanupArtifacts && !cleanupJournal {
		return fmt.Errorf("must specify --artifacts or --journal")
	}

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	if err := ensureDirectories(cfg.Journal, ""); err != nil {
		return err
	}

	repo, err := journal.NewRepository(cfg.Journal)
	if err != nil {
		return errors.Wrap(err, "journal init failed")
	}
	defer repo.Close()

	ctx := context.Background()

	if cleanupArtifacts {
		if err := cleanupCachedArtifacts(ctx, repo); err != nil {
			return err
		}
	}
	if cleanupJournal {
		age := cleanupOlderThan
		if age == 0 {
			age = cfg.JournalRetention
		}
		n, err := repo.Prune(ctx, time.Now().Add(-age))
		if err != nil {
			return errors.Wrap(err, "prune failed")
		}
		fmt.Printf("Pruned %d journal entries older than %s\n", n, age)
	}
	return nil
}

func cleanupCachedArtifacts(ctx context.Context, repo *journal.Repository) error {
	artifacts, err := repo.ListArtifacts(ctx)
	if err != nil {
		return errors.Wrap(err, "list artifacts failed")
	}

	fmt.Printf("Cleaning up %d cached artifacts...\n", len(artifacts))

	removed := 0
	for _, a := range artifacts {
		if err := os.Remove(a.LocalPath); err != nil && !os.IsNotExist(err) {
			slog.Warn("artifact_remove_failed", "key", a.Key, "path", a.LocalPath, "error", err)
			continue
		}
		if err := repo.DeleteArtifact(ctx, a.Key); err != nil {
			return errors.Wrap(err, "delete artifact record failed")
		}
		removed++
	}

	fmt.Printf("Removed %d of %d artifacts\n", removed, len(artifacts))
	return nil
}
