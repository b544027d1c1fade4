package commands

import (
	"context"
	"fmt"

	"github.com/fpgalab/bringup/internal/config"
	"github.com/fpgalab/bringup/pkg/errors"
	"github.com/fpgalab/bringup/pkg/journal"
	"github.com/spf13/cobra"
)

var historyFilter journal.Filter

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded stage transitions, newest first",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().StringVar(&historyFilter.Run, "run", "", "Only show one run")
	historyCmd.Flags().StringVar(&historyFilter.Workflow, "workflow", "", "Only show one workflow (sdmux, ssh, selmap, fabric)")
	historyCmd.Flags().IntVarP(&historyFilter.Limit, "limit", "n", 50, "Maximum entries, 0 for all")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	// Ensure journal directory exists
	if err := ensureDirectories(cfg.Journal, ""); err != nil {
		return err
	}

	repo, err := journal.NewRepository(cfg.Journal)
	if err != nil {
		return errors.Wrap(err, "journal init failed")
	}
	defer repo.Close()

	entries, err := repo.List(context.Background(), historyFilter)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(entries) == 0 {
		fmt.Println("No stage transitions recorded")
		return nil
	}

	fmt.Printf("%-36s %-8s %-24s %-3s %-10s %-27s %-9s %s\n", "RUN", "WORKFLOW", "STAGE", "#", "STATUS", "STARTED", "MS", "ERROR")
	fmt.Println("--------------------------------------------------------------------------------------------------------------------------------")

	for _, e := range entries {
		errMsg := e.ErrorMessage
		if errMsg == "" {
			errMsg = "-"
		}
		duration := "-"
		if e.FinishedAt != "" {
			duration = fmt.Sprintf("%d", e.DurationMS)
		}

		fmt.Printf("%-36s %-8s %-24s %-3d %-10s %-27s %-9s %s\n",
			e.Run, e.Workflow, e.Stage, e.Attempt, e.Status, e.StartedAt, duration, errMsg)
	}

	return nil
}
