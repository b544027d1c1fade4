package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// LogLevel is the level of the default logger.
var LogLevel = new(slog.LevelVar)

// Version is set at build time with -ldflags "-X .../commands.Version=...".
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "bringup",
	Short: "FPGA board bring-up - power, boot media, JTAG and console orchestration",
	Long: `Drives SoC and FPGA boards through their boot stages: SD card mux boot,
SSH boot-file updates, dual-chip SelMap boot and JTAG fabric boot.`,
	Version:      Version,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if viper.GetBool("debug") {
			LogLevel.Set(slog.LevelDebug)
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Configuration file (default ./bringup.yaml)")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("journal", ".bringup/journal.db", "Stage journal database path")
	rootCmd.PersistentFlags().String("cache-dir", ".bringup/cache", "Release artifact cache directory")
	rootCmd.PersistentFlags().String("metrics-textfile", "", "Write prometheus metrics to this file after a run")

	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.BindPFlag("journal", rootCmd.PersistentFlags().Lookup("journal"))
	viper.BindPFlag("cache-dir", rootCmd.PersistentFlags().Lookup("cache-dir"))
	viper.BindPFlag("metrics-textfile", rootCmd.PersistentFlags().Lookup("metrics-textfile"))
}
