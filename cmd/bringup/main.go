package main

import (
	"log/slog"
	"os"

	"github.com/fpgalab/bringup/cmd/bringup/commands"
)

func main() {
	// Structured text logs; --debug lowers the level at run time
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: commands.LogLevel,
	}))
	slog.SetDefault(logger)

	commands.Execute()
}
