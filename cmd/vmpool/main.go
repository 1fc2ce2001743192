package main

import (
	"log/slog"
	"os"

	"github.com/fly-io/vmpool/cmd/vmpool/commands"
)

func main() {
	// Level is raised or lowered once --log-level is parsed
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	// Initialize structured logger with text format for readability
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	commands.Execute(level)
}
