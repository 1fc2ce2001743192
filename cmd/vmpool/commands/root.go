package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var logLevel *slog.LevelVar

var rootCmd = &cobra.Command{
	Use:   "vmpool",
	Short: "Manage a pool of cloud instances created from one image",
	Long: `Tracks instances created from an image template (or a single pinned VM),
drives start/stop/restart against EC2 and reconciles local state with the provider.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := parseLevel(viper.GetString("log-level"))
		if err != nil {
			return err
		}
		if logLevel != nil {
			logLevel.Set(level)
		}
		return nil
	},
}

// Execute runs the root command; level is adjusted from --log-level
func Execute(level *slog.LevelVar) {
	logLevel = level

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("sqlite-path", ".artifacts/vmpool.db", "SQLite database path")
	flags.String("fsm-db-path", ".artifacts/fsm", "FSM database directory")
	flags.String("region", "us-east-1", "EC2 region")
	flags.String("instance-type", "t3.micro", "EC2 instance type for new instances")
	flags.String("source-id", "", "AMI id of the pool, or the Name of the pinned VM")
	flags.Int("max-instances", 1, "Maximum number of pool instances")
	flags.Bool("use-original", false, "Manage the single existing VM named by --source-id")
	flags.String("name-prefix", "vmpool", "Name prefix for new instances")
	flags.String("resource-group", "default", "Action queue lock key")
	flags.Bool("async", false, "Issue operations and poll for completion")
	flags.String("user-data-bucket", "", "S3 bucket holding user data objects")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")

	for _, key := range []string{
		"sqlite-path", "fsm-db-path", "region", "instance-type", "source-id", "max-instances",
		"use-original", "name-prefix", "resource-group", "async", "user-data-bucket", "log-level",
	} {
		viper.BindPFlag(key, flags.Lookup(key))
	}
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}
