package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var restartCmd = &cobra.Command{
	Use:   "restart <instance-id>",
	Short: "Reboot a pool instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runRestart,
}

func init() {
	rootCmd.AddCommand(restartCmd)
}

func runRestart(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.registry.RestartInstance(ctx, args[0]); err != nil {
		return err
	}

	inst, ok := a.registry.Get(args[0])
	if !ok {
		return fmt.Errorf("instance %s disappeared after restart", args[0])
	}
	printInstance(cmd.OutOrStdout(), inst)
	return nil
}
