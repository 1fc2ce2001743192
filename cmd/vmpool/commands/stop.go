package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:     "stop <instance-id>...",
	Aliases: []string{"terminate"},
	Short:   "Terminate pool instances, or stop the pinned VM",
	Args:    cobra.MinimumNArgs(1),
	RunE:    runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	var failed int
	for _, id := range args {
		if err := a.registry.TerminateInstance(ctx, id); err != nil {
			fmt.Fprintf(out, "%s\tfailed: %v\n", id, err)
			failed++
			continue
		}
		fmt.Fprintf(out, "%s\tstopping\n", id)
	}

	if err := a.drain(ctx); err != nil {
		return err
	}

	for _, id := range args {
		if inst, ok := a.registry.Get(id); ok {
			printInstance(out, inst)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d instances failed to stop", failed, len(args))
	}
	return nil
}
