package commands

import (
	"fmt"

	"github.com/fly-io/vmpool/pkg/instance"
	"github.com/spf13/cobra"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh [instance-id...]",
	Short: "Query the provider for the current status of instances",
	Long:  `Refreshes the given instances, or every tracked instance when none are named.`,
	RunE:  runRefresh,
}

func init() {
	rootCmd.AddCommand(refreshCmd)
}

func runRefresh(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	ids := args
	if len(ids) == 0 {
		for _, inst := range a.registry.List() {
			ids = append(ids, inst.ID)
		}
	}

	refreshed := make([]instance.Instance, 0, len(ids))
	var failed int
	for _, id := range ids {
		inst, err := a.registry.RefreshStatus(ctx, id)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", id, err)
			failed++
		}
		if inst.ID != "" {
			refreshed = append(refreshed, inst)
		}
	}

	printInstances(cmd.OutOrStdout(), refreshed)
	if failed > 0 {
		return fmt.Errorf("%d of %d refreshes failed", failed, len(ids))
	}
	return nil
}
