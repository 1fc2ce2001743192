package commands

import (
	"fmt"
	"strings"

	"github.com/fly-io/vmpool/pkg/pool"
	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Adopt provider instances of the image that are not tracked yet",
	Long: `Lists the provider for instances of the image and adopts those the registry
does not track. Adoption is additive and never exceeds the image capacity.`,
	Args:  cobra.NoArgs,
	RunE:  runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}

func runReconcile(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := pool.Reconcile(ctx, a.registry)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, formatDetect(result))
	printInstances(out, a.registry.List())
	return nil
}

// formatDetect summarizes a detection pass
func formatDetect(result pool.DetectResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "added %d", len(result.Added))
	if len(result.Added) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(result.Added, ", "))
	}
	fmt.Fprintf(&b, ", skipped %d", len(result.Skipped))
	if len(result.Skipped) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(result.Skipped, ", "))
	}
	return b.String()
}
