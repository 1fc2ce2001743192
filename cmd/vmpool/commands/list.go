package commands

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fly-io/vmpool/pkg/instance"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the instances of the image and their status",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	printInstances(out, a.registry.List())

	image := a.registry.Image()
	fmt.Fprintf(out, "\n%s: %d/%d instances (%s)\n",
		image.SourceID, a.registry.Len(), image.Capacity(), formatCounts(a.registry.CountByStatus()))
	if a.registry.CanStartNewInstance() {
		fmt.Fprintln(out, "capacity available")
	}
	return nil
}

// formatCounts renders status counts as "running=2, stopped=1", ordered by status name
func formatCounts(counts map[instance.Status]int) string {
	if len(counts) == 0 {
		return "none"
	}

	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)

	parts := make([]string, 0, len(statuses))
	for _, s := range statuses {
		parts = append(parts, fmt.Sprintf("%s=%d", s, counts[instance.Status(s)]))
	}
	return strings.Join(parts, ", ")
}

func printInstance(w io.Writer, inst instance.Instance) {
	fmt.Fprintf(w, "%s\t%s\t%s\n", inst.ID, inst.Name, inst.Status)
}
