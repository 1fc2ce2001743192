package commands

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/fly-io/vmpool/pkg/db"
	"github.com/fly-io/vmpool/pkg/errors"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show journaled status transitions or provisioning runs",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().String("image", "", "Only show transitions for this image (default: all)")
	historyCmd.Flags().Int("limit", 50, "Maximum number of rows (0 for all)")
	historyCmd.Flags().Bool("runs", false, "Show provisioning runs instead of transitions")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	image, _ := cmd.Flags().GetString("image")
	limit, _ := cmd.Flags().GetInt("limit")
	runs, _ := cmd.Flags().GetBool("runs")

	// History is local; no provider access needed
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := ensureDirectories(cfg.SQLitePath, ""); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	out := cmd.OutOrStdout()
	if runs {
		provisions, err := repo.ListProvisions(ctx, limit)
		if err != nil {
			return errors.Wrap(err, "list provisions failed")
		}
		printProvisions(out, provisions)
		return nil
	}

	events, err := repo.ListEvents(ctx, image, limit)
	if err != nil {
		return errors.Wrap(err, "list events failed")
	}
	printEvents(out, events)
	return nil
}

func printEvents(w io.Writer, events []*db.Event) {
	if len(events) == 0 {
		fmt.Fprintln(w, "No events found")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tIMAGE\tINSTANCE\tFROM\tTO\tDETAIL")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.CreatedAt, e.Image, e.InstanceID, orDash(e.FromStatus), e.ToStatus, orDash(truncate(e.Detail, 60)))
	}
	tw.Flush()
}

func printProvisions(w io.Writer, provisions []*db.Provision) {
	if len(provisions) == 0 {
		fmt.Fprintln(w, "No provisioning runs found")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tIMAGE\tINSTANCE\tSTATUS\tUPDATED\tERROR")
	for _, p := range provisions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			p.RunID, p.Image, orDash(p.InstanceID), p.Status, p.UpdatedAt, orDash(truncate(p.ErrorMessage, 60)))
	}
	tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
