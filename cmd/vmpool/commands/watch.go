package commands

import (
	"context"
	"log/slog"
	"time"

	"github.com/fly-io/vmpool/pkg/pool"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll queued actions and reconcile with the provider until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().Duration("status-interval", time.Minute, "How often to log a status summary")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	statusInterval, _ := cmd.Flags().GetDuration("status-interval")

	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	slog.Info("watch_started",
		"reconcile_interval", a.cfg.ReconcileInterval,
		"poll_interval", a.cfg.PollInterval,
		"async", a.queue != nil)

	g, ctx := errgroup.WithContext(ctx)

	if a.queue != nil {
		g.Go(func() error {
			a.queue.Run(ctx, a.cfg.PollInterval)
			return nil
		})
	}

	g.Go(func() error {
		pool.RunReconciler(ctx, a.registry, a.cfg.ReconcileInterval)
		return nil
	})

	g.Go(func() error {
		logStatus(ctx, a, statusInterval)
		return nil
	})

	err = g.Wait()
	slog.Info("watch_stopped")
	return err
}

// logStatus logs instance counts on every tick until ctx is done
func logStatus(ctx context.Context, a *app, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			attrs := []any{"tracked", a.registry.Len(), "statuses", formatCounts(a.registry.CountByStatus())}
			if a.queue != nil {
				attrs = append(attrs, "pending_actions", a.queue.Len())
			}
			slog.Info("pool_status", attrs...)
		}
	}
}
