package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fly-io/vmpool/internal/config"
	"github.com/fly-io/vmpool/pkg/actions"
	"github.com/fly-io/vmpool/pkg/compute"
	"github.com/fly-io/vmpool/pkg/db"
	"github.com/fly-io/vmpool/pkg/errors"
	"github.com/fly-io/vmpool/pkg/instance"
	"github.com/fly-io/vmpool/pkg/pool"
	"go.opentelemetry.io/otel"
)

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(sqlitePath, fsmDBPath string) error {
	// Create database directory
	if err := os.MkdirAll(filepath.Dir(sqlitePath), 0755); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}

	// Create FSM database directory (only needed for start command)
	if fsmDBPath != "" {
		if err := os.MkdirAll(fsmDBPath, 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}

	return nil
}

// app is the wired set of components every command works with
type app struct {
	cfg      *config.Config
	repo     *db.Repository
	queue    *actions.Queue
	registry *pool.Registry
}

// loadConfig loads and validates configuration
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config invalid")
	}
	return cfg, nil
}

// newApp builds the repository, EC2 client, optional action queue and registry.
// withFSM also prepares the workflow database directory.
func newApp(ctx context.Context, withFSM bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	fsmDBPath := ""
	if withFSM {
		fsmDBPath = cfg.FSMDBPath
	}
	if err := ensureDirectories(cfg.SQLitePath, fsmDBPath); err != nil {
		return nil, err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return nil, errors.Wrap(err, "db init failed")
	}

	image := cfg.Image()
	ec2Client, err := compute.NewClient(ctx, compute.Options{
		Region:       cfg.Region,
		Credentials:  image.Credentials,
		InstanceType: cfg.InstanceType,
		Endpoint:     cfg.EC2Endpoint,
		WaitTimeout:  cfg.EC2WaitTimeout,
	})
	if err != nil {
		repo.Close()
		return nil, errors.Wrap(err, "EC2 client failed")
	}

	var queue *actions.Queue
	if cfg.Async {
		queue = actions.New(ec2Client,
			actions.WithMaxCheckFailures(cfg.MaxCheckFailures),
			actions.WithLogger(slog.Default().With("component", "actions")))
	}

	registry, err := pool.New(ctx, pool.Config{
		Image:    image,
		Provider: ec2Client,
		IDs:      repo,
		Queue:    queue,
		Journal:  repo,
		Logger:   slog.Default().With("component", "registry"),
		Meter:    otel.Meter("github.com/fly-io/vmpool"),
		Tracer:   otel.Tracer("github.com/fly-io/vmpool"),
	})
	if err != nil {
		repo.Close()
		return nil, errors.Wrap(err, "registry init failed")
	}

	return &app{
		cfg:      cfg,
		repo:     repo,
		queue:    queue,
		registry: registry,
	}, nil
}

// Close releases the database
func (a *app) Close() error {
	return a.repo.Close()
}

// pollInBackground polls queued actions until ctx ends. It is a no-op without a queue.
func (a *app) pollInBackground(ctx context.Context) {
	if a.queue == nil {
		return
	}
	go a.queue.Run(ctx, a.cfg.PollInterval)
}

// drain waits for queued actions to resolve
func (a *app) drain(ctx context.Context) error {
	if a.queue == nil {
		return nil
	}
	slog.Info("waiting_for_actions", "pending", a.queue.Pending())
	if err := a.queue.Drain(ctx, a.cfg.PollInterval); err != nil {
		return errors.Wrap(err, "waiting for queued actions")
	}
	return nil
}

// printInstances writes a table of instances
func printInstances(w io.Writer, instances []instance.Instance) {
	if len(instances) == 0 {
		fmt.Fprintln(w, "No instances found")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tSTARTED\tLAST ERROR")
	for _, inst := range instances {
		started := "-"
		if !inst.StartedAt.IsZero() {
			started = inst.StartedAt.Format(time.RFC3339)
		}
		lastErr := "-"
		if info, ok := inst.LastError(); ok {
			lastErr = truncate(info.Message, 60)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", inst.ID, inst.Name, inst.Status, started, lastErr)
	}
	tw.Flush()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
