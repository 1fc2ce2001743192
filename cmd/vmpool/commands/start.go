package commands

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fly-io/vmpool/pkg/errors"
	appfsm "github.com/fly-io/vmpool/pkg/fsm"
	"github.com/fly-io/vmpool/pkg/security"
	"github.com/fly-io/vmpool/pkg/storage"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/superfly/fsm"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Provision a new instance and wait until it is running",
	Long: `Runs the provisioning workflow: fetch optional user data from S3, start a
new instance (or the stopped pinned VM) and wait for the provider to report it running.`,
	Args: cobra.NoArgs,
	RunE: runStart,
}

func init() {
	startCmd.Flags().String("user-data", "", "S3 key of the user data payload")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	userDataKey, _ := cmd.Flags().GetString("user-data")

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	// Queued actions only resolve while someone polls
	a.pollInBackground(ctx)

	var userData appfsm.UserDataSource
	if a.cfg.UserDataBucket != "" {
		s3Client, err := storage.NewClient(ctx, a.cfg.UserDataBucket, a.cfg.UserDataRegion, a.cfg.UserDataAnonymous)
		if err != nil {
			return errors.Wrap(err, "S3 client failed")
		}
		userData = s3Client
	}

	validator := security.NewValidator(a.cfg.MaxUserDataSize)

	manager, err := fsm.New(fsm.Config{
		Logger: logrus.New(),
		DBPath: a.cfg.FSMDBPath,
	})
	if err != nil {
		return errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	machine := appfsm.NewMachine(a.registry, userData, validator, a.repo, a.cfg.MaxUserDataSize, a.cfg.FSMMaxRetries)
	start, _, err := machine.Register(ctx, manager)
	if err != nil {
		return errors.Wrap(err, "FSM register failed")
	}

	req := &appfsm.ProvisionRequest{
		RunID:       appfsm.NewRunID(),
		Image:       a.registry.Image().SourceID,
		UserDataKey: userDataKey,
	}
	resp := &appfsm.ProvisionResponse{}

	version, err := start(ctx, req.RunID, fsm.NewRequest(req, resp))
	if err != nil {
		return errors.Wrap(err, "FSM start failed")
	}

	slog.Info("fsm_started", "run_id", req.RunID, "version", version)

	waitErr := manager.Wait(ctx, version)

	// The run record is authoritative; resp is not written back by the manager
	run, err := a.repo.GetProvision(ctx, req.RunID)
	if err != nil {
		return errors.Wrap(err, "failed to load provision")
	}
	if waitErr != nil {
		return errors.Wrap(waitErr, "FSM execution failed")
	}
	if run == nil {
		return fmt.Errorf("provision %s was not recorded", req.RunID)
	}

	slog.Info("start_completed", "run_id", run.RunID, "status", run.Status, "instance_id", run.InstanceID)
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", run.RunID, run.InstanceID, run.Status)
	if run.ErrorMessage != "" {
		return fmt.Errorf("provision %s failed: %s", run.RunID, run.ErrorMessage)
	}
	return nil
}
