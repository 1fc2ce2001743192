package fsm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fly-io/vmpool/pkg/db"
	"github.com/fly-io/vmpool/pkg/errors"
	"github.com/fly-io/vmpool/pkg/instance"
	"github.com/fly-io/vmpool/pkg/pool"
	"github.com/fly-io/vmpool/pkg/security"
	"github.com/fly-io/vmpool/pkg/storage"
	"github.com/nrednav/cuid2"
	"github.com/superfly/fsm"
)

// Registry is the part of the pool registry the workflow drives
type Registry interface {
	StartNewInstance(ctx context.Context, userData []byte) (instance.Instance, error)
	RefreshStatus(ctx context.Context, id string) (instance.Instance, error)
	Image() pool.ImageDetails
}

// UserDataSource fetches user data payloads
type UserDataSource interface {
	FetchObject(ctx context.Context, key string, maxSize int64) (*storage.Object, error)
}

// RunStore persists provisioning run records
type RunStore interface {
	CreateProvision(ctx context.Context, p *db.Provision) error
	GetProvision(ctx context.Context, runID string) (*db.Provision, error)
	UpdateProvision(ctx context.Context, p *db.Provision) error
}

// permanentError marks failures that retrying cannot fix
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	return &permanentError{err: err}
}

// IsPermanent reports whether err aborts the workflow instead of being retried
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// NewRunID returns a fresh workflow run identifier
func NewRunID() string {
	return "prov-" + cuid2.Generate()
}

// Machine holds dependencies for FSM transitions
type Machine struct {
	registry        Registry
	userData        UserDataSource
	validator       *security.Validator
	runs            RunStore
	maxUserDataSize int64
	maxRetries      int
}

// NewMachine creates a new FSM machine with dependencies
func NewMachine(
	registry Registry,
	userData UserDataSource,
	validator *security.Validator,
	runs RunStore,
	maxUserDataSize int64,
	maxRetries int,
) *Machine {
	return &Machine{
		registry:        registry,
		userData:        userData,
		validator:       validator,
		runs:            runs,
		maxUserDataSize: maxUserDataSize,
		maxRetries:      maxRetries,
	}
}

// fetchUserData records the run and loads the user data payload, if any
func (m *Machine) fetchUserData(ctx context.Context, req *ProvisionRequest, resp *ProvisionResponse) error {
	run, err := m.runs.GetProvision(ctx, req.RunID)
	if err != nil {
		return errors.Wrap(err, "database error")
	}
	if run == nil {
		run = &db.Provision{
			RunID:       req.RunID,
			Image:       req.Image,
			UserDataKey: req.UserDataKey,
			Status:      db.ProvisionPending,
		}
		if err := m.runs.CreateProvision(ctx, run); err != nil {
			return errors.Wrap(err, "failed to create provision record")
		}
		slog.Info("provision_created", "run_id", req.RunID, "image", req.Image)
	}

	if req.UserDataKey == "" {
		slog.Info("user_data_skipped", "run_id", req.RunID)
		return nil
	}

	if m.userData == nil {
		return permanent(fmt.Errorf("user data key %q given but no user data source configured", req.UserDataKey))
	}

	obj, err := m.userData.FetchObject(ctx, req.UserDataKey, m.maxUserDataSize)
	if err != nil {
		slog.Error("user_data_fetch_failed", "run_id", req.RunID, "key", req.UserDataKey, "error", err)
		return errors.Wrap(err, "failed to fetch user data")
	}

	if err := m.validator.ValidateUserData(obj.Data); err != nil {
		return permanent(err)
	}

	resp.UserData = obj.Data
	resp.UserDataSHA256 = obj.SHA256
	slog.Info("user_data_fetched", "run_id", req.RunID, "size", obj.Size, "sha256", obj.SHA256[:16]+"...")
	return nil
}

// create starts the instance. The registry records failed creates, so nothing here is retried.
// A run that already owns an instance never starts another one.
func (m *Machine) create(ctx context.Context, req *ProvisionRequest, resp *ProvisionResponse) error {
	if resp.InstanceID == "" {
		run, err := m.runs.GetProvision(ctx, req.RunID)
		if err != nil {
			return errors.Wrap(err, "database error")
		}
		if run != nil && run.InstanceID != "" {
			resp.InstanceID = run.InstanceID
		}
	}
	if resp.InstanceID != "" {
		slog.Info("instance_create_skipped", "run_id", req.RunID, "instance_id", resp.InstanceID)
		return m.setRun(ctx, req.RunID, db.ProvisionCreating, resp.InstanceID, "")
	}

	if err := m.setRun(ctx, req.RunID, db.ProvisionCreating, "", ""); err != nil {
		return err
	}

	inst, err := m.registry.StartNewInstance(ctx, resp.UserData)
	resp.InstanceID = inst.ID
	if err != nil {
		slog.Error("instance_create_failed", "run_id", req.RunID, "instance_id", inst.ID, "error", err)
		return permanent(errors.Wrap(err, "failed to start instance"))
	}

	slog.Info("instance_created", "run_id", req.RunID, "instance_id", inst.ID, "status", inst.Status)

	// The instance exists now; a retry must not create a second one
	if err := m.setRun(ctx, req.RunID, db.ProvisionCreating, inst.ID, ""); err != nil {
		return permanent(err)
	}
	return nil
}

// awaitRunning refreshes the instance until the provider reports it running
func (m *Machine) awaitRunning(ctx context.Context, req *ProvisionRequest, resp *ProvisionResponse) error {
	inst, err := m.registry.RefreshStatus(ctx, resp.InstanceID)
	if errors.Is(err, pool.ErrNotFound) {
		return permanent(err)
	}
	if err != nil {
		return errors.Wrap(err, "failed to refresh instance status")
	}

	resp.Status = string(inst.Status)
	if err := runningOutcome(inst); err != nil {
		return err
	}

	slog.Info("instance_running", "run_id", req.RunID, "instance_id", inst.ID)
	return nil
}

// runningOutcome is nil once inst runs, permanent once it failed, retryable otherwise
func runningOutcome(inst instance.Instance) error {
	switch inst.Status {
	case instance.StatusRunning:
		return nil
	case instance.StatusError:
		msg := "instance entered error state"
		if last, ok := inst.LastError(); ok {
			msg = last.Message
		}
		return permanent(fmt.Errorf("instance %s: %s", inst.ID, msg))
	default:
		return fmt.Errorf("instance %s is %s, waiting for running", inst.ID, inst.Status)
	}
}

func (m *Machine) complete(ctx context.Context, req *ProvisionRequest, resp *ProvisionResponse) error {
	if err := m.setRun(ctx, req.RunID, db.ProvisionRunning, resp.InstanceID, ""); err != nil {
		return err
	}
	resp.Status = db.ProvisionRunning
	slog.Info("fsm_complete", "run_id", req.RunID, "instance_id", resp.InstanceID)
	return nil
}

// fail marks the run failed. The original error is what the workflow reports.
func (m *Machine) fail(ctx context.Context, req *ProvisionRequest, resp *ProvisionResponse, cause error) {
	resp.Status = db.ProvisionFailed
	resp.ErrorMessage = cause.Error()
	if err := m.setRun(ctx, req.RunID, db.ProvisionFailed, resp.InstanceID, cause.Error()); err != nil {
		slog.Error("provision_fail_update_failed", "run_id", req.RunID, "error", err)
	}
}

func (m *Machine) setRun(ctx context.Context, runID, status, instanceID, message string) error {
	err := m.runs.UpdateProvision(ctx, &db.Provision{
		RunID:        runID,
		Status:       status,
		InstanceID:   instanceID,
		ErrorMessage: message,
	})
	if err != nil {
		slog.Error("status_update_failed", "run_id", runID, "status", status, "error", err)
		return errors.Wrap(err, "failed to update provision")
	}
	return nil
}

type step func(ctx context.Context, req *ProvisionRequest, resp *ProvisionResponse) error

// handler adapts a step to the fsm transition signature: retry limits, abort on
// permanent errors and run bookkeeping
func (m *Machine) handler(state string, fn step) func(context.Context, *fsm.Request[ProvisionRequest, ProvisionResponse]) (*fsm.Response[ProvisionResponse], error) {
	return func(ctx context.Context, req *fsm.Request[ProvisionRequest, ProvisionResponse]) (*fsm.Response[ProvisionResponse], error) {
		slog.Info("fsm_state_"+state, "run_id", req.Msg.RunID)

		resp := req.W.Msg
		if resp == nil {
			resp = &ProvisionResponse{}
		}

		// Check retry limit
		if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
			err := fmt.Errorf("max retries (%d) exceeded in %s", m.maxRetries, state)
			slog.Error("max_retries_exceeded", "run_id", req.Msg.RunID, "state", state, "max_retries", m.maxRetries)
			m.fail(ctx, req.Msg, resp, err)
			return nil, fsm.Abort(err)
		}

		if err := fn(ctx, req.Msg, resp); err != nil {
			if IsPermanent(err) {
				m.fail(ctx, req.Msg, resp, err)
				return nil, fsm.Abort(err)
			}
			slog.Warn("fsm_state_retry", "run_id", req.Msg.RunID, "state", state, "error", err)
			return nil, err
		}

		return fsm.NewResponse(resp), nil
	}
}
