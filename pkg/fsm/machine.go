// Package fsm implements the instance provisioning finite state machine workflow.
// It fetches an optional user data payload from S3, starts an instance through the
// pool registry and waits for the provider to report it running, using the
// superfly/fsm library for persistence and retries.
package fsm

import (
	"context"

	"github.com/fly-io/vmpool/pkg/errors"
	"github.com/superfly/fsm"
)

// Register registers the provisioning FSM
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[ProvisionRequest, ProvisionResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[ProvisionRequest, ProvisionResponse](manager, "instance-provision").
		Start(StateFetchUserData, m.handler(StateFetchUserData, m.fetchUserData)).
		To(StateCreate, m.handler(StateCreate, m.create)).
		To(StateAwaitRunning, m.handler(StateAwaitRunning, m.awaitRunning)).
		To(StateComplete, m.handler(StateComplete, m.complete)).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}
