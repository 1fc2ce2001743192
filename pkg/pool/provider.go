package pool

import (
	"context"
	"time"

	"github.com/fly-io/vmpool/pkg/actions"
	"github.com/fly-io/vmpool/pkg/instance"
)

// ExternalInstance is the provider's view of one instance
type ExternalInstance struct {
	Name   string
	Status instance.Status
}

// Provider is the cloud API the registry drives. Every state-changing call
// returns once the provider has finished the operation.
type Provider interface {
	// ListImageInstances returns the instances belonging to image, keyed by identity
	ListImageInstances(ctx context.Context, image ImageDetails) (map[string]ExternalInstance, error)

	CreateVM(ctx context.Context, image ImageDetails, name string, userData []byte) error
	DeleteVM(ctx context.Context, name string) error
	StartVM(ctx context.Context, name string) error
	StopVM(ctx context.Context, name string) error
	RestartVM(ctx context.Context, name string) error

	// VMStatus returns the provider's current status for the instance
	VMStatus(ctx context.Context, name string) (instance.Status, error)
}

// Op names an asynchronous provider operation
type Op string

const (
	OpDelete Op = "delete"
	OpStart  Op = "start"
	OpStop   Op = "stop"
)

// AsyncProvider issues operations that complete later. The returned handle is
// checked through actions.Checker; an empty handle means already complete.
type AsyncProvider interface {
	Begin(ctx context.Context, op Op, name string) (string, error)
	actions.Checker
}

// IDProvider hands out values unique for the lifetime of the process
type IDProvider interface {
	NextID(ctx context.Context) (int64, error)
}

// IDFunc adapts a function to IDProvider
type IDFunc func(ctx context.Context) (int64, error)

func (f IDFunc) NextID(ctx context.Context) (int64, error) {
	return f(ctx)
}

// Transition is one status change of a tracked instance
type Transition struct {
	Image      string
	InstanceID string
	From       instance.Status
	To         instance.Status
	Detail     string
	At         time.Time
}

// Journal receives every transition the registry makes
type Journal interface {
	RecordTransition(ctx context.Context, t Transition) error
}
