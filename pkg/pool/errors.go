package pool

import (
	"errors"
	"fmt"

	"github.com/fly-io/vmpool/pkg/actions"
)

var (
	// ErrConfiguration is returned when a registry cannot be constructed
	ErrConfiguration = errors.New("invalid image configuration")

	// ErrCapacityExceeded is returned when the pool or the pinned VM slot is full
	ErrCapacityExceeded = errors.New("unable to start more instances, limit reached")

	// ErrLocked is returned when the resource group has an outstanding action
	ErrLocked = actions.ErrLocked

	// ErrUnsupported is returned for operations this image variant cannot perform
	ErrUnsupported = errors.New("operation not supported for this image")

	// ErrNotFound is returned when an instance is not tracked by the registry
	ErrNotFound = errors.New("instance not found")

	// ErrProviderFailure matches every ProviderError
	ErrProviderFailure = errors.New("provider failure")
)

// ProviderError is a failed provider call made on behalf of an instance
type ProviderError struct {
	Op       string
	Instance string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s %s: %v", e.Op, e.Instance, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrProviderFailure) hold for any ProviderError
func (e *ProviderError) Is(target error) bool {
	return target == ErrProviderFailure
}

func providerError(op, instanceID string, err error) error {
	return &ProviderError{Op: op, Instance: instanceID, Err: err}
}

func configError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}
