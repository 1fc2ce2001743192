package actions

import "context"

// State is the provider-reported progress of an action
type State int

const (
	StatePending State = iota
	StateFinished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the answer to one completion check
type Result struct {
	State  State
	Detail string
}

// Pending reports the operation is still in flight
func Pending() Result { return Result{State: StatePending} }

// Finished reports the operation completed
func Finished() Result { return Result{State: StateFinished} }

// Failed reports the operation failed on the provider side
func Failed(detail string) Result { return Result{State: StateFailed, Detail: detail} }

// Checker asks the provider whether the operation behind handle has completed.
// An error means the check itself could not be made, not that the operation failed.
type Checker interface {
	CheckAction(ctx context.Context, handle string) (Result, error)
}

// CheckerFunc adapts a function to Checker
type CheckerFunc func(ctx context.Context, handle string) (Result, error)

func (f CheckerFunc) CheckAction(ctx context.Context, handle string) (Result, error) {
	return f(ctx, handle)
}
