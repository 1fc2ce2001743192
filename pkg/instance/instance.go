// Package instance defines the in-memory record of one compute instance
// tracked by an image registry, and its lifecycle status.
package instance

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of an instance
type Status string

// Status values. StatusStarting is only ever observed from the provider.
const (
	StatusScheduledToStart Status = "scheduled_to_start"
	StatusStarting         Status = "starting"
	StatusRunning          Status = "running"
	StatusStopping         Status = "stopping"
	StatusStopped          Status = "stopped"
	StatusRestarting       Status = "restarting"
	StatusError            Status = "error"
	StatusUnknown          Status = "unknown"
)

var allStatuses = []Status{
	StatusScheduledToStart,
	StatusStarting,
	StatusRunning,
	StatusStopping,
	StatusStopped,
	StatusRestarting,
	StatusError,
	StatusUnknown,
}

func (s Status) String() string {
	return string(s)
}

// Valid reports whether s is one of the known status values
func (s Status) Valid() bool {
	for _, known := range allStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// ParseStatus converts a stored status string back into a Status
func ParseStatus(s string) (Status, error) {
	status := Status(s)
	if !status.Valid() {
		return StatusUnknown, fmt.Errorf("unknown instance status %q", s)
	}
	return status, nil
}

// ErrorInfo is one failure recorded against an instance
type ErrorInfo struct {
	Message string
	Detail  string
	At      time.Time
}

// Instance is a single compute resource belonging to an image.
// The registry owns the live record; everything handed out is a copy.
type Instance struct {
	ID        string
	Name      string
	Status    Status
	StartedAt time.Time
	Errors    []ErrorInfo
}

// New creates an instance record with the given identity and status
func New(id, name string, status Status) *Instance {
	return &Instance{
		ID:     id,
		Name:   name,
		Status: status,
	}
}

// SetStatus changes the status and returns the previous one
func (i *Instance) SetStatus(status Status) Status {
	prev := i.Status
	i.Status = status
	return prev
}

// RecordError transitions the instance to StatusError and appends err to its error list.
// It returns the status the instance had before.
func (i *Instance) RecordError(err error, at time.Time) Status {
	prev := i.SetStatus(StatusError)
	msg := err.Error()
	i.Errors = append(i.Errors, ErrorInfo{
		Message: msg,
		Detail:  fmt.Sprintf("%+v", err),
		At:      at,
	})
	return prev
}

// LastError returns the most recent recorded error, if any
func (i *Instance) LastError() (ErrorInfo, bool) {
	if len(i.Errors) == 0 {
		return ErrorInfo{}, false
	}
	return i.Errors[len(i.Errors)-1], true
}

// Snapshot returns a deep copy safe to hand outside the owning registry
func (i *Instance) Snapshot() Instance {
	cp := *i
	if i.Errors != nil {
		cp.Errors = make([]ErrorInfo, len(i.Errors))
		copy(cp.Errors, i.Errors)
	}
	return cp
}
