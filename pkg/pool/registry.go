// Package pool implements the per-image instance registry: the set of
// instances created from one image template, the operations that start, stop
// and restart them, and the reconciliation of provider-observed instances.
//
// A registry runs in one of two completion modes, chosen at construction:
//   - issue-and-wait: provider calls return when the operation is done
//   - issue-and-poll: state-changing calls go through an actions.Queue and
//     complete when the provider reports the operation finished
//
// A pinned image (ImageDetails.UseOriginal) manages exactly one pre-existing VM.
// It is powered on and off but never created, deleted or restarted.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fly-io/vmpool/pkg/actions"
	"github.com/fly-io/vmpool/pkg/instance"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Config holds the collaborators of a Registry
type Config struct {
	Image    ImageDetails
	Provider Provider

	// IDs names new pool instances. Not needed for pinned images.
	IDs IDProvider

	// Queue selects issue-and-poll completion. Provider must then implement AsyncProvider.
	Queue *actions.Queue

	Journal Journal
	Logger  *slog.Logger
	Meter   metric.Meter
	Tracer  trace.Tracer

	// Now is overridable for tests
	Now func() time.Time
}

// DetectResult reports what DetectNewInstances did
type DetectResult struct {
	Added   []string
	Skipped []string
}

// Registry owns the instances of one image
type Registry struct {
	image    ImageDetails
	provider Provider
	async    AsyncProvider
	ids      IDProvider
	queue    *actions.Queue
	journal  Journal
	logger   *slog.Logger
	metrics  *Metrics
	now      func() time.Time

	mu        sync.Mutex
	instances map[string]*instance.Instance
	reserved  int // capacity held by starts waiting on an ID

	// instances with a queued terminate still pending
	terminating map[string]struct{}
}

// New validates the image, then adopts every instance the provider reports for it
func New(ctx context.Context, cfg Config) (*Registry, error) {
	if err := cfg.Image.Validate(); err != nil {
		return nil, err
	}
	if cfg.Provider == nil {
		return nil, configError("provider is nil")
	}
	if cfg.IDs == nil && !cfg.Image.UseOriginal {
		return nil, configError("id provider is nil")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	r := &Registry{
		image:     cfg.Image,
		provider:  cfg.Provider,
		ids:       cfg.IDs,
		queue:     cfg.Queue,
		journal:   cfg.Journal,
		logger:    logger.With("image", cfg.Image.SourceID),
		now:       now,
		instances: make(map[string]*instance.Instance),

		terminating: make(map[string]struct{}),
	}

	if cfg.Queue != nil {
		async, ok := cfg.Provider.(AsyncProvider)
		if !ok {
			return nil, configError("provider %T cannot issue asynchronous operations", cfg.Provider)
		}
		r.async = async
	}

	if cfg.Meter != nil {
		metrics, err := newRegistryMetrics(cfg.Meter, cfg.Tracer, r)
		if err != nil {
			return nil, fmt.Errorf("create metrics: %w", err)
		}
		r.metrics = metrics
	}

	observed, err := cfg.Provider.ListImageInstances(ctx, cfg.Image)
	if err != nil {
		r.logger.Error("registry_initial_list_failed", "error", err)
		return nil, fmt.Errorf("list image instances: %w", err)
	}

	if cfg.Image.UseOriginal {
		if _, ok := observed[cfg.Image.SourceID]; !ok || len(observed) != 1 {
			r.logger.Error("registry_pinned_vm_not_found", "reported", len(observed))
			return nil, configError("unable to find virtual machine %q (provider reported %d instances)",
				cfg.Image.SourceID, len(observed))
		}
	}

	result := r.DetectNewInstances(ctx, observed)
	r.logger.Info("registry_initialized",
		"adopted", len(result.Added),
		"skipped", len(result.Skipped),
		"use_original", cfg.Image.UseOriginal,
		"async", r.queue != nil)

	return r, nil
}

// Image returns the image details the registry was built with
func (r *Registry) Image() ImageDetails {
	return r.image
}

// CanStartNewInstance reports whether StartNewInstance would be accepted now
func (r *Registry) CanStartNewInstance() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canStartLocked()
}

func (r *Registry) canStartLocked() bool {
	if r.image.UseOriginal {
		inst := r.instances[r.image.SourceID]
		return inst != nil && inst.Status == instance.StatusStopped
	}
	if len(r.instances)+r.reserved >= r.image.MaxInstances {
		return false
	}
	if r.queue != nil && r.queue.IsLocked(r.image.ResourceGroup) {
		return false
	}
	return true
}

// StartNewInstance creates a new pool instance, or powers on the pinned VM.
// A failed provider call leaves the instance tracked in StatusError, still
// holding its capacity slot until it is terminated. The returned snapshot
// carries the recorded error in that case.
func (r *Registry) StartNewInstance(ctx context.Context, userData []byte) (inst instance.Instance, err error) {
	ctx, end := r.startSpan(ctx, "StartNewInstance")
	defer end()
	start := time.Now()
	defer func() {
		r.recordDuration(ctx, func(m *Metrics) metric.Float64Histogram { return m.startDuration }, start, err)
	}()

	if r.image.UseOriginal {
		return r.startPinned(ctx)
	}

	r.mu.Lock()
	if !r.canStartLocked() {
		tracked := len(r.instances)
		r.mu.Unlock()
		r.logger.Warn("registry_capacity_exceeded", "tracked", tracked, "max_instances", r.image.MaxInstances)
		return instance.Instance{}, fmt.Errorf("%w: %d of %d instances", ErrCapacityExceeded, tracked, r.image.MaxInstances)
	}
	r.reserved++
	r.mu.Unlock()

	id, err := r.ids.NextID(ctx)
	if err != nil {
		r.mu.Lock()
		r.reserved--
		r.mu.Unlock()
		return instance.Instance{}, fmt.Errorf("allocate instance id: %w", err)
	}

	name := fmt.Sprintf("%s-%d", r.image.NamePrefix, id)
	created := instance.New(name, name, instance.StatusScheduledToStart)
	created.StartedAt = r.now()

	r.mu.Lock()
	r.reserved--
	if _, exists := r.instances[name]; exists {
		r.mu.Unlock()
		return instance.Instance{}, fmt.Errorf("instance %s already tracked, id provider returned a duplicate", name)
	}
	r.instances[name] = created
	snap := created.Snapshot()
	r.mu.Unlock()

	r.emit(ctx, Transition{InstanceID: name, To: instance.StatusScheduledToStart, Detail: "create requested"})
	r.logger.Info("registry_instance_scheduled", "instance_id", name)

	if err := r.provider.CreateVM(ctx, r.image, name, userData); err != nil {
		return r.fail(ctx, name, "create", err)
	}

	status, err := r.provider.VMStatus(ctx, name)
	if err != nil {
		return r.fail(ctx, name, "status", err)
	}

	if updated, ok := r.setStatus(ctx, name, status, "create completed"); ok {
		snap = updated
	}
	return snap, nil
}

func (r *Registry) startPinned(ctx context.Context) (instance.Instance, error) {
	id := r.image.SourceID

	r.mu.Lock()
	if !r.canStartLocked() {
		r.mu.Unlock()
		return instance.Instance{}, fmt.Errorf("%w: virtual machine %s is not stopped", ErrCapacityExceeded, id)
	}
	inst := r.instances[id]
	prev := inst.SetStatus(instance.StatusScheduledToStart)
	inst.StartedAt = r.now()
	r.mu.Unlock()

	r.emit(ctx, Transition{InstanceID: id, From: prev, To: instance.StatusScheduledToStart, Detail: "start requested"})

	if r.queue != nil {
		err := r.queue.Enqueue(ctx, r.image.ResourceGroup, actions.Action{
			Name:      "start instance " + id,
			Exclusive: true,
			Issue: func(ctx context.Context) (string, error) {
				return r.async.Begin(ctx, OpStart, id)
			},
			OnFinish: func() {
				r.setStatus(context.Background(), id, instance.StatusRunning, "start finished")
			},
			OnError: func(err error) {
				r.fail(context.Background(), id, string(OpStart), err)
			},
		})
		if err != nil {
			if errors.Is(err, actions.ErrLocked) {
				r.setStatus(ctx, id, prev, "start rejected, resource group locked")
				return instance.Instance{}, err
			}
			return r.fail(ctx, id, string(OpStart), err)
		}
		snap, _ := r.Get(id)
		return snap, nil
	}

	if err := r.provider.StartVM(ctx, id); err != nil {
		return r.fail(ctx, id, "start", err)
	}
	status, err := r.provider.VMStatus(ctx, id)
	if err != nil {
		return r.fail(ctx, id, "status", err)
	}
	snap, _ := r.setStatus(ctx, id, status, "start completed")
	return snap, nil
}

// TerminateInstance stops the instance. Pool instances are deleted and removed
// from the registry once the provider confirms; the pinned VM is only powered off.
func (r *Registry) TerminateInstance(ctx context.Context, id string) (err error) {
	ctx, end := r.startSpan(ctx, "TerminateInstance")
	defer end()
	start := time.Now()
	defer func() {
		r.recordDuration(ctx, func(m *Metrics) metric.Float64Histogram { return m.terminateDuration }, start, err)
	}()

	if r.queue != nil {
		tracked, inFlight := r.claimTerminate(id)
		if !tracked {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if inFlight {
			r.logger.Info("registry_terminate_already_pending", "instance_id", id)
			return nil
		}
	}

	var prev instance.Status
	_, ok := r.mutate(ctx, id, "terminate requested", func(inst *instance.Instance) {
		prev = inst.SetStatus(instance.StatusStopping)
	})
	if !ok {
		r.releaseTerminate(id)
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.logger.Info("registry_instance_stopping", "instance_id", id, "previous_status", prev)

	if r.queue != nil {
		return r.terminateQueued(ctx, id, prev)
	}

	if r.image.UseOriginal {
		if err := r.provider.StopVM(ctx, id); err != nil {
			_, perr := r.fail(ctx, id, "stop", err)
			return perr
		}
		r.setStatus(ctx, id, instance.StatusStopped, "stop completed")
		return nil
	}

	if err := r.provider.DeleteVM(ctx, id); err != nil {
		_, perr := r.fail(ctx, id, "delete", err)
		return perr
	}
	r.remove(ctx, id, "delete completed")
	return nil
}

func (r *Registry) terminateQueued(ctx context.Context, id string, prev instance.Status) error {
	op := OpDelete
	if r.image.UseOriginal {
		op = OpStop
	}

	err := r.queue.Enqueue(ctx, r.image.ResourceGroup, actions.Action{
		Name:      "stop instance " + id,
		Exclusive: r.image.UseOriginal,
		Issue: func(ctx context.Context) (string, error) {
			return r.async.Begin(ctx, op, id)
		},
		OnFinish: func() {
			r.releaseTerminate(id)
			if r.image.UseOriginal {
				r.setStatus(context.Background(), id, instance.StatusStopped, "stop finished")
				return
			}
			r.remove(context.Background(), id, "delete finished")
		},
		OnError: func(err error) {
			r.releaseTerminate(id)
			r.fail(context.Background(), id, string(op), err)
		},
	})
	if err == nil {
		return nil
	}

	r.releaseTerminate(id)
	if errors.Is(err, actions.ErrLocked) || errors.Is(err, actions.ErrDuplicateHandle) {
		r.setStatus(ctx, id, prev, "terminate rejected, resource group locked")
		return err
	}
	_, perr := r.fail(ctx, id, string(op), err)
	return perr
}

// claimTerminate marks id as having a queued terminate. inFlight reports that
// one was already pending, in which case nothing is claimed.
func (r *Registry) claimTerminate(id string) (tracked, inFlight bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.instances[id]; !ok {
		return false, false
	}
	if _, ok := r.terminating[id]; ok {
		return true, true
	}
	r.terminating[id] = struct{}{}
	return true, false
}

func (r *Registry) releaseTerminate(id string) {
	r.mu.Lock()
	delete(r.terminating, id)
	r.mu.Unlock()
}

// RestartInstance restarts a pool instance in place and refreshes its status
func (r *Registry) RestartInstance(ctx context.Context, id string) (err error) {
	if r.image.UseOriginal {
		return fmt.Errorf("%w: restart of pinned virtual machine %s", ErrUnsupported, id)
	}

	ctx, end := r.startSpan(ctx, "RestartInstance")
	defer end()
	start := time.Now()
	defer func() {
		r.recordDuration(ctx, func(m *Metrics) metric.Float64Histogram { return m.restartDuration }, start, err)
	}()

	_, ok := r.mutate(ctx, id, "restart requested", func(inst *instance.Instance) {
		inst.SetStatus(instance.StatusRestarting)
	})
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if err := r.provider.RestartVM(ctx, id); err != nil {
		_, perr := r.fail(ctx, id, "restart", err)
		return perr
	}

	status, err := r.provider.VMStatus(ctx, id)
	if err != nil {
		_, perr := r.fail(ctx, id, "status", err)
		return perr
	}

	r.setStatus(ctx, id, status, "restart completed")
	return nil
}

// RefreshStatus copies the provider's current status onto the instance.
// A failed lookup is returned without touching the recorded status.
func (r *Registry) RefreshStatus(ctx context.Context, id string) (instance.Instance, error) {
	if _, ok := r.Get(id); !ok {
		return instance.Instance{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	status, err := r.provider.VMStatus(ctx, id)
	if err != nil {
		r.logger.Warn("registry_refresh_failed", "instance_id", id, "error", err)
		return instance.Instance{}, providerError("status", id, err)
	}

	snap, ok := r.setStatus(ctx, id, status, "status refreshed")
	if !ok {
		return instance.Instance{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return snap, nil
}

// DetectNewInstances adopts observed instances the registry does not track yet.
// Tracked instances are never modified, so repeated calls with the same input are no-ops.
func (r *Registry) DetectNewInstances(ctx context.Context, observed map[string]ExternalInstance) DetectResult {
	ids := lo.Keys(observed)
	sort.Strings(ids)

	var result DetectResult
	var transitions []Transition

	r.mu.Lock()
	for _, id := range ids {
		if _, tracked := r.instances[id]; tracked {
			continue
		}
		if r.image.UseOriginal && id != r.image.SourceID {
			result.Skipped = append(result.Skipped, id)
			continue
		}
		if len(r.instances)+r.reserved >= r.image.Capacity() {
			result.Skipped = append(result.Skipped, id)
			continue
		}

		ext := observed[id]
		name := ext.Name
		if name == "" {
			name = id
		}
		status := ext.Status
		if !status.Valid() {
			status = instance.StatusUnknown
		}

		r.instances[id] = instance.New(id, name, status)
		result.Added = append(result.Added, id)
		transitions = append(transitions, Transition{InstanceID: id, To: status, Detail: "adopted from provider"})
	}
	r.mu.Unlock()

	r.emit(ctx, transitions...)

	if len(result.Added) > 0 {
		r.logger.Info("registry_instances_detected", "added", result.Added)
	}
	if len(result.Skipped) > 0 {
		r.logger.Warn("registry_instances_skipped", "skipped", result.Skipped, "capacity", r.image.Capacity())
	}
	return result
}

// Get returns a snapshot of one instance
func (r *Registry) Get(id string) (instance.Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return instance.Instance{}, false
	}
	return inst.Snapshot(), true
}

// List returns snapshots of all tracked instances ordered by ID
func (r *Registry) List() []instance.Instance {
	r.mu.Lock()
	list := lo.Map(lo.Values(r.instances), func(inst *instance.Instance, _ int) instance.Instance {
		return inst.Snapshot()
	})
	r.mu.Unlock()

	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// Len returns the number of tracked instances
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}

// CountByStatus returns the number of tracked instances per status
func (r *Registry) CountByStatus() map[instance.Status]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return lo.CountValuesBy(lo.Values(r.instances), func(inst *instance.Instance) instance.Status {
		return inst.Status
	})
}

// mutate applies fn to a tracked instance under the registry lock and emits
// the resulting transition after the lock is released
func (r *Registry) mutate(ctx context.Context, id, detail string, fn func(inst *instance.Instance)) (instance.Instance, bool) {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return instance.Instance{}, false
	}
	from := inst.Status
	fn(inst)
	snap := inst.Snapshot()
	r.mu.Unlock()

	if from != snap.Status {
		r.emit(ctx, Transition{InstanceID: id, From: from, To: snap.Status, Detail: detail})
	}
	return snap, true
}

func (r *Registry) setStatus(ctx context.Context, id string, status instance.Status, detail string) (instance.Instance, bool) {
	return r.mutate(ctx, id, detail, func(inst *instance.Instance) {
		inst.SetStatus(status)
	})
}

// fail records a provider failure on the instance and returns it as a ProviderError
func (r *Registry) fail(ctx context.Context, id, op string, cause error) (instance.Instance, error) {
	err := providerError(op, id, cause)
	r.logger.Error("registry_provider_call_failed", "instance_id", id, "op", op, "error", cause)

	snap, _ := r.mutate(ctx, id, err.Error(), func(inst *instance.Instance) {
		inst.RecordError(err, r.now())
	})
	return snap, err
}

func (r *Registry) remove(ctx context.Context, id, detail string) {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	from := inst.Status
	inst.SetStatus(instance.StatusStopped)
	delete(r.instances, id)
	r.mu.Unlock()

	r.emit(ctx, Transition{InstanceID: id, From: from, To: instance.StatusStopped, Detail: detail})
	r.logger.Info("registry_instance_removed", "instance_id", id)
}

func (r *Registry) emit(ctx context.Context, transitions ...Transition) {
	for _, t := range transitions {
		t.Image = r.image.SourceID
		if t.At.IsZero() {
			t.At = r.now()
		}

		r.recordStateTransition(ctx, t)
		r.logger.Debug("registry_state_transition",
			"instance_id", t.InstanceID,
			"from", t.From,
			"to", t.To,
			"detail", t.Detail)

		if r.journal == nil {
			continue
		}
		if err := r.journal.RecordTransition(ctx, t); err != nil {
			r.logger.Warn("registry_journal_write_failed", "instance_id", t.InstanceID, "error", err)
		}
	}
}
