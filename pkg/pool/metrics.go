package pool

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Metrics holds the metrics instruments for registry operations.
type Metrics struct {
	startDuration     metric.Float64Histogram
	terminateDuration metric.Float64Histogram
	restartDuration   metric.Float64Histogram
	reconcileDuration metric.Float64Histogram
	stateTransitions  metric.Int64Counter
	tracer            trace.Tracer
}

// newRegistryMetrics creates and registers all registry metrics.
func newRegistryMetrics(meter metric.Meter, tracer trace.Tracer, r *Registry) (*Metrics, error) {
	startDuration, err := meter.Float64Histogram(
		"vmpool_instances_start_duration_seconds",
		metric.WithDescription("Time to start an instance"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	terminateDuration, err := meter.Float64Histogram(
		"vmpool_instances_terminate_duration_seconds",
		metric.WithDescription("Time to terminate or queue termination of an instance"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	restartDuration, err := meter.Float64Histogram(
		"vmpool_instances_restart_duration_seconds",
		metric.WithDescription("Time to restart an instance"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	reconcileDuration, err := meter.Float64Histogram(
		"vmpool_reconcile_duration_seconds",
		metric.WithDescription("Time to reconcile provider instances into the registry"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	stateTransitions, err := meter.Int64Counter(
		"vmpool_instances_state_transitions_total",
		metric.WithDescription("Total number of instance state transitions"),
	)
	if err != nil {
		return nil, err
	}

	instancesTotal, err := meter.Int64ObservableGauge(
		"vmpool_instances_total",
		metric.WithDescription("Tracked instances by status"),
	)
	if err != nil {
		return nil, err
	}

	actionsPending, err := meter.Int64ObservableGauge(
		"vmpool_actions_pending",
		metric.WithDescription("Provider actions awaiting completion"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			image := attribute.String("image", r.image.SourceID)
			for status, count := range r.CountByStatus() {
				o.ObserveInt64(instancesTotal, int64(count),
					metric.WithAttributes(image, attribute.String("status", string(status))))
			}
			if r.queue != nil {
				o.ObserveInt64(actionsPending, int64(r.queue.Len()), metric.WithAttributes(image))
			}
			return nil
		},
		instancesTotal,
		actionsPending,
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		startDuration:     startDuration,
		terminateDuration: terminateDuration,
		restartDuration:   restartDuration,
		reconcileDuration: reconcileDuration,
		stateTransitions:  stateTransitions,
		tracer:            tracer,
	}, nil
}

// startSpan starts a tracing span if a tracer is configured.
func (r *Registry) startSpan(ctx context.Context, name string) (context.Context, func()) {
	if r.metrics == nil || r.metrics.tracer == nil {
		return ctx, func() {}
	}
	ctx, span := r.metrics.tracer.Start(ctx, name,
		trace.WithAttributes(attribute.String("image", r.image.SourceID)))
	return ctx, func() { span.End() }
}

// recordDuration records operation duration with an outcome label.
func (r *Registry) recordDuration(ctx context.Context, pick func(*Metrics) metric.Float64Histogram, start time.Time, err error) {
	if r.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	pick(r.metrics).Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("image", r.image.SourceID),
		attribute.String("status", status),
	))
}

// recordStateTransition records a state transition.
func (r *Registry) recordStateTransition(ctx context.Context, t Transition) {
	if r.metrics == nil {
		return
	}
	r.metrics.stateTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("image", t.Image),
		attribute.String("from", string(t.From)),
		attribute.String("to", string(t.To)),
	))
}
