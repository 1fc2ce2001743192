package pool

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Reconcile lists the provider for the registry's image and adopts any
// instance not already tracked. A failed listing leaves the registry untouched.
func Reconcile(ctx context.Context, r *Registry) (result DetectResult, err error) {
	ctx, end := r.startSpan(ctx, "Reconcile")
	defer end()
	start := time.Now()
	defer func() {
		r.recordDuration(ctx, func(m *Metrics) metric.Float64Histogram { return m.reconcileDuration }, start, err)
	}()

	observed, err := r.provider.ListImageInstances(ctx, r.image)
	if err != nil {
		r.logger.Error("reconcile_list_failed", "error", err)
		return DetectResult{}, fmt.Errorf("reconcile %s: list image instances: %w", r.image.SourceID, err)
	}

	result = r.DetectNewInstances(ctx, observed)
	r.logger.Debug("reconcile_completed",
		"observed", len(observed),
		"added", len(result.Added),
		"skipped", len(result.Skipped),
		"tracked", r.Len())
	return result, nil
}

// RunReconciler reconciles on every tick until ctx is done. Failures are logged
// and the next tick tries again.
func RunReconciler(ctx context.Context, r *Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := Reconcile(ctx, r); err != nil {
				r.logger.Warn("reconcile_tick_failed", "error", err)
			}
		}
	}
}
