package pool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/trace/noop"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func TestRegistryMetrics(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(ctx)

	cfg := testConfig(poolImage(3), newFakeProvider())
	cfg.Meter = provider.Meter("vmpool-test")
	cfg.Tracer = noop.NewTracerProvider().Tracer("vmpool-test")
	reg, err := New(ctx, cfg)
	require.NoError(t, err)

	_, err = reg.StartNewInstance(ctx, nil)
	require.NoError(t, err)
	_, err = reg.StartNewInstance(ctx, nil)
	require.NoError(t, err)
	_, err = Reconcile(ctx, reg)
	require.NoError(t, err)

	metrics := collect(t, reader)

	starts, ok := metrics["vmpool_instances_start_duration_seconds"].(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, starts.DataPoints, 1)
	assert.Equal(t, uint64(2), starts.DataPoints[0].Count)

	_, ok = metrics["vmpool_reconcile_duration_seconds"].(metricdata.Histogram[float64])
	assert.True(t, ok)

	transitions, ok := metrics["vmpool_instances_state_transitions_total"].(metricdata.Sum[int64])
	require.True(t, ok)
	var total int64
	for _, dp := range transitions.DataPoints {
		total += dp.Value
	}
	assert.Equal(t, int64(4), total)

	gauge, ok := metrics["vmpool_instances_total"].(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(2), gauge.DataPoints[0].Value)

	status, _ := gauge.DataPoints[0].Attributes.Value("status")
	assert.Equal(t, "running", status.AsString())
}

func TestRegistryWithoutMeter(t *testing.T) {
	reg, err := New(context.Background(), testConfig(poolImage(1), newFakeProvider()))
	require.NoError(t, err)
	assert.Nil(t, reg.metrics)

	_, err = reg.StartNewInstance(context.Background(), nil)
	require.NoError(t, err)
}
