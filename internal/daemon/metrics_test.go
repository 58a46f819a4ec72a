package daemon

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*DaemonMetrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	dm, err := newDaemonMetrics(provider.Meter("kredo.daemon"))
	require.NoError(t, err)
	return dm, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader, name string) *metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestDaemonMetrics_RecordActorExit(t *testing.T) {
	dm, reader := newTestMetrics(t)
	ctx := context.Background()

	dm.RecordActorExit(ctx, "api", nil)
	dm.RecordActorExit(ctx, "consumer", errors.New("boom"))
	dm.RecordActorExit(ctx, "consumer", context.Canceled)

	m := collect(t, reader, "kredo.daemon.actor.exits")
	require.NotNil(t, m, "actor exits metric not found")

	sum := m.Data.(metricdata.Sum[int64])
	require.Len(t, sum.DataPoints, 3)

	errorTypes := map[string]bool{}
	for _, dp := range sum.DataPoints {
		attrs := dp.Attributes.ToSlice()
		if v, ok := dp.Attributes.Value("error.type"); ok {
			assert.Contains(t, attrs, attribute.String("status", "failure"))
			errorTypes[v.AsString()] = true
			continue
		}
		assert.Contains(t, attrs, attribute.String("actor", "api"))
		assert.Contains(t, attrs, attribute.String("status", "success"))
	}
	assert.True(t, errorTypes["error"])
	assert.True(t, errorTypes["canceled"])
}

func TestDaemonMetrics_RecordShutdownDuration(t *testing.T) {
	dm, reader := newTestMetrics(t)

	dm.RecordShutdownDuration(context.Background(), "api", 0.25)

	m := collect(t, reader, "kredo.daemon.shutdown.duration")
	require.NotNil(t, m, "shutdown duration metric not found")

	hist := m.Data.(metricdata.Histogram[float64])
	require.Len(t, hist.DataPoints, 1)

	dp := hist.DataPoints[0]
	assert.Equal(t, 0.25, dp.Sum)
	assert.Equal(t, uint64(1), dp.Count)
	assert.Contains(t, dp.Attributes.ToSlice(), attribute.String("server", "api"))
}

func TestErrorType(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{context.Canceled, "canceled"},
		{context.DeadlineExceeded, "timeout"},
		{errors.New("x"), "error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errorType(tt.err))
	}
}
