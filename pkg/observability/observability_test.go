package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "exoskull-autonomy", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.False(t, config.Enabled)
	require.False(t, config.Insecure)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())

	_, finish := p.TrackOperation(context.Background(), "sweep.executor", SweepOperation("executor")...)
	finish(errors.New("deadline"))
	p.RecordTenants(context.Background(), "executor", 3, 1, 0)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProviderNilConfig(t *testing.T) {
	p, err := New(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, p)
}

// newTestProvider wires in-memory exporters in place of OTLP.
func newTestProvider(t *testing.T) (*Provider, *tracetest.SpanRecorder, *sdkmetric.ManualReader) {
	t.Helper()
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		_ = mp.Shutdown(context.Background())
	})

	meter := mp.Meter(instrumentationName)
	inst, err := newInstruments(meter)
	require.NoError(t, err)
	return &Provider{tracer: tp.Tracer(instrumentationName), meter: meter, inst: inst}, spans, reader
}

func TestTrackOperationRecordsSpanAndMetrics(t *testing.T) {
	p, spans, reader := newTestProvider(t)
	ctx := context.Background()

	_, finish := p.TrackOperation(ctx, "sweep.escalations", SweepOperation("escalations")...)
	time.Sleep(time.Millisecond)
	finish(nil)

	_, finish = p.TrackOperation(ctx, "sweep.escalations", SweepOperation("escalations")...)
	finish(errors.New("store down"))

	ended := spans.Ended()
	require.Len(t, ended, 2)
	require.Equal(t, "sweep.escalations", ended[0].Name())
	require.Len(t, ended[1].Events(), 1, "the error is recorded on the span")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	totals := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					totals[m.Name] += dp.Value
				}
			}
		}
	}
	require.Equal(t, int64(2), totals[MetricOperations])
	require.Equal(t, int64(1), totals[MetricErrors])
	require.Equal(t, int64(0), totals[MetricActive])
}

func TestRecordTenants(t *testing.T) {
	p, _, reader := newTestProvider(t)
	ctx := context.Background()
	p.RecordTenants(ctx, "daily", 4, 1, 0)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	byOutcome := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != MetricTenants {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				v, _ := dp.Attributes.Value(AttrOutcome)
				byOutcome[v.AsString()] += dp.Value
			}
		}
	}
	require.Equal(t, map[string]int64{"ok": 4, "failed": 1}, byOutcome)
}

func TestTrackOperationKeepsTenantOffMetrics(t *testing.T) {
	p, spans, reader := newTestProvider(t)
	ctx := context.Background()

	_, finish := p.TrackOperation(ctx, "autonomy.tenant", TenantOperation("executor", "t1")...)
	finish(nil)

	ended := spans.Ended()
	require.Len(t, ended, 1)
	require.Contains(t, ended[0].Attributes(), AttrTenantID.String("t1"))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				_, has := dp.Attributes.Value(AttrTenantID)
				require.False(t, has, m.Name)
				op, _ := dp.Attributes.Value(AttrOperation)
				require.Equal(t, "autonomy.tenant", op.AsString())
			}
		}
	}
}

func TestAttributeHelpers(t *testing.T) {
	attrs := InterventionOperation("t1", "iv-1", "message")
	require.Len(t, attrs, 3)
	require.Equal(t, "exoskull.intervention.id", string(attrs[1].Key))
	require.Equal(t, "iv-1", attrs[1].Value.AsString())

	attrs = TenantOperation("daily", "t1")
	require.Equal(t, []attribute.KeyValue{AttrSweep.String("daily"), AttrTenantID.String("t1")}, attrs)
}

func TestSpanHelpersWithoutSpan(t *testing.T) {
	ctx := context.Background()
	AddSpanEvent(ctx, "tenant.skipped", AttrTenantID.String("t1"))
	SetSpanStatus(ctx, errors.New("boom"))
	SetSpanStatus(ctx, nil)
}
