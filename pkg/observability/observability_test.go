package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Mindburn-Labs/epochledger/pkg/contracts"
)

func newTestProvider(t *testing.T) (*Provider, *sdkmetric.ManualReader, *tracetest.SpanRecorder) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	p, err := NewWithProviders(tp, mp)
	require.NoError(t, err)
	return p, reader, spans
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumFor(t *testing.T, m metricdata.Metrics, key, value string) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is %T", m.Name, m.Data)
	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			total += dp.Value
		}
	}
	return total
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "epochledger", cfg.ServiceName)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	assert.False(t, cfg.Enabled)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())

	// Recording on a disabled provider is a no-op, never a panic.
	p.RecordIngest(context.Background(), "github", contracts.IngestResult{Inserted: 1})
	p.RecordFinalize(context.Background(), time.Second, nil)
	_, done := p.TrackOperation(context.Background(), "collect")
	done(errors.New("boom"))
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestLedgerMetrics(t *testing.T) {
	p, reader, _ := newTestProvider(t)
	ctx := context.Background()

	p.RecordIngest(ctx, "github", contracts.IngestResult{Inserted: 5, Skipped: 2})
	p.RecordIngest(ctx, "github", contracts.IngestResult{Inserted: 1})
	p.RecordTransition(ctx, "core", contracts.EpochOpen, contracts.EpochReview)
	p.RecordStepError(ctx, "finalize", contracts.ErrUnauthorizedApprover)
	p.RecordStepError(ctx, "fetch", errors.New("dial tcp: refused"))
	p.RecordStatement(ctx, "original")

	m := collect(t, reader)
	assert.Equal(t, int64(6), sumFor(t, m["epochledger.events.ingested"], "result", "inserted"))
	assert.Equal(t, int64(2), sumFor(t, m["epochledger.events.ingested"], "result", "skipped"))
	assert.Equal(t, int64(1), sumFor(t, m["epochledger.epoch.transitions"], "to", "review"))
	assert.Equal(t, int64(1), sumFor(t, m["epochledger.step.errors"], "error.code", "UNAUTHORIZED_APPROVER"))
	assert.Equal(t, int64(1), sumFor(t, m["epochledger.step.errors"], "error.code", "INTERNAL"))
	assert.Equal(t, int64(1), sumFor(t, m["epochledger.payouts.statements"], "kind", "original"))
}

func TestTrackOperation(t *testing.T) {
	p, reader, spans := newTestProvider(t)
	ctx := context.Background()

	_, done := p.TrackOperation(ctx, "finalize", attribute.String("epoch_id", "ep-1"))
	done(contracts.ErrFinalizationConflict)
	_, done = p.TrackOperation(ctx, "finalize", attribute.String("epoch_id", "ep-2"))
	done(nil)

	m := collect(t, reader)
	assert.Equal(t, int64(2), sumFor(t, m["epochledger.requests.total"], "operation", "finalize"))
	assert.Equal(t, int64(1), sumFor(t, m["epochledger.errors.total"], "error.code", "FINALIZATION_CONFLICT"))
	assert.Equal(t, int64(0), sumFor(t, m["epochledger.operations.active"], "operation", "finalize"))

	ended := spans.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "finalize", ended[0].Name())
	assert.Len(t, ended[0].Events(), 1)
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "EPOCH_FROZEN", ErrorCode(contracts.Errorf(contracts.ErrEpochFrozen, "x")))
	assert.Equal(t, "INTERNAL", ErrorCode(errors.New("x")))
}
