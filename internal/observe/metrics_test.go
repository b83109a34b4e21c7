package observe

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collectNames flattens all recorded instrument names.
func collectNames(t *testing.T, reader *sdkmetric.ManualReader) map[string]bool {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	names := make(map[string]bool)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			names[m.Name] = true
		}
	}
	return names
}

func TestMetricsRecord(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.FramesSent.Add(ctx, 3)
	m.RecordDrop(ctx, "malformed")
	m.RecordReceived(ctx, 42)
	m.RecordJitterDepth(ctx, 42, 4)
	m.TickDuration.Record(ctx, 0.002)
	m.ActiveSpeakers.Add(ctx, 1)
	m.ConnectionQuality.Record(ctx, 3)
	m.RelayForwarded.Add(ctx, 2)
	m.RelayClients.Add(ctx, 1)

	names := collectNames(t, reader)
	for _, want := range []string{
		"quartz.voice.frames.sent",
		"quartz.voice.packets.dropped",
		"quartz.voice.packets.received",
		"quartz.voice.jitter.depth",
		"quartz.voice.tick.duration",
		"quartz.voice.active_speakers",
		"quartz.voice.quality",
		"quartz.relay.forwarded",
		"quartz.relay.clients",
	} {
		if !names[want] {
			t.Errorf("instrument %q not recorded", want)
		}
	}
}

func TestDefaultMetricsIsSingleton(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different instances")
	}
}
