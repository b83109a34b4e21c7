// Package observe provides observability primitives for the Quartz voice
// pipeline: OpenTelemetry metric instruments and a Prometheus exporter
// bridge so metrics can be scraped via the standard /metrics endpoint.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Quartz metrics.
const meterName = "github.com/quartzchat/quartz-voice"

// Metrics holds all OpenTelemetry metric instruments for the voice
// pipeline. All fields are safe for concurrent use — the underlying OTel
// types handle their own synchronisation.
type Metrics struct {
	// --- Transmit path counters ---

	// FramesSent counts frames that passed the gate and were transmitted.
	FramesSent metric.Int64Counter

	// FramesGated counts frames dropped by the gate (or push-to-talk).
	FramesGated metric.Int64Counter

	// EncodeFailures counts frames silently dropped after a failed encode.
	EncodeFailures metric.Int64Counter

	// --- Receive path counters ---

	// PacketsReceived counts voice packets accepted by the receive loop.
	// Use with attribute.Int("sender", ...).
	PacketsReceived metric.Int64Counter

	// PacketsDropped counts datagrams discarded before reaching a jitter
	// buffer. Use with attribute.String("reason", ...).
	PacketsDropped metric.Int64Counter

	// Conceals counts packet-loss concealment frames synthesised.
	Conceals metric.Int64Counter

	// Skips counts forward skips over large sequence gaps.
	Skips metric.Int64Counter

	// --- Playback ---

	// TickDuration tracks how long one 20 ms playback tick takes to
	// drain all jitter buffers, decode, mix, and write out.
	TickDuration metric.Float64Histogram

	// ActiveSpeakers tracks the number of live remote speaker streams.
	ActiveSpeakers metric.Int64UpDownCounter

	// JitterDepth records the adaptive target depth, in frames, as it
	// changes. Use with attribute.Int("sender", ...).
	JitterDepth metric.Int64Gauge

	// ConnectionQuality records the coarse quality bucket (0 = worst).
	ConnectionQuality metric.Int64Gauge

	// --- Relay ---

	// RelayForwarded counts packets fanned out by the relay.
	RelayForwarded metric.Int64Counter

	// RelayClients tracks currently registered relay addresses.
	RelayClients metric.Int64UpDownCounter
}

// tickBuckets defines histogram bucket boundaries (in seconds) for the
// playback tick, which must stay well under the 20 ms cadence.
var tickBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02, 0.05,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.FramesSent, err = m.Int64Counter("quartz.voice.frames.sent",
		metric.WithDescription("Frames transmitted after passing the gate."),
	); err != nil {
		return nil, err
	}
	if met.FramesGated, err = m.Int64Counter("quartz.voice.frames.gated",
		metric.WithDescription("Frames dropped by the noise gate or push-to-talk."),
	); err != nil {
		return nil, err
	}
	if met.EncodeFailures, err = m.Int64Counter("quartz.voice.encode.failures",
		metric.WithDescription("Frames dropped after a failed encode."),
	); err != nil {
		return nil, err
	}
	if met.PacketsReceived, err = m.Int64Counter("quartz.voice.packets.received",
		metric.WithDescription("Voice packets accepted by the receive loop, by sender."),
	); err != nil {
		return nil, err
	}
	if met.PacketsDropped, err = m.Int64Counter("quartz.voice.packets.dropped",
		metric.WithDescription("Datagrams discarded before buffering, by reason."),
	); err != nil {
		return nil, err
	}
	if met.Conceals, err = m.Int64Counter("quartz.voice.conceals",
		metric.WithDescription("Packet-loss concealment frames synthesised."),
	); err != nil {
		return nil, err
	}
	if met.Skips, err = m.Int64Counter("quartz.voice.skips",
		metric.WithDescription("Forward skips over large sequence gaps."),
	); err != nil {
		return nil, err
	}

	// Playback.
	if met.TickDuration, err = m.Float64Histogram("quartz.voice.tick.duration",
		metric.WithDescription("Playback tick processing time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(tickBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveSpeakers, err = m.Int64UpDownCounter("quartz.voice.active_speakers",
		metric.WithDescription("Number of live remote speaker streams."),
	); err != nil {
		return nil, err
	}
	if met.JitterDepth, err = m.Int64Gauge("quartz.voice.jitter.depth",
		metric.WithDescription("Adaptive jitter buffer target depth in frames, by sender."),
	); err != nil {
		return nil, err
	}
	if met.ConnectionQuality, err = m.Int64Gauge("quartz.voice.quality",
		metric.WithDescription("Coarse connection quality bucket (0 = worst)."),
	); err != nil {
		return nil, err
	}

	// Relay.
	if met.RelayForwarded, err = m.Int64Counter("quartz.relay.forwarded",
		metric.WithDescription("Packets fanned out by the relay."),
	); err != nil {
		return nil, err
	}
	if met.RelayClients, err = m.Int64UpDownCounter("quartz.relay.clients",
		metric.WithDescription("Currently registered relay addresses."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen with
// the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordDrop records a dropped datagram with the standard reason attribute.
func (m *Metrics) RecordDrop(ctx context.Context, reason string) {
	m.PacketsDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordReceived records an accepted voice packet for a sender.
func (m *Metrics) RecordReceived(ctx context.Context, senderID int32) {
	m.PacketsReceived.Add(ctx, 1,
		metric.WithAttributes(attribute.Int("sender", int(senderID))),
	)
}

// RecordJitterDepth records a sender's current target depth.
func (m *Metrics) RecordJitterDepth(ctx context.Context, senderID int32, depth int) {
	m.JitterDepth.Record(ctx, int64(depth),
		metric.WithAttributes(attribute.Int("sender", int(senderID))),
	)
}
