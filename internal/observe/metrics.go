// Package observe provides application-wide observability primitives for
// Voxduct: OpenTelemetry metrics and the HTTP middleware that records them.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Voxduct metrics.
const meterName = "github.com/voxduct/voxduct"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Gauges ---

	// ActiveCalls tracks the number of calls currently bridged.
	ActiveCalls metric.Int64UpDownCounter

	// --- Histograms ---

	// LeaseWaitDuration tracks how long calls wait for an upstream
	// connection lease.
	LeaseWaitDuration metric.Float64Histogram

	// CallDuration tracks end-to-end call length.
	CallDuration metric.Float64Histogram

	// --- Counters ---

	// AudioFrames counts media frames by vendor and direction. Use with
	// attributes: attribute.String("vendor", ...), attribute.String("direction", ...)
	AudioFrames metric.Int64Counter

	// VADEvents counts detection decisions. Use with attribute:
	//   attribute.String("decision", ...)
	VADEvents metric.Int64Counter

	// ResponseConflicts counts input-ready events that collided with an
	// active response and were deferred.
	ResponseConflicts metric.Int64Counter

	// StateTransitions counts call state machine transitions. Use with
	// attributes: attribute.String("from", ...), attribute.String("to", ...)
	StateTransitions metric.Int64Counter

	// CommitsSkipped counts turns dropped for being under the upstream's
	// minimum audio requirement.
	CommitsSkipped metric.Int64Counter

	// UpstreamReconnects counts mid-call upstream connection replacements.
	UpstreamReconnects metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for lease waits and request handling.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// callBuckets defines bucket boundaries (in seconds) for call durations.
var callBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 1200, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("voxduct.calls.active",
		metric.WithDescription("Number of calls currently bridged."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.LeaseWaitDuration, err = m.Float64Histogram("voxduct.pool.lease_wait.duration",
		metric.WithDescription("Time spent waiting for an upstream connection lease."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("voxduct.call.duration",
		metric.WithDescription("End-to-end call duration."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.AudioFrames, err = m.Int64Counter("voxduct.audio.frames",
		metric.WithDescription("Total media frames by vendor and direction."),
	); err != nil {
		return nil, err
	}
	if met.VADEvents, err = m.Int64Counter("voxduct.vad.events",
		metric.WithDescription("Total voice activity decisions by kind."),
	); err != nil {
		return nil, err
	}
	if met.ResponseConflicts, err = m.Int64Counter("voxduct.response.conflicts",
		metric.WithDescription("Total input-ready events deferred because a response was active."),
	); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("voxduct.call.transitions",
		metric.WithDescription("Total call state machine transitions by from and to state."),
	); err != nil {
		return nil, err
	}
	if met.CommitsSkipped, err = m.Int64Counter("voxduct.commits.skipped",
		metric.WithDescription("Total turns dropped for being under the minimum commit size."),
	); err != nil {
		return nil, err
	}
	if met.UpstreamReconnects, err = m.Int64Counter("voxduct.upstream.reconnects",
		metric.WithDescription("Total mid-call upstream connection replacements."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxduct.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordAudioFrame is a convenience method that records one media frame with
// the standard attribute set.
func (m *Metrics) RecordAudioFrame(ctx context.Context, vendor, direction string) {
	m.AudioFrames.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("vendor", vendor),
			attribute.String("direction", direction),
		),
	)
}

// RecordVADEvent is a convenience method that records one detection decision.
func (m *Metrics) RecordVADEvent(ctx context.Context, decision string) {
	m.VADEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("decision", decision)),
	)
}

// RecordStateTransition is a convenience method that records one call state
// machine transition.
func (m *Metrics) RecordStateTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RegisterPoolGauges registers observable gauges backed by the stats
// function, which is polled on every metrics collection. The stats function
// must be safe for concurrent use. A nil provider uses the global one.
func RegisterPoolGauges(mp metric.MeterProvider, stats func() (total, healthy, leased int64)) error {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m := mp.Meter(meterName)

	total, err := m.Int64ObservableGauge("voxduct.pool.connections.total",
		metric.WithDescription("Open upstream connections, leased or not."),
	)
	if err != nil {
		return err
	}
	healthy, err := m.Int64ObservableGauge("voxduct.pool.connections.healthy",
		metric.WithDescription("Upstream connections currently marked healthy."),
	)
	if err != nil {
		return err
	}
	leased, err := m.Int64ObservableGauge("voxduct.pool.connections.leased",
		metric.WithDescription("Upstream connections currently assigned to a call."),
	)
	if err != nil {
		return err
	}

	_, err = m.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		t, h, l := stats()
		o.ObserveInt64(total, t)
		o.ObserveInt64(healthy, h)
		o.ObserveInt64(leased, l)
		return nil
	}, total, healthy, leased)
	return err
}
