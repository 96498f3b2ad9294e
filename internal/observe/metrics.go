// Package observe provides application-wide observability primitives for
// voxgate: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxgate metrics.
const meterName = "github.com/MrWong99/voxgate"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Endpointing ---

	// FramesClassified counts classified frames. Attribute: class (speech|silence).
	FramesClassified metric.Int64Counter

	// UtterancesEmitted counts utterances handed to delivery. Attribute: reason.
	UtterancesEmitted metric.Int64Counter

	// UtterancesDiscarded counts utterances dropped by the minimum-length or
	// push-to-talk policies. Attribute: reason.
	UtterancesDiscarded metric.Int64Counter

	// UtteranceDuration tracks the audio length of emitted utterances.
	UtteranceDuration metric.Float64Histogram

	// --- Delivery ---

	// DeliveryDuration tracks per-target delivery latency. Attributes:
	// target, status.
	DeliveryDuration metric.Float64Histogram

	// DeliveryErrors counts failed deliveries. Attribute: target.
	DeliveryErrors metric.Int64Counter

	// DeliveriesDropped counts utterances dropped because the delivery queue
	// was full.
	DeliveriesDropped metric.Int64Counter

	// --- Gateway ---

	// ActiveSessions tracks the number of open ingest sessions.
	ActiveSessions metric.Int64UpDownCounter

	// IngestBytes counts audio payload bytes received. Attribute: codec.
	IngestBytes metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	// method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// delivery round trips.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// utteranceBuckets covers the default 200 ms minimum to the 20 s cap.
var utteranceBuckets = []float64{
	0.25, 0.5, 1, 2, 3, 5, 8, 12, 16, 20,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesClassified, err = m.Int64Counter("voxgate.endpoint.frames",
		metric.WithDescription("Frames classified by the endpointing engine, by class."),
	); err != nil {
		return nil, err
	}
	if met.UtterancesEmitted, err = m.Int64Counter("voxgate.endpoint.utterances.emitted",
		metric.WithDescription("Utterances emitted, by end reason."),
	); err != nil {
		return nil, err
	}
	if met.UtterancesDiscarded, err = m.Int64Counter("voxgate.endpoint.utterances.discarded",
		metric.WithDescription("Utterances discarded, by reason."),
	); err != nil {
		return nil, err
	}
	if met.UtteranceDuration, err = m.Float64Histogram("voxgate.endpoint.utterance.duration",
		metric.WithDescription("Audio length of emitted utterances."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(utteranceBuckets...),
	); err != nil {
		return nil, err
	}

	if met.DeliveryDuration, err = m.Float64Histogram("voxgate.delivery.duration",
		metric.WithDescription("Latency of delivering one utterance to one target."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DeliveryErrors, err = m.Int64Counter("voxgate.delivery.errors",
		metric.WithDescription("Failed deliveries by target."),
	); err != nil {
		return nil, err
	}
	if met.DeliveriesDropped, err = m.Int64Counter("voxgate.delivery.dropped",
		metric.WithDescription("Utterances dropped because the delivery queue was full."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("voxgate.active_sessions",
		metric.WithDescription("Number of open ingest sessions."),
	); err != nil {
		return nil, err
	}
	if met.IngestBytes, err = m.Int64Counter("voxgate.ingest.bytes",
		metric.WithDescription("Audio payload bytes received, by codec."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxgate.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails.
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordDelivery records the outcome of one delivery attempt.
func (m *Metrics) RecordDelivery(ctx context.Context, target string, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		m.DeliveryErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("target", target)))
	}
	m.DeliveryDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("target", target),
			attribute.String("status", status),
		),
	)
}

// RecordDropped records an utterance dropped at the delivery queue.
func (m *Metrics) RecordDropped(ctx context.Context) {
	m.DeliveriesDropped.Add(ctx, 1)
}

// RecordDiscarded records an utterance discarded before delivery.
func (m *Metrics) RecordDiscarded(ctx context.Context, reason string) {
	m.UtterancesDiscarded.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
