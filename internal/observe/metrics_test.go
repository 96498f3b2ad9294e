package observe

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/voxgate/pkg/endpoint"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumByAttr returns the int64 sum data point whose attribute key equals value.
func sumByAttr(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is %T, not an int64 sum", name, met.Data)
	}
	for _, dp := range sum.DataPoints {
		if key == "" {
			return dp.Value
		}
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	return 0
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestRecordDelivery(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordDelivery(ctx, "relay", 120*time.Millisecond, nil)
	m.RecordDelivery(ctx, "relay", 80*time.Millisecond, errors.New("broken pipe"))
	m.RecordDelivery(ctx, "wavdir", time.Millisecond, nil)

	rm := collect(t, reader)
	if got := sumByAttr(t, rm, "voxgate.delivery.errors", "target", "relay"); got != 1 {
		t.Errorf("relay errors = %d, want 1", got)
	}

	met := findMetric(rm, "voxgate.delivery.duration")
	if met == nil {
		t.Fatal("delivery duration not found")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	var total uint64
	for _, dp := range hist.DataPoints {
		total += dp.Count
	}
	if total != 3 {
		t.Errorf("delivery duration samples = %d, want 3", total)
	}
	if len(hist.DataPoints) != 3 {
		t.Errorf("data points = %d, want 3 (relay ok, relay error, wavdir ok)", len(hist.DataPoints))
	}
}

func TestRecordDroppedAndDiscarded(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordDropped(ctx)
	m.RecordDropped(ctx)
	m.RecordDiscarded(ctx, "push_to_talk")

	rm := collect(t, reader)
	if got := sumByAttr(t, rm, "voxgate.delivery.dropped", "", ""); got != 2 {
		t.Errorf("dropped = %d, want 2", got)
	}
	if got := sumByAttr(t, rm, "voxgate.endpoint.utterances.discarded", "reason", "push_to_talk"); got != 1 {
		t.Errorf("discarded(push_to_talk) = %d, want 1", got)
	}
}

func TestEndpointObserver(t *testing.T) {
	m, reader := newTestMetrics(t)
	obs := m.EndpointObserver(30 * time.Millisecond)

	obs.FrameClassified(true, 0.5, 0.1)
	obs.FrameClassified(true, 0.4, 0.1)
	obs.FrameClassified(false, 0.01, 0.1)
	obs.UtteranceStarted(8)
	obs.UtteranceEnded(endpoint.EndSilence, 100, true)
	obs.UtteranceEnded(endpoint.EndForced, 3, false)

	rm := collect(t, reader)
	if got := sumByAttr(t, rm, "voxgate.endpoint.frames", "class", "speech"); got != 2 {
		t.Errorf("speech frames = %d, want 2", got)
	}
	if got := sumByAttr(t, rm, "voxgate.endpoint.frames", "class", "silence"); got != 1 {
		t.Errorf("silence frames = %d, want 1", got)
	}
	if got := sumByAttr(t, rm, "voxgate.endpoint.utterances.emitted", "reason", "silence"); got != 1 {
		t.Errorf("emitted(silence) = %d, want 1", got)
	}
	if got := sumByAttr(t, rm, "voxgate.endpoint.utterances.discarded", "reason", "too_short"); got != 1 {
		t.Errorf("discarded(too_short) = %d, want 1", got)
	}

	met := findMetric(rm, "voxgate.endpoint.utterance.duration")
	if met == nil {
		t.Fatal("utterance duration not found")
	}
	dp := met.Data.(metricdata.Histogram[float64]).DataPoints[0]
	if dp.Count != 1 {
		t.Fatalf("count = %d, want 1", dp.Count)
	}
	if dp.Sum < 2.999 || dp.Sum > 3.001 {
		t.Errorf("duration sum = %v, want 3s (100 frames of 30 ms)", dp.Sum)
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 3)
	m.ActiveSessions.Add(ctx, -1)
	m.IngestBytes.Add(ctx, 4096)

	rm := collect(t, reader)
	if got := sumByAttr(t, rm, "voxgate.active_sessions", "", ""); got != 2 {
		t.Errorf("active sessions = %d, want 2", got)
	}
	if got := sumByAttr(t, rm, "voxgate.ingest.bytes", "", ""); got != 4096 {
		t.Errorf("ingest bytes = %d, want 4096", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different instances")
	}
}
