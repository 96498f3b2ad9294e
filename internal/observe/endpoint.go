package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voxgate/pkg/endpoint"
)

var (
	classSpeech  = metric.WithAttributes(Attr("class", "speech"))
	classSilence = metric.WithAttributes(Attr("class", "silence"))
)

// EndpointObserver records engine activity into m. frameDuration converts
// frame counts into utterance durations.
func (m *Metrics) EndpointObserver(frameDuration time.Duration) endpoint.Observer {
	return &endpointObserver{m: m, frame: frameDuration}
}

type endpointObserver struct {
	m     *Metrics
	frame time.Duration
}

func (o *endpointObserver) FrameClassified(speech bool, _, _ float64) {
	if speech {
		o.m.FramesClassified.Add(context.Background(), 1, classSpeech)
	} else {
		o.m.FramesClassified.Add(context.Background(), 1, classSilence)
	}
}

func (o *endpointObserver) UtteranceStarted(int) {}

func (o *endpointObserver) UtteranceEnded(reason endpoint.EndReason, frames int, emitted bool) {
	ctx := context.Background()
	if !emitted {
		o.m.RecordDiscarded(ctx, "too_short")
		return
	}
	o.m.UtterancesEmitted.Add(ctx, 1, metric.WithAttributes(Attr("reason", reason.String())))
	o.m.UtteranceDuration.Record(ctx, (time.Duration(frames) * o.frame).Seconds())
}
