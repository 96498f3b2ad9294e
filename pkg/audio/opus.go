package audio

import (
	"fmt"
	"slices"

	"layeh.com/gopus"
)

// opusMaxFrameMs is the longest frame an Opus packet may carry.
const opusMaxFrameMs = 120

// OpusSampleRates lists the decode rates libopus supports.
var OpusSampleRates = []int{8000, 12000, 16000, 24000, 48000}

// OpusDecoder turns mono Opus packets into float samples. Each stream needs
// its own decoder because Opus decoding is stateful across packets.
// Not safe for concurrent use.
type OpusDecoder struct {
	dec        *gopus.Decoder
	sampleRate int
	maxFrame   int
}

// NewOpusDecoder creates a mono decoder producing samples at sampleRate.
func NewOpusDecoder(sampleRate int) (*OpusDecoder, error) {
	if !slices.Contains(OpusSampleRates, sampleRate) {
		return nil, fmt.Errorf("audio: opus does not support %d Hz; valid rates: %v", sampleRate, OpusSampleRates)
	}
	dec, err := gopus.NewDecoder(sampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{
		dec:        dec,
		sampleRate: sampleRate,
		maxFrame:   sampleRate * opusMaxFrameMs / 1000,
	}, nil
}

// Decode decodes one Opus packet. An empty packet yields no samples.
func (d *OpusDecoder) Decode(packet []byte) ([]float32, error) {
	if len(packet) == 0 {
		return nil, nil
	}
	pcm, err := d.dec.Decode(packet, d.maxFrame, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) / 32768.0
	}
	return out, nil
}

// SampleRate returns the decode rate.
func (d *OpusDecoder) SampleRate() int { return d.sampleRate }
