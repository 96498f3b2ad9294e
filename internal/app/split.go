package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/MrWong99/voxgate/internal/delivery"
	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/endpoint"
)

// DefaultSplitChunk is the number of samples fed per Ingest call when
// splitting a file. It is deliberately not a multiple of common frame sizes
// so the carry buffer is exercised the same way a live stream would.
const DefaultSplitChunk = 4096

// SplitConfig configures [Split].
type SplitConfig struct {
	// Endpoint holds the engine tunables.
	Endpoint endpoint.Config

	// ChunkSamples is the number of samples per Ingest call.
	// Default: DefaultSplitChunk.
	ChunkSamples int

	// Name prefixes the utterance IDs ("<name>-0001"). Default: "utt".
	Name string

	Logger *slog.Logger
}

// Split runs the endpointing engine over the WAV stream r and delivers every
// utterance to t in order. The stream is force-ended at EOF, so a file that
// ends mid-utterance still yields it. Split returns the number of utterances
// delivered.
func Split(ctx context.Context, r io.Reader, cfg SplitConfig, t delivery.Target) (int, error) {
	if cfg.ChunkSamples <= 0 {
		cfg.ChunkSamples = DefaultSplitChunk
	}
	if cfg.Name == "" {
		cfg.Name = "utt"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	wav, err := audio.DecodeWAV(r)
	if err != nil {
		return 0, fmt.Errorf("app: split: %w", err)
	}

	var pending []audio.Utterance
	eng, err := endpoint.New(cfg.Endpoint, wav.SampleRate,
		endpoint.SinkFunc(func(u audio.Utterance) { pending = append(pending, u) }),
		endpoint.WithLogger(cfg.Logger),
	)
	if err != nil {
		return 0, fmt.Errorf("app: split: %w", err)
	}

	delivered := 0
	flush := func() error {
		for _, u := range pending {
			u.ID = fmt.Sprintf("%s-%04d", cfg.Name, delivered+1)
			if err := t.Deliver(ctx, u); err != nil {
				return fmt.Errorf("app: split: deliver %s: %w", u.ID, err)
			}
			delivered++
			cfg.Logger.Debug("utterance split",
				"id", u.ID,
				"samples", u.Samples(),
				"duration", u.Duration(),
			)
		}
		pending = pending[:0]
		return nil
	}

	samples := wav.Samples
	for off := 0; off < len(samples); off += cfg.ChunkSamples {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		eng.Ingest(samples[off:min(off+cfg.ChunkSamples, len(samples))])
		if err := flush(); err != nil {
			return delivered, err
		}
	}
	eng.ForceEnd()
	if err := flush(); err != nil {
		return delivered, err
	}
	return delivered, nil
}
