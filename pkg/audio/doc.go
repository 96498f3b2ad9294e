// Package audio holds the sample formats that flow in and out of the
// endpointing engine: float input samples, PCM16 utterance buffers, WAV
// containers for archiving and upload, and an Opus decoder for compressed
// client streams.
//
// Conversions follow one rule: float samples are clamped to [-1, 1] before
// they are scaled to int16, so loud or corrupt input saturates rather than
// wrapping around.
package audio
