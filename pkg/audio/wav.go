package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	wavHeaderSize = 44

	wavFormatPCM   = 1
	wavFormatFloat = 3

	// maxFmtChunk bounds the fmt chunk; WAVE_FORMAT_EXTENSIBLE needs 40.
	maxFmtChunk = 256

	// wavStreamingSize is the data size streaming writers put in the header
	// when the length is not known up front.
	wavStreamingSize = 0xFFFFFFFF
)

// ErrUnsupportedWAV is returned by [DecodeWAV] for containers it cannot read.
var ErrUnsupportedWAV = errors.New("audio: unsupported wav file")

// EncodeWAV wraps 16-bit signed little-endian PCM in a canonical 44-byte
// RIFF/WAV header.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	const bps = 16
	byteRate := sampleRate * channels * bps / 8
	blockAlign := channels * bps / 8
	dataSize := len(pcm)

	buf := make([]byte, wavHeaderSize+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], wavFormatPCM)
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bps)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// WAV is a decoded wave file down-mixed to mono float samples.
type WAV struct {
	SampleRate int
	Samples    []float32
}

// DecodeWAV reads a RIFF/WAV stream holding 16-bit PCM or 32-bit IEEE float
// samples. Multi-channel input is averaged to mono. Unknown chunks between
// "fmt " and "data" are skipped.
func DecodeWAV(r io.Reader) (*WAV, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, fmt.Errorf("audio: read riff header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, fmt.Errorf("%w: missing RIFF/WAVE magic", ErrUnsupportedWAV)
	}

	var (
		format, channels, bits uint16
		sampleRate             uint32
		haveFmt                bool
	)
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, fmt.Errorf("audio: read chunk header: %w", err)
		}
		id := string(hdr[0:4])
		size := binary.LittleEndian.Uint32(hdr[4:8])

		switch id {
		case "fmt ":
			if size < 16 || size > maxFmtChunk {
				return nil, fmt.Errorf("%w: fmt chunk size %d out of range", ErrUnsupportedWAV, size)
			}
			body := make([]byte, padded(size))
			if _, err := io.ReadFull(r, body); err != nil {
				return nil, fmt.Errorf("audio: read fmt chunk: %w", err)
			}
			format = binary.LittleEndian.Uint16(body[0:2])
			channels = binary.LittleEndian.Uint16(body[2:4])
			sampleRate = binary.LittleEndian.Uint32(body[4:8])
			bits = binary.LittleEndian.Uint16(body[14:16])
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, fmt.Errorf("%w: data chunk before fmt chunk", ErrUnsupportedWAV)
			}
			// The header size is not trusted for allocation; the buffer grows
			// with the bytes actually present.
			data, err := io.ReadAll(io.LimitReader(r, int64(size)))
			if err != nil {
				return nil, fmt.Errorf("audio: read data chunk: %w", err)
			}
			if int64(len(data)) < int64(size) && size != wavStreamingSize {
				return nil, fmt.Errorf("audio: read data chunk: %w", io.ErrUnexpectedEOF)
			}
			samples, err := decodeWAVData(data, format, bits, int(channels))
			if err != nil {
				return nil, err
			}
			return &WAV{SampleRate: int(sampleRate), Samples: samples}, nil
		default:
			if _, err := io.CopyN(io.Discard, r, padded(size)); err != nil {
				return nil, fmt.Errorf("audio: skip %q chunk: %w", id, err)
			}
		}
	}
}

// padded returns a chunk size rounded up to the even byte boundary RIFF
// chunks are aligned to, without wrapping at the uint32 limit.
func padded(size uint32) int64 { return int64(size) + int64(size%2) }

func decodeWAVData(data []byte, format, bits uint16, channels int) ([]float32, error) {
	if channels < 1 {
		return nil, fmt.Errorf("%w: %d channels", ErrUnsupportedWAV, channels)
	}
	var interleaved []float32
	switch {
	case format == wavFormatPCM && bits == 16:
		interleaved = PCM16ToFloat32(data)
	case format == wavFormatFloat && bits == 32:
		interleaved = DecodeFloat32LE(data)
	default:
		return nil, fmt.Errorf("%w: format %d with %d bits per sample", ErrUnsupportedWAV, format, bits)
	}
	if channels == 1 {
		return interleaved, nil
	}
	frames := len(interleaved) / channels
	mono := make([]float32, frames)
	for i := range frames {
		var sum float64
		for ch := range channels {
			sum += float64(interleaved[i*channels+ch])
		}
		mono[i] = float32(sum / float64(channels))
	}
	return mono, nil
}
