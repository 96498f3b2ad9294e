package audio

import (
	"encoding/binary"
	"math"
)

// pcm16Scale maps the clamped float range [-1, 1] onto int16. Using 32767
// (not 32768) keeps +1.0 representable without wrapping.
const pcm16Scale = 32767

// QuantizeSample converts one float sample to PCM16. The input is clamped to
// [-1, 1] before scaling and the product is truncated toward zero, so
// out-of-range input saturates instead of wrapping. NaN maps to 0.
func QuantizeSample(x float32) int16 {
	v := float64(x)
	switch {
	case math.IsNaN(v):
		return 0
	case v > 1:
		v = 1
	case v < -1:
		v = -1
	}
	return int16(v * pcm16Scale)
}

// Quantize writes the PCM16 form of frame into dst and returns dst[:len(frame)].
// dst is grown when it is too small; pass nil to allocate.
func Quantize(frame []float32, dst []int16) []int16 {
	if cap(dst) < len(frame) {
		dst = make([]int16, len(frame))
	}
	dst = dst[:len(frame)]
	for i, x := range frame {
		dst[i] = QuantizeSample(x)
	}
	return dst
}

// Int16sToBytes converts PCM16 samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	PutInt16s(b, pcm)
	return b
}

// PutInt16s writes pcm into b as little-endian bytes. b must hold at least
// 2*len(pcm) bytes.
func PutInt16s(b []byte, pcm []int16) {
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
}

// PCM16ToFloat32 converts little-endian PCM16 bytes to float samples in
// [-1, 1). Divides by 32768 so the full int16 range stays inside [-1, 1].
func PCM16ToFloat32(b []byte) []float32 {
	n := len(b) / 2
	out := make([]float32, n)
	for i := range n {
		out[i] = float32(int16(binary.LittleEndian.Uint16(b[i*2:]))) / 32768.0
	}
	return out
}

// DecodeFloat32LE decodes IEEE-754 little-endian float32 samples, the binary
// payload browsers produce from a Float32Array. Trailing bytes that do not
// form a whole sample are ignored.
func DecodeFloat32LE(b []byte) []float32 {
	n := len(b) / 4
	out := make([]float32, n)
	for i := range n {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// ResampleFloat32 resamples mono samples from srcRate to dstRate using linear
// interpolation. The input is returned unchanged when the rates match or
// either rate is not positive.
func ResampleFloat32(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) < 2 {
		return samples
	}
	n := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if n == 0 {
		return nil
	}

	out := make([]float32, n)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range n {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))
		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}
