package audio_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/MrWong99/voxgate/pkg/audio"
)

func TestQuantizeSample(t *testing.T) {
	tests := []struct {
		name string
		in   float32
		want int16
	}{
		{"zero", 0, 0},
		{"full scale positive", 1, 32767},
		{"full scale negative", -1, -32767},
		{"half", 0.5, 16383},
		{"negative half truncates toward zero", -0.5, -16383},
		{"clamps above one", 3.7, 32767},
		{"clamps below minus one", -12, -32767},
		{"positive infinity", float32(math.Inf(1)), 32767},
		{"negative infinity", float32(math.Inf(-1)), -32767},
		{"nan", float32(math.NaN()), 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := audio.QuantizeSample(tc.in); got != tc.want {
				t.Errorf("QuantizeSample(%v) = %d, want %d", tc.in, got, tc.want)
			}
		})
	}
}

func TestQuantize_ReusesDestination(t *testing.T) {
	dst := make([]int16, 8)
	got := audio.Quantize([]float32{0.25, -0.25}, dst)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if &got[0] != &dst[0] {
		t.Error("expected Quantize to write into the supplied buffer")
	}
	if got[0] != 8191 || got[1] != -8191 {
		t.Errorf("got %v, want [8191 -8191]", got)
	}
}

func TestQuantize_GrowsNilDestination(t *testing.T) {
	got := audio.Quantize([]float32{1, -1, 0}, nil)
	want := []int16{32767, -32767, 0}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestInt16sToBytes(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768, 1234}
	b := audio.Int16sToBytes(in)
	if len(b) != len(in)*2 {
		t.Fatalf("byte length = %d, want %d", len(b), len(in)*2)
	}
	// Little-endian: 1 is 0x01 0x00.
	if b[2] != 0x01 || b[3] != 0x00 {
		t.Errorf("sample 1 bytes = %#x %#x, want 0x01 0x00", b[2], b[3])
	}
	for i := range in {
		if got := int16(binary.LittleEndian.Uint16(b[i*2:])); got != in[i] {
			t.Errorf("sample %d: got %d, want %d", i, got, in[i])
		}
	}
}

func TestPutInt16s_LeavesTailUntouched(t *testing.T) {
	b := []byte{0, 0, 0, 0, 0xAA}
	audio.PutInt16s(b, []int16{-2, 3})
	want := []byte{0xFE, 0xFF, 0x03, 0x00, 0xAA}
	for i := range want {
		if b[i] != want[i] {
			t.Fatalf("bytes = %#x, want %#x", b, want)
		}
	}
}

func TestPCM16ToFloat32_Range(t *testing.T) {
	b := audio.Int16sToBytes([]int16{-32768, 0, 32767})
	got := audio.PCM16ToFloat32(b)
	if got[0] != -1 {
		t.Errorf("min sample = %v, want -1", got[0])
	}
	if got[1] != 0 {
		t.Errorf("zero sample = %v, want 0", got[1])
	}
	if got[2] >= 1 || got[2] < 0.9999 {
		t.Errorf("max sample = %v, want just below 1", got[2])
	}
}

func TestDecodeFloat32LE(t *testing.T) {
	in := []float32{0, 0.5, -0.25, 1.5}
	b := make([]byte, len(in)*4)
	for i, s := range in {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(s))
	}
	// Trailing partial sample must be ignored.
	b = append(b, 0xAA, 0xBB)
	out := audio.DecodeFloat32LE(b)
	if len(out) != len(in) {
		t.Fatalf("len = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("sample %d: got %v, want %v", i, out[i], in[i])
		}
	}
}

func TestUtterance_DurationAndSamples(t *testing.T) {
	u := audio.Utterance{PCM: make([]byte, 16000*2), SampleRate: 16000}
	if u.Samples() != 16000 {
		t.Errorf("Samples() = %d, want 16000", u.Samples())
	}
	if u.Duration().Seconds() != 1 {
		t.Errorf("Duration() = %v, want 1s", u.Duration())
	}
	if (audio.Utterance{PCM: make([]byte, 10)}).Duration() != 0 {
		t.Error("expected zero duration without a sample rate")
	}
}

func TestResampleFloat32(t *testing.T) {
	t.Run("same rate is a no-op", func(t *testing.T) {
		in := []float32{0.1, 0.2, 0.3}
		if out := audio.ResampleFloat32(in, 16000, 16000); &out[0] != &in[0] {
			t.Error("expected the input slice back")
		}
	})

	t.Run("downsample 48k to 16k", func(t *testing.T) {
		in := make([]float32, 4800)
		for i := range in {
			in[i] = float32(i) / 4800
		}
		out := audio.ResampleFloat32(in, 48000, 16000)
		if len(out) != 1600 {
			t.Fatalf("length: got %d, want 1600", len(out))
		}
		// Every third input sample is hit exactly.
		if out[100] != in[300] {
			t.Errorf("out[100] = %v, want %v", out[100], in[300])
		}
	})

	t.Run("upsample interpolates", func(t *testing.T) {
		out := audio.ResampleFloat32([]float32{0, 1}, 8000, 16000)
		want := []float32{0, 0.5, 1, 1}
		if len(out) != len(want) {
			t.Fatalf("length: got %d, want %d", len(out), len(want))
		}
		for i := range want {
			if math.Abs(float64(out[i]-want[i])) > 1e-6 {
				t.Errorf("out[%d] = %v, want %v", i, out[i], want[i])
			}
		}
	})

	t.Run("zero rate", func(t *testing.T) {
		in := []float32{1, 2}
		if out := audio.ResampleFloat32(in, 0, 16000); len(out) != 2 {
			t.Errorf("zero source rate should return input, got %d samples", len(out))
		}
	})
}
