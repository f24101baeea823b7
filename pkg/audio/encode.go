package audio

import (
	"encoding/binary"
	"math"
)

// Float32ToPCM16 converts samples in [-1, 1] to little-endian signed 16-bit PCM
// by multiplying with 32768 and truncating toward zero.
//
// Values that would leave the int16 range are clamped instead of wrapping, so
// 1.0 encodes as 32767 and -1.0 as -32768. NaN encodes as 0.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*bytesPerSample:], uint16(floatToInt16(s)))
	}
	return out
}

func floatToInt16(s float32) int16 {
	v := float64(s) * 32768
	switch {
	case math.IsNaN(v):
		return 0
	case v >= math.MaxInt16:
		return math.MaxInt16
	case v <= math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

// EncodeBlock converts a capture block into a mono PCM16 frame at
// [InputSampleRate]. Interleaved multi-channel input is averaged down to mono
// and other rates are resampled.
func EncodeBlock(b SampleBlock) AudioFrame {
	samples := b.Samples
	if b.Channels > 1 {
		samples = downmix(samples, b.Channels)
	}

	rate := b.SampleRate
	if rate <= 0 {
		rate = InputSampleRate
	}

	pcm := Float32ToPCM16(samples)
	if rate != InputSampleRate {
		pcm = ResampleMono16(pcm, rate, InputSampleRate)
	}

	return AudioFrame{
		Data:       pcm,
		SampleRate: InputSampleRate,
		Channels:   1,
		Timestamp:  b.Timestamp,
	}
}

// NewEncodedChunk packs f into an [EncodedChunk] tagged with the PCM media type
// for the frame's sample rate.
func NewEncodedChunk(f AudioFrame) EncodedChunk {
	rate := f.SampleRate
	if rate <= 0 {
		rate = InputSampleRate
	}
	return EncodedChunk{Data: f.Data, MIMEType: PCMMIMEType(rate)}
}

// downmix averages interleaved frames of n channels into a mono slice.
func downmix(in []float32, n int) []float32 {
	frames := len(in) / n
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range n {
			sum += in[i*n+c]
		}
		out[i] = sum / float32(n)
	}
	return out
}
