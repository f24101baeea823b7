package audio

import (
	"fmt"
	"time"
)

const (
	// InputSampleRate is the rate at which microphone audio is sent to the model.
	InputSampleRate = 16000

	// OutputSampleRate is the rate at which the model returns synthesised audio.
	OutputSampleRate = 24000

	// bytesPerSample is the width of one signed 16-bit PCM sample.
	bytesPerSample = 2
)

// AudioFrame is a buffer of little-endian signed 16-bit PCM samples. Frames are
// ephemeral: they are created per capture callback or per inbound chunk and are
// not retained once consumed.
type AudioFrame struct {
	// Data holds interleaved PCM16LE samples.
	Data []byte

	// SampleRate in Hz (16000 outbound, 24000 inbound).
	SampleRate int

	// Channels is 1 for mono.
	Channels int

	// Timestamp is the capture or arrival time relative to stream start.
	Timestamp time.Duration
}

// Samples returns the number of sample frames (one sample per channel) in f.
func (f AudioFrame) Samples() int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	return len(f.Data) / (bytesPerSample * ch)
}

// Duration returns the playback length of f at its sample rate. Frames with
// an unknown sample rate report zero.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}

// Format returns the sample rate and channel count of f.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// SampleBlock is one capture callback's worth of floating-point samples in the
// range [-1, 1]. Multi-channel blocks are interleaved.
type SampleBlock struct {
	Samples    []float32
	SampleRate int
	Channels   int
	Timestamp  time.Duration
}

// EncodedChunk is an outbound audio payload tagged with its media type. The
// transport is responsible for the wire encoding of Data (base64 for JSON).
type EncodedChunk struct {
	Data     []byte
	MIMEType string
}

// PCMMIMEType returns the media type tag for raw PCM16 at the given rate,
// e.g. "audio/pcm;rate=16000".
func PCMMIMEType(sampleRate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", sampleRate)
}
