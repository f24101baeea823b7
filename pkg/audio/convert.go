package audio

import (
	"encoding/binary"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Converter brings inbound mono frames to a sink's sample rate, so a 24 kHz
// model stream can feed a 44.1 or 48 kHz device. The pipeline is mono end to
// end: frames whose channel count differs from the target are dropped.
//
// A Converter is owned by a single goroutine.
type Converter struct {
	Target Format

	rateOnce sync.Once
	dropOnce sync.Once
	drops    int
}

// Convert returns frame at the target rate. A frame already in the target
// format is returned as is. Frames with a trailing half sample or a foreign
// channel count come back with empty Data.
func (c *Converter) Convert(frame AudioFrame) AudioFrame {
	out := AudioFrame{
		SampleRate: c.Target.SampleRate,
		Channels:   c.Target.Channels,
		Timestamp:  frame.Timestamp,
	}
	if len(frame.Data)%bytesPerSample != 0 || frame.Channels != c.Target.Channels {
		c.drops++
		c.dropOnce.Do(func() {
			slog.Warn("audio: dropping frame the sink cannot take",
				"bytes", len(frame.Data),
				"channels", frame.Channels,
				"sink_channels", c.Target.Channels,
			)
		})
		return out
	}
	if frame.SampleRate == c.Target.SampleRate {
		return frame
	}

	c.rateOnce.Do(func() {
		slog.Info("audio: resampling for sink", "from_hz", frame.SampleRate, "to_hz", c.Target.SampleRate)
	})
	out.Data = ResampleMono16(frame.Data, frame.SampleRate, c.Target.SampleRate)
	return out
}

// Dropped returns how many frames Convert has refused.
func (c *Converter) Dropped() int { return c.drops }

// ResampleMono16 converts mono PCM16LE from src Hz to dst Hz by linear
// interpolation between neighbouring samples. The output holds
// floor(n*dst/src) samples. Non-positive rates, equal rates and inputs shorter
// than one sample are returned unchanged.
func ResampleMono16(pcm []byte, src, dst int) []byte {
	n := len(pcm) / bytesPerSample
	if src <= 0 || dst <= 0 || src == dst || n == 0 {
		return pcm
	}
	m := int(int64(n) * int64(dst) / int64(src))
	if m == 0 {
		return nil
	}

	at := func(i int) int64 {
		if i >= n {
			i = n - 1
		}
		return int64(int16(binary.LittleEndian.Uint16(pcm[i*bytesPerSample:])))
	}

	out := make([]byte, m*bytesPerSample)
	for j := range m {
		// Position j*src/dst split into a whole index and a remainder over dst.
		num := int64(j) * int64(src)
		i := int(num / int64(dst))
		rem := num % int64(dst)
		a, b := at(i), at(i+1)
		v := a + (b-a)*rem/int64(dst)
		binary.LittleEndian.PutUint16(out[j*bytesPerSample:], uint16(int16(v)))
	}
	return out
}
