package audio

import "sync/atomic"

var _ Sink = (*DiscardSink)(nil)

// DiscardSink is a [Sink] that accepts audio and throws it away. It is used
// for headless runs where only the transcript matters.
type DiscardSink struct {
	format Format
	bytes  atomic.Int64
	frames atomic.Int64
}

// NewDiscardSink returns a DiscardSink reporting format f. A zero format
// defaults to mono at [OutputSampleRate].
func NewDiscardSink(f Format) *DiscardSink {
	if f.SampleRate <= 0 {
		f.SampleRate = OutputSampleRate
	}
	if f.Channels <= 0 {
		f.Channels = 1
	}
	return &DiscardSink{format: f}
}

// Format implements [Sink].
func (d *DiscardSink) Format() Format { return d.format }

// Write counts and drops f.
func (d *DiscardSink) Write(f AudioFrame) error {
	d.bytes.Add(int64(len(f.Data)))
	d.frames.Add(1)
	return nil
}

// Close implements [Sink].
func (d *DiscardSink) Close() error { return nil }

// Bytes returns the number of PCM bytes written.
func (d *DiscardSink) Bytes() int64 { return d.bytes.Load() }

// Frames returns the number of frames written.
func (d *DiscardSink) Frames() int64 { return d.frames.Load() }
