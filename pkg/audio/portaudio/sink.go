package portaudio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/parley/pkg/audio"
)

var _ audio.Sink = (*Sink)(nil)

var errSinkClosed = errors.New("portaudio: sink closed")

// SinkConfig configures a [Sink].
type SinkConfig struct {
	// Device is the output device name. Empty selects the host default.
	Device string

	// SampleRate of the stream. Defaults to [audio.OutputSampleRate].
	SampleRate int
}

// Sink plays mono PCM16 through a blocking PortAudio output stream.
type Sink struct {
	rate int

	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []int16 // the stream writes whatever buf holds at Write time
	closed bool
}

// NewSink initialises PortAudio and starts an output stream.
func NewSink(cfg SinkConfig) (*Sink, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.OutputSampleRate
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	dev, err := findDevice(cfg.Device, false)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("portaudio: output device: %w", err)
	}

	s := &Sink{rate: cfg.SampleRate, buf: make([]int16, 0, 4096)}

	p := portaudio.HighLatencyParameters(nil, dev)
	p.Output.Channels = 1
	p.SampleRate = float64(cfg.SampleRate)
	stream, err := portaudio.OpenStream(p, &s.buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("portaudio: open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("portaudio: start output stream: %w", err)
	}
	s.stream = stream
	return s, nil
}

// Format implements [audio.Sink].
func (s *Sink) Format() audio.Format {
	return audio.Format{SampleRate: s.rate, Channels: 1}
}

// Write blocks until PortAudio has accepted all samples of f.
func (s *Sink) Write(f audio.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSinkClosed
	}

	n := len(f.Data) / 2
	if n == 0 {
		return nil
	}
	if cap(s.buf) < n {
		s.buf = make([]int16, n)
	}
	s.buf = s.buf[:n]
	for i := range n {
		s.buf[i] = int16(binary.LittleEndian.Uint16(f.Data[i*2:]))
	}
	if err := s.stream.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
		return fmt.Errorf("portaudio: write: %w", err)
	}
	return nil
}

// Close stops the stream and terminates PortAudio. Idempotent.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.stream.Abort()
	err := s.stream.Close()
	if terr := portaudio.Terminate(); err == nil {
		err = terr
	}
	return err
}
