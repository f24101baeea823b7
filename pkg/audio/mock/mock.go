// Package mock provides in-memory implementations of [audio.Capture] and
// [audio.Sink] for unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts, and they expose exported fields that the
// test sets to control return values.
//
// Typical usage:
//
//	capture := &mock.Capture{}
//	sink := mock.NewSink(audio.Format{SampleRate: 24000, Channels: 1})
//	// ... hand both to the code under test ...
//	capture.Emit(audio.SampleBlock{Samples: make([]float32, 4096), SampleRate: 16000, Channels: 1})
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Capture = (*Capture)(nil)
	_ audio.Sink    = (*Sink)(nil)
)

// ─── Capture ──────────────────────────────────────────────────────────────────

// Capture is a mock [audio.Capture]. Blocks are delivered synchronously by
// [Capture.Emit] while the capture is started.
type Capture struct {
	mu sync.Mutex

	// OpenErr is returned by Open. Wrap [audio.ErrPermission] to simulate a
	// denied microphone.
	OpenErr error

	// StartErr is returned by Start.
	StartErr error

	onBlock func(audio.SampleBlock)
	opened  bool
	started bool

	// Call counters.
	OpenCalls  int
	StartCalls int
	StopCalls  int
	CloseCalls int

	// Emitted counts blocks delivered to the callback.
	Emitted int
}

// Open implements [audio.Capture].
func (c *Capture) Open(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.OpenCalls++
	if c.OpenErr != nil {
		return c.OpenErr
	}
	c.opened = true
	return nil
}

// Start implements [audio.Capture].
func (c *Capture) Start(onBlock func(audio.SampleBlock)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StartCalls++
	if c.StartErr != nil {
		return c.StartErr
	}
	if !c.opened {
		return errors.New("mock: capture not open")
	}
	c.onBlock = onBlock
	c.started = true
	return nil
}

// Stop implements [audio.Capture].
func (c *Capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StopCalls++
	c.started = false
	c.onBlock = nil
	return nil
}

// Close implements [audio.Capture].
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CloseCalls++
	c.started = false
	c.opened = false
	c.onBlock = nil
	return nil
}

// Emit delivers b to the registered callback. It reports false when the
// capture is not started, mirroring a device that produces nothing.
func (c *Capture) Emit(b audio.SampleBlock) bool {
	c.mu.Lock()
	cb := c.onBlock
	if !c.started || cb == nil {
		c.mu.Unlock()
		return false
	}
	c.Emitted++
	c.mu.Unlock()

	cb(b)
	return true
}

// Started reports whether the capture is currently delivering blocks.
func (c *Capture) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// Opened reports whether the device is held.
func (c *Capture) Opened() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened
}

// CallCount returns the number of calls recorded for method ("Open", "Start",
// "Stop" or "Close").
func (c *Capture) CallCount(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch method {
	case "Open":
		return c.OpenCalls
	case "Start":
		return c.StartCalls
	case "Stop":
		return c.StopCalls
	case "Close":
		return c.CloseCalls
	}
	return 0
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a mock [audio.Sink] that records written frames.
type Sink struct {
	mu     sync.Mutex
	format audio.Format

	// WriteErr is returned by Write.
	WriteErr error

	frames []audio.AudioFrame
	closed bool

	// CloseCalls counts calls to Close.
	CloseCalls int
}

// NewSink returns a Sink reporting format f.
func NewSink(f audio.Format) *Sink {
	return &Sink{format: f}
}

// Format implements [audio.Sink].
func (s *Sink) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

// Write implements [audio.Sink]. The frame data is copied.
func (s *Sink) Write(f audio.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteErr != nil {
		return s.WriteErr
	}
	cp := f
	cp.Data = append([]byte(nil), f.Data...)
	s.frames = append(s.frames, cp)
	return nil
}

// Close implements [audio.Sink].
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCalls++
	s.closed = true
	return nil
}

// Frames returns a copy of all frames written so far.
func (s *Sink) Frames() []audio.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.AudioFrame, len(s.frames))
	copy(out, s.frames)
	return out
}

// Closed reports whether Close has been called.
func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
