package portaudio

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/parley/pkg/audio"
)

var _ audio.Capture = (*Capture)(nil)

// CaptureConfig configures a [Capture].
type CaptureConfig struct {
	// Device is the input device name. Empty selects the host default.
	Device string

	// SampleRate of the stream. Defaults to [audio.InputSampleRate]; the
	// encoder resamples if the device runs at another rate.
	SampleRate int

	// BlockSize is the number of frames per callback. Defaults to
	// [DefaultBlockSize].
	BlockSize int
}

// Capture is a mono float32 microphone stream.
type Capture struct {
	cfg CaptureConfig

	mu      sync.Mutex
	stream  *portaudio.Stream
	blocks  chan audio.SampleBlock
	running bool
	stop    chan struct{}
	stopped chan struct{}

	frames  atomic.Int64
	dropped atomic.Int64
}

// NewCapture returns a Capture with defaults applied to cfg.
func NewCapture(cfg CaptureConfig) *Capture {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.InputSampleRate
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	return &Capture{cfg: cfg}
}

// Open initialises PortAudio and opens the input stream. Missing or denied
// devices yield an error wrapping [audio.ErrPermission].
func (c *Capture) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		return errors.New("portaudio: capture already open")
	}

	if err := portaudio.Initialize(); err != nil {
		return wrapOpen("initialize", err)
	}
	dev, err := findDevice(c.cfg.Device, true)
	if err != nil {
		_ = portaudio.Terminate()
		return wrapOpen("input device", err)
	}

	p := portaudio.HighLatencyParameters(dev, nil)
	p.Input.Channels = 1
	p.SampleRate = float64(c.cfg.SampleRate)
	p.FramesPerBuffer = c.cfg.BlockSize

	c.blocks = make(chan audio.SampleBlock, 1)
	c.frames.Store(0)
	stream, err := portaudio.OpenStream(p, c.callback)
	if err != nil {
		_ = portaudio.Terminate()
		return wrapOpen("open stream", err)
	}
	c.stream = stream
	slog.Debug("portaudio: capture open", "device", dev.Name, "rate", c.cfg.SampleRate, "block", c.cfg.BlockSize)
	return nil
}

// callback runs on the PortAudio thread. It must not block.
func (c *Capture) callback(in []float32) {
	n := c.frames.Add(int64(len(in))) - int64(len(in))
	b := audio.SampleBlock{
		Samples:    append([]float32(nil), in...),
		SampleRate: c.cfg.SampleRate,
		Channels:   1,
		Timestamp:  time.Duration(n) * time.Second / time.Duration(c.cfg.SampleRate),
	}
	select {
	case c.blocks <- b:
	default:
		c.dropped.Add(1)
	}
}

// Start starts the hardware stream and delivers blocks to onBlock from a
// single goroutine.
func (c *Capture) Start(onBlock func(audio.SampleBlock)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream == nil {
		return errors.New("portaudio: capture not open")
	}
	if c.running {
		return errors.New("portaudio: capture already started")
	}
	if err := c.stream.Start(); err != nil {
		return wrapOpen("start stream", err)
	}
	c.running = true

	stop := make(chan struct{})
	stopped := make(chan struct{})
	c.stop, c.stopped = stop, stopped
	blocks := c.blocks
	go func() {
		defer close(stopped)
		for {
			select {
			case <-stop:
				return
			case b := <-blocks:
				onBlock(b)
			}
		}
	}()
	return nil
}

// Stop stops the hardware stream and block delivery. Idempotent.
func (c *Capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked()
}

func (c *Capture) stopLocked() error {
	if !c.running {
		return nil
	}
	c.running = false

	var err error
	if serr := c.stream.Stop(); serr != nil {
		err = serr
	}
	close(c.stop)
	<-c.stopped
	c.stop, c.stopped = nil, nil

	// Discard a block that was queued before the stream stopped.
	select {
	case <-c.blocks:
	default:
	}
	if err != nil {
		slog.Warn("portaudio: stop stream", "err", err)
	}
	return nil
}

// Close releases the stream and terminates PortAudio. Idempotent.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream == nil {
		return nil
	}
	_ = c.stopLocked()
	err := c.stream.Close()
	c.stream = nil
	if terr := portaudio.Terminate(); err == nil {
		err = terr
	}
	if n := c.dropped.Load(); n > 0 {
		slog.Debug("portaudio: capture dropped blocks", "count", n)
	}
	return err
}

// Dropped returns the number of blocks discarded because the consumer was
// still busy.
func (c *Capture) Dropped() int64 { return c.dropped.Load() }
