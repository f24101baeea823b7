// Package ffmpeg implements [audio.Capture] and [audio.Sink] with ffmpeg and
// ffplay subprocesses.
//
// Capture runs ffmpeg against the platform's audio input (PulseAudio on Linux,
// AVFoundation on macOS) and reads mono f32le samples from its stdout. The
// sink pipes s16le into ffplay's stdin. Neither needs cgo, which makes this
// backend the usual choice for containers and CI.
package ffmpeg

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

var _ audio.Capture = (*Capture)(nil)

// DefaultBlockSize is the number of samples per delivered block.
const DefaultBlockSize = 4096

// CaptureConfig configures a [Capture].
type CaptureConfig struct {
	// Binary is the ffmpeg executable. Defaults to "ffmpeg" on PATH.
	Binary string

	// InputFormat is the ffmpeg demuxer ("pulse", "avfoundation", "alsa").
	// Defaults to the platform's native audio input.
	InputFormat string

	// Device is the input device name. Defaults to "default" for pulse and
	// ":0" for avfoundation.
	Device string

	// SampleRate of the delivered blocks. Defaults to [audio.InputSampleRate].
	SampleRate int

	// BlockSize is the number of samples per block. Defaults to
	// [DefaultBlockSize].
	BlockSize int
}

// Capture is an [audio.Capture] backed by an ffmpeg subprocess.
type Capture struct {
	cfg CaptureConfig

	mu      sync.Mutex
	cmd     *exec.Cmd
	stderr  *bytes.Buffer
	blocks  chan audio.SampleBlock
	readEnd chan struct{}
	stop    chan struct{}
	stopped chan struct{}
	closed  bool

	dropped atomic.Int64
}

// NewCapture returns a Capture with defaults applied to cfg.
func NewCapture(cfg CaptureConfig) *Capture {
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = defaultInputFormat(runtime.GOOS)
	}
	if cfg.Device == "" {
		cfg.Device = defaultDevice(cfg.InputFormat)
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.InputSampleRate
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	return &Capture{cfg: cfg}
}

func defaultInputFormat(goos string) string {
	if goos == "darwin" {
		return "avfoundation"
	}
	return "pulse"
}

func defaultDevice(format string) string {
	if format == "avfoundation" {
		return ":0"
	}
	return "default"
}

// Args returns the ffmpeg command line used by Open.
func (c *Capture) Args() []string {
	return []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-f", c.cfg.InputFormat, "-i", c.cfg.Device,
		"-ac", "1", "-ar", strconv.Itoa(c.cfg.SampleRate),
		"-f", "f32le", "-",
	}
}

// Open starts ffmpeg and waits for the first block. A process that cannot be
// started, or exits before producing a block, yields [audio.ErrPermission].
func (c *Capture) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.cmd != nil {
		c.mu.Unlock()
		return errors.New("ffmpeg: capture already open")
	}

	cmd := exec.Command(c.cfg.Binary, c.Args()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("ffmpeg: open stdout: %w", err)
	}
	stderr := &bytes.Buffer{}
	cmd.Stderr = &limitedWriter{buf: stderr, max: 4096}
	if err := cmd.Start(); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("ffmpeg: start %s: %w: %w", c.cfg.Binary, audio.ErrPermission, err)
	}

	c.cmd = cmd
	c.stderr = stderr
	c.blocks = make(chan audio.SampleBlock, 1)
	c.readEnd = make(chan struct{})
	c.closed = false
	ready := make(chan error, 1)
	go c.read(stdout, ready)
	c.mu.Unlock()

	select {
	case err := <-ready:
		if err == nil {
			slog.Debug("ffmpeg: capture open", "format", c.cfg.InputFormat, "device", c.cfg.Device, "rate", c.cfg.SampleRate)
			return nil
		}
		_ = c.Close()
		return fmt.Errorf("ffmpeg: no audio from %s %q: %w: %s", c.cfg.InputFormat, c.cfg.Device, audio.ErrPermission, c.stderrText(err))
	case <-ctx.Done():
		_ = c.Close()
		return fmt.Errorf("ffmpeg: open: %w", ctx.Err())
	}
}

func (c *Capture) stderrText(err error) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stderr != nil {
		if msg := strings.TrimSpace(c.stderr.String()); msg != "" {
			return msg
		}
	}
	return err.Error()
}

// read decodes fixed-size blocks from ffmpeg's stdout. It signals ready once
// with nil after the first block or with the read error if none arrived.
func (c *Capture) read(r io.Reader, ready chan<- error) {
	defer close(c.readEnd)
	defer close(c.blocks)

	size := c.cfg.BlockSize
	buf := make([]byte, size*4)
	first := true
	var n int64

	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			if first {
				ready <- err
			} else if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				slog.Debug("ffmpeg: capture read ended", "err", err)
			}
			return
		}

		samples := make([]float32, size)
		for i := range samples {
			samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
		}
		block := audio.SampleBlock{
			Samples:    samples,
			SampleRate: c.cfg.SampleRate,
			Channels:   1,
			Timestamp:  time.Duration(n) * time.Second / time.Duration(c.cfg.SampleRate),
		}
		n += int64(size)

		select {
		case c.blocks <- block:
		default:
			c.dropped.Add(1)
		}
		if first {
			first = false
			ready <- nil
		}
	}
}

// Start delivers blocks to onBlock from a single goroutine until Stop.
func (c *Capture) Start(onBlock func(audio.SampleBlock)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd == nil || c.closed {
		return errors.New("ffmpeg: capture not open")
	}
	if c.stop != nil {
		return errors.New("ffmpeg: capture already started")
	}
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
			case b, ok := <-blocks:
				if !ok {
					return
				}
				onBlock(b)
			}
		}
	}()
	return nil
}

// Stop halts block delivery. Idempotent.
func (c *Capture) Stop() error {
	c.mu.Lock()
	stop, stopped := c.stop, c.stopped
	c.stop, c.stopped = nil, nil
	c.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)
	<-stopped
	return nil
}

// Close stops delivery and terminates ffmpeg. Idempotent.
func (c *Capture) Close() error {
	_ = c.Stop()

	c.mu.Lock()
	cmd, readEnd := c.cmd, c.readEnd
	if cmd == nil || c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	_ = cmd.Wait()
	<-readEnd

	c.mu.Lock()
	c.cmd = nil
	c.mu.Unlock()

	if n := c.dropped.Load(); n > 0 {
		slog.Debug("ffmpeg: capture dropped blocks", "count", n)
	}
	return nil
}

// Dropped returns the number of blocks discarded because the consumer was
// still busy with the previous one.
func (c *Capture) Dropped() int64 { return c.dropped.Load() }

// limitedWriter keeps the first max bytes written to it.
type limitedWriter struct {
	mu  sync.Mutex
	buf *bytes.Buffer
	max int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if room := w.max - w.buf.Len(); room > 0 {
		w.buf.Write(p[:min(room, len(p))])
	}
	return len(p), nil
}
