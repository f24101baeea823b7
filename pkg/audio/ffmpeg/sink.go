package ffmpeg

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/parley/pkg/audio"
)

var _ audio.Sink = (*Sink)(nil)

// ErrSinkClosed is returned by [Sink.Write] after Close.
var ErrSinkClosed = errors.New("ffmpeg: sink closed")

// SinkConfig configures a [Sink].
type SinkConfig struct {
	// Binary is the ffplay executable. Defaults to "ffplay" on PATH.
	Binary string

	// SampleRate of the PCM written to ffplay. Defaults to
	// [audio.OutputSampleRate].
	SampleRate int
}

// Sink is an [audio.Sink] that streams mono s16le into an ffplay process.
type Sink struct {
	cfg SinkConfig

	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu        sync.Mutex // serialises writes
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewSink starts ffplay and returns a Sink writing to it.
func NewSink(cfg SinkConfig) (*Sink, error) {
	if cfg.Binary == "" {
		cfg.Binary = "ffplay"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.OutputSampleRate
	}
	s := &Sink{cfg: cfg}

	cmd := exec.Command(cfg.Binary, s.Args()...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: open ffplay stdin: %w", err)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg: start %s: %w", cfg.Binary, err)
	}
	s.cmd, s.stdin = cmd, stdin
	return s, nil
}

// Args returns the ffplay command line.
func (s *Sink) Args() []string {
	return []string{
		"-nodisp", "-autoexit", "-loglevel", "error",
		"-f", "s16le", "-ar", strconv.Itoa(s.cfg.SampleRate), "-ac", "1",
		"-i", "pipe:0",
	}
}

// Format implements [audio.Sink].
func (s *Sink) Format() audio.Format {
	return audio.Format{SampleRate: s.cfg.SampleRate, Channels: 1}
}

// Write pipes f's samples to ffplay. It blocks while the pipe is full.
func (s *Sink) Write(f audio.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return ErrSinkClosed
	}
	if _, err := s.stdin.Write(f.Data); err != nil {
		if s.closed.Load() {
			return ErrSinkClosed
		}
		return fmt.Errorf("ffmpeg: write ffplay: %w", err)
	}
	return nil
}

// Close terminates ffplay immediately; audio still buffered in the player is
// discarded. A Write blocked on the pipe returns [ErrSinkClosed]. Idempotent.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		_ = s.cmd.Wait()
	})
	return nil
}
