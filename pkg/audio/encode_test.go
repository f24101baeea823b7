package audio_test

import (
	"errors"
	"math"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

func TestFloat32ToPCM16_Boundaries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   float32
		want int16
	}{
		{name: "zero", in: 0, want: 0},
		{name: "positive full scale clamps", in: 1.0, want: 32767},
		{name: "negative full scale", in: -1.0, want: -32768},
		{name: "half", in: 0.5, want: 16384},
		{name: "negative half", in: -0.5, want: -16384},
		{name: "truncates toward zero", in: 0.00005, want: 1},
		{name: "negative truncates toward zero", in: -0.00005, want: -1},
		{name: "above range clamps", in: 2.0, want: 32767},
		{name: "below range clamps", in: -2.0, want: -32768},
		{name: "positive infinity clamps", in: float32(math.Inf(1)), want: 32767},
		{name: "nan encodes as silence", in: float32(math.NaN()), want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := bytesToSamples(audio.Float32ToPCM16([]float32{tt.in}))
			if len(got) != 1 {
				t.Fatalf("want 1 sample, got %d", len(got))
			}
			if got[0] != tt.want {
				t.Errorf("Float32ToPCM16(%v) = %d, want %d", tt.in, got[0], tt.want)
			}
		})
	}
}

func TestEncodeBlock_MonoAtInputRate(t *testing.T) {
	t.Parallel()

	block := audio.SampleBlock{
		Samples:    make([]float32, 4096),
		SampleRate: audio.InputSampleRate,
		Channels:   1,
		Timestamp:  250 * time.Millisecond,
	}
	frame := audio.EncodeBlock(block)

	if frame.SampleRate != audio.InputSampleRate || frame.Channels != 1 {
		t.Fatalf("format = %dHz/%dch, want %dHz/1ch", frame.SampleRate, frame.Channels, audio.InputSampleRate)
	}
	if len(frame.Data) != 4096*2 {
		t.Errorf("len(Data) = %d, want %d", len(frame.Data), 4096*2)
	}
	if frame.Timestamp != block.Timestamp {
		t.Errorf("Timestamp = %v, want %v", frame.Timestamp, block.Timestamp)
	}
	if got, want := frame.Duration(), 256*time.Millisecond; got != want {
		t.Errorf("Duration() = %v, want %v", got, want)
	}
}

func TestEncodeBlock_DownmixesStereo(t *testing.T) {
	t.Parallel()

	block := audio.SampleBlock{
		Samples:    []float32{0.5, 0, -0.5, -0.5},
		SampleRate: audio.InputSampleRate,
		Channels:   2,
	}
	got := bytesToSamples(audio.EncodeBlock(block).Data)
	want := []int16{8192, -16384}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestEncodeBlock_ResamplesToInputRate(t *testing.T) {
	t.Parallel()

	block := audio.SampleBlock{
		Samples:    make([]float32, 480),
		SampleRate: 48000,
		Channels:   1,
	}
	frame := audio.EncodeBlock(block)
	if frame.SampleRate != audio.InputSampleRate {
		t.Fatalf("SampleRate = %d, want %d", frame.SampleRate, audio.InputSampleRate)
	}
	if got := frame.Samples(); got != 160 {
		t.Errorf("Samples() = %d, want 160", got)
	}
}

func TestNewEncodedChunk_MIMEType(t *testing.T) {
	t.Parallel()

	frame := audio.AudioFrame{Data: []byte{1, 2, 3, 4}, SampleRate: audio.InputSampleRate, Channels: 1}
	chunk := audio.NewEncodedChunk(frame)

	if chunk.MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("MIMEType = %q, want %q", chunk.MIMEType, "audio/pcm;rate=16000")
	}
	if string(chunk.Data) != string(frame.Data) {
		t.Errorf("Data = %v, want %v", chunk.Data, frame.Data)
	}
}

func TestDecodePCM(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		data     []byte
		mimeType string
		wantRate int
		wantErr  bool
	}{
		{name: "explicit rate", data: []byte{0, 0, 1, 0}, mimeType: "audio/pcm;rate=24000", wantRate: 24000},
		{name: "default rate", data: []byte{0, 0}, mimeType: "audio/pcm", wantRate: audio.OutputSampleRate},
		{name: "empty media type", data: []byte{0, 0}, mimeType: "", wantRate: audio.OutputSampleRate},
		{name: "l16 alias", data: []byte{0, 0}, mimeType: "audio/L16;rate=16000", wantRate: 16000},
		{name: "empty payload", data: nil, mimeType: "audio/pcm;rate=24000", wantErr: true},
		{name: "odd length", data: []byte{1, 2, 3}, mimeType: "audio/pcm;rate=24000", wantErr: true},
		{name: "not pcm", data: []byte{0, 0}, mimeType: "audio/mpeg", wantErr: true},
		{name: "bad rate", data: []byte{0, 0}, mimeType: "audio/pcm;rate=fast", wantErr: true},
		{name: "malformed media type", data: []byte{0, 0}, mimeType: "audio/pcm;;=", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			frame, err := audio.DecodePCM(tt.data, tt.mimeType)
			if tt.wantErr {
				if !errors.Is(err, audio.ErrDecode) {
					t.Fatalf("err = %v, want ErrDecode", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodePCM: %v", err)
			}
			if frame.SampleRate != tt.wantRate {
				t.Errorf("SampleRate = %d, want %d", frame.SampleRate, tt.wantRate)
			}
			if frame.Channels != 1 {
				t.Errorf("Channels = %d, want 1", frame.Channels)
			}
		})
	}
}

func TestDecodePCM_ByteOrder(t *testing.T) {
	t.Parallel()

	// 1000 and -2 as little-endian and as network byte order.
	le := []byte{0xe8, 0x03, 0xfe, 0xff}
	be := []byte{0x03, 0xe8, 0xff, 0xfe}

	tests := []struct {
		name     string
		data     []byte
		mimeType string
	}{
		{"pcm is little-endian", le, "audio/pcm;rate=24000"},
		{"l16 is big-endian", be, "audio/L16;rate=24000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			in := slices.Clone(tt.data)
			frame, err := audio.DecodePCM(in, tt.mimeType)
			if err != nil {
				t.Fatalf("DecodePCM: %v", err)
			}
			if got := bytesToSamples(frame.Data); !slices.Equal(got, []int16{1000, -2}) {
				t.Errorf("samples = %v, want [1000 -2]", got)
			}
			if !slices.Equal(in, tt.data) {
				t.Error("DecodePCM modified the caller's buffer")
			}
		})
	}
}

func TestAudioFrame_Duration(t *testing.T) {
	t.Parallel()

	f := audio.AudioFrame{Data: make([]byte, 4800), SampleRate: 24000, Channels: 1}
	if got, want := f.Duration(), 100*time.Millisecond; got != want {
		t.Errorf("Duration() = %v, want %v", got, want)
	}
	if got := (audio.AudioFrame{Data: make([]byte, 10)}).Duration(); got != 0 {
		t.Errorf("Duration() without rate = %v, want 0", got)
	}
}
