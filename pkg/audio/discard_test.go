package audio_test

import (
	"testing"

	"github.com/MrWong99/parley/pkg/audio"
)

func TestDiscardSink(t *testing.T) {
	t.Parallel()

	d := audio.NewDiscardSink(audio.Format{})
	if f := d.Format(); f.SampleRate != audio.OutputSampleRate || f.Channels != 1 {
		t.Errorf("Format() = %+v, want default 24000Hz mono", f)
	}
	for range 3 {
		if err := d.Write(audio.AudioFrame{Data: make([]byte, 480)}); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if got := d.Bytes(); got != 1440 {
		t.Errorf("Bytes() = %d, want 1440", got)
	}
	if got := d.Frames(); got != 3 {
		t.Errorf("Frames() = %d, want 3", got)
	}
	if err := d.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
