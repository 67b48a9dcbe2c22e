package riva

import (
	"bytes"
	"testing"

	"github.com/vaanilabs/vaani/pkg/provider/tts"
)

func TestNew_Validation(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("New accepted an empty endpoint")
	}
	p, err := New("ws://tts-service:50053/v1/synthesize")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.language != "hi-IN" || p.sampleRate != 22050 || p.chunkSize != 4096 {
		t.Errorf("defaults = %q/%d/%d", p.language, p.sampleRate, p.chunkSize)
	}
}

func TestWithDefaults(t *testing.T) {
	p, err := New("ws://tts:50053", WithLanguage("en-US"), WithSampleRate(16000), WithChunkSize(1024))
	if err != nil {
		t.Fatal(err)
	}

	got := p.withDefaults(tts.SynthesisConfig{})
	if got.Language != "en-US" || got.SampleRate != 16000 || got.ChunkSize != 1024 {
		t.Errorf("filled config = %+v", got)
	}

	// Explicit values win over provider defaults.
	got = p.withDefaults(tts.SynthesisConfig{Language: "hi-IN", SampleRate: 44100, ChunkSize: 512})
	if got.Language != "hi-IN" || got.SampleRate != 44100 || got.ChunkSize != 512 {
		t.Errorf("explicit config overridden: %+v", got)
	}
}

func TestRechunk(t *testing.T) {
	frame := make([]byte, 10)
	for i := range frame {
		frame[i] = byte(i)
	}

	tests := []struct {
		name string
		size int
		want [][]byte
	}{
		{"exact multiple", 5, [][]byte{frame[:5], frame[5:]}},
		{"remainder tail", 4, [][]byte{frame[:4], frame[4:8], frame[8:]}},
		{"larger than frame", 64, [][]byte{frame}},
		{"zero size passes through", 0, [][]byte{frame}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := rechunk(frame, tc.size)
			if len(got) != len(tc.want) {
				t.Fatalf("chunks = %d, want %d", len(got), len(tc.want))
			}
			for i := range got {
				if !bytes.Equal(got[i], tc.want[i]) {
					t.Errorf("chunk %d = %v, want %v", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestRechunk_PreservesBytes(t *testing.T) {
	frame := make([]byte, 4097)
	for i := range frame {
		frame[i] = byte(i % 251)
	}
	var joined []byte
	for _, chunk := range rechunk(frame, 1024) {
		joined = append(joined, chunk...)
	}
	if !bytes.Equal(joined, frame) {
		t.Error("rechunk lost or reordered bytes")
	}
}
