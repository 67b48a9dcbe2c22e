// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., an NVIDIA Riva
// deployment) and presents a uniform streaming interface. The primary entry
// point is SynthesizeStream, which accepts a channel of text fragments and
// returns a Stream emitting raw PCM audio bytes as they become available,
// enabling low-latency pipelining between the LLM output and the client
// connection.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// SynthesisConfig selects the voice and audio format for synthesis.
type SynthesisConfig struct {
	// Language is the BCP-47 language tag (e.g., "hi-IN", "en-US").
	Language string

	// Voice names the voice profile to use. Empty selects the backend's
	// default voice for the language.
	Voice string

	// SampleRate is the output sample rate in Hz. Audio is signed 16-bit
	// little-endian PCM, one channel.
	SampleRate int

	// ChunkSize is the target size in bytes of each emitted audio chunk.
	// Zero means the provider default (4096).
	ChunkSize int
}

// SynthesisResult is the output of a non-streaming synthesis call.
type SynthesisResult struct {
	// Audio is the complete synthesized utterance as raw PCM bytes.
	Audio []byte

	// DurationMS is the playback duration in milliseconds, derived from the
	// byte count and sample rate.
	DurationMS float64

	// SampleRate is the sample rate of Audio in Hz.
	SampleRate int
}

// Duration computes the playback duration in milliseconds of raw 16-bit mono
// PCM audio at the given sample rate.
func Duration(byteCount, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(byteCount) / float64(sampleRate*2) * 1000
}

// Stream is a live synthesis stream.
type Stream interface {
	// Audio returns the channel of raw PCM audio chunks. The implementation
	// closes it when all text has been synthesised, when ctx is cancelled, or
	// when the backend fails; Err distinguishes the failure case.
	Audio() <-chan []byte

	// Err reports the terminal stream error. It is valid once Audio is
	// closed; nil means synthesis completed cleanly.
	Err() error
}

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Multiple synthesis requests
// may run in parallel (one per in-flight turn).
type Provider interface {
	// SynthesizeStream consumes text fragments from the text channel and
	// returns a stream that emits raw PCM audio byte slices as they are
	// synthesised, in text order. This design allows the caller to pipe LLM
	// sentence output directly into synthesis without waiting for the full
	// reply.
	//
	// The caller must drain the stream's audio channel to avoid blocking the
	// provider's internal goroutines, and should check Stream.Err once it
	// closes: a mid-synthesis backend failure closes the channel early and is
	// reported there, not through the returned error.
	//
	// Returns a non-nil error only if the stream cannot be started.
	SynthesizeStream(ctx context.Context, text <-chan string, cfg SynthesisConfig) (Stream, error)

	// Synthesize converts a single complete text into audio and blocks until
	// the full utterance is available. Intended for non-latency-critical
	// callers; the gateway's reply path always uses SynthesizeStream.
	Synthesize(ctx context.Context, text string, cfg SynthesisConfig) (*SynthesisResult, error)
}
