// Package asr defines the Provider interface for streaming speech recognition
// backends.
//
// An ASR provider wraps a real-time recognition service (e.g., an NVIDIA Riva
// deployment or a hosted recognizer) and exposes a uniform streaming interface.
// The central abstraction is StreamHandle: once opened, a stream accepts raw
// PCM audio chunks and emits Result values — revisable interim transcripts for
// client responsiveness and committed final transcripts that drive the reply
// pipeline.
//
// Implementations must be safe for concurrent use. Audio input and result
// output channels are goroutine-safe by construction.
package asr

import "context"

// StreamConfig describes the audio format and recognition hints for a new
// recognition stream. It is carried in the first request of the stream;
// subsequent requests carry only audio payload.
type StreamConfig struct {
	// Language is the BCP-47 language tag for recognition (e.g., "hi-IN",
	// "en-US").
	Language string

	// SampleRate is the audio sample rate in Hz. Audio is always signed 16-bit
	// little-endian PCM, one channel.
	SampleRate int

	// InterimResults enables revisable partial transcripts while audio is
	// still flowing. Finals are emitted regardless.
	InterimResults bool
}

// Result is a single recognition result emitted by a stream.
type Result struct {
	// Transcript is the recognized text. Interim transcripts may be revised by
	// later results; a final transcript is committed.
	Transcript string

	// IsFinal marks this result as committed. Exactly the final results should
	// be appended to the conversation history.
	IsFinal bool

	// Confidence is the recognizer's confidence in [0, 1], when reported.
	Confidence float64
}

// StreamHandle represents an open recognition stream. It is an interface so
// that test code can provide mock implementations without a live recognizer.
//
// Callers must call Close when the stream is no longer needed; failing to do
// so leaks the provider's internal goroutines. All methods are safe for
// concurrent use.
type StreamHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes for recognition. The
	// chunk must match the SampleRate agreed in StreamConfig. Calling SendAudio
	// after CloseSend or Close returns an error.
	SendAudio(chunk []byte) error

	// CloseSend half-closes the stream: no further audio will be sent, the
	// recognizer should flush and emit its final result. Results remains open
	// until the recognizer has drained. CloseSend is idempotent.
	CloseSend() error

	// Results returns a read-only channel emitting interim and final Result
	// values in recognition order. The channel is closed when the stream ends,
	// after the last final has been delivered.
	Results() <-chan Result

	// Err reports the terminal stream error, if any, once Results is closed.
	// Returns nil after a clean end of stream.
	Err() error

	// Close terminates the stream and releases all associated resources. After
	// Close returns the Results channel will be closed. Calling Close more
	// than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any streaming ASR backend.
//
// Implementations must be safe for concurrent use; one stream is opened per
// utterance and many utterances may be in flight across sessions.
type Provider interface {
	// StartStream opens a new streaming recognition session with the given
	// configuration. The returned StreamHandle is ready to accept audio
	// immediately.
	//
	// Returns an error if the stream cannot be established (connection
	// failure, unsupported configuration, or ctx already cancelled). The
	// caller owns the StreamHandle and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (StreamHandle, error)
}
