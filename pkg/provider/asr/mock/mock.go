// Package mock provides test doubles for the asr package interfaces.
//
// Use Provider to verify that the caller starts streams with the expected
// StreamConfig. Use Stream to feed controlled Result values and inspect which
// audio chunks were delivered.
//
// Provider can also act as a self-driving backend: when Stream is nil,
// StartStream returns a stream that echoes FinalTranscript as a final result
// once the caller half-closes. This lets the gateway run end-to-end without a
// live recognizer.
package mock

import (
	"context"
	"sync"

	"github.com/vaanilabs/vaani/pkg/provider/asr"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg asr.StreamConfig
}

// Provider is a mock implementation of asr.Provider.
type Provider struct {
	mu sync.Mutex

	// Stream is the StreamHandle returned by StartStream. If nil, StartStream
	// returns a new self-driving Stream that emits FinalTranscript on
	// half-close.
	Stream asr.StreamHandle

	// FinalTranscript is the text emitted as the final result by auto-created
	// streams. Empty means the auto-created stream emits an empty final,
	// exercising the silent-utterance path.
	FinalTranscript string

	// InterimTranscripts are emitted before the final by auto-created streams.
	InterimTranscripts []string

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

// StartStream records the call and returns Stream or a self-driving stream.
func (p *Provider) StartStream(ctx context.Context, cfg asr.StreamConfig) (asr.StreamHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Stream != nil {
		return p.Stream, nil
	}
	interims := make([]string, len(p.InterimTranscripts))
	copy(interims, p.InterimTranscripts)
	return &Stream{
		ResultsCh: make(chan asr.Result, 16),
		final:     p.FinalTranscript,
		interims:  interims,
		auto:      true,
	}, nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
}

// Ensure Provider implements asr.Provider at compile time.
var _ asr.Provider = (*Provider)(nil)

// SendAudioCall records a single invocation of Stream.SendAudio.
type SendAudioCall struct {
	// Chunk is a copy of the audio bytes that were passed to SendAudio.
	Chunk []byte
}

// Stream is a mock implementation of asr.StreamHandle.
// Callers should either pre-populate ResultsCh with the Result values they
// want the consumer to receive and close it when done, or rely on the
// self-driving behaviour set up by Provider.StartStream.
type Stream struct {
	mu sync.Mutex

	// ResultsCh is the channel returned by Results(). When auto mode is off,
	// callers own this channel and are responsible for sending to and closing
	// it in tests.
	ResultsCh chan asr.Result

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// StreamErr is returned by Err after the stream ends.
	StreamErr error

	// --- Call records ---

	// SendAudioCalls records every call to SendAudio in order.
	SendAudioCalls []SendAudioCall

	// CloseSendCallCount is the number of times CloseSend was called.
	CloseSendCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	final    string
	interims []string
	auto     bool
	ended    bool
}

// SendAudio records the call and returns SendAudioErr.
func (s *Stream) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, SendAudioCall{Chunk: cp})
	return s.SendAudioErr
}

// CloseSend records the call. In auto mode it emits the configured interim
// results followed by the final transcript and closes ResultsCh.
func (s *Stream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseSendCallCount++
	if s.auto && !s.ended {
		s.ended = true
		for _, t := range s.interims {
			s.ResultsCh <- asr.Result{Transcript: t, IsFinal: false, Confidence: 0.5}
		}
		s.ResultsCh <- asr.Result{Transcript: s.final, IsFinal: true, Confidence: 0.95}
		close(s.ResultsCh)
	}
	return nil
}

// Results returns ResultsCh.
func (s *Stream) Results() <-chan asr.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ResultsCh
}

// Err returns StreamErr.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.StreamErr
}

// Close records the call and returns CloseErr.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if s.auto && !s.ended {
		s.ended = true
		close(s.ResultsCh)
	}
	return s.CloseErr
}

// SendAudioCallCount returns the number of SendAudio calls. Thread-safe.
func (s *Stream) SendAudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}

// ResetCalls clears all recorded calls. Thread-safe.
func (s *Stream) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendAudioCalls = nil
	s.CloseSendCallCount = 0
	s.CloseCallCount = 0
}

// Ensure Stream implements asr.StreamHandle at compile time.
var _ asr.StreamHandle = (*Stream)(nil)
