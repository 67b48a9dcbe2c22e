package resilience

import (
	"context"

	"github.com/vaanilabs/vaani/pkg/provider/asr"
	"github.com/vaanilabs/vaani/pkg/provider/llm"
	"github.com/vaanilabs/vaani/pkg/provider/tts"
)

var (
	_ asr.Provider = (*ASRProvider)(nil)
	_ llm.Provider = (*LLMProvider)(nil)
	_ tts.Provider = (*TTSProvider)(nil)
)

// ASRProvider wraps an asr.Provider with a circuit breaker around stream
// establishment. A healthy recognizer that fails mid-stream surfaces the
// error through the StreamHandle as usual; the breaker reacts to the
// connection-level failures that indicate the backend is down.
type ASRProvider struct {
	inner   asr.Provider
	breaker *Breaker
}

// NewASRProvider wraps inner with breaker.
func NewASRProvider(inner asr.Provider, breaker *Breaker) *ASRProvider {
	return &ASRProvider{inner: inner, breaker: breaker}
}

// StartStream opens a recognition stream through the breaker.
func (p *ASRProvider) StartStream(ctx context.Context, cfg asr.StreamConfig) (asr.StreamHandle, error) {
	var handle asr.StreamHandle
	err := p.breaker.Execute(func() error {
		var err error
		handle, err = p.inner.StartStream(ctx, cfg)
		return err
	})
	if err != nil {
		return nil, err
	}
	return handle, nil
}

// Breaker exposes the underlying breaker, e.g. for health reporting.
func (p *ASRProvider) Breaker() *Breaker { return p.breaker }

// LLMProvider wraps an llm.Provider with a circuit breaker. Failures to
// start a stream count immediately; for an established stream the outcome is
// recorded from the terminal chunk, so a backend that accepts connections
// but fails every generation still trips the breaker.
type LLMProvider struct {
	inner   llm.Provider
	breaker *Breaker
}

// NewLLMProvider wraps inner with breaker.
func NewLLMProvider(inner llm.Provider, breaker *Breaker) *LLMProvider {
	return &LLMProvider{inner: inner, breaker: breaker}
}

// StreamCompletion starts a completion stream through the breaker and
// relays its chunks, recording the stream outcome when it ends.
func (p *LLMProvider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	if err := p.breaker.admit(); err != nil {
		return nil, err
	}
	inner, err := p.inner.StreamCompletion(ctx, req)
	if err != nil {
		p.breaker.RecordFailure()
		return nil, err
	}

	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		failed := false
		for chunk := range inner {
			if chunk.FinishReason == "error" {
				failed = true
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				// Caller abandonment is not a backend failure.
				for range inner {
				}
				return
			}
		}
		if failed {
			p.breaker.RecordFailure()
		} else {
			p.breaker.RecordSuccess()
		}
	}()
	return out, nil
}

// Complete runs a one-shot completion through the breaker.
func (p *LLMProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	var resp *llm.CompletionResponse
	err := p.breaker.Execute(func() error {
		var err error
		resp, err = p.inner.Complete(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Breaker exposes the underlying breaker.
func (p *LLMProvider) Breaker() *Breaker { return p.breaker }

// TTSProvider wraps a tts.Provider with a circuit breaker. Failures to start
// a stream count immediately; for an established stream the outcome is read
// from Stream.Err once the audio channel closes, so a synthesizer that
// accepts connections but fails mid-utterance still trips the breaker.
type TTSProvider struct {
	inner   tts.Provider
	breaker *Breaker
}

// NewTTSProvider wraps inner with breaker.
func NewTTSProvider(inner tts.Provider, breaker *Breaker) *TTSProvider {
	return &TTSProvider{inner: inner, breaker: breaker}
}

// ttsStream relays the inner stream and reports its terminal error.
type ttsStream struct {
	inner tts.Stream
	out   chan []byte
}

func (s *ttsStream) Audio() <-chan []byte { return s.out }
func (s *ttsStream) Err() error           { return s.inner.Err() }

// SynthesizeStream starts a synthesis stream through the breaker and relays
// its audio, recording the stream outcome when it ends.
func (p *TTSProvider) SynthesizeStream(ctx context.Context, text <-chan string, cfg tts.SynthesisConfig) (tts.Stream, error) {
	if err := p.breaker.admit(); err != nil {
		return nil, err
	}
	inner, err := p.inner.SynthesizeStream(ctx, text, cfg)
	if err != nil {
		p.breaker.RecordFailure()
		return nil, err
	}

	s := &ttsStream{inner: inner, out: make(chan []byte)}
	go func() {
		defer close(s.out)
		for chunk := range inner.Audio() {
			select {
			case s.out <- chunk:
			case <-ctx.Done():
				// Caller abandonment is not a backend failure.
				for range inner.Audio() {
				}
				return
			}
		}
		if inner.Err() != nil {
			p.breaker.RecordFailure()
		} else {
			p.breaker.RecordSuccess()
		}
	}()
	return s, nil
}

// Synthesize runs a blocking synthesis through the breaker.
func (p *TTSProvider) Synthesize(ctx context.Context, text string, cfg tts.SynthesisConfig) (*tts.SynthesisResult, error) {
	var result *tts.SynthesisResult
	err := p.breaker.Execute(func() error {
		var err error
		result, err = p.inner.Synthesize(ctx, text, cfg)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Breaker exposes the underlying breaker.
func (p *TTSProvider) Breaker() *Breaker { return p.breaker }
