// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio chunks to consumers and to verify the
// text fragments and SynthesisConfig passed to the TTS backend.
//
// By default each consumed text fragment produces one audio chunk containing
// the fragment bytes, so tests can assert per-sentence ordering of the audio
// stream. Set SynthesizeChunks to override the emitted audio.
package mock

import (
	"context"
	"sync"

	"github.com/vaanilabs/vaani/pkg/provider/tts"
)

// SynthesizeStreamCall records a single invocation of SynthesizeStream.
type SynthesizeStreamCall struct {
	// Ctx is the context passed to SynthesizeStream.
	Ctx context.Context
	// Cfg is the SynthesisConfig passed to SynthesizeStream.
	Cfg tts.SynthesisConfig
}

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Text is the text passed to Synthesize.
	Text string
	// Cfg is the SynthesisConfig passed to Synthesize.
	Cfg tts.SynthesisConfig
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// SynthesizeChunks, when non-nil, is the fixed sequence of audio chunks
	// emitted per consumed text fragment (chunk i for fragment i, reusing the
	// last chunk when fragments outnumber chunks). When nil, each fragment is
	// echoed back as its own audio chunk.
	SynthesizeChunks [][]byte

	// SynthesizeErr, if non-nil, is returned as the error from both
	// SynthesizeStream and Synthesize.
	SynthesizeErr error

	// StreamErr, if non-nil, simulates a backend failing mid-synthesis: the
	// stream consumes text fragments without emitting audio and reports
	// StreamErr from Err once its audio channel closes.
	StreamErr error

	// --- Call records ---

	// StreamCalls records every call to SynthesizeStream in order.
	StreamCalls []SynthesizeStreamCall

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall

	// Fragments records every text fragment consumed from stream text
	// channels, across all calls, in consumption order.
	Fragments []string
}

// Stream is the mock synthesis stream returned by SynthesizeStream.
type Stream struct {
	audio chan []byte

	mu  sync.Mutex
	err error
}

// Audio returns the channel of mock audio chunks.
func (s *Stream) Audio() <-chan []byte { return s.audio }

// Err reports the configured stream error once Audio is closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// SynthesizeStream records the call and returns a stream that emits one audio
// chunk per consumed text fragment, closing when the text channel is closed.
// With StreamErr set, fragments are consumed but no audio is produced.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, cfg tts.SynthesisConfig) (tts.Stream, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, SynthesizeStreamCall{Ctx: ctx, Cfg: cfg})
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	streamErr := p.StreamErr
	p.mu.Unlock()

	st := &Stream{audio: make(chan []byte, 64)}
	go func() {
		defer close(st.audio)
		i := 0
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					if streamErr != nil {
						st.setErr(streamErr)
					}
					return
				}
				p.mu.Lock()
				p.Fragments = append(p.Fragments, fragment)
				audio := []byte(fragment)
				if len(p.SynthesizeChunks) > 0 {
					idx := i
					if idx >= len(p.SynthesizeChunks) {
						idx = len(p.SynthesizeChunks) - 1
					}
					audio = p.SynthesizeChunks[idx]
				}
				p.mu.Unlock()
				i++
				if streamErr != nil {
					continue
				}
				select {
				case st.audio <- audio:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return st, nil
}

// Synthesize records the call and returns the concatenation of the audio that
// SynthesizeStream would emit for the single fragment.
func (p *Provider) Synthesize(ctx context.Context, text string, cfg tts.SynthesisConfig) (*tts.SynthesisResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Text: text, Cfg: cfg})
	if p.SynthesizeErr != nil {
		return nil, p.SynthesizeErr
	}
	if p.StreamErr != nil {
		return nil, p.StreamErr
	}
	audio := []byte(text)
	if len(p.SynthesizeChunks) > 0 {
		audio = nil
		for _, c := range p.SynthesizeChunks {
			audio = append(audio, c...)
		}
	}
	rate := cfg.SampleRate
	if rate == 0 {
		rate = 22050
	}
	return &tts.SynthesisResult{
		Audio:      audio,
		DurationMS: tts.Duration(len(audio), rate),
		SampleRate: rate,
	}, nil
}

// FragmentsSeen returns a copy of all consumed text fragments. Thread-safe.
func (p *Provider) FragmentsSeen() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Fragments))
	copy(out, p.Fragments)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamCalls = nil
	p.SynthesizeCalls = nil
	p.Fragments = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
