// Package riva provides a TTS provider backed by a Riva-compatible speech
// synthesizer exposed over WebSocket. It implements the tts.Provider interface.
//
// Each text fragment is sent as a JSON synthesis request; the server streams
// the resulting audio back as binary PCM frames followed by a JSON
// {"type":"end_of_utterance"} marker. Fragments are synthesised strictly in
// send order, so audio for sentence k always precedes audio for sentence k+1.
package riva

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/vaanilabs/vaani/pkg/provider/tts"
)

const (
	defaultLanguage   = "hi-IN"
	defaultSampleRate = 22050
	defaultChunkSize  = 4096

	maxMessageSize = 10 << 20
)

// Option is a functional option for configuring the Riva TTS Provider.
type Option func(*Provider)

// WithLanguage sets the default BCP-47 language code.
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithSampleRate sets the default output sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithChunkSize sets the target emitted audio chunk size in bytes.
func WithChunkSize(n int) Option {
	return func(p *Provider) {
		p.chunkSize = n
	}
}

// Provider implements tts.Provider against a Riva-compatible synthesizer.
type Provider struct {
	endpoint   string
	language   string
	sampleRate int
	chunkSize  int
}

// New creates a new Riva TTS Provider. endpoint is the WebSocket URL of the
// synthesizer (e.g., "ws://tts-service:50053/v1/synthesize").
func New(endpoint string, opts ...Option) (*Provider, error) {
	if endpoint == "" {
		return nil, errors.New("riva tts: endpoint must not be empty")
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("riva tts: invalid endpoint: %w", err)
	}
	p := &Provider{
		endpoint:   endpoint,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		chunkSize:  defaultChunkSize,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Compile-time assertion that Provider satisfies the tts.Provider interface.
var _ tts.Provider = (*Provider)(nil)

// ─── Wire types ───────────────────────────────────────────────────────────────

// synthesizeRequest asks the synthesizer for one utterance.
type synthesizeRequest struct {
	Text            string `json:"text"`
	LanguageCode    string `json:"language_code"`
	VoiceName       string `json:"voice_name,omitempty"`
	Encoding        string `json:"encoding"`
	SampleRateHertz int    `json:"sample_rate_hz"`
}

// controlFrame is a JSON message from the synthesizer between audio frames.
type controlFrame struct {
	Type  string `json:"type"`
	Error string `json:"error,omitempty"`
}

// ─── stream ───────────────────────────────────────────────────────────────────

// stream is a live synthesis stream. It implements tts.Stream.
type stream struct {
	audio chan []byte

	errMu sync.Mutex
	err   error
}

// Audio returns the channel of synthesized PCM chunks.
func (s *stream) Audio() <-chan []byte { return s.audio }

// Err reports the terminal stream error once Audio is closed.
func (s *stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// setErr records the first terminal error of the stream.
func (s *stream) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

// SynthesizeStream opens a WebSocket to the synthesizer, pipes text fragments
// from the text channel, and returns a stream emitting raw PCM audio chunks.
//
// The stream's audio channel is closed when synthesis is complete, the
// backend fails, or ctx is cancelled; backend failures are reported through
// Stream.Err.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, cfg tts.SynthesisConfig) (tts.Stream, error) {
	cfg = p.withDefaults(cfg)

	conn, _, err := websocket.Dial(ctx, p.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("riva tts: dial: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	st := &stream{audio: make(chan []byte, 256)}

	go func() {
		defer close(st.audio)
		defer conn.Close(websocket.StatusNormalClosure, "done")

		// closing marks the locally initiated shutdown so the reader can tell
		// a clean close from the backend dropping the connection.
		var closing atomic.Bool

		// Reader goroutine: binary frames are audio, JSON frames are control.
		// pending counts utterances requested but not yet fully received.
		var pending sync.WaitGroup
		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			for {
				typ, msg, err := conn.Read(ctx)
				if err != nil {
					if !closing.Load() && ctx.Err() == nil {
						st.setErr(fmt.Errorf("riva tts: connection lost: %w", err))
					}
					return
				}
				if typ == websocket.MessageBinary {
					for _, chunk := range rechunk(msg, cfg.ChunkSize) {
						select {
						case st.audio <- chunk:
						case <-ctx.Done():
							return
						}
					}
					continue
				}
				var cf controlFrame
				if err := json.Unmarshal(msg, &cf); err != nil {
					continue
				}
				if cf.Error != "" {
					st.setErr(fmt.Errorf("riva tts: synthesizer error: %s", cf.Error))
					return
				}
				if cf.Type == "end_of_utterance" {
					pending.Done()
				}
			}
		}()

		for {
			select {
			case sentence, ok := <-text:
				if !ok {
					// Text channel closed: wait for outstanding utterances to
					// finish streaming, then shut down the reader.
					waitOrCancel(ctx, &pending)
					closing.Store(true)
					conn.Close(websocket.StatusNormalClosure, "done")
					<-readDone
					return
				}
				if sentence == "" {
					continue
				}
				req := synthesizeRequest{
					Text:            sentence,
					LanguageCode:    cfg.Language,
					VoiceName:       cfg.Voice,
					Encoding:        "LINEAR_PCM",
					SampleRateHertz: cfg.SampleRate,
				}
				msgBytes, _ := json.Marshal(req)
				pending.Add(1)
				if err := conn.Write(ctx, websocket.MessageText, msgBytes); err != nil {
					pending.Done()
					st.setErr(fmt.Errorf("riva tts: send request: %w", err))
					return
				}
			case <-ctx.Done():
				return
			case <-readDone:
				// Reader failed mid-synthesis.
				return
			}
		}
	}()

	return st, nil
}

// Synthesize converts a single text into a complete audio buffer.
func (p *Provider) Synthesize(ctx context.Context, text string, cfg tts.SynthesisConfig) (*tts.SynthesisResult, error) {
	if text == "" {
		return nil, errors.New("riva tts: text must not be empty")
	}
	cfg = p.withDefaults(cfg)

	textCh := make(chan string, 1)
	textCh <- text
	close(textCh)

	st, err := p.SynthesizeStream(ctx, textCh, cfg)
	if err != nil {
		return nil, err
	}

	var audio []byte
	for chunk := range st.Audio() {
		audio = append(audio, chunk...)
	}
	if err := st.Err(); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return &tts.SynthesisResult{
		Audio:      audio,
		DurationMS: tts.Duration(len(audio), cfg.SampleRate),
		SampleRate: cfg.SampleRate,
	}, nil
}

// withDefaults fills unset config fields from the provider defaults.
func (p *Provider) withDefaults(cfg tts.SynthesisConfig) tts.SynthesisConfig {
	if cfg.Language == "" {
		cfg.Language = p.language
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = p.sampleRate
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = p.chunkSize
	}
	return cfg
}

// rechunk splits a server audio frame into slices of at most size bytes.
func rechunk(frame []byte, size int) [][]byte {
	if size <= 0 || len(frame) <= size {
		return [][]byte{frame}
	}
	chunks := make([][]byte, 0, (len(frame)+size-1)/size)
	for len(frame) > size {
		chunks = append(chunks, frame[:size])
		frame = frame[size:]
	}
	if len(frame) > 0 {
		chunks = append(chunks, frame)
	}
	return chunks
}

// waitOrCancel waits for wg or abandons the wait when ctx is cancelled.
func waitOrCancel(ctx context.Context, wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
