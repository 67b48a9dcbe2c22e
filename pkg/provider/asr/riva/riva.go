// Package riva provides an ASR provider backed by a Riva-compatible streaming
// recognizer exposed over WebSocket. It implements the asr.Provider interface.
//
// The wire protocol follows the Riva streaming-recognize shape: the first
// message on a stream is a JSON recognition config (LINEAR_PCM encoding,
// language code, sample rate, interim results), every later client message is
// a binary audio chunk, and the server replies with JSON result frames each
// carrying a list of alternatives and an is_final marker. A text frame
// {"type":"end_of_audio"} half-closes the stream and asks the recognizer to
// flush its final result.
package riva

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/coder/websocket"

	"github.com/vaanilabs/vaani/pkg/provider/asr"
)

const (
	defaultLanguage   = "hi-IN"
	defaultSampleRate = 16000

	// maxMessageSize caps inbound frames at 10 MiB, matching the recognizer's
	// own channel limit.
	maxMessageSize = 10 << 20
)

// Option is a functional option for configuring the Riva ASR Provider.
type Option func(*Provider)

// WithLanguage sets the default BCP-47 language code used when a stream
// config does not specify one.
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithSampleRate sets the provider-level default sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// Provider implements asr.Provider against a Riva-compatible recognizer.
type Provider struct {
	endpoint   string
	language   string
	sampleRate int
}

// New creates a new Riva ASR Provider. endpoint is the WebSocket URL of the
// recognizer (e.g., "ws://asr-service:50051/v1/recognize").
func New(endpoint string, opts ...Option) (*Provider, error) {
	if endpoint == "" {
		return nil, errors.New("riva asr: endpoint must not be empty")
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("riva asr: invalid endpoint: %w", err)
	}
	p := &Provider{
		endpoint:   endpoint,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming recognition session. The recognition config
// is sent as the first message; audio may be sent immediately afterwards.
func (p *Provider) StartStream(ctx context.Context, cfg asr.StreamConfig) (asr.StreamHandle, error) {
	conn, _, err := websocket.Dial(ctx, p.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("riva asr: dial: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	if cfg.Language == "" {
		cfg.Language = p.language
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = p.sampleRate
	}

	// First request carries the recognition config only.
	first := configRequest{}
	first.Config.Encoding = "LINEAR_PCM"
	first.Config.LanguageCode = cfg.Language
	first.Config.SampleRateHertz = cfg.SampleRate
	first.Config.MaxAlternatives = 1
	first.Config.VerbatimTranscripts = true
	first.InterimResults = cfg.InterimResults

	firstBytes, _ := json.Marshal(first)
	if err := conn.Write(ctx, websocket.MessageText, firstBytes); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to send config")
		return nil, fmt.Errorf("riva asr: send config: %w", err)
	}

	st := &stream{
		conn:    conn,
		audio:   make(chan []byte, 256),
		results: make(chan asr.Result, 64),
		done:    make(chan struct{}),
	}
	st.wg.Add(2)
	go st.readLoop(ctx)
	go st.writeLoop(ctx)
	return st, nil
}

// ─── Wire types ───────────────────────────────────────────────────────────────

// configRequest is the first message of a recognition stream.
type configRequest struct {
	Config struct {
		Encoding            string `json:"encoding"`
		LanguageCode        string `json:"language_code"`
		SampleRateHertz     int    `json:"sample_rate_hertz"`
		MaxAlternatives     int    `json:"max_alternatives"`
		VerbatimTranscripts bool   `json:"verbatim_transcripts"`
	} `json:"config"`
	InterimResults bool `json:"interim_results"`
}

// recognizeResponse is a JSON result frame from the recognizer.
type recognizeResponse struct {
	Results []struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
		IsFinal bool `json:"is_final"`
	} `json:"results"`
	Error string `json:"error,omitempty"`
}

// endOfAudio is the half-close request sent after the last audio chunk.
var endOfAudio = []byte(`{"type":"end_of_audio"}`)

// ─── stream ───────────────────────────────────────────────────────────────────

// stream is a live recognition stream. It implements asr.StreamHandle.
type stream struct {
	conn    *websocket.Conn
	audio   chan []byte
	results chan asr.Result

	done     chan struct{}
	sendOnce sync.Once
	once     sync.Once
	wg       sync.WaitGroup

	errMu sync.Mutex
	err   error
}

// SendAudio queues a PCM audio chunk for delivery to the recognizer.
func (s *stream) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("riva asr: stream is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("riva asr: stream is closed")
	}
}

// CloseSend half-closes the stream so the recognizer flushes its final result.
func (s *stream) CloseSend() error {
	s.sendOnce.Do(func() { close(s.audio) })
	return nil
}

// Results returns the channel of interim and final recognition results.
func (s *stream) Results() <-chan asr.Result { return s.results }

// Err reports the terminal stream error once Results is closed.
func (s *stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close terminates the stream and waits for both loops to exit.
func (s *stream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.sendOnce.Do(func() { close(s.audio) })
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "stream closed")
	})
	return nil
}

// setErr records the first terminal error of the stream.
func (s *stream) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

// writeLoop forwards queued audio chunks as binary messages, then half-closes
// with an end_of_audio frame once the audio channel is closed.
func (s *stream) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				_ = s.conn.Write(ctx, websocket.MessageText, endOfAudio)
				return
			}
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				s.setErr(fmt.Errorf("riva asr: write audio: %w", err))
				return
			}
		case <-s.done:
			return
		}
	}
}

// readLoop receives JSON result frames and dispatches them to the results
// channel. It owns the channel and always closes it on exit so consumers
// never hang.
func (s *stream) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.results)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			// Normal close after the final result, or cancellation.
			if ctx.Err() != nil {
				s.setErr(ctx.Err())
			}
			return
		}

		results, errMsg, ok := parseRecognizeResponse(msg)
		if !ok {
			continue
		}
		if errMsg != "" {
			s.setErr(fmt.Errorf("riva asr: recognizer error: %s", errMsg))
			return
		}

		for _, r := range results {
			select {
			case s.results <- r:
			case <-s.done:
				return
			}
			if r.IsFinal {
				// The committed transcript ends the utterance.
				return
			}
		}
	}
}

// parseRecognizeResponse parses a raw recognizer message into Results.
// Returns ok=false for frames that should be ignored.
func parseRecognizeResponse(data []byte) ([]asr.Result, string, bool) {
	var resp recognizeResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, "", false
	}
	if resp.Error != "" {
		return nil, resp.Error, true
	}
	if len(resp.Results) == 0 {
		return nil, "", false
	}

	out := make([]asr.Result, 0, len(resp.Results))
	for _, r := range resp.Results {
		if len(r.Alternatives) == 0 {
			continue
		}
		alt := r.Alternatives[0]
		if alt.Transcript == "" && !r.IsFinal {
			continue
		}
		out = append(out, asr.Result{
			Transcript: alt.Transcript,
			IsFinal:    r.IsFinal,
			Confidence: alt.Confidence,
		})
	}
	if len(out) == 0 {
		return nil, "", false
	}
	return out, "", true
}
