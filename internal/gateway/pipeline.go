// Package gateway implements the voice turn pipeline: streaming recognition,
// reply generation, and sentence-pipelined synthesis, glued to a transport
// through the Emitter interface.
//
// One turn runs ASR until the recognizer commits a final transcript, then
// streams the LLM reply while cutting it into sentences that are submitted to
// TTS as soon as they complete, so the first reply audio plays while later
// sentences are still being generated.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/vaanilabs/vaani/internal/observe"
	"github.com/vaanilabs/vaani/internal/session"
	"github.com/vaanilabs/vaani/pkg/provider/asr"
	"github.com/vaanilabs/vaani/pkg/provider/llm"
	"github.com/vaanilabs/vaani/pkg/provider/pool"
	"github.com/vaanilabs/vaani/pkg/provider/tts"
)

// sentenceQueueDepth buffers sentences between the LLM forwarder and the TTS
// stream so a slow synthesizer does not stall token streaming immediately.
const sentenceQueueDepth = 16

// Config carries the per-stage parameters of the pipeline. Language comes
// from the session at turn time, not from here.
type Config struct {
	// ASRSampleRate is the input sample rate in Hz.
	ASRSampleRate int

	// ASRTimeout bounds one recognition stream.
	ASRTimeout time.Duration

	// LLMTimeout bounds one completion stream.
	LLMTimeout time.Duration

	// TTSTimeout bounds synthesis beyond the completion stream; the synthesis
	// deadline for a turn is LLMTimeout+TTSTimeout because the two stages
	// overlap.
	TTSTimeout time.Duration

	// MaxTokens, Temperature, TopP, FrequencyPenalty, and PresencePenalty are
	// forwarded to every completion request.
	MaxTokens        int
	Temperature      float64
	TopP             float64
	FrequencyPenalty float64
	PresencePenalty  float64

	// SystemPromptHindi is used for sessions whose language tag starts with
	// "hi"; SystemPromptEnglish for everything else.
	SystemPromptHindi   string
	SystemPromptEnglish string

	// TTSVoice, TTSSampleRate, and TTSChunkSize select the synthesis output
	// format.
	TTSVoice      string
	TTSSampleRate int
	TTSChunkSize  int
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMetrics overrides the metrics instance, mainly for tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger overrides the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// Pipeline executes turns against pooled provider channels. Safe for
// concurrent use; every turn acquires its own leases.
type Pipeline struct {
	asrPool *pool.Pool[asr.Provider]
	llmPool *pool.Pool[llm.Provider]
	ttsPool *pool.Pool[tts.Provider]
	cfg     Config
	metrics *observe.Metrics
	logger  *slog.Logger
}

// New creates a Pipeline over the given provider pools.
func New(asrPool *pool.Pool[asr.Provider], llmPool *pool.Pool[llm.Provider], ttsPool *pool.Pool[tts.Provider], cfg Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		asrPool: asrPool,
		llmPool: llmPool,
		ttsPool: ttsPool,
		cfg:     cfg,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// TurnInput is one user turn: either a captured audio utterance or typed
// text. When Text is non-empty, Audio is ignored and recognition is skipped.
type TurnInput struct {
	// Audio carries the utterance PCM chunks. The sender closes the channel at
	// end of utterance.
	Audio <-chan []byte

	// Text is a typed utterance that bypasses recognition.
	Text string
}

// Timings records the stage boundaries of one turn. Zero values mean the
// stage never happened.
type Timings struct {
	Start           time.Time
	FirstInterim    time.Time
	FinalTranscript time.Time
	FirstToken      time.Time
	LastToken       time.Time
	FirstAudio      time.Time
	End             time.Time
}

// TurnResult summarizes one completed turn.
type TurnResult struct {
	// Transcript is the committed user utterance. Empty when the recognizer
	// heard nothing.
	Transcript string

	// Reply is the full assistant reply text.
	Reply string

	// Cached reports whether the reply came from the response cache.
	Cached bool

	Timings Timings
}

// RunTurn executes one full turn for sess, pushing frames and audio through
// emit. The session must be in the listening state on entry; on return it is
// idle (or closed, when the client vanished mid-turn).
//
// A nil error with an empty Transcript means the utterance was empty and the
// reply stages were skipped.
func (p *Pipeline) RunTurn(ctx context.Context, sess *session.Session, in TurnInput, emit Emitter) (*TurnResult, error) {
	ctx, span := observe.StartSpan(ctx, "gateway.turn")
	defer span.End()
	log := p.logger.With(slog.String("session_id", sess.ID()))

	res := &TurnResult{}
	res.Timings.Start = time.Now()

	var (
		transcript string
		err        error
	)
	if in.Text != "" {
		transcript = strings.TrimSpace(in.Text)
		res.Timings.FinalTranscript = time.Now()
		if err := emit.SendFrame(ctx, Transcript(transcript, true)); err != nil {
			return nil, p.fail(ctx, sess, emit, newTurnError(KindClientDisconnect, "", err))
		}
	} else {
		transcript, err = p.recognize(ctx, sess, in.Audio, emit, &res.Timings)
		if err != nil {
			return nil, p.fail(ctx, sess, emit, err)
		}
	}

	if err := sess.Transition(session.StateProcessing); err != nil {
		return nil, p.fail(ctx, sess, emit, newTurnError(KindInternal, "", err))
	}

	if transcript == "" {
		// Nothing recognized; skip the reply stages without touching history.
		_ = sess.Transition(session.StateIdle)
		_ = emit.SendFrame(ctx, Status(session.StateIdle, ""))
		res.Timings.End = time.Now()
		p.metrics.RecordRequest(ctx, sess.Language(), "empty", false)
		log.Debug("empty utterance, turn skipped")
		return res, nil
	}
	res.Transcript = transcript

	if err := emit.SendFrame(ctx, Status(session.StateProcessing, "llm")); err != nil {
		return nil, p.fail(ctx, sess, emit, newTurnError(KindClientDisconnect, "", err))
	}
	if err := p.respond(ctx, sess, transcript, emit, res); err != nil {
		return nil, p.fail(ctx, sess, emit, err)
	}

	res.Timings.End = time.Now()
	p.metrics.RecordRequest(ctx, sess.Language(), "success", res.Cached)
	log.Info("turn completed",
		slog.Int("transcript_chars", len(transcript)),
		slog.Int("reply_chars", len(res.Reply)),
		slog.Bool("cached", res.Cached),
		slog.Duration("total", res.Timings.End.Sub(res.Timings.Start)),
	)
	return res, nil
}

// recognize streams the utterance audio to a pooled recognizer and returns
// the committed transcript, forwarding interim transcripts to the client as
// they arrive.
func (p *Pipeline) recognize(ctx context.Context, sess *session.Session, audio <-chan []byte, emit Emitter, t *Timings) (string, error) {
	lease, err := p.asrPool.Acquire(ctx)
	if err != nil {
		return "", newTurnError(KindProviderUnavailable, "asr", err)
	}
	defer lease.Release()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.ASRTimeout)
	defer cancel()

	stream, err := lease.Value.StartStream(ctx, asr.StreamConfig{
		Language:       sess.Language(),
		SampleRate:     p.cfg.ASRSampleRate,
		InterimResults: true,
	})
	if err != nil {
		return "", newTurnError(KindProviderUnavailable, "asr", err)
	}
	defer stream.Close()

	var audioBytes atomic.Int64
	go func() {
		for chunk := range audio {
			audioBytes.Add(int64(len(chunk)))
			if err := stream.SendAudio(chunk); err != nil {
				return
			}
		}
		_ = stream.CloseSend()
	}()

	var final string
	for r := range stream.Results() {
		if !r.IsFinal {
			if t.FirstInterim.IsZero() {
				t.FirstInterim = time.Now()
			}
			_ = emit.SendFrame(ctx, Transcript(r.Transcript, false))
			continue
		}
		final = r.Transcript
		t.FinalTranscript = time.Now()
		if err := emit.SendFrame(ctx, Transcript(r.Transcript, true)); err != nil {
			return "", newTurnError(KindClientDisconnect, "asr", err)
		}
	}
	if err := stream.Err(); err != nil {
		return "", newTurnError(KindProviderRPC, "asr", err)
	}
	if t.FinalTranscript.IsZero() {
		t.FinalTranscript = time.Now()
	}

	p.metrics.ASRLatency.Record(ctx, t.FinalTranscript.Sub(t.Start).Seconds())
	if rate := p.cfg.ASRSampleRate; rate > 0 {
		p.metrics.ASRAudioDuration.Record(ctx, float64(audioBytes.Load())/float64(rate*2))
	}
	return strings.TrimSpace(final), nil
}

// respond appends the transcript to the history, streams the LLM reply, and
// pipes completed sentences into TTS while both streams are live.
func (p *Pipeline) respond(ctx context.Context, sess *session.Session, transcript string, emit Emitter, res *TurnResult) error {
	sess.AppendUser(transcript)
	messages := p.buildMessages(sess)

	llmLease, err := p.llmPool.Acquire(ctx)
	if err != nil {
		return newTurnError(KindProviderUnavailable, "llm", err)
	}
	defer llmLease.Release()
	ttsLease, err := p.ttsPool.Acquire(ctx)
	if err != nil {
		return newTurnError(KindProviderUnavailable, "tts", err)
	}
	defer ttsLease.Release()

	llmCtx, cancelLLM := context.WithTimeout(ctx, p.cfg.LLMTimeout)
	defer cancelLLM()
	chunks, err := llmLease.Value.StreamCompletion(llmCtx, llm.CompletionRequest{
		Messages:         messages,
		MaxTokens:        p.cfg.MaxTokens,
		Temperature:      p.cfg.Temperature,
		TopP:             p.cfg.TopP,
		FrequencyPenalty: p.cfg.FrequencyPenalty,
		PresencePenalty:  p.cfg.PresencePenalty,
	})
	if err != nil {
		return newTurnError(KindProviderUnavailable, "llm", err)
	}

	// The synthesis stream outlives the completion stream, so its deadline
	// covers both stages.
	ttsCtx, cancelTTS := context.WithTimeout(ctx, p.cfg.LLMTimeout+p.cfg.TTSTimeout)
	defer cancelTTS()
	text := make(chan string, sentenceQueueDepth)
	ttsStream, err := ttsLease.Value.SynthesizeStream(ttsCtx, text, tts.SynthesisConfig{
		Language:   sess.Language(),
		Voice:      p.cfg.TTSVoice,
		SampleRate: p.cfg.TTSSampleRate,
		ChunkSize:  p.cfg.TTSChunkSize,
	})
	if err != nil {
		close(text)
		return newTurnError(KindProviderUnavailable, "tts", err)
	}
	audio := ttsStream.Audio()

	var (
		reply         strings.Builder
		cached        bool
		forwardErr    error
		firstSentence atomic.Int64 // unix nanos of the first TTS submission
	)
	llmStart := time.Now()
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		defer close(text)
		var sent Sentencer
		submit := func(sentence string) bool {
			firstSentence.CompareAndSwap(0, time.Now().UnixNano())
			p.metrics.TTSTextLength.Record(ctx, float64(len([]rune(sentence))))
			select {
			case text <- sentence:
				return true
			case <-ttsCtx.Done():
				return false
			}
		}
		for chunk := range chunks {
			if chunk.FinishReason == "error" {
				cause := llmCtx.Err()
				if cause == nil {
					cause = fmt.Errorf("completion stream failed")
				}
				forwardErr = newTurnError(KindProviderRPC, "llm", cause)
				return
			}
			if chunk.Text != "" {
				if res.Timings.FirstToken.IsZero() {
					res.Timings.FirstToken = time.Now()
					p.metrics.LLMTTFT.Record(ctx, res.Timings.FirstToken.Sub(llmStart).Seconds())
				}
				reply.WriteString(chunk.Text)
				_ = emit.SendFrame(ctx, ResponseText(chunk.Text, false))
				for _, sentence := range sent.Write(chunk.Text) {
					if !submit(sentence) {
						return
					}
				}
			}
			if chunk.FinishReason == "cached" {
				cached = true
			}
			if chunk.FinishReason != "" {
				res.Timings.LastToken = time.Now()
				p.metrics.LLMTotal.Record(ctx, res.Timings.LastToken.Sub(llmStart).Seconds())
			}
		}
		if rest, ok := sent.Flush(); ok {
			submit(rest)
		}
	}()

	for chunk := range audio {
		if res.Timings.FirstAudio.IsZero() {
			res.Timings.FirstAudio = time.Now()
			_ = sess.Transition(session.StateSpeaking)
			_ = emit.SendFrame(ctx, Status(session.StateSpeaking, "tts"))
			if at := firstSentence.Load(); at > 0 {
				p.metrics.TTSLatency.Record(ctx, res.Timings.FirstAudio.Sub(time.Unix(0, at)).Seconds())
			}
			if !res.Timings.FinalTranscript.IsZero() {
				p.metrics.E2ELatency.Record(ctx, res.Timings.FirstAudio.Sub(res.Timings.FinalTranscript).Seconds())
			}
		}
		if err := emit.SendAudio(ctx, chunk); err != nil {
			cancelTTS()
			for range audio {
			}
			<-forwarded
			return newTurnError(KindClientDisconnect, "tts", err)
		}
	}
	<-forwarded

	if forwardErr != nil {
		return forwardErr
	}
	// A synthesizer failure closes the audio channel early with no error on
	// the channel itself; it surfaces here.
	if err := ttsStream.Err(); err != nil {
		return newTurnError(KindProviderRPC, "tts", err)
	}
	if err := ttsCtx.Err(); err != nil {
		return newTurnError(KindProviderRPC, "tts", err)
	}

	res.Reply = reply.String()
	res.Cached = cached
	if res.Reply != "" {
		sess.AppendAssistant(res.Reply)
	}

	if err := emit.SendFrame(ctx, ResponseText("", true)); err != nil {
		return newTurnError(KindClientDisconnect, "", err)
	}
	_ = sess.Transition(session.StateIdle)
	_ = emit.SendFrame(ctx, Status(session.StateIdle, ""))
	return nil
}

// buildMessages assembles the completion request messages: the per-language
// system prompt followed by the bounded history, which already ends with the
// just-appended user message.
func (p *Pipeline) buildMessages(sess *session.Session) []llm.Message {
	prompt := p.cfg.SystemPromptEnglish
	if strings.HasPrefix(sess.Language(), "hi") {
		prompt = p.cfg.SystemPromptHindi
	}
	history := sess.History()
	msgs := make([]llm.Message, 0, len(history)+1)
	msgs = append(msgs, llm.Message{Role: "system", Content: prompt})
	return append(msgs, history...)
}

// fail records and reports a turn failure, parks the session back in idle,
// and returns the classified error for the caller.
func (p *Pipeline) fail(ctx context.Context, sess *session.Session, emit Emitter, err error) error {
	te := AsTurnError(err)
	p.metrics.RecordError(ctx, te.Stage, string(te.Kind))
	p.metrics.RecordRequest(ctx, sess.Language(), "error", false)
	p.logger.Error("turn failed",
		slog.String("session_id", sess.ID()),
		slog.String("stage", te.Stage),
		slog.String("kind", string(te.Kind)),
		slog.Any("error", te.Err),
	)
	if te.Kind != KindClientDisconnect {
		_ = emit.SendFrame(ctx, Error(te))
	}
	// Best effort: walk forward to idle whatever stage the failure hit.
	_ = sess.Transition(session.StateProcessing)
	_ = sess.Transition(session.StateIdle)
	if te.Kind != KindClientDisconnect {
		_ = emit.SendFrame(ctx, Status(session.StateIdle, ""))
	}
	return te
}
