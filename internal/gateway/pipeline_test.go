package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vaanilabs/vaani/internal/session"
	"github.com/vaanilabs/vaani/pkg/provider/asr"
	asrmock "github.com/vaanilabs/vaani/pkg/provider/asr/mock"
	"github.com/vaanilabs/vaani/pkg/provider/llm"
	llmmock "github.com/vaanilabs/vaani/pkg/provider/llm/mock"
	"github.com/vaanilabs/vaani/pkg/provider/pool"
	"github.com/vaanilabs/vaani/pkg/provider/tts"
	ttsmock "github.com/vaanilabs/vaani/pkg/provider/tts/mock"
)

// recordEmitter is an Emitter that records everything and can be told to fail.
type recordEmitter struct {
	mu       sync.Mutex
	frames   []any
	audio    [][]byte
	audioErr error
}

func (e *recordEmitter) SendFrame(_ context.Context, frame any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frames = append(e.frames, frame)
	return nil
}

func (e *recordEmitter) SendAudio(_ context.Context, chunk []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.audioErr != nil {
		return e.audioErr
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	e.audio = append(e.audio, cp)
	return nil
}

func (e *recordEmitter) allFrames() []any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]any(nil), e.frames...)
}

func (e *recordEmitter) audioChunks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.audio)
}

func testConfig() Config {
	return Config{
		ASRSampleRate:       16000,
		ASRTimeout:          5 * time.Second,
		LLMTimeout:          5 * time.Second,
		TTSTimeout:          5 * time.Second,
		MaxTokens:           256,
		Temperature:         0.7,
		TopP:                0.9,
		SystemPromptHindi:   "हिंदी में जवाब दो।",
		SystemPromptEnglish: "Reply in English.",
		TTSSampleRate:       22050,
	}
}

// newTestPipeline wires single-entry pools around the given providers.
func newTestPipeline(t *testing.T, asrP asr.Provider, llmP llm.Provider, ttsP tts.Provider, cfg Config) *Pipeline {
	t.Helper()
	ctx := context.Background()

	asrPool := pool.New(1, func(context.Context) (asr.Provider, error) { return asrP, nil }, nil)
	llmPool := pool.New(1, func(context.Context) (llm.Provider, error) { return llmP, nil }, nil)
	ttsPool := pool.New(1, func(context.Context) (tts.Provider, error) { return ttsP, nil }, nil)
	for _, init := range []func(context.Context) error{asrPool.Initialize, llmPool.Initialize, ttsPool.Initialize} {
		if err := init(ctx); err != nil {
			t.Fatalf("pool init: %v", err)
		}
	}
	t.Cleanup(func() {
		asrPool.Close()
		llmPool.Close()
		ttsPool.Close()
	})
	return New(asrPool, llmPool, ttsPool, cfg)
}

func listeningSession(t *testing.T, language string) *session.Session {
	t.Helper()
	sess := session.NewSession(language, 0)
	if err := sess.Transition(session.StateListening); err != nil {
		t.Fatal(err)
	}
	return sess
}

func TestRunTurn_TextInput(t *testing.T) {
	llmP := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "Namaste. "},
		{FinishReason: "stop"},
	}}
	ttsP := &ttsmock.Provider{}
	p := newTestPipeline(t, &asrmock.Provider{}, llmP, ttsP, testConfig())
	sess := listeningSession(t, "hi-IN")
	emit := &recordEmitter{}

	res, err := p.RunTurn(context.Background(), sess, TurnInput{Text: "Hello"}, emit)
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Transcript != "Hello" {
		t.Errorf("transcript = %q, want Hello", res.Transcript)
	}
	if res.Reply != "Namaste. " {
		t.Errorf("reply = %q", res.Reply)
	}
	if sess.State() != session.StateIdle {
		t.Errorf("session state = %q, want idle", sess.State())
	}
	if emit.audioChunks() == 0 {
		t.Error("no reply audio emitted")
	}

	h := sess.History()
	if len(h) != 2 || h[0].Role != "user" || h[1].Role != "assistant" {
		t.Errorf("history = %+v", h)
	}

	// The final transcript frame precedes the reply fragments.
	frames := emit.allFrames()
	if tf, ok := frames[0].(TranscriptFrame); !ok || !tf.IsFinal || tf.Text != "Hello" {
		t.Errorf("first frame = %+v, want final transcript", frames[0])
	}
	last := frames[len(frames)-1]
	if sf, ok := last.(StatusFrame); !ok || sf.State != "idle" {
		t.Errorf("last frame = %+v, want status idle", last)
	}
}

func TestRunTurn_AudioTurn(t *testing.T) {
	asrP := &asrmock.Provider{
		FinalTranscript:    "how are you",
		InterimTranscripts: []string{"how", "how are"},
	}
	llmP := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "I am fine."},
		{FinishReason: "stop"},
	}}
	p := newTestPipeline(t, asrP, llmP, &ttsmock.Provider{}, testConfig())
	sess := listeningSession(t, "en-US")
	emit := &recordEmitter{}

	audio := make(chan []byte, 2)
	audio <- make([]byte, 3200)
	audio <- make([]byte, 3200)
	close(audio)

	res, err := p.RunTurn(context.Background(), sess, TurnInput{Audio: audio}, emit)
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Transcript != "how are you" {
		t.Errorf("transcript = %q", res.Transcript)
	}

	var interims, finals int
	for _, f := range emit.allFrames() {
		if tf, ok := f.(TranscriptFrame); ok {
			if tf.IsFinal {
				finals++
			} else {
				interims++
			}
		}
	}
	if interims != 2 {
		t.Errorf("interim transcript frames = %d, want 2", interims)
	}
	if finals != 1 {
		t.Errorf("final transcript frames = %d, want 1", finals)
	}
	if res.Timings.FinalTranscript.IsZero() {
		t.Error("final transcript timing not stamped")
	}
}

func TestRunTurn_EmptyTranscriptSkipsReply(t *testing.T) {
	asrP := &asrmock.Provider{FinalTranscript: ""}
	llmP := &llmmock.Provider{}
	p := newTestPipeline(t, asrP, llmP, &ttsmock.Provider{}, testConfig())
	sess := listeningSession(t, "hi-IN")
	emit := &recordEmitter{}

	audio := make(chan []byte)
	close(audio)

	res, err := p.RunTurn(context.Background(), sess, TurnInput{Audio: audio}, emit)
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Transcript != "" {
		t.Errorf("transcript = %q, want empty", res.Transcript)
	}
	if got := llmP.StreamCallCount(); got != 0 {
		t.Errorf("llm called %d times for an empty utterance", got)
	}
	if sess.State() != session.StateIdle {
		t.Errorf("state = %q, want idle", sess.State())
	}
	if len(sess.History()) != 0 {
		t.Error("empty utterance touched the history")
	}

	frames := emit.allFrames()
	if sf, ok := frames[len(frames)-1].(StatusFrame); !ok || sf.State != "idle" {
		t.Errorf("last frame = %+v, want status idle", frames[len(frames)-1])
	}
}

func TestRunTurn_SentencePipelining(t *testing.T) {
	llmP := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "First one. "},
			{Text: "Second one. "},
			{Text: "And a tail"},
			{FinishReason: "stop"},
		},
		ChunkDelay: 40 * time.Millisecond,
	}
	ttsP := &ttsmock.Provider{}
	p := newTestPipeline(t, &asrmock.Provider{}, llmP, ttsP, testConfig())
	sess := listeningSession(t, "en-US")
	emit := &recordEmitter{}

	res, err := p.RunTurn(context.Background(), sess, TurnInput{Text: "go"}, emit)
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	fragments := ttsP.FragmentsSeen()
	want := []string{"First one.", "Second one.", "And a tail"}
	if len(fragments) != len(want) {
		t.Fatalf("tts fragments = %v, want %v", fragments, want)
	}
	for i := range want {
		if fragments[i] != want[i] {
			t.Errorf("fragment %d = %q, want %q", i, fragments[i], want[i])
		}
	}

	// The first sentence reached the synthesizer while later chunks were
	// still being generated.
	if res.Timings.FirstAudio.IsZero() || res.Timings.LastToken.IsZero() {
		t.Fatal("timings not stamped")
	}
	if !res.Timings.FirstAudio.Before(res.Timings.LastToken) {
		t.Error("first audio arrived only after the completion stream finished")
	}
}

func TestRunTurn_SystemPromptFollowsLanguage(t *testing.T) {
	tests := []struct {
		language   string
		wantPrompt string
	}{
		{"hi-IN", "हिंदी में जवाब दो।"},
		{"en-US", "Reply in English."},
	}
	for _, tc := range tests {
		t.Run(tc.language, func(t *testing.T) {
			llmP := &llmmock.Provider{StreamChunks: []llm.Chunk{
				{Text: "ok."},
				{FinishReason: "stop"},
			}}
			p := newTestPipeline(t, &asrmock.Provider{}, llmP, &ttsmock.Provider{}, testConfig())
			sess := listeningSession(t, tc.language)

			if _, err := p.RunTurn(context.Background(), sess, TurnInput{Text: "hi"}, &recordEmitter{}); err != nil {
				t.Fatalf("RunTurn: %v", err)
			}

			req := llmP.StreamCalls[0].Req
			if len(req.Messages) == 0 || req.Messages[0].Role != "system" {
				t.Fatalf("messages = %+v", req.Messages)
			}
			if req.Messages[0].Content != tc.wantPrompt {
				t.Errorf("system prompt = %q, want %q", req.Messages[0].Content, tc.wantPrompt)
			}
			if last := req.Messages[len(req.Messages)-1]; last.Role != "user" || last.Content != "hi" {
				t.Errorf("last message = %+v, want the user utterance", last)
			}
		})
	}
}

func TestRunTurn_CachedReply(t *testing.T) {
	llmP := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "Cached answer."},
		{FinishReason: "cached"},
	}}
	p := newTestPipeline(t, &asrmock.Provider{}, llmP, &ttsmock.Provider{}, testConfig())
	sess := listeningSession(t, "hi-IN")

	res, err := p.RunTurn(context.Background(), sess, TurnInput{Text: "hello"}, &recordEmitter{})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if !res.Cached {
		t.Error("Cached = false, want true")
	}
	if res.Reply != "Cached answer." {
		t.Errorf("reply = %q", res.Reply)
	}
}

func TestRunTurn_LLMStreamError(t *testing.T) {
	llmP := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "part"},
		{FinishReason: "error"},
	}}
	p := newTestPipeline(t, &asrmock.Provider{}, llmP, &ttsmock.Provider{}, testConfig())
	sess := listeningSession(t, "hi-IN")
	emit := &recordEmitter{}

	_, err := p.RunTurn(context.Background(), sess, TurnInput{Text: "hello"}, emit)
	if err == nil {
		t.Fatal("RunTurn succeeded, want error")
	}
	te := AsTurnError(err)
	if te.Kind != KindProviderRPC {
		t.Errorf("kind = %q, want provider_error", te.Kind)
	}
	if te.Stage != "llm" {
		t.Errorf("stage = %q, want llm", te.Stage)
	}

	var sawError, sawIdle bool
	for _, f := range emit.allFrames() {
		switch fr := f.(type) {
		case ErrorFrame:
			sawError = true
			if fr.Kind != string(KindProviderRPC) {
				t.Errorf("error frame kind = %q", fr.Kind)
			}
		case StatusFrame:
			if fr.State == "idle" {
				sawIdle = true
			}
		}
	}
	if !sawError {
		t.Error("no error frame emitted")
	}
	if !sawIdle {
		t.Error("no idle status after failure")
	}
	if sess.State() != session.StateIdle {
		t.Errorf("state = %q, want idle", sess.State())
	}
}

func TestRunTurn_TTSStreamFailure(t *testing.T) {
	llmP := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "Namaste. "},
		{FinishReason: "stop"},
	}}
	ttsP := &ttsmock.Provider{StreamErr: errors.New("synthesizer crashed")}
	p := newTestPipeline(t, &asrmock.Provider{}, llmP, ttsP, testConfig())
	sess := listeningSession(t, "hi-IN")
	emit := &recordEmitter{}

	_, err := p.RunTurn(context.Background(), sess, TurnInput{Text: "hello"}, emit)
	if err == nil {
		t.Fatal("RunTurn succeeded despite the synthesizer failing mid-stream")
	}
	te := AsTurnError(err)
	if te.Kind != KindProviderRPC {
		t.Errorf("kind = %q, want provider_error", te.Kind)
	}
	if te.Stage != "tts" {
		t.Errorf("stage = %q, want tts", te.Stage)
	}
	if emit.audioChunks() != 0 {
		t.Errorf("audio chunks = %d, want 0 from a failed stream", emit.audioChunks())
	}

	var sawError, sawIdle bool
	for _, f := range emit.allFrames() {
		switch fr := f.(type) {
		case ErrorFrame:
			sawError = true
			if fr.Kind != string(KindProviderRPC) {
				t.Errorf("error frame kind = %q", fr.Kind)
			}
		case StatusFrame:
			if fr.State == "idle" {
				sawIdle = true
			}
		}
	}
	if !sawError {
		t.Error("no error frame emitted")
	}
	if !sawIdle {
		t.Error("no idle status after failure")
	}
	if sess.State() != session.StateIdle {
		t.Errorf("state = %q, want idle", sess.State())
	}
}

func TestRunTurn_ASRUnavailable(t *testing.T) {
	asrP := &asrmock.Provider{StartStreamErr: errors.New("riva down")}
	p := newTestPipeline(t, asrP, &llmmock.Provider{}, &ttsmock.Provider{}, testConfig())
	sess := listeningSession(t, "hi-IN")
	emit := &recordEmitter{}

	audio := make(chan []byte)
	close(audio)

	_, err := p.RunTurn(context.Background(), sess, TurnInput{Audio: audio}, emit)
	if err == nil {
		t.Fatal("RunTurn succeeded, want error")
	}
	if te := AsTurnError(err); te.Kind != KindProviderUnavailable || te.Stage != "asr" {
		t.Errorf("classified as %q/%q, want provider_unavailable/asr", te.Kind, te.Stage)
	}
	if sess.State() != session.StateIdle {
		t.Errorf("state = %q, want idle", sess.State())
	}
}

func TestRunTurn_ClientDisconnectIsSilent(t *testing.T) {
	llmP := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "Hello there."},
		{FinishReason: "stop"},
	}}
	p := newTestPipeline(t, &asrmock.Provider{}, llmP, &ttsmock.Provider{}, testConfig())
	sess := listeningSession(t, "hi-IN")
	emit := &recordEmitter{audioErr: errors.New("websocket: close sent")}

	_, err := p.RunTurn(context.Background(), sess, TurnInput{Text: "hello"}, emit)
	if err == nil {
		t.Fatal("RunTurn succeeded, want error")
	}
	if te := AsTurnError(err); te.Kind != KindClientDisconnect {
		t.Errorf("kind = %q, want client_disconnect", te.Kind)
	}
	for _, f := range emit.allFrames() {
		if _, ok := f.(ErrorFrame); ok {
			t.Error("error frame emitted to a disconnected client")
		}
	}
}

func TestRunTurn_HistoryCarriesAcrossTurns(t *testing.T) {
	llmP := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "Reply."},
		{FinishReason: "stop"},
	}}
	p := newTestPipeline(t, &asrmock.Provider{}, llmP, &ttsmock.Provider{}, testConfig())
	sess := listeningSession(t, "hi-IN")

	if _, err := p.RunTurn(context.Background(), sess, TurnInput{Text: "first"}, &recordEmitter{}); err != nil {
		t.Fatal(err)
	}
	if err := sess.Transition(session.StateListening); err != nil {
		t.Fatal(err)
	}
	if _, err := p.RunTurn(context.Background(), sess, TurnInput{Text: "second"}, &recordEmitter{}); err != nil {
		t.Fatal(err)
	}

	req := llmP.StreamCalls[1].Req
	// system + (user, assistant) from turn one + user from turn two.
	if len(req.Messages) != 4 {
		t.Fatalf("message count = %d, want 4: %+v", len(req.Messages), req.Messages)
	}
	if req.Messages[1].Content != "first" || req.Messages[2].Content != "Reply." {
		t.Errorf("history not carried: %+v", req.Messages)
	}
}
