package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/vaanilabs/vaani/internal/gateway"
	"github.com/vaanilabs/vaani/internal/session"
)

const (
	// maxMessageSize caps a single WebSocket frame.
	maxMessageSize = 1 << 20

	// audioQueueDepth buffers utterance audio between the reader and the
	// recognition stream.
	audioQueueDepth = 256

	// bufferSeconds bounds audio retained while a previous turn is still
	// replying; oldest chunks are dropped beyond this.
	bufferSeconds = 2
)

// Application close codes for /ws/voice.
const (
	// StatusConfigTimeout: no config frame arrived in time.
	StatusConfigTimeout websocket.StatusCode = 4000

	// StatusServerError: the connection died to an unrecoverable server fault.
	StatusServerError websocket.StatusCode = 4001

	// StatusUnsupportedLanguage: the config frame named a language outside the
	// supported set.
	StatusUnsupportedLanguage websocket.StatusCode = 4002
)

// clientFrame is the envelope of every client JSON frame. Fields beyond Type
// are populated per frame type.
type clientFrame struct {
	Type       string `json:"type"`
	Language   string `json:"language,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Text       string `json:"text,omitempty"`
}

// handleVoice upgrades the connection and runs the conversation loop until
// the client goes away.
func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Debug("websocket accept failed", slog.Any("err", err))
		return
	}
	ws.SetReadLimit(maxMessageSize)

	release := s.metrics.RecordConnection(r.Context())
	defer release()

	c := &conn{ws: ws, srv: s, sampleRate: s.cfg.SampleRate}
	c.serve(r.Context())
}

// activeTurn tracks the in-flight turn of a connection. All fields are owned
// by the reader goroutine; done is closed by the turn goroutine.
type activeTurn struct {
	audio       chan []byte
	done        chan struct{}
	cancel      context.CancelFunc
	audioClosed bool
}

// conn is one client connection. The reader goroutine owns all mutable state
// except writeMu, which serializes outbound frames from the pipeline's text
// and audio goroutines.
type conn struct {
	ws         *websocket.Conn
	srv        *Server
	sess       *session.Session
	sampleRate int

	writeMu sync.Mutex

	turn          *activeTurn
	buffered      [][]byte
	bufferedBytes int
}

var _ gateway.Emitter = (*conn)(nil)

// SendFrame implements gateway.Emitter.
func (c *conn) SendFrame(ctx context.Context, frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// SendAudio implements gateway.Emitter.
func (c *conn) SendAudio(ctx context.Context, chunk []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageBinary, chunk)
}

// serve runs the connection: config handshake, session creation, then the
// frame loop.
func (c *conn) serve(ctx context.Context) {
	defer c.ws.Close(websocket.StatusNormalClosure, "")

	cfg, err := c.awaitConfig(ctx)
	if err != nil {
		c.ws.Close(StatusConfigTimeout, "Config timeout")
		return
	}

	language := cfg.Language
	if language == "" {
		language = c.srv.cfg.DefaultLanguage
	}
	if !c.srv.cfg.supports(language) {
		c.ws.Close(StatusUnsupportedLanguage, "Unsupported language: "+language)
		return
	}
	if cfg.SampleRate > 0 && cfg.SampleRate != c.sampleRate {
		c.srv.logger.Warn("client sample rate differs from configured input rate",
			slog.Int("client", cfg.SampleRate), slog.Int("configured", c.sampleRate))
	}
	if max := c.srv.cfg.MaxSessions; max > 0 && c.srv.store.Len() >= max {
		c.ws.Close(websocket.StatusTryAgainLater, "session limit reached")
		return
	}

	sess, err := c.srv.store.Create(ctx, language)
	if err != nil {
		c.ws.Close(StatusServerError, "session creation failed")
		return
	}
	c.sess = sess
	defer c.teardown()

	if err := c.SendFrame(ctx, gateway.SessionCreated(sess.ID(), language)); err != nil {
		return
	}
	c.srv.logger.Info("session started",
		slog.String("session_id", sess.ID()), slog.String("language", language))

	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		switch typ {
		case websocket.MessageBinary:
			c.handleAudio(ctx, data)
		case websocket.MessageText:
			c.handleControl(ctx, data)
		}
	}
}

// awaitConfig reads frames until the config frame arrives or the handshake
// deadline expires. Non-config frames before the handshake are dropped.
func (c *conn) awaitConfig(ctx context.Context) (clientFrame, error) {
	ctx, cancel := context.WithTimeout(ctx, c.srv.cfg.ConfigTimeout)
	defer cancel()
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return clientFrame{}, err
		}
		if typ != websocket.MessageText {
			continue
		}
		var f clientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		if f.Type == "config" {
			return f, nil
		}
	}
}

// handleAudio routes one binary chunk: into the live recognition stream while
// listening, into the bounded inter-turn buffer while a reply is playing, or
// into a fresh turn when the session is at rest.
func (c *conn) handleAudio(ctx context.Context, chunk []byte) {
	c.reapTurn()
	if c.turn != nil {
		if !c.turn.audioClosed && c.sess.State() == session.StateListening {
			// Dropping mid-utterance audio corrupts the transcript, so a full
			// queue blocks the reader until the recognition stream catches up.
			select {
			case c.turn.audio <- chunk:
			case <-c.turn.done:
			case <-ctx.Done():
			}
			return
		}
		c.bufferChunk(chunk)
		return
	}
	c.startTurn(ctx, "", chunk)
}

// handleControl dispatches one JSON control frame.
func (c *conn) handleControl(ctx context.Context, data []byte) {
	var f clientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		_ = c.SendFrame(ctx, gateway.ErrorFrame{
			Type: gateway.FrameError, Kind: "bad_frame", Message: "malformed control frame",
		})
		return
	}
	c.reapTurn()

	switch f.Type {
	case "ping":
		_ = c.SendFrame(ctx, gateway.PongFrame{Type: gateway.FramePong})

	case "end_of_utterance":
		if c.turn != nil && !c.turn.audioClosed {
			close(c.turn.audio)
			c.turn.audioClosed = true
		}

	case "text_input":
		if strings.TrimSpace(f.Text) == "" {
			return
		}
		if c.turn != nil {
			_ = c.SendFrame(ctx, gateway.ErrorFrame{
				Type: gateway.FrameError, Kind: "busy", Message: "turn already in progress",
			})
			return
		}
		c.startTurn(ctx, f.Text, nil)

	case "clear_history":
		c.sess.ClearHistory()
		c.srv.store.Save(ctx, c.sess)
		_ = c.SendFrame(ctx, gateway.HistoryClearedFrame{Type: gateway.FrameHistoryCleared})

	case "change_language":
		if !c.srv.cfg.supports(f.Language) {
			_ = c.SendFrame(ctx, gateway.ErrorFrame{
				Type:    gateway.FrameError,
				Kind:    string(gateway.KindUnsupportedLanguage),
				Message: "Unsupported language: " + f.Language,
			})
			return
		}
		c.sess.SetLanguage(f.Language)
		c.srv.store.Save(ctx, c.sess)
		_ = c.SendFrame(ctx, gateway.LanguageChangedFrame{
			Type: gateway.FrameLanguageChanged, Language: f.Language,
		})

	case "get_state":
		_ = c.SendFrame(ctx, gateway.StateFrame{Type: gateway.FrameState, Session: c.sess.Snapshot()})

	case "config":
		// One config per connection; repeats are ignored.

	default:
		_ = c.SendFrame(ctx, gateway.ErrorFrame{
			Type: gateway.FrameError, Kind: "bad_frame", Message: "unknown frame type: " + f.Type,
		})
	}
}

// startTurn launches the pipeline for a new turn, seeded with any audio
// buffered while the previous reply was playing.
func (c *conn) startTurn(ctx context.Context, text string, first []byte) {
	if err := c.sess.Transition(session.StateListening); err != nil {
		c.srv.logger.Warn("cannot start turn",
			slog.String("session_id", c.sess.ID()), slog.Any("err", err))
		return
	}

	audio := make(chan []byte, audioQueueDepth)
	for _, b := range c.buffered {
		select {
		case audio <- b:
		default:
		}
	}
	c.buffered, c.bufferedBytes = nil, 0
	if first != nil {
		select {
		case audio <- first:
		default:
		}
	}

	// The session record stays listening until the final transcript lands,
	// but the client sees the turn enter the recognition stage immediately.
	_ = c.SendFrame(ctx, gateway.Status(session.StateProcessing, "asr"))

	turnCtx, cancel := context.WithCancel(ctx)
	t := &activeTurn{audio: audio, done: make(chan struct{}), cancel: cancel}
	c.turn = t
	go func() {
		defer close(t.done)
		defer cancel()
		_, _ = c.srv.pipeline.RunTurn(turnCtx, c.sess, gateway.TurnInput{Audio: audio, Text: text}, c)
		c.srv.store.Save(context.WithoutCancel(turnCtx), c.sess)
	}()
}

// reapTurn observes a finished turn and releases its audio channel.
func (c *conn) reapTurn() {
	if c.turn == nil {
		return
	}
	select {
	case <-c.turn.done:
		if !c.turn.audioClosed {
			close(c.turn.audio)
		}
		c.turn = nil
	default:
	}
}

// bufferChunk retains audio arriving mid-reply for the next turn, dropping
// the oldest chunks past the bound.
func (c *conn) bufferChunk(chunk []byte) {
	limit := bufferSeconds * c.sampleRate * 2
	c.buffered = append(c.buffered, chunk)
	c.bufferedBytes += len(chunk)
	for c.bufferedBytes > limit && len(c.buffered) > 1 {
		c.bufferedBytes -= len(c.buffered[0])
		c.buffered = c.buffered[1:]
	}
}

// teardown cancels any in-flight turn, closes the session, and arms the
// grace-period removal.
func (c *conn) teardown() {
	if c.turn != nil {
		c.turn.cancel()
		if !c.turn.audioClosed {
			close(c.turn.audio)
			c.turn.audioClosed = true
		}
		<-c.turn.done
		c.turn = nil
	}
	_ = c.sess.Transition(session.StateClosed)
	ctx := context.Background()
	c.srv.store.Save(ctx, c.sess)
	c.srv.store.ScheduleRemoval(c.sess.ID())
	c.srv.logger.Info("session disconnected", slog.String("session_id", c.sess.ID()))
}
