package load

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"
)

const (
	// streamChunkSize is the binary frame size used when replaying audio.
	streamChunkSize = 4096

	// handshakeTimeout bounds dial plus the session_created exchange.
	handshakeTimeout = 10 * time.Second

	maxMessageSize = 1 << 20
)

// controlMsg is a client JSON frame.
type controlMsg struct {
	Type       string `json:"type"`
	Language   string `json:"language,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

// serverMsg is the envelope of every server JSON frame the harness cares
// about.
type serverMsg struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	IsFinal   bool   `json:"is_final"`
	State     string `json:"state"`
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
}

// worker simulates one user: a single connection replaying utterances in a
// think-time loop.
type worker struct {
	id        int
	cfg       *Config
	pool      *AudioPool
	collector *Collector
	logger    *slog.Logger
}

// run executes the worker loop until ctx ends or the request budget is
// spent. Transport failures end the worker; each failed turn is recorded.
func (w *worker) run(ctx context.Context) {
	conn, err := w.connect(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.collector.Add(Sample{Start: time.Now(), Err: "connect"})
			w.logger.Warn("worker connect failed", slog.Int("worker", w.id), slog.Any("err", err))
		}
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	for i := 0; ctx.Err() == nil; i++ {
		if n := w.cfg.Scenario.RequestsPerUser; n > 0 && i >= n {
			return
		}
		s := w.turn(ctx, conn)
		if ctx.Err() != nil {
			// Interrupted mid-turn; do not count it.
			return
		}
		w.collector.Add(s)
		if s.Err == "transport" {
			return
		}
		select {
		case <-time.After(w.cfg.Scenario.Think):
		case <-ctx.Done():
			return
		}
	}
}

// connect dials the gateway and completes the config handshake.
func (w *worker) connect(ctx context.Context) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, w.cfg.Target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", w.cfg.Target, err)
	}
	conn.SetReadLimit(maxMessageSize)

	cfgFrame, _ := json.Marshal(controlMsg{
		Type:       "config",
		Language:   w.cfg.Language,
		SampleRate: w.cfg.SampleRate,
	})
	if err := conn.Write(ctx, websocket.MessageText, cfgFrame); err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, fmt.Errorf("send config: %w", err)
	}

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			conn.Close(websocket.StatusInternalError, "")
			return nil, fmt.Errorf("await session: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		var m serverMsg
		if json.Unmarshal(data, &m) != nil {
			continue
		}
		if m.Type == "session_created" {
			return conn, nil
		}
		if m.Type == "error" {
			conn.Close(websocket.StatusNormalClosure, "")
			return nil, fmt.Errorf("handshake rejected: %s", m.Message)
		}
	}
}

// turn replays one utterance and reads the frame stream until the session
// returns to idle, stamping each stage boundary as it passes.
func (w *worker) turn(ctx context.Context, conn *websocket.Conn) Sample {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.TurnTimeout)
	defer cancel()

	s := Sample{Start: time.Now()}

	writeDone := make(chan error, 1)
	go func() {
		writeDone <- w.streamAudio(ctx, conn)
	}()
	defer func() { <-writeDone }()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				s.Err = "turn_timeout"
			} else {
				s.Err = "transport"
			}
			return s
		}
		now := time.Now()
		if typ == websocket.MessageBinary {
			if s.FirstAudio.IsZero() {
				s.FirstAudio = now
			}
			continue
		}
		var m serverMsg
		if json.Unmarshal(data, &m) != nil {
			continue
		}
		switch m.Type {
		case "transcript":
			if m.IsFinal {
				s.FinalTranscript = now
			} else if s.FirstInterim.IsZero() {
				s.FirstInterim = now
			}
		case "response_text":
			if m.IsFinal {
				s.LastToken = now
			} else if s.FirstToken.IsZero() {
				s.FirstToken = now
			}
		case "error":
			s.Err = m.Kind
			if s.Err == "" {
				s.Err = "error"
			}
		case "status":
			if m.State == "idle" {
				s.End = now
				return s
			}
		}
	}
}

// streamAudio replays one utterance at real-time pacing and signals end of
// utterance.
func (w *worker) streamAudio(ctx context.Context, conn *websocket.Conn) error {
	audio := w.pool.Next()
	for off := 0; off < len(audio); off += streamChunkSize {
		end := off + streamChunkSize
		if end > len(audio) {
			end = len(audio)
		}
		chunk := audio[off:end]
		if err := conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
			return err
		}
		select {
		case <-time.After(chunkDuration(len(chunk), w.cfg.SampleRate)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	eou, _ := json.Marshal(controlMsg{Type: "end_of_utterance"})
	return conn.Write(ctx, websocket.MessageText, eou)
}
