package gateway

import (
	"context"

	"github.com/vaanilabs/vaani/internal/session"
)

// Server-to-client JSON frame types. Binary WebSocket frames carry raw PCM
// audio and have no JSON envelope.
const (
	FrameSessionCreated  = "session_created"
	FrameTranscript      = "transcript"
	FrameResponseText    = "response_text"
	FrameStatus          = "status"
	FrameError           = "error"
	FramePong            = "pong"
	FrameHistoryCleared  = "history_cleared"
	FrameLanguageChanged = "language_changed"
	FrameState           = "state"
)

// SessionCreatedFrame is the first frame of every connection, sent after the
// client's config frame has been accepted.
type SessionCreatedFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Language  string `json:"language"`
}

// TranscriptFrame carries recognition output. Interim transcripts may be
// revised by later frames; a frame with IsFinal set commits the utterance.
type TranscriptFrame struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// ResponseTextFrame carries one streamed fragment of the assistant reply. The
// closing frame has IsFinal set and empty text.
type ResponseTextFrame struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// StatusFrame announces a session state change. Stage names the pipeline
// stage currently running, when one is.
type StatusFrame struct {
	Type  string `json:"type"`
	State string `json:"state"`
	Stage string `json:"stage,omitempty"`
}

// ErrorFrame reports a turn failure. Message is sanitized; provider detail
// stays in the logs.
type ErrorFrame struct {
	Type    string `json:"type"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// PongFrame answers a ping control frame.
type PongFrame struct {
	Type string `json:"type"`
}

// HistoryClearedFrame confirms a clear_history control frame.
type HistoryClearedFrame struct {
	Type string `json:"type"`
}

// LanguageChangedFrame confirms a change_language control frame.
type LanguageChangedFrame struct {
	Type     string `json:"type"`
	Language string `json:"language"`
}

// StateFrame answers a get_state control frame with a session snapshot.
type StateFrame struct {
	Type    string           `json:"type"`
	Session session.Snapshot `json:"session"`
}

// SessionCreated builds the connection-opening frame.
func SessionCreated(id, language string) SessionCreatedFrame {
	return SessionCreatedFrame{Type: FrameSessionCreated, SessionID: id, Language: language}
}

// Transcript builds a recognition output frame.
func Transcript(text string, isFinal bool) TranscriptFrame {
	return TranscriptFrame{Type: FrameTranscript, Text: text, IsFinal: isFinal}
}

// ResponseText builds a reply fragment frame.
func ResponseText(text string, isFinal bool) ResponseTextFrame {
	return ResponseTextFrame{Type: FrameResponseText, Text: text, IsFinal: isFinal}
}

// Status builds a state-change frame.
func Status(state session.State, stage string) StatusFrame {
	return StatusFrame{Type: FrameStatus, State: string(state), Stage: stage}
}

// Error builds a sanitized error frame from a classified turn failure.
func Error(te *TurnError) ErrorFrame {
	return ErrorFrame{Type: FrameError, Kind: string(te.Kind), Message: te.Message()}
}

// Emitter is the transport half of a turn: the pipeline pushes frames and
// audio through it without knowing about WebSockets. Implementations must be
// safe for concurrent use; reply text and reply audio are produced by
// different goroutines.
type Emitter interface {
	// SendFrame delivers one JSON frame to the client.
	SendFrame(ctx context.Context, frame any) error

	// SendAudio delivers one binary PCM chunk to the client.
	SendAudio(ctx context.Context, chunk []byte) error
}
