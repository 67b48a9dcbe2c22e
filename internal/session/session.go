// Package session holds the per-conversation state of the gateway: the
// Session type with its lifecycle state machine and bounded history, and the
// two-tier Store that owns all live sessions.
package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vaanilabs/vaani/pkg/provider/llm"
)

// State is the lifecycle state of a Session.
type State string

const (
	StateInitialized State = "initialized"
	StateListening   State = "listening"
	StateProcessing  State = "processing"
	StateSpeaking    State = "speaking"
	StateIdle        State = "idle"
	StateClosed      State = "closed"
)

// DefaultMaxTurns bounds the conversation history to the most recent
// N user+assistant pairs.
const DefaultMaxTurns = 10

// transitions lists the legal successor states. Within a turn the state only
// moves forward (processing never returns to listening before idle); closed
// is reachable from everywhere and terminal.
var transitions = map[State][]State{
	StateInitialized: {StateListening, StateClosed},
	StateListening:   {StateProcessing, StateClosed},
	StateProcessing:  {StateSpeaking, StateIdle, StateClosed},
	StateSpeaking:    {StateIdle, StateClosed},
	StateIdle:        {StateListening, StateClosed},
	StateClosed:      {},
}

// Session is one client conversation. All methods are safe for concurrent
// use, though history mutation is expected only from the single owning
// connection handler.
type Session struct {
	mu sync.Mutex

	id           string
	language     string
	state        State
	history      []llm.Message
	maxTurns     int
	createdAt    time.Time
	lastActivity time.Time
}

// NewSession creates a Session in StateInitialized with a fresh UUID.
// maxTurns <= 0 falls back to DefaultMaxTurns.
func NewSession(language string, maxTurns int) *Session {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	now := time.Now()
	return &Session{
		id:           uuid.NewString(),
		language:     language,
		state:        StateInitialized,
		maxTurns:     maxTurns,
		createdAt:    now,
		lastActivity: now,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Language returns the session's current BCP-47 language tag.
func (s *Session) Language() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.language
}

// SetLanguage updates the session language. The caller is responsible for
// validating the code against the supported set.
func (s *Session) SetLanguage(code string) {
	s.mu.Lock()
	s.language = code
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transition moves the session to state to, enforcing the legal transition
// set. Transitioning to the current state is a no-op. Returns an error when
// the move is illegal; the state is left unchanged.
func (s *Session) Transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == to {
		return nil
	}
	for _, legal := range transitions[s.state] {
		if legal == to {
			s.state = to
			s.lastActivity = time.Now()
			return nil
		}
	}
	return fmt.Errorf("session %s: illegal transition %s -> %s", s.id, s.state, to)
}

// AppendUser appends a user message to the history and truncates to the
// bound.
func (s *Session) AppendUser(text string) {
	s.append(llm.Message{Role: "user", Content: text})
}

// AppendAssistant appends an assistant message to the history and truncates
// to the bound.
func (s *Session) AppendAssistant(text string) {
	s.append(llm.Message{Role: "assistant", Content: text})
}

func (s *Session) append(m llm.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, m)
	// Keep the most recent maxTurns user+assistant pairs.
	if bound := s.maxTurns * 2; len(s.history) > bound {
		s.history = append(s.history[:0:0], s.history[len(s.history)-bound:]...)
	}
	s.lastActivity = time.Now()
}

// History returns a copy of the conversation history, oldest first.
func (s *Session) History() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Message, len(s.history))
	copy(out, s.history)
	return out
}

// ClearHistory empties the conversation history.
func (s *Session) ClearHistory() {
	s.mu.Lock()
	s.history = nil
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Touch advances the last-activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the last-activity timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Snapshot is a serializable view of a Session, used for the get_state
// control reply, the admin endpoint, and the Redis tier.
type Snapshot struct {
	SessionID     string        `json:"session_id"`
	Language      string        `json:"language"`
	State         State         `json:"state"`
	History       []llm.Message `json:"history,omitempty"`
	HistoryLength int           `json:"history_length"`
	CreatedAt     time.Time     `json:"created_at"`
	LastActivity  time.Time     `json:"last_activity"`
}

// Snapshot returns a point-in-time copy of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := make([]llm.Message, len(s.history))
	copy(history, s.history)
	return Snapshot{
		SessionID:     s.id,
		Language:      s.language,
		State:         s.state,
		History:       history,
		HistoryLength: len(history),
		CreatedAt:     s.createdAt,
		LastActivity:  s.lastActivity,
	}
}

// MarshalJSON serializes the session as its Snapshot.
func (s *Session) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Snapshot())
}

// fromSnapshot rebuilds a Session from a persisted Snapshot. Used when
// rehydrating from the cache tier.
func fromSnapshot(snap Snapshot, maxTurns int) *Session {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	history := make([]llm.Message, len(snap.History))
	copy(history, snap.History)
	state := snap.State
	if state == "" {
		state = StateIdle
	}
	return &Session{
		id:           snap.SessionID,
		language:     snap.Language,
		state:        state,
		history:      history,
		maxTurns:     maxTurns,
		createdAt:    snap.CreatedAt,
		lastActivity: snap.LastActivity,
	}
}
