package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// keyPrefix namespaces session records in Redis.
	keyPrefix = "session:"

	// DefaultTTL is the cache-tier lifetime of a session record.
	DefaultTTL = time.Hour

	// DefaultGrace is the delay between a connection closing and its session
	// being removed from both tiers. A session accessed during the grace
	// period survives.
	DefaultGrace = 5 * time.Minute
)

// StoreOption is a functional option for configuring a Store.
type StoreOption func(*Store)

// WithTTL sets the cache-tier record lifetime. Default one hour.
func WithTTL(ttl time.Duration) StoreOption {
	return func(s *Store) { s.ttl = ttl }
}

// WithGrace sets the deferred-removal delay. Default five minutes.
func WithGrace(d time.Duration) StoreOption {
	return func(s *Store) { s.grace = d }
}

// WithMaxTurns sets the history bound applied to created and rehydrated
// sessions.
func WithMaxTurns(n int) StoreOption {
	return func(s *Store) { s.maxTurns = n }
}

// WithLogger sets the logger used for store diagnostics.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = logger }
}

// Store owns all live sessions. It is a two-tier structure: an in-process map
// authoritative for locally connected sessions, and an optional write-through
// Redis tier with TTL for cross-instance lookup. All methods are safe for
// concurrent use.
type Store struct {
	client   redis.UniversalClient // nil = in-process only
	ttl      time.Duration
	grace    time.Duration
	maxTurns int
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	reapers  map[string]*time.Timer
	closed   bool
}

// NewStore creates a Store. client may be nil, degrading to the in-process
// tier only.
func NewStore(client redis.UniversalClient, opts ...StoreOption) *Store {
	s := &Store{
		client:   client,
		ttl:      DefaultTTL,
		grace:    DefaultGrace,
		maxTurns: DefaultMaxTurns,
		logger:   slog.Default(),
		sessions: make(map[string]*Session),
		reapers:  make(map[string]*time.Timer),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create makes a new Session in the given language and writes it to both
// tiers.
func (s *Store) Create(ctx context.Context, language string) (*Session, error) {
	sess := NewSession(language, s.maxTurns)

	s.mu.Lock()
	s.sessions[sess.ID()] = sess
	s.mu.Unlock()

	s.writeThrough(ctx, sess)
	return sess, nil
}

// Get looks a session up by id: in-process first, then the cache tier. A
// cache hit is rehydrated into the in-process map. Any access cancels a
// pending deferred removal.
func (s *Store) Get(ctx context.Context, id string) (*Session, bool) {
	s.mu.Lock()
	if t, ok := s.reapers[id]; ok {
		t.Stop()
		delete(s.reapers, id)
	}
	if sess, ok := s.sessions[id]; ok {
		s.mu.Unlock()
		sess.Touch()
		return sess, true
	}
	s.mu.Unlock()

	if s.client == nil {
		return nil, false
	}
	data, err := s.client.Get(ctx, keyPrefix+id).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.logger.Debug("session cache read failed", "session_id", id, "err", err)
		}
		return nil, false
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.logger.Warn("corrupt session record dropped", "session_id", id, "err", err)
		return nil, false
	}

	sess := fromSnapshot(snap, s.maxTurns)
	sess.Touch()

	s.mu.Lock()
	// Another handler may have rehydrated concurrently; keep the first.
	if existing, ok := s.sessions[id]; ok {
		s.mu.Unlock()
		return existing, true
	}
	s.sessions[id] = sess
	s.mu.Unlock()
	return sess, true
}

// Save writes the session's current snapshot through to the cache tier.
// Called after each completed turn and on state-affecting control messages.
func (s *Store) Save(ctx context.Context, sess *Session) {
	s.writeThrough(ctx, sess)
}

// Delete removes the session from both tiers immediately.
func (s *Store) Delete(ctx context.Context, id string) {
	s.mu.Lock()
	if t, ok := s.reapers[id]; ok {
		t.Stop()
		delete(s.reapers, id)
	}
	delete(s.sessions, id)
	s.mu.Unlock()

	if s.client != nil {
		if err := s.client.Del(ctx, keyPrefix+id).Err(); err != nil {
			s.logger.Debug("session cache delete failed", "session_id", id, "err", err)
		}
	}
}

// ScheduleRemoval arms the grace timer for a session whose connection has
// closed. When the timer fires the session is removed from both tiers; any
// Get during the grace period disarms it.
func (s *Store) ScheduleRemoval(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t, ok := s.reapers[id]; ok {
		t.Stop()
	}
	s.reapers[id] = time.AfterFunc(s.grace, func() {
		s.logger.Debug("session expired after grace period", "session_id", id)
		s.Delete(context.Background(), id)
	})
}

// Len returns the number of sessions in the in-process tier.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Ping reports whether the cache tier is reachable. A store without a cache
// tier is always ready.
func (s *Store) Ping(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Ping(ctx).Err()
}

// Close stops all pending removal timers. It does not touch the cache tier;
// records there age out via TTL.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.reapers {
		t.Stop()
		delete(s.reapers, id)
	}
	return nil
}

// writeThrough serializes the session into the cache tier. Failures are
// logged and ignored; the in-process tier stays authoritative.
func (s *Store) writeThrough(ctx context.Context, sess *Session) {
	if s.client == nil {
		return
	}
	data, err := json.Marshal(sess.Snapshot())
	if err != nil {
		s.logger.Warn("session snapshot marshal failed", "session_id", sess.ID(), "err", err)
		return
	}
	if err := s.client.Set(ctx, keyPrefix+sess.ID(), data, s.ttl).Err(); err != nil {
		s.logger.Debug("session cache write failed", "session_id", sess.ID(), "err", err)
	}
}
