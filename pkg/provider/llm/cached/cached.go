// Package cached wraps an llm.Provider with a Redis-backed response cache.
//
// The cache key is derived from the full message list, so two requests with
// identical conversations (same system prompt, same history, same user turn)
// hit the same entry. Cache-served responses carry FinishReason "cached" and
// a zero completion-token count. Redis failures on read or write degrade
// silently to the wrapped provider so a cache outage never breaks a turn.
package cached

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vaanilabs/vaani/pkg/provider/llm"
)

const (
	// keyPrefix namespaces cache entries in a Redis database shared with the
	// session store.
	keyPrefix = "llm_cache:"

	// keyHashLen is the number of hex characters of the SHA-256 digest kept in
	// the cache key.
	keyHashLen = 16

	defaultTTL = time.Hour
)

// Option is a functional option for configuring the cached Provider.
type Option func(*Provider)

// WithTTL sets the cache entry lifetime. Default is one hour.
func WithTTL(ttl time.Duration) Option {
	return func(p *Provider) {
		p.ttl = ttl
	}
}

// WithLogger sets the logger used for cache diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		p.logger = logger
	}
}

// Provider decorates an llm.Provider with response caching.
type Provider struct {
	inner  llm.Provider
	client redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

// New creates a caching decorator around inner. client may be nil, in which
// case every request passes straight through.
func New(inner llm.Provider, client redis.UniversalClient, opts ...Option) *Provider {
	p := &Provider{
		inner:  inner,
		client: client,
		ttl:    defaultTTL,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Compile-time assertion that Provider satisfies the llm.Provider interface.
var _ llm.Provider = (*Provider)(nil)

// StreamCompletion implements llm.Provider. A cache hit is replayed as a
// single text chunk followed by a "cached" finish chunk; a miss streams from
// the wrapped provider and stores the accumulated reply on clean completion.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	key := cacheKey(req.Messages)

	if text, ok := p.lookup(ctx, key); ok {
		ch := make(chan llm.Chunk, 2)
		ch <- llm.Chunk{Text: text}
		ch <- llm.Chunk{FinishReason: "cached"}
		close(ch)
		return ch, nil
	}

	inner, err := p.inner.StreamCompletion(ctx, req)
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)
		var full []byte
		clean := false
		for chunk := range inner {
			full = append(full, chunk.Text...)
			if chunk.FinishReason == "stop" {
				clean = true
			}
			select {
			case ch <- chunk:
			case <-ctx.Done():
				go drain(inner)
				return
			}
		}
		if clean && len(full) > 0 {
			p.store(ctx, key, string(full))
		}
	}()
	return ch, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	key := cacheKey(req.Messages)

	if text, ok := p.lookup(ctx, key); ok {
		return &llm.CompletionResponse{
			Content:      text,
			FinishReason: "cached",
		}, nil
	}

	resp, err := p.inner.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.FinishReason == "stop" && resp.Content != "" {
		p.store(ctx, key, resp.Content)
	}
	return resp, nil
}

// lookup reads a cache entry. Any Redis error is treated as a miss.
func (p *Provider) lookup(ctx context.Context, key string) (string, bool) {
	if p.client == nil {
		return "", false
	}
	text, err := p.client.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			p.logger.Debug("llm cache read failed", "err", err)
		}
		return "", false
	}
	return text, true
}

// store writes a cache entry. Failures are logged and ignored.
func (p *Provider) store(ctx context.Context, key, text string) {
	if p.client == nil {
		return
	}
	if err := p.client.Set(ctx, key, text, p.ttl).Err(); err != nil {
		p.logger.Debug("llm cache write failed", "err", err)
	}
}

// cacheKey derives the cache key from the canonical JSON encoding of the
// message list: the first 16 hex characters of its SHA-256 digest.
func cacheKey(messages []llm.Message) string {
	canonical, _ := json.Marshal(messages)
	sum := sha256.Sum256(canonical)
	return keyPrefix + hex.EncodeToString(sum[:])[:keyHashLen]
}

// drain discards remaining chunks so the wrapped provider's goroutine exits.
func drain(ch <-chan llm.Chunk) {
	for range ch {
	}
}
