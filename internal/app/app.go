// Package app wires all Vaani subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context is cancelled, and Shutdown tears
// everything down in order.
//
// For testing, inject mock providers via functional options (WithASRProvider,
// WithLLMProvider, WithTTSProvider). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vaanilabs/vaani/internal/config"
	"github.com/vaanilabs/vaani/internal/gateway"
	"github.com/vaanilabs/vaani/internal/observe"
	"github.com/vaanilabs/vaani/internal/resilience"
	"github.com/vaanilabs/vaani/internal/server"
	"github.com/vaanilabs/vaani/internal/session"
	"github.com/vaanilabs/vaani/pkg/provider/asr"
	asrmock "github.com/vaanilabs/vaani/pkg/provider/asr/mock"
	asrriva "github.com/vaanilabs/vaani/pkg/provider/asr/riva"
	"github.com/vaanilabs/vaani/pkg/provider/llm"
	"github.com/vaanilabs/vaani/pkg/provider/llm/cached"
	llmmock "github.com/vaanilabs/vaani/pkg/provider/llm/mock"
	llmopenai "github.com/vaanilabs/vaani/pkg/provider/llm/openai"
	"github.com/vaanilabs/vaani/pkg/provider/pool"
	"github.com/vaanilabs/vaani/pkg/provider/tts"
	ttsmock "github.com/vaanilabs/vaani/pkg/provider/tts/mock"
	ttsriva "github.com/vaanilabs/vaani/pkg/provider/tts/riva"
)

// readHeaderTimeout bounds the HTTP header read on every connection.
const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes and serves the voice gateway.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observe.Metrics

	redis    redis.UniversalClient
	store    *session.Store
	asrPool  *pool.Pool[asr.Provider]
	llmPool  *pool.Pool[llm.Provider]
	ttsPool  *pool.Pool[tts.Provider]
	pipeline *gateway.Pipeline
	httpSrv  *http.Server
	breakers map[string]*resilience.Breaker

	// injected test doubles; nil means build from config
	asrProvider asr.Provider
	llmProvider llm.Provider
	ttsProvider tts.Provider

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLogger sets the application logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithMetrics injects a metrics instance instead of the global default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithRedisClient injects a Redis client instead of dialing from config.
func WithRedisClient(c redis.UniversalClient) Option {
	return func(a *App) { a.redis = c }
}

// WithASRProvider injects a recognizer instead of creating one from config.
func WithASRProvider(p asr.Provider) Option {
	return func(a *App) { a.asrProvider = p }
}

// WithLLMProvider injects a language model instead of creating one from
// config. The injected provider is used as-is, without the cache decorator.
func WithLLMProvider(p llm.Provider) Option {
	return func(a *App) { a.llmProvider = p }
}

// WithTTSProvider injects a synthesizer instead of creating one from config.
func WithTTSProvider(p tts.Provider) Option {
	return func(a *App) { a.ttsProvider = p }
}

// New creates an App by wiring all subsystems together: telemetry, Redis,
// the session store, provider pools, the turn pipeline, and the HTTP server.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	if a.metrics == nil {
		shutdownOTel, err := observe.Init(observe.Options{})
		if err != nil {
			return nil, fmt.Errorf("app: init telemetry: %w", err)
		}
		a.closers = append(a.closers, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return shutdownOTel(ctx)
		})
		a.metrics = observe.DefaultMetrics()
	}

	// ── 2. Redis ─────────────────────────────────────────────────────────
	a.initRedis(ctx)

	// ── 3. Session store ─────────────────────────────────────────────────
	a.store = session.NewStore(a.redis,
		session.WithTTL(cfg.Session.TTL),
		session.WithGrace(cfg.Session.Grace),
		session.WithMaxTurns(cfg.LLM.MaxHistoryTurns),
		session.WithLogger(a.logger),
	)
	a.closers = append(a.closers, a.store.Close)

	// ── 4. Provider pools ────────────────────────────────────────────────
	if err := a.initPools(ctx); err != nil {
		return nil, err
	}

	// ── 5. Pipeline ──────────────────────────────────────────────────────
	a.pipeline = gateway.New(a.asrPool, a.llmPool, a.ttsPool, gateway.Config{
		ASRSampleRate:       cfg.ASR.SampleRate,
		ASRTimeout:          cfg.ASR.Timeout,
		LLMTimeout:          cfg.LLM.Timeout,
		TTSTimeout:          cfg.TTS.Timeout,
		MaxTokens:           cfg.LLM.MaxTokens,
		Temperature:         cfg.LLM.Temperature,
		TopP:                cfg.LLM.TopP,
		FrequencyPenalty:    cfg.LLM.FrequencyPenalty,
		PresencePenalty:     cfg.LLM.PresencePenalty,
		SystemPromptHindi:   cfg.LLM.SystemPromptHindi,
		SystemPromptEnglish: cfg.LLM.SystemPromptEnglish,
		TTSVoice:            cfg.TTS.Voice,
		TTSSampleRate:       cfg.TTS.SampleRate,
		TTSChunkSize:        cfg.TTS.ChunkSize,
	}, gateway.WithMetrics(a.metrics), gateway.WithLogger(a.logger))

	// ── 6. HTTP server ───────────────────────────────────────────────────
	srv := server.New(a.store, a.pipeline, server.Config{
		ConfigTimeout:      cfg.Server.ConfigTimeout,
		MaxSessions:        cfg.Server.MaxSessions,
		DefaultLanguage:    cfg.Language.Default,
		SupportedLanguages: cfg.Language.Supported,
		SampleRate:         cfg.ASR.SampleRate,
	}, server.WithMetrics(a.metrics), server.WithLogger(a.logger))
	a.httpSrv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return a, nil
}

// initRedis dials the shared Redis instance. A missing host or failed ping
// degrades to in-process-only operation rather than failing startup.
func (a *App) initRedis(ctx context.Context) {
	if a.redis != nil {
		return
	}
	addr := a.cfg.Redis.Addr()
	if addr == "" {
		a.logger.Info("redis disabled, running in-process only")
		return
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		a.logger.Warn("redis unreachable at startup, continuing degraded",
			slog.String("addr", addr), slog.Any("err", err))
	}
	a.redis = client
	a.closers = append(a.closers, client.Close)
}

// initPools builds and pre-fills the per-stage provider pools.
func (a *App) initPools(ctx context.Context) error {
	// One breaker per stage, shared by every pool entry of that stage.
	a.breakers = map[string]*resilience.Breaker{}
	for _, name := range []string{"asr", "llm", "tts"} {
		a.breakers[name] = resilience.NewBreaker(
			resilience.Config{Name: name},
			resilience.WithLogger(a.logger),
		)
	}

	a.asrPool = pool.New(a.cfg.ASR.PoolSize, a.asrFactory(), nil)
	a.llmPool = pool.New(a.cfg.LLM.PoolSize, a.llmFactory(), nil)
	a.ttsPool = pool.New(a.cfg.TTS.PoolSize, a.ttsFactory(), nil)

	if err := a.asrPool.Initialize(ctx); err != nil {
		return fmt.Errorf("app: init asr pool: %w", err)
	}
	a.closers = append(a.closers, a.asrPool.Close)
	if err := a.llmPool.Initialize(ctx); err != nil {
		return fmt.Errorf("app: init llm pool: %w", err)
	}
	a.closers = append(a.closers, a.llmPool.Close)
	if err := a.ttsPool.Initialize(ctx); err != nil {
		return fmt.Errorf("app: init tts pool: %w", err)
	}
	a.closers = append(a.closers, a.ttsPool.Close)
	return nil
}

// asrFactory returns the pool factory for the configured recognizer backend.
func (a *App) asrFactory() pool.Factory[asr.Provider] {
	if a.asrProvider != nil {
		return func(context.Context) (asr.Provider, error) { return a.asrProvider, nil }
	}
	cfg := a.cfg
	switch cfg.ASR.Backend {
	case config.BackendMock:
		return func(context.Context) (asr.Provider, error) {
			return &asrmock.Provider{FinalTranscript: "hello"}, nil
		}
	default:
		return func(context.Context) (asr.Provider, error) {
			p, err := asrriva.New(cfg.ASR.Endpoint,
				asrriva.WithLanguage(cfg.Language.Default),
				asrriva.WithSampleRate(cfg.ASR.SampleRate),
			)
			if err != nil {
				return nil, err
			}
			return resilience.NewASRProvider(p, a.breaker("asr")), nil
		}
	}
}

// llmFactory returns the pool factory for the configured model backend,
// wrapping real backends in the response cache when enabled.
func (a *App) llmFactory() pool.Factory[llm.Provider] {
	if a.llmProvider != nil {
		return func(context.Context) (llm.Provider, error) { return a.llmProvider, nil }
	}
	cfg := a.cfg
	build := func() (llm.Provider, error) {
		if cfg.LLM.Backend == config.BackendMock {
			return &llmmock.Provider{
				StreamChunks: []llm.Chunk{
					{Text: "This is a mock reply."},
					{FinishReason: "stop"},
				},
			}, nil
		}
		p, err := llmopenai.New(cfg.LLM.APIKey, cfg.LLM.Model,
			llmopenai.WithBaseURL(cfg.LLM.BaseURL),
			llmopenai.WithTimeout(cfg.LLM.Timeout),
		)
		if err != nil {
			return nil, err
		}
		// Breaker inside the cache: cache hits must not depend on backend
		// health, and cache lookups must not count against it.
		return resilience.NewLLMProvider(p, a.breaker("llm")), nil
	}
	return func(context.Context) (llm.Provider, error) {
		inner, err := build()
		if err != nil {
			return nil, err
		}
		if !cfg.LLM.CacheEnabled {
			return inner, nil
		}
		return cached.New(inner, a.redis,
			cached.WithTTL(cfg.LLM.CacheTTL),
			cached.WithLogger(a.logger),
		), nil
	}
}

// ttsFactory returns the pool factory for the configured synthesizer backend.
func (a *App) ttsFactory() pool.Factory[tts.Provider] {
	if a.ttsProvider != nil {
		return func(context.Context) (tts.Provider, error) { return a.ttsProvider, nil }
	}
	cfg := a.cfg
	switch cfg.TTS.Backend {
	case config.BackendMock:
		return func(context.Context) (tts.Provider, error) {
			return &ttsmock.Provider{}, nil
		}
	default:
		return func(context.Context) (tts.Provider, error) {
			p, err := ttsriva.New(cfg.TTS.Endpoint,
				ttsriva.WithLanguage(cfg.Language.Default),
				ttsriva.WithSampleRate(cfg.TTS.SampleRate),
				ttsriva.WithChunkSize(cfg.TTS.ChunkSize),
			)
			if err != nil {
				return nil, err
			}
			return resilience.NewTTSProvider(p, a.breaker("tts")), nil
		}
	}
}

// breaker returns the shared circuit breaker for one provider stage. Pooled
// providers of the same stage share a breaker, so failures seen by any pool
// entry trip the stage as a whole.
func (a *App) breaker(name string) *resilience.Breaker {
	return a.breakers[name]
}

// Run serves until ctx is cancelled, then drains connections within the
// shutdown grace period. Live WebSocket streams that outlast the grace are
// cut hard.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("gateway listening", slog.String("addr", a.httpSrv.Addr))
		if err := a.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("draining connections",
		slog.Duration("grace", a.cfg.Server.ShutdownGrace))
	drainCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownGrace)
	defer cancel()
	if err := a.httpSrv.Shutdown(drainCtx); err != nil {
		a.logger.Warn("drain incomplete, closing remaining connections", slog.Any("err", err))
	}
	// Shutdown does not cover hijacked WebSocket connections.
	_ = a.httpSrv.Close()
	return nil
}

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down", slog.Int("closers", len(a.closers)))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.logger.Warn("shutdown deadline exceeded",
					slog.Int("remaining", len(a.closers)-i))
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.logger.Warn("closer error", slog.Int("index", i), slog.Any("err", err))
			}
		}
		a.logger.Info("shutdown complete")
	})
	return shutdownErr
}
