// Package config provides the configuration schema and loader for the Vaani
// voice gateway.
//
// Configuration is read from a YAML file and then overlaid with environment
// variables (GATEWAY_, LLM_, RIVA_, REDIS_ prefixes), so container
// deployments can run without a config file at all.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"
)

// LogLevel controls log verbosity for the gateway.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to a slog.Level. Unrecognised values map to Info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Backend selects a provider implementation for a pipeline stage.
type Backend string

const (
	// BackendRiva speaks to a Riva-compatible recognizer/synthesizer.
	BackendRiva Backend = "riva"

	// BackendOpenAI speaks to an OpenAI-compatible chat-completion endpoint.
	BackendOpenAI Backend = "openai"

	// BackendMock is a self-contained in-process stand-in, used by tests and
	// for running the gateway without live engines.
	BackendMock Backend = "mock"
)

// Config is the root configuration structure for the gateway.
// It is typically produced by [Load] or [Default].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	ASR      ASRConfig      `yaml:"asr"`
	LLM      LLMConfig      `yaml:"llm"`
	TTS      TTSConfig      `yaml:"tts"`
	Redis    RedisConfig    `yaml:"redis"`
	Session  SessionConfig  `yaml:"session"`
	Language LanguageConfig `yaml:"language"`
}

// ServerConfig holds network, lifecycle, and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8000").
	// Serves both /ws/voice and the admin surface.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// ConfigTimeout is how long a new connection may take to send its config
	// frame before being closed.
	ConfigTimeout time.Duration `yaml:"config_timeout"`

	// ShutdownGrace is how long active turns get to finish on SIGTERM before
	// their handlers are cancelled.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	// MaxSessions caps concurrently live sessions. Zero means unlimited.
	MaxSessions int `yaml:"max_sessions"`
}

// ASRConfig configures the speech-recognition stage.
type ASRConfig struct {
	// Backend selects the recognizer implementation: riva or mock.
	Backend Backend `yaml:"backend"`

	// Endpoint is the WebSocket URL of the Riva-compatible recognizer.
	Endpoint string `yaml:"endpoint"`

	// SampleRate is the expected input sample rate in Hz.
	SampleRate int `yaml:"sample_rate"`

	// PoolSize is the number of pre-established recognizer channels.
	PoolSize int `yaml:"pool_size"`

	// Timeout bounds one recognition stream.
	Timeout time.Duration `yaml:"timeout"`
}

// LLMConfig configures the language-model stage.
type LLMConfig struct {
	// Backend selects the LLM implementation: openai or mock.
	Backend Backend `yaml:"backend"`

	// BaseURL is the OpenAI-compatible endpoint
	// (e.g., "http://nim-llm:8000/v1").
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates against the endpoint. May be empty for in-cluster
	// deployments.
	APIKey string `yaml:"api_key"`

	// Model is the model identifier sent with every request.
	Model string `yaml:"model"`

	// MaxTokens caps completion length.
	MaxTokens int `yaml:"max_tokens"`

	// Temperature, TopP, FrequencyPenalty, and PresencePenalty are the
	// generation parameters forwarded verbatim.
	Temperature      float64 `yaml:"temperature"`
	TopP             float64 `yaml:"top_p"`
	FrequencyPenalty float64 `yaml:"frequency_penalty"`
	PresencePenalty  float64 `yaml:"presence_penalty"`

	// PoolSize is the number of pre-established completion clients.
	PoolSize int `yaml:"pool_size"`

	// Timeout bounds one completion request.
	Timeout time.Duration `yaml:"timeout"`

	// MaxHistoryTurns bounds conversation history to the most recent N
	// user+assistant pairs.
	MaxHistoryTurns int `yaml:"max_history_turns"`

	// SystemPromptHindi and SystemPromptEnglish are the per-language system
	// prompts, selected by the session language prefix.
	SystemPromptHindi   string `yaml:"system_prompt_hindi"`
	SystemPromptEnglish string `yaml:"system_prompt_english"`

	// CacheEnabled turns the Redis response cache on.
	CacheEnabled bool `yaml:"cache_enabled"`

	// CacheTTL is the response cache entry lifetime.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// TTSConfig configures the speech-synthesis stage.
type TTSConfig struct {
	// Backend selects the synthesizer implementation: riva or mock.
	Backend Backend `yaml:"backend"`

	// Endpoint is the WebSocket URL of the Riva-compatible synthesizer.
	Endpoint string `yaml:"endpoint"`

	// Voice names the voice profile. Empty selects the backend default for
	// the language.
	Voice string `yaml:"voice"`

	// SampleRate is the output sample rate in Hz.
	SampleRate int `yaml:"sample_rate"`

	// ChunkSize is the emitted audio chunk size in bytes.
	ChunkSize int `yaml:"chunk_size"`

	// PoolSize is the number of pre-established synthesizer channels.
	PoolSize int `yaml:"pool_size"`

	// Timeout bounds one synthesis stream.
	Timeout time.Duration `yaml:"timeout"`
}

// RedisConfig configures the shared Redis instance used by the session store
// and the LLM response cache. An empty Host disables Redis entirely.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
}

// Addr returns the host:port dial address, or "" when Redis is disabled.
func (r RedisConfig) Addr() string {
	if r.Host == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// SessionConfig configures session lifetimes.
type SessionConfig struct {
	// TTL is the cache-tier session record lifetime.
	TTL time.Duration `yaml:"ttl"`

	// Grace is the delay between connection close and session removal.
	Grace time.Duration `yaml:"grace"`
}

// LanguageConfig holds the supported language set.
type LanguageConfig struct {
	// Default is the BCP-47 tag assumed when a config frame omits language.
	Default string `yaml:"default"`

	// Supported lists the accepted BCP-47 tags.
	Supported []string `yaml:"supported"`
}

// Supports reports whether code is in the supported set.
func (l LanguageConfig) Supports(code string) bool {
	return slices.Contains(l.Supported, code)
}

// systemPromptHindi and systemPromptEnglish are the built-in per-language
// system prompts.
const (
	systemPromptHindi = `आप एक सहायक AI असिस्टेंट हैं जो हिंदी में बात करते हैं।
आप संक्षिप्त, सटीक और मददगार जवाब देते हैं।
कृपया अपने जवाब को बातचीत के लिए उपयुक्त रखें - बहुत लंबा नहीं।
अगर उपयोगकर्ता अंग्रेजी में बात करें तो आप अंग्रेजी में जवाब दे सकते हैं।`

	systemPromptEnglish = `You are a helpful AI assistant that communicates naturally.
You provide concise, accurate, and helpful responses.
Keep your responses conversational and not too long.
If the user speaks in Hindi, respond in Hindi.`
)

// Default returns a Config populated with the built-in defaults. Suitable for
// running against a local mock stack.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:    ":8000",
			LogLevel:      LogInfo,
			ConfigTimeout: 10 * time.Second,
			ShutdownGrace: 10 * time.Second,
			MaxSessions:   10000,
		},
		ASR: ASRConfig{
			Backend:    BackendRiva,
			Endpoint:   "ws://asr-service:50051/v1/recognize",
			SampleRate: 16000,
			PoolSize:   10,
			Timeout:    30 * time.Second,
		},
		LLM: LLMConfig{
			Backend:             BackendOpenAI,
			BaseURL:             "http://nim-llm:8000/v1",
			Model:               "meta/llama-3.1-8b-instruct",
			MaxTokens:           512,
			Temperature:         0.7,
			TopP:                0.9,
			PoolSize:            10,
			Timeout:             60 * time.Second,
			MaxHistoryTurns:     10,
			SystemPromptHindi:   systemPromptHindi,
			SystemPromptEnglish: systemPromptEnglish,
			CacheEnabled:        true,
			CacheTTL:            time.Hour,
		},
		TTS: TTSConfig{
			Backend:    BackendRiva,
			Endpoint:   "ws://tts-service:50053/v1/synthesize",
			SampleRate: 22050,
			ChunkSize:  4096,
			PoolSize:   10,
			Timeout:    30 * time.Second,
		},
		Redis: RedisConfig{
			Host: "redis",
			Port: 6379,
		},
		Session: SessionConfig{
			TTL:   time.Hour,
			Grace: 5 * time.Minute,
		},
		Language: LanguageConfig{
			Default:   "hi-IN",
			Supported: []string{"hi-IN", "en-US"},
		},
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	switch cfg.ASR.Backend {
	case BackendRiva:
		if cfg.ASR.Endpoint == "" {
			errs = append(errs, errors.New("asr.endpoint is required for the riva backend"))
		}
	case BackendMock:
	default:
		errs = append(errs, fmt.Errorf("asr.backend %q is invalid; valid values: riva, mock", cfg.ASR.Backend))
	}

	switch cfg.LLM.Backend {
	case BackendOpenAI:
		if cfg.LLM.BaseURL == "" {
			errs = append(errs, errors.New("llm.base_url is required for the openai backend"))
		}
		if cfg.LLM.Model == "" {
			errs = append(errs, errors.New("llm.model is required for the openai backend"))
		}
	case BackendMock:
	default:
		errs = append(errs, fmt.Errorf("llm.backend %q is invalid; valid values: openai, mock", cfg.LLM.Backend))
	}

	switch cfg.TTS.Backend {
	case BackendRiva:
		if cfg.TTS.Endpoint == "" {
			errs = append(errs, errors.New("tts.endpoint is required for the riva backend"))
		}
	case BackendMock:
	default:
		errs = append(errs, fmt.Errorf("tts.backend %q is invalid; valid values: riva, mock", cfg.TTS.Backend))
	}

	if cfg.Language.Default == "" {
		errs = append(errs, errors.New("language.default is required"))
	} else if len(cfg.Language.Supported) > 0 && !cfg.Language.Supports(cfg.Language.Default) {
		errs = append(errs, fmt.Errorf("language.default %q is not in language.supported", cfg.Language.Default))
	}

	if cfg.LLM.MaxHistoryTurns < 0 {
		errs = append(errs, errors.New("llm.max_history_turns must not be negative"))
	}

	return errors.Join(errs...)
}
