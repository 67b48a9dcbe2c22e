package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load builds the effective configuration: defaults, overlaid with the YAML
// file at path (skipped when path is empty), overlaid with environment
// variables, then validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		if err := decodeInto(cfg, f); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	ApplyEnv(cfg, os.Getenv)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of the defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals. Environment overrides are not applied.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeInto(cfg, r); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeInto decodes YAML from r over cfg, rejecting unknown fields.
func decodeInto(cfg *Config, r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// ApplyEnv overlays recognised environment variables onto cfg. getenv is
// injectable for tests; pass os.Getenv in production. Unset and empty
// variables leave the existing value untouched.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	setString(getenv, "GATEWAY_LISTEN_ADDR", &cfg.Server.ListenAddr)
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}
	setDuration(getenv, "SHUTDOWN_GRACE_PERIOD", &cfg.Server.ShutdownGrace)
	setInt(getenv, "GATEWAY_MAX_SESSIONS", &cfg.Server.MaxSessions)

	setString(getenv, "RIVA_URI", &cfg.ASR.Endpoint)
	setInt(getenv, "ASR_SAMPLE_RATE", &cfg.ASR.SampleRate)
	setInt(getenv, "ASR_POOL_SIZE", &cfg.ASR.PoolSize)

	setString(getenv, "LLM_SERVICE_URL", &cfg.LLM.BaseURL)
	setString(getenv, "LLM_API_KEY", &cfg.LLM.APIKey)
	setString(getenv, "LLM_MODEL", &cfg.LLM.Model)
	setInt(getenv, "LLM_MAX_TOKENS", &cfg.LLM.MaxTokens)
	setFloat(getenv, "LLM_TEMPERATURE", &cfg.LLM.Temperature)
	setFloat(getenv, "LLM_TOP_P", &cfg.LLM.TopP)
	setInt(getenv, "LLM_POOL_SIZE", &cfg.LLM.PoolSize)
	setInt(getenv, "LLM_MAX_HISTORY_TURNS", &cfg.LLM.MaxHistoryTurns)
	if v := getenv("LLM_SYSTEM_PROMPT"); v != "" {
		// A single override replaces both per-language prompts.
		cfg.LLM.SystemPromptHindi = v
		cfg.LLM.SystemPromptEnglish = v
	}

	setString(getenv, "TTS_URI", &cfg.TTS.Endpoint)
	setString(getenv, "TTS_VOICE", &cfg.TTS.Voice)
	setInt(getenv, "TTS_SAMPLE_RATE", &cfg.TTS.SampleRate)
	setInt(getenv, "TTS_POOL_SIZE", &cfg.TTS.PoolSize)

	setString(getenv, "REDIS_HOST", &cfg.Redis.Host)
	setInt(getenv, "REDIS_PORT", &cfg.Redis.Port)
	setInt(getenv, "REDIS_DB", &cfg.Redis.DB)
	setString(getenv, "REDIS_PASSWORD", &cfg.Redis.Password)

	setString(getenv, "GATEWAY_DEFAULT_LANGUAGE", &cfg.Language.Default)
	if v := getenv("GATEWAY_SUPPORTED_LANGUAGES"); v != "" {
		parts := strings.Split(v, ",")
		langs := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				langs = append(langs, p)
			}
		}
		cfg.Language.Supported = langs
	}
}

func setString(getenv func(string) string, key string, dst *string) {
	if v := getenv(key); v != "" {
		*dst = v
	}
}

func setInt(getenv func(string) string, key string, dst *int) {
	if v := getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(getenv func(string) string, key string, dst *float64) {
	if v := getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

// setDuration accepts either a Go duration string ("10s") or a bare number of
// seconds ("10"), matching the container convention.
func setDuration(getenv func(string) string, key string, dst *time.Duration) {
	v := getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = time.Duration(secs * float64(time.Second))
	}
}
