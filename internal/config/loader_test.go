package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadFromReader_OverlaysDefaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(`
server:
  listen_addr: ":9100"
llm:
  model: "meta/llama-3.1-70b-instruct"
  temperature: 0.2
session:
  grace: 30s
`))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":9100" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.LLM.Model != "meta/llama-3.1-70b-instruct" {
		t.Errorf("model = %q", cfg.LLM.Model)
	}
	if cfg.LLM.Temperature != 0.2 {
		t.Errorf("temperature = %v", cfg.LLM.Temperature)
	}
	if cfg.Session.Grace != 30*time.Second {
		t.Errorf("grace = %v", cfg.Session.Grace)
	}
	// Untouched fields keep their defaults.
	if cfg.ASR.SampleRate != 16000 {
		t.Errorf("asr.sample_rate = %d, want default 16000", cfg.ASR.SampleRate)
	}
}

func TestLoadFromReader_RejectsUnknownFields(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader(`
server:
  listen_adress: ":9100"
`))
	if err == nil {
		t.Fatal("LoadFromReader accepted a misspelled key")
	}
}

func TestLoadFromReader_EmptyInputKeepsDefaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":8000" {
		t.Errorf("listen_addr = %q, want default", cfg.Server.ListenAddr)
	}
}

func TestLoadFromReader_InvalidConfigFails(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader(`
asr:
  backend: "whisper"
`))
	if err == nil || !strings.Contains(err.Error(), "asr.backend") {
		t.Errorf("err = %v, want asr.backend validation failure", err)
	}
}

func fakeEnv(vars map[string]string) func(string) string {
	return func(key string) string { return vars[key] }
}

func TestApplyEnv_Overrides(t *testing.T) {
	cfg := Default()
	ApplyEnv(cfg, fakeEnv(map[string]string{
		"GATEWAY_LISTEN_ADDR":  ":7000",
		"LOG_LEVEL":            "DEBUG",
		"GATEWAY_MAX_SESSIONS": "250",
		"RIVA_URI":             "ws://riva.internal:50051/v1/recognize",
		"LLM_SERVICE_URL":      "http://llm.internal:8000/v1",
		"LLM_TEMPERATURE":      "0.15",
		"LLM_POOL_SIZE":        "4",
		"TTS_VOICE":            "hi-IN-female-1",
		"REDIS_HOST":           "cache.internal",
		"REDIS_PORT":           "6380",
	}))

	if cfg.Server.ListenAddr != ":7000" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != LogDebug {
		t.Errorf("log_level = %q, want lowercased debug", cfg.Server.LogLevel)
	}
	if cfg.Server.MaxSessions != 250 {
		t.Errorf("max_sessions = %d", cfg.Server.MaxSessions)
	}
	if cfg.ASR.Endpoint != "ws://riva.internal:50051/v1/recognize" {
		t.Errorf("asr.endpoint = %q", cfg.ASR.Endpoint)
	}
	if cfg.LLM.BaseURL != "http://llm.internal:8000/v1" {
		t.Errorf("llm.base_url = %q", cfg.LLM.BaseURL)
	}
	if cfg.LLM.Temperature != 0.15 {
		t.Errorf("temperature = %v", cfg.LLM.Temperature)
	}
	if cfg.LLM.PoolSize != 4 {
		t.Errorf("llm.pool_size = %d", cfg.LLM.PoolSize)
	}
	if cfg.TTS.Voice != "hi-IN-female-1" {
		t.Errorf("tts.voice = %q", cfg.TTS.Voice)
	}
	if cfg.Redis.Addr() != "cache.internal:6380" {
		t.Errorf("redis addr = %q", cfg.Redis.Addr())
	}
}

func TestApplyEnv_EmptyValuesLeaveDefaults(t *testing.T) {
	cfg := Default()
	before := *cfg
	ApplyEnv(cfg, fakeEnv(nil))
	if cfg.Server.ListenAddr != before.Server.ListenAddr || cfg.LLM.Model != before.LLM.Model {
		t.Error("unset environment mutated the config")
	}
}

func TestApplyEnv_SystemPromptReplacesBoth(t *testing.T) {
	cfg := Default()
	ApplyEnv(cfg, fakeEnv(map[string]string{"LLM_SYSTEM_PROMPT": "Be terse."}))
	if cfg.LLM.SystemPromptHindi != "Be terse." || cfg.LLM.SystemPromptEnglish != "Be terse." {
		t.Error("LLM_SYSTEM_PROMPT did not replace both per-language prompts")
	}
}

func TestApplyEnv_SupportedLanguagesList(t *testing.T) {
	cfg := Default()
	ApplyEnv(cfg, fakeEnv(map[string]string{
		"GATEWAY_SUPPORTED_LANGUAGES": "hi-IN, en-US , ta-IN,",
	}))
	want := []string{"hi-IN", "en-US", "ta-IN"}
	if len(cfg.Language.Supported) != len(want) {
		t.Fatalf("supported = %v, want %v", cfg.Language.Supported, want)
	}
	for i, lang := range want {
		if cfg.Language.Supported[i] != lang {
			t.Errorf("supported[%d] = %q, want %q", i, cfg.Language.Supported[i], lang)
		}
	}
}

func TestApplyEnv_ShutdownGraceFormats(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"15s", 15 * time.Second},
		{"2m", 2 * time.Minute},
		{"10", 10 * time.Second},
		{"0.5", 500 * time.Millisecond},
	}
	for _, tc := range tests {
		cfg := Default()
		ApplyEnv(cfg, fakeEnv(map[string]string{"SHUTDOWN_GRACE_PERIOD": tc.in}))
		if cfg.Server.ShutdownGrace != tc.want {
			t.Errorf("SHUTDOWN_GRACE_PERIOD=%q -> %v, want %v", tc.in, cfg.Server.ShutdownGrace, tc.want)
		}
	}
}

func TestApplyEnv_BadNumbersIgnored(t *testing.T) {
	cfg := Default()
	ApplyEnv(cfg, fakeEnv(map[string]string{
		"GATEWAY_MAX_SESSIONS": "many",
		"LLM_TEMPERATURE":      "hot",
	}))
	if cfg.Server.MaxSessions != 10000 {
		t.Errorf("max_sessions = %d, want untouched default", cfg.Server.MaxSessions)
	}
	if cfg.LLM.Temperature != 0.7 {
		t.Errorf("temperature = %v, want untouched default", cfg.LLM.Temperature)
	}
}
