package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	apperr "github.com/meeting-tensor/platform/internal/errors"
)

var allKeys = []string{
	"CONFIG_FILE", "HTTP_ADDR", "PUBLIC_BASE_URL", "LOG_LEVEL", "DB_PATH", "RECORDINGS_DIR",
	"STORAGE_DIR", "STORAGE_SECRET", "SIGNED_URL_TTL", "DASHSCOPE_API_KEY", "SPEECH_URL",
	"SPEECH_MODEL", "SAMPLE_RATE", "BATCH_URL", "BATCH_MODEL", "BATCH_POLL_INTERVAL", "LLM_URL",
	"LLM_MODEL", "LLM_API_KEY", "SILENCE_THRESHOLD", "SILENCE_INTERVAL", "CONTEXT_HORIZON",
	"SUGGESTION_ATTEMPTS", "SUGGESTION_RETRY_DELAY", "SUGGESTION_PACING", "SUGGESTION_MAX_CHARS",
	"FFMPEG_PATH", "RECONCILE_WORKERS", "RECONCILE_QUEUE", "RECONCILE_TIMEOUT", "ALLOWED_ORIGINS",
}

// clearEnv blanks every key; empty values are treated as unset.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(k, "")
	}
}

func TestLoad(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Check defaults
	if cfg.HTTPAddr != ":8000" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, ":8000")
	}
	if cfg.SampleRate != 16000 {
		t.Errorf("SampleRate = %d, want %d", cfg.SampleRate, 16000)
	}
	if cfg.SilenceThreshold != 3500*time.Millisecond {
		t.Errorf("SilenceThreshold = %v, want %v", cfg.SilenceThreshold, 3500*time.Millisecond)
	}
	if cfg.SilenceInterval != 500*time.Millisecond {
		t.Errorf("SilenceInterval = %v, want %v", cfg.SilenceInterval, 500*time.Millisecond)
	}
	if cfg.ContextHorizon != 180*time.Second {
		t.Errorf("ContextHorizon = %v, want %v", cfg.ContextHorizon, 180*time.Second)
	}
	if cfg.SuggestionAttempts != 3 {
		t.Errorf("SuggestionAttempts = %d, want %d", cfg.SuggestionAttempts, 3)
	}
	if cfg.SuggestionRetryDelay != 5*time.Second {
		t.Errorf("SuggestionRetryDelay = %v, want %v", cfg.SuggestionRetryDelay, 5*time.Second)
	}
	if cfg.SuggestionPacing != 100*time.Millisecond {
		t.Errorf("SuggestionPacing = %v, want %v", cfg.SuggestionPacing, 100*time.Millisecond)
	}
	if cfg.SpeechModel != "fun-asr-realtime" {
		t.Errorf("SpeechModel = %q, want %q", cfg.SpeechModel, "fun-asr-realtime")
	}
	if cfg.BatchModel != "paraformer-v2" {
		t.Errorf("BatchModel = %q, want %q", cfg.BatchModel, "paraformer-v2")
	}
}

func TestLoadWithEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("HTTP_ADDR", ":9000")
	t.Setenv("SAMPLE_RATE", "48000")
	t.Setenv("SILENCE_THRESHOLD", "5s")
	t.Setenv("SUGGESTION_PACING", "0.25")
	t.Setenv("DASHSCOPE_API_KEY", "sk-test")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.HTTPAddr != ":9000" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, ":9000")
	}
	if cfg.SampleRate != 48000 {
		t.Errorf("SampleRate = %d, want %d", cfg.SampleRate, 48000)
	}
	if cfg.SilenceThreshold != 5*time.Second {
		t.Errorf("SilenceThreshold = %v, want %v", cfg.SilenceThreshold, 5*time.Second)
	}
	if cfg.SuggestionPacing != 250*time.Millisecond {
		t.Errorf("SuggestionPacing = %v, want %v", cfg.SuggestionPacing, 250*time.Millisecond)
	}
	if cfg.LLMAPIKey != "sk-test" {
		t.Errorf("LLMAPIKey = %q, want fallback to DASHSCOPE_API_KEY", cfg.LLMAPIKey)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := "http_addr: \":7000\"\nllm_model: qwen-max\nsilence_threshold: 2s\nstorage_secret: from-file\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("HTTP_ADDR", ":7100")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HTTPAddr != ":7100" {
		t.Errorf("HTTPAddr = %q, env should override file", cfg.HTTPAddr)
	}
	if cfg.LLMModel != "qwen-max" {
		t.Errorf("LLMModel = %q, want %q", cfg.LLMModel, "qwen-max")
	}
	if cfg.SilenceThreshold != 2*time.Second {
		t.Errorf("SilenceThreshold = %v, want %v", cfg.SilenceThreshold, 2*time.Second)
	}
	if cfg.StorageSecret != "from-file" {
		t.Errorf("StorageSecret = %q, want %q", cfg.StorageSecret, "from-file")
	}
	if cfg.SampleRate != 16000 {
		t.Errorf("SampleRate = %d, default should survive a partial file", cfg.SampleRate)
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := Load()
	if !apperr.IsCode(err, apperr.CodeConfigInvalid) {
		t.Errorf("Load() error = %v, want CONFIG_INVALID", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := Defaults()
		c.DashScopeAPIKey = "sk"
		c.StorageSecret = "secret"
		return c
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   apperr.Code
		ok     bool
	}{
		{"valid", func(*Config) {}, 0, true},
		{"missing api key", func(c *Config) { c.DashScopeAPIKey = "" }, apperr.CodeConfigMissing, false},
		{"missing secret", func(c *Config) { c.StorageSecret = "" }, apperr.CodeConfigMissing, false},
		{"zero attempts", func(c *Config) { c.SuggestionAttempts = 0 }, apperr.CodeConfigInvalid, false},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, apperr.CodeConfigInvalid, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.ok {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if !apperr.IsCode(err, tt.want) {
				t.Errorf("Validate() = %v, want code %v", err, tt.want)
			}
		})
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_STRING", "hello")
	if v := getEnv("TEST_STRING", "default"); v != "hello" {
		t.Errorf("getEnv = %q, want %q", v, "hello")
	}
	if v := getEnv("NONEXISTENT_KEY_X", "default"); v != "default" {
		t.Errorf("getEnv = %q, want %q", v, "default")
	}

	t.Setenv("TEST_INT_INVALID", "not-a-number")
	if v := getEnvInt("TEST_INT_INVALID", 100); v != 100 {
		t.Errorf("getEnvInt with invalid = %d, want %d", v, 100)
	}

	t.Setenv("TEST_DURATION", "1m30s")
	if v := getEnvDuration("TEST_DURATION", 0); v != 90*time.Second {
		t.Errorf("getEnvDuration = %v, want %v", v, 90*time.Second)
	}
	t.Setenv("TEST_DURATION_BAD", "soon")
	if v := getEnvDuration("TEST_DURATION_BAD", time.Second); v != time.Second {
		t.Errorf("getEnvDuration with invalid = %v, want %v", v, time.Second)
	}
}

func TestStringMasksKey(t *testing.T) {
	c := Defaults()
	c.DashScopeAPIKey = "sk-abcdef123456"
	if s := c.String(); strings.Contains(s, "abcdef123456") {
		t.Errorf("String() leaked the api key: %s", s)
	}
}
