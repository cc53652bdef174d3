// Package config handles platform configuration
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	apperr "github.com/meeting-tensor/platform/internal/errors"
)

type Config struct {
	HTTPAddr      string `yaml:"http_addr"`
	PublicBaseURL string `yaml:"public_base_url"`
	LogLevel      string `yaml:"log_level"`

	DBPath        string        `yaml:"db_path"`
	RecordingsDir string        `yaml:"recordings_dir"`
	StorageDir    string        `yaml:"storage_dir"`
	StorageSecret string        `yaml:"storage_secret"`
	SignedURLTTL  time.Duration `yaml:"signed_url_ttl"`

	DashScopeAPIKey   string        `yaml:"dashscope_api_key"`
	SpeechURL         string        `yaml:"speech_url"`
	SpeechModel       string        `yaml:"speech_model"`
	SampleRate        int           `yaml:"sample_rate"`
	BatchURL          string        `yaml:"batch_url"`
	BatchModel        string        `yaml:"batch_model"`
	BatchPollInterval time.Duration `yaml:"batch_poll_interval"`

	LLMURL    string `yaml:"llm_url"`
	LLMModel  string `yaml:"llm_model"`
	LLMAPIKey string `yaml:"llm_api_key"`

	SilenceThreshold     time.Duration `yaml:"silence_threshold"`
	SilenceInterval      time.Duration `yaml:"silence_interval"`
	ContextHorizon       time.Duration `yaml:"context_horizon"`
	SuggestionAttempts   int           `yaml:"suggestion_attempts"`
	SuggestionRetryDelay time.Duration `yaml:"suggestion_retry_delay"`
	SuggestionPacing     time.Duration `yaml:"suggestion_pacing"`
	SuggestionMaxChars   int           `yaml:"suggestion_max_chars"`

	FFmpegPath       string        `yaml:"ffmpeg_path"`
	ReconcileWorkers int           `yaml:"reconcile_workers"`
	ReconcileQueue   int           `yaml:"reconcile_queue"`
	ReconcileTimeout time.Duration `yaml:"reconcile_timeout"`

	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		HTTPAddr:             ":8000",
		PublicBaseURL:        "http://localhost:8000",
		LogLevel:             "info",
		DBPath:               "data/meetings.sqlite",
		RecordingsDir:        "data/recordings",
		StorageDir:           "data/objects",
		SignedURLTTL:         24 * time.Hour,
		SpeechURL:            "wss://dashscope.aliyuncs.com/api-ws/v1/inference",
		SpeechModel:          "fun-asr-realtime",
		SampleRate:           16000,
		BatchURL:             "https://dashscope.aliyuncs.com/api/v1",
		BatchModel:           "paraformer-v2",
		BatchPollInterval:    3 * time.Second,
		LLMURL:               "https://dashscope.aliyuncs.com/compatible-mode/v1",
		LLMModel:             "qwen-plus",
		SilenceThreshold:     3500 * time.Millisecond,
		SilenceInterval:      500 * time.Millisecond,
		ContextHorizon:       180 * time.Second,
		SuggestionAttempts:   3,
		SuggestionRetryDelay: 5 * time.Second,
		SuggestionPacing:     100 * time.Millisecond,
		SuggestionMaxChars:   20,
		FFmpegPath:           "ffmpeg",
		ReconcileWorkers:     2,
		ReconcileQueue:       32,
		ReconcileTimeout:     30 * time.Minute,
		AllowedOrigins:       []string{"*"},
	}
}

// Load builds the configuration from defaults, the optional CONFIG_FILE yaml document
// and environment overrides, in that order.
func Load() (*Config, error) {
	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if cfg.LLMAPIKey == "" {
		cfg.LLMAPIKey = cfg.DashScopeAPIKey
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return apperr.Wrapf(err, apperr.CodeConfigInvalid, "read config file %s", path)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return apperr.Wrapf(err, apperr.CodeConfigInvalid, "parse config file %s", path)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.PublicBaseURL = getEnv("PUBLIC_BASE_URL", c.PublicBaseURL)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.DBPath = getEnv("DB_PATH", c.DBPath)
	c.RecordingsDir = getEnv("RECORDINGS_DIR", c.RecordingsDir)
	c.StorageDir = getEnv("STORAGE_DIR", c.StorageDir)
	c.StorageSecret = getEnv("STORAGE_SECRET", c.StorageSecret)
	c.SignedURLTTL = getEnvDuration("SIGNED_URL_TTL", c.SignedURLTTL)
	c.DashScopeAPIKey = getEnv("DASHSCOPE_API_KEY", c.DashScopeAPIKey)
	c.SpeechURL = getEnv("SPEECH_URL", c.SpeechURL)
	c.SpeechModel = getEnv("SPEECH_MODEL", c.SpeechModel)
	c.SampleRate = getEnvInt("SAMPLE_RATE", c.SampleRate)
	c.BatchURL = getEnv("BATCH_URL", c.BatchURL)
	c.BatchModel = getEnv("BATCH_MODEL", c.BatchModel)
	c.BatchPollInterval = getEnvDuration("BATCH_POLL_INTERVAL", c.BatchPollInterval)
	c.LLMURL = getEnv("LLM_URL", c.LLMURL)
	c.LLMModel = getEnv("LLM_MODEL", c.LLMModel)
	c.LLMAPIKey = getEnv("LLM_API_KEY", c.LLMAPIKey)
	c.SilenceThreshold = getEnvDuration("SILENCE_THRESHOLD", c.SilenceThreshold)
	c.SilenceInterval = getEnvDuration("SILENCE_INTERVAL", c.SilenceInterval)
	c.ContextHorizon = getEnvDuration("CONTEXT_HORIZON", c.ContextHorizon)
	c.SuggestionAttempts = getEnvInt("SUGGESTION_ATTEMPTS", c.SuggestionAttempts)
	c.SuggestionRetryDelay = getEnvDuration("SUGGESTION_RETRY_DELAY", c.SuggestionRetryDelay)
	c.SuggestionPacing = getEnvDuration("SUGGESTION_PACING", c.SuggestionPacing)
	c.SuggestionMaxChars = getEnvInt("SUGGESTION_MAX_CHARS", c.SuggestionMaxChars)
	c.FFmpegPath = getEnv("FFMPEG_PATH", c.FFmpegPath)
	c.ReconcileWorkers = getEnvInt("RECONCILE_WORKERS", c.ReconcileWorkers)
	c.ReconcileQueue = getEnvInt("RECONCILE_QUEUE", c.ReconcileQueue)
	c.ReconcileTimeout = getEnvDuration("RECONCILE_TIMEOUT", c.ReconcileTimeout)
	c.AllowedOrigins = getEnvList("ALLOWED_ORIGINS", c.AllowedOrigins)
}

// Validate reports missing credentials and out-of-range values.
func (c *Config) Validate() error {
	if c.DashScopeAPIKey == "" {
		return apperr.New(apperr.CodeConfigMissing, "DASHSCOPE_API_KEY is required")
	}
	if c.StorageSecret == "" {
		return apperr.New(apperr.CodeConfigMissing, "STORAGE_SECRET is required")
	}
	if c.SampleRate <= 0 {
		return apperr.Newf(apperr.CodeConfigInvalid, "sample rate must be positive, got %d", c.SampleRate)
	}
	if c.SilenceThreshold <= 0 || c.SilenceInterval <= 0 {
		return apperr.New(apperr.CodeConfigInvalid, "silence threshold and interval must be positive")
	}
	if c.ContextHorizon <= 0 {
		return apperr.New(apperr.CodeConfigInvalid, "context horizon must be positive")
	}
	if c.SuggestionAttempts < 1 {
		return apperr.Newf(apperr.CodeConfigInvalid, "suggestion attempts must be at least 1, got %d", c.SuggestionAttempts)
	}
	if c.ReconcileWorkers < 1 || c.ReconcileQueue < 1 {
		return apperr.New(apperr.CodeConfigInvalid, "reconcile workers and queue size must be at least 1")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return apperr.Newf(apperr.CodeConfigInvalid, "unknown log level %q", c.LogLevel)
	}
	return nil
}

// String renders the configuration with secrets masked.
func (c *Config) String() string {
	return fmt.Sprintf("addr=%s db=%s recordings=%s speech=%s/%s llm=%s/%s api_key=%s",
		c.HTTPAddr, c.DBPath, c.RecordingsDir, c.SpeechURL, c.SpeechModel, c.LLMURL, c.LLMModel, mask(c.DashScopeAPIKey))
}

func mask(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// getEnvDuration accepts Go duration strings or a bare number of seconds.
func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(f * float64(time.Second))
		}
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if t := strings.TrimSpace(p); t != "" {
				result = append(result, t)
			}
		}
		return result
	}
	return def
}
