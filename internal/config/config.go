// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	Dialogue        DialogueConfig
	Completion      CompletionConfig
	Content         ContentConfig
	ConversationLog ConversationLogConfig
	RateLimit       RateLimitConfig

	// RetentionDays bounds how long transcripts are kept by studyctl purge.
	RetentionDays int
}

// DialogueConfig tunes the session engine.
type DialogueConfig struct {
	ContextTurns     int
	RepetitionWindow int
}

// CompletionConfig configures the language model collaborator. An empty
// APIKey disables it and every reply uses the local fallback.
type CompletionConfig struct {
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// ContentConfig configures where the curriculum comes from.
type ContentConfig struct {
	RepoAPI         string
	RawBase         string
	RefreshTTL      time.Duration
	RequestInterval time.Duration
	// CatalogPath optionally replaces the built-in fallback catalog.
	CatalogPath string
	// Offline skips the remote repository and serves only the catalog.
	Offline bool
}

// ConversationLogConfig controls NDJSON conversation logging.
type ConversationLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// RateLimitConfig bounds requests per learner.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/studybot.db"),
		Dialogue: DialogueConfig{
			ContextTurns:     getEnvInt("CONTEXT_TURNS", 6),
			RepetitionWindow: getEnvInt("REPETITION_WINDOW", 3),
		},
		Completion: CompletionConfig{
			APIKey:    getEnv("OPENAI_API_KEY", ""),
			Model:     getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			MaxTokens: getEnvInt("OPENAI_MAX_TOKENS", 800),
			Timeout:   getEnvDuration("COMPLETION_TIMEOUT", 30*time.Second),
		},
		Content: ContentConfig{
			RepoAPI:         getEnv("CONTENT_REPO_API", ""),
			RawBase:         getEnv("CONTENT_RAW_BASE", ""),
			RefreshTTL:      getEnvDuration("CONTENT_REFRESH_TTL", time.Hour),
			RequestInterval: getEnvDuration("CONTENT_REQUEST_INTERVAL", 500*time.Millisecond),
			CatalogPath:     getEnv("CONTENT_CATALOG_PATH", ""),
			Offline:         getEnvBool("CONTENT_OFFLINE", false),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:   getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:       getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			QueueSize: queueSize,
		},
		RateLimit: RateLimitConfig{
			Requests: getEnvInt("RATE_LIMIT_REQUESTS", 30),
			Window:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		RetentionDays: getEnvInt("RETENTION_DAYS", 30),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Dialogue.ContextTurns <= 0 {
		return fmt.Errorf("CONTEXT_TURNS must be > 0")
	}
	if c.Dialogue.RepetitionWindow <= 0 {
		return fmt.Errorf("REPETITION_WINDOW must be > 0")
	}
	// Repetition is detected from the context turns, which alternate
	// learner and tutor.
	if c.Dialogue.ContextTurns < 2*c.Dialogue.RepetitionWindow {
		return fmt.Errorf("CONTEXT_TURNS must be >= 2*REPETITION_WINDOW (%d)", 2*c.Dialogue.RepetitionWindow)
	}
	if c.Completion.Timeout <= 0 {
		return fmt.Errorf("COMPLETION_TIMEOUT must be > 0")
	}
	if c.Content.RequestInterval <= 0 {
		return fmt.Errorf("CONTENT_REQUEST_INTERVAL must be > 0")
	}
	if c.ConversationLog.Enabled && c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.RetentionDays <= 0 {
		return fmt.Errorf("RETENTION_DAYS must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the configured frontend.
func (c *Config) AllowedOrigins() []string {
	if c.FrontendURL == "" {
		return []string{"http://localhost:3000", "http://localhost:5173"}
	}
	return []string{strings.TrimRight(c.FrontendURL, "/")}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("45s") or bare seconds ("45").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
