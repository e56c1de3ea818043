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

	// CacheTTL is how long an idle session lives in the ephemeral cache
	// before self-expiring.
	CacheTTL time.Duration

	// InterviewDuration is the default wall-clock limit for a session when
	// the creating request does not supply one.
	InterviewDuration time.Duration

	// WarnBefore is how far ahead of expiry the time-warning fires.
	WarnBefore time.Duration

	// MaxFollowups caps follow-up questions per interview question.
	MaxFollowups int

	// MaxAgentRounds bounds the tool-calling loop of the chat agent.
	MaxAgentRounds int

	Model     ModelConfig
	Retrieval RetrievalConfig
	RateLimit RateLimitConfig
}

// ModelConfig configures the language-model client.
type ModelConfig struct {
	APIKey  string
	Name    string
	BaseURL string
}

// RetrievalConfig configures the external retrieval service.
type RetrievalConfig struct {
	URL     string
	Timeout time.Duration
	TopK    int
}

// RateLimitConfig throttles chat requests per user.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		FrontendURL:       getEnv("FRONTEND_URL", ""),
		DBPath:            getEnv("DB_PATH", "./data/engine.db"),
		CacheTTL:          getEnvDuration("SESSION_CACHE_TTL", 30*time.Minute),
		InterviewDuration: getEnvDuration("INTERVIEW_DURATION", 30*time.Minute),
		WarnBefore:        5 * time.Minute,
		MaxFollowups:      getEnvInt("MAX_FOLLOWUPS", 2),
		MaxAgentRounds:    getEnvInt("MAX_AGENT_ROUNDS", 5),
		Model: ModelConfig{
			APIKey:  getEnv("OPENAI_API_KEY", ""),
			Name:    getEnv("MODEL_NAME", "gpt-4o"),
			BaseURL: getEnv("MODEL_BASE_URL", ""),
		},
		Retrieval: RetrievalConfig{
			URL:     getEnv("RETRIEVAL_URL", ""),
			Timeout: getEnvDuration("RETRIEVAL_TIMEOUT", 5*time.Second),
			TopK:    getEnvInt("RETRIEVAL_TOP_K", 4),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 10),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
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
	if c.InterviewDuration <= 0 {
		return fmt.Errorf("INTERVIEW_DURATION must be positive")
	}
	if c.WarnBefore <= 0 || c.WarnBefore >= c.InterviewDuration {
		return fmt.Errorf("warning lead time must be positive and shorter than INTERVIEW_DURATION")
	}
	if c.MaxFollowups < 0 {
		return fmt.Errorf("MAX_FOLLOWUPS cannot be negative")
	}
	if c.MaxAgentRounds <= 0 {
		return fmt.Errorf("MAX_AGENT_ROUNDS must be positive")
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
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

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
