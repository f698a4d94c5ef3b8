package config

import (
	"errors"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the server.
type Config struct {
	Port string
	Env  string

	// DatabaseURL selects the store: a postgres:// URL or a SQLite file path.
	DatabaseURL string
	RedisURL    string

	LLMBaseURL         string
	OpenAIAPIKey       string
	DefaultModel       string
	DefaultTemperature float64
	DefaultMaxTokens   int
	LLMTimeout         time.Duration

	JWTSecret           string
	KeyEncryptionSecret string

	ChatRateLimit  int
	ChatRateWindow time.Duration
}

var defaults = map[string]any{
	"PORT":                  "8100",
	"ENV":                   "development",
	"DATABASE_URL":          "",
	"DATABASE_PATH":         "paam.db",
	"REDIS_URL":             "",
	"LLM_BASE_URL":          "",
	"OPENAI_API_KEY":        "",
	"LLM_DEFAULT_MODEL":     "gpt-3.5-turbo",
	"DEFAULT_TEMPERATURE":   0.7,
	"DEFAULT_MAX_TOKENS":    1000,
	"LLM_TIMEOUT":           "60s",
	"JWT_SECRET":            "",
	"KEY_ENCRYPTION_SECRET": "",
	"CHAT_RATE_LIMIT":       30,
	"CHAT_RATE_WINDOW":      "1m",
}

// Load reads configuration from the environment, loading a .env file first
// when one exists.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromViper(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()
	return v
}

// FromViper builds a Config from an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Port:                v.GetString("PORT"),
		Env:                 v.GetString("ENV"),
		DatabaseURL:         v.GetString("DATABASE_URL"),
		RedisURL:            v.GetString("REDIS_URL"),
		LLMBaseURL:          v.GetString("LLM_BASE_URL"),
		OpenAIAPIKey:        v.GetString("OPENAI_API_KEY"),
		DefaultModel:        v.GetString("LLM_DEFAULT_MODEL"),
		DefaultTemperature:  v.GetFloat64("DEFAULT_TEMPERATURE"),
		DefaultMaxTokens:    v.GetInt("DEFAULT_MAX_TOKENS"),
		LLMTimeout:          v.GetDuration("LLM_TIMEOUT"),
		JWTSecret:           v.GetString("JWT_SECRET"),
		KeyEncryptionSecret: v.GetString("KEY_ENCRYPTION_SECRET"),
		ChatRateLimit:       v.GetInt("CHAT_RATE_LIMIT"),
		ChatRateWindow:      v.GetDuration("CHAT_RATE_WINDOW"),
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = v.GetString("DATABASE_PATH")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DefaultMaxTokens <= 0 {
		return errors.New("DEFAULT_MAX_TOKENS must be positive")
	}
	if c.DefaultTemperature < 0 || c.DefaultTemperature > 2 {
		return errors.New("DEFAULT_TEMPERATURE must be between 0 and 2")
	}
	if c.ChatRateLimit < 1 {
		return errors.New("CHAT_RATE_LIMIT must be at least 1")
	}
	if c.ChatRateWindow <= 0 {
		return errors.New("CHAT_RATE_WINDOW must be positive")
	}
	if !c.IsDevelopment() && c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required outside development")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}
