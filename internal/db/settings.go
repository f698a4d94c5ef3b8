package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/RichardoC/paam/internal/models"
)

// SettingsDefaults are the values the server publishes as system settings at
// startup.
type SettingsDefaults struct {
	Version   string
	Provider  string
	Model     string
	MaxTokens int
	RateLimit int
}

// DefaultSettings builds the system_settings rows derived from server configuration.
func DefaultSettings(d SettingsDefaults) []models.Setting {
	entries := []struct {
		key         string
		value       any
		description string
		public      bool
	}{
		{"app_version", d.Version, "Application version", true},
		{"maintenance_mode", false, "Maintenance mode flag", true},
		{"default_ai_provider", d.Provider, "Default AI provider for new conversations", true},
		{"default_ai_model", d.Model, "Default AI model for new conversations", true},
		{"supported_ai_providers", []string{d.Provider}, "List of supported AI providers", true},
		{"max_tokens_per_request", d.MaxTokens, "Default maximum tokens per AI request", false},
		{"rate_limit_per_window", d.RateLimit, "Chat turns allowed per user per rate window", false},
	}

	settings := make([]models.Setting, 0, len(entries))
	for _, e := range entries {
		raw, _ := json.Marshal(e.value)
		settings = append(settings, models.Setting{
			Key:         e.key,
			Value:       raw,
			Description: e.description,
			IsPublic:    e.public,
		})
	}
	return settings
}

// ApplySettings writes every setting, replacing existing values.
func ApplySettings(ctx context.Context, store Store, settings []models.Setting) error {
	for i := range settings {
		if err := store.PutSetting(ctx, &settings[i]); err != nil {
			return fmt.Errorf("put setting %q: %w", settings[i].Key, err)
		}
	}
	return nil
}
