package config

import "time"

// RetentionConfig controls queue retention and cleanup behavior.
type RetentionConfig struct {
	// CompletedRetention is how long completed and dead-letter queue rows
	// are kept before the cleanup singleton deletes them.
	CompletedRetention time.Duration

	// CleanupInterval is how often the cleanup loop runs.
	CleanupInterval time.Duration
}

// RetentionYAMLConfig is the raw retention section of steward.yaml.
type RetentionYAMLConfig struct {
	CompletedRetentionHours int `yaml:"completed_retention_hours"`
	CleanupIntervalMinutes  int `yaml:"cleanup_interval_minutes"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		CompletedRetention: 168 * time.Hour,
		CleanupInterval:    6 * time.Hour,
	}
}
