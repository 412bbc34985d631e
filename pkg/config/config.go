// Package config loads and validates the master's configuration from
// steward.yaml plus environment variables, resolving defaults so the rest
// of the codebase only sees fully-populated structs.
package config

// Config is the umbrella configuration object returned by Initialize()
// and used throughout the application.
type Config struct {
	configDir string // Configuration directory path (for reference)

	// Distributed execution: agents, queue, dispatch, breakers.
	Distributed *DistributedConfig

	// Optional behavior toggles.
	FeatureFlags *FeatureFlags

	// Queue retention and cleanup.
	Retention *RetentionConfig
}

// ConfigDir returns the directory configuration was loaded from.
func (c *Config) ConfigDir() string {
	return c.configDir
}
