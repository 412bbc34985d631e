package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// stewardYAMLConfig represents the complete steward.yaml file structure.
type stewardYAMLConfig struct {
	Distributed  *DistributedYAMLConfig  `yaml:"distributed"`
	FeatureFlags *FeatureFlagsYAMLConfig `yaml:"feature_flags"`
	Retention    *RetentionYAMLConfig    `yaml:"retention"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load steward.yaml from configDir (absent file = all defaults)
//  2. Expand environment variables
//  3. Parse YAML into raw structs
//  4. Merge user-provided values onto built-in defaults
//  5. Resolve *_ms integers into durations
//  6. Validate all configuration
//  7. Return Config ready for use
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"distributed_enabled", cfg.Distributed.Enabled,
		"queue_enabled", cfg.Distributed.Dispatch.QueueEnabled,
		"fallback_local", cfg.Distributed.Dispatch.FallbackLocal,
		"resource_aware", cfg.FeatureFlags.ResourceAwareScheduling)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{
		configDir: configDir,
	}

	raw, err := loader.loadStewardYAML()
	if err != nil {
		return nil, NewLoadError("steward.yaml", err)
	}

	distributed, err := resolveDistributedConfig(raw.Distributed)
	if err != nil {
		return nil, err
	}

	return &Config{
		configDir:    configDir,
		Distributed:  distributed,
		FeatureFlags: resolveFeatureFlags(raw.FeatureFlags),
		Retention:    resolveRetentionConfig(raw.Retention),
	}, nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables using {{.VAR}} template syntax
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

// loadStewardYAML reads steward.yaml. A missing file is not an error:
// every key has a default, and a master with distributed execution
// disabled needs no configuration file at all.
func (l *configLoader) loadStewardYAML() (*stewardYAMLConfig, error) {
	var config stewardYAMLConfig

	if err := l.loadYAML("steward.yaml", &config); err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			slog.Info("No steward.yaml found, using built-in defaults",
				"config_dir", l.configDir)
			return &config, nil
		}
		return nil, err
	}

	return &config, nil
}

// resolveDistributedConfig resolves the distributed section, merging user
// YAML onto built-in defaults and converting *_ms keys to durations.
func resolveDistributedConfig(raw *DistributedYAMLConfig) (*DistributedConfig, error) {
	cfg := DefaultDistributedConfig()
	if raw == nil {
		return cfg, nil
	}

	if raw.Enabled != nil {
		cfg.Enabled = *raw.Enabled
	}
	if raw.AuthToken != "" {
		cfg.AuthToken = raw.AuthToken
	}
	if raw.HeartbeatTimeoutMS > 0 {
		cfg.HeartbeatTimeout = time.Duration(raw.HeartbeatTimeoutMS) * time.Millisecond
	}

	// Merge the dispatch sub-section onto defaults so unset keys keep
	// their built-in values (non-zero user fields override).
	dispatch := defaultDispatchYAML()
	if raw.Dispatch != nil {
		if err := mergo.Merge(dispatch, raw.Dispatch, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge dispatch config: %w", err)
		}
	}

	if dispatch.QueueEnabled != nil {
		cfg.Dispatch.QueueEnabled = *dispatch.QueueEnabled
	}
	if dispatch.FallbackLocal != nil {
		cfg.Dispatch.FallbackLocal = *dispatch.FallbackLocal
	}
	cfg.Dispatch.MaxRetries = dispatch.MaxRetries
	cfg.Dispatch.RetryBackoff = time.Duration(dispatch.RetryBackoffMS) * time.Millisecond
	cfg.Dispatch.MaxRetryBackoff = time.Duration(dispatch.MaxRetryBackoffMS) * time.Millisecond
	cfg.Dispatch.CircuitBreakerThreshold = dispatch.CircuitBreakerThreshold
	cfg.Dispatch.CircuitBreakerReset = time.Duration(dispatch.CircuitBreakerResetMS) * time.Millisecond
	cfg.Dispatch.OrphanCheckInterval = time.Duration(dispatch.OrphanCheckIntervalMS) * time.Millisecond

	return cfg, nil
}

// resolveFeatureFlags resolves the feature_flags section, applying defaults.
func resolveFeatureFlags(raw *FeatureFlagsYAMLConfig) *FeatureFlags {
	cfg := &FeatureFlags{}
	if raw != nil && raw.ResourceAwareScheduling != nil {
		cfg.ResourceAwareScheduling = *raw.ResourceAwareScheduling
	}
	return cfg
}

// resolveRetentionConfig resolves the retention section, applying defaults.
func resolveRetentionConfig(raw *RetentionYAMLConfig) *RetentionConfig {
	cfg := DefaultRetentionConfig()
	if raw == nil {
		return cfg
	}

	if raw.CompletedRetentionHours > 0 {
		cfg.CompletedRetention = time.Duration(raw.CompletedRetentionHours) * time.Hour
	}
	if raw.CleanupIntervalMinutes > 0 {
		cfg.CleanupInterval = time.Duration(raw.CleanupIntervalMinutes) * time.Minute
	}

	return cfg
}
