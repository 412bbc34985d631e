package config

import "time"

// DistributedConfig is the resolved distributed-execution configuration.
// In-memory durations are derived from the *_ms YAML keys.
type DistributedConfig struct {
	// Enabled turns distributed execution on. When false every build is
	// dispatched locally and no background services start.
	Enabled bool

	// AuthToken, when set, is sent as a bearer token on agent calls and
	// required on the master's /api/v1 surface.
	AuthToken string

	// HeartbeatTimeout is how long an agent may go without a heartbeat
	// before the health check marks it offline.
	HeartbeatTimeout time.Duration

	Dispatch DispatchConfig
}

// DispatchConfig controls queueing, retry, and circuit-breaker behavior.
type DispatchConfig struct {
	// QueueEnabled routes accepted builds through the durable queue
	// instead of direct agent dispatch.
	QueueEnabled bool

	// FallbackLocal runs a build locally when no agent can take it.
	FallbackLocal bool

	// MaxRetries is the dispatch retry budget per queued build.
	MaxRetries int

	// RetryBackoff is the base delay; attempt N waits base·2^(N−1)
	// plus up to 10% jitter, capped at MaxRetryBackoff.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration

	// CircuitBreakerThreshold is the consecutive-failure count that opens
	// an agent's breaker; CircuitBreakerReset is the cool-down before a
	// single probe is admitted.
	CircuitBreakerThreshold int
	CircuitBreakerReset     time.Duration

	// OrphanCheckInterval is how often the orphan monitor scans for
	// offline agents holding dispatched builds.
	OrphanCheckInterval time.Duration
}

// FeatureFlags holds optional behavior toggles.
type FeatureFlags struct {
	// ResourceAwareScheduling ranks agents by a weighted resource score
	// instead of plain least-loaded ordering.
	ResourceAwareScheduling bool
}

// DistributedYAMLConfig is the raw distributed section of steward.yaml.
type DistributedYAMLConfig struct {
	Enabled            *bool               `yaml:"enabled"`
	AuthToken          string              `yaml:"auth_token"`
	HeartbeatTimeoutMS int                 `yaml:"heartbeat_timeout_ms"`
	Dispatch           *DispatchYAMLConfig `yaml:"dispatch"`
}

// DispatchYAMLConfig is the raw distributed.dispatch section.
type DispatchYAMLConfig struct {
	QueueEnabled            *bool `yaml:"queue_enabled"`
	FallbackLocal           *bool `yaml:"fallback_local"`
	MaxRetries              int   `yaml:"max_retries"`
	RetryBackoffMS          int   `yaml:"retry_backoff_ms"`
	MaxRetryBackoffMS       int   `yaml:"max_retry_backoff_ms"`
	CircuitBreakerThreshold int   `yaml:"circuit_breaker_threshold"`
	CircuitBreakerResetMS   int   `yaml:"circuit_breaker_reset_ms"`
	OrphanCheckIntervalMS   int   `yaml:"orphan_check_interval_ms"`
}

// FeatureFlagsYAMLConfig is the raw feature_flags section.
type FeatureFlagsYAMLConfig struct {
	ResourceAwareScheduling *bool `yaml:"resource_aware_scheduling"`
}

// defaultDispatchYAML returns the built-in dispatch defaults in raw form,
// the merge base for user-provided YAML.
func defaultDispatchYAML() *DispatchYAMLConfig {
	return &DispatchYAMLConfig{
		MaxRetries:              3,
		RetryBackoffMS:          1000,
		MaxRetryBackoffMS:       30000,
		CircuitBreakerThreshold: 5,
		CircuitBreakerResetMS:   60000,
		OrphanCheckIntervalMS:   120000,
	}
}

// DefaultDistributedConfig returns the built-in distributed defaults.
func DefaultDistributedConfig() *DistributedConfig {
	return &DistributedConfig{
		Enabled:          false,
		HeartbeatTimeout: 90 * time.Second,
		Dispatch: DispatchConfig{
			QueueEnabled:            false,
			FallbackLocal:           true,
			MaxRetries:              3,
			RetryBackoff:            1 * time.Second,
			MaxRetryBackoff:         30 * time.Second,
			CircuitBreakerThreshold: 5,
			CircuitBreakerReset:     60 * time.Second,
			OrphanCheckInterval:     120 * time.Second,
		},
	}
}
