package config

import (
	"fmt"
	"log/slog"
)

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	if err := v.validateDistributed(); err != nil {
		return err
	}
	if err := v.validateRetention(); err != nil {
		return err
	}
	return nil
}

func (v *ConfigValidator) validateDistributed() error {
	d := v.cfg.Distributed
	if d == nil {
		return NewValidationError("distributed", "", ErrValidationFailed)
	}

	if d.HeartbeatTimeout <= 0 {
		return NewValidationError("distributed", "heartbeat_timeout_ms",
			fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}

	dp := d.Dispatch
	if dp.MaxRetries < 0 {
		return NewValidationError("distributed.dispatch", "max_retries",
			fmt.Errorf("%w: must be >= 0", ErrInvalidValue))
	}
	if dp.RetryBackoff <= 0 {
		return NewValidationError("distributed.dispatch", "retry_backoff_ms",
			fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if dp.MaxRetryBackoff < dp.RetryBackoff {
		return NewValidationError("distributed.dispatch", "max_retry_backoff_ms",
			fmt.Errorf("%w: must be >= retry_backoff_ms", ErrInvalidValue))
	}
	if dp.CircuitBreakerThreshold < 1 {
		return NewValidationError("distributed.dispatch", "circuit_breaker_threshold",
			fmt.Errorf("%w: must be >= 1", ErrInvalidValue))
	}
	if dp.CircuitBreakerReset <= 0 {
		return NewValidationError("distributed.dispatch", "circuit_breaker_reset_ms",
			fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if dp.OrphanCheckInterval <= 0 {
		return NewValidationError("distributed.dispatch", "orphan_check_interval_ms",
			fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}

	// An open surface without a token is a deployment choice (private
	// networks), not a configuration error.
	if d.Enabled && d.AuthToken == "" {
		slog.Warn("Distributed execution enabled without auth_token; agent API is unauthenticated")
	}

	return nil
}

func (v *ConfigValidator) validateRetention() error {
	r := v.cfg.Retention
	if r == nil {
		return NewValidationError("retention", "", ErrValidationFailed)
	}
	if r.CompletedRetention <= 0 {
		return NewValidationError("retention", "completed_retention_hours",
			fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if r.CleanupInterval <= 0 {
		return NewValidationError("retention", "cleanup_interval_minutes",
			fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}
