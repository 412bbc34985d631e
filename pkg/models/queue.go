package models

import (
	"encoding/json"
	"time"
)

// QueueStatus is the lifecycle state of a queued build.
type QueueStatus string

const (
	// QueueStatusPending means the item awaits claiming by a processor.
	QueueStatusPending QueueStatus = "pending"

	// QueueStatusDispatching means a processor has claimed the item and is
	// selecting an agent. At most one processor ever observes this claim.
	QueueStatusDispatching QueueStatus = "dispatching"

	// QueueStatusDispatched means the payload was accepted by an agent.
	QueueStatusDispatched QueueStatus = "dispatched"

	// QueueStatusCompleted is terminal: the agent reported a final result.
	QueueStatusCompleted QueueStatus = "completed"

	// QueueStatusFailed is part of the persisted vocabulary for operator
	// tooling. Core transitions route failures to pending or dead_letter.
	QueueStatusFailed QueueStatus = "failed"

	// QueueStatusDeadLetter is terminal: the retry budget is exhausted.
	// Kept for operator inspection, never re-executed automatically.
	QueueStatusDeadLetter QueueStatus = "dead_letter"
)

// Terminal reports whether no further automatic transitions apply.
func (s QueueStatus) Terminal() bool {
	return s == QueueStatusCompleted || s == QueueStatusDeadLetter
}

// QueueItem is a durable record that a build has been accepted for
// dispatch. The queue store owns these rows; callers receive copies.
type QueueItem struct {
	ID           string          `json:"id"`
	BuildID      string          `json:"build_id"`
	JobID        string          `json:"job_id"`
	Payload      json.RawMessage `json:"payload"`
	Labels       []string        `json:"labels"`
	Status       QueueStatus     `json:"status"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	NextRetryAt  *time.Time      `json:"next_retry_at,omitempty"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
	DispatchedAt *time.Time      `json:"dispatched_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	AgentID      *string         `json:"agent_id,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
}

// QueueStats is a point-in-time snapshot for introspection endpoints.
type QueueStats struct {
	PendingDepth       int   `json:"pending_depth"`
	OldestPendingAgeMS int64 `json:"oldest_pending_age_ms"`
	Dispatching        int   `json:"dispatching"`
	Dispatched         int   `json:"dispatched"`
	DeadLetters        int   `json:"dead_letters"`
}
