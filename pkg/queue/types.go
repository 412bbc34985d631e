// Package queue provides the durable build queue and the background loops
// that drain it: the dispatch processor and the orphan monitor.
package queue

import (
	"errors"
	"time"
)

// Sentinel errors for queue operations.
var (
	// ErrNoPendingBuilds indicates no claimable items are in the queue.
	ErrNoPendingBuilds = errors.New("no pending builds")

	// ErrItemNotFound indicates the referenced queue item does not exist
	// or is not in an eligible status for the operation.
	ErrItemNotFound = errors.New("queue item not found")
)

// FailureBranch says where MarkFailed routed an item.
type FailureBranch string

const (
	// FailureRetry means the item went back to pending with a backoff.
	FailureRetry FailureBranch = "retry"

	// FailureDeadLetter means the retry budget was exhausted and the item
	// is terminal.
	FailureDeadLetter FailureBranch = "dead_letter"
)

// ProcessorHealth is the dispatch processor's self-reported state.
type ProcessorHealth struct {
	Running          bool      `json:"running"`
	BuildsDispatched int       `json:"builds_dispatched"`
	BuildsFailed     int       `json:"builds_failed"`
	ConsecutiveEmpty int       `json:"consecutive_empty"`
	LastClaimAt      time.Time `json:"last_claim_at"`
	LastActivity     time.Time `json:"last_activity"`
}

// MonitorHealth is the orphan monitor's self-reported state.
type MonitorHealth struct {
	Running        bool      `json:"running"`
	LastScanAt     time.Time `json:"last_scan_at"`
	AgentsOfflined int       `json:"agents_offlined"`
	BuildsRequeued int       `json:"builds_requeued"`
}
