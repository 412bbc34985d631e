package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/steward-ci/steward/pkg/models"
)

// DefaultMaxRetries is applied when an enqueue request omits the budget.
const DefaultMaxRetries = 3

// claimCandidates is how many of the oldest pending rows one dequeue
// attempt considers before giving up. Under contention the guarded update
// fails on rows another master already claimed; scanning a few candidates
// avoids returning empty while work exists.
const claimCandidates = 5

const queueColumns = `id, build_id, job_id, payload, labels, status, retry_count,
	max_retries, next_retry_at, enqueued_at, dispatched_at, completed_at,
	agent_id, last_error`

// Store is the durable build queue. All transitions are single-statement
// atomic with WHERE guards, so replicated masters can share one table.
type Store struct {
	db *sqlx.DB

	// now is swappable in tests for deterministic backoff assertions.
	now func() time.Time
}

// NewStore creates a queue store over an open database handle.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// EnqueueRequest describes one build to persist for dispatch.
type EnqueueRequest struct {
	BuildID    string
	JobID      string
	Payload    json.RawMessage
	Labels     []string
	MaxRetries int
}

// Enqueue creates a pending queue item.
func (s *Store) Enqueue(ctx context.Context, req EnqueueRequest) (*models.QueueItem, error) {
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	labels := req.Labels
	if labels == nil {
		labels = []string{}
	}
	labelsJSON, err := json.Marshal(labels)
	if err != nil {
		return nil, fmt.Errorf("failed to encode labels: %w", err)
	}

	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	item := &models.QueueItem{
		ID:         uuid.NewString(),
		BuildID:    req.BuildID,
		JobID:      req.JobID,
		Payload:    payload,
		Labels:     labels,
		Status:     models.QueueStatusPending,
		MaxRetries: maxRetries,
		EnqueuedAt: s.now(),
	}

	query := s.db.Rebind(`
		INSERT INTO build_queue (id, build_id, job_id, payload, labels, status,
			retry_count, max_retries, enqueued_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		item.ID, item.BuildID, item.JobID, string(payload), string(labelsJSON),
		string(item.Status), 0, maxRetries, item.EnqueuedAt, "")
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue build %s: %w", req.BuildID, err)
	}

	return item, nil
}

// DequeueNext atomically claims the oldest pending item that is due. The
// claim is a guarded update checked by rows-affected, so even replicated
// masters never claim the same item twice. Returns ErrNoPendingBuilds
// when nothing is claimable.
//
// The claim stamps next_retry_at with the claim time; nothing reads that
// column while the row is dispatching, and ReleaseStuckClaims uses it to
// age out claims whose processor died mid-dispatch.
func (s *Store) DequeueNext(ctx context.Context) (*models.QueueItem, error) {
	now := s.now()

	var rows []queueItemRow
	query := s.db.Rebind(`
		SELECT ` + queueColumns + `
		FROM build_queue
		WHERE status = 'pending' AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY enqueued_at ASC
		LIMIT ?`)
	if err := s.db.SelectContext(ctx, &rows, query, now, claimCandidates); err != nil {
		return nil, fmt.Errorf("failed to query pending builds: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNoPendingBuilds
	}

	claim := s.db.Rebind(`
		UPDATE build_queue SET status = 'dispatching', next_retry_at = ?
		WHERE id = ? AND status = 'pending'`)

	for _, row := range rows {
		res, err := s.db.ExecContext(ctx, claim, now, row.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to claim build %s: %w", row.ID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to read claim result for %s: %w", row.ID, err)
		}
		if affected != 1 {
			// Another processor won this row; try the next candidate.
			continue
		}

		item, err := row.toModel()
		if err != nil {
			return nil, err
		}
		item.Status = models.QueueStatusDispatching
		return item, nil
	}

	return nil, ErrNoPendingBuilds
}

// MarkDispatched records that an agent accepted the item's payload.
func (s *Store) MarkDispatched(ctx context.Context, id, agentID string) error {
	query := s.db.Rebind(`
		UPDATE build_queue
		SET status = 'dispatched', dispatched_at = ?, agent_id = ?, next_retry_at = NULL
		WHERE id = ? AND status NOT IN ('completed', 'dead_letter')`)
	res, err := s.db.ExecContext(ctx, query, s.now(), agentID, id)
	if err != nil {
		return fmt.Errorf("failed to mark build %s dispatched: %w", id, err)
	}
	return requireOneRow(res, id)
}

// MarkCompleted transitions an item to its terminal completed status.
func (s *Store) MarkCompleted(ctx context.Context, id string) error {
	query := s.db.Rebind(`
		UPDATE build_queue SET status = 'completed', completed_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'dead_letter')`)
	res, err := s.db.ExecContext(ctx, query, s.now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark build %s completed: %w", id, err)
	}
	return requireOneRow(res, id)
}

// CompleteByBuildID completes every live item for a build. Agents report
// results by build id, not queue id. Returns how many items transitioned.
func (s *Store) CompleteByBuildID(ctx context.Context, buildID string) (int, error) {
	query := s.db.Rebind(`
		UPDATE build_queue SET status = 'completed', completed_at = ?
		WHERE build_id = ? AND status NOT IN ('completed', 'dead_letter')`)
	res, err := s.db.ExecContext(ctx, query, s.now(), buildID)
	if err != nil {
		return 0, fmt.Errorf("failed to complete build %s: %w", buildID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read completion result for build %s: %w", buildID, err)
	}
	return int(affected), nil
}

// MarkFailed records a dispatch failure. While the retry budget lasts the
// item returns to pending with an exponential backoff plus up to 10%
// jitter; once retry_count reaches max_retries it is dead-lettered. The
// returned branch says which happened.
func (s *Store) MarkFailed(ctx context.Context, id, dispatchErr string, baseBackoff, maxBackoff time.Duration) (FailureBranch, error) {
	var row struct {
		RetryCount int    `db:"retry_count"`
		MaxRetries int    `db:"max_retries"`
		Status     string `db:"status"`
	}
	query := s.db.Rebind(`SELECT retry_count, max_retries, status FROM build_queue WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrItemNotFound
		}
		return "", fmt.Errorf("failed to load build %s: %w", id, err)
	}
	if models.QueueStatus(row.Status).Terminal() {
		return "", ErrItemNotFound
	}

	now := s.now()

	if row.RetryCount >= row.MaxRetries {
		query := s.db.Rebind(`
			UPDATE build_queue
			SET status = 'dead_letter', completed_at = ?, last_error = ?, next_retry_at = NULL
			WHERE id = ? AND status NOT IN ('completed', 'dead_letter')`)
		res, err := s.db.ExecContext(ctx, query, now, dispatchErr, id)
		if err != nil {
			return "", fmt.Errorf("failed to dead-letter build %s: %w", id, err)
		}
		if err := requireOneRow(res, id); err != nil {
			return "", err
		}
		return FailureDeadLetter, nil
	}

	next := now.Add(backoffDelay(row.RetryCount, baseBackoff, maxBackoff))
	query = s.db.Rebind(`
		UPDATE build_queue
		SET status = 'pending', retry_count = ?, next_retry_at = ?, last_error = ?, agent_id = NULL
		WHERE id = ? AND status NOT IN ('completed', 'dead_letter')`)
	res, err := s.db.ExecContext(ctx, query, row.RetryCount+1, next, dispatchErr, id)
	if err != nil {
		return "", fmt.Errorf("failed to schedule retry for build %s: %w", id, err)
	}
	if err := requireOneRow(res, id); err != nil {
		return "", err
	}
	return FailureRetry, nil
}

// backoffDelay computes base * 2^failures capped at max, plus jitter in
// [0, 10% of the capped delay].
func backoffDelay(failures int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	delay := base
	for i := 0; i < failures && i < 16; i++ {
		if max > 0 && delay >= max {
			break
		}
		delay *= 2
	}
	if max > 0 && delay > max {
		delay = max
	}
	jitter := time.Duration(rand.Int64N(int64(delay)/10 + 1))
	return delay + jitter
}

// RequeueForAgent returns every item dispatched to the agent back to the
// queue: pending with an immediate retry while budget lasts, dead-letter
// otherwise. The status guard makes it safe against completions the agent
// reported concurrently. Returns how many items moved.
func (s *Store) RequeueForAgent(ctx context.Context, agentID string) (int, error) {
	var rows []struct {
		ID         string `db:"id"`
		RetryCount int    `db:"retry_count"`
		MaxRetries int    `db:"max_retries"`
	}
	query := s.db.Rebind(`
		SELECT id, retry_count, max_retries FROM build_queue
		WHERE status = 'dispatched' AND agent_id = ?`)
	if err := s.db.SelectContext(ctx, &rows, query, agentID); err != nil {
		return 0, fmt.Errorf("failed to query dispatched builds for agent %s: %w", agentID, err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	reason := fmt.Sprintf("agent %s went offline", agentID)
	now := s.now()

	requeue := s.db.Rebind(`
		UPDATE build_queue
		SET status = 'pending', retry_count = retry_count + 1, next_retry_at = NULL,
			agent_id = NULL, last_error = ?
		WHERE id = ? AND status = 'dispatched'`)
	deadLetter := s.db.Rebind(`
		UPDATE build_queue
		SET status = 'dead_letter', completed_at = ?, next_retry_at = NULL, last_error = ?
		WHERE id = ? AND status = 'dispatched'`)

	moved := 0
	for _, row := range rows {
		var res sql.Result
		var err error
		if row.RetryCount >= row.MaxRetries {
			res, err = s.db.ExecContext(ctx, deadLetter, now, reason, row.ID)
		} else {
			res, err = s.db.ExecContext(ctx, requeue, reason, row.ID)
		}
		if err != nil {
			return moved, fmt.Errorf("failed to requeue build %s: %w", row.ID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return moved, fmt.Errorf("failed to read requeue result for %s: %w", row.ID, err)
		}
		if affected == 1 {
			moved++
		}
	}
	return moved, nil
}

// DispatchedAgentIDs returns the distinct agents currently holding
// dispatched builds. The orphan monitor uses it to find rows whose agent
// left the registry entirely.
func (s *Store) DispatchedAgentIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT DISTINCT agent_id FROM build_queue
		WHERE status = 'dispatched' AND agent_id IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to list dispatched build holders: %w", err)
	}
	return ids, nil
}

// ReleaseStuckClaims returns dispatching rows whose claim is older than
// olderThan to pending, without burning retry budget. A claim can only
// outlive its processor when the master died between claim and dispatch;
// olderThan must comfortably exceed the dispatch HTTP ceiling.
func (s *Store) ReleaseStuckClaims(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan)

	query := s.db.Rebind(`
		UPDATE build_queue
		SET status = 'pending', next_retry_at = NULL, agent_id = NULL
		WHERE status = 'dispatching' AND next_retry_at <= ?`)
	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to release stuck claims: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read stuck claim result: %w", err)
	}
	return int(affected), nil
}

// DepthPending counts claimable and scheduled pending items.
func (s *Store) DepthPending(ctx context.Context) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM build_queue WHERE status = 'pending'`)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending builds: %w", err)
	}
	return count, nil
}

// OldestPendingAge returns how long the oldest pending item has waited,
// or zero when the queue is empty.
func (s *Store) OldestPendingAge(ctx context.Context) (time.Duration, error) {
	// Selecting the column, not MIN(), keeps the timestamp type across
	// both backends.
	var oldest time.Time
	err := s.db.GetContext(ctx, &oldest, `
		SELECT enqueued_at FROM build_queue WHERE status = 'pending'
		ORDER BY enqueued_at ASC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to find oldest pending build: %w", err)
	}
	age := s.now().Sub(oldest)
	if age < 0 {
		age = 0
	}
	return age, nil
}

// ByBuildID returns the newest queue item for a build.
func (s *Store) ByBuildID(ctx context.Context, buildID string) (*models.QueueItem, error) {
	var row queueItemRow
	query := s.db.Rebind(`
		SELECT ` + queueColumns + `
		FROM build_queue WHERE build_id = ?
		ORDER BY enqueued_at DESC LIMIT 1`)
	if err := s.db.GetContext(ctx, &row, query, buildID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrItemNotFound
		}
		return nil, fmt.Errorf("failed to load build %s: %w", buildID, err)
	}
	return row.toModel()
}

// ByID returns one queue item by its primary key.
func (s *Store) ByID(ctx context.Context, id string) (*models.QueueItem, error) {
	var row queueItemRow
	query := s.db.Rebind(`
		SELECT ` + queueColumns + `
		FROM build_queue WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrItemNotFound
		}
		return nil, fmt.Errorf("failed to load queue item %s: %w", id, err)
	}
	return row.toModel()
}

// DeadLetters lists dead-lettered items, newest first.
func (s *Store) DeadLetters(ctx context.Context, limit int) ([]*models.QueueItem, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []queueItemRow
	query := s.db.Rebind(`
		SELECT ` + queueColumns + `
		FROM build_queue WHERE status = 'dead_letter'
		ORDER BY completed_at DESC LIMIT ?`)
	if err := s.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}

	items := make([]*models.QueueItem, 0, len(rows))
	for _, row := range rows {
		item, err := row.toModel()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// RequeueDeadLetter puts one dead-lettered item back in the queue with a
// fresh retry budget. Operator-driven; nothing requeues dead letters
// automatically.
func (s *Store) RequeueDeadLetter(ctx context.Context, id string) error {
	query := s.db.Rebind(`
		UPDATE build_queue
		SET status = 'pending', retry_count = 0, next_retry_at = NULL,
			completed_at = NULL, dispatched_at = NULL, agent_id = NULL
		WHERE id = ? AND status = 'dead_letter'`)
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to requeue dead letter %s: %w", id, err)
	}
	return requireOneRow(res, id)
}

// CountByStatus returns the number of items in each status.
func (s *Store) CountByStatus(ctx context.Context) (map[models.QueueStatus]int, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"count"`
	}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT status, COUNT(*) AS count FROM build_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count builds by status: %w", err)
	}

	counts := make(map[models.QueueStatus]int, len(rows))
	for _, row := range rows {
		counts[models.QueueStatus(row.Status)] = row.Count
	}
	return counts, nil
}

// Stats assembles the queue introspection snapshot.
func (s *Store) Stats(ctx context.Context) (*models.QueueStats, error) {
	counts, err := s.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	oldestAge, err := s.OldestPendingAge(ctx)
	if err != nil {
		return nil, err
	}

	return &models.QueueStats{
		PendingDepth:       counts[models.QueueStatusPending],
		OldestPendingAgeMS: oldestAge.Milliseconds(),
		Dispatching:        counts[models.QueueStatusDispatching],
		Dispatched:         counts[models.QueueStatusDispatched],
		DeadLetters:        counts[models.QueueStatusDeadLetter],
	}, nil
}

// CleanupCompleted deletes completed and dead-lettered rows older than
// the retention horizon. Returns how many rows were deleted.
func (s *Store) CleanupCompleted(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan)

	query := s.db.Rebind(`
		DELETE FROM build_queue
		WHERE status IN ('completed', 'dead_letter') AND completed_at < ?`)
	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up completed builds: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read cleanup result: %w", err)
	}
	return int(affected), nil
}

func requireOneRow(res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result for %s: %w", id, err)
	}
	if affected == 0 {
		return ErrItemNotFound
	}
	return nil
}

// queueItemRow mirrors the build_queue table. Payload and labels are JSON
// text so the same shape works on both backends.
type queueItemRow struct {
	ID           string         `db:"id"`
	BuildID      string         `db:"build_id"`
	JobID        string         `db:"job_id"`
	Payload      string         `db:"payload"`
	Labels       string         `db:"labels"`
	Status       string         `db:"status"`
	RetryCount   int            `db:"retry_count"`
	MaxRetries   int            `db:"max_retries"`
	NextRetryAt  sql.NullTime   `db:"next_retry_at"`
	EnqueuedAt   time.Time      `db:"enqueued_at"`
	DispatchedAt sql.NullTime   `db:"dispatched_at"`
	CompletedAt  sql.NullTime   `db:"completed_at"`
	AgentID      sql.NullString `db:"agent_id"`
	LastError    string         `db:"last_error"`
}

func (r queueItemRow) toModel() (*models.QueueItem, error) {
	item := &models.QueueItem{
		ID:         r.ID,
		BuildID:    r.BuildID,
		JobID:      r.JobID,
		Payload:    json.RawMessage(r.Payload),
		Status:     models.QueueStatus(r.Status),
		RetryCount: r.RetryCount,
		MaxRetries: r.MaxRetries,
		EnqueuedAt: r.EnqueuedAt,
		LastError:  r.LastError,
	}

	if r.Labels != "" {
		if err := json.Unmarshal([]byte(r.Labels), &item.Labels); err != nil {
			return nil, fmt.Errorf("failed to decode labels for build %s: %w", r.ID, err)
		}
	}
	if r.NextRetryAt.Valid {
		t := r.NextRetryAt.Time
		item.NextRetryAt = &t
	}
	if r.DispatchedAt.Valid {
		t := r.DispatchedAt.Time
		item.DispatchedAt = &t
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		item.CompletedAt = &t
	}
	if r.AgentID.Valid {
		agentID := r.AgentID.String
		item.AgentID = &agentID
	}
	return item, nil
}
