package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/steward-ci/steward/pkg/dispatch"
	"github.com/steward-ci/steward/pkg/models"
	"github.com/steward-ci/steward/pkg/queue"
	"github.com/steward-ci/steward/pkg/registry"
)

// BuildService validates build submissions, hands them to the dispatch
// decision, and answers queue introspection requests.
type BuildService struct {
	dispatcher *dispatch.Dispatcher
	store      *queue.Store
	registry   *registry.Registry
}

// NewBuildService creates a new BuildService.
func NewBuildService(dispatcher *dispatch.Dispatcher, store *queue.Store, reg *registry.Registry) *BuildService {
	if dispatcher == nil {
		panic("NewBuildService: dispatcher must not be nil")
	}
	if store == nil {
		panic("NewBuildService: store must not be nil")
	}
	return &BuildService{
		dispatcher: dispatcher,
		store:      store,
		registry:   reg,
	}
}

// Submit validates a build request and runs the dispatch decision.
func (s *BuildService) Submit(ctx context.Context, req models.BuildRequest) (*dispatch.Result, error) {
	if req.BuildID == "" {
		return nil, NewValidationError("build_id", "build id is required")
	}
	if req.JobID == "" {
		return nil, NewValidationError("job_id", "job id is required")
	}
	if req.MaxRetries != nil && *req.MaxRetries < 0 {
		return nil, NewValidationError("max_retries", "must not be negative")
	}

	payload, err := buildPayload(req)
	if err != nil {
		return nil, err
	}

	maxRetries := 0
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	return s.dispatcher.Dispatch(ctx, dispatch.Request{
		BuildID:    req.BuildID,
		JobID:      req.JobID,
		Payload:    payload,
		Labels:     req.Labels,
		MaxRetries: maxRetries,
	})
}

// buildPayload folds the request's top-level identity and scheduling
// fields into the payload object. Keys the caller already set win, and
// fields the master does not understand pass through untouched.
func buildPayload(req models.BuildRequest) (json.RawMessage, error) {
	doc := map[string]any{}
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &doc); err != nil {
			return nil, NewValidationError("payload", "must be a JSON object")
		}
	}

	setIfAbsent := func(key string, value any) {
		if _, ok := doc[key]; !ok {
			doc[key] = value
		}
	}
	setIfAbsent("build_id", req.BuildID)
	setIfAbsent("job_id", req.JobID)
	if req.OrgID != "" {
		setIfAbsent("org_id", req.OrgID)
	}
	if req.Resources != nil {
		setIfAbsent("resources", req.Resources)
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode build payload: %w", err)
	}
	return payload, nil
}

// Status returns the newest queue row for a build.
func (s *BuildService) Status(ctx context.Context, buildID string) (*models.QueueItem, error) {
	item, err := s.store.ByBuildID(ctx, buildID)
	if errors.Is(err, queue.ErrItemNotFound) {
		return nil, fmt.Errorf("build %s: %w", buildID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

// Complete records an agent's completion report. Builds dispatched
// directly have no queue row, so zero completed rows is not an error.
// The reporting agent's load counter is released either way.
func (s *BuildService) Complete(ctx context.Context, buildID, agentID string) (int, error) {
	if buildID == "" {
		return 0, NewValidationError("build_id", "build id is required")
	}

	if agentID != "" && s.registry != nil {
		if !s.registry.DecrementBuilds(agentID) {
			slog.Debug("Completion report from unknown agent",
				"build_id", buildID, "agent_id", agentID)
		}
	}

	count, err := s.store.CompleteByBuildID(ctx, buildID)
	if err != nil {
		return 0, err
	}
	slog.Info("Build completed", "build_id", buildID, "agent_id", agentID, "queue_rows", count)
	return count, nil
}

// QueueStats aggregates queue depth and status counts.
func (s *BuildService) QueueStats(ctx context.Context) (*models.QueueStats, error) {
	return s.store.Stats(ctx)
}

// DeadLetters lists builds that exhausted their retry budget, newest
// first.
func (s *BuildService) DeadLetters(ctx context.Context, limit int) ([]*models.QueueItem, error) {
	return s.store.DeadLetters(ctx, limit)
}

// RequeueDeadLetter puts a dead-lettered build back in the queue with a
// fresh retry budget.
func (s *BuildService) RequeueDeadLetter(ctx context.Context, id string) (*models.QueueItem, error) {
	err := s.store.RequeueDeadLetter(ctx, id)
	if errors.Is(err, queue.ErrItemNotFound) {
		return nil, fmt.Errorf("dead letter %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	item, err := s.store.ByID(ctx, id)
	if err != nil {
		return nil, err
	}
	slog.Info("Dead letter requeued", "queue_id", id, "build_id", item.BuildID)
	return item, nil
}
