// Package dispatch decides where a submitted build runs: on this master,
// on a remote agent right away, or via the durable queue.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/steward-ci/steward/pkg/breaker"
	"github.com/steward-ci/steward/pkg/metrics"
	"github.com/steward-ci/steward/pkg/models"
	"github.com/steward-ci/steward/pkg/queue"
	"github.com/steward-ci/steward/pkg/registry"
	"github.com/steward-ci/steward/pkg/transport"
)

// dispatchPath is the agent endpoint that accepts build payloads.
const dispatchPath = "/builds"

// Mode is where a build ended up.
type Mode string

const (
	// ModeLocal means the caller should run the build on this master.
	ModeLocal Mode = "local"

	// ModeQueued means the build was persisted for the queue processor.
	ModeQueued Mode = "queued"

	// ModeRemote means an agent accepted the build synchronously.
	ModeRemote Mode = "remote"

	// ModeFailed means remote dispatch failed and local fallback is off.
	ModeFailed Mode = "failed"
)

// Request describes one build to place.
type Request struct {
	BuildID    string
	JobID      string
	Payload    json.RawMessage
	Labels     []string
	MaxRetries int
}

// Result is the dispatch decision.
type Result struct {
	Mode    Mode
	QueueID string
	AgentID string

	// FallbackReason says why a distributed build came back to this
	// master. Only set with ModeLocal after a failed remote attempt.
	FallbackReason string

	// Error carries the dispatch failure when Mode is ModeFailed.
	Error string
}

// Config tunes the decision tree.
type Config struct {
	// Enabled turns distributed execution on. Off means every build is
	// local.
	Enabled bool

	// QueueEnabled routes builds through the durable queue instead of
	// dispatching synchronously.
	QueueEnabled bool

	// FallbackLocal runs the build on this master when remote dispatch
	// fails or no agent qualifies.
	FallbackLocal bool

	// MaxRetries is the retry budget for queued builds that do not name
	// their own.
	MaxRetries int
}

// Dispatcher implements the decision tree. A nil store means persistence
// is not configured and queue mode is unavailable.
type Dispatcher struct {
	cfg      Config
	store    *queue.Store
	registry *registry.Registry
	breakers *breaker.Registry
	pool     *transport.Pool
	recorder *metrics.Recorder
}

// New creates a dispatcher.
func New(cfg Config, store *queue.Store, reg *registry.Registry, breakers *breaker.Registry, pool *transport.Pool, recorder *metrics.Recorder) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		store:    store,
		registry: reg,
		breakers: breakers,
		pool:     pool,
		recorder: recorder,
	}
}

// Dispatch places one build. The returned error is reserved for
// persistence failures; every policy outcome, including a failed remote
// dispatch, arrives as a Result.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Result, error) {
	if !d.cfg.Enabled {
		return &Result{Mode: ModeLocal}, nil
	}

	if d.cfg.QueueEnabled && d.store != nil {
		maxRetries := req.MaxRetries
		if maxRetries <= 0 {
			maxRetries = d.cfg.MaxRetries
		}
		item, err := d.store.Enqueue(ctx, queue.EnqueueRequest{
			BuildID:    req.BuildID,
			JobID:      req.JobID,
			Payload:    req.Payload,
			Labels:     req.Labels,
			MaxRetries: maxRetries,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to queue build %s: %w", req.BuildID, err)
		}
		slog.Info("Build queued for dispatch",
			"build_id", req.BuildID, "queue_id", item.ID, "labels", req.Labels)
		d.recorder.ObserveDispatch(metrics.OutcomeQueued, 0)
		return &Result{Mode: ModeQueued, QueueID: item.ID}, nil
	}

	return d.direct(ctx, req), nil
}

// direct POSTs the payload to the best eligible agent right away.
func (d *Dispatcher) direct(ctx context.Context, req Request) *Result {
	hints := models.ExtractPayloadHints(req.Payload)

	candidates := d.registry.Candidates(registry.Criteria{
		Labels:    req.Labels,
		OrgID:     hints.OrgID,
		Resources: hints.Resources,
	})

	var agent *models.Agent
	for _, candidate := range candidates {
		if d.breakers.AllowRequest(candidate.ID) {
			agent = candidate
			break
		}
	}
	if agent == nil {
		return d.fallback(req, "no eligible agent available")
	}

	logger := slog.With("build_id", req.BuildID, "agent_id", agent.ID)

	start := time.Now()
	result, err := d.pool.Post(ctx, agent.ID, agent.URL, dispatchPath, req.Payload, nil)
	elapsed := time.Since(start)

	if err != nil {
		logger.Warn("Direct dispatch failed", "error", err, "elapsed", elapsed)
		d.breakers.RecordFailure(agent.ID)
		return d.fallback(req, err.Error())
	}
	if !result.OK() {
		reason := fmt.Sprintf("agent %s returned status %d", agent.ID, result.StatusCode)
		logger.Warn("Direct dispatch rejected", "status", result.StatusCode, "elapsed", elapsed)
		d.breakers.RecordFailure(agent.ID)
		return d.fallback(req, reason)
	}

	d.breakers.RecordSuccess(agent.ID)
	d.registry.IncrementBuilds(agent.ID)
	d.recorder.ObserveDispatch(metrics.OutcomeDispatched, elapsed)
	logger.Info("Build dispatched directly", "elapsed", elapsed)
	return &Result{Mode: ModeRemote, AgentID: agent.ID}
}

// fallback applies the configured policy after a failed remote attempt.
func (d *Dispatcher) fallback(req Request, reason string) *Result {
	if d.cfg.FallbackLocal {
		slog.Warn("Falling back to local execution",
			"build_id", req.BuildID, "reason", reason)
		d.recorder.ObserveDispatch(metrics.OutcomeLocal, 0)
		return &Result{Mode: ModeLocal, FallbackReason: reason}
	}
	d.recorder.ObserveDispatch(metrics.OutcomeFailed, 0)
	return &Result{Mode: ModeFailed, Error: reason}
}
