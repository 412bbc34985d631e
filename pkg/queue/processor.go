package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/steward-ci/steward/pkg/breaker"
	"github.com/steward-ci/steward/pkg/metrics"
	"github.com/steward-ci/steward/pkg/models"
	"github.com/steward-ci/steward/pkg/registry"
	"github.com/steward-ci/steward/pkg/transport"
)

// dispatchPath is the agent endpoint that accepts build payloads.
const dispatchPath = "/builds"

// maxIdleExponent bounds the adaptive sleep growth at base * 2^4.
const maxIdleExponent = 4

// ProcessorConfig tunes the dispatch loop.
type ProcessorConfig struct {
	// PollInterval is the base sleep after an empty poll. Consecutive
	// empty polls double it up to MaxIdleSleep.
	PollInterval time.Duration

	// MaxIdleSleep caps the adaptive sleep.
	MaxIdleSleep time.Duration

	// BaseRetryBackoff seeds the exponential retry schedule.
	BaseRetryBackoff time.Duration

	// MaxRetryBackoff caps the retry schedule.
	MaxRetryBackoff time.Duration

	// FallbackLocal clamps the no-agent backoff so builds return to the
	// queue quickly enough for a local fallback to pick them up.
	FallbackLocal bool
}

func (c ProcessorConfig) withDefaults() ProcessorConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.MaxIdleSleep <= 0 {
		c.MaxIdleSleep = 5 * time.Second
	}
	if c.BaseRetryBackoff <= 0 {
		c.BaseRetryBackoff = time.Second
	}
	if c.MaxRetryBackoff <= 0 {
		c.MaxRetryBackoff = 30 * time.Second
	}
	return c
}

// noAgentBackoffCap bounds the retry delay when no agent was available
// and the master can fall back to local execution.
const noAgentBackoffCap = 5 * time.Second

// Processor drains the build queue: it claims pending items one at a
// time and dispatches each to the best eligible agent. Exactly one
// processor per cluster runs at a time; the leader elector starts and
// stops it as the lease moves between masters.
type Processor struct {
	store    *Store
	registry *registry.Registry
	breakers *breaker.Registry
	pool     *transport.Pool
	recorder *metrics.Recorder
	cfg      ProcessorConfig

	wg sync.WaitGroup

	mu               sync.RWMutex
	running          bool
	stopCh           chan struct{}
	buildsDispatched int
	buildsFailed     int
	consecutiveEmpty int
	lastClaimAt      time.Time
	lastActivity     time.Time
}

// NewProcessor creates a stopped processor.
func NewProcessor(store *Store, reg *registry.Registry, breakers *breaker.Registry, pool *transport.Pool, recorder *metrics.Recorder, cfg ProcessorConfig) *Processor {
	return &Processor{
		store:    store,
		registry: reg,
		breakers: breakers,
		pool:     pool,
		recorder: recorder,
		cfg:      cfg.withDefaults(),
	}
}

// Start launches the dispatch loop. Safe to call again after Stop; the
// leader elector cycles the processor as leadership moves.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})

	p.wg.Add(1)
	go p.run(ctx, p.stopCh)

	slog.Info("Queue processor started",
		"poll_interval", p.cfg.PollInterval,
		"max_idle_sleep", p.cfg.MaxIdleSleep)
}

// Stop signals the loop and waits for the current iteration to finish.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	stopCh := p.stopCh
	p.mu.Unlock()

	close(stopCh)
	p.wg.Wait()
	slog.Info("Queue processor stopped")
}

// Health reports the loop's counters.
func (p *Processor) Health() ProcessorHealth {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return ProcessorHealth{
		Running:          p.running,
		BuildsDispatched: p.buildsDispatched,
		BuildsFailed:     p.buildsFailed,
		ConsecutiveEmpty: p.consecutiveEmpty,
		LastClaimAt:      p.lastClaimAt,
		LastActivity:     p.lastActivity,
	}
}

func (p *Processor) run(ctx context.Context, stopCh chan struct{}) {
	defer p.wg.Done()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		item, err := p.store.DequeueNext(ctx)
		if errors.Is(err, ErrNoPendingBuilds) {
			p.sleep(stopCh, p.idleSleep())
			continue
		}
		if err != nil {
			slog.Error("Failed to claim next build", "error", err)
			p.sleep(stopCh, time.Second)
			continue
		}

		p.noteClaim()
		p.dispatch(ctx, item)
	}
}

// sleep waits for d or until stopCh closes, whichever comes first, so
// Stop never blocks behind an idle wait.
func (p *Processor) sleep(stopCh chan struct{}, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-stopCh:
	case <-timer.C:
	}
}

// idleSleep returns the adaptive delay for the current empty streak and
// extends the streak. The first empty poll sleeps the base interval.
func (p *Processor) idleSleep() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	exp := p.consecutiveEmpty
	if exp > maxIdleExponent {
		exp = maxIdleExponent
	}
	d := p.cfg.PollInterval << exp
	if d > p.cfg.MaxIdleSleep {
		d = p.cfg.MaxIdleSleep
	}
	p.consecutiveEmpty++
	p.lastActivity = time.Now()
	return d
}

func (p *Processor) noteClaim() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutiveEmpty = 0
	now := time.Now()
	p.lastClaimAt = now
	p.lastActivity = now
}

// dispatch routes one claimed item to an agent. All failure paths are
// handled here; the loop keeps going no matter what happens to a single
// item.
func (p *Processor) dispatch(ctx context.Context, item *models.QueueItem) {
	hints := models.ExtractPayloadHints(item.Payload)

	candidates := p.registry.Candidates(registry.Criteria{
		Labels:    item.Labels,
		OrgID:     hints.OrgID,
		Resources: hints.Resources,
	})

	var agent *models.Agent
	for _, candidate := range candidates {
		if p.breakers.AllowRequest(candidate.ID) {
			agent = candidate
			break
		}
	}

	if agent == nil {
		// Capacity, not an agent fault. Breakers stay untouched and the
		// backoff is clamped short when local fallback can absorb the build.
		maxBackoff := p.cfg.MaxRetryBackoff
		if p.cfg.FallbackLocal && maxBackoff > noAgentBackoffCap {
			maxBackoff = noAgentBackoffCap
		}
		p.fail(ctx, item, "no eligible agent available", p.cfg.BaseRetryBackoff, maxBackoff)
		p.recorder.ObserveDispatch(metrics.OutcomeNoAgent, 0)
		return
	}

	logger := slog.With("queue_id", item.ID, "build_id", item.BuildID, "agent_id", agent.ID)

	start := time.Now()
	result, err := p.pool.Post(ctx, agent.ID, agent.URL, dispatchPath, item.Payload, nil)
	elapsed := time.Since(start)

	if err != nil {
		logger.Warn("Build dispatch failed", "error", err, "elapsed", elapsed)
		p.breakers.RecordFailure(agent.ID)
		p.fail(ctx, item, err.Error(), p.cfg.BaseRetryBackoff, p.cfg.MaxRetryBackoff)
		p.recorder.ObserveDispatch(metrics.OutcomeFailed, elapsed)
		return
	}
	if !result.OK() {
		reason := fmt.Sprintf("agent %s returned status %d", agent.ID, result.StatusCode)
		logger.Warn("Build dispatch rejected", "status", result.StatusCode, "elapsed", elapsed)
		p.breakers.RecordFailure(agent.ID)
		p.fail(ctx, item, reason, p.cfg.BaseRetryBackoff, p.cfg.MaxRetryBackoff)
		p.recorder.ObserveDispatch(metrics.OutcomeFailed, elapsed)
		return
	}

	p.breakers.RecordSuccess(agent.ID)
	p.registry.IncrementBuilds(agent.ID)

	if err := p.store.MarkDispatched(ctx, item.ID, agent.ID); err != nil {
		// The agent accepted the build; the row will be swept back to
		// pending if this update never lands.
		logger.Error("Failed to record dispatch", "error", err)
	}

	p.mu.Lock()
	p.buildsDispatched++
	p.mu.Unlock()
	p.recorder.ObserveDispatch(metrics.OutcomeDispatched, elapsed)
	logger.Info("Build dispatched", "elapsed", elapsed)
}

// fail applies the retry-or-dead-letter policy and records the outcome.
func (p *Processor) fail(ctx context.Context, item *models.QueueItem, reason string, base, max time.Duration) {
	branch, err := p.store.MarkFailed(ctx, item.ID, reason, base, max)
	if errors.Is(err, ErrItemNotFound) {
		// Completed or dead-lettered concurrently; nothing left to do.
		return
	}
	if err != nil {
		slog.Error("Failed to record dispatch failure",
			"queue_id", item.ID, "build_id", item.BuildID, "error", err)
		return
	}

	p.mu.Lock()
	p.buildsFailed++
	p.mu.Unlock()

	if branch == FailureDeadLetter {
		slog.Warn("Build moved to dead letter",
			"queue_id", item.ID, "build_id", item.BuildID,
			"retries", item.MaxRetries, "reason", reason)
		p.recorder.AddDeadLetter()
	}
}

