// Package cleanup enforces queue retention.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/steward-ci/steward/pkg/config"
	"github.com/steward-ci/steward/pkg/queue"
)

// Service periodically deletes completed and dead-letter queue rows
// past their retention window. Deletion is idempotent, and on Postgres
// the retention-cleanup lease keeps it on a single master.
type Service struct {
	config *config.RetentionConfig
	store  *queue.Store

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a cleanup service over the build queue.
func NewService(cfg *config.RetentionConfig, store *queue.Store) *Service {
	return &Service{
		config: cfg,
		store:  store,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"completed_retention", s.config.CompletedRetention,
		"interval", s.config.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
// The service can be started again; the leader lease cycles it.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.pruneFinishedBuilds(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pruneFinishedBuilds(ctx)
		}
	}
}

func (s *Service) pruneFinishedBuilds(ctx context.Context) {
	count, err := s.store.CleanupCompleted(ctx, s.config.CompletedRetention)
	if err != nil {
		slog.Error("Retention: queue cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: pruned finished builds", "count", count)
	}
}
