package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steward-ci/steward/pkg/breaker"
	"github.com/steward-ci/steward/pkg/database"
	"github.com/steward-ci/steward/pkg/dispatch"
	"github.com/steward-ci/steward/pkg/models"
	"github.com/steward-ci/steward/pkg/queue"
	"github.com/steward-ci/steward/pkg/registry"
	"github.com/steward-ci/steward/pkg/transport"
)

func newBuildService(t *testing.T, cfg dispatch.Config) (*BuildService, *database.Client, *queue.Store, *registry.Registry) {
	t.Helper()
	client, err := database.NewClient(context.Background(), database.Config{
		Type: database.TypeSQLite,
		Path: ":memory:",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store := queue.NewStore(client.DB)
	reg := registry.New(nil, nil, time.Minute)
	breakers := breaker.New(breaker.Config{}, nil)
	pool := transport.NewPool(transport.Config{RequestTimeout: 2 * time.Second})
	t.Cleanup(pool.CloseAll)

	dispatcher := dispatch.New(cfg, store, reg, breakers, pool, nil)
	return NewBuildService(dispatcher, store, reg), client, store, reg
}

func queuedConfig() dispatch.Config {
	return dispatch.Config{Enabled: true, QueueEnabled: true, MaxRetries: 3}
}

func TestNewBuildService(t *testing.T) {
	svc, _, store, _ := newBuildService(t, queuedConfig())
	assert.NotNil(t, svc)

	t.Run("panics when dispatcher is nil", func(t *testing.T) {
		assert.Panics(t, func() { NewBuildService(nil, store, nil) })
	})

	t.Run("panics when store is nil", func(t *testing.T) {
		d := dispatch.New(dispatch.Config{}, nil, nil, nil, nil, nil)
		assert.Panics(t, func() { NewBuildService(d, nil, nil) })
	})
}

func TestBuildService_Submit(t *testing.T) {
	svc, _, store, _ := newBuildService(t, queuedConfig())
	ctx := context.Background()

	t.Run("rejects missing build id", func(t *testing.T) {
		_, err := svc.Submit(ctx, models.BuildRequest{JobID: "job-1"})
		assert.True(t, IsValidationError(err))
	})

	t.Run("rejects missing job id", func(t *testing.T) {
		_, err := svc.Submit(ctx, models.BuildRequest{BuildID: "build-1"})
		assert.True(t, IsValidationError(err))
	})

	t.Run("rejects negative max retries", func(t *testing.T) {
		n := -1
		_, err := svc.Submit(ctx, models.BuildRequest{
			BuildID: "build-1", JobID: "job-1", MaxRetries: &n,
		})
		assert.True(t, IsValidationError(err))
	})

	t.Run("rejects non-object payload", func(t *testing.T) {
		_, err := svc.Submit(ctx, models.BuildRequest{
			BuildID: "build-1", JobID: "job-1", Payload: json.RawMessage(`[1,2]`),
		})
		assert.True(t, IsValidationError(err))
	})

	t.Run("queues with embedded scheduling fields", func(t *testing.T) {
		result, err := svc.Submit(ctx, models.BuildRequest{
			BuildID:   "build-1",
			JobID:     "job-1",
			OrgID:     "acme",
			Labels:    []string{"linux"},
			Resources: &models.ResourceRequest{CPUCores: 4, MemoryGB: 8},
			Payload:   json.RawMessage(`{"repo":"git://example.com/app.git"}`),
		})
		require.NoError(t, err)
		assert.Equal(t, dispatch.ModeQueued, result.Mode)
		assert.NotEmpty(t, result.QueueID)

		item, err := store.ByBuildID(ctx, "build-1")
		require.NoError(t, err)
		assert.JSONEq(t, `{
			"build_id": "build-1",
			"job_id": "job-1",
			"org_id": "acme",
			"resources": {"cpu_cores": 4, "memory_gb": 8},
			"repo": "git://example.com/app.git"
		}`, string(item.Payload))
		assert.Equal(t, []string{"linux"}, item.Labels)
		assert.Equal(t, 3, item.MaxRetries)
	})

	t.Run("payload keys win over top-level fields", func(t *testing.T) {
		_, err := svc.Submit(ctx, models.BuildRequest{
			BuildID: "build-2",
			JobID:   "job-2",
			OrgID:   "acme",
			Payload: json.RawMessage(`{"org_id":"globex"}`),
		})
		require.NoError(t, err)

		item, err := store.ByBuildID(ctx, "build-2")
		require.NoError(t, err)
		hints := models.ExtractPayloadHints(item.Payload)
		assert.Equal(t, "globex", hints.OrgID)
	})

	t.Run("caller retry budget wins", func(t *testing.T) {
		n := 5
		_, err := svc.Submit(ctx, models.BuildRequest{
			BuildID: "build-3", JobID: "job-3", MaxRetries: &n,
		})
		require.NoError(t, err)

		item, err := store.ByBuildID(ctx, "build-3")
		require.NoError(t, err)
		assert.Equal(t, 5, item.MaxRetries)
	})
}

func TestBuildService_Complete(t *testing.T) {
	svc, _, store, reg := newBuildService(t, queuedConfig())
	ctx := context.Background()

	agent := reg.Register(ctx, registry.Registration{Name: "agent-1", URL: "http://agent-1:8380"})
	require.True(t, reg.IncrementBuilds(agent.ID))

	_, err := store.Enqueue(ctx, queue.EnqueueRequest{BuildID: "build-1", JobID: "job-1"})
	require.NoError(t, err)

	t.Run("completes queue row and releases the agent", func(t *testing.T) {
		count, err := svc.Complete(ctx, "build-1", agent.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		item, err := store.ByBuildID(ctx, "build-1")
		require.NoError(t, err)
		assert.Equal(t, models.QueueStatusCompleted, item.Status)

		updated, ok := reg.Get(agent.ID)
		require.True(t, ok)
		assert.Equal(t, 0, updated.CurrentBuilds)
	})

	t.Run("direct builds have no queue row", func(t *testing.T) {
		count, err := svc.Complete(ctx, "build-direct", "")
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})

	t.Run("rejects empty build id", func(t *testing.T) {
		_, err := svc.Complete(ctx, "", agent.ID)
		assert.True(t, IsValidationError(err))
	})
}

func TestBuildService_Status(t *testing.T) {
	svc, _, store, _ := newBuildService(t, queuedConfig())
	ctx := context.Background()

	_, err := store.Enqueue(ctx, queue.EnqueueRequest{BuildID: "build-1", JobID: "job-1"})
	require.NoError(t, err)

	item, err := svc.Status(ctx, "build-1")
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, item.Status)

	_, err = svc.Status(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBuildService_DeadLetterOps(t *testing.T) {
	svc, client, store, _ := newBuildService(t, queuedConfig())
	ctx := context.Background()

	item, err := store.Enqueue(ctx, queue.EnqueueRequest{BuildID: "build-1", JobID: "job-1"})
	require.NoError(t, err)
	_, err = client.DB.Exec(client.DB.Rebind(
		`UPDATE build_queue SET status = 'dead_letter', completed_at = ?, retry_count = 3 WHERE id = ?`),
		time.Now().UTC(), item.ID)
	require.NoError(t, err)

	letters, err := svc.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "build-1", letters[0].BuildID)

	requeued, err := svc.RequeueDeadLetter(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, requeued.Status)
	assert.Equal(t, 0, requeued.RetryCount)

	_, err = svc.RequeueDeadLetter(ctx, item.ID)
	assert.ErrorIs(t, err, ErrNotFound, "a pending item is no longer a dead letter")

	_, err = svc.RequeueDeadLetter(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBuildService_QueueStats(t *testing.T) {
	svc, _, store, _ := newBuildService(t, queuedConfig())
	ctx := context.Background()

	for _, id := range []string{"build-1", "build-2"} {
		_, err := store.Enqueue(ctx, queue.EnqueueRequest{BuildID: id, JobID: "job-" + id})
		require.NoError(t, err)
	}

	stats, err := svc.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.PendingDepth)
	assert.Equal(t, 0, stats.DeadLetters)
}
