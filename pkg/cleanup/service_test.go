package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steward-ci/steward/pkg/config"
	"github.com/steward-ci/steward/pkg/database"
	"github.com/steward-ci/steward/pkg/queue"
)

func setupQueueStore(t *testing.T) (*database.Client, *queue.Store) {
	t.Helper()
	client, err := database.NewClient(context.Background(), database.Config{
		Type: database.TypeSQLite,
		Path: ":memory:",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, queue.NewStore(client.DB)
}

// finishBuild enqueues and completes one build, backdating completed_at
// by age.
func finishBuild(t *testing.T, client *database.Client, store *queue.Store, buildID string, age time.Duration) {
	t.Helper()
	ctx := context.Background()
	item, err := store.Enqueue(ctx, queue.EnqueueRequest{BuildID: buildID, JobID: "job-" + buildID})
	require.NoError(t, err)
	require.NoError(t, store.MarkCompleted(ctx, item.ID))
	if age > 0 {
		_, err = client.DB.Exec(client.DB.Rebind(
			`UPDATE build_queue SET completed_at = ? WHERE id = ?`),
			time.Now().UTC().Add(-age), item.ID)
		require.NoError(t, err)
	}
}

func TestService_PrunesExpiredBuilds(t *testing.T) {
	client, store := setupQueueStore(t)
	ctx := context.Background()

	finishBuild(t, client, store, "build-expired", 200*time.Hour)
	finishBuild(t, client, store, "build-recent", 0)

	// An expired dead letter is pruned on the same schedule.
	_, err := client.DB.Exec(client.DB.Rebind(
		`UPDATE build_queue SET status = 'dead_letter' WHERE build_id = ?`),
		"build-expired")
	require.NoError(t, err)

	// Pending rows have no completed_at and are never retention targets.
	_, err = store.Enqueue(ctx, queue.EnqueueRequest{BuildID: "build-pending", JobID: "job-p"})
	require.NoError(t, err)

	svc := NewService(&config.RetentionConfig{
		CompletedRetention: 168 * time.Hour,
		CleanupInterval:    time.Hour,
	}, store)
	svc.pruneFinishedBuilds(ctx)

	_, err = store.ByBuildID(ctx, "build-expired")
	assert.ErrorIs(t, err, queue.ErrItemNotFound)

	recent, err := store.ByBuildID(ctx, "build-recent")
	require.NoError(t, err)
	assert.Equal(t, "build-recent", recent.BuildID)

	pending, err := store.ByBuildID(ctx, "build-pending")
	require.NoError(t, err)
	assert.Equal(t, "build-pending", pending.BuildID)
}

func TestService_RunsOnStart(t *testing.T) {
	client, store := setupQueueStore(t)

	finishBuild(t, client, store, "build-old", 200*time.Hour)

	svc := NewService(&config.RetentionConfig{
		CompletedRetention: 168 * time.Hour,
		CleanupInterval:    time.Hour,
	}, store)
	svc.Start(context.Background())
	t.Cleanup(svc.Stop)

	require.Eventually(t, func() bool {
		_, err := store.ByBuildID(context.Background(), "build-old")
		return err != nil
	}, 2*time.Second, 10*time.Millisecond, "startup pass should prune expired builds")
}

func TestService_StopAndRestart(t *testing.T) {
	_, store := setupQueueStore(t)

	svc := NewService(&config.RetentionConfig{
		CompletedRetention: 168 * time.Hour,
		CleanupInterval:    time.Hour,
	}, store)

	svc.Start(context.Background())
	svc.Stop()
	svc.Start(context.Background())
	svc.Stop()

	// Stop without a running loop is a no-op.
	svc.Stop()
}
