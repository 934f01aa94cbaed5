package faststore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/muxite/taskplane/internal/common"
	"github.com/muxite/taskplane/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(common.NewSilentLogger(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_CreateGetTask(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := models.TaskRecord{
		CorrelationID: "corr-1",
		UserID:        "user-1",
		Mandate:       "research something",
		Status:        models.StatePending,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
		MaxTicks:      50,
	}
	require.NoError(t, store.CreateTask(ctx, rec))

	got, ok, err := store.GetTask(ctx, "corr-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, models.StatePending, got.Status)
	require.Equal(t, "research something", got.Mandate)
}

func TestStore_GetTask_Absent(t *testing.T) {
	store := newTestStore(t)
	_, ok, err := store.GetTask(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStore_UpdateTask_MergesSparse(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := models.TaskRecord{
		CorrelationID: "corr-2",
		Status:        models.StatePending,
		Mandate:       "original mandate",
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	require.NoError(t, store.CreateTask(ctx, rec))

	accepted := models.StateAccepted
	tick := 1
	require.NoError(t, store.UpdateTask(ctx, "corr-2", models.TaskUpdate{Status: &accepted, Tick: &tick}))

	got, ok, err := store.GetTask(ctx, "corr-2")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, models.StateAccepted, got.Status)
	require.Equal(t, "original mandate", got.Mandate)
	require.NotNil(t, got.Tick)
	require.Equal(t, 1, *got.Tick)
}

func TestStore_UpdateTask_MissingReturnsNotFound(t *testing.T) {
	store := newTestStore(t)
	status := models.StateFailed
	err := store.UpdateTask(context.Background(), "nope", models.TaskUpdate{Status: &status})
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestStore_DeleteTask(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	rec := models.TaskRecord{CorrelationID: "corr-3", Status: models.StateCompleted}
	require.NoError(t, store.CreateTask(ctx, rec))

	ok, err := store.DeleteTask(ctx, "corr-3")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.DeleteTask(ctx, "corr-3")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStore_ListTasks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateTask(ctx, models.TaskRecord{CorrelationID: "a", Status: models.StatePending}))
	require.NoError(t, store.CreateTask(ctx, models.TaskRecord{CorrelationID: "b", Status: models.StatePending}))

	tasks, err := store.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
}

func TestStore_WorkerPresence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PublishWorkerStatus(ctx, "worker-1", models.WorkerFree, nil, time.Minute))
	require.NoError(t, store.PublishWorkerStatus(ctx, "worker-2", models.WorkerWorking, map[string]interface{}{"correlation_id": "corr-9"}, time.Minute))

	count, err := store.GetWorkerCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	workers, err := store.GetActiveWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 2)
}

func TestStore_WorkerPresence_ExpiresAfterTTL(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PublishWorkerStatus(ctx, "worker-ttl", models.WorkerFree, nil, 10*time.Millisecond))
	time.Sleep(50 * time.Millisecond)

	count, err := store.GetWorkerCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestStore_UpdateTaskResilient_SucceedsImmediately(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateTask(ctx, models.TaskRecord{CorrelationID: "corr-r", Status: models.StatePending}))

	status := models.StateInProgress
	ok, err := store.UpdateTaskResilient(ctx, "corr-r", models.TaskUpdate{Status: &status}, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestStore_UpdateTaskResilient_GivesUpAfterBudget(t *testing.T) {
	store := newTestStore(t)
	status := models.StateFailed
	ok, err := store.UpdateTaskResilient(context.Background(), "missing", models.TaskUpdate{Status: &status}, 120*time.Millisecond)
	require.Error(t, err)
	require.False(t, ok)
}
