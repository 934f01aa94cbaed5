package statusmanager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/muxite/taskplane/internal/common"
	"github.com/muxite/taskplane/internal/models"
)

// fakeFastStore is a minimal in-memory interfaces.FastTaskStorage whose
// UpdateTask/UpdateTaskResilient behavior is driven by failAttempts, letting
// tests force a chosen number of failures before success. Calls on both paths
// count towards failAttempts.
type fakeFastStore struct {
	mu            sync.Mutex
	failAttempts  int
	calls         int
	resilientCall int
	lastUpdate    models.TaskUpdate
}

func (f *fakeFastStore) CreateTask(ctx context.Context, rec models.TaskRecord) error { return nil }

func (f *fakeFastStore) GetTask(ctx context.Context, correlationID string) (models.TaskRecord, bool, error) {
	return models.TaskRecord{}, false, nil
}

func (f *fakeFastStore) UpdateTask(ctx context.Context, correlationID string, update models.TaskUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastUpdate = update
	if f.calls <= f.failAttempts {
		return errors.New("fast store unavailable")
	}
	return nil
}

func (f *fakeFastStore) UpdateTaskResilient(ctx context.Context, correlationID string, update models.TaskUpdate, maxWait time.Duration) (bool, error) {
	f.mu.Lock()
	f.resilientCall++
	attempt := f.calls + f.resilientCall
	f.lastUpdate = update
	f.mu.Unlock()
	if attempt <= f.failAttempts {
		return false, errors.New("fast store unavailable")
	}
	return true, nil
}

func (f *fakeFastStore) DeleteTask(ctx context.Context, correlationID string) (bool, error) {
	return false, nil
}

func (f *fakeFastStore) ListTasks(ctx context.Context) ([]models.TaskRecord, error) {
	return nil, nil
}

func (f *fakeFastStore) Close() error { return nil }

// fakeWorkerStore is a minimal in-memory interfaces.WorkerStorage with the
// same failAttempts-driven behavior as fakeFastStore.
type fakeWorkerStore struct {
	mu            sync.Mutex
	failAttempts  int
	calls         int
	resilientCall int
}

func (f *fakeWorkerStore) PublishWorkerStatus(ctx context.Context, workerID string, status models.WorkerStatusType, metadata map[string]interface{}, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failAttempts {
		return errors.New("worker store unavailable")
	}
	return nil
}

func (f *fakeWorkerStore) PublishWorkerStatusResilient(ctx context.Context, workerID string, status models.WorkerStatusType, metadata map[string]interface{}, ttl time.Duration, maxWait time.Duration) (bool, error) {
	f.mu.Lock()
	f.resilientCall++
	attempt := f.calls + f.resilientCall
	f.mu.Unlock()
	if attempt <= f.failAttempts {
		return false, errors.New("worker store unavailable")
	}
	return true, nil
}

func (f *fakeWorkerStore) GetWorkerCount(ctx context.Context) (int, error) { return 0, nil }

func (f *fakeWorkerStore) GetActiveWorkers(ctx context.Context) ([]models.WorkerEntry, error) {
	return nil, nil
}

func testConfig() *common.Config {
	cfg := &common.Config{}
	cfg.Agent.MaxPendingStatusUpdates = 2
	cfg.Status.IntervalSeconds = 5
	cfg.Status.ResilientMaxWaitSeconds = 1
	cfg.Status.ResilientRetryTimeoutSeconds = 1
	return cfg
}

func TestPublishTaskStatus_BestEffort_Success(t *testing.T) {
	fast := &fakeFastStore{}
	m := New(fast, &fakeWorkerStore{}, common.NewSilentLogger(), testConfig())

	var events []models.TaskStatusEvent
	m.SetEventSink(func(e models.TaskStatusEvent) { events = append(events, e) })

	m.PublishTaskStatus(context.Background(), "corr-1", models.StateAccepted, TaskStatusOptions{})

	require.False(t, m.HasPendingUpdates())
	require.Len(t, events, 1)
	require.Equal(t, "corr-1", events[0].CorrelationID)
	require.Equal(t, "in_progress", events[0].Status)
}

func TestPublishTaskStatus_BestEffort_FailureEnqueues(t *testing.T) {
	fast := &fakeFastStore{failAttempts: 99}
	m := New(fast, &fakeWorkerStore{}, common.NewSilentLogger(), testConfig())

	var events []models.TaskStatusEvent
	m.SetEventSink(func(e models.TaskStatusEvent) { events = append(events, e) })

	m.PublishTaskStatus(context.Background(), "corr-2", models.StateInProgress, TaskStatusOptions{})

	require.True(t, m.HasPendingUpdates())
	require.Equal(t, 1, m.PendingCount())
	require.Empty(t, events)
}

func TestPublishTaskStatus_Resilient_UsesResilientWrite(t *testing.T) {
	fast := &fakeFastStore{}
	m := New(fast, &fakeWorkerStore{}, common.NewSilentLogger(), testConfig())

	m.PublishTaskStatus(context.Background(), "corr-3", models.StateCompleted, TaskStatusOptions{Resilient: true})

	require.False(t, m.HasPendingUpdates())
	require.Equal(t, 1, fast.resilientCall)
}

func TestEnqueueTaskUpdate_DropsOldestWhenFull(t *testing.T) {
	fast := &fakeFastStore{failAttempts: 99}
	m := New(fast, &fakeWorkerStore{}, common.NewSilentLogger(), testConfig())

	m.PublishTaskStatus(context.Background(), "corr-a", models.StateAccepted, TaskStatusOptions{})
	m.PublishTaskStatus(context.Background(), "corr-b", models.StateAccepted, TaskStatusOptions{})
	m.PublishTaskStatus(context.Background(), "corr-c", models.StateAccepted, TaskStatusOptions{})

	require.Equal(t, 2, m.PendingCount())
	require.Equal(t, "corr-b", m.pendingTasks[0].correlationID)
	require.Equal(t, "corr-c", m.pendingTasks[1].correlationID)
}

func TestPublishWorkerStatus_BestEffort_Success(t *testing.T) {
	workers := &fakeWorkerStore{}
	m := New(&fakeFastStore{}, workers, common.NewSilentLogger(), testConfig())

	m.PublishWorkerStatus(context.Background(), "worker-1", models.WorkerFree, nil, false)

	require.False(t, m.HasPendingUpdates())
}

func TestPublishWorkerStatus_FailureOverwritesSingleSlot(t *testing.T) {
	workers := &fakeWorkerStore{failAttempts: 99}
	m := New(&fakeFastStore{}, workers, common.NewSilentLogger(), testConfig())

	m.PublishWorkerStatus(context.Background(), "worker-1", models.WorkerFree, nil, false)
	m.PublishWorkerStatus(context.Background(), "worker-1", models.WorkerWorking, map[string]interface{}{"correlation_id": "corr-9"}, false)

	require.Equal(t, 1, m.PendingCount())
	require.Equal(t, models.WorkerWorking, m.pendingWorker.status)
}

func TestRetryPendingUpdates_SuccessRemovesFromBuffer(t *testing.T) {
	fast := &fakeFastStore{failAttempts: 1}
	workers := &fakeWorkerStore{failAttempts: 1}
	m := New(fast, workers, common.NewSilentLogger(), testConfig())

	m.PublishTaskStatus(context.Background(), "corr-retry", models.StateInProgress, TaskStatusOptions{})
	m.PublishWorkerStatus(context.Background(), "worker-retry", models.WorkerFree, nil, false)
	require.Equal(t, 2, m.PendingCount())

	m.RetryPendingUpdates(context.Background())

	require.False(t, m.HasPendingUpdates())
}

func TestRetryPendingUpdates_DropsStaleEntriesPastTimeout(t *testing.T) {
	fast := &fakeFastStore{failAttempts: 99}
	m := New(fast, &fakeWorkerStore{}, common.NewSilentLogger(), testConfig())

	m.mu.Lock()
	m.pendingTasks = []pendingTaskUpdate{{
		correlationID: "corr-old",
		update:        models.TaskUpdate{},
		enqueuedAt:    time.Now().Add(-2 * time.Second),
	}}
	m.mu.Unlock()

	m.RetryPendingUpdates(context.Background())

	require.False(t, m.HasPendingUpdates())
}

func TestRetryPendingUpdates_EmitsOnSuccessfulRetry(t *testing.T) {
	fast := &fakeFastStore{failAttempts: 1}
	m := New(fast, &fakeWorkerStore{}, common.NewSilentLogger(), testConfig())

	var events []models.TaskStatusEvent
	m.SetEventSink(func(e models.TaskStatusEvent) { events = append(events, e) })

	m.PublishTaskStatus(context.Background(), "corr-emit", models.StateCompleted, TaskStatusOptions{})
	require.Empty(t, events)

	m.RetryPendingUpdates(context.Background())

	require.Len(t, events, 1)
	require.Equal(t, "corr-emit", events[0].CorrelationID)
	require.Equal(t, "completed", events[0].Status)
}
