package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/muxite/taskplane/internal/common"
	"github.com/muxite/taskplane/internal/interfaces"
	"github.com/muxite/taskplane/internal/models"
)

type pollerFakeFast struct {
	records []models.TaskRecord
}

func (f *pollerFakeFast) CreateTask(ctx context.Context, rec models.TaskRecord) error { return nil }
func (f *pollerFakeFast) GetTask(ctx context.Context, correlationID string) (models.TaskRecord, bool, error) {
	return models.TaskRecord{}, false, nil
}
func (f *pollerFakeFast) UpdateTask(ctx context.Context, correlationID string, update models.TaskUpdate) error {
	return nil
}
func (f *pollerFakeFast) UpdateTaskResilient(ctx context.Context, correlationID string, update models.TaskUpdate, maxWait time.Duration) (bool, error) {
	return true, nil
}
func (f *pollerFakeFast) DeleteTask(ctx context.Context, correlationID string) (bool, error) {
	return true, nil
}
func (f *pollerFakeFast) ListTasks(ctx context.Context) ([]models.TaskRecord, error) {
	return f.records, nil
}
func (f *pollerFakeFast) Close() error { return nil }

var _ interfaces.FastTaskStorage = (*pollerFakeFast)(nil)

func TestTaskEventPoller_BroadcastsOnStatusChange(t *testing.T) {
	fast := &pollerFakeFast{records: []models.TaskRecord{
		{CorrelationID: "abc", Status: models.StatePending, UpdatedAt: time.Now()},
	}}
	hub := NewTaskEventHub(common.NewSilentLogger())
	poller := NewTaskEventPoller(fast, hub, time.Millisecond, common.NewSilentLogger())

	received := make(chan models.TaskStatusEvent, 4)
	hub.broadcast = make(chan models.TaskStatusEvent, 4)
	go func() {
		for ev := range hub.broadcast {
			received <- ev
		}
	}()

	ctx := context.Background()
	poller.poll(ctx)

	select {
	case ev := <-received:
		require.Equal(t, "abc", ev.CorrelationID)
		require.Equal(t, "in_queue", ev.Status)
	case <-time.After(time.Second):
		t.Fatal("expected broadcast on first poll")
	}

	poller.poll(ctx)
	select {
	case <-received:
		t.Fatal("unexpected broadcast on unchanged poll")
	case <-time.After(50 * time.Millisecond):
	}

	fast.records[0].Status = models.StateCompleted
	poller.poll(ctx)
	select {
	case ev := <-received:
		require.Equal(t, "completed", ev.Status)
	case <-time.After(time.Second):
		t.Fatal("expected broadcast on status change")
	}
}
