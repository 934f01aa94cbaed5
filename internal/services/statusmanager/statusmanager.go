// Package statusmanager is the single authority for task- and
// worker-status writes from the worker side, offering best-effort and
// resilient write modes backed by a bounded pending-update buffer.
package statusmanager

import (
	"context"
	"sync"
	"time"

	"github.com/muxite/taskplane/internal/common"
	"github.com/muxite/taskplane/internal/interfaces"
	"github.com/muxite/taskplane/internal/models"
)

// TaskStatusOptions composes a sparse task-status update.
type TaskStatusOptions struct {
	Resilient bool
	Tick      *int
	MaxTicks  *int
	Mandate   *string
	Result    map[string]interface{}
	Error     *string
}

type pendingTaskUpdate struct {
	correlationID string
	update        models.TaskUpdate
	enqueuedAt    time.Time
}

type pendingWorkerStatus struct {
	workerID   string
	status     models.WorkerStatusType
	metadata   map[string]interface{}
	enqueuedAt time.Time
}

// Manager publishes task and worker status transitions and retries failed
// writes in the background until an absolute age is reached.
type Manager struct {
	fast    interfaces.FastTaskStorage
	workers interfaces.WorkerStorage
	logger  *common.Logger
	cfg     *common.Config

	mu            sync.Mutex
	pendingTasks  []pendingTaskUpdate
	pendingWorker *pendingWorkerStatus

	eventSink func(models.TaskStatusEvent)
}

// New creates a Manager over the fast store's task and worker surfaces.
func New(fast interfaces.FastTaskStorage, workers interfaces.WorkerStorage, logger *common.Logger, cfg *common.Config) *Manager {
	return &Manager{fast: fast, workers: workers, logger: logger, cfg: cfg}
}

// SetEventSink registers a callback invoked after every successful task
// status publish. The /ws/tasks hub is fed by the gateway's TaskEventPoller,
// not by this sink.
func (m *Manager) SetEventSink(sink func(models.TaskStatusEvent)) {
	m.eventSink = sink
}

func (m *Manager) maxPending() int {
	if m.cfg.Agent.MaxPendingStatusUpdates <= 0 {
		return 1024
	}
	return m.cfg.Agent.MaxPendingStatusUpdates
}

// PublishTaskStatus writes a task status transition. On failure the update
// is enqueued for background retry rather than surfaced to the caller.
func (m *Manager) PublishTaskStatus(ctx context.Context, correlationID string, state models.TaskState, opts TaskStatusOptions) {
	update := models.TaskUpdate{
		Status:   &state,
		Tick:     opts.Tick,
		MaxTicks: opts.MaxTicks,
		Mandate:  opts.Mandate,
		Result:   opts.Result,
		Error:    opts.Error,
	}

	var err error
	if opts.Resilient {
		var ok bool
		ok, err = m.fast.UpdateTaskResilient(ctx, correlationID, update, m.cfg.Status.ResilientMaxWait())
		if ok {
			err = nil
		}
	} else {
		err = m.fast.UpdateTask(ctx, correlationID, update)
	}

	if err != nil {
		m.enqueueTaskUpdate(correlationID, update)
		m.logger.Warn().Err(err).Str("correlation_id", correlationID).Str("status", string(state)).Msg("status write failed, enqueued for retry")
		return
	}

	m.emit(correlationID, state, opts.Tick)
}

func (m *Manager) enqueueTaskUpdate(correlationID string, update models.TaskUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.pendingTasks) >= m.maxPending() {
		dropped := m.pendingTasks[0]
		m.pendingTasks = m.pendingTasks[1:]
		m.logger.Warn().Str("correlation_id", dropped.correlationID).Msg("pending status buffer full, dropping oldest update")
	}
	m.pendingTasks = append(m.pendingTasks, pendingTaskUpdate{
		correlationID: correlationID,
		update:        update,
		enqueuedAt:    time.Now(),
	})
}

// PublishWorkerStatus writes a worker presence update. On failure it
// replaces the single-slot pending-worker-status buffer (idempotent,
// last-writer-wins).
func (m *Manager) PublishWorkerStatus(ctx context.Context, workerID string, status models.WorkerStatusType, metadata map[string]interface{}, resilient bool) {
	ttl := m.cfg.Status.LivenessTTL()

	var err error
	if resilient {
		var ok bool
		ok, err = m.workers.PublishWorkerStatusResilient(ctx, workerID, status, metadata, ttl, m.cfg.Status.ResilientMaxWait())
		if ok {
			err = nil
		}
	} else {
		err = m.workers.PublishWorkerStatus(ctx, workerID, status, metadata, ttl)
	}

	if err != nil {
		m.mu.Lock()
		m.pendingWorker = &pendingWorkerStatus{
			workerID:   workerID,
			status:     status,
			metadata:   metadata,
			enqueuedAt: time.Now(),
		}
		m.mu.Unlock()
		m.logger.Warn().Err(err).Str("worker_id", workerID).Str("status", string(status)).Msg("worker status write failed, enqueued for retry")
	}
}

// HasPendingUpdates reports whether either buffer currently holds work.
func (m *Manager) HasPendingUpdates() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pendingTasks) > 0 || m.pendingWorker != nil
}

// PendingCount returns the total number of buffered updates across both
// buffers.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := len(m.pendingTasks)
	if m.pendingWorker != nil {
		count++
	}
	return count
}

// RetryPendingUpdates drains both buffers once: snapshot under the lock,
// I/O outside it, write the surviving entries back under the lock.
func (m *Manager) RetryPendingUpdates(ctx context.Context) {
	m.mu.Lock()
	taskSnapshot := append([]pendingTaskUpdate(nil), m.pendingTasks...)
	workerSnapshot := m.pendingWorker
	m.mu.Unlock()

	retryTimeout := m.cfg.Status.ResilientRetryTimeout()
	maxWait := m.cfg.Status.ResilientMaxWait()
	now := time.Now()

	var survivors []pendingTaskUpdate
	for _, p := range taskSnapshot {
		age := now.Sub(p.enqueuedAt)
		if age >= retryTimeout {
			m.logger.Warn().Str("correlation_id", p.correlationID).Dur("age", age).Msg("dropping stale pending status update")
			continue
		}

		budget := retryTimeout - age
		if budget > maxWait {
			budget = maxWait
		}

		ok, err := m.fast.UpdateTaskResilient(ctx, p.correlationID, p.update, budget)
		if ok {
			if p.update.Status != nil {
				m.emit(p.correlationID, *p.update.Status, p.update.Tick)
			}
			continue
		}
		if err != nil {
			m.logger.Warn().Err(err).Str("correlation_id", p.correlationID).Msg("retry of pending status update failed")
		}
		survivors = append(survivors, p)
	}

	var survivingWorker *pendingWorkerStatus
	if workerSnapshot != nil {
		age := now.Sub(workerSnapshot.enqueuedAt)
		if age >= retryTimeout {
			m.logger.Warn().Str("worker_id", workerSnapshot.workerID).Dur("age", age).Msg("dropping stale pending worker status")
		} else {
			budget := retryTimeout - age
			if budget > maxWait {
				budget = maxWait
			}
			ok, err := m.workers.PublishWorkerStatusResilient(ctx, workerSnapshot.workerID, workerSnapshot.status, workerSnapshot.metadata, m.cfg.Status.LivenessTTL(), budget)
			if !ok {
				if err != nil {
					m.logger.Warn().Err(err).Str("worker_id", workerSnapshot.workerID).Msg("retry of pending worker status failed")
				}
				survivingWorker = workerSnapshot
			}
		}
	}

	m.mu.Lock()
	m.pendingTasks = survivors
	m.pendingWorker = survivingWorker
	m.mu.Unlock()
}

func (m *Manager) emit(correlationID string, state models.TaskState, tick *int) {
	if m.eventSink == nil {
		return
	}
	m.eventSink(models.TaskStatusEvent{
		CorrelationID: correlationID,
		Status:        string(state.External()),
		Tick:          tick,
		Timestamp:     time.Now().UTC(),
	})
}
