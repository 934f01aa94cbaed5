package server

import (
	"context"
	"sync"
	"time"

	"github.com/muxite/taskplane/internal/common"
	"github.com/muxite/taskplane/internal/interfaces"
	"github.com/muxite/taskplane/internal/models"
)

// seenEntry is the last status/tick a TaskEventPoller observed for a
// correlation id, used to detect changes between polls.
type seenEntry struct {
	status models.TaskState
	tick   int
}

// TaskEventPoller bridges the worker process's status writes into the
// gateway's /ws/tasks stream. StatusManager's event sink lives in the
// worker process; the gateway has no direct line to it, so the poller
// diffs the fast store on an interval and broadcasts what changed. GET
// /tasks/{id} stays authoritative regardless of what this misses between
// polls.
type TaskEventPoller struct {
	fast     interfaces.FastTaskStorage
	hub      *TaskEventHub
	interval time.Duration
	logger   *common.Logger

	mu   sync.Mutex
	seen map[string]seenEntry
}

// NewTaskEventPoller creates a poller broadcasting fast-store status
// changes to hub every interval.
func NewTaskEventPoller(fast interfaces.FastTaskStorage, hub *TaskEventHub, interval time.Duration, logger *common.Logger) *TaskEventPoller {
	return &TaskEventPoller{
		fast:     fast,
		hub:      hub,
		interval: interval,
		logger:   logger,
		seen:     make(map[string]seenEntry),
	}
}

// Run polls until ctx is canceled. Intended to be launched as a goroutine.
func (p *TaskEventPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *TaskEventPoller) poll(ctx context.Context) {
	records, err := p.fast.ListTasks(ctx)
	if err != nil {
		p.logger.Warn().Err(err).Msg("task event poll failed")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	present := make(map[string]bool, len(records))
	for _, rec := range records {
		present[rec.CorrelationID] = true

		tick := 0
		if rec.Tick != nil {
			tick = *rec.Tick
		}
		entry := seenEntry{status: rec.Status, tick: tick}

		if prev, ok := p.seen[rec.CorrelationID]; ok && prev == entry {
			continue
		}
		p.seen[rec.CorrelationID] = entry

		p.hub.Broadcast(models.TaskStatusEvent{
			CorrelationID: rec.CorrelationID,
			Status:        rec.Status.External(),
			Tick:          rec.Tick,
			Timestamp:     rec.UpdatedAt,
		})
	}

	for id := range p.seen {
		if !present[id] {
			delete(p.seen, id)
		}
	}
}
