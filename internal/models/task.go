// Package models defines the shared data contracts for the task-execution
// platform: the task record, its wire envelope, the worker status taxonomy,
// and the finite state machine binding them together.
package models

import "time"

// TaskState is the canonical internal lifecycle state of a task. Only the
// worker servicing a task may advance it out of StatePending.
type TaskState string

const (
	StatePending    TaskState = "pending"
	StateAccepted   TaskState = "accepted"
	StateInProgress TaskState = "in_progress"
	StateCompleted  TaskState = "completed"
	StateFailed     TaskState = "failed"
)

// terminalOrder ranks states for the I3 tie-break: pending < accepted <
// in_progress < terminal. Completed and failed are both terminal and rank
// equally for tie-break purposes.
var terminalOrder = map[TaskState]int{
	StatePending:    0,
	StateAccepted:   1,
	StateInProgress: 2,
	StateCompleted:  3,
	StateFailed:     3,
}

// Rank returns this state's position in the I3 tie-break ordering.
func (s TaskState) Rank() int {
	return terminalOrder[s]
}

// IsTerminal reports whether s is a terminal state (completed or failed).
func (s TaskState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// External returns the status vocabulary the gateway exposes to callers:
// pending -> in_queue, {accepted,in_progress} -> in_progress, else unchanged.
func (s TaskState) External() string {
	switch s {
	case StatePending:
		return "in_queue"
	case StateAccepted, StateInProgress:
		return "in_progress"
	default:
		return string(s)
	}
}

// TaskRecord is the canonical per-task entity, shared by the fast and
// durable stores.
type TaskRecord struct {
	CorrelationID string                 `json:"correlation_id"`
	UserID        string                 `json:"user_id,omitempty"`
	Mandate       string                 `json:"mandate"`
	Status        TaskState              `json:"status"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	Tick          *int                   `json:"tick,omitempty"`
	MaxTicks      int                    `json:"max_ticks"`
	Result        map[string]interface{} `json:"result,omitempty"`
	Error         string                 `json:"error,omitempty"`
}

// Clone returns a deep-enough copy of r suitable for merge comparisons and
// mutation without aliasing the original's Result map.
func (r TaskRecord) Clone() TaskRecord {
	c := r
	if r.Tick != nil {
		t := *r.Tick
		c.Tick = &t
	}
	if r.Result != nil {
		c.Result = make(map[string]interface{}, len(r.Result))
		for k, v := range r.Result {
			c.Result[k] = v
		}
	}
	return c
}

// NewerThan implements the I3/4.1 merge tie-break: greater updated_at wins;
// on a tie, the higher-ranked (more advanced) status wins.
func (r TaskRecord) NewerThan(other TaskRecord) bool {
	if !r.UpdatedAt.Equal(other.UpdatedAt) {
		return r.UpdatedAt.After(other.UpdatedAt)
	}
	return r.Status.Rank() > other.Status.Rank()
}

// TaskUpdate is a sparse partial update applied over an existing TaskRecord.
// Nil/zero fields are left untouched by the merge.
type TaskUpdate struct {
	Status   *TaskState
	Mandate  *string
	Tick     *int
	MaxTicks *int
	Result   map[string]interface{}
	Error    *string
}

// ApplyTo merges u over rec in place, mirroring shared/storage.py's
// update_task: existing.update(updates) followed by updated_at = now.
func (u TaskUpdate) ApplyTo(rec *TaskRecord, now time.Time) {
	if u.Status != nil {
		rec.Status = *u.Status
	}
	if u.Mandate != nil {
		rec.Mandate = *u.Mandate
	}
	if u.Tick != nil {
		t := *u.Tick
		rec.Tick = &t
	}
	if u.MaxTicks != nil {
		rec.MaxTicks = *u.MaxTicks
	}
	if u.Result != nil {
		rec.Result = u.Result
	}
	if u.Error != nil {
		rec.Error = *u.Error
	}
	rec.UpdatedAt = now
}

// TaskEnvelope is the broker message shape: the work order, as distinct from
// TaskRecord (the state).
type TaskEnvelope struct {
	CorrelationID string `json:"correlation_id"`
	Mandate       string `json:"mandate"`
	MaxTicks      int    `json:"max_ticks"`
}

// TaskRequest is the inbound POST /tasks body.
type TaskRequest struct {
	Mandate       string `json:"mandate"`
	MaxTicks      int    `json:"max_ticks,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// TaskResponse is the outbound shape for task reads, using the external
// status vocabulary.
type TaskResponse struct {
	CorrelationID string                 `json:"correlation_id"`
	Status        string                 `json:"status"`
	Mandate       string                 `json:"mandate"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	Result        map[string]interface{} `json:"result,omitempty"`
	Error         string                 `json:"error,omitempty"`
	Tick          *int                   `json:"tick,omitempty"`
	MaxTicks      int                    `json:"max_ticks"`
}

// ToResponse normalizes a TaskRecord into its external representation.
func (r TaskRecord) ToResponse() TaskResponse {
	return TaskResponse{
		CorrelationID: r.CorrelationID,
		Status:        r.Status.External(),
		Mandate:       r.Mandate,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		Result:        r.Result,
		Error:         r.Error,
		Tick:          r.Tick,
		MaxTicks:      r.MaxTicks,
	}
}

// WorkerStatusType is the worker liveness/activity taxonomy.
type WorkerStatusType string

const (
	WorkerFree    WorkerStatusType = "free"
	WorkerWorking WorkerStatusType = "working"
)

// WorkerEntry is one live worker's published status, as returned by
// GetActiveWorkers.
type WorkerEntry struct {
	WorkerID  string                 `json:"worker_id"`
	Status    WorkerStatusType       `json:"status"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// CompletionResult is the normalized shape an agent run produces on success,
// mirroring original_source's CompletionResult.result().
type CompletionResult struct {
	Success      bool     `json:"success"`
	Deliverables []string `json:"deliverables"`
	Notes        string   `json:"notes"`
}

// AsMap renders the completion result as the generic map TaskRecord.Result
// expects.
func (c CompletionResult) AsMap() map[string]interface{} {
	return map[string]interface{}{
		"success":      c.Success,
		"deliverables": c.Deliverables,
		"notes":        c.Notes,
	}
}
