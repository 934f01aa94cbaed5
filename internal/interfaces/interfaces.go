// Package interfaces defines the service contracts binding the gateway,
// worker, and storage layers together.
package interfaces

import (
	"context"
	"time"

	"github.com/muxite/taskplane/internal/models"
)

// FastTaskStorage is the low-latency, mutable, TTL-agnostic task store (C1).
type FastTaskStorage interface {
	CreateTask(ctx context.Context, rec models.TaskRecord) error
	GetTask(ctx context.Context, correlationID string) (models.TaskRecord, bool, error)
	UpdateTask(ctx context.Context, correlationID string, update models.TaskUpdate) error
	UpdateTaskResilient(ctx context.Context, correlationID string, update models.TaskUpdate, maxWait time.Duration) (bool, error)
	DeleteTask(ctx context.Context, correlationID string) (bool, error)
	ListTasks(ctx context.Context) ([]models.TaskRecord, error)
	Close() error
}

// WorkerStorage tracks worker presence/liveness and activity in the fast
// store, under a TTL-backed key.
type WorkerStorage interface {
	PublishWorkerStatus(ctx context.Context, workerID string, status models.WorkerStatusType, metadata map[string]interface{}, ttl time.Duration) error
	PublishWorkerStatusResilient(ctx context.Context, workerID string, status models.WorkerStatusType, metadata map[string]interface{}, ttl time.Duration, maxWait time.Duration) (bool, error)
	GetWorkerCount(ctx context.Context) (int, error)
	GetActiveWorkers(ctx context.Context) ([]models.WorkerEntry, error)
}

// DurableTaskStorage is the authoritative, per-user, restart-surviving task
// store (C2). All calls are scoped by an access token carrying the caller's
// authorization.
type DurableTaskStorage interface {
	CreateTask(ctx context.Context, rec models.TaskRecord, userID, accessToken string) error
	GetTask(ctx context.Context, correlationID, accessToken string) (models.TaskRecord, bool, error)
	UpdateTask(ctx context.Context, correlationID string, update models.TaskUpdate, accessToken string) error
	ListTasks(ctx context.Context, userID, accessToken string) ([]models.TaskRecord, error)
	Close() error
}

// Broker is the durable work-queue abstraction (C3): at-least-once delivery
// with manual ack.
type Broker interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsReady() bool
	PublishTask(ctx context.Context, correlationID string, envelope models.TaskEnvelope) error
	ConsumeQueue(ctx context.Context, queue string, handler func(ctx context.Context, envelope models.TaskEnvelope) error) error
	GetQueueDepth(ctx context.Context, queue string) (int, error)
	// ReconnectLoop retries Connect with exponential backoff until ctx is
	// canceled or the broker becomes ready.
	ReconnectLoop(ctx context.Context)
}

// QuotaChecker gates task admission against a per-user daily tick allowance.
type QuotaChecker interface {
	CheckAndConsume(ctx context.Context, accessToken, userID, email string, units int) (QuotaResult, error)
}

// QuotaResult reports whether a quota check admitted the request.
type QuotaResult struct {
	Allowed   bool
	Remaining int
}

// TaskProtector is the deployment-controller capability that prevents
// involuntary termination of a worker instance while it holds work (ECS
// task protection, or any equivalent).
type TaskProtector interface {
	UpdateProtection(ctx context.Context, enabled bool) error
}

// Agent is the external, black-box reasoning engine. Given a mandate and a
// tick budget it returns a deliverable; its internals (prompting, DAG
// expansion, tool execution) are out of scope for this platform.
type Agent interface {
	Run(ctx context.Context, mandate string, maxTicks int) (AgentResult, error)
	CurrentTick() int
}

// AgentResult is what an Agent run produces.
type AgentResult struct {
	Success      bool
	Deliverables []string
	Notes        string
	Error        string
}
