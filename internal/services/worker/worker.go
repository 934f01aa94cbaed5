// Package worker drives a single worker instance from startup through an
// unbounded sequence of task executions to graceful drain, grounded on
// jobmanager.JobManager's safeGo/Start/Stop goroutine-group shape
// generalized to the agent domain.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/muxite/taskplane/internal/common"
	"github.com/muxite/taskplane/internal/interfaces"
	"github.com/muxite/taskplane/internal/models"
	"github.com/muxite/taskplane/internal/services/statusmanager"
)

// noopProtector is the default interfaces.TaskProtector when no deployment
// controller capability is wired in (e.g. local/dev runs outside ECS).
type noopProtector struct{}

func (noopProtector) UpdateProtection(ctx context.Context, enabled bool) error { return nil }

// Agent drives one worker process: broker consumption, status publication,
// and the free-timeout/protection lifecycle around task execution.
type Agent struct {
	id        string
	fast      interfaces.FastTaskStorage
	broker    interfaces.Broker
	status    *statusmanager.Manager
	protector interfaces.TaskProtector
	runner    interfaces.Agent
	logger    *common.Logger
	cfg       *common.Config

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	freeSince     time.Time
	consuming     bool
	freeTimerStop context.CancelFunc
}

// Option configures an Agent at construction time.
type Option func(*Agent)

// WithProtector overrides the default no-op TaskProtector.
func WithProtector(p interfaces.TaskProtector) Option {
	return func(a *Agent) { a.protector = p }
}

// WithWorkerID overrides the generated worker ID.
func WithWorkerID(id string) Option {
	return func(a *Agent) { a.id = id }
}

// New creates a worker Agent. runner is the external reasoning engine
// invoked per task.
func New(fast interfaces.FastTaskStorage, broker interfaces.Broker, status *statusmanager.Manager, runner interfaces.Agent, logger *common.Logger, cfg *common.Config, opts ...Option) *Agent {
	a := &Agent{
		id:        fmt.Sprintf("worker-%s", uuid.New().String()[:8]),
		fast:      fast,
		broker:    broker,
		status:    status,
		protector: noopProtector{},
		runner:    runner,
		logger:    logger,
		cfg:       cfg,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ID returns this worker's identity, used as its presence key.
func (a *Agent) ID() string { return a.id }

// safeGo launches a goroutine under the agent's WaitGroup with panic
// recovery and logging.
func (a *Agent) safeGo(name string, fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error().Str("goroutine", name).Str("panic", fmt.Sprintf("%v", r)).Str("stack", string(debug.Stack())).Msg("recovered from panic in worker goroutine")
			}
		}()
		fn()
	}()
}

// Start launches the worker's long-lived goroutines: presence, reconnect
// (which itself starts/restarts the consumer), status-retry, and the
// initial free-timeout window.
func (a *Agent) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.broker.Connect(runCtx); err != nil {
		a.logger.Warn().Err(err).Msg("initial broker connect failed, reconnect loop will retry")
	}

	a.safeGo("presence", func() { a.presenceLoop(runCtx) })
	a.safeGo("reconnect", func() { a.reconnectLoop(runCtx) })
	a.safeGo("status-retry", func() { a.statusRetryLoop(runCtx) })

	a.status.PublishWorkerStatus(runCtx, a.id, models.WorkerFree, nil, true)
	a.setFreeSince(time.Now())
	a.startFreeTimeout(runCtx)

	a.logger.Info().Str("worker_id", a.id).Msg("worker started")
}

// Stop cancels all goroutines, releases protection, and publishes a final
// free status, bounded by the configured shutdown timeout.
func (a *Agent) Stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Agent.ShutdownTimeout())
	defer cancel()

	if a.cancel != nil {
		a.cancel()
	}
	a.stopFreeTimeout()
	a.wg.Wait()

	if err := a.protector.UpdateProtection(shutdownCtx, false); err != nil {
		a.logger.Warn().Err(err).Msg("release task protection on shutdown failed")
	}
	if err := a.broker.Disconnect(shutdownCtx); err != nil {
		a.logger.Warn().Err(err).Msg("broker disconnect on shutdown failed")
	}
	a.status.PublishWorkerStatus(shutdownCtx, a.id, models.WorkerFree, nil, false)

	a.logger.Info().Str("worker_id", a.id).Msg("worker stopped")
}

func (a *Agent) presenceLoop(ctx context.Context) {
	interval := a.cfg.Status.Interval()
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.status.PublishWorkerStatus(ctx, a.id, a.currentStatus(), nil, false)
		}
	}
}

func (a *Agent) currentStatus() models.WorkerStatusType {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.consuming && a.freeSince.IsZero() {
		return models.WorkerWorking
	}
	return models.WorkerFree
}

// reconnectLoop delegates connection recovery to the broker's own backoff
// loop, then (re)starts the consumer whenever the broker is ready and the
// consumer is not already running.
func (a *Agent) reconnectLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !a.broker.IsReady() {
			a.broker.ReconnectLoop(ctx)
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		if !a.isConsuming() {
			a.runConsumer(ctx)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (a *Agent) isConsuming() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.consuming
}

func (a *Agent) setConsuming(v bool) {
	a.mu.Lock()
	a.consuming = v
	a.mu.Unlock()
}

func (a *Agent) runConsumer(ctx context.Context) {
	a.setConsuming(true)
	defer a.setConsuming(false)

	err := a.broker.ConsumeQueue(ctx, a.cfg.Broker.InputQueue, a.handleEnvelope)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Warn().Err(err).Msg("consumer exited with error, reconnect loop will restart it")
	}
}

func (a *Agent) statusRetryLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.status.RetryPendingUpdates(ctx)
		}
	}
}

func (a *Agent) startFreeTimeout(ctx context.Context) {
	a.stopFreeTimeout()
	timeoutCtx, cancel := context.WithCancel(ctx)
	a.freeTimerStop = cancel
	a.safeGo("free-timeout", func() { a.freeTimeoutLoop(timeoutCtx) })
}

func (a *Agent) stopFreeTimeout() {
	a.mu.Lock()
	stop := a.freeTimerStop
	a.freeTimerStop = nil
	a.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (a *Agent) setFreeSince(t time.Time) {
	a.mu.Lock()
	a.freeSince = t
	a.mu.Unlock()
}

func (a *Agent) clearFreeSince() {
	a.mu.Lock()
	a.freeSince = time.Time{}
	a.mu.Unlock()
}

// freeTimeoutLoop releases task protection once the worker has been free
// for at least the configured free-timeout window, allowing the deployment
// controller to scale this instance down.
func (a *Agent) freeTimeoutLoop(ctx context.Context) {
	timeout := a.cfg.Agent.FreeTimeout()
	if timeout <= 0 {
		return
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(timeout):
	}
	if err := a.protector.UpdateProtection(ctx, false); err != nil {
		a.logger.Warn().Err(err).Msg("release task protection on free timeout failed")
	}
}

// handleEnvelope is the per-task handler invoked by the consumer on each
// delivered envelope. A non-nil return requeues the message; nil acks it.
func (a *Agent) handleEnvelope(ctx context.Context, envelope models.TaskEnvelope) error {
	if envelope.CorrelationID == "" || envelope.Mandate == "" || len(envelope.Mandate) > a.cfg.Gateway.MaxMandateLength {
		a.logger.Warn().Str("correlation_id", envelope.CorrelationID).Msg("dropping invalid envelope")
		return nil
	}

	if existing, ok, err := a.fast.GetTask(ctx, envelope.CorrelationID); err == nil && ok && existing.Status.IsTerminal() {
		a.logger.Info().Str("correlation_id", envelope.CorrelationID).Msg("duplicate delivery of already-terminal task, acking without re-running")
		return nil
	}

	a.stopFreeTimeout()
	a.clearFreeSince()

	if err := a.protector.UpdateProtection(ctx, true); err != nil {
		a.logger.Warn().Err(err).Str("correlation_id", envelope.CorrelationID).Msg("task protection request failed")
	}

	a.status.PublishTaskStatus(ctx, envelope.CorrelationID, models.StateAccepted, statusmanager.TaskStatusOptions{Resilient: true})
	a.status.PublishTaskStatus(ctx, envelope.CorrelationID, models.StateInProgress, statusmanager.TaskStatusOptions{Resilient: true})
	a.status.PublishWorkerStatus(ctx, a.id, models.WorkerWorking, map[string]interface{}{"correlation_id": envelope.CorrelationID}, true)

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	lastTick := -1
	var tickMu sync.Mutex
	a.safeGo("heartbeat", func() { a.heartbeatLoop(heartbeatCtx, envelope.CorrelationID, &lastTick, &tickMu) })

	taskCtx, cancelTask := context.WithTimeout(ctx, a.cfg.Agent.TaskTimeout())
	result, err := a.runAgent(taskCtx, envelope)
	cancelTask()
	stopHeartbeat()

	a.publishTerminal(ctx, envelope.CorrelationID, result, err)

	if perr := a.protector.UpdateProtection(ctx, false); perr != nil {
		a.logger.Warn().Err(perr).Str("correlation_id", envelope.CorrelationID).Msg("task protection release failed")
	}
	a.status.PublishWorkerStatus(ctx, a.id, models.WorkerFree, nil, true)
	a.setFreeSince(time.Now())
	a.startFreeTimeout(ctx)

	a.drainPendingStatus(ctx)

	return nil
}

func (a *Agent) runAgent(ctx context.Context, envelope models.TaskEnvelope) (interfaces.AgentResult, error) {
	type outcome struct {
		result interfaces.AgentResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := a.runner.Run(ctx, envelope.Mandate, envelope.MaxTicks)
		done <- outcome{result, err}
	}()

	select {
	case <-ctx.Done():
		return interfaces.AgentResult{}, fmt.Errorf("task execution timed out after %ds", a.cfg.Agent.TaskTimeoutSeconds)
	case o := <-done:
		return o.result, o.err
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context, correlationID string, lastTick *int, tickMu *sync.Mutex) {
	interval := a.cfg.Status.Interval()
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick := a.runner.CurrentTick()
			tickMu.Lock()
			changed := tick != *lastTick
			*lastTick = tick
			tickMu.Unlock()

			writeCtx, cancelWrite := context.WithTimeout(ctx, a.cfg.Agent.HeartbeatTimeout())
			if changed {
				t := tick
				a.status.PublishTaskStatus(writeCtx, correlationID, models.StateInProgress, statusmanager.TaskStatusOptions{Tick: &t})
			}
			a.status.PublishWorkerStatus(writeCtx, a.id, models.WorkerWorking, map[string]interface{}{"correlation_id": correlationID}, false)
			cancelWrite()
		}
	}
}

func (a *Agent) publishTerminal(ctx context.Context, correlationID string, result interfaces.AgentResult, err error) {
	if err != nil {
		errMsg := err.Error()
		a.status.PublishTaskStatus(ctx, correlationID, models.StateFailed, statusmanager.TaskStatusOptions{Resilient: true, Error: &errMsg})
		return
	}
	if !result.Success {
		errMsg := result.Error
		a.status.PublishTaskStatus(ctx, correlationID, models.StateFailed, statusmanager.TaskStatusOptions{Resilient: true, Error: &errMsg})
		return
	}

	completion := models.CompletionResult{Success: true, Deliverables: result.Deliverables, Notes: result.Notes}
	a.status.PublishTaskStatus(ctx, correlationID, models.StateCompleted, statusmanager.TaskStatusOptions{Resilient: true, Result: completion.AsMap()})
}

// drainPendingStatus blocks, up to resilient_status_retry_timeout_seconds,
// for StatusManager's pending buffers to flush before the worker accepts
// its next envelope.
func (a *Agent) drainPendingStatus(ctx context.Context) {
	if !a.status.HasPendingUpdates() {
		return
	}

	deadline := time.Now().Add(a.cfg.Status.ResilientRetryTimeout())
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.status.RetryPendingUpdates(ctx)
			if !a.status.HasPendingUpdates() {
				return
			}
		}
	}
}
