package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/muxite/taskplane/internal/circuitbreaker"
	"github.com/muxite/taskplane/internal/common"
	"github.com/muxite/taskplane/internal/interfaces"
	"github.com/muxite/taskplane/internal/models"
)

// Sentinel errors surfaced to the HTTP layer for status-code mapping.
var (
	ErrQuotaExceeded        = errors.New("quota_exceeded")
	ErrFastStoreUnavailable = errors.New("fast_store_unavailable")
	ErrBrokerUnavailable    = errors.New("broker_unavailable")
	ErrValidation           = errors.New("validation_failed")
	ErrNotFound             = common.ErrNotFound
)

const (
	createReadbackAttempts = 3
	createReadbackBackoff  = 500 * time.Millisecond
)

// CallerIdentity is the authenticated principal a request is scoped to.
type CallerIdentity struct {
	UserID      string
	Email       string
	AccessToken string
}

// Service is the gateway front door: admission, dual-write, enqueue, and
// merged status reads over the fast and durable stores.
type Service struct {
	fast    interfaces.FastTaskStorage
	workers interfaces.WorkerStorage
	durable interfaces.DurableTaskStorage
	broker  interfaces.Broker
	quota   interfaces.QuotaChecker
	breaker *circuitbreaker.Breaker
	logger  *common.Logger
	cfg     *common.Config
}

// New creates a Service wiring the fast/durable stores, broker, and quota
// checker behind a circuit breaker guarding enqueue.
func New(fast interfaces.FastTaskStorage, workers interfaces.WorkerStorage, durable interfaces.DurableTaskStorage, broker interfaces.Broker, quota interfaces.QuotaChecker, logger *common.Logger, cfg *common.Config) *Service {
	return &Service{
		fast:    fast,
		workers: workers,
		durable: durable,
		broker:  broker,
		quota:   quota,
		breaker: circuitbreaker.New("gateway-enqueue", 5, 30*time.Second),
		logger:  logger,
		cfg:     cfg,
	}
}

// CreateTask admits, persists, and enqueues a new task on behalf of caller.
func (s *Service) CreateTask(ctx context.Context, req models.TaskRequest, caller CallerIdentity) (models.TaskResponse, error) {
	maxTicks := req.MaxTicks
	if maxTicks > s.cfg.Gateway.MaxTicksLimit {
		return models.TaskResponse{}, fmt.Errorf("%w: max_ticks %d exceeds cap %d", ErrValidation, maxTicks, s.cfg.Gateway.MaxTicksLimit)
	}
	if maxTicks <= 0 {
		maxTicks = s.cfg.Gateway.MaxTicksLimit
	}

	result, err := s.quota.CheckAndConsume(ctx, caller.AccessToken, caller.UserID, caller.Email, maxTicks)
	if err != nil {
		return models.TaskResponse{}, fmt.Errorf("quota check: %w", err)
	}
	if !result.Allowed {
		return models.TaskResponse{}, ErrQuotaExceeded
	}

	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = common.NewCorrelationID()
	}

	now := time.Now().UTC()
	rec := models.TaskRecord{
		CorrelationID: correlationID,
		UserID:        caller.UserID,
		Mandate:       req.Mandate,
		Status:        models.StatePending,
		CreatedAt:     now,
		UpdatedAt:     now,
		MaxTicks:      maxTicks,
	}

	if err := s.createFastWithReadback(ctx, rec); err != nil {
		s.logger.Error().Err(err).Str("correlation_id", correlationID).Msg("fast-store create failed after readback retries")
		return models.TaskResponse{}, fmt.Errorf("%w: %v", ErrFastStoreUnavailable, err)
	}

	if err := s.durable.CreateTask(ctx, rec, caller.UserID, caller.AccessToken); err != nil {
		s.logger.Warn().Err(err).Str("correlation_id", correlationID).Msg("durable-store create failed, fast store remains authoritative")
	}

	if err := s.enqueue(ctx, correlationID, rec); err != nil {
		s.logger.Error().Err(err).Str("correlation_id", correlationID).Msg("enqueue failed, record left pending for retry")
		return models.TaskResponse{}, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}

	return rec.ToResponse(), nil
}

// createFastWithReadback writes rec to the fast store and verifies the
// write with a readback, retrying up to createReadbackAttempts times with
// backoff scaled by attempt number.
func (s *Service) createFastWithReadback(ctx context.Context, rec models.TaskRecord) error {
	var lastErr error
	for attempt := 1; attempt <= createReadbackAttempts; attempt++ {
		if err := s.fast.CreateTask(ctx, rec); err != nil {
			lastErr = err
		} else if _, ok, err := s.fast.GetTask(ctx, rec.CorrelationID); err != nil {
			lastErr = err
		} else if ok {
			return nil
		} else {
			lastErr = errors.New("readback found no record")
		}

		if attempt < createReadbackAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * createReadbackBackoff):
			}
		}
	}
	return fmt.Errorf("create+readback after %d attempts: %w", createReadbackAttempts, lastErr)
}

// enqueue publishes the task envelope through the circuit breaker, trying
// one reconnect if the broker is unready before giving up.
func (s *Service) enqueue(ctx context.Context, correlationID string, rec models.TaskRecord) error {
	envelope := models.TaskEnvelope{
		CorrelationID: correlationID,
		Mandate:       rec.Mandate,
		MaxTicks:      rec.MaxTicks,
	}

	return s.breaker.Call(ctx, func(ctx context.Context) error {
		if !s.broker.IsReady() {
			if err := s.broker.Connect(ctx); err != nil {
				return fmt.Errorf("broker reconnect: %w", err)
			}
		}
		return s.broker.PublishTask(ctx, correlationID, envelope)
	})
}

// GetTask reads both stores, merges per the I3 tie-break, and sync-forwards
// or cleans up as described in 4.1.
func (s *Service) GetTask(ctx context.Context, correlationID string, caller CallerIdentity) (models.TaskResponse, error) {
	var (
		wg                         sync.WaitGroup
		fastRec, durableRec        models.TaskRecord
		fastOK, durableOK          bool
		fastErr, durableErr        error
		durableAccessible          = caller.AccessToken != ""
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		fastRec, fastOK, fastErr = s.fast.GetTask(ctx, correlationID)
	}()

	if durableAccessible {
		wg.Add(1)
		go func() {
			defer wg.Done()
			durableRec, durableOK, durableErr = s.durable.GetTask(ctx, correlationID, caller.AccessToken)
		}()
	}
	wg.Wait()

	if fastErr != nil {
		s.logger.Warn().Err(fastErr).Str("correlation_id", correlationID).Msg("fast-store read failed")
	}
	if durableErr != nil {
		s.logger.Warn().Err(durableErr).Str("correlation_id", correlationID).Msg("durable-store read failed")
	}

	if !fastOK && !durableOK {
		if fastErr != nil && (durableErr != nil || !durableAccessible) {
			return models.TaskResponse{}, fmt.Errorf("read task %s: %w", correlationID, fastErr)
		}
		return models.TaskResponse{}, ErrNotFound
	}

	chosen := durableRec
	fastIsNewer := fastOK && (!durableOK || fastRec.NewerThan(durableRec))
	if fastIsNewer {
		chosen = fastRec
	}

	if !durableAccessible {
		if fastOK && chosen.Status.IsTerminal() {
			if _, err := s.fast.DeleteTask(ctx, correlationID); err != nil {
				s.logger.Warn().Err(err).Str("correlation_id", correlationID).Msg("unauthenticated cleanup delete failed")
			}
		}
		return chosen.ToResponse(), nil
	}

	if fastIsNewer {
		if err := s.durable.CreateTask(ctx, chosen, caller.UserID, caller.AccessToken); err != nil {
			s.logger.Warn().Err(err).Str("correlation_id", correlationID).Msg("sync-forward to durable store failed")
		} else if chosen.Status.IsTerminal() {
			if _, err := s.fast.DeleteTask(ctx, correlationID); err != nil {
				s.logger.Warn().Err(err).Str("correlation_id", correlationID).Msg("post-sync fast-store cleanup failed")
			}
		}
	}

	return chosen.ToResponse(), nil
}

// ListTasks returns every task visible to caller, durable-store only,
// ordered by updated_at descending.
func (s *Service) ListTasks(ctx context.Context, caller CallerIdentity) ([]models.TaskResponse, error) {
	records, err := s.durable.ListTasks(ctx, caller.UserID, caller.AccessToken)
	if err != nil {
		return nil, err
	}
	responses := make([]models.TaskResponse, 0, len(records))
	for _, rec := range records {
		responses = append(responses, rec.ToResponse())
	}
	return responses, nil
}

// AgentCount returns the number of currently-live worker keys, or 0 on
// error.
func (s *Service) AgentCount(ctx context.Context) int {
	count, err := s.workers.GetWorkerCount(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("agent count read failed")
		return 0
	}
	return count
}
