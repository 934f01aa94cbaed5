// Package app wires configuration, storage, broker, and service layers
// into the two runnable processes: the gateway and the worker.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/muxite/taskplane/internal/broker"
	"github.com/muxite/taskplane/internal/common"
	"github.com/muxite/taskplane/internal/interfaces"
	"github.com/muxite/taskplane/internal/models"
	"github.com/muxite/taskplane/internal/server"
	"github.com/muxite/taskplane/internal/services/gateway"
	"github.com/muxite/taskplane/internal/storage/durablestore"
	"github.com/muxite/taskplane/internal/storage/faststore"
)

// noopDurableStore stands in for the durable store when it could not be
// reached at startup, so the gateway degrades to fast-store-only dual-write
// instead of panicking on a nil receiver.
type noopDurableStore struct{}

func (noopDurableStore) CreateTask(ctx context.Context, rec models.TaskRecord, userID, accessToken string) error {
	return fmt.Errorf("durable store unavailable")
}

func (noopDurableStore) GetTask(ctx context.Context, correlationID, accessToken string) (models.TaskRecord, bool, error) {
	return models.TaskRecord{}, false, fmt.Errorf("durable store unavailable")
}

func (noopDurableStore) UpdateTask(ctx context.Context, correlationID string, update models.TaskUpdate, accessToken string) error {
	return fmt.Errorf("durable store unavailable")
}

func (noopDurableStore) ListTasks(ctx context.Context, userID, accessToken string) ([]models.TaskRecord, error) {
	return nil, fmt.Errorf("durable store unavailable")
}

func (noopDurableStore) Close() error { return nil }

// newQuotaChecker selects the quota strategy per the gateway's configured
// daily tick allowance.
func newQuotaChecker(cfg *common.Config) interfaces.QuotaChecker {
	if cfg.Quota.Disabled {
		return gateway.NoopQuota{}
	}
	return gateway.NewTokenBucketQuota(cfg.Quota.DailyTickLimit)
}

// GatewayApp holds every initialized component the gateway process serves
// requests with.
type GatewayApp struct {
	Config      *common.Config
	Logger      *common.Logger
	FastStore   *faststore.Store
	Durable     *durablestore.Store
	Broker      *broker.RabbitMQBroker
	Gateway     *gateway.Service
	Hub         *server.TaskEventHub
	Poller      *server.TaskEventPoller
	Server      *server.Server
	StartupTime time.Time

	pollerCancel context.CancelFunc
}

// NewGatewayApp loads configuration and constructs the gateway's
// dependency graph. configPath may be empty to use the default resolution
// (TASKPLANE_CONFIG env var, then config/gateway.toml).
func NewGatewayApp(configPath string) (*GatewayApp, error) {
	startupStart := time.Now()
	common.LoadVersionFromFile()

	if configPath == "" {
		configPath = os.Getenv("TASKPLANE_CONFIG")
	}
	if configPath == "" {
		configPath = "config/gateway.toml"
	}

	cfg, err := common.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := common.NewLogger(cfg.Logging.Level)

	fast, err := faststore.NewStore(logger, cfg.Storage.BadgerPath)
	if err != nil {
		return nil, fmt.Errorf("init fast store: %w", err)
	}

	ctx := context.Background()
	durable, err := durablestore.NewStore(ctx, logger, cfg.Storage.Surreal)
	if err != nil {
		logger.Warn().Err(err).Msg("durable store unavailable at startup, dual-write will degrade to fast-store only")
	}

	mqBroker := broker.New(cfg.Broker.URL, cfg.Broker.InputQueue, logger)
	if err := mqBroker.Connect(ctx); err != nil {
		logger.Warn().Err(err).Msg("broker unavailable at startup, enqueue will retry via circuit breaker")
	}

	quotaChecker := newQuotaChecker(cfg)

	var durableStorage interfaces.DurableTaskStorage = noopDurableStore{}
	if durable != nil {
		durableStorage = durable
	}

	svc := gateway.New(fast, fast, durableStorage, mqBroker, quotaChecker, logger, cfg)

	hub := server.NewTaskEventHub(logger)
	poller := server.NewTaskEventPoller(fast, hub, cfg.Status.Interval(), logger)

	httpServer := server.NewServer(svc, fast, mqBroker, hub, logger, cfg)

	a := &GatewayApp{
		Config:      cfg,
		Logger:      logger,
		FastStore:   fast,
		Durable:     durable,
		Broker:      mqBroker,
		Gateway:     svc,
		Hub:         hub,
		Poller:      poller,
		Server:      httpServer,
		StartupTime: startupStart,
	}

	logger.Info().Dur("startup", time.Since(startupStart)).Msg("gateway initialized")
	return a, nil
}

// Run starts the event hub, event poller, and HTTP server. It blocks until
// the HTTP server stops.
func (a *GatewayApp) Run() error {
	go a.Hub.Run()

	pollCtx, cancel := context.WithCancel(context.Background())
	a.pollerCancel = cancel
	go a.Poller.Run(pollCtx)

	return a.Server.Start()
}

// Shutdown gracefully drains the HTTP server and closes dependent
// connections.
func (a *GatewayApp) Shutdown(ctx context.Context) error {
	if a.pollerCancel != nil {
		a.pollerCancel()
	}
	a.Hub.Stop()

	err := a.Server.Shutdown(ctx)

	if a.Durable != nil {
		if cerr := a.Durable.Close(); cerr != nil {
			a.Logger.Warn().Err(cerr).Msg("durable store close failed")
		}
	}
	if berr := a.Broker.Disconnect(ctx); berr != nil {
		a.Logger.Warn().Err(berr).Msg("broker disconnect failed")
	}
	if ferr := a.FastStore.Close(); ferr != nil {
		a.Logger.Warn().Err(ferr).Msg("fast store close failed")
	}

	return err
}
