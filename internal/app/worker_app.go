package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/muxite/taskplane/internal/broker"
	"github.com/muxite/taskplane/internal/clients/llm"
	"github.com/muxite/taskplane/internal/common"
	"github.com/muxite/taskplane/internal/interfaces"
	"github.com/muxite/taskplane/internal/services/statusmanager"
	"github.com/muxite/taskplane/internal/services/worker"
	"github.com/muxite/taskplane/internal/storage/faststore"
)

// stubRunner is the placeholder interfaces.Agent collaborator. The
// reasoning engine (prompting, DAG expansion, tool execution, vector
// memory) is a black-box dependency out of scope for this platform; this
// stub only proves the wiring and always returns a trivial deliverable.
type stubRunner struct {
	tick int
}

func (s *stubRunner) Run(ctx context.Context, mandate string, maxTicks int) (interfaces.AgentResult, error) {
	s.tick = maxTicks
	return interfaces.AgentResult{
		Success:      true,
		Deliverables: []string{"stub reasoning engine has no output to report"},
		Notes:        "reasoning engine is an out-of-scope external collaborator",
	}, nil
}

func (s *stubRunner) CurrentTick() int {
	return s.tick
}

// WorkerApp holds every initialized component one worker instance runs
// with.
type WorkerApp struct {
	Config      *common.Config
	Logger      *common.Logger
	FastStore   *faststore.Store
	Broker      *broker.RabbitMQBroker
	LLM         *llm.Client
	Agent       *worker.Agent
	StartupTime time.Time
}

// NewWorkerApp loads configuration and constructs one worker's dependency
// graph.
func NewWorkerApp(configPath string) (*WorkerApp, error) {
	startupStart := time.Now()
	common.LoadVersionFromFile()

	if configPath == "" {
		configPath = os.Getenv("TASKPLANE_CONFIG")
	}
	if configPath == "" {
		configPath = "config/worker.toml"
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

	mqBroker := broker.New(cfg.Broker.URL, cfg.Broker.InputQueue, logger)

	ctx := context.Background()
	var llmClient *llm.Client
	if cfg.LLM.APIKey != "" {
		llmClient, err = llm.NewClient(ctx, cfg.LLM.APIKey, llm.WithModel(cfg.LLM.Model), llm.WithLogger(logger))
		if err != nil {
			logger.Warn().Err(err).Msg("LLM collaborator unavailable at startup")
		} else if !llmClient.Ping(ctx) {
			logger.Warn().Msg("LLM collaborator readiness ping failed")
		} else {
			logger.Info().Msg("LLM collaborator ready")
		}
	} else {
		logger.Warn().Msg("LLM_API_KEY not configured, skipping readiness ping")
	}

	status := statusmanager.New(fast, fast, logger, cfg)
	runner := &stubRunner{}

	agent := worker.New(fast, mqBroker, status, runner, logger, cfg)

	a := &WorkerApp{
		Config:      cfg,
		Logger:      logger,
		FastStore:   fast,
		Broker:      mqBroker,
		LLM:         llmClient,
		Agent:       agent,
		StartupTime: startupStart,
	}

	logger.Info().Dur("startup", time.Since(startupStart)).Str("worker_id", agent.ID()).Msg("worker initialized")
	return a, nil
}

// Run starts the worker's consume/presence/status-retry lifecycle and
// blocks until ctx is canceled.
func (a *WorkerApp) Run(ctx context.Context) {
	a.Agent.Start(ctx)
	<-ctx.Done()
}

// Shutdown drains the worker and closes its fast-store handle.
func (a *WorkerApp) Shutdown() {
	a.Agent.Stop()
	if err := a.FastStore.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("fast store close failed")
	}
}
