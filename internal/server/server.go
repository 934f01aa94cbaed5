package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/muxite/taskplane/internal/common"
	"github.com/muxite/taskplane/internal/interfaces"
	"github.com/muxite/taskplane/internal/services/gateway"
)

// Server wraps the gateway's HTTP REST API, built from its constituent
// services rather than a monolithic application reference.
type Server struct {
	gateway *gateway.Service
	workers interfaces.WorkerStorage
	broker  interfaces.Broker
	hub     *TaskEventHub
	logger  *common.Logger
	cfg     *common.Config
	server  *http.Server
}

// NewServer creates a new gateway HTTP server.
func NewServer(svc *gateway.Service, workers interfaces.WorkerStorage, broker interfaces.Broker, hub *TaskEventHub, logger *common.Logger, cfg *common.Config) *Server {
	s := &Server{
		gateway: svc,
		workers: workers,
		broker:  broker,
		hub:     hub,
		logger:  logger,
		cfg:     cfg,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	handler := applyMiddleware(mux, logger, cfg)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Gateway.RequestTimeout(),
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server (blocking).
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("starting gateway HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
