package server

import (
	"errors"
	"net/http"

	"github.com/muxite/taskplane/internal/common"
	"github.com/muxite/taskplane/internal/models"
	"github.com/muxite/taskplane/internal/services/gateway"
)

// callerFromRequest resolves the authenticated CallerIdentity from the
// request context populated by bearerTokenMiddleware.
func callerFromRequest(r *http.Request) gateway.CallerIdentity {
	uc := common.UserContextFromContext(r.Context())
	if uc == nil {
		return gateway.CallerIdentity{}
	}
	return gateway.CallerIdentity{
		UserID:      uc.UserID,
		Email:       uc.Email,
		AccessToken: accessTokenFromContext(r.Context()),
	}
}

// handleHealth reports liveness and the broker's readiness. The fast_store
// component is always reported "ok"; it is not probed.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	components := map[string]string{
		"fast_store": "ok",
		"broker":     "ok",
	}
	if !s.broker.IsReady() {
		components["broker"] = "unready"
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"components": components,
	})
}

// handleCreateTask admits a new task per the gateway's quota, dual-write,
// and enqueue sequence.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req models.TaskRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.Mandate == "" {
		WriteError(w, http.StatusBadRequest, "mandate is required")
		return
	}
	if len(req.Mandate) > s.cfg.Gateway.MaxMandateLength {
		WriteError(w, http.StatusBadRequest, "mandate exceeds maximum length")
		return
	}

	caller := callerFromRequest(r)
	resp, err := s.gateway.CreateTask(r.Context(), req, caller)
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, resp)
}

// handleGetTask returns a single task's merged status.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	correlationID := PathParam(r, "/tasks/", "")
	if correlationID == "" {
		WriteError(w, http.StatusBadRequest, "correlation id is required")
		return
	}

	caller := callerFromRequest(r)
	resp, err := s.gateway.GetTask(r.Context(), correlationID, caller)
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, resp)
}

// handleListTasks returns every task visible to the caller.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	caller := callerFromRequest(r)
	if caller.AccessToken == "" {
		WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	resp, err := s.gateway.ListTasks(r.Context(), caller)
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, resp)
}

// handleAgentCount reports the number of currently live workers.
func (s *Server) handleAgentCount(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]int{"count": s.gateway.AgentCount(r.Context())})
}

// handleListAgents returns the live worker roster.
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	workers, err := s.workers.GetActiveWorkers(r.Context())
	if err != nil {
		s.logger.Warn().Err(err).Msg("list agents failed")
		WriteError(w, http.StatusInternalServerError, "failed to list agents")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"workers": workers})
}

// handleTaskEvents upgrades to the supplemental /ws/tasks stream.
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	caller := callerFromRequest(r)
	if caller.AccessToken == "" {
		WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	s.hub.ServeWS(w, r)
}

func writeGatewayError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gateway.ErrValidation):
		WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, gateway.ErrNotFound):
		WriteError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, gateway.ErrQuotaExceeded):
		WriteErrorWithCode(w, http.StatusTooManyRequests, "daily quota exceeded", "quota_exceeded")
	case errors.Is(err, gateway.ErrFastStoreUnavailable):
		WriteError(w, http.StatusInternalServerError, "task store unavailable")
	case errors.Is(err, gateway.ErrBrokerUnavailable):
		WriteError(w, http.StatusInternalServerError, "task queue unavailable")
	default:
		WriteError(w, http.StatusInternalServerError, "internal server error")
	}
}
