package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-browser-bridge/internal/infra/auth"
)

// ScopeAgentsAdmin: право оператора дергать kill-switch.
const ScopeAgentsAdmin = "agents.admin"

type KillSwitch interface {
	Block(ctx context.Context, agentID string) error
	Unblock(ctx context.Context, agentID string) error
	IsBlocked(agentID string) bool
}

type AgentHandler struct {
	ks     KillSwitch
	logger *zap.Logger
}

func NewAgentHandler(ks KillSwitch, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{ks: ks, logger: logger}
}

type agentState struct {
	AgentID string `json:"agent_id"`
	Blocked bool   `json:"blocked"`
}

func (h *AgentHandler) Status(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, agentState{AgentID: id, Blocked: h.ks.IsBlocked(id)})
}

func (h *AgentHandler) Block(w http.ResponseWriter, r *http.Request) {
	h.set(w, r, true)
}

func (h *AgentHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	h.set(w, r, false)
}

func (h *AgentHandler) set(w http.ResponseWriter, r *http.Request, blocked bool) {
	if !auth.ScopesFromContext(r.Context())[ScopeAgentsAdmin] {
		writeError(w, http.StatusForbidden, "scope "+ScopeAgentsAdmin+" is required")
		return
	}
	id := chi.URLParam(r, "id")

	var err error
	if blocked {
		err = h.ks.Block(r.Context(), id)
	} else {
		err = h.ks.Unblock(r.Context(), id)
	}
	if err != nil {
		h.logger.Error("kill switch update failed", zap.String("agent_id", id), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "kill switch unavailable")
		return
	}

	operator, _ := auth.UserIDFromContext(r.Context())
	h.logger.Warn("kill switch updated", zap.String("agent_id", id), zap.Bool("blocked", blocked), zap.String("operator", operator))
	writeJSON(w, http.StatusOK, agentState{AgentID: id, Blocked: blocked})
}
