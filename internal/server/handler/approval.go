package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-browser-bridge/internal/domain"
	"github.com/xela07ax/spaceai-browser-bridge/internal/infra/auth"
)

type ApprovalService interface {
	ListApprovals(ctx context.Context, userID string, status domain.ApprovalStatus) ([]*domain.ApprovalRequest, error)
	Decide(ctx context.Context, userID, approvalID string, approve bool, comment string) (*domain.ApprovalRequest, *domain.CommandOutcome, error)
}

type ApprovalHandler struct {
	service ApprovalService
	logger  *zap.Logger
}

func NewApprovalHandler(s ApprovalService, logger *zap.Logger) *ApprovalHandler {
	return &ApprovalHandler{service: s, logger: logger}
}

// List: очередь подтверждений владельца. ?status=all — без фильтра, по умолчанию PENDING.
func (h *ApprovalHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "user is not authenticated")
		return
	}

	var status domain.ApprovalStatus
	switch q := r.URL.Query().Get("status"); q {
	case "":
		status = domain.StatusPending
	case "all":
	default:
		status = domain.ApprovalStatus(q)
	}

	list, err := h.service.ListApprovals(r.Context(), userID, status)
	if err != nil {
		h.logger.Error("list approvals failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type DecideRequest struct {
	Approved bool   `json:"approved"`
	Comment  string `json:"comment"`
}

type decideResponse struct {
	Approval *domain.ApprovalRequest `json:"approval"`
	Dispatch *domain.CommandOutcome  `json:"dispatch,omitempty"`
}

func (h *ApprovalHandler) Decide(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "user is not authenticated")
		return
	}
	id := chi.URLParam(r, "id")

	var req DecideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	app, out, err := h.service.Decide(r.Context(), userID, id, req.Approved, req.Comment)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, decideResponse{Approval: app, Dispatch: out})
	case errors.Is(err, domain.ErrApprovalNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrNotApprovalOwner):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrAlreadyProcessed):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("decide approval failed", zap.String("approval_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
