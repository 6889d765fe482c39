package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-browser-bridge/internal/domain"
	"github.com/xela07ax/spaceai-browser-bridge/internal/engine"
	"github.com/xela07ax/spaceai-browser-bridge/internal/infra/auth"
)

type TaskService interface {
	Execute(ctx context.Context, req domain.TaskRequest) (domain.TaskResult, error)
}

type TaskHandler struct {
	service TaskService
	traceID func(ctx context.Context) string
	logger  *zap.Logger
}

// NewTaskHandler: traceID достает сквозной ID запроса; он же становится task_id,
// если клиент его не передал.
func NewTaskHandler(s TaskService, traceID func(context.Context) string, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{service: s, traceID: traceID, logger: logger}
}

type createTaskRequest struct {
	TaskID      string              `json:"task_id"`
	AgentID     string              `json:"agent_id"`
	AgentType   string              `json:"agent_type"`
	Text        string              `json:"text"`
	PageContext *domain.PageContext `json:"page_context"`
}

// Create: POST /v1/tasks. Провал планирования/компиляции — это 200 с success=false,
// ошибки отдельных команд лежат в commands.
func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "user is not authenticated")
		return
	}

	var body createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.TaskID == "" && h.traceID != nil {
		body.TaskID = h.traceID(r.Context())
	}

	res, err := h.service.Execute(r.Context(), domain.TaskRequest{
		TaskID:      body.TaskID,
		UserID:      userID,
		AgentID:     body.AgentID,
		AgentType:   body.AgentType,
		Text:        body.Text,
		PageContext: body.PageContext,
	})
	if err != nil {
		if errors.Is(err, engine.ErrInvalidTask) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("task failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
