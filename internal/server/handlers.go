package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/taskplane/taskplane/internal/broker"
	"github.com/taskplane/taskplane/internal/execlog"
	"github.com/taskplane/taskplane/internal/model"
	"github.com/taskplane/taskplane/internal/spawn"
	"github.com/taskplane/taskplane/internal/storage"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	db         *storage.DB
	arbitrator *spawn.Arbitrator
	broker     *broker.Broker
	execLog    *execlog.Log
	logger     *slog.Logger
	version    string

	maxRequestBodyBytes int64
}

// HandlersDeps holds dependencies for NewHandlers.
type HandlersDeps struct {
	DB                  *storage.DB
	Arbitrator          *spawn.Arbitrator
	Broker              *broker.Broker
	ExecLog             *execlog.Log // optional
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	if deps.MaxRequestBodyBytes <= 0 {
		deps.MaxRequestBodyBytes = 1 << 20
	}
	return &Handlers{
		db:                  deps.DB,
		arbitrator:          deps.Arbitrator,
		broker:              deps.Broker,
		execLog:             deps.ExecLog,
		logger:              deps.Logger,
		version:             deps.Version,
		maxRequestBodyBytes: deps.MaxRequestBodyBytes,
	}
}

// HandleSpawnDecide handles POST /v1/spawn/decide. The launcher calls this
// for each idle agent it manages; the response says whether to start a
// process for the agent and why.
func (h *Handlers) HandleSpawnDecide(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)

	var req model.SpawnDecideRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if req.AgentID == uuid.Nil || req.ProjectID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "agent_id and project_id are required")
		return
	}

	decision, err := h.arbitrator.Decide(r.Context(), req.AgentID, req.ProjectID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent or project not found")
			return
		}
		h.logger.Error("spawn decide failed", "agent_id", req.AgentID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "decision failed")
		return
	}

	if h.execLog != nil {
		h.execLog.RecordDecision(r.Context(), execlog.Decision{
			AgentID:   req.AgentID,
			ProjectID: req.ProjectID,
			Start:     decision.Start,
			Reason:    decision.Reason,
			TaskID:    decision.TaskID,
		})
	}

	resp := model.SpawnDecideResponse{
		Start:    decision.Start,
		Reason:   decision.Reason,
		TaskID:   decision.TaskID,
		Provider: decision.Provider,
		Model:    decision.Model,
	}
	if decision.Progress != nil {
		resp.Progress = &model.SpawnProgress{
			Total:      decision.Progress.Total,
			Done:       decision.Progress.Done,
			InProgress: decision.Progress.InProgress,
		}
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleInvalidateSessions handles POST /v1/sessions/invalidate. Force-closes
// every session an agent holds in a project and ends its conversations.
func (h *Handlers) HandleInvalidateSessions(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)

	var req model.InvalidateSessionsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if req.AgentID == uuid.Nil || req.ProjectID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "agent_id and project_id are required")
		return
	}

	result, err := h.broker.Invalidate(r.Context(), req.AgentID, req.ProjectID)
	if err != nil {
		h.logger.Error("session invalidation failed", "agent_id", req.AgentID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "invalidation failed")
		return
	}

	writeJSON(w, r, http.StatusOK, model.InvalidateSessionsResponse{
		SessionsEnded:      result.SessionsEnded,
		ConversationsEnded: result.ConversationsEnded,
	})
}

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := h.db.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, r, code, map[string]any{
		"status":  status,
		"version": h.version,
		"time":    time.Now().UTC(),
	})
}
