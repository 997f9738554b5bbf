package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// SpawnDecideRequest is the request body for POST /v1/spawn/decide.
// The launcher polls this endpoint for each idle agent it manages.
type SpawnDecideRequest struct {
	AgentID   uuid.UUID `json:"agent_id"`
	ProjectID uuid.UUID `json:"project_id"`
}

// SpawnDecideResponse is the response body for POST /v1/spawn/decide.
type SpawnDecideResponse struct {
	Start    bool           `json:"start"`
	Reason   string         `json:"reason"`
	TaskID   *uuid.UUID     `json:"task_id,omitempty"`
	Provider string         `json:"provider,omitempty"`
	Model    string         `json:"model,omitempty"`
	Progress *SpawnProgress `json:"progress,omitempty"`
}

// SpawnProgress accompanies a waiting_for_workers hold so the launcher
// can report subtask completion without another round trip.
type SpawnProgress struct {
	Total      int `json:"total"`
	Done       int `json:"done"`
	InProgress int `json:"in_progress"`
}

// InvalidateSessionsRequest is the request body for POST /v1/sessions/invalidate.
type InvalidateSessionsRequest struct {
	AgentID   uuid.UUID `json:"agent_id"`
	ProjectID uuid.UUID `json:"project_id"`
}

// InvalidateSessionsResponse is the response body for POST /v1/sessions/invalidate.
type InvalidateSessionsResponse struct {
	SessionsEnded      int `json:"sessions_ended"`
	ConversationsEnded int `json:"conversations_ended"`
}
