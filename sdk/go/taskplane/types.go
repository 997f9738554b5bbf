package taskplane

import "github.com/google/uuid"

// Decision is the coordinator's answer to one spawn poll. Start reports
// whether the launcher should start an agent process now; Reason explains
// either outcome with a stable machine-readable string.
type Decision struct {
	Start    bool       `json:"start"`
	Reason   string     `json:"reason"`
	TaskID   *uuid.UUID `json:"task_id,omitempty"`
	Provider string     `json:"provider,omitempty"`
	Model    string     `json:"model,omitempty"`
	Progress *Progress  `json:"progress,omitempty"`
}

// Progress accompanies a waiting_for_workers hold: how far the held
// manager's subtasks have come.
type Progress struct {
	Total      int `json:"total"`
	Done       int `json:"done"`
	InProgress int `json:"in_progress"`
}

// Reasons returned in Decision.Reason.
const (
	ReasonProjectPaused     = "project_paused"
	ReasonNotAssigned       = "agent_not_assigned"
	ReasonBlockedNoProgress = "blocked_without_in_progress"
	ReasonWorkerBlocked     = "worker_blocked"
	ReasonHandledBlocked    = "handled_blocked"
	ReasonWaitingForWorkers = "waiting_for_workers"
	ReasonHasTaskWork       = "has_task_work"
	ReasonHasChatWork       = "has_chat_work"
	ReasonSpawnInProgress   = "spawn_in_progress"
	ReasonNoWork            = "no_work"
)

// InvalidateResult reports what an invalidation call ended.
type InvalidateResult struct {
	SessionsEnded      int `json:"sessions_ended"`
	ConversationsEnded int `json:"conversations_ended"`
}

// apiEnvelope is the server's standard success envelope.
type apiEnvelope[T any] struct {
	Data T `json:"data"`
}

// apiError is the server's standard error envelope.
type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
