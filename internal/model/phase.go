package model

import (
	"time"

	"github.com/google/uuid"
)

// Phase is the workflow phase register for a task.
//
// The engine is a Mealy machine over durable state: computing the next
// instruction also advances the phase by appending a marker. Markers are
// immutable and append-only; the latest marker per task is the current phase.
// Phases form a closed set — free-form tags are rejected at the storage
// boundary.
type Phase string

const (
	PhaseCreatingSubtasks  Phase = "creating_subtasks"
	PhaseSubtasksCreated   Phase = "subtasks_created"
	PhaseWaitingForWorkers Phase = "waiting_for_workers"
	PhaseWorkerBlocked     Phase = "worker_blocked"
	PhaseHandledBlocked    Phase = "handled_blocked"
)

// ValidPhase reports whether p is a known phase tag.
func ValidPhase(p Phase) bool {
	switch p {
	case PhaseCreatingSubtasks, PhaseSubtasksCreated, PhaseWaitingForWorkers,
		PhaseWorkerBlocked, PhaseHandledBlocked:
		return true
	}
	return false
}

// PhaseMarker is one append-only entry in a task's phase register.
type PhaseMarker struct {
	ID            uuid.UUID `json:"id"`
	TaskID        uuid.UUID `json:"task_id"`
	WorkSessionID uuid.UUID `json:"work_session_id"`
	AgentID       uuid.UUID `json:"agent_id"`
	Phase         Phase     `json:"phase"`
	CreatedAt     time.Time `json:"created_at"`
}

// WorkSessionStatus is the terminal disposition of a work session.
type WorkSessionStatus string

const (
	WorkSessionOpen      WorkSessionStatus = "open"
	WorkSessionCompleted WorkSessionStatus = "completed"
	WorkSessionAbandoned WorkSessionStatus = "abandoned"
)

// WorkSession marks one round of work for an agent in a project. Phase
// markers reference the session that produced them; a fresh session is
// opened implicitly when a marker is appended and none is open.
type WorkSession struct {
	ID        uuid.UUID         `json:"id"`
	AgentID   uuid.UUID         `json:"agent_id"`
	ProjectID uuid.UUID         `json:"project_id"`
	Status    WorkSessionStatus `json:"status"`
	StartedAt time.Time         `json:"started_at"`
	EndedAt   *time.Time        `json:"ended_at,omitempty"`
}

// ManagerAction is a manager's choice recorded by select_action and drained
// by the next get_next_action call.
type ManagerAction string

const (
	ManagerDispatch ManagerAction = "dispatch"
	ManagerAdjust   ManagerAction = "adjust"
	ManagerWait     ManagerAction = "wait"
	ManagerComplete ManagerAction = "complete"
)

// ValidManagerAction reports whether a is a known manager action.
func ValidManagerAction(a ManagerAction) bool {
	switch a {
	case ManagerDispatch, ManagerAdjust, ManagerWait, ManagerComplete:
		return true
	}
	return false
}

// SessionCommand is a pending manager action queued on an agent session.
// At most one command exists per session; enqueueing replaces any prior one.
type SessionCommand struct {
	ID        uuid.UUID     `json:"id"`
	SessionID uuid.UUID     `json:"session_id"`
	Action    ManagerAction `json:"action"`
	Reason    string        `json:"reason,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}
