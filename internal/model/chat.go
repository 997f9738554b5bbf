package model

import (
	"time"

	"github.com/google/uuid"
)

// ConversationStatus is the state of an AI-to-AI conversation.
type ConversationStatus string

const (
	ConversationPending     ConversationStatus = "pending"
	ConversationActive      ConversationStatus = "active"
	ConversationTerminating ConversationStatus = "terminating"
	ConversationEnded       ConversationStatus = "ended"
)

// Conversation is an AI-to-AI conversation between two agents. Message
// delivery and formatting live in the chat subsystem; the engine only moves
// conversations through their status transitions.
type Conversation struct {
	ID          uuid.UUID          `json:"id"`
	ProjectID   uuid.UUID          `json:"project_id"`
	InitiatorID uuid.UUID          `json:"initiator_id"`
	PartnerID   uuid.UUID          `json:"partner_id"`
	Status      ConversationStatus `json:"status"`
	// TerminatedBy records which participant marked the conversation
	// terminating, so the other side can observe the handoff.
	TerminatedBy *uuid.UUID `json:"terminated_by,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// DelegationStatus is the state of a task-session-to-chat-session handoff.
type DelegationStatus string

const (
	DelegationPending    DelegationStatus = "pending"
	DelegationProcessing DelegationStatus = "processing"
	DelegationDone       DelegationStatus = "done"
)

// ChatDelegation asks a chat session to start a conversation on behalf of
// work that a task session could not finish in-band.
type ChatDelegation struct {
	ID            uuid.UUID        `json:"id"`
	AgentID       uuid.UUID        `json:"agent_id"`
	ProjectID     uuid.UUID        `json:"project_id"`
	TargetAgentID uuid.UUID        `json:"target_agent_id"`
	Purpose       string           `json:"purpose,omitempty"`
	Status        DelegationStatus `json:"status"`
	CreatedAt     time.Time        `json:"created_at"`
}

// KickMarker is a pending-work marker written by external notifiers to
// request a spawn for an agent. Work detection ORs markers in; a successful
// authentication consumes the marker for the chosen purpose.
type KickMarker struct {
	ID        uuid.UUID      `json:"id"`
	AgentID   uuid.UUID      `json:"agent_id"`
	ProjectID uuid.UUID      `json:"project_id"`
	Purpose   SessionPurpose `json:"purpose"`
	CreatedAt time.Time      `json:"created_at"`
}
