// Package model defines the core domain types for taskplane.
//
// All types correspond directly to database tables. Types use strong typing
// (UUIDs, time.Time, enums) and avoid interface{} wherever possible.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AgentRole is an agent's position in the hierarchy.
//
// Humans sit at the roots of agent trees and act through the UI; managers
// decompose and dispatch work; workers execute it.
type AgentRole string

const (
	RoleHuman   AgentRole = "human"
	RoleManager AgentRole = "manager"
	RoleWorker  AgentRole = "worker"
)

// ValidRole reports whether r is a known agent role.
func ValidRole(r AgentRole) bool {
	switch r {
	case RoleHuman, RoleManager, RoleWorker:
		return true
	}
	return false
}

// AgentStatus is an agent's lifecycle state.
type AgentStatus string

const (
	AgentActive   AgentStatus = "active"
	AgentInactive AgentStatus = "inactive"
)

// Agent is an agent identity in the hierarchy tree.
//
// ParentID forms the parent chain walked for permission and escalation
// decisions. Agents are created by an external admin operation, mutated
// rarely, and never deleted while tasks reference them.
type Agent struct {
	ID          uuid.UUID   `json:"id"`
	Name        string      `json:"name"`
	Role        AgentRole   `json:"role"`
	ParentID    *uuid.UUID  `json:"parent_id,omitempty"`
	Status      AgentStatus `json:"status"`
	PasskeyHash *string     `json:"-"`
	WorkDir     *string     `json:"work_dir,omitempty"`

	// Launch metadata, opaque to the decision engines. The spawn arbitrator
	// hands these back to the launcher on a start decision.
	KickMethod string `json:"kick_method,omitempty"`
	Provider   string `json:"provider,omitempty"`
	Model      string `json:"model,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Project is a unit of work isolation. Tasks and sessions are always scoped
// to one project; a paused project never spawns agents.
type Project struct {
	ID             uuid.UUID `json:"id"`
	Name           string    `json:"name"`
	Paused         bool      `json:"paused"`
	DefaultWorkDir string    `json:"default_work_dir"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ValidateAgentName checks that an agent name conforms to the allowed format.
// Names must be 1-255 ASCII characters: alphanumeric, dots, hyphens,
// underscores, and @ signs.
func ValidateAgentName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("agent name is required")
	}
	if len(name) > 255 {
		return fmt.Errorf("agent name must be at most 255 characters")
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') &&
			c != '.' && c != '-' && c != '_' && c != '@' {
			return fmt.Errorf("agent name contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}
