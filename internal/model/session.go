package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionPurpose is which kind of work an authenticated session serves.
type SessionPurpose string

const (
	PurposeTask SessionPurpose = "task"
	PurposeChat SessionPurpose = "chat"
)

// ValidPurpose reports whether p is a known session purpose.
func ValidPurpose(p SessionPurpose) bool {
	return p == PurposeTask || p == PurposeChat
}

// SessionState is an authentication session's lifecycle state.
type SessionState string

const (
	SessionActive      SessionState = "active"
	SessionTerminating SessionState = "terminating"
)

// AgentSession is an authentication session. At most one non-expired session
// exists per (agent, project, purpose); the broker enforces this on create.
type AgentSession struct {
	ID            uuid.UUID      `json:"id"`
	AgentID       uuid.UUID      `json:"agent_id"`
	ProjectID     uuid.UUID      `json:"project_id"`
	Purpose       SessionPurpose `json:"purpose"`
	State         SessionState   `json:"state"`
	ModelVerified bool           `json:"model_verified"`
	WorkDir       string         `json:"work_dir,omitempty"`

	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Expired reports whether the session has passed its expiry at the given time.
func (s AgentSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// SpawnLockTTL is how long a spawn advisory lock is honored before it is
// treated as abandoned and implicitly reusable.
const SpawnLockTTL = 120 * time.Second

// SpawnLock is the per (agent, project) advisory marker preventing duplicate
// launches. It is not a mutex: acquisition is a conditional update on
// spawn_started_at, and expiry is purely time-based.
type SpawnLock struct {
	AgentID        uuid.UUID  `json:"agent_id"`
	ProjectID      uuid.UUID  `json:"project_id"`
	SpawnStartedAt *time.Time `json:"spawn_started_at,omitempty"`
}

// Active reports whether the lock is held and unexpired at the given time.
func (l SpawnLock) Active(now time.Time) bool {
	return l.SpawnStartedAt != nil && now.Sub(*l.SpawnStartedAt) < SpawnLockTTL
}
