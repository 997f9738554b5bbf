package model

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskBacklog    TaskStatus = "backlog"
	TaskTodo       TaskStatus = "todo"
	TaskInProgress TaskStatus = "in_progress"
	TaskBlocked    TaskStatus = "blocked"
	TaskDone       TaskStatus = "done"
	TaskCancelled  TaskStatus = "cancelled"
)

// ValidTaskStatus reports whether s is a known task status.
func ValidTaskStatus(s TaskStatus) bool {
	switch s {
	case TaskBacklog, TaskTodo, TaskInProgress, TaskBlocked, TaskDone, TaskCancelled:
		return true
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskDone || s == TaskCancelled
}

// Started reports whether s indicates execution context exists.
// Once a task has started it may never return to todo or backlog.
func (s TaskStatus) Started() bool {
	return s == TaskInProgress || s == TaskBlocked
}

// TaskOrigin records how a task came to its assignee.
//
// A self-created task (assignee == creator) is a leaf: decomposing it further
// would let an agent recurse without bound. A delegated task may be broken
// into subtasks. Rows predating the column carry OriginUnknown and fall back
// to the creator/assignee comparison.
type TaskOrigin string

const (
	OriginSelf      TaskOrigin = "self"
	OriginDelegated TaskOrigin = "delegated"
	OriginUnknown   TaskOrigin = ""
)

// Task is a unit of work. ParentID defines the subtask tree; Dependencies
// are edges between siblings under the same parent.
type Task struct {
	ID        uuid.UUID  `json:"id"`
	ProjectID uuid.UUID  `json:"project_id"`
	ParentID  *uuid.UUID `json:"parent_id,omitempty"`

	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      TaskStatus `json:"status"`
	Origin      TaskOrigin `json:"origin,omitempty"`

	AssigneeID      *uuid.UUID `json:"assignee_id,omitempty"`
	CreatedBy       *uuid.UUID `json:"created_by,omitempty"`
	StatusChangedBy *uuid.UUID `json:"status_changed_by,omitempty"`

	// Dependencies lists sibling task IDs that must be done before this
	// task becomes executable.
	Dependencies []uuid.UUID `json:"dependencies,omitempty"`

	BlockedReason *string `json:"blocked_reason,omitempty"`

	// Locked is set by the external audit mechanism. A locked task rejects
	// every status transition.
	Locked bool `json:"locked"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SelfCreated reports whether the task was created by its own assignee.
// Falls back to the legacy heuristics for rows without an explicit origin:
// creator equals assignee, or a root task with no parent.
func (t Task) SelfCreated() bool {
	switch t.Origin {
	case OriginSelf:
		return true
	case OriginDelegated:
		return false
	}
	if t.CreatedBy != nil && t.AssigneeID != nil {
		return *t.CreatedBy == *t.AssigneeID
	}
	return t.ParentID == nil
}

// AssignedTo reports whether the task is assigned to the given agent.
func (t Task) AssignedTo(agentID uuid.UUID) bool {
	return t.AssigneeID != nil && *t.AssigneeID == agentID
}

// SubtaskDef describes one subtask in a batch-creation request. LocalID is a
// caller-chosen label; DependsOn references sibling LocalIDs, which lets a
// definition depend on siblings that do not have real IDs yet.
type SubtaskDef struct {
	LocalID     string   `json:"local_id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
}
