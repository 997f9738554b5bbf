// Package taskgraph implements dependency resolution, subtask
// classification, status-transition validation, and cascade block
// propagation over the task tree.
package taskgraph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/taskplane/taskplane/internal/model"
	"github.com/taskplane/taskplane/internal/storage"
)

// maxCascadeDepth bounds parent-chain walks during cascade blocking.
const maxCascadeDepth = 32

// TaskStore is the task persistence surface the graph needs.
type TaskStore interface {
	GetTask(ctx context.Context, id uuid.UUID) (model.Task, error)
	ListSubtasks(ctx context.Context, parentID uuid.UUID) ([]model.Task, error)
	CreateTasks(ctx context.Context, tasks []model.Task) ([]model.Task, error)
	UpdateTaskStatus(ctx context.Context, taskID uuid.UUID, status model.TaskStatus, changedBy *uuid.UUID, blockedReason *string) (model.Task, error)
	AssignTask(ctx context.Context, taskID uuid.UUID, assigneeID *uuid.UUID) (model.Task, *uuid.UUID, error)
}

// PhaseStore reads and appends workflow phase markers.
type PhaseStore interface {
	LatestPhase(ctx context.Context, taskID uuid.UUID) (model.PhaseMarker, error)
	AppendPhase(ctx context.Context, taskID, agentID, projectID uuid.UUID, phase model.Phase) (model.PhaseMarker, error)
}

// SessionStore answers active-session queries for cascade wake-ups.
type SessionStore interface {
	HasActiveTaskSession(ctx context.Context, agentIDs []uuid.UUID, projectID uuid.UUID) (bool, error)
}

// AgentStore resolves agents for blocked-subtask attribution.
type AgentStore interface {
	GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error)
}

// Ownership answers "is this agent the owner or a transitive subordinate
// of the owner" for blocked-subtask attribution.
type Ownership interface {
	IsOwnedBy(ctx context.Context, ownerID, agentID uuid.UUID) (bool, error)
}

// Graph is the task dependency and lifecycle service.
type Graph struct {
	tasks    TaskStore
	phases   PhaseStore
	sessions SessionStore
	agents   AgentStore
	owners   Ownership
	logger   *slog.Logger
}

// New creates a Graph.
func New(tasks TaskStore, phases PhaseStore, sessions SessionStore, agents AgentStore, owners Ownership, logger *slog.Logger) *Graph {
	if logger == nil {
		logger = slog.Default()
	}
	return &Graph{tasks: tasks, phases: phases, sessions: sessions, agents: agents, owners: owners, logger: logger}
}

// CreateBatch decomposes a parent task into subtasks. Definitions carry
// local-id dependency references, which may point at siblings defined later
// in the batch, so real IDs are allocated for every definition before any
// reference is resolved. Returns the created tasks and the local-id map.
func (g *Graph) CreateBatch(ctx context.Context, parentTaskID, creatorID uuid.UUID, defs []model.SubtaskDef) ([]model.Task, map[string]uuid.UUID, error) {
	if len(defs) == 0 {
		return nil, nil, fmt.Errorf("%w: no subtask definitions", ErrValidation)
	}

	parent, err := g.tasks.GetTask(ctx, parentTaskID)
	if err != nil {
		return nil, nil, fmt.Errorf("taskgraph: create batch: %w", err)
	}
	if parent.SelfCreated() {
		return nil, nil, fmt.Errorf("%w: self-created task %s cannot be decomposed", ErrValidation, parent.ID)
	}
	if parent.Status.Terminal() {
		return nil, nil, fmt.Errorf("%w: task %s is %s", ErrValidation, parent.ID, parent.Status)
	}

	// Phase one: allocate a real ID per local id.
	idByLocal := make(map[string]uuid.UUID, len(defs))
	for _, def := range defs {
		if def.Title == "" {
			return nil, nil, fmt.Errorf("%w: subtask %q has no title", ErrValidation, def.LocalID)
		}
		if def.LocalID == "" {
			return nil, nil, fmt.Errorf("%w: subtask %q has no local id", ErrValidation, def.Title)
		}
		if _, dup := idByLocal[def.LocalID]; dup {
			return nil, nil, fmt.Errorf("%w: duplicate local id %q", ErrValidation, def.LocalID)
		}
		idByLocal[def.LocalID] = uuid.New()
	}

	// Phase two: resolve dependency references through the map.
	tasks := make([]model.Task, 0, len(defs))
	for _, def := range defs {
		deps := make([]uuid.UUID, 0, len(def.DependsOn))
		for _, ref := range def.DependsOn {
			if ref == def.LocalID {
				return nil, nil, fmt.Errorf("%w: subtask %q depends on itself", ErrValidation, def.LocalID)
			}
			id, ok := idByLocal[ref]
			if !ok {
				return nil, nil, fmt.Errorf("%w: subtask %q references unknown local id %q", ErrValidation, def.LocalID, ref)
			}
			deps = append(deps, id)
		}
		tasks = append(tasks, model.Task{
			ID:           idByLocal[def.LocalID],
			ProjectID:    parent.ProjectID,
			ParentID:     &parent.ID,
			Title:        def.Title,
			Description:  def.Description,
			Status:       model.TaskTodo,
			CreatedBy:    &creatorID,
			Dependencies: deps,
		})
	}

	created, err := g.tasks.CreateTasks(ctx, tasks)
	if err != nil {
		return nil, nil, fmt.Errorf("taskgraph: persist batch: %w", err)
	}
	return created, idByLocal, nil
}

// UpdateStatus applies a status transition, rejecting locked tasks and
// illegal edges. A transition into blocked triggers cascade propagation up
// the parent chain; cascade failures are logged, never returned, since the
// primary write already committed.
func (g *Graph) UpdateStatus(ctx context.Context, taskID uuid.UUID, newStatus model.TaskStatus, changedBy uuid.UUID, reason *string) (model.Task, error) {
	if !model.ValidTaskStatus(newStatus) {
		return model.Task{}, fmt.Errorf("%w: unknown status %q", ErrValidation, newStatus)
	}

	task, err := g.tasks.GetTask(ctx, taskID)
	if err != nil {
		return model.Task{}, fmt.Errorf("taskgraph: update status: %w", err)
	}
	if task.Locked {
		return model.Task{}, fmt.Errorf("task %s: %w", taskID, ErrTaskLocked)
	}
	if err := ValidateTransition(task.Status, newStatus); err != nil {
		return model.Task{}, err
	}

	var blockedReason *string
	if newStatus == model.TaskBlocked {
		blockedReason = reason
	}
	updated, err := g.tasks.UpdateTaskStatus(ctx, taskID, newStatus, &changedBy, blockedReason)
	if err != nil {
		return model.Task{}, fmt.Errorf("taskgraph: update status: %w", err)
	}

	if newStatus == model.TaskBlocked {
		if err := g.CascadeBlock(ctx, updated); err != nil {
			g.logger.Warn("cascade block failed", "task_id", taskID, "error", err)
		}
	}
	return updated, nil
}

// Assign sets or clears a task's assignee on behalf of a manager. The
// task's creator must sit in the manager's subtree, and a non-nil
// assignee must be an existing agent inside the same subtree — an
// assignee no one can spawn would leave the subtask pending forever. A
// nil creator is treated as owned: rows predating creator tracking were
// written by the assigning manager itself. Returns the updated task and
// the previous assignee.
func (g *Graph) Assign(ctx context.Context, taskID uuid.UUID, assigneeID *uuid.UUID, managerID uuid.UUID) (model.Task, *uuid.UUID, error) {
	task, err := g.tasks.GetTask(ctx, taskID)
	if err != nil {
		return model.Task{}, nil, fmt.Errorf("taskgraph: assign: %w", err)
	}
	if task.Locked {
		return model.Task{}, nil, fmt.Errorf("task %s: %w", taskID, ErrTaskLocked)
	}
	if task.CreatedBy != nil {
		owned, err := g.owners.IsOwnedBy(ctx, managerID, *task.CreatedBy)
		if err != nil {
			return model.Task{}, nil, fmt.Errorf("taskgraph: assign ownership: %w", err)
		}
		if !owned {
			return model.Task{}, nil, fmt.Errorf("task %s: %w", taskID, ErrNotOwner)
		}
	}

	if assigneeID != nil {
		if _, err := g.agents.GetAgent(ctx, *assigneeID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return model.Task{}, nil, fmt.Errorf("%w: assignee %s does not exist", ErrValidation, *assigneeID)
			}
			return model.Task{}, nil, fmt.Errorf("taskgraph: assign: %w", err)
		}
		owned, err := g.owners.IsOwnedBy(ctx, managerID, *assigneeID)
		if err != nil {
			return model.Task{}, nil, fmt.Errorf("taskgraph: assign ownership: %w", err)
		}
		if !owned {
			return model.Task{}, nil, fmt.Errorf("assignee %s: %w", *assigneeID, ErrNotOwner)
		}
	}

	updated, previous, err := g.tasks.AssignTask(ctx, taskID, assigneeID)
	if err != nil {
		return model.Task{}, nil, fmt.Errorf("taskgraph: assign: %w", err)
	}
	return updated, previous, nil
}

// CascadeBlock walks the parent chain of a newly-blocked task looking for
// the first ancestor owned by a different agent. If that ancestor is in
// phase waiting_for_workers and its owner holds an active task session, a
// worker_blocked marker is appended as a targeted wake-up. In every other
// case the walk stops without side effects: the ancestor discovers the
// block on its next regular poll.
func (g *Graph) CascadeBlock(ctx context.Context, blocked model.Task) error {
	current := blocked
	for depth := 0; depth < maxCascadeDepth; depth++ {
		if current.ParentID == nil {
			return nil
		}
		parent, err := g.tasks.GetTask(ctx, *current.ParentID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("taskgraph: cascade walk: %w", err)
		}

		if sameAssignee(parent.AssigneeID, blocked.AssigneeID) {
			current = parent
			continue
		}
		if parent.AssigneeID == nil {
			return nil
		}

		marker, err := g.phases.LatestPhase(ctx, parent.ID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("taskgraph: cascade read phase: %w", err)
		}
		if marker.Phase != model.PhaseWaitingForWorkers {
			return nil
		}

		active, err := g.sessions.HasActiveTaskSession(ctx, []uuid.UUID{*parent.AssigneeID}, parent.ProjectID)
		if err != nil {
			return fmt.Errorf("taskgraph: cascade session check: %w", err)
		}
		if !active {
			return nil
		}

		if _, err := g.phases.AppendPhase(ctx, parent.ID, *parent.AssigneeID, parent.ProjectID, model.PhaseWorkerBlocked); err != nil {
			return fmt.Errorf("taskgraph: cascade wake marker: %w", err)
		}
		g.logger.Info("cascade wake-up appended",
			"blocked_task", blocked.ID, "parent_task", parent.ID, "owner", *parent.AssigneeID)
		return nil
	}
	return nil
}

func sameAssignee(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// BlockedCause attributes a blocked subtask to whoever blocked it.
type BlockedCause string

const (
	BlockedByUser  BlockedCause = "user"  // human action; not resolvable by the agent
	BlockedBySelf  BlockedCause = "self"  // owner or a transitive subordinate; resolvable
	BlockedByOther BlockedCause = "other" // unrelated agent
)

// BlockedSubtask pairs a blocked task with its attribution.
type BlockedSubtask struct {
	Task  model.Task
	Cause BlockedCause
}

// ClassifyBlocked attributes each blocked subtask by inspecting who last
// changed its status. A nil changer is treated as self-blocked: rows
// predating statusChangedBy tracking were always agent-written.
func (g *Graph) ClassifyBlocked(ctx context.Context, ownerID uuid.UUID, blocked []model.Task) ([]BlockedSubtask, error) {
	out := make([]BlockedSubtask, 0, len(blocked))
	for _, t := range blocked {
		cause, err := g.blockedCause(ctx, ownerID, t)
		if err != nil {
			return nil, err
		}
		out = append(out, BlockedSubtask{Task: t, Cause: cause})
	}
	return out, nil
}

func (g *Graph) blockedCause(ctx context.Context, ownerID uuid.UUID, t model.Task) (BlockedCause, error) {
	if t.StatusChangedBy == nil {
		return BlockedBySelf, nil
	}
	changer, err := g.agents.GetAgent(ctx, *t.StatusChangedBy)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return BlockedByOther, nil
		}
		return "", fmt.Errorf("taskgraph: resolve blocking agent: %w", err)
	}
	if changer.Role == model.RoleHuman {
		return BlockedByUser, nil
	}
	owned, err := g.owners.IsOwnedBy(ctx, ownerID, changer.ID)
	if err != nil {
		return "", fmt.Errorf("taskgraph: blocked attribution: %w", err)
	}
	if owned {
		return BlockedBySelf, nil
	}
	return BlockedByOther, nil
}
