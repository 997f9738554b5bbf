// Package spawn decides, per launcher poll, whether an agent process
// should be started or held for a (agent, project) pair.
//
// The decision tree is evaluated strictly in order and the first match
// wins, so every poll with unchanged durable state yields the same answer.
// Duplicate launches are prevented by an advisory spawn lock acquired with
// a conditional update, not by in-memory coordination.
package spawn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/taskplane/taskplane/internal/model"
	"github.com/taskplane/taskplane/internal/storage"
	"github.com/taskplane/taskplane/internal/taskgraph"
)

var meter = otel.GetMeterProvider().Meter("taskplane/spawn")

// Hold and start reasons returned to the launcher.
const (
	ReasonProjectPaused      = "project_paused"
	ReasonNotAssigned        = "agent_not_assigned"
	ReasonBlockedNoProgress  = "blocked_without_in_progress"
	ReasonWorkerBlocked      = "worker_blocked"
	ReasonHandledBlocked     = "handled_blocked"
	ReasonWaitingForWorkers  = "waiting_for_workers"
	ReasonHasTaskWork        = "has_task_work"
	ReasonHasChatWork        = "has_chat_work"
	ReasonSpawnInProgress    = "spawn_in_progress"
	ReasonNoWork             = "no_work"
)

// Progress summarizes subtask completion for a waiting manager.
type Progress struct {
	Total      int `json:"total"`
	Done       int `json:"done"`
	InProgress int `json:"in_progress"`
}

// Decision is the arbitrator's answer to one launcher poll.
type Decision struct {
	Start    bool       `json:"start"`
	Reason   string     `json:"reason"`
	TaskID   *uuid.UUID `json:"task_id,omitempty"`
	Provider string     `json:"provider,omitempty"`
	Model    string     `json:"model,omitempty"`
	Progress *Progress  `json:"progress,omitempty"`
}

func hold(reason string) Decision { return Decision{Reason: reason} }

// Store is the persistence surface the arbitrator reads.
type Store interface {
	GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error)
	GetProject(ctx context.Context, id uuid.UUID) (model.Project, error)
	IsAgentAssigned(ctx context.Context, agentID, projectID uuid.UUID) (bool, error)

	GetInProgressTask(ctx context.Context, agentID, projectID uuid.UUID) (model.Task, error)
	HasBlockedTask(ctx context.Context, agentID, projectID uuid.UUID) (bool, error)
	ListSubtasks(ctx context.Context, parentID uuid.UUID) ([]model.Task, error)
	LatestPhase(ctx context.Context, taskID uuid.UUID) (model.PhaseMarker, error)

	ListSubordinateWorkers(ctx context.Context, managerID, projectID uuid.UUID) ([]model.Agent, error)
	HasActiveTaskSession(ctx context.Context, agentIDs []uuid.UUID, projectID uuid.UUID) (bool, error)

	TryAcquireSpawnLock(ctx context.Context, agentID, projectID uuid.UUID) (bool, error)
}

// WorkDetector answers "does this agent have work" queries. Implemented by
// the session broker so spawn decisions and authentication agree on what
// counts as work. Work already claimed by an active session of that
// purpose must not be reported: a started agent would only collide on
// authentication.
type WorkDetector interface {
	HasTaskWork(ctx context.Context, agentID, projectID uuid.UUID) (bool, error)
	HasChatWork(ctx context.Context, agentID, projectID uuid.UUID) (bool, error)
}

// Arbitrator makes start/hold decisions for the external launcher.
type Arbitrator struct {
	store  Store
	work   WorkDetector
	logger *slog.Logger
}

// New creates an Arbitrator.
func New(store Store, work WorkDetector, logger *slog.Logger) *Arbitrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Arbitrator{store: store, work: work, logger: logger}
}

// Decide evaluates the decision tree for one (agent, project) pair.
func (a *Arbitrator) Decide(ctx context.Context, agentID, projectID uuid.UUID) (Decision, error) {
	d, err := a.decide(ctx, agentID, projectID)
	if err != nil {
		return Decision{}, err
	}
	// Best-effort; instruments lazily created.
	if counter, cerr := meter.Int64Counter("spawn.decisions"); cerr == nil {
		counter.Add(ctx, 1, otelmetric.WithAttributes(
			attribute.Bool("start", d.Start),
			attribute.String("reason", d.Reason),
		))
	}
	return d, nil
}

func (a *Arbitrator) decide(ctx context.Context, agentID, projectID uuid.UUID) (Decision, error) {
	agent, err := a.store.GetAgent(ctx, agentID)
	if err != nil {
		return Decision{}, fmt.Errorf("spawn: decide: %w", err)
	}
	project, err := a.store.GetProject(ctx, projectID)
	if err != nil {
		return Decision{}, fmt.Errorf("spawn: decide: %w", err)
	}

	if project.Paused {
		return hold(ReasonProjectPaused), nil
	}

	assigned, err := a.store.IsAgentAssigned(ctx, agentID, projectID)
	if err != nil {
		return Decision{}, fmt.Errorf("spawn: decide: %w", err)
	}
	if !assigned {
		return hold(ReasonNotAssigned), nil
	}

	inProgress, err := a.store.GetInProgressTask(ctx, agentID, projectID)
	hasInProgress := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Decision{}, fmt.Errorf("spawn: decide: %w", err)
	}

	// Blocking alone never triggers a spawn; only an agent already
	// mid-execution should wake to handle it.
	blocked, err := a.store.HasBlockedTask(ctx, agentID, projectID)
	if err != nil {
		return Decision{}, fmt.Errorf("spawn: decide: %w", err)
	}
	if blocked && !hasInProgress {
		return hold(ReasonBlockedNoProgress), nil
	}

	if agent.Role == model.RoleManager && hasInProgress {
		decision, decided, err := a.decideManagerPhase(ctx, agent, inProgress)
		if err != nil {
			return Decision{}, err
		}
		if decided {
			return decision, nil
		}
	}

	hasWork, reason, err := a.detectWork(ctx, agent, projectID)
	if err != nil {
		return Decision{}, err
	}
	if !hasWork {
		return hold(ReasonNoWork), nil
	}

	acquired, err := a.store.TryAcquireSpawnLock(ctx, agentID, projectID)
	if err != nil {
		return Decision{}, fmt.Errorf("spawn: decide: %w", err)
	}
	if !acquired {
		return hold(ReasonSpawnInProgress), nil
	}

	d := Decision{Start: true, Reason: reason, Provider: agent.Provider, Model: agent.Model}
	if hasInProgress {
		d.TaskID = &inProgress.ID
	}
	a.logger.Info("spawn start", "agent_id", agentID, "project_id", projectID, "reason", reason)
	return d, nil
}

// decideManagerPhase applies the manager-specific phase checks on the
// in-progress parent task. Returns decided=false to fall through to the
// generic work-detection path.
func (a *Arbitrator) decideManagerPhase(ctx context.Context, agent model.Agent, task model.Task) (Decision, bool, error) {
	marker, err := a.store.LatestPhase(ctx, task.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Decision{}, false, nil
		}
		return Decision{}, false, fmt.Errorf("spawn: read phase: %w", err)
	}

	switch marker.Phase {
	case model.PhaseWorkerBlocked:
		// Targeted wake-up: a subordinate blocked while this manager was
		// waiting. Bypasses generic work detection, but still one spawn
		// at a time.
		acquired, err := a.store.TryAcquireSpawnLock(ctx, agent.ID, task.ProjectID)
		if err != nil {
			return Decision{}, false, fmt.Errorf("spawn: decide: %w", err)
		}
		if !acquired {
			return hold(ReasonSpawnInProgress), true, nil
		}
		d := Decision{Start: true, Reason: ReasonWorkerBlocked, TaskID: &task.ID, Provider: agent.Provider, Model: agent.Model}
		a.logger.Info("spawn start", "agent_id", agent.ID, "project_id", task.ProjectID, "reason", ReasonWorkerBlocked)
		return d, true, nil

	case model.PhaseHandledBlocked:
		// The manager already attempted remediation; restarting it now
		// would thrash.
		return hold(ReasonHandledBlocked), true, nil

	case model.PhaseWaitingForWorkers:
		subtasks, err := a.store.ListSubtasks(ctx, task.ID)
		if err != nil {
			return Decision{}, false, fmt.Errorf("spawn: decide: %w", err)
		}
		c := taskgraph.Classify(agent.ID, subtasks)
		if len(c.InProgress) > 0 {
			d := hold(ReasonWaitingForWorkers)
			d.Progress = &Progress{Total: len(subtasks), Done: len(c.Done), InProgress: len(c.InProgress)}
			return d, true, nil
		}
		// Nothing outstanding: the manager must start to report completion.
		return Decision{}, false, nil
	}
	return Decision{}, false, nil
}

func (a *Arbitrator) detectWork(ctx context.Context, agent model.Agent, projectID uuid.UUID) (bool, string, error) {
	taskWork, err := a.work.HasTaskWork(ctx, agent.ID, projectID)
	if err != nil {
		return false, "", fmt.Errorf("spawn: work detection: %w", err)
	}

	// A manager must not race ahead of workers still executing: its task
	// work only counts once no subordinate worker holds a task session.
	if taskWork && agent.Role == model.RoleManager {
		workers, err := a.store.ListSubordinateWorkers(ctx, agent.ID, projectID)
		if err != nil {
			return false, "", fmt.Errorf("spawn: work detection: %w", err)
		}
		if len(workers) > 0 {
			ids := make([]uuid.UUID, len(workers))
			for i, w := range workers {
				ids[i] = w.ID
			}
			busy, err := a.store.HasActiveTaskSession(ctx, ids, projectID)
			if err != nil {
				return false, "", fmt.Errorf("spawn: work detection: %w", err)
			}
			if busy {
				taskWork = false
			}
		}
	}
	if taskWork {
		return true, ReasonHasTaskWork, nil
	}

	chatWork, err := a.work.HasChatWork(ctx, agent.ID, projectID)
	if err != nil {
		return false, "", fmt.Errorf("spawn: work detection: %w", err)
	}
	if chatWork {
		return true, ReasonHasChatWork, nil
	}
	return false, "", nil
}
