// Package workflow computes the next instruction for an authenticated
// agent. Two cooperating state machines (manager and worker) plus a chat
// machine are re-derived from durable state on every poll: there is no
// in-memory session between calls, and computing an instruction may append
// a phase marker as a side effect.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/taskplane/taskplane/internal/model"
	"github.com/taskplane/taskplane/internal/storage"
	"github.com/taskplane/taskplane/internal/taskgraph"
)

// DefaultIdleTimeout is the soft timeout for chat sessions with no
// activity.
const DefaultIdleTimeout = 10 * time.Minute

var meter = otel.GetMeterProvider().Meter("taskplane/workflow")

// Store is the persistence surface the engine needs.
type Store interface {
	GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error)
	GetSession(ctx context.Context, id uuid.UUID) (model.AgentSession, error)
	TouchSession(ctx context.Context, id uuid.UUID) error
	DeleteSession(ctx context.Context, id uuid.UUID) error

	GetInProgressTask(ctx context.Context, agentID, projectID uuid.UUID) (model.Task, error)
	ListSubtasks(ctx context.Context, parentID uuid.UUID) ([]model.Task, error)

	LatestPhase(ctx context.Context, taskID uuid.UUID) (model.PhaseMarker, error)
	AppendPhase(ctx context.Context, taskID, agentID, projectID uuid.UUID, phase model.Phase) (model.PhaseMarker, error)

	EnqueueSessionCommand(ctx context.Context, sessionID uuid.UUID, action model.ManagerAction, reason string) (model.SessionCommand, error)
	TakeSessionCommand(ctx context.Context, sessionID uuid.UUID) (model.SessionCommand, error)

	ListSubordinateWorkers(ctx context.Context, managerID, projectID uuid.UUID) ([]model.Agent, error)
	HasActiveTaskSession(ctx context.Context, agentIDs []uuid.UUID, projectID uuid.UUID) (bool, error)

	GetPendingConversationFor(ctx context.Context, agentID, projectID uuid.UUID) (model.Conversation, error)
	GetTerminatingConversationFor(ctx context.Context, agentID, projectID uuid.UUID) (model.Conversation, error)
	SetConversationStatus(ctx context.Context, id uuid.UUID, status model.ConversationStatus, terminatedBy *uuid.UUID) error
	GetPendingDelegation(ctx context.Context, agentID, projectID uuid.UUID) (model.ChatDelegation, error)
	SetDelegationStatus(ctx context.Context, id uuid.UUID, status model.DelegationStatus) error
	CountUnreadMessages(ctx context.Context, agentID, projectID uuid.UUID) (int, error)
}

// Engine computes workflow decisions.
type Engine struct {
	store       Store
	graph       *taskgraph.Graph
	idleTimeout time.Duration
	logger      *slog.Logger
}

// New creates an Engine. idleTimeout <= 0 selects DefaultIdleTimeout.
func New(store Store, graph *taskgraph.Graph, idleTimeout time.Duration, logger *slog.Logger) *Engine {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, graph: graph, idleTimeout: idleTimeout, logger: logger}
}

// Next computes the next instruction for a session. Top-level gates run
// before any role-specific logic: model verification, then termination,
// then the purpose split.
func (e *Engine) Next(ctx context.Context, session model.AgentSession) (Instruction, error) {
	inst, err := e.next(ctx, session)
	if err != nil {
		return Instruction{}, err
	}
	e.recordDecision(ctx, session, inst.Action)
	return inst, nil
}

func (e *Engine) next(ctx context.Context, session model.AgentSession) (Instruction, error) {
	if !session.ModelVerified {
		return Instruction{
			Action:      ActionReportModel,
			Instruction: "Report your provider and model before doing anything else.",
		}, nil
	}
	if session.State == model.SessionTerminating {
		return Instruction{
			Action:      ActionLogout,
			Instruction: "This session is terminating. Log out now.",
		}, nil
	}

	if session.Purpose == model.PurposeChat {
		return e.nextChat(ctx, session)
	}

	if err := e.store.TouchSession(ctx, session.ID); err != nil {
		e.logger.Warn("touch session", "session_id", session.ID, "error", err)
	}

	agent, err := e.store.GetAgent(ctx, session.AgentID)
	if err != nil {
		return Instruction{}, fmt.Errorf("workflow: next: %w", err)
	}
	if agent.Role == model.RoleManager {
		return e.nextManager(ctx, session, agent)
	}
	return e.nextWorker(ctx, session, agent)
}

// NextLongPoll is the chat-only blocking variant of Next. It re-evaluates
// the chat conditions on a coarse tick until one is met or the timeout
// expires, re-reading the session each tick so a terminating flag set by
// another caller is observed at the next tick boundary.
func (e *Engine) NextLongPoll(ctx context.Context, session model.AgentSession, timeout time.Duration) (Instruction, error) {
	if session.Purpose != model.PurposeChat {
		return e.Next(ctx, session)
	}
	if timeout < time.Second {
		timeout = time.Second
	}
	if timeout > DefaultIdleTimeout {
		timeout = DefaultIdleTimeout
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	current := session
	for {
		inst, err := e.Next(ctx, current)
		if err != nil {
			return Instruction{}, err
		}
		if inst.Action != ActionWaitForMessages {
			return inst, nil
		}

		select {
		case <-ctx.Done():
			return inst, nil
		case <-deadline.C:
			return inst, nil
		case <-tick.C:
		}

		refreshed, err := e.store.GetSession(ctx, current.ID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return Instruction{Action: ActionLogout, Instruction: "Session no longer exists. Log out now."}, nil
			}
			return Instruction{}, fmt.Errorf("workflow: long poll: %w", err)
		}
		current = refreshed
	}
}

// SelectAction records a manager's choice as a single-slot command on the
// session, drained by the next Next call. Selecting again before the next
// poll replaces the previous choice.
func (e *Engine) SelectAction(ctx context.Context, session model.AgentSession, action model.ManagerAction, reason string) error {
	agent, err := e.store.GetAgent(ctx, session.AgentID)
	if err != nil {
		return fmt.Errorf("workflow: select action: %w", err)
	}
	if agent.Role != model.RoleManager {
		return ErrManagerOnly
	}
	if !model.ValidManagerAction(action) {
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	if action == model.ManagerWait {
		ok, err := e.waitAllowed(ctx, session, agent)
		if err != nil {
			return err
		}
		if !ok {
			return ErrWaitNeedsDispatch
		}
	}

	if _, err := e.store.EnqueueSessionCommand(ctx, session.ID, action, reason); err != nil {
		return fmt.Errorf("workflow: select action: %w", err)
	}
	e.logger.Info("manager action selected", "session_id", session.ID, "action", action)
	return nil
}

// waitAllowed checks the wait precondition: at least one subordinate
// worker holds an active task session, or at least one subtask of the
// in-progress task is already worker-assigned.
func (e *Engine) waitAllowed(ctx context.Context, session model.AgentSession, agent model.Agent) (bool, error) {
	workers, err := e.store.ListSubordinateWorkers(ctx, agent.ID, session.ProjectID)
	if err != nil {
		return false, fmt.Errorf("workflow: wait precondition: %w", err)
	}
	if len(workers) > 0 {
		ids := make([]uuid.UUID, len(workers))
		for i, w := range workers {
			ids[i] = w.ID
		}
		active, err := e.store.HasActiveTaskSession(ctx, ids, session.ProjectID)
		if err != nil {
			return false, fmt.Errorf("workflow: wait precondition: %w", err)
		}
		if active {
			return true, nil
		}
	}

	task, err := e.store.GetInProgressTask(ctx, agent.ID, session.ProjectID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("workflow: wait precondition: %w", err)
	}
	subtasks, err := e.store.ListSubtasks(ctx, task.ID)
	if err != nil {
		return false, fmt.Errorf("workflow: wait precondition: %w", err)
	}
	for _, st := range subtasks {
		if st.AssigneeID != nil && *st.AssigneeID != agent.ID && !st.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) recordDecision(ctx context.Context, session model.AgentSession, action Action) {
	// Best-effort; instruments lazily created.
	if counter, err := meter.Int64Counter("workflow.decisions"); err == nil {
		counter.Add(ctx, 1, otelmetric.WithAttributes(
			attribute.String("action", string(action)),
			attribute.String("purpose", string(session.Purpose)),
		))
	}
}
