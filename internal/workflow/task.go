package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/taskplane/taskplane/internal/model"
	"github.com/taskplane/taskplane/internal/storage"
	"github.com/taskplane/taskplane/internal/taskgraph"
)

// nextWorker drives the worker task machine, keyed by the main task's
// latest phase and the classification of its subtasks.
func (e *Engine) nextWorker(ctx context.Context, session model.AgentSession, agent model.Agent) (Instruction, error) {
	task, err := e.store.GetInProgressTask(ctx, agent.ID, session.ProjectID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Instruction{
				Action:      ActionLogout,
				Instruction: "No in-progress task remains. Log out.",
			}, nil
		}
		return Instruction{}, fmt.Errorf("workflow: worker next: %w", err)
	}

	phase, havePhase, err := e.latestPhase(ctx, task.ID)
	if err != nil {
		return Instruction{}, err
	}

	subtasks, err := e.store.ListSubtasks(ctx, task.ID)
	if err != nil {
		return Instruction{}, fmt.Errorf("workflow: worker next: %w", err)
	}

	if len(subtasks) == 0 {
		if task.SelfCreated() {
			// Decomposition of a self-created task is forbidden: it would
			// let an agent recurse without bound.
			return Instruction{
				Action:      ActionWork,
				Task:        &task,
				Instruction: "Execute this task directly and update its status when finished.",
			}, nil
		}
		if !havePhase || phase != model.PhaseCreatingSubtasks {
			if _, err := e.store.AppendPhase(ctx, task.ID, agent.ID, session.ProjectID, model.PhaseCreatingSubtasks); err != nil {
				return Instruction{}, fmt.Errorf("workflow: worker next: %w", err)
			}
		}
		return Instruction{
			Action:      ActionCreateSubtasks,
			Task:        &task,
			Instruction: "Break this task into subtasks with dependencies, then poll again.",
		}, nil
	}

	// Transient edge: subtasks appeared since the decomposition started.
	if havePhase && phase == model.PhaseCreatingSubtasks {
		if _, err := e.store.AppendPhase(ctx, task.ID, agent.ID, session.ProjectID, model.PhaseSubtasksCreated); err != nil {
			return Instruction{}, fmt.Errorf("workflow: worker next: %w", err)
		}
	}

	c := taskgraph.ClassifySelf(subtasks)
	switch {
	case c.AllDone():
		return Instruction{
			Action:      ActionReportCompletion,
			Task:        &task,
			Instruction: "Every subtask is finished. Report completion of the main task.",
		}, nil

	case len(c.Blocked) > 0 && !c.Pending() && len(c.InProgress) == 0:
		blocked, err := e.graph.ClassifyBlocked(ctx, agent.ID, c.Blocked)
		if err != nil {
			return Instruction{}, fmt.Errorf("workflow: worker next: %w", err)
		}
		return Instruction{
			Action:      ActionReviewBlocks,
			Task:        &task,
			Blocked:     blocked,
			Instruction: "Only blocked subtasks remain. Resolve the self-blocked ones; escalate the rest.",
		}, nil

	case len(c.InProgress) > 0:
		sub := c.InProgress[0]
		return Instruction{
			Action:      ActionExecuteSubtask,
			Task:        &task,
			Subtask:     &sub,
			Instruction: "Continue executing this subtask.",
		}, nil

	case len(c.Executable) > 0:
		sub := c.Executable[0]
		return Instruction{
			Action:      ActionStartSubtask,
			Task:        &task,
			Subtask:     &sub,
			Instruction: "Start this subtask: set it in_progress and begin work.",
		}, nil

	case c.Pending():
		return Instruction{
			Action:      ActionDependencyDeadlock,
			Task:        &task,
			Deadlock:    deadlockReport(c, subtasks),
			Instruction: "Pending subtasks exist but none is executable. Repair the dependency graph or abandon the task.",
		}, nil
	}

	// Blocked alongside in-progress work was handled above; this is the
	// mixed leftover case (blocked + nothing else actionable yet).
	blocked, err := e.graph.ClassifyBlocked(ctx, agent.ID, c.Blocked)
	if err != nil {
		return Instruction{}, fmt.Errorf("workflow: worker next: %w", err)
	}
	return Instruction{
		Action:      ActionReviewBlocks,
		Task:        &task,
		Blocked:     blocked,
		Instruction: "Review the blocked subtasks.",
	}, nil
}

// nextManager drives the manager task machine. Managers never execute;
// they decompose, dispatch, and react to worker blocks, with the
// select_action handshake deciding between dispatch, adjust, wait, and
// complete.
func (e *Engine) nextManager(ctx context.Context, session model.AgentSession, agent model.Agent) (Instruction, error) {
	task, err := e.store.GetInProgressTask(ctx, agent.ID, session.ProjectID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Instruction{
				Action:      ActionLogout,
				Instruction: "No in-progress task remains. Log out.",
			}, nil
		}
		return Instruction{}, fmt.Errorf("workflow: manager next: %w", err)
	}

	phase, havePhase, err := e.latestPhase(ctx, task.ID)
	if err != nil {
		return Instruction{}, err
	}

	subtasks, err := e.store.ListSubtasks(ctx, task.ID)
	if err != nil {
		return Instruction{}, fmt.Errorf("workflow: manager next: %w", err)
	}
	c := taskgraph.Classify(agent.ID, subtasks)

	// A worker blocked while this manager was waiting. Handle it before
	// anything else, and record the handling so the arbitrator does not
	// restart the manager in a loop.
	if havePhase && phase == model.PhaseWorkerBlocked {
		if _, err := e.store.AppendPhase(ctx, task.ID, agent.ID, session.ProjectID, model.PhaseHandledBlocked); err != nil {
			return Instruction{}, fmt.Errorf("workflow: manager next: %w", err)
		}
		blocked, err := e.graph.ClassifyBlocked(ctx, agent.ID, c.Blocked)
		if err != nil {
			return Instruction{}, fmt.Errorf("workflow: manager next: %w", err)
		}
		return Instruction{
			Action:      ActionReviewBlocks,
			Task:        &task,
			Blocked:     blocked,
			Instruction: "A worker blocked its subtask. Review and remediate, then select your next action.",
		}, nil
	}

	// Drain the select_action handshake.
	cmd, err := e.store.TakeSessionCommand(ctx, session.ID)
	if err == nil {
		return e.manageCommand(ctx, session, agent, task, subtasks, c, cmd)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return Instruction{}, fmt.Errorf("workflow: manager next: %w", err)
	}

	if len(subtasks) == 0 {
		if !havePhase || phase != model.PhaseCreatingSubtasks {
			if _, err := e.store.AppendPhase(ctx, task.ID, agent.ID, session.ProjectID, model.PhaseCreatingSubtasks); err != nil {
				return Instruction{}, fmt.Errorf("workflow: manager next: %w", err)
			}
		}
		return Instruction{
			Action:      ActionCreateSubtasks,
			Task:        &task,
			Instruction: "Break this task into subtasks for your workers, then poll again.",
		}, nil
	}
	if havePhase && phase == model.PhaseCreatingSubtasks {
		if _, err := e.store.AppendPhase(ctx, task.ID, agent.ID, session.ProjectID, model.PhaseSubtasksCreated); err != nil {
			return Instruction{}, fmt.Errorf("workflow: manager next: %w", err)
		}
	}

	if c.AllDone() {
		// Never auto-complete on the manager's behalf.
		return Instruction{
			Action:      ActionCompletionCheck,
			Task:        &task,
			Subtasks:    subtasks,
			Instruction: "All subtasks are finished. Verify the result, then select complete (or adjust).",
		}, nil
	}

	workers, err := e.store.ListSubordinateWorkers(ctx, agent.ID, session.ProjectID)
	if err != nil {
		return Instruction{}, fmt.Errorf("workflow: manager next: %w", err)
	}

	if len(workers) == 0 && len(c.PendingUnassigned) > 0 {
		sub := c.PendingUnassigned[0]
		return Instruction{
			Action:      ActionBlockSubtask,
			Task:        &task,
			Subtask:     &sub,
			Instruction: "No worker subordinates are available. Mark this subtask blocked and exit instead of starving.",
		}, nil
	}

	return Instruction{
		Action:      ActionSituationalAwareness,
		Task:        &task,
		Subtasks:    subtasks,
		Workers:     workers,
		Instruction: "Review the subtasks and available workers, then call select_action.",
	}, nil
}

// manageCommand turns a drained select_action command into its concrete
// instruction.
func (e *Engine) manageCommand(ctx context.Context, session model.AgentSession, agent model.Agent, task model.Task, subtasks []model.Task, c taskgraph.Classification, cmd model.SessionCommand) (Instruction, error) {
	switch cmd.Action {
	case model.ManagerDispatch:
		workers, err := e.store.ListSubordinateWorkers(ctx, agent.ID, session.ProjectID)
		if err != nil {
			return Instruction{}, fmt.Errorf("workflow: dispatch: %w", err)
		}
		dispatchable := append(append([]model.Task{}, c.PendingUnassigned...), c.Executable...)
		return Instruction{
			Action:      ActionDispatchTask,
			Task:        &task,
			Subtasks:    dispatchable,
			Workers:     workers,
			Instruction: "Assign each listed subtask to a worker with assign_task.",
		}, nil

	case model.ManagerAdjust:
		return Instruction{
			Action:      ActionAdjust,
			Task:        &task,
			Subtasks:    subtasks,
			Reason:      cmd.Reason,
			Instruction: "Adjust the plan: edit, reassign, or cancel subtasks as needed.",
		}, nil

	case model.ManagerWait:
		// Validated at selection time, but the workers may have vanished
		// since. Fall back to a fresh snapshot rather than waiting forever.
		ok, err := e.waitAllowed(ctx, session, agent)
		if err != nil {
			return Instruction{}, err
		}
		if !ok {
			e.logger.Warn("wait selection no longer valid", "session_id", session.ID)
			return Instruction{
				Action:      ActionSituationalAwareness,
				Task:        &task,
				Subtasks:    subtasks,
				Instruction: "Waiting is no longer possible: no worker is active. Select dispatch_task.",
			}, nil
		}
		if _, err := e.store.AppendPhase(ctx, task.ID, agent.ID, session.ProjectID, model.PhaseWaitingForWorkers); err != nil {
			return Instruction{}, fmt.Errorf("workflow: wait: %w", err)
		}
		if err := e.store.DeleteSession(ctx, session.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return Instruction{}, fmt.Errorf("workflow: wait: %w", err)
		}
		return Instruction{
			Action:      ActionWait,
			Task:        &task,
			Instruction: "Waiting for workers. Your session is closed; exit now. You will be respawned when needed.",
		}, nil

	case model.ManagerComplete:
		return Instruction{
			Action:      ActionReportCompletion,
			Task:        &task,
			Instruction: "Report completion of the main task.",
		}, nil
	}
	return Instruction{}, fmt.Errorf("%w: %q", ErrUnknownAction, cmd.Action)
}

func (e *Engine) latestPhase(ctx context.Context, taskID uuid.UUID) (model.Phase, bool, error) {
	marker, err := e.store.LatestPhase(ctx, taskID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("workflow: read phase: %w", err)
	}
	return marker.Phase, true, nil
}

func deadlockReport(c taskgraph.Classification, subtasks []model.Task) []DeadlockedTask {
	byID := make(map[uuid.UUID]model.Task, len(subtasks))
	for _, t := range subtasks {
		byID[t.ID] = t
	}
	pending := append(append([]model.Task{}, c.PendingUnassigned...), c.PendingAssigned...)
	out := make([]DeadlockedTask, 0, len(pending))
	for _, t := range pending {
		out = append(out, DeadlockedTask{
			TaskID:            t.ID,
			Title:             t.Title,
			UnmetDependencies: taskgraph.UnmetDependencies(t, byID),
		})
	}
	return out
}
