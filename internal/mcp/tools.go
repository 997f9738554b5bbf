package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/taskplane/taskplane/internal/broker"
	"github.com/taskplane/taskplane/internal/model"
	"github.com/taskplane/taskplane/internal/storage"
	"github.com/taskplane/taskplane/internal/taskgraph"
	"github.com/taskplane/taskplane/internal/workflow"
)

func (s *Server) registerTools() {
	// taskplane_authenticate — open a session and get a token.
	s.mcpServer.AddTool(
		mcplib.NewTool("taskplane_authenticate",
			mcplib.WithDescription(`Authenticate and open a work session.

WHEN TO USE: Once, at startup, before any other tool. The launcher started
you because the control plane decided you have work; this call finds out
which kind (task or chat) and returns a bearer token.

WHAT YOU GET BACK:
- token: bearer token for all subsequent calls (send as Authorization header)
- purpose: "task" or "chat" — which sub-machine will drive you
- working_directory: where to run
- expires_at: when the session dies regardless of activity

If authentication reports no eligible work, exit: the launcher will start
you again when there is something to do.`),
			mcplib.WithString("agent_id",
				mcplib.Description("Your agent UUID"),
				mcplib.Required(),
			),
			mcplib.WithString("passkey",
				mcplib.Description("Your credential"),
				mcplib.Required(),
			),
			mcplib.WithString("project_id",
				mcplib.Description("Project UUID to work in"),
				mcplib.Required(),
			),
		),
		s.handleAuthenticate,
	)

	// taskplane_next_action — pull the next instruction.
	s.mcpServer.AddTool(
		mcplib.NewTool("taskplane_next_action",
			mcplib.WithDescription(`Get your next instruction from the workflow engine.

WHEN TO USE: In a loop. Call it, do what the instruction says, call it again.
The engine re-derives your state from durable storage on every call, so
repeating a call is always safe.

Chat sessions may pass wait_seconds to long-poll: the call blocks until
something happens or the timeout elapses (returning wait_for_messages).

When the action is "logout", call taskplane_logout and exit.`),
			mcplib.WithNumber("wait_seconds",
				mcplib.Description("Optional long-poll timeout for chat sessions"),
				mcplib.Min(0),
				mcplib.Max(600),
			),
		),
		s.handleNextAction,
	)

	// taskplane_select_action — manager chooses from a situational_awareness menu.
	s.mcpServer.AddTool(
		mcplib.NewTool("taskplane_select_action",
			mcplib.WithDescription(`Select your next move after a situational_awareness instruction.

MANAGERS ONLY. Valid actions: dispatch_task, adjust, wait, complete.
The choice is stored and consumed by your next taskplane_next_action call.
"wait" requires at least one worker to be active or dispatched — select
dispatch_task first if nobody is working.`),
			mcplib.WithString("action",
				mcplib.Description("One of: dispatch_task, adjust, wait, complete"),
				mcplib.Required(),
			),
			mcplib.WithString("reason",
				mcplib.Description("Short rationale, echoed back with the follow-up instruction"),
			),
		),
		s.handleSelectAction,
	)

	// taskplane_create_subtasks — decompose the current task.
	s.mcpServer.AddTool(
		mcplib.NewTool("taskplane_create_subtasks",
			mcplib.WithDescription(`Create subtasks under your current in-progress task.

WHEN TO USE: When taskplane_next_action says create_subtasks. Provide the
full decomposition in one call — the batch is atomic, and dependency
references use the local ids you choose here.

FORMAT: subtasks is a JSON array of objects:
  [{"local_id":"a","title":"...","description":"...","depends_on":["b"]}]
depends_on lists local_ids of other subtasks in this same batch.`),
			mcplib.WithString("subtasks",
				mcplib.Description("JSON array of subtask definitions"),
				mcplib.Required(),
			),
		),
		s.handleCreateSubtasks,
	)

	// taskplane_assign_task — manager assigns or unassigns a subtask.
	s.mcpServer.AddTool(
		mcplib.NewTool("taskplane_assign_task",
			mcplib.WithDescription(`Assign a subtask to a worker, or unassign it.

MANAGERS ONLY. Use after dispatch_task shows you the executable subtasks
and available workers. Omit assignee_id to unassign.`),
			mcplib.WithString("task_id",
				mcplib.Description("Subtask UUID"),
				mcplib.Required(),
			),
			mcplib.WithString("assignee_id",
				mcplib.Description("Worker agent UUID; omit to unassign"),
			),
		),
		s.handleAssignTask,
	)

	// taskplane_update_status — move a task through its lifecycle.
	s.mcpServer.AddTool(
		mcplib.NewTool("taskplane_update_status",
			mcplib.WithDescription(`Update a task's status.

Statuses: backlog, todo, in_progress, blocked, done, cancelled.
Transitions are validated — a started task cannot go back to todo.
Marking a task blocked triggers escalation to the responsible manager.`),
			mcplib.WithString("task_id",
				mcplib.Description("Task UUID"),
				mcplib.Required(),
			),
			mcplib.WithString("status",
				mcplib.Description("New status"),
				mcplib.Required(),
			),
			mcplib.WithString("reason",
				mcplib.Description("Why — required in spirit for blocked/cancelled"),
			),
		),
		s.handleUpdateStatus,
	)

	// taskplane_report_model — verify the running model.
	s.mcpServer.AddTool(
		mcplib.NewTool("taskplane_report_model",
			mcplib.WithDescription(`Report the model you are running as.

WHEN TO USE: When taskplane_next_action returns report_model. The session
stays gated until the reported model matches what the agent is configured
to run.`),
			mcplib.WithString("model",
				mcplib.Description("Model identifier you are running"),
				mcplib.Required(),
			),
		),
		s.handleReportModel,
	)

	// taskplane_logout — close the session.
	s.mcpServer.AddTool(
		mcplib.NewTool("taskplane_logout",
			mcplib.WithDescription(`Close your session and release your work sessions.

WHEN TO USE: When taskplane_next_action returns logout, or when you are
about to exit for any other reason. After this call your token is dead.`),
		),
		s.handleLogout,
	)
}

func (s *Server) handleAuthenticate(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agentID, err := uuid.Parse(request.GetString("agent_id", ""))
	if err != nil {
		return errorResult("invalid agent_id: must be a UUID"), nil
	}
	projectID, err := uuid.Parse(request.GetString("project_id", ""))
	if err != nil {
		return errorResult("invalid project_id: must be a UUID"), nil
	}
	passkey := request.GetString("passkey", "")
	if passkey == "" {
		return errorResult("passkey is required"), nil
	}

	result, err := s.broker.Authenticate(ctx, agentID, passkey, projectID)
	if err != nil {
		switch {
		case errors.Is(err, broker.ErrBadCredential):
			return errorResult("authentication failed"), nil
		case errors.Is(err, broker.ErrNotAssigned):
			return errorResult("agent is not assigned to this project"), nil
		case errors.Is(err, broker.ErrNoEligiblePurpose):
			return errorResult("no work available; exit and wait for the launcher"), nil
		case errors.Is(err, broker.ErrSessionActive):
			return errorResult("another session is already active for this work; exit"), nil
		case errors.Is(err, storage.ErrNotFound):
			return errorResult("authentication failed"), nil
		}
		s.logger.Error("mcp: authenticate failed", "agent_id", agentID, "error", err)
		return errorResult("authentication failed: internal error"), nil
	}

	data, _ := json.MarshalIndent(map[string]any{
		"token":             result.Token,
		"session_id":        result.Session.ID,
		"purpose":           result.Session.Purpose,
		"working_directory": result.WorkingDir,
		"expires_at":        result.ExpiresAt,
	}, "", "  ")
	return textResult(string(data)), nil
}

func (s *Server) handleNextAction(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	session, errRes := s.session(ctx)
	if errRes != nil {
		return errRes, nil
	}

	var inst workflow.Instruction
	var err error
	if wait := request.GetInt("wait_seconds", 0); wait > 0 {
		inst, err = s.engine.NextLongPoll(ctx, session, time.Duration(wait)*time.Second)
	} else {
		inst, err = s.engine.Next(ctx, session)
	}
	if err != nil {
		s.logger.Error("mcp: next action failed", "session_id", session.ID, "error", err)
		return errorResult("instruction derivation failed: " + err.Error()), nil
	}

	data, _ := json.MarshalIndent(inst, "", "  ")
	return textResult(string(data)), nil
}

func (s *Server) handleSelectAction(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	session, errRes := s.session(ctx)
	if errRes != nil {
		return errRes, nil
	}

	action := model.ManagerAction(request.GetString("action", ""))
	reason := request.GetString("reason", "")

	if err := s.engine.SelectAction(ctx, session, action, reason); err != nil {
		switch {
		case errors.Is(err, workflow.ErrManagerOnly):
			return errorResult("only managers can select actions"), nil
		case errors.Is(err, workflow.ErrUnknownAction):
			return errorResult("unknown action: valid actions are dispatch_task, adjust, wait, complete"), nil
		case errors.Is(err, workflow.ErrWaitNeedsDispatch):
			return errorResult(err.Error()), nil
		}
		s.logger.Error("mcp: select action failed", "session_id", session.ID, "error", err)
		return errorResult("action selection failed: " + err.Error()), nil
	}

	return textResult(`{"status":"selected"}`), nil
}

func (s *Server) handleCreateSubtasks(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	session, errRes := s.session(ctx)
	if errRes != nil {
		return errRes, nil
	}

	raw := request.GetString("subtasks", "")
	if raw == "" {
		return errorResult("subtasks is required"), nil
	}
	var defs []model.SubtaskDef
	if err := json.Unmarshal([]byte(raw), &defs); err != nil {
		return errorResult("invalid subtasks JSON: " + err.Error()), nil
	}

	parent, err := s.store.GetInProgressTask(ctx, session.AgentID, session.ProjectID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorResult("no in-progress task to decompose"), nil
		}
		return errorResult("task lookup failed: " + err.Error()), nil
	}

	created, ids, err := s.graph.CreateBatch(ctx, parent.ID, session.AgentID, defs)
	if err != nil {
		if errors.Is(err, taskgraph.ErrValidation) {
			return errorResult("invalid decomposition: " + err.Error()), nil
		}
		s.logger.Error("mcp: create subtasks failed", "task_id", parent.ID, "error", err)
		return errorResult("subtask creation failed: " + err.Error()), nil
	}

	data, _ := json.MarshalIndent(map[string]any{
		"created":   len(created),
		"local_ids": ids,
	}, "", "  ")
	return textResult(string(data)), nil
}

func (s *Server) handleAssignTask(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	session, errRes := s.session(ctx)
	if errRes != nil {
		return errRes, nil
	}

	agent, err := s.store.GetAgent(ctx, session.AgentID)
	if err != nil {
		return errorResult("agent lookup failed: " + err.Error()), nil
	}
	if agent.Role != model.RoleManager {
		return errorResult("only managers can assign tasks"), nil
	}

	taskID, err := uuid.Parse(request.GetString("task_id", ""))
	if err != nil {
		return errorResult("invalid task_id: must be a UUID"), nil
	}

	var assigneeID *uuid.UUID
	if raw := request.GetString("assignee_id", ""); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return errorResult("invalid assignee_id: must be a UUID"), nil
		}
		assigneeID = &id
	}

	task, previous, err := s.graph.Assign(ctx, taskID, assigneeID, session.AgentID)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return errorResult("task not found"), nil
		case errors.Is(err, taskgraph.ErrNotOwner):
			return errorResult("task or assignee is outside your subtree"), nil
		case errors.Is(err, taskgraph.ErrValidation):
			return errorResult(err.Error()), nil
		case errors.Is(err, taskgraph.ErrTaskLocked):
			return errorResult("task is locked and cannot be reassigned"), nil
		}
		s.logger.Error("mcp: assign task failed", "task_id", taskID, "error", err)
		return errorResult("assignment failed: " + err.Error()), nil
	}

	data, _ := json.MarshalIndent(map[string]any{
		"task_id":           task.ID,
		"assignee_id":       task.AssigneeID,
		"previous_assignee": previous,
	}, "", "  ")
	return textResult(string(data)), nil
}

func (s *Server) handleUpdateStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	session, errRes := s.session(ctx)
	if errRes != nil {
		return errRes, nil
	}

	taskID, err := uuid.Parse(request.GetString("task_id", ""))
	if err != nil {
		return errorResult("invalid task_id: must be a UUID"), nil
	}
	status := model.TaskStatus(request.GetString("status", ""))

	var reasonPtr *string
	if reason := request.GetString("reason", ""); reason != "" {
		reasonPtr = &reason
	}

	task, err := s.graph.UpdateStatus(ctx, taskID, status, session.AgentID, reasonPtr)
	if err != nil {
		var te *taskgraph.TransitionError
		switch {
		case errors.Is(err, taskgraph.ErrTaskLocked):
			return errorResult("task is locked and cannot change status"), nil
		case errors.As(err, &te):
			return errorResult(fmt.Sprintf("illegal transition: %s -> %s", te.From, te.To)), nil
		case errors.Is(err, taskgraph.ErrValidation):
			return errorResult("invalid status: " + err.Error()), nil
		case errors.Is(err, storage.ErrNotFound):
			return errorResult("task not found"), nil
		}
		s.logger.Error("mcp: update status failed", "task_id", taskID, "error", err)
		return errorResult("status update failed: " + err.Error()), nil
	}

	data, _ := json.MarshalIndent(map[string]any{
		"task_id": task.ID,
		"status":  task.Status,
	}, "", "  ")
	return textResult(string(data)), nil
}

func (s *Server) handleReportModel(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	session, errRes := s.session(ctx)
	if errRes != nil {
		return errRes, nil
	}

	reported := request.GetString("model", "")
	if reported == "" {
		return errorResult("model is required"), nil
	}

	agent, err := s.store.GetAgent(ctx, session.AgentID)
	if err != nil {
		return errorResult("agent lookup failed: " + err.Error()), nil
	}
	if agent.Model != "" && reported != agent.Model {
		return errorResult(fmt.Sprintf("model mismatch: session expects %q, got %q; exit now", agent.Model, reported)), nil
	}

	if err := s.store.SetSessionModelVerified(ctx, session.ID); err != nil {
		s.logger.Error("mcp: model verification failed", "session_id", session.ID, "error", err)
		return errorResult("verification failed: " + err.Error()), nil
	}

	return textResult(`{"status":"verified"}`), nil
}

func (s *Server) handleLogout(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	session, errRes := s.session(ctx)
	if errRes != nil {
		return errRes, nil
	}

	if err := s.broker.Logout(ctx, session); err != nil {
		s.logger.Error("mcp: logout failed", "session_id", session.ID, "error", err)
		return errorResult("logout failed: " + err.Error()), nil
	}

	return textResult(`{"status":"logged_out"}`), nil
}
