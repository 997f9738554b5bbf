package workflow_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskplane/taskplane/internal/model"
	"github.com/taskplane/taskplane/internal/storage"
	"github.com/taskplane/taskplane/internal/taskgraph"
	"github.com/taskplane/taskplane/internal/workflow"
)

// fakeStore implements the engine's and the graph's storage interfaces in
// memory. Subtask order is insertion order, matching the creation-order
// tie-break of the real store.
type fakeStore struct {
	agents      map[uuid.UUID]model.Agent
	sessions    map[uuid.UUID]model.AgentSession
	tasks       map[uuid.UUID]model.Task
	order       map[uuid.UUID][]uuid.UUID // parentID -> subtask ids
	phases      map[uuid.UUID][]model.PhaseMarker
	commands    map[uuid.UUID]model.SessionCommand
	workers     []model.Agent
	activeTask  map[uuid.UUID]bool
	pendConv    map[uuid.UUID]model.Conversation
	termConv    map[uuid.UUID]model.Conversation
	convStatus  map[uuid.UUID]model.ConversationStatus
	delegations map[uuid.UUID]model.ChatDelegation
	delegStatus map[uuid.UUID]model.DelegationStatus
	unread      map[uuid.UUID]int
	touched     int
	deleted     []uuid.UUID
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		agents:      map[uuid.UUID]model.Agent{},
		sessions:    map[uuid.UUID]model.AgentSession{},
		tasks:       map[uuid.UUID]model.Task{},
		order:       map[uuid.UUID][]uuid.UUID{},
		phases:      map[uuid.UUID][]model.PhaseMarker{},
		commands:    map[uuid.UUID]model.SessionCommand{},
		activeTask:  map[uuid.UUID]bool{},
		pendConv:    map[uuid.UUID]model.Conversation{},
		termConv:    map[uuid.UUID]model.Conversation{},
		convStatus:  map[uuid.UUID]model.ConversationStatus{},
		delegations: map[uuid.UUID]model.ChatDelegation{},
		delegStatus: map[uuid.UUID]model.DelegationStatus{},
		unread:      map[uuid.UUID]int{},
	}
}

func (f *fakeStore) addTask(t model.Task) model.Task {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	f.tasks[t.ID] = t
	if t.ParentID != nil {
		f.order[*t.ParentID] = append(f.order[*t.ParentID], t.ID)
	}
	return t
}

func (f *fakeStore) GetAgent(_ context.Context, id uuid.UUID) (model.Agent, error) {
	a, ok := f.agents[id]
	if !ok {
		return model.Agent{}, storage.ErrNotFound
	}
	return a, nil
}

func (f *fakeStore) GetSession(_ context.Context, id uuid.UUID) (model.AgentSession, error) {
	s, ok := f.sessions[id]
	if !ok {
		return model.AgentSession{}, storage.ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) TouchSession(_ context.Context, _ uuid.UUID) error {
	f.touched++
	return nil
}

func (f *fakeStore) DeleteSession(_ context.Context, id uuid.UUID) error {
	f.deleted = append(f.deleted, id)
	delete(f.sessions, id)
	return nil
}

func (f *fakeStore) GetTask(_ context.Context, id uuid.UUID) (model.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return model.Task{}, storage.ErrNotFound
	}
	return t, nil
}

func (f *fakeStore) CreateTasks(_ context.Context, tasks []model.Task) ([]model.Task, error) {
	for _, t := range tasks {
		f.addTask(t)
	}
	return tasks, nil
}

func (f *fakeStore) UpdateTaskStatus(_ context.Context, taskID uuid.UUID, status model.TaskStatus, changedBy *uuid.UUID, blockedReason *string) (model.Task, error) {
	t, ok := f.tasks[taskID]
	if !ok {
		return model.Task{}, storage.ErrNotFound
	}
	t.Status = status
	t.StatusChangedBy = changedBy
	t.BlockedReason = blockedReason
	f.tasks[taskID] = t
	return t, nil
}

func (f *fakeStore) AssignTask(_ context.Context, taskID uuid.UUID, assigneeID *uuid.UUID) (model.Task, *uuid.UUID, error) {
	t, ok := f.tasks[taskID]
	if !ok {
		return model.Task{}, nil, storage.ErrNotFound
	}
	prev := t.AssigneeID
	t.AssigneeID = assigneeID
	f.tasks[taskID] = t
	return t, prev, nil
}

func (f *fakeStore) GetInProgressTask(_ context.Context, agentID, _ uuid.UUID) (model.Task, error) {
	for _, t := range f.tasks {
		if t.Status == model.TaskInProgress && t.AssignedTo(agentID) && t.ParentID == nil {
			return t, nil
		}
	}
	// Fall back to any in-progress task for the agent (subtask execution).
	for _, t := range f.tasks {
		if t.Status == model.TaskInProgress && t.AssignedTo(agentID) {
			return t, nil
		}
	}
	return model.Task{}, storage.ErrNotFound
}

func (f *fakeStore) ListSubtasks(_ context.Context, parentID uuid.UUID) ([]model.Task, error) {
	ids := f.order[parentID]
	out := make([]model.Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, f.tasks[id])
	}
	return out, nil
}

func (f *fakeStore) LatestPhase(_ context.Context, taskID uuid.UUID) (model.PhaseMarker, error) {
	markers := f.phases[taskID]
	if len(markers) == 0 {
		return model.PhaseMarker{}, storage.ErrNotFound
	}
	return markers[len(markers)-1], nil
}

func (f *fakeStore) AppendPhase(_ context.Context, taskID, agentID, _ uuid.UUID, phase model.Phase) (model.PhaseMarker, error) {
	m := model.PhaseMarker{ID: uuid.New(), TaskID: taskID, AgentID: agentID, Phase: phase}
	f.phases[taskID] = append(f.phases[taskID], m)
	return m, nil
}

func (f *fakeStore) EnqueueSessionCommand(_ context.Context, sessionID uuid.UUID, action model.ManagerAction, reason string) (model.SessionCommand, error) {
	cmd := model.SessionCommand{ID: uuid.New(), SessionID: sessionID, Action: action, Reason: reason}
	f.commands[sessionID] = cmd
	return cmd, nil
}

func (f *fakeStore) TakeSessionCommand(_ context.Context, sessionID uuid.UUID) (model.SessionCommand, error) {
	cmd, ok := f.commands[sessionID]
	if !ok {
		return model.SessionCommand{}, storage.ErrNotFound
	}
	delete(f.commands, sessionID)
	return cmd, nil
}

func (f *fakeStore) ListSubordinateWorkers(_ context.Context, _, _ uuid.UUID) ([]model.Agent, error) {
	return f.workers, nil
}

func (f *fakeStore) HasActiveTaskSession(_ context.Context, agentIDs []uuid.UUID, _ uuid.UUID) (bool, error) {
	for _, id := range agentIDs {
		if f.activeTask[id] {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) GetPendingConversationFor(_ context.Context, agentID, _ uuid.UUID) (model.Conversation, error) {
	c, ok := f.pendConv[agentID]
	if !ok {
		return model.Conversation{}, storage.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) GetTerminatingConversationFor(_ context.Context, agentID, _ uuid.UUID) (model.Conversation, error) {
	c, ok := f.termConv[agentID]
	if !ok {
		return model.Conversation{}, storage.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) SetConversationStatus(_ context.Context, id uuid.UUID, status model.ConversationStatus, _ *uuid.UUID) error {
	f.convStatus[id] = status
	for agent, c := range f.pendConv {
		if c.ID == id {
			delete(f.pendConv, agent)
		}
	}
	for agent, c := range f.termConv {
		if c.ID == id {
			delete(f.termConv, agent)
		}
	}
	return nil
}

func (f *fakeStore) GetPendingDelegation(_ context.Context, agentID, _ uuid.UUID) (model.ChatDelegation, error) {
	d, ok := f.delegations[agentID]
	if !ok {
		return model.ChatDelegation{}, storage.ErrNotFound
	}
	return d, nil
}

func (f *fakeStore) SetDelegationStatus(_ context.Context, id uuid.UUID, status model.DelegationStatus) error {
	f.delegStatus[id] = status
	for agent, d := range f.delegations {
		if d.ID == id {
			delete(f.delegations, agent)
		}
	}
	return nil
}

func (f *fakeStore) CountUnreadMessages(_ context.Context, agentID, _ uuid.UUID) (int, error) {
	return f.unread[agentID], nil
}

func (f *fakeStore) IsOwnedBy(_ context.Context, ownerID, agentID uuid.UUID) (bool, error) {
	return ownerID == agentID, nil
}

func newEngine(f *fakeStore) *workflow.Engine {
	graph := taskgraph.New(f, f, f, f, f, slog.Default())
	return workflow.New(f, graph, 0, slog.Default())
}

func taskSession(agent model.Agent) model.AgentSession {
	return model.AgentSession{
		ID: uuid.New(), AgentID: agent.ID, ProjectID: uuid.New(),
		Purpose: model.PurposeTask, State: model.SessionActive,
		ModelVerified: true, LastActivityAt: time.Now().UTC(),
	}
}

func chatSession(agent model.Agent) model.AgentSession {
	s := taskSession(agent)
	s.Purpose = model.PurposeChat
	return s
}

func latest(f *fakeStore, taskID uuid.UUID) model.Phase {
	markers := f.phases[taskID]
	if len(markers) == 0 {
		return ""
	}
	return markers[len(markers)-1].Phase
}

func TestGates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFakeStore()
	agent := model.Agent{ID: uuid.New(), Role: model.RoleWorker}
	f.agents[agent.ID] = agent
	e := newEngine(f)

	t.Run("model verification comes first", func(t *testing.T) {
		s := taskSession(agent)
		s.ModelVerified = false
		s.State = model.SessionTerminating
		inst, err := e.Next(ctx, s)
		require.NoError(t, err)
		assert.Equal(t, workflow.ActionReportModel, inst.Action)
	})

	t.Run("terminating forces logout", func(t *testing.T) {
		s := taskSession(agent)
		s.State = model.SessionTerminating
		inst, err := e.Next(ctx, s)
		require.NoError(t, err)
		assert.Equal(t, workflow.ActionLogout, inst.Action)
	})
}

func seedWorker(f *fakeStore) (model.Agent, model.Task) {
	manager := uuid.New()
	agent := model.Agent{ID: uuid.New(), Role: model.RoleWorker}
	f.agents[agent.ID] = agent
	task := f.addTask(model.Task{
		Status: model.TaskInProgress, AssigneeID: &agent.ID, CreatedBy: &manager,
	})
	return agent, task
}

func TestWorker_NoSubtasks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("delegated task gets decomposed", func(t *testing.T) {
		f := newFakeStore()
		agent, task := seedWorker(f)
		e := newEngine(f)

		inst, err := e.Next(ctx, taskSession(agent))
		require.NoError(t, err)
		assert.Equal(t, workflow.ActionCreateSubtasks, inst.Action)
		assert.Equal(t, model.PhaseCreatingSubtasks, latest(f, task.ID))

		// Polling again does not spam the phase register.
		_, err = e.Next(ctx, taskSession(agent))
		require.NoError(t, err)
		assert.Len(t, f.phases[task.ID], 1)
	})

	t.Run("self-created task is executed directly", func(t *testing.T) {
		f := newFakeStore()
		agent := model.Agent{ID: uuid.New(), Role: model.RoleWorker}
		f.agents[agent.ID] = agent
		f.addTask(model.Task{
			Status: model.TaskInProgress, AssigneeID: &agent.ID, CreatedBy: &agent.ID,
		})
		e := newEngine(f)

		inst, err := e.Next(ctx, taskSession(agent))
		require.NoError(t, err)
		assert.Equal(t, workflow.ActionWork, inst.Action)
	})

	t.Run("no in-progress task means logout", func(t *testing.T) {
		f := newFakeStore()
		agent := model.Agent{ID: uuid.New(), Role: model.RoleWorker}
		f.agents[agent.ID] = agent
		e := newEngine(f)

		inst, err := e.Next(ctx, taskSession(agent))
		require.NoError(t, err)
		assert.Equal(t, workflow.ActionLogout, inst.Action)
	})
}

func TestWorker_DependencyChain(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFakeStore()
	agent, task := seedWorker(f)
	e := newEngine(f)

	a := f.addTask(model.Task{ParentID: &task.ID, Title: "A", Status: model.TaskTodo, AssigneeID: &agent.ID})
	b := f.addTask(model.Task{ParentID: &task.ID, Title: "B", Status: model.TaskTodo, Dependencies: []uuid.UUID{a.ID}})
	c := f.addTask(model.Task{ParentID: &task.ID, Title: "C", Status: model.TaskTodo, Dependencies: []uuid.UUID{b.ID}})

	inst, err := e.Next(ctx, taskSession(agent))
	require.NoError(t, err)
	require.Equal(t, workflow.ActionStartSubtask, inst.Action)
	assert.Equal(t, a.ID, inst.Subtask.ID, "A has no dependencies and comes first")

	done := a
	done.Status = model.TaskDone
	f.tasks[a.ID] = done

	inst, err = e.Next(ctx, taskSession(agent))
	require.NoError(t, err)
	require.Equal(t, workflow.ActionStartSubtask, inst.Action)
	assert.Equal(t, b.ID, inst.Subtask.ID, "B unlocks once A is done")

	// Point B's dependency at C instead: B and C now wait on each other.
	cyc := f.tasks[b.ID]
	cyc.Dependencies = []uuid.UUID{c.ID}
	f.tasks[b.ID] = cyc

	inst, err = e.Next(ctx, taskSession(agent))
	require.NoError(t, err)
	require.Equal(t, workflow.ActionDependencyDeadlock, inst.Action)
	require.Len(t, inst.Deadlock, 2)
	ids := []uuid.UUID{inst.Deadlock[0].TaskID, inst.Deadlock[1].TaskID}
	assert.Contains(t, ids, b.ID)
	assert.Contains(t, ids, c.ID)
}

func TestWorker_SubtaskStates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("all done reports completion", func(t *testing.T) {
		f := newFakeStore()
		agent, task := seedWorker(f)
		f.addTask(model.Task{ParentID: &task.ID, Status: model.TaskDone})
		f.addTask(model.Task{ParentID: &task.ID, Status: model.TaskCancelled})
		e := newEngine(f)

		inst, err := e.Next(ctx, taskSession(agent))
		require.NoError(t, err)
		assert.Equal(t, workflow.ActionReportCompletion, inst.Action)
	})

	t.Run("in-progress subtask continues", func(t *testing.T) {
		f := newFakeStore()
		agent, task := seedWorker(f)
		other := uuid.New()
		sub := f.addTask(model.Task{ParentID: &task.ID, Status: model.TaskInProgress, AssigneeID: &other})
		f.addTask(model.Task{ParentID: &task.ID, Status: model.TaskTodo})
		e := newEngine(f)

		inst, err := e.Next(ctx, taskSession(agent))
		require.NoError(t, err)
		require.Equal(t, workflow.ActionExecuteSubtask, inst.Action)
		assert.Equal(t, sub.ID, inst.Subtask.ID)
	})

	t.Run("only blocked subtasks triggers review", func(t *testing.T) {
		f := newFakeStore()
		agent, task := seedWorker(f)
		f.addTask(model.Task{ParentID: &task.ID, Status: model.TaskBlocked})
		f.addTask(model.Task{ParentID: &task.ID, Status: model.TaskDone})
		e := newEngine(f)

		inst, err := e.Next(ctx, taskSession(agent))
		require.NoError(t, err)
		require.Equal(t, workflow.ActionReviewBlocks, inst.Action)
		require.Len(t, inst.Blocked, 1)
		assert.Equal(t, taskgraph.BlockedBySelf, inst.Blocked[0].Cause, "nil changer defaults to self")
	})

	t.Run("creating_subtasks phase advances once subtasks exist", func(t *testing.T) {
		f := newFakeStore()
		agent, task := seedWorker(f)
		f.phases[task.ID] = []model.PhaseMarker{{TaskID: task.ID, Phase: model.PhaseCreatingSubtasks}}
		sub := f.addTask(model.Task{ParentID: &task.ID, Status: model.TaskTodo})
		e := newEngine(f)

		inst, err := e.Next(ctx, taskSession(agent))
		require.NoError(t, err)
		assert.Equal(t, model.PhaseSubtasksCreated, latest(f, task.ID))
		require.Equal(t, workflow.ActionStartSubtask, inst.Action)
		assert.Equal(t, sub.ID, inst.Subtask.ID)
	})
}

func seedManager(f *fakeStore) (model.Agent, model.Task) {
	human := uuid.New()
	agent := model.Agent{ID: uuid.New(), Role: model.RoleManager}
	f.agents[agent.ID] = agent
	task := f.addTask(model.Task{
		Status: model.TaskInProgress, AssigneeID: &agent.ID, CreatedBy: &human,
	})
	return agent, task
}

func TestManager_SelectAction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("rejected for workers", func(t *testing.T) {
		f := newFakeStore()
		agent, _ := seedWorker(f)
		e := newEngine(f)
		err := e.SelectAction(ctx, taskSession(agent), model.ManagerDispatch, "")
		require.ErrorIs(t, err, workflow.ErrManagerOnly)
	})

	t.Run("unknown action rejected", func(t *testing.T) {
		f := newFakeStore()
		agent, _ := seedManager(f)
		e := newEngine(f)
		err := e.SelectAction(ctx, taskSession(agent), model.ManagerAction("execute"), "")
		require.ErrorIs(t, err, workflow.ErrUnknownAction)
	})

	t.Run("wait without dispatch rejected", func(t *testing.T) {
		f := newFakeStore()
		agent, _ := seedManager(f)
		e := newEngine(f)
		err := e.SelectAction(ctx, taskSession(agent), model.ManagerWait, "")
		require.ErrorIs(t, err, workflow.ErrWaitNeedsDispatch)
	})

	t.Run("wait allowed with an active worker session", func(t *testing.T) {
		f := newFakeStore()
		agent, _ := seedManager(f)
		worker := model.Agent{ID: uuid.New(), Role: model.RoleWorker}
		f.workers = []model.Agent{worker}
		f.activeTask[worker.ID] = true
		e := newEngine(f)
		require.NoError(t, e.SelectAction(ctx, taskSession(agent), model.ManagerWait, ""))
	})

	t.Run("wait allowed with a worker-assigned subtask", func(t *testing.T) {
		f := newFakeStore()
		agent, task := seedManager(f)
		worker := uuid.New()
		f.addTask(model.Task{ParentID: &task.ID, Status: model.TaskTodo, AssigneeID: &worker})
		e := newEngine(f)
		require.NoError(t, e.SelectAction(ctx, taskSession(agent), model.ManagerWait, ""))
	})
}

func TestManager_CommandDrain(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("dispatch lists unassigned subtasks and workers", func(t *testing.T) {
		f := newFakeStore()
		agent, task := seedManager(f)
		sub := f.addTask(model.Task{ParentID: &task.ID, Status: model.TaskTodo})
		worker := model.Agent{ID: uuid.New(), Role: model.RoleWorker}
		f.workers = []model.Agent{worker}
		e := newEngine(f)
		session := taskSession(agent)

		require.NoError(t, e.SelectAction(ctx, session, model.ManagerDispatch, ""))
		inst, err := e.Next(ctx, session)
		require.NoError(t, err)
		require.Equal(t, workflow.ActionDispatchTask, inst.Action)
		require.Len(t, inst.Subtasks, 1)
		assert.Equal(t, sub.ID, inst.Subtasks[0].ID)
		require.Len(t, inst.Workers, 1)

		// The command is consumed: the next poll falls back to a snapshot.
		inst, err = e.Next(ctx, session)
		require.NoError(t, err)
		assert.Equal(t, workflow.ActionSituationalAwareness, inst.Action)
	})

	t.Run("selecting twice keeps only the last choice", func(t *testing.T) {
		f := newFakeStore()
		agent, task := seedManager(f)
		f.addTask(model.Task{ParentID: &task.ID, Status: model.TaskTodo})
		e := newEngine(f)
		session := taskSession(agent)

		require.NoError(t, e.SelectAction(ctx, session, model.ManagerDispatch, ""))
		require.NoError(t, e.SelectAction(ctx, session, model.ManagerAdjust, "rescope"))
		inst, err := e.Next(ctx, session)
		require.NoError(t, err)
		assert.Equal(t, workflow.ActionAdjust, inst.Action)
		assert.Equal(t, "rescope", inst.Reason)
	})

	t.Run("wait closes the session and records the phase", func(t *testing.T) {
		f := newFakeStore()
		agent, task := seedManager(f)
		worker := model.Agent{ID: uuid.New(), Role: model.RoleWorker}
		f.workers = []model.Agent{worker}
		f.activeTask[worker.ID] = true
		e := newEngine(f)
		session := taskSession(agent)
		f.sessions[session.ID] = session

		require.NoError(t, e.SelectAction(ctx, session, model.ManagerWait, ""))
		inst, err := e.Next(ctx, session)
		require.NoError(t, err)
		assert.Equal(t, workflow.ActionWait, inst.Action)
		assert.Equal(t, model.PhaseWaitingForWorkers, latest(f, task.ID))
		assert.Contains(t, f.deleted, session.ID)
	})

	t.Run("complete reports completion", func(t *testing.T) {
		f := newFakeStore()
		agent, _ := seedManager(f)
		e := newEngine(f)
		session := taskSession(agent)

		require.NoError(t, e.SelectAction(ctx, session, model.ManagerComplete, ""))
		inst, err := e.Next(ctx, session)
		require.NoError(t, err)
		assert.Equal(t, workflow.ActionReportCompletion, inst.Action)
	})
}

func TestManager_Snapshots(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("worker_blocked wake-up is handled once", func(t *testing.T) {
		f := newFakeStore()
		agent, task := seedManager(f)
		worker := uuid.New()
		f.addTask(model.Task{ParentID: &task.ID, Status: model.TaskBlocked, AssigneeID: &worker, StatusChangedBy: &worker})
		f.agents[worker] = model.Agent{ID: worker, Role: model.RoleWorker}
		f.phases[task.ID] = []model.PhaseMarker{{TaskID: task.ID, Phase: model.PhaseWorkerBlocked}}
		e := newEngine(f)

		inst, err := e.Next(ctx, taskSession(agent))
		require.NoError(t, err)
		require.Equal(t, workflow.ActionReviewBlocks, inst.Action)
		require.Len(t, inst.Blocked, 1)
		assert.Equal(t, model.PhaseHandledBlocked, latest(f, task.ID))
	})

	t.Run("all done returns completion_check, never auto-completes", func(t *testing.T) {
		f := newFakeStore()
		agent, task := seedManager(f)
		f.addTask(model.Task{ParentID: &task.ID, Status: model.TaskDone})
		e := newEngine(f)

		inst, err := e.Next(ctx, taskSession(agent))
		require.NoError(t, err)
		assert.Equal(t, workflow.ActionCompletionCheck, inst.Action)
		assert.Equal(t, model.TaskInProgress, f.tasks[task.ID].Status)
	})

	t.Run("no workers and unassigned subtasks blocks instead of starving", func(t *testing.T) {
		f := newFakeStore()
		agent, task := seedManager(f)
		sub := f.addTask(model.Task{ParentID: &task.ID, Status: model.TaskTodo})
		e := newEngine(f)

		inst, err := e.Next(ctx, taskSession(agent))
		require.NoError(t, err)
		require.Equal(t, workflow.ActionBlockSubtask, inst.Action)
		assert.Equal(t, sub.ID, inst.Subtask.ID)
	})

	t.Run("manager with no subtasks decomposes", func(t *testing.T) {
		f := newFakeStore()
		agent, task := seedManager(f)
		e := newEngine(f)

		inst, err := e.Next(ctx, taskSession(agent))
		require.NoError(t, err)
		assert.Equal(t, workflow.ActionCreateSubtasks, inst.Action)
		assert.Equal(t, model.PhaseCreatingSubtasks, latest(f, task.ID))
	})
}

func TestChat(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	newChat := func() (*fakeStore, model.Agent, model.AgentSession) {
		f := newFakeStore()
		agent := model.Agent{ID: uuid.New(), Role: model.RoleWorker}
		f.agents[agent.ID] = agent
		return f, agent, chatSession(agent)
	}

	t.Run("idle timeout logs out", func(t *testing.T) {
		f, _, session := newChat()
		session.LastActivityAt = time.Now().UTC().Add(-11 * time.Minute)
		e := newEngine(f)

		inst, err := e.Next(ctx, session)
		require.NoError(t, err)
		assert.Equal(t, workflow.ActionLogout, inst.Action)
	})

	t.Run("pending conversation request activates", func(t *testing.T) {
		f, agent, session := newChat()
		conv := model.Conversation{ID: uuid.New(), PartnerID: agent.ID, Status: model.ConversationPending}
		f.pendConv[agent.ID] = conv
		e := newEngine(f)

		inst, err := e.Next(ctx, session)
		require.NoError(t, err)
		require.Equal(t, workflow.ActionConversationRequest, inst.Action)
		assert.Equal(t, model.ConversationActive, f.convStatus[conv.ID])
	})

	t.Run("terminating conversation ends", func(t *testing.T) {
		f, agent, session := newChat()
		conv := model.Conversation{ID: uuid.New(), InitiatorID: agent.ID, Status: model.ConversationTerminating}
		f.termConv[agent.ID] = conv
		e := newEngine(f)

		inst, err := e.Next(ctx, session)
		require.NoError(t, err)
		require.Equal(t, workflow.ActionConversationEnded, inst.Action)
		assert.Equal(t, model.ConversationEnded, f.convStatus[conv.ID])
	})

	t.Run("pending delegation starts a conversation", func(t *testing.T) {
		f, agent, session := newChat()
		d := model.ChatDelegation{ID: uuid.New(), AgentID: agent.ID, TargetAgentID: uuid.New(), Purpose: "handoff"}
		f.delegations[agent.ID] = d
		e := newEngine(f)

		inst, err := e.Next(ctx, session)
		require.NoError(t, err)
		require.Equal(t, workflow.ActionStartConversation, inst.Action)
		assert.Equal(t, model.DelegationProcessing, f.delegStatus[d.ID])
		assert.Equal(t, d.TargetAgentID, inst.Delegation.TargetAgentID)
	})

	t.Run("unread messages", func(t *testing.T) {
		f, agent, session := newChat()
		f.unread[agent.ID] = 4
		e := newEngine(f)

		inst, err := e.Next(ctx, session)
		require.NoError(t, err)
		require.Equal(t, workflow.ActionGetPendingMessages, inst.Action)
		assert.Equal(t, 4, inst.UnreadCount)
	})

	t.Run("nothing pending waits", func(t *testing.T) {
		f, _, session := newChat()
		e := newEngine(f)

		inst, err := e.Next(ctx, session)
		require.NoError(t, err)
		assert.Equal(t, workflow.ActionWaitForMessages, inst.Action)
	})
}

func TestNextLongPoll(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("returns when a message arrives", func(t *testing.T) {
		f := newFakeStore()
		agent := model.Agent{ID: uuid.New(), Role: model.RoleWorker}
		f.agents[agent.ID] = agent
		session := chatSession(agent)
		f.sessions[session.ID] = session
		e := newEngine(f)

		go func() {
			time.Sleep(1500 * time.Millisecond)
			f.unread[agent.ID] = 1
		}()

		start := time.Now()
		inst, err := e.NextLongPoll(ctx, session, 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, workflow.ActionGetPendingMessages, inst.Action)
		assert.Less(t, time.Since(start), 4*time.Second)
	})

	t.Run("times out with wait_for_messages", func(t *testing.T) {
		f := newFakeStore()
		agent := model.Agent{ID: uuid.New(), Role: model.RoleWorker}
		f.agents[agent.ID] = agent
		session := chatSession(agent)
		f.sessions[session.ID] = session
		e := newEngine(f)

		inst, err := e.NextLongPoll(ctx, session, time.Second)
		require.NoError(t, err)
		assert.Equal(t, workflow.ActionWaitForMessages, inst.Action)
	})

	t.Run("task purpose answers immediately", func(t *testing.T) {
		f := newFakeStore()
		agent, _ := seedWorker(f)
		e := newEngine(f)

		start := time.Now()
		inst, err := e.NextLongPoll(ctx, taskSession(agent), 30*time.Second)
		require.NoError(t, err)
		assert.NotEqual(t, workflow.ActionWaitForMessages, inst.Action)
		assert.Less(t, time.Since(start), time.Second)
	})
}
