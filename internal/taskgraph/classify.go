package taskgraph

import (
	"github.com/google/uuid"

	"github.com/taskplane/taskplane/internal/model"
)

// legalTransitions is the closed status-transition table. Any edge back
// into todo or backlog from a started task would silently discard
// execution context, so no such edge exists.
var legalTransitions = map[model.TaskStatus][]model.TaskStatus{
	model.TaskBacklog:    {model.TaskTodo, model.TaskCancelled},
	model.TaskTodo:       {model.TaskInProgress, model.TaskCancelled},
	model.TaskInProgress: {model.TaskDone, model.TaskBlocked},
	model.TaskBlocked:    {model.TaskInProgress, model.TaskCancelled},
	// done and cancelled are terminal.
}

// ValidateTransition checks a status edge against the transition table.
func ValidateTransition(from, to model.TaskStatus) error {
	for _, allowed := range legalTransitions[from] {
		if to == allowed {
			return nil
		}
	}
	return &TransitionError{From: from, To: to}
}

// Executable reports whether a subtask is ready to run: its assignee is a
// worker other than the owner of the parent task, and every dependency is
// done. byID must contain the subtask's siblings.
func Executable(t model.Task, ownerID uuid.UUID, byID map[uuid.UUID]model.Task) bool {
	if t.AssigneeID == nil || *t.AssigneeID == ownerID {
		return false
	}
	return DependenciesMet(t, byID)
}

// DependenciesMet reports whether every dependency of t maps to a done
// task. Vacuously true for an empty dependency set. An id that maps to no
// known sibling counts as unmet.
func DependenciesMet(t model.Task, byID map[uuid.UUID]model.Task) bool {
	for _, dep := range t.Dependencies {
		d, ok := byID[dep]
		if !ok || d.Status != model.TaskDone {
			return false
		}
	}
	return true
}

// UnmetDependencies lists the dependency ids of t that are not yet done.
// Used to build dependency-deadlock diagnostics.
func UnmetDependencies(t model.Task, byID map[uuid.UUID]model.Task) []uuid.UUID {
	var unmet []uuid.UUID
	for _, dep := range t.Dependencies {
		d, ok := byID[dep]
		if !ok || d.Status != model.TaskDone {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

// Classification partitions a parent's subtasks by readiness. Slices keep
// creation order, which is the tie-break everywhere a "first" subtask is
// picked.
type Classification struct {
	PendingUnassigned []model.Task // assignee nil or still the owner
	PendingAssigned   []model.Task // worker-assigned but dependencies unmet
	Executable        []model.Task // worker-assigned, dependencies done
	InProgress        []model.Task
	Blocked           []model.Task
	Done              []model.Task // terminal: done or cancelled
}

// Pending reports whether any subtask is still waiting to run.
func (c Classification) Pending() bool {
	return len(c.PendingUnassigned) > 0 || len(c.PendingAssigned) > 0 || len(c.Executable) > 0
}

// AllDone reports whether every subtask reached a terminal status. False
// for an empty subtask set.
func (c Classification) AllDone() bool {
	return len(c.Done) > 0 && !c.Pending() && len(c.InProgress) == 0 && len(c.Blocked) == 0
}

// ClassifySelf partitions subtasks for an owner who executes them itself.
// Assignment is irrelevant here: a pending subtask is executable as soon as
// its dependencies are done, and unmet dependencies are the only thing that
// can park it.
func ClassifySelf(subtasks []model.Task) Classification {
	byID := make(map[uuid.UUID]model.Task, len(subtasks))
	for _, t := range subtasks {
		byID[t.ID] = t
	}

	var c Classification
	for _, t := range subtasks {
		switch {
		case t.Status.Terminal():
			c.Done = append(c.Done, t)
		case t.Status == model.TaskBlocked:
			c.Blocked = append(c.Blocked, t)
		case t.Status == model.TaskInProgress:
			c.InProgress = append(c.InProgress, t)
		case DependenciesMet(t, byID):
			c.Executable = append(c.Executable, t)
		default:
			c.PendingAssigned = append(c.PendingAssigned, t)
		}
	}
	return c
}

// Classify partitions subtasks relative to the owner of their parent task.
func Classify(ownerID uuid.UUID, subtasks []model.Task) Classification {
	byID := make(map[uuid.UUID]model.Task, len(subtasks))
	for _, t := range subtasks {
		byID[t.ID] = t
	}

	var c Classification
	for _, t := range subtasks {
		switch {
		case t.Status.Terminal():
			c.Done = append(c.Done, t)
		case t.Status == model.TaskBlocked:
			c.Blocked = append(c.Blocked, t)
		case t.Status == model.TaskInProgress:
			c.InProgress = append(c.InProgress, t)
		case t.AssigneeID == nil || *t.AssigneeID == ownerID:
			c.PendingUnassigned = append(c.PendingUnassigned, t)
		case DependenciesMet(t, byID):
			c.Executable = append(c.Executable, t)
		default:
			c.PendingAssigned = append(c.PendingAssigned, t)
		}
	}
	return c
}
