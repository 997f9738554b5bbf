package workflow

import "errors"

var (
	// ErrManagerOnly rejects select_action calls from non-manager agents.
	ErrManagerOnly = errors.New("workflow: select_action is manager-only")

	// ErrUnknownAction rejects a select_action value outside the manager
	// action set.
	ErrUnknownAction = errors.New("workflow: unknown action")

	// ErrWaitNeedsDispatch rejects a wait selection when no worker holds a
	// task session and no subtask is worker-assigned: waiting would starve.
	// Call select_action with dispatch_task first.
	ErrWaitNeedsDispatch = errors.New("workflow: wait requires an active worker session or a worker-assigned subtask; select dispatch_task first")

	// ErrNoActiveTask means the session's agent has no in-progress task to
	// drive the task state machine.
	ErrNoActiveTask = errors.New("workflow: no in-progress task")
)
