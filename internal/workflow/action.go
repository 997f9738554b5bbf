package workflow

import (
	"github.com/google/uuid"

	"github.com/taskplane/taskplane/internal/model"
	"github.com/taskplane/taskplane/internal/taskgraph"
)

// Action is the next step an agent is told to take. Actions are return
// values, not stored state: every poll recomputes them from durable rows.
type Action string

const (
	// Gates, any purpose.
	ActionReportModel Action = "report_model"
	ActionLogout      Action = "logout"

	// Chat purpose.
	ActionConversationRequest Action = "conversation_request"
	ActionConversationEnded   Action = "conversation_ended"
	ActionStartConversation   Action = "start_conversation"
	ActionGetPendingMessages  Action = "get_pending_messages"
	ActionWaitForMessages     Action = "wait_for_messages"

	// Task purpose, either role.
	ActionCreateSubtasks   Action = "create_subtasks"
	ActionWork             Action = "work"
	ActionReportCompletion Action = "report_completion"
	ActionReviewBlocks     Action = "review_and_resolve_blocks"

	// Task purpose, worker role.
	ActionExecuteSubtask     Action = "execute_subtask"
	ActionStartSubtask       Action = "start_subtask"
	ActionDependencyDeadlock Action = "dependency_deadlock"

	// Task purpose, manager role.
	ActionDispatchTask         Action = "dispatch_task"
	ActionAdjust               Action = "adjust"
	ActionWait                 Action = "wait"
	ActionCompletionCheck      Action = "completion_check"
	ActionBlockSubtask         Action = "block_subtask"
	ActionSituationalAwareness Action = "situational_awareness"
)

// DeadlockedTask names a pending subtask and the dependencies holding it.
type DeadlockedTask struct {
	TaskID            uuid.UUID   `json:"task_id"`
	Title             string      `json:"title"`
	UnmetDependencies []uuid.UUID `json:"unmet_dependencies"`
}

// Instruction is one computed decision, with whatever contextual payload
// the action needs.
type Instruction struct {
	Action      Action `json:"action"`
	Instruction string `json:"instruction"`

	Task     *model.Task  `json:"task,omitempty"`
	Subtask  *model.Task  `json:"subtask,omitempty"`
	Subtasks []model.Task `json:"subtasks,omitempty"`

	Blocked  []taskgraph.BlockedSubtask `json:"blocked,omitempty"`
	Deadlock []DeadlockedTask           `json:"deadlock,omitempty"`

	Workers []model.Agent `json:"workers,omitempty"`

	Conversation *model.Conversation   `json:"conversation,omitempty"`
	Delegation   *model.ChatDelegation `json:"delegation,omitempty"`
	UnreadCount  int                   `json:"unread_count,omitempty"`

	Reason string `json:"reason,omitempty"`
}
