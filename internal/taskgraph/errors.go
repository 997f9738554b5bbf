package taskgraph

import (
	"errors"
	"fmt"

	"github.com/taskplane/taskplane/internal/model"
)

// ErrTaskLocked rejects any transition on a task locked by the audit
// mechanism. Distinct from a transition error so callers can surface it
// separately.
var ErrTaskLocked = errors.New("taskgraph: task is locked")

// ErrValidation marks batch-definition failures (empty titles, unknown
// local dependency references). Wrap with context via fmt.Errorf.
var ErrValidation = errors.New("taskgraph: validation failed")

// ErrNotOwner rejects operations on tasks outside the caller's subtree.
var ErrNotOwner = errors.New("taskgraph: task outside caller's subtree")

// TransitionError reports an illegal status edge.
type TransitionError struct {
	From model.TaskStatus
	To   model.TaskStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("taskgraph: invalid status transition %s -> %s", e.From, e.To)
}
