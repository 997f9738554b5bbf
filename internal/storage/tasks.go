package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/taskplane/taskplane/internal/model"
)

const taskColumns = `id, project_id, parent_id, title, description, status, origin,
	assignee_id, created_by, status_changed_by, blocked_reason, locked, created_at, updated_at`

func scanTask(row pgx.Row) (model.Task, error) {
	var t model.Task
	err := row.Scan(
		&t.ID, &t.ProjectID, &t.ParentID, &t.Title, &t.Description, &t.Status, &t.Origin,
		&t.AssigneeID, &t.CreatedBy, &t.StatusChangedBy, &t.BlockedReason, &t.Locked,
		&t.CreatedAt, &t.UpdatedAt,
	)
	return t, err
}

// CreateTask inserts a single task and its dependency edges.
func (db *DB) CreateTask(ctx context.Context, task model.Task) (model.Task, error) {
	tasks, err := db.CreateTasks(ctx, []model.Task{task})
	if err != nil {
		return model.Task{}, err
	}
	return tasks[0], nil
}

// CreateTasks inserts a batch of tasks and their dependency edges atomically.
// IDs and timestamps are filled in when missing. Either every row persists or
// none does — batch creation must never leave a partial sibling set behind.
func (db *DB) CreateTasks(ctx context.Context, tasks []model.Task) ([]model.Task, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin create tasks tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	out := make([]model.Task, len(tasks))
	for i, t := range tasks {
		if t.ID == uuid.Nil {
			t.ID = uuid.New()
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		t.UpdatedAt = now
		if t.Status == "" {
			t.Status = model.TaskTodo
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO tasks (id, project_id, parent_id, title, description, status, origin,
			 assignee_id, created_by, status_changed_by, blocked_reason, locked, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			t.ID, t.ProjectID, t.ParentID, t.Title, t.Description, string(t.Status), string(t.Origin),
			t.AssigneeID, t.CreatedBy, t.StatusChangedBy, t.BlockedReason, t.Locked,
			t.CreatedAt, t.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: create task %s: %w", t.Title, err)
		}
		out[i] = t
	}

	// Dependency edges reference siblings, which may appear later in the
	// batch, so they are inserted only after every task row exists.
	for _, t := range out {
		for _, dep := range t.Dependencies {
			if _, err := tx.Exec(ctx,
				`INSERT INTO task_dependencies (task_id, depends_on) VALUES ($1, $2)`,
				t.ID, dep,
			); err != nil {
				return nil, fmt.Errorf("storage: create task dependency: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit create tasks tx: %w", err)
	}
	return out, nil
}

// GetTask retrieves a task by ID, with its dependency list populated.
func (db *DB) GetTask(ctx context.Context, id uuid.UUID) (model.Task, error) {
	t, err := scanTask(db.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Task{}, fmt.Errorf("storage: task %s: %w", id, ErrNotFound)
		}
		return model.Task{}, fmt.Errorf("storage: get task: %w", err)
	}

	deps, err := db.loadDependencies(ctx, []uuid.UUID{t.ID})
	if err != nil {
		return model.Task{}, err
	}
	t.Dependencies = deps[t.ID]
	return t, nil
}

// ListSubtasks returns the direct subtasks of a parent, ordered by creation.
// Creation order is the tie-break everywhere a "first" subtask is picked.
func (db *DB) ListSubtasks(ctx context.Context, parentID uuid.UUID) ([]model.Task, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE parent_id = $1 ORDER BY created_at ASC, id ASC`,
		parentID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list subtasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.Task
	var ids []uuid.UUID
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan subtask: %w", err)
		}
		tasks = append(tasks, t)
		ids = append(ids, t.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list subtasks: %w", err)
	}

	deps, err := db.loadDependencies(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		tasks[i].Dependencies = deps[tasks[i].ID]
	}
	return tasks, nil
}

func (db *DB) loadDependencies(ctx context.Context, taskIDs []uuid.UUID) (map[uuid.UUID][]uuid.UUID, error) {
	if len(taskIDs) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT task_id, depends_on FROM task_dependencies WHERE task_id = ANY($1)`,
		taskIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: load dependencies: %w", err)
	}
	defer rows.Close()

	deps := make(map[uuid.UUID][]uuid.UUID)
	for rows.Next() {
		var taskID, dep uuid.UUID
		if err := rows.Scan(&taskID, &dep); err != nil {
			return nil, fmt.Errorf("storage: scan dependency: %w", err)
		}
		deps[taskID] = append(deps[taskID], dep)
	}
	return deps, rows.Err()
}

// GetInProgressTask returns the agent's in-progress task in a project, if
// any. When several exist the oldest wins, matching creation-order tie-breaks.
func (db *DB) GetInProgressTask(ctx context.Context, agentID, projectID uuid.UUID) (model.Task, error) {
	t, err := scanTask(db.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE assignee_id = $1 AND project_id = $2 AND status = $3
		 ORDER BY created_at ASC LIMIT 1`,
		agentID, projectID, string(model.TaskInProgress),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Task{}, fmt.Errorf("storage: in-progress task for agent %s: %w", agentID, ErrNotFound)
		}
		return model.Task{}, fmt.Errorf("storage: get in-progress task: %w", err)
	}

	deps, err := db.loadDependencies(ctx, []uuid.UUID{t.ID})
	if err != nil {
		return model.Task{}, err
	}
	t.Dependencies = deps[t.ID]
	return t, nil
}

// HasBlockedTask reports whether the agent has any blocked task in the project.
func (db *DB) HasBlockedTask(ctx context.Context, agentID, projectID uuid.UUID) (bool, error) {
	var blocked bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM tasks WHERE assignee_id = $1 AND project_id = $2 AND status = $3)`,
		agentID, projectID, string(model.TaskBlocked),
	).Scan(&blocked)
	if err != nil {
		return false, fmt.Errorf("storage: has blocked task: %w", err)
	}
	return blocked, nil
}

// UpdateTaskStatus writes a new status onto a task row. Transition validation
// belongs to the task graph service; this method only persists the outcome.
func (db *DB) UpdateTaskStatus(ctx context.Context, taskID uuid.UUID, status model.TaskStatus, changedBy *uuid.UUID, blockedReason *string) (model.Task, error) {
	t, err := scanTask(db.pool.QueryRow(ctx,
		`UPDATE tasks
		 SET status = $1, status_changed_by = $2, blocked_reason = $3, updated_at = now()
		 WHERE id = $4
		 RETURNING `+taskColumns,
		string(status), changedBy, blockedReason, taskID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Task{}, fmt.Errorf("storage: task %s: %w", taskID, ErrNotFound)
		}
		return model.Task{}, fmt.Errorf("storage: update task status: %w", err)
	}
	return t, nil
}

// AssignTask sets (or clears) a task's assignee and returns the task along
// with the previous assignee.
func (db *DB) AssignTask(ctx context.Context, taskID uuid.UUID, assigneeID *uuid.UUID) (model.Task, *uuid.UUID, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Task{}, nil, fmt.Errorf("storage: begin assign task tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var prev *uuid.UUID
	err = tx.QueryRow(ctx,
		`SELECT assignee_id FROM tasks WHERE id = $1 FOR UPDATE`, taskID,
	).Scan(&prev)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Task{}, nil, fmt.Errorf("storage: task %s: %w", taskID, ErrNotFound)
		}
		return model.Task{}, nil, fmt.Errorf("storage: read assignee: %w", err)
	}

	t, err := scanTask(tx.QueryRow(ctx,
		`UPDATE tasks SET assignee_id = $1, updated_at = now() WHERE id = $2
		 RETURNING `+taskColumns,
		assigneeID, taskID,
	))
	if err != nil {
		return model.Task{}, nil, fmt.Errorf("storage: assign task: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Task{}, nil, fmt.Errorf("storage: commit assign task tx: %w", err)
	}
	return t, prev, nil
}

// SetTaskLocked flips the audit lock on a task.
func (db *DB) SetTaskLocked(ctx context.Context, taskID uuid.UUID, locked bool) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE tasks SET locked = $1, updated_at = now() WHERE id = $2`,
		locked, taskID,
	)
	if err != nil {
		return fmt.Errorf("storage: set task locked: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: task %s: %w", taskID, ErrNotFound)
	}
	return nil
}
