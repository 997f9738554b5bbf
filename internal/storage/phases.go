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

// LatestPhase returns the most recent phase marker for a task, or ErrNotFound
// if the task has no markers yet. Markers are never updated in place, so the
// newest row is the task's current workflow phase.
func (db *DB) LatestPhase(ctx context.Context, taskID uuid.UUID) (model.PhaseMarker, error) {
	var m model.PhaseMarker
	err := db.pool.QueryRow(ctx,
		`SELECT id, task_id, work_session_id, agent_id, phase, created_at
		 FROM phase_markers WHERE task_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		taskID,
	).Scan(&m.ID, &m.TaskID, &m.WorkSessionID, &m.AgentID, &m.Phase, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PhaseMarker{}, fmt.Errorf("storage: phase for task %s: %w", taskID, ErrNotFound)
		}
		return model.PhaseMarker{}, fmt.Errorf("storage: latest phase: %w", err)
	}
	return m, nil
}

// AppendPhase appends a phase marker for a task on behalf of an agent,
// opening a work session for (agent, project) if none is open. Existing
// markers are never mutated.
func (db *DB) AppendPhase(ctx context.Context, taskID, agentID, projectID uuid.UUID, phase model.Phase) (model.PhaseMarker, error) {
	if !model.ValidPhase(phase) {
		return model.PhaseMarker{}, fmt.Errorf("storage: phase %q: %w", phase, ErrInvalidPhase)
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.PhaseMarker{}, fmt.Errorf("storage: begin append phase tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()

	var sessionID uuid.UUID
	err = tx.QueryRow(ctx,
		`SELECT id FROM work_sessions
		 WHERE agent_id = $1 AND project_id = $2 AND status = $3
		 ORDER BY started_at DESC LIMIT 1`,
		agentID, projectID, string(model.WorkSessionOpen),
	).Scan(&sessionID)
	if errors.Is(err, pgx.ErrNoRows) {
		sessionID = uuid.New()
		if _, err := tx.Exec(ctx,
			`INSERT INTO work_sessions (id, agent_id, project_id, status, started_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			sessionID, agentID, projectID, string(model.WorkSessionOpen), now,
		); err != nil {
			return model.PhaseMarker{}, fmt.Errorf("storage: open work session: %w", err)
		}
	} else if err != nil {
		return model.PhaseMarker{}, fmt.Errorf("storage: find work session: %w", err)
	}

	m := model.PhaseMarker{
		ID:            uuid.New(),
		TaskID:        taskID,
		WorkSessionID: sessionID,
		AgentID:       agentID,
		Phase:         phase,
		CreatedAt:     now,
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO phase_markers (id, task_id, work_session_id, agent_id, phase, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.TaskID, m.WorkSessionID, m.AgentID, string(m.Phase), m.CreatedAt,
	); err != nil {
		return model.PhaseMarker{}, fmt.Errorf("storage: append phase: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.PhaseMarker{}, fmt.Errorf("storage: commit append phase tx: %w", err)
	}
	return m, nil
}

// EndWorkSessions closes all open work sessions for an agent in a project
// with the given terminal status. Returns the number of sessions closed.
func (db *DB) EndWorkSessions(ctx context.Context, agentID, projectID uuid.UUID, status model.WorkSessionStatus) (int, error) {
	if status != model.WorkSessionCompleted && status != model.WorkSessionAbandoned {
		return 0, fmt.Errorf("storage: end work sessions: %q is not a terminal status", status)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE work_sessions SET status = $1, ended_at = now()
		 WHERE agent_id = $2 AND project_id = $3 AND status = $4`,
		string(status), agentID, projectID, string(model.WorkSessionOpen),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: end work sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
