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

const agentColumns = `id, name, role, parent_id, status, passkey_hash, work_dir,
	kick_method, provider, model, created_at, updated_at`

func scanAgent(row pgx.Row) (model.Agent, error) {
	var a model.Agent
	err := row.Scan(
		&a.ID, &a.Name, &a.Role, &a.ParentID, &a.Status, &a.PasskeyHash, &a.WorkDir,
		&a.KickMethod, &a.Provider, &a.Model, &a.CreatedAt, &a.UpdatedAt,
	)
	return a, err
}

// CreateAgent inserts a new agent.
func (db *DB) CreateAgent(ctx context.Context, agent model.Agent) (model.Agent, error) {
	if err := model.ValidateAgentName(agent.Name); err != nil {
		return model.Agent{}, fmt.Errorf("storage: create agent: %w", err)
	}
	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	if agent.Status == "" {
		agent.Status = model.AgentActive
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO agents (id, name, role, parent_id, status, passkey_hash, work_dir,
		 kick_method, provider, model, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		agent.ID, agent.Name, string(agent.Role), agent.ParentID, string(agent.Status),
		agent.PasskeyHash, agent.WorkDir, agent.KickMethod, agent.Provider, agent.Model,
		agent.CreatedAt, agent.UpdatedAt,
	)
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: create agent: %w", err)
	}
	return agent, nil
}

// GetAgent retrieves an agent by ID.
func (db *DB) GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error) {
	a, err := scanAgent(db.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %s: %w", id, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: get agent: %w", err)
	}
	return a, nil
}

// ListSubordinateWorkers returns the active worker agents directly under the
// given manager that are assigned to the project, ordered by creation time.
func (db *DB) ListSubordinateWorkers(ctx context.Context, managerID, projectID uuid.UUID) ([]model.Agent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents
		 WHERE parent_id = $1 AND role = $2 AND status = $3
		   AND id IN (SELECT agent_id FROM agent_projects WHERE project_id = $4)
		 ORDER BY created_at ASC`,
		managerID, string(model.RoleWorker), string(model.AgentActive), projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list subordinate workers: %w", err)
	}
	defer rows.Close()

	var agents []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// AssignAgentToProject records that an agent participates in a project.
// Idempotent: re-assigning is a no-op.
func (db *DB) AssignAgentToProject(ctx context.Context, agentID, projectID uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_projects (agent_id, project_id)
		 VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		agentID, projectID,
	)
	if err != nil {
		return fmt.Errorf("storage: assign agent to project: %w", err)
	}
	return nil
}

// IsAgentAssigned reports whether the agent is assigned to the project.
func (db *DB) IsAgentAssigned(ctx context.Context, agentID, projectID uuid.UUID) (bool, error) {
	var assigned bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM agent_projects WHERE agent_id = $1 AND project_id = $2)`,
		agentID, projectID,
	).Scan(&assigned)
	if err != nil {
		return false, fmt.Errorf("storage: agent assigned: %w", err)
	}
	return assigned, nil
}

// CreateProject inserts a new project.
func (db *DB) CreateProject(ctx context.Context, p model.Project) (model.Project, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO projects (id, name, paused, default_work_dir, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.Name, p.Paused, p.DefaultWorkDir, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return model.Project{}, fmt.Errorf("storage: create project: %w", err)
	}
	return p, nil
}

// GetProject retrieves a project by ID.
func (db *DB) GetProject(ctx context.Context, id uuid.UUID) (model.Project, error) {
	var p model.Project
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, paused, default_work_dir, created_at, updated_at
		 FROM projects WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.Paused, &p.DefaultWorkDir, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Project{}, fmt.Errorf("storage: project %s: %w", id, ErrNotFound)
		}
		return model.Project{}, fmt.Errorf("storage: get project: %w", err)
	}
	return p, nil
}

// SetProjectPaused flips a project's paused flag.
func (db *DB) SetProjectPaused(ctx context.Context, id uuid.UUID, paused bool) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE projects SET paused = $1, updated_at = now() WHERE id = $2`,
		paused, id,
	)
	if err != nil {
		return fmt.Errorf("storage: set project paused: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: project %s: %w", id, ErrNotFound)
	}
	return nil
}
