package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/taskplane/taskplane/internal/model"
)

// TryAcquireSpawnLock attempts to take the spawn advisory lock for
// (agent, project). The check and the write are a single conditional upsert,
// so two near-simultaneous polls cannot both acquire: the row count is the
// acquisition result. A lock older than model.SpawnLockTTL is treated as
// abandoned and re-acquirable.
func (db *DB) TryAcquireSpawnLock(ctx context.Context, agentID, projectID uuid.UUID) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO spawn_locks (agent_id, project_id, spawn_started_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (agent_id, project_id) DO UPDATE SET spawn_started_at = now()
		 WHERE spawn_locks.spawn_started_at IS NULL
		    OR spawn_locks.spawn_started_at < now() - $3::interval`,
		agentID, projectID, model.SpawnLockTTL.String(),
	)
	if err != nil {
		return false, fmt.Errorf("storage: acquire spawn lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClearSpawnLock releases the spawn lock for (agent, project). Idempotent:
// clearing an absent or already-clear lock is a no-op. Authentication calls
// this on every path so a failed spawn can never wedge the launch loop.
func (db *DB) ClearSpawnLock(ctx context.Context, agentID, projectID uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE spawn_locks SET spawn_started_at = NULL
		 WHERE agent_id = $1 AND project_id = $2`,
		agentID, projectID,
	)
	if err != nil {
		return fmt.Errorf("storage: clear spawn lock: %w", err)
	}
	return nil
}

// GetSpawnLock reads the current lock row. A missing row is an unheld lock,
// not an error.
func (db *DB) GetSpawnLock(ctx context.Context, agentID, projectID uuid.UUID) (model.SpawnLock, error) {
	lock := model.SpawnLock{AgentID: agentID, ProjectID: projectID}
	err := db.pool.QueryRow(ctx,
		`SELECT spawn_started_at FROM spawn_locks WHERE agent_id = $1 AND project_id = $2`,
		agentID, projectID,
	).Scan(&lock.SpawnStartedAt)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return model.SpawnLock{}, fmt.Errorf("storage: get spawn lock: %w", err)
	}
	return lock, nil
}
