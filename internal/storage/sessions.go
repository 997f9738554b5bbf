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

const sessionColumns = `id, agent_id, project_id, purpose, state, model_verified,
	work_dir, created_at, expires_at, last_activity_at`

func scanSession(row pgx.Row) (model.AgentSession, error) {
	var s model.AgentSession
	err := row.Scan(
		&s.ID, &s.AgentID, &s.ProjectID, &s.Purpose, &s.State, &s.ModelVerified,
		&s.WorkDir, &s.CreatedAt, &s.ExpiresAt, &s.LastActivityAt,
	)
	return s, err
}

// CreateAgentSession inserts a new authentication session. Purpose
// exclusivity is the broker's responsibility; this method only persists.
func (db *DB) CreateAgentSession(ctx context.Context, s model.AgentSession) (model.AgentSession, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.LastActivityAt.IsZero() {
		s.LastActivityAt = now
	}
	if s.State == "" {
		s.State = model.SessionActive
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_sessions (id, agent_id, project_id, purpose, state, model_verified,
		 work_dir, created_at, expires_at, last_activity_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		s.ID, s.AgentID, s.ProjectID, string(s.Purpose), string(s.State), s.ModelVerified,
		s.WorkDir, s.CreatedAt, s.ExpiresAt, s.LastActivityAt,
	)
	if err != nil {
		return model.AgentSession{}, fmt.Errorf("storage: create agent session: %w", err)
	}
	return s, nil
}

// GetSession retrieves a session by ID regardless of expiry. Callers decide
// what an expired row means for them.
func (db *DB) GetSession(ctx context.Context, id uuid.UUID) (model.AgentSession, error) {
	s, err := scanSession(db.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM agent_sessions WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentSession{}, fmt.Errorf("storage: session %s: %w", id, ErrNotFound)
		}
		return model.AgentSession{}, fmt.Errorf("storage: get session: %w", err)
	}
	return s, nil
}

// GetActiveSession returns the non-expired session for (agent, project,
// purpose), or ErrNotFound. The exclusivity invariant means at most one row
// can match.
func (db *DB) GetActiveSession(ctx context.Context, agentID, projectID uuid.UUID, purpose model.SessionPurpose) (model.AgentSession, error) {
	s, err := scanSession(db.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM agent_sessions
		 WHERE agent_id = $1 AND project_id = $2 AND purpose = $3 AND expires_at > now()
		 ORDER BY created_at DESC LIMIT 1`,
		agentID, projectID, string(purpose),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentSession{}, fmt.Errorf("storage: active %s session for agent %s: %w", purpose, agentID, ErrNotFound)
		}
		return model.AgentSession{}, fmt.Errorf("storage: get active session: %w", err)
	}
	return s, nil
}

// HasActiveTaskSession reports whether any of the given agents holds a
// non-expired task session in the project. Used by the spawn arbitrator to
// keep managers from racing ahead of workers still executing.
func (db *DB) HasActiveTaskSession(ctx context.Context, agentIDs []uuid.UUID, projectID uuid.UUID) (bool, error) {
	if len(agentIDs) == 0 {
		return false, nil
	}
	var active bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM agent_sessions
		 WHERE agent_id = ANY($1) AND project_id = $2 AND purpose = $3 AND expires_at > now())`,
		agentIDs, projectID, string(model.PurposeTask),
	).Scan(&active)
	if err != nil {
		return false, fmt.Errorf("storage: has active task session: %w", err)
	}
	return active, nil
}

// TouchSession updates a session's last-activity timestamp.
func (db *DB) TouchSession(ctx context.Context, id uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE agent_sessions SET last_activity_at = now() WHERE id = $1`, id,
	)
	if err != nil {
		return fmt.Errorf("storage: touch session: %w", err)
	}
	return nil
}

// SetSessionModelVerified marks the session's model report as received.
func (db *DB) SetSessionModelVerified(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE agent_sessions SET model_verified = TRUE WHERE id = $1`, id,
	)
	if err != nil {
		return fmt.Errorf("storage: set model verified: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: session %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetSessionTerminating flags a session so the next poll instructs logout.
func (db *DB) SetSessionTerminating(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE agent_sessions SET state = $1 WHERE id = $2`,
		string(model.SessionTerminating), id,
	)
	if err != nil {
		return fmt.Errorf("storage: set session terminating: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: session %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteSession removes a session. Pending commands cascade with it.
func (db *DB) DeleteSession(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM agent_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: session %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteSessionsFor removes all of an agent's sessions in a project and
// returns how many were deleted.
func (db *DB) DeleteSessionsFor(ctx context.Context, agentID, projectID uuid.UUID) (int, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM agent_sessions WHERE agent_id = $1 AND project_id = $2`,
		agentID, projectID,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: delete sessions for agent: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteExpiredSessions sweeps sessions past their expiry. Run periodically
// from main; the engines never depend on the sweep for correctness because
// every active-session query filters on expires_at itself.
func (db *DB) DeleteExpiredSessions(ctx context.Context) (int, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM agent_sessions WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("storage: delete expired sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// EnqueueSessionCommand records the manager's selected action on its session,
// replacing any command already queued. One command per session, last write
// wins — the handshake is a single-slot mailbox, not a queue of depth n.
func (db *DB) EnqueueSessionCommand(ctx context.Context, sessionID uuid.UUID, action model.ManagerAction, reason string) (model.SessionCommand, error) {
	cmd := model.SessionCommand{
		ID:        uuid.New(),
		SessionID: sessionID,
		Action:    action,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO session_commands (id, session_id, action, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (session_id) DO UPDATE
		 SET id = EXCLUDED.id, action = EXCLUDED.action, reason = EXCLUDED.reason, created_at = EXCLUDED.created_at`,
		cmd.ID, cmd.SessionID, string(cmd.Action), cmd.Reason, cmd.CreatedAt,
	)
	if err != nil {
		return model.SessionCommand{}, fmt.Errorf("storage: enqueue session command: %w", err)
	}
	return cmd, nil
}

// TakeSessionCommand atomically removes and returns the pending command for a
// session, or ErrNotFound when none is queued.
func (db *DB) TakeSessionCommand(ctx context.Context, sessionID uuid.UUID) (model.SessionCommand, error) {
	var cmd model.SessionCommand
	err := db.pool.QueryRow(ctx,
		`DELETE FROM session_commands WHERE session_id = $1
		 RETURNING id, session_id, action, reason, created_at`,
		sessionID,
	).Scan(&cmd.ID, &cmd.SessionID, &cmd.Action, &cmd.Reason, &cmd.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.SessionCommand{}, fmt.Errorf("storage: command for session %s: %w", sessionID, ErrNotFound)
		}
		return model.SessionCommand{}, fmt.Errorf("storage: take session command: %w", err)
	}
	return cmd, nil
}
