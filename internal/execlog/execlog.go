// Package execlog persists an append-only local log of spawn decisions and
// workflow instructions to an embedded SQLite database.
//
// The log is a diagnostic aid, not a source of truth: Postgres holds all
// orchestration state. Entries survive server restarts so an operator can
// reconstruct what the control plane told each agent and when. Writes are
// best-effort at call sites; a failed insert never fails the request that
// produced it.
package execlog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS spawn_decisions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    agent_id TEXT NOT NULL,
    project_id TEXT NOT NULL,
    start INTEGER NOT NULL,
    reason TEXT NOT NULL,
    task_id TEXT,
    recorded_at DATETIME NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_spawn_decisions_agent
    ON spawn_decisions (agent_id, id DESC);

CREATE TABLE IF NOT EXISTS instructions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    agent_id TEXT NOT NULL,
    purpose TEXT NOT NULL,
    action TEXT NOT NULL,
    recorded_at DATETIME NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_instructions_agent
    ON instructions (agent_id, id DESC);
`

// Decision is one recorded spawn-arbitration outcome.
type Decision struct {
	AgentID    uuid.UUID
	ProjectID  uuid.UUID
	Start      bool
	Reason     string
	TaskID     *uuid.UUID
	RecordedAt time.Time
}

// Instruction is one recorded workflow instruction handed to a session.
type Instruction struct {
	SessionID  uuid.UUID
	AgentID    uuid.UUID
	Purpose    string
	Action     string
	RecordedAt time.Time
}

// Log is an append-only execution log backed by a local SQLite file.
type Log struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the execution log at path. Use ":memory:" for an
// ephemeral log in tests.
func Open(path string, logger *slog.Logger) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("execlog: open %s: %w", path, err)
	}

	// A single writer connection avoids SQLITE_BUSY under concurrent appends.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("execlog: %s: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("execlog: apply schema: %w", err)
	}

	return &Log{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

// RecordDecision appends a spawn decision. Errors are logged, not returned:
// the log must never block orchestration.
func (l *Log) RecordDecision(ctx context.Context, d Decision) {
	var taskID any
	if d.TaskID != nil {
		taskID = d.TaskID.String()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO spawn_decisions (agent_id, project_id, start, reason, task_id)
		VALUES (?, ?, ?, ?, ?)`,
		d.AgentID.String(), d.ProjectID.String(), boolLit(d.Start), d.Reason, taskID,
	)
	if err != nil {
		l.logger.Warn("execlog: record decision failed", "agent_id", d.AgentID, "error", err)
	}
}

// RecordInstruction appends a workflow instruction.
func (l *Log) RecordInstruction(ctx context.Context, in Instruction) {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO instructions (session_id, agent_id, purpose, action)
		VALUES (?, ?, ?, ?)`,
		in.SessionID.String(), in.AgentID.String(), in.Purpose, in.Action,
	)
	if err != nil {
		l.logger.Warn("execlog: record instruction failed", "agent_id", in.AgentID, "error", err)
	}
}

// RecentDecisions returns the newest decisions for an agent, newest first.
func (l *Log) RecentDecisions(ctx context.Context, agentID uuid.UUID, limit int) ([]Decision, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT agent_id, project_id, start, reason, task_id, recorded_at
		FROM spawn_decisions
		WHERE agent_id = ?
		ORDER BY id DESC
		LIMIT ?`,
		agentID.String(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("execlog: query decisions: %w", err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var (
			d               Decision
			agentS, projS   string
			start           int
			taskS           sql.NullString
			recordedAt      string
		)
		if err := rows.Scan(&agentS, &projS, &start, &d.Reason, &taskS, &recordedAt); err != nil {
			return nil, fmt.Errorf("execlog: scan decision: %w", err)
		}
		d.AgentID, _ = uuid.Parse(agentS)
		d.ProjectID, _ = uuid.Parse(projS)
		d.Start = start != 0
		if taskS.Valid {
			if id, err := uuid.Parse(taskS.String); err == nil {
				d.TaskID = &id
			}
		}
		d.RecordedAt = parseSQLiteTime(recordedAt)
		out = append(out, d)
	}
	return out, rows.Err()
}

// RecentInstructions returns the newest instructions for an agent, newest first.
func (l *Log) RecentInstructions(ctx context.Context, agentID uuid.UUID, limit int) ([]Instruction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT session_id, agent_id, purpose, action, recorded_at
		FROM instructions
		WHERE agent_id = ?
		ORDER BY id DESC
		LIMIT ?`,
		agentID.String(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("execlog: query instructions: %w", err)
	}
	defer rows.Close()

	var out []Instruction
	for rows.Next() {
		var (
			in             Instruction
			sessS, agentS  string
			recordedAt     string
		)
		if err := rows.Scan(&sessS, &agentS, &in.Purpose, &in.Action, &recordedAt); err != nil {
			return nil, fmt.Errorf("execlog: scan instruction: %w", err)
		}
		in.SessionID, _ = uuid.Parse(sessS)
		in.AgentID, _ = uuid.Parse(agentS)
		in.RecordedAt = parseSQLiteTime(recordedAt)
		out = append(out, in)
	}
	return out, rows.Err()
}

func boolLit(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseSQLiteTime(s string) time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
