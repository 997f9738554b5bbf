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

const conversationColumns = `id, project_id, initiator_id, partner_id, status, terminated_by, created_at, updated_at`

func scanConversation(row pgx.Row) (model.Conversation, error) {
	var c model.Conversation
	err := row.Scan(&c.ID, &c.ProjectID, &c.InitiatorID, &c.PartnerID, &c.Status,
		&c.TerminatedBy, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

// CreateConversation inserts a new AI-to-AI conversation request.
func (db *DB) CreateConversation(ctx context.Context, c model.Conversation) (model.Conversation, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = model.ConversationPending
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO conversations (id, project_id, initiator_id, partner_id, status, terminated_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.ProjectID, c.InitiatorID, c.PartnerID, string(c.Status), c.TerminatedBy, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return model.Conversation{}, fmt.Errorf("storage: create conversation: %w", err)
	}
	return c, nil
}

// GetPendingConversationFor returns the oldest inbound pending conversation
// request addressed to the agent, or ErrNotFound.
func (db *DB) GetPendingConversationFor(ctx context.Context, agentID, projectID uuid.UUID) (model.Conversation, error) {
	c, err := scanConversation(db.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE partner_id = $1 AND project_id = $2 AND status = $3
		 ORDER BY created_at ASC LIMIT 1`,
		agentID, projectID, string(model.ConversationPending),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Conversation{}, fmt.Errorf("storage: pending conversation for %s: %w", agentID, ErrNotFound)
		}
		return model.Conversation{}, fmt.Errorf("storage: get pending conversation: %w", err)
	}
	return c, nil
}

// GetTerminatingConversationFor returns a conversation the agent participates
// in that the *other* participant marked terminating, or ErrNotFound.
func (db *DB) GetTerminatingConversationFor(ctx context.Context, agentID, projectID uuid.UUID) (model.Conversation, error) {
	c, err := scanConversation(db.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE (initiator_id = $1 OR partner_id = $1) AND project_id = $2
		   AND status = $3 AND terminated_by IS DISTINCT FROM $1
		 ORDER BY updated_at ASC LIMIT 1`,
		agentID, projectID, string(model.ConversationTerminating),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Conversation{}, fmt.Errorf("storage: terminating conversation for %s: %w", agentID, ErrNotFound)
		}
		return model.Conversation{}, fmt.Errorf("storage: get terminating conversation: %w", err)
	}
	return c, nil
}

// SetConversationStatus moves a conversation to a new status. terminatedBy is
// recorded only on the transition into terminating.
func (db *DB) SetConversationStatus(ctx context.Context, id uuid.UUID, status model.ConversationStatus, terminatedBy *uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE conversations
		 SET status = $1, terminated_by = COALESCE($2, terminated_by), updated_at = now()
		 WHERE id = $3`,
		string(status), terminatedBy, id,
	)
	if err != nil {
		return fmt.Errorf("storage: set conversation status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: conversation %s: %w", id, ErrNotFound)
	}
	return nil
}

// EndConversationsFor force-ends every non-ended conversation the agent
// participates in within the project. Returns the number ended. Used by
// coordinator-driven session invalidation.
func (db *DB) EndConversationsFor(ctx context.Context, agentID, projectID uuid.UUID) (int, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE conversations SET status = $1, updated_at = now()
		 WHERE (initiator_id = $2 OR partner_id = $2) AND project_id = $3 AND status <> $1`,
		string(model.ConversationEnded), agentID, projectID,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: end conversations: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CreateChatDelegation inserts a pending task-to-chat handoff.
func (db *DB) CreateChatDelegation(ctx context.Context, d model.ChatDelegation) (model.ChatDelegation, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if d.Status == "" {
		d.Status = model.DelegationPending
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO chat_delegations (id, agent_id, project_id, target_agent_id, purpose, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		d.ID, d.AgentID, d.ProjectID, d.TargetAgentID, d.Purpose, string(d.Status), d.CreatedAt,
	)
	if err != nil {
		return model.ChatDelegation{}, fmt.Errorf("storage: create chat delegation: %w", err)
	}
	return d, nil
}

// GetPendingDelegation returns the oldest pending chat delegation for an
// agent in a project, or ErrNotFound.
func (db *DB) GetPendingDelegation(ctx context.Context, agentID, projectID uuid.UUID) (model.ChatDelegation, error) {
	var d model.ChatDelegation
	err := db.pool.QueryRow(ctx,
		`SELECT id, agent_id, project_id, target_agent_id, purpose, status, created_at
		 FROM chat_delegations
		 WHERE agent_id = $1 AND project_id = $2 AND status = $3
		 ORDER BY created_at ASC LIMIT 1`,
		agentID, projectID, string(model.DelegationPending),
	).Scan(&d.ID, &d.AgentID, &d.ProjectID, &d.TargetAgentID, &d.Purpose, &d.Status, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ChatDelegation{}, fmt.Errorf("storage: pending delegation for %s: %w", agentID, ErrNotFound)
		}
		return model.ChatDelegation{}, fmt.Errorf("storage: get pending delegation: %w", err)
	}
	return d, nil
}

// SetDelegationStatus moves a delegation to a new status.
func (db *DB) SetDelegationStatus(ctx context.Context, id uuid.UUID, status model.DelegationStatus) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE chat_delegations SET status = $1 WHERE id = $2`,
		string(status), id,
	)
	if err != nil {
		return fmt.Errorf("storage: set delegation status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: delegation %s: %w", id, ErrNotFound)
	}
	return nil
}

// CountUnreadMessages returns the number of unread messages addressed to the
// agent in a project. The engine only needs the count; delivery is the chat
// subsystem's problem.
func (db *DB) CountUnreadMessages(ctx context.Context, agentID, projectID uuid.UUID) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM agent_messages
		 WHERE recipient_id = $1 AND project_id = $2 AND read_at IS NULL`,
		agentID, projectID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count unread messages: %w", err)
	}
	return n, nil
}

// CreateAgentMessage inserts a message row. Exists for the chat collaborator
// and tests; the control plane itself never sends messages.
func (db *DB) CreateAgentMessage(ctx context.Context, projectID, senderID, recipientID uuid.UUID, body string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_messages (id, project_id, sender_id, recipient_id, body, created_at)
		 VALUES ($1, $2, $3, $4, $5, now())`,
		id, projectID, senderID, recipientID, body,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: create agent message: %w", err)
	}
	return id, nil
}

// MarkMessagesRead marks all of an agent's unread messages in a project as
// read and returns the count.
func (db *DB) MarkMessagesRead(ctx context.Context, agentID, projectID uuid.UUID) (int, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE agent_messages SET read_at = now()
		 WHERE recipient_id = $1 AND project_id = $2 AND read_at IS NULL`,
		agentID, projectID,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: mark messages read: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CreateKickMarker writes a pending-work marker for (agent, project, purpose).
// Idempotent per purpose: a second marker for the same purpose is absorbed.
func (db *DB) CreateKickMarker(ctx context.Context, agentID, projectID uuid.UUID, purpose model.SessionPurpose) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO kick_markers (id, agent_id, project_id, purpose, created_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (agent_id, project_id, purpose) DO NOTHING`,
		uuid.New(), agentID, projectID, string(purpose),
	)
	if err != nil {
		return fmt.Errorf("storage: create kick marker: %w", err)
	}
	return nil
}

// HasKickMarker reports whether a pending-work marker exists.
func (db *DB) HasKickMarker(ctx context.Context, agentID, projectID uuid.UUID, purpose model.SessionPurpose) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM kick_markers WHERE agent_id = $1 AND project_id = $2 AND purpose = $3)`,
		agentID, projectID, string(purpose),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: has kick marker: %w", err)
	}
	return exists, nil
}

// DeleteKickMarker consumes the pending-work marker for a purpose.
// Deleting an absent marker is a no-op.
func (db *DB) DeleteKickMarker(ctx context.Context, agentID, projectID uuid.UUID, purpose model.SessionPurpose) error {
	_, err := db.pool.Exec(ctx,
		`DELETE FROM kick_markers WHERE agent_id = $1 AND project_id = $2 AND purpose = $3`,
		agentID, projectID, string(purpose),
	)
	if err != nil {
		return fmt.Errorf("storage: delete kick marker: %w", err)
	}
	return nil
}
