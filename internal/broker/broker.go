// Package broker authenticates agents and arbitrates which purpose a new
// session serves. Exactly one non-expired session may exist per
// (agent, project, purpose); the broker is the only writer of sessions.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/taskplane/taskplane/internal/auth"
	"github.com/taskplane/taskplane/internal/model"
	"github.com/taskplane/taskplane/internal/storage"
)

// DefaultSessionTTL is the lifetime of a new authentication session.
const DefaultSessionTTL = 2 * time.Hour

var meter = otel.GetMeterProvider().Meter("taskplane/broker")

// Authentication failure reasons. Each maps to a distinct failure the
// launcher and the agent can act on.
var (
	ErrNotAssigned       = errors.New("broker: agent not assigned to project")
	ErrBadCredential     = errors.New("broker: credential verification failed")
	ErrNoEligiblePurpose = errors.New("broker: no eligible purpose")
	ErrSessionActive     = errors.New("broker: session already active for purpose")
)

// Store is the persistence surface the broker needs.
type Store interface {
	GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error)
	GetProject(ctx context.Context, id uuid.UUID) (model.Project, error)
	IsAgentAssigned(ctx context.Context, agentID, projectID uuid.UUID) (bool, error)

	GetInProgressTask(ctx context.Context, agentID, projectID uuid.UUID) (model.Task, error)

	GetActiveSession(ctx context.Context, agentID, projectID uuid.UUID, purpose model.SessionPurpose) (model.AgentSession, error)
	CreateAgentSession(ctx context.Context, s model.AgentSession) (model.AgentSession, error)
	DeleteSession(ctx context.Context, id uuid.UUID) error
	DeleteSessionsFor(ctx context.Context, agentID, projectID uuid.UUID) (int, error)

	EndWorkSessions(ctx context.Context, agentID, projectID uuid.UUID, status model.WorkSessionStatus) (int, error)
	EndConversationsFor(ctx context.Context, agentID, projectID uuid.UUID) (int, error)

	CountUnreadMessages(ctx context.Context, agentID, projectID uuid.UUID) (int, error)
	GetPendingDelegation(ctx context.Context, agentID, projectID uuid.UUID) (model.ChatDelegation, error)
	HasKickMarker(ctx context.Context, agentID, projectID uuid.UUID, purpose model.SessionPurpose) (bool, error)
	DeleteKickMarker(ctx context.Context, agentID, projectID uuid.UUID, purpose model.SessionPurpose) error

	ClearSpawnLock(ctx context.Context, agentID, projectID uuid.UUID) error
}

// WorkDirResolver computes an agent's effective working directory.
type WorkDirResolver interface {
	WorkingDir(ctx context.Context, agent model.Agent, project model.Project) (string, error)
}

// TokenIssuer signs session tokens.
type TokenIssuer interface {
	IssueToken(agent model.Agent, session model.AgentSession) (string, time.Time, error)
}

// Broker authenticates agents and manages their sessions.
type Broker struct {
	store    Store
	resolver WorkDirResolver
	tokens   TokenIssuer
	ttl      time.Duration
	logger   *slog.Logger
}

// New creates a Broker. ttl <= 0 selects DefaultSessionTTL.
func New(store Store, resolver WorkDirResolver, tokens TokenIssuer, ttl time.Duration, logger *slog.Logger) *Broker {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{store: store, resolver: resolver, tokens: tokens, ttl: ttl, logger: logger}
}

// AuthResult is a successful authentication.
type AuthResult struct {
	Session    model.AgentSession `json:"session"`
	Token      string             `json:"token"`
	ExpiresAt  time.Time          `json:"expires_at"`
	WorkingDir string             `json:"working_directory"`
}

// Authenticate verifies an agent's credential and opens a session for
// whichever purpose currently has work, task work taking priority over
// chat. The spawn lock for (agent, project) is cleared on every exit path:
// a lock that survived a failed authentication would block future spawns
// until its timeout.
func (b *Broker) Authenticate(ctx context.Context, agentID uuid.UUID, passkey string, projectID uuid.UUID) (_ AuthResult, err error) {
	defer func() {
		if clearErr := b.store.ClearSpawnLock(ctx, agentID, projectID); clearErr != nil {
			b.logger.Error("clear spawn lock after authenticate", "agent_id", agentID, "project_id", projectID, "error", clearErr)
		}
		recordAuthFailure(ctx, err)
	}()

	project, err := b.store.GetProject(ctx, projectID)
	if err != nil {
		return AuthResult{}, fmt.Errorf("broker: authenticate: %w", err)
	}

	assigned, err := b.store.IsAgentAssigned(ctx, agentID, projectID)
	if err != nil {
		return AuthResult{}, fmt.Errorf("broker: authenticate: %w", err)
	}
	if !assigned {
		return AuthResult{}, ErrNotAssigned
	}

	agent, err := b.store.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			auth.DummyVerify()
			return AuthResult{}, ErrBadCredential
		}
		return AuthResult{}, fmt.Errorf("broker: authenticate: %w", err)
	}
	if agent.PasskeyHash == nil {
		auth.DummyVerify()
		return AuthResult{}, ErrBadCredential
	}
	ok, err := auth.VerifyPasskey(passkey, *agent.PasskeyHash)
	if err != nil {
		return AuthResult{}, fmt.Errorf("broker: authenticate: %w", err)
	}
	if !ok {
		return AuthResult{}, ErrBadCredential
	}

	purpose, err := b.resolvePurpose(ctx, agentID, projectID)
	if err != nil {
		return AuthResult{}, err
	}

	// Exclusivity guard against double-spawn races: the purpose may have
	// been claimed between work detection and now.
	if _, err := b.store.GetActiveSession(ctx, agentID, projectID, purpose); err == nil {
		return AuthResult{}, fmt.Errorf("%w: %s", ErrSessionActive, purpose)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return AuthResult{}, fmt.Errorf("broker: authenticate: %w", err)
	}

	workDir, err := b.resolver.WorkingDir(ctx, agent, project)
	if err != nil {
		return AuthResult{}, fmt.Errorf("broker: authenticate: %w", err)
	}

	now := time.Now().UTC()
	session, err := b.store.CreateAgentSession(ctx, model.AgentSession{
		AgentID:        agentID,
		ProjectID:      projectID,
		Purpose:        purpose,
		State:          model.SessionActive,
		WorkDir:        workDir,
		ExpiresAt:      now.Add(b.ttl),
		LastActivityAt: now,
	})
	if err != nil {
		return AuthResult{}, fmt.Errorf("broker: create session: %w", err)
	}

	if err := b.store.DeleteKickMarker(ctx, agentID, projectID, purpose); err != nil {
		b.logger.Warn("consume kick marker", "agent_id", agentID, "purpose", purpose, "error", err)
	}

	token, expiresAt, err := b.tokens.IssueToken(agent, session)
	if err != nil {
		return AuthResult{}, fmt.Errorf("broker: authenticate: %w", err)
	}

	b.logger.Info("session opened",
		"agent_id", agentID, "project_id", projectID, "purpose", purpose, "session_id", session.ID)
	return AuthResult{Session: session, Token: token, ExpiresAt: expiresAt, WorkingDir: workDir}, nil
}

// resolvePurpose runs work detection. Task work wins over chat work when
// both are present; a purpose whose session slot is occupied yields no work.
func (b *Broker) resolvePurpose(ctx context.Context, agentID, projectID uuid.UUID) (model.SessionPurpose, error) {
	taskWork, err := b.hasTaskWork(ctx, agentID, projectID)
	if err != nil {
		return "", err
	}
	if taskWork {
		if free, err := b.purposeFree(ctx, agentID, projectID, model.PurposeTask); err != nil {
			return "", err
		} else if free {
			return model.PurposeTask, nil
		}
	}

	chatWork, err := b.hasChatWork(ctx, agentID, projectID)
	if err != nil {
		return "", err
	}
	if chatWork {
		if free, err := b.purposeFree(ctx, agentID, projectID, model.PurposeChat); err != nil {
			return "", err
		} else if free {
			return model.PurposeChat, nil
		}
	}

	if taskWork || chatWork {
		return "", ErrSessionActive
	}
	return "", ErrNoEligiblePurpose
}

func (b *Broker) purposeFree(ctx context.Context, agentID, projectID uuid.UUID, purpose model.SessionPurpose) (bool, error) {
	_, err := b.store.GetActiveSession(ctx, agentID, projectID, purpose)
	if err == nil {
		return false, nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return true, nil
	}
	return false, fmt.Errorf("broker: check active session: %w", err)
}

// HasTaskWork reports whether the agent has an in-progress task or a
// pending task kick marker in the project, and no active task session
// already serving it. An occupied session slot means the work is being
// handled; reporting it as pending would make the launcher start a
// duplicate process.
func (b *Broker) HasTaskWork(ctx context.Context, agentID, projectID uuid.UUID) (bool, error) {
	work, err := b.hasTaskWork(ctx, agentID, projectID)
	if err != nil || !work {
		return false, err
	}
	return b.purposeFree(ctx, agentID, projectID, model.PurposeTask)
}

func (b *Broker) hasTaskWork(ctx context.Context, agentID, projectID uuid.UUID) (bool, error) {
	_, err := b.store.GetInProgressTask(ctx, agentID, projectID)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return false, fmt.Errorf("broker: task work detection: %w", err)
	}
	kicked, err := b.store.HasKickMarker(ctx, agentID, projectID, model.PurposeTask)
	if err != nil {
		return false, fmt.Errorf("broker: task work detection: %w", err)
	}
	return kicked, nil
}

// HasChatWork reports whether the agent has unread messages, a pending
// chat delegation, or a pending chat kick marker in the project, and no
// active chat session already serving it.
func (b *Broker) HasChatWork(ctx context.Context, agentID, projectID uuid.UUID) (bool, error) {
	work, err := b.hasChatWork(ctx, agentID, projectID)
	if err != nil || !work {
		return false, err
	}
	return b.purposeFree(ctx, agentID, projectID, model.PurposeChat)
}

func (b *Broker) hasChatWork(ctx context.Context, agentID, projectID uuid.UUID) (bool, error) {
	unread, err := b.store.CountUnreadMessages(ctx, agentID, projectID)
	if err != nil {
		return false, fmt.Errorf("broker: chat work detection: %w", err)
	}
	if unread > 0 {
		return true, nil
	}
	if _, err := b.store.GetPendingDelegation(ctx, agentID, projectID); err == nil {
		return true, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return false, fmt.Errorf("broker: chat work detection: %w", err)
	}
	kicked, err := b.store.HasKickMarker(ctx, agentID, projectID, model.PurposeChat)
	if err != nil {
		return false, fmt.Errorf("broker: chat work detection: %w", err)
	}
	return kicked, nil
}

// Logout closes a session at the agent's own request. Open work sessions
// end as completed: the agent chose to stop.
func (b *Broker) Logout(ctx context.Context, session model.AgentSession) error {
	if err := b.store.DeleteSession(ctx, session.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("broker: logout: %w", err)
	}
	if _, err := b.store.EndWorkSessions(ctx, session.AgentID, session.ProjectID, model.WorkSessionCompleted); err != nil {
		return fmt.Errorf("broker: logout: %w", err)
	}
	b.logger.Info("session closed", "session_id", session.ID, "agent_id", session.AgentID)
	return nil
}

// InvalidateResult reports what a forced invalidation cleaned up.
type InvalidateResult struct {
	SessionsEnded      int `json:"sessions_ended"`
	ConversationsEnded int `json:"conversations_ended"`
}

// Invalidate force-closes everything an agent holds in a project. Work
// sessions end as abandoned, and any conversation the agent participates
// in is force-ended. Coordinator-only; callers must gate access.
func (b *Broker) Invalidate(ctx context.Context, agentID, projectID uuid.UUID) (InvalidateResult, error) {
	sessions, err := b.store.DeleteSessionsFor(ctx, agentID, projectID)
	if err != nil {
		return InvalidateResult{}, fmt.Errorf("broker: invalidate: %w", err)
	}
	if _, err := b.store.EndWorkSessions(ctx, agentID, projectID, model.WorkSessionAbandoned); err != nil {
		return InvalidateResult{}, fmt.Errorf("broker: invalidate: %w", err)
	}
	conversations, err := b.store.EndConversationsFor(ctx, agentID, projectID)
	if err != nil {
		return InvalidateResult{}, fmt.Errorf("broker: invalidate: %w", err)
	}
	b.logger.Info("agent invalidated",
		"agent_id", agentID, "project_id", projectID,
		"sessions_ended", sessions, "conversations_ended", conversations)
	return InvalidateResult{SessionsEnded: sessions, ConversationsEnded: conversations}, nil
}

func recordAuthFailure(ctx context.Context, err error) {
	if err == nil {
		return
	}
	reason := "internal"
	switch {
	case errors.Is(err, ErrNotAssigned):
		reason = "not_assigned"
	case errors.Is(err, ErrBadCredential):
		reason = "bad_credential"
	case errors.Is(err, ErrNoEligiblePurpose):
		reason = "no_eligible_purpose"
	case errors.Is(err, ErrSessionActive):
		reason = "session_active"
	}
	// Best-effort; instruments lazily created.
	if counter, cerr := meter.Int64Counter("broker.auth_failures"); cerr == nil {
		counter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("reason", reason)))
	}
}
