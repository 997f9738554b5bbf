package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/taskplane/taskplane/internal/model"
	"github.com/taskplane/taskplane/internal/storage"
)

// nextChat drives the chat machine. The session is touched only when a
// real event fires; touching on every poll would keep an idle session
// alive forever and defeat the soft timeout.
func (e *Engine) nextChat(ctx context.Context, session model.AgentSession) (Instruction, error) {
	if time.Since(session.LastActivityAt) > e.idleTimeout {
		return Instruction{
			Action:      ActionLogout,
			Instruction: "Chat session idle too long. Log out.",
		}, nil
	}

	// Inbound conversation request from another agent.
	conv, err := e.store.GetPendingConversationFor(ctx, session.AgentID, session.ProjectID)
	if err == nil {
		if err := e.store.SetConversationStatus(ctx, conv.ID, model.ConversationActive, nil); err != nil {
			return Instruction{}, fmt.Errorf("workflow: accept conversation: %w", err)
		}
		conv.Status = model.ConversationActive
		e.touchChat(ctx, session)
		return Instruction{
			Action:       ActionConversationRequest,
			Conversation: &conv,
			Instruction:  "Another agent wants to talk. The conversation is now active; read and respond.",
		}, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return Instruction{}, fmt.Errorf("workflow: chat next: %w", err)
	}

	// The partner hung up on an active conversation.
	conv, err = e.store.GetTerminatingConversationFor(ctx, session.AgentID, session.ProjectID)
	if err == nil {
		if err := e.store.SetConversationStatus(ctx, conv.ID, model.ConversationEnded, nil); err != nil {
			return Instruction{}, fmt.Errorf("workflow: end conversation: %w", err)
		}
		conv.Status = model.ConversationEnded
		e.touchChat(ctx, session)
		return Instruction{
			Action:       ActionConversationEnded,
			Conversation: &conv,
			Instruction:  "The other agent ended the conversation.",
		}, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return Instruction{}, fmt.Errorf("workflow: chat next: %w", err)
	}

	// A task session handed off a conversation to start.
	delegation, err := e.store.GetPendingDelegation(ctx, session.AgentID, session.ProjectID)
	if err == nil {
		if err := e.store.SetDelegationStatus(ctx, delegation.ID, model.DelegationProcessing); err != nil {
			return Instruction{}, fmt.Errorf("workflow: start delegation: %w", err)
		}
		delegation.Status = model.DelegationProcessing
		e.touchChat(ctx, session)
		return Instruction{
			Action:      ActionStartConversation,
			Delegation:  &delegation,
			Instruction: "Open a conversation with the target agent for the delegated purpose.",
		}, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return Instruction{}, fmt.Errorf("workflow: chat next: %w", err)
	}

	unread, err := e.store.CountUnreadMessages(ctx, session.AgentID, session.ProjectID)
	if err != nil {
		return Instruction{}, fmt.Errorf("workflow: chat next: %w", err)
	}
	if unread > 0 {
		e.touchChat(ctx, session)
		return Instruction{
			Action:      ActionGetPendingMessages,
			UnreadCount: unread,
			Instruction: "Fetch and handle your unread messages.",
		}, nil
	}

	return Instruction{
		Action:      ActionWaitForMessages,
		Instruction: "Nothing pending. Poll again shortly.",
	}, nil
}

func (e *Engine) touchChat(ctx context.Context, session model.AgentSession) {
	if err := e.store.TouchSession(ctx, session.ID); err != nil {
		e.logger.Warn("touch chat session", "session_id", session.ID, "error", err)
	}
}
