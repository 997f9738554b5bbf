// Package mcp implements the Model Context Protocol server for taskplane.
//
// The MCP server is the agent-facing tool surface: agents authenticate,
// pull their next instruction, and report task progress through tool calls.
// Claims extracted by the HTTP auth middleware arrive via ctxutil; every
// tool except taskplane_authenticate requires them.
package mcp

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/taskplane/taskplane/internal/broker"
	"github.com/taskplane/taskplane/internal/ctxutil"
	"github.com/taskplane/taskplane/internal/model"
	"github.com/taskplane/taskplane/internal/storage"
	"github.com/taskplane/taskplane/internal/taskgraph"
	"github.com/taskplane/taskplane/internal/workflow"
)

// Store is the persistence surface the tool handlers read directly.
// Everything else goes through the broker, workflow engine, or task graph.
type Store interface {
	GetSession(ctx context.Context, id uuid.UUID) (model.AgentSession, error)
	GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error)
	GetInProgressTask(ctx context.Context, agentID, projectID uuid.UUID) (model.Task, error)
	SetSessionModelVerified(ctx context.Context, id uuid.UUID) error
}

// Server wraps the MCP server with taskplane's engines.
type Server struct {
	mcpServer *mcpserver.MCPServer
	store     Store
	broker    *broker.Broker
	engine    *workflow.Engine
	graph     *taskgraph.Graph
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all tools registered.
func New(store Store, b *broker.Broker, engine *workflow.Engine, graph *taskgraph.Graph, logger *slog.Logger) *Server {
	s := &Server{
		store:  store,
		broker: b,
		engine: engine,
		graph:  graph,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"taskplane",
		"0.1.0",
		mcpserver.WithToolCapabilities(true),
	)

	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// session resolves the caller's live session from context claims. The token
// alone is not enough: logout and invalidation delete the session row, and a
// deleted session must immediately stop steering the agent.
func (s *Server) session(ctx context.Context) (model.AgentSession, *mcplib.CallToolResult) {
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil {
		return model.AgentSession{}, errorResult("authentication required: call taskplane_authenticate and connect with the returned token")
	}
	session, err := s.store.GetSession(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.AgentSession{}, errorResult("session no longer exists; exit and wait for the launcher")
		}
		return model.AgentSession{}, errorResult("session lookup failed: " + err.Error())
	}
	// The row can outlive its expiry until the sweeper runs; an expired
	// session must not keep serving tools just because the JWT is newer.
	if session.Expired(time.Now()) {
		return model.AgentSession{}, errorResult("session expired; exit and wait for the launcher")
	}
	return session, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}
