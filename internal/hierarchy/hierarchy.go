// Package hierarchy answers ancestor/descendant queries over the agent
// parent-chain and resolves working-directory inheritance.
//
// All walks are cycle-safe (visited set) and depth-bounded. A chain that
// cycles or exceeds the bound resolves the same way as a root without a
// match: no relationship.
package hierarchy

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/taskplane/taskplane/internal/model"
	"github.com/taskplane/taskplane/internal/storage"
)

// DefaultMaxDepth bounds parent-chain walks. Real hierarchies are a handful
// of levels deep; anything past this is a data problem, not a deeper tree.
const DefaultMaxDepth = 32

// AgentStore is the subset of storage the resolver reads.
type AgentStore interface {
	GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error)
}

// Resolver walks the agent parent-chain.
type Resolver struct {
	agents   AgentStore
	maxDepth int
}

// New creates a Resolver. maxDepth <= 0 selects DefaultMaxDepth.
func New(agents AgentStore, maxDepth int) *Resolver {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Resolver{agents: agents, maxDepth: maxDepth}
}

// IsAncestor reports whether ancestorID appears on descendantID's parent
// chain. An agent is not its own ancestor. Missing agents along the chain
// terminate the walk without error.
func (r *Resolver) IsAncestor(ctx context.Context, ancestorID, descendantID uuid.UUID) (bool, error) {
	if ancestorID == descendantID {
		return false, nil
	}

	visited := map[uuid.UUID]struct{}{descendantID: {}}
	current := descendantID

	for depth := 0; depth < r.maxDepth; depth++ {
		agent, err := r.agents.GetAgent(ctx, current)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return false, nil
			}
			return false, fmt.Errorf("hierarchy: walk parent chain: %w", err)
		}
		if agent.ParentID == nil {
			return false, nil
		}
		parent := *agent.ParentID
		if parent == ancestorID {
			return true, nil
		}
		if _, seen := visited[parent]; seen {
			return false, nil
		}
		visited[parent] = struct{}{}
		current = parent
	}
	return false, nil
}

// IsOwnedBy reports whether agentID is ownerID itself or one of its
// transitive subordinates.
func (r *Resolver) IsOwnedBy(ctx context.Context, ownerID, agentID uuid.UUID) (bool, error) {
	if ownerID == agentID {
		return true, nil
	}
	return r.IsAncestor(ctx, ownerID, agentID)
}

// WorkingDir computes the effective working directory for an agent in a
// project: the agent's own configured directory if set, otherwise the
// nearest human ancestor's directory, otherwise the project default.
func (r *Resolver) WorkingDir(ctx context.Context, agent model.Agent, project model.Project) (string, error) {
	if agent.WorkDir != nil && *agent.WorkDir != "" {
		return *agent.WorkDir, nil
	}

	visited := map[uuid.UUID]struct{}{agent.ID: {}}
	current := agent

	for depth := 0; depth < r.maxDepth; depth++ {
		if current.ParentID == nil {
			break
		}
		parentID := *current.ParentID
		if _, seen := visited[parentID]; seen {
			break
		}
		visited[parentID] = struct{}{}

		parent, err := r.agents.GetAgent(ctx, parentID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				break
			}
			return "", fmt.Errorf("hierarchy: resolve working dir: %w", err)
		}
		if parent.Role == model.RoleHuman && parent.WorkDir != nil && *parent.WorkDir != "" {
			return *parent.WorkDir, nil
		}
		current = parent
	}
	return project.DefaultWorkDir, nil
}
