package hierarchy_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskplane/taskplane/internal/hierarchy"
	"github.com/taskplane/taskplane/internal/model"
	"github.com/taskplane/taskplane/internal/storage"
)

type fakeAgentStore struct {
	agents map[uuid.UUID]model.Agent
}

func (f *fakeAgentStore) GetAgent(_ context.Context, id uuid.UUID) (model.Agent, error) {
	a, ok := f.agents[id]
	if !ok {
		return model.Agent{}, storage.ErrNotFound
	}
	return a, nil
}

func strPtr(s string) *string { return &s }

// chain builds human -> manager -> worker and returns the store plus the
// three agents in that order.
func chain() (*fakeAgentStore, model.Agent, model.Agent, model.Agent) {
	human := model.Agent{ID: uuid.New(), Role: model.RoleHuman, WorkDir: strPtr("/home/alex/proj")}
	manager := model.Agent{ID: uuid.New(), Role: model.RoleManager, ParentID: &human.ID}
	worker := model.Agent{ID: uuid.New(), Role: model.RoleWorker, ParentID: &manager.ID}
	store := &fakeAgentStore{agents: map[uuid.UUID]model.Agent{
		human.ID: human, manager.ID: manager, worker.ID: worker,
	}}
	return store, human, manager, worker
}

func TestIsAncestor(t *testing.T) {
	t.Parallel()
	store, human, manager, worker := chain()
	r := hierarchy.New(store, 0)
	ctx := context.Background()

	tests := []struct {
		name       string
		ancestor   uuid.UUID
		descendant uuid.UUID
		want       bool
	}{
		{"direct parent", manager.ID, worker.ID, true},
		{"grandparent", human.ID, worker.ID, true},
		{"reversed", worker.ID, human.ID, false},
		{"self", worker.ID, worker.ID, false},
		{"unrelated", uuid.New(), worker.ID, false},
		{"missing descendant", human.ID, uuid.New(), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.IsAncestor(ctx, tt.ancestor, tt.descendant)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsAncestor_Cycle(t *testing.T) {
	t.Parallel()
	a := model.Agent{ID: uuid.New(), Role: model.RoleManager}
	b := model.Agent{ID: uuid.New(), Role: model.RoleManager, ParentID: &a.ID}
	a.ParentID = &b.ID
	store := &fakeAgentStore{agents: map[uuid.UUID]model.Agent{a.ID: a, b.ID: b}}
	r := hierarchy.New(store, 0)

	got, err := r.IsAncestor(context.Background(), uuid.New(), a.ID)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestIsOwnedBy(t *testing.T) {
	t.Parallel()
	store, _, manager, worker := chain()
	r := hierarchy.New(store, 0)
	ctx := context.Background()

	owned, err := r.IsOwnedBy(ctx, manager.ID, manager.ID)
	require.NoError(t, err)
	assert.True(t, owned, "an agent owns itself")

	owned, err = r.IsOwnedBy(ctx, manager.ID, worker.ID)
	require.NoError(t, err)
	assert.True(t, owned)

	owned, err = r.IsOwnedBy(ctx, worker.ID, manager.ID)
	require.NoError(t, err)
	assert.False(t, owned)
}

func TestWorkingDir(t *testing.T) {
	t.Parallel()
	store, _, manager, worker := chain()
	r := hierarchy.New(store, 0)
	ctx := context.Background()
	project := model.Project{ID: uuid.New(), DefaultWorkDir: "/srv/default"}

	t.Run("own workdir wins", func(t *testing.T) {
		agent := worker
		agent.WorkDir = strPtr("/tmp/mine")
		dir, err := r.WorkingDir(ctx, agent, project)
		require.NoError(t, err)
		assert.Equal(t, "/tmp/mine", dir)
	})

	t.Run("inherits from human ancestor", func(t *testing.T) {
		dir, err := r.WorkingDir(ctx, worker, project)
		require.NoError(t, err)
		assert.Equal(t, "/home/alex/proj", dir)
	})

	t.Run("manager workdir is skipped", func(t *testing.T) {
		m := manager
		m.WorkDir = strPtr("/managers/only")
		store.agents[m.ID] = m
		dir, err := r.WorkingDir(ctx, worker, project)
		require.NoError(t, err)
		assert.Equal(t, "/home/alex/proj", dir, "only human ancestors contribute a workdir")
	})

	t.Run("falls back to project default", func(t *testing.T) {
		orphan := model.Agent{ID: uuid.New(), Role: model.RoleWorker}
		dir, err := r.WorkingDir(ctx, orphan, project)
		require.NoError(t, err)
		assert.Equal(t, "/srv/default", dir)
	})
}
