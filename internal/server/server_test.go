package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskplane/taskplane/internal/auth"
	"github.com/taskplane/taskplane/internal/broker"
	"github.com/taskplane/taskplane/internal/model"
	"github.com/taskplane/taskplane/internal/spawn"
	"github.com/taskplane/taskplane/internal/storage"
)

// fakeSpawnStore holds just enough state to drive the arbitrator's early
// decision branches through the HTTP handler.
type fakeSpawnStore struct {
	agents   map[uuid.UUID]model.Agent
	projects map[uuid.UUID]model.Project
	task     *model.Task
	phase    *model.PhaseMarker
	subtasks []model.Task
}

func (f *fakeSpawnStore) GetAgent(_ context.Context, id uuid.UUID) (model.Agent, error) {
	a, ok := f.agents[id]
	if !ok {
		return model.Agent{}, storage.ErrNotFound
	}
	return a, nil
}

func (f *fakeSpawnStore) GetProject(_ context.Context, id uuid.UUID) (model.Project, error) {
	p, ok := f.projects[id]
	if !ok {
		return model.Project{}, storage.ErrNotFound
	}
	return p, nil
}

func (f *fakeSpawnStore) IsAgentAssigned(context.Context, uuid.UUID, uuid.UUID) (bool, error) {
	return true, nil
}

func (f *fakeSpawnStore) GetInProgressTask(context.Context, uuid.UUID, uuid.UUID) (model.Task, error) {
	if f.task == nil {
		return model.Task{}, storage.ErrNotFound
	}
	return *f.task, nil
}

func (f *fakeSpawnStore) HasBlockedTask(context.Context, uuid.UUID, uuid.UUID) (bool, error) {
	return false, nil
}

func (f *fakeSpawnStore) ListSubtasks(context.Context, uuid.UUID) ([]model.Task, error) {
	return f.subtasks, nil
}

func (f *fakeSpawnStore) LatestPhase(context.Context, uuid.UUID) (model.PhaseMarker, error) {
	if f.phase == nil {
		return model.PhaseMarker{}, storage.ErrNotFound
	}
	return *f.phase, nil
}

func (f *fakeSpawnStore) ListSubordinateWorkers(context.Context, uuid.UUID, uuid.UUID) ([]model.Agent, error) {
	return nil, nil
}

func (f *fakeSpawnStore) HasActiveTaskSession(context.Context, []uuid.UUID, uuid.UUID) (bool, error) {
	return false, nil
}

func (f *fakeSpawnStore) TryAcquireSpawnLock(context.Context, uuid.UUID, uuid.UUID) (bool, error) {
	return true, nil
}

type fakeWork struct{}

func (fakeWork) HasTaskWork(context.Context, uuid.UUID, uuid.UUID) (bool, error) { return false, nil }
func (fakeWork) HasChatWork(context.Context, uuid.UUID, uuid.UUID) (bool, error) { return false, nil }

// fakeBrokerStore covers the Invalidate path only.
type fakeBrokerStore struct {
	sessionsEnded      int
	conversationsEnded int
}

func (f *fakeBrokerStore) GetAgent(context.Context, uuid.UUID) (model.Agent, error) {
	return model.Agent{}, storage.ErrNotFound
}

func (f *fakeBrokerStore) GetProject(context.Context, uuid.UUID) (model.Project, error) {
	return model.Project{}, storage.ErrNotFound
}

func (f *fakeBrokerStore) IsAgentAssigned(context.Context, uuid.UUID, uuid.UUID) (bool, error) {
	return false, nil
}

func (f *fakeBrokerStore) GetInProgressTask(context.Context, uuid.UUID, uuid.UUID) (model.Task, error) {
	return model.Task{}, storage.ErrNotFound
}

func (f *fakeBrokerStore) GetActiveSession(context.Context, uuid.UUID, uuid.UUID, model.SessionPurpose) (model.AgentSession, error) {
	return model.AgentSession{}, storage.ErrNotFound
}

func (f *fakeBrokerStore) CreateAgentSession(_ context.Context, s model.AgentSession) (model.AgentSession, error) {
	return s, nil
}

func (f *fakeBrokerStore) DeleteSession(context.Context, uuid.UUID) error { return nil }

func (f *fakeBrokerStore) DeleteSessionsFor(context.Context, uuid.UUID, uuid.UUID) (int, error) {
	return f.sessionsEnded, nil
}

func (f *fakeBrokerStore) EndWorkSessions(context.Context, uuid.UUID, uuid.UUID, model.WorkSessionStatus) (int, error) {
	return f.sessionsEnded, nil
}

func (f *fakeBrokerStore) EndConversationsFor(context.Context, uuid.UUID, uuid.UUID) (int, error) {
	return f.conversationsEnded, nil
}

func (f *fakeBrokerStore) CountUnreadMessages(context.Context, uuid.UUID, uuid.UUID) (int, error) {
	return 0, nil
}

func (f *fakeBrokerStore) GetPendingDelegation(context.Context, uuid.UUID, uuid.UUID) (model.ChatDelegation, error) {
	return model.ChatDelegation{}, storage.ErrNotFound
}

func (f *fakeBrokerStore) HasKickMarker(context.Context, uuid.UUID, uuid.UUID, model.SessionPurpose) (bool, error) {
	return false, nil
}

func (f *fakeBrokerStore) DeleteKickMarker(context.Context, uuid.UUID, uuid.UUID, model.SessionPurpose) error {
	return nil
}

func (f *fakeBrokerStore) ClearSpawnLock(context.Context, uuid.UUID, uuid.UUID) error { return nil }

type fakeResolver struct{}

func (fakeResolver) WorkingDir(context.Context, model.Agent, model.Project) (string, error) {
	return "/work", nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
}

func newTestServer(t *testing.T, spawnStore *fakeSpawnStore, brokerStore *fakeBrokerStore) *Server {
	t.Helper()
	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	logger := testLogger()
	b := broker.New(brokerStore, fakeResolver{}, jwtMgr, time.Hour, logger)
	arb := spawn.New(spawnStore, fakeWork{}, logger)

	return New(ServerConfig{
		JWTMgr:     jwtMgr,
		Arbitrator: arb,
		Broker:     b,
		Logger:     logger,
		Port:       0,
		Version:    "test",
	})
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestSpawnDecidePausedProject(t *testing.T) {
	t.Parallel()
	agentID, projectID := uuid.New(), uuid.New()
	store := &fakeSpawnStore{
		agents:   map[uuid.UUID]model.Agent{agentID: {ID: agentID, Role: model.RoleWorker}},
		projects: map[uuid.UUID]model.Project{projectID: {ID: projectID, Paused: true}},
	}
	srv := newTestServer(t, store, &fakeBrokerStore{})

	rec := postJSON(t, srv.Handler(), "/v1/spawn/decide", model.SpawnDecideRequest{
		AgentID: agentID, ProjectID: projectID,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data model.SpawnDecideResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Data.Start)
	assert.Equal(t, "project_paused", resp.Data.Reason)
}

func TestSpawnDecideWaitingProgress(t *testing.T) {
	t.Parallel()
	manager := model.Agent{ID: uuid.New(), Role: model.RoleManager}
	project := model.Project{ID: uuid.New()}
	parent := model.Task{ID: uuid.New(), ProjectID: project.ID, Status: model.TaskInProgress, AssigneeID: &manager.ID}
	store := &fakeSpawnStore{
		agents:   map[uuid.UUID]model.Agent{manager.ID: manager},
		projects: map[uuid.UUID]model.Project{project.ID: project},
		task:     &parent,
		phase:    &model.PhaseMarker{TaskID: parent.ID, Phase: model.PhaseWaitingForWorkers},
		subtasks: []model.Task{
			{ID: uuid.New(), Status: model.TaskDone},
			{ID: uuid.New(), Status: model.TaskInProgress},
			{ID: uuid.New(), Status: model.TaskTodo},
		},
	}
	srv := newTestServer(t, store, &fakeBrokerStore{})

	rec := postJSON(t, srv.Handler(), "/v1/spawn/decide", model.SpawnDecideRequest{
		AgentID: manager.ID, ProjectID: project.ID,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data model.SpawnDecideResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Data.Start)
	assert.Equal(t, "waiting_for_workers", resp.Data.Reason)
	require.NotNil(t, resp.Data.Progress, "hold carries subtask progress")
	assert.Equal(t, 3, resp.Data.Progress.Total)
	assert.Equal(t, 1, resp.Data.Progress.Done)
	assert.Equal(t, 1, resp.Data.Progress.InProgress)
}

func TestSpawnDecideUnknownAgent(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, &fakeSpawnStore{
		agents:   map[uuid.UUID]model.Agent{},
		projects: map[uuid.UUID]model.Project{},
	}, &fakeBrokerStore{})

	rec := postJSON(t, srv.Handler(), "/v1/spawn/decide", model.SpawnDecideRequest{
		AgentID: uuid.New(), ProjectID: uuid.New(),
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSpawnDecideMissingIDs(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, &fakeSpawnStore{}, &fakeBrokerStore{})

	rec := postJSON(t, srv.Handler(), "/v1/spawn/decide", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSpawnDecideRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, &fakeSpawnStore{}, &fakeBrokerStore{})

	rec := postJSON(t, srv.Handler(), "/v1/spawn/decide", map[string]any{
		"agent_id": uuid.New(), "project_id": uuid.New(), "bogus": true,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInvalidateSessions(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, &fakeSpawnStore{}, &fakeBrokerStore{
		sessionsEnded:      2,
		conversationsEnded: 1,
	})

	rec := postJSON(t, srv.Handler(), "/v1/sessions/invalidate", model.InvalidateSessionsRequest{
		AgentID: uuid.New(), ProjectID: uuid.New(),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data model.InvalidateSessionsResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Data.SessionsEnded)
	assert.Equal(t, 1, resp.Data.ConversationsEnded)
}

func TestRequestIDEchoed(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, &fakeSpawnStore{}, &fakeBrokerStore{})

	req := httptest.NewRequest(http.MethodPost, "/v1/spawn/decide", bytes.NewReader([]byte("{}")))
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))

	var resp model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "req-123", resp.Meta.RequestID)
}

func TestSecurityHeaders(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, &fakeSpawnStore{}, &fakeBrokerStore{})

	req := httptest.NewRequest(http.MethodPost, "/v1/spawn/decide", bytes.NewReader([]byte("{}")))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestMalformedBearerRejected(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, &fakeSpawnStore{}, &fakeBrokerStore{})

	req := httptest.NewRequest(http.MethodPost, "/v1/spawn/decide", bytes.NewReader([]byte("{}")))
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var resp model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, model.ErrCodeUnauthorized, resp.Error.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	t.Parallel()
	logger := testLogger()
	panicking := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})
	handler := recoveryMiddleware(logger, panicking)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
