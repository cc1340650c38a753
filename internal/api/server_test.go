package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bullpen-dev/bullpen/internal/common/config"
	"github.com/bullpen-dev/bullpen/internal/common/logger"
	"github.com/bullpen-dev/bullpen/internal/launcher"
	"github.com/bullpen-dev/bullpen/internal/prompts"
	"github.com/bullpen-dev/bullpen/internal/store"
	"github.com/bullpen-dev/bullpen/internal/tmux"
	"github.com/bullpen-dev/bullpen/internal/toolserver"
	"github.com/bullpen-dev/bullpen/internal/workflow"
	"github.com/bullpen-dev/bullpen/internal/worktree"
)

// Capability stubs so handler tests exercise the real engine and store
// without git, tmux, or child processes.

type stubWorktrees struct{ createErr error }

func (f *stubWorktrees) Create(_ context.Context, req worktree.CreateRequest) (*worktree.Worktree, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &worktree.Worktree{Path: "/tmp/bullpen-api-test/" + req.Name, Branch: req.Branch}, nil
}

func (f *stubWorktrees) Remove(_ context.Context, _ string) error { return nil }

type stubSessions struct{}

func (f *stubSessions) Create(_ context.Context, req tmux.CreateRequest) (*tmux.Session, error) {
	return &tmux.Session{Name: req.Name}, nil
}

func (f *stubSessions) Kill(_ context.Context, _ string) error { return nil }

func (f *stubSessions) SendKeys(_ context.Context, _ string, _ string) error { return nil }

type stubAI struct{}

func (f *stubAI) Launch(_ context.Context, _ launcher.LaunchRequest) (*launcher.Session, error) {
	return &launcher.Session{ID: "ai-session", PID: 4242}, nil
}

func (f *stubAI) Terminate(_ context.Context, _ int) error { return nil }
func (f *stubAI) Alive(_ int) bool                         { return false }

type stubHandle struct {
	killed chan struct{}
	once   sync.Once
}

func newStubHandle() *stubHandle { return &stubHandle{killed: make(chan struct{})} }

func (h *stubHandle) Kill(_ syscall.Signal) error {
	h.once.Do(func() { close(h.killed) })
	return nil
}

func (h *stubHandle) Killed() <-chan struct{} { return h.killed }

type stubToolServers struct{}

func (f *stubToolServers) Spawn(_ context.Context, _ toolserver.SpawnParams) (workflow.ToolServerHandle, error) {
	return newStubHandle(), nil
}

type stubPrompts struct{}

func (f *stubPrompts) Build(req prompts.BuildRequest) (*prompts.Prompt, error) {
	return &prompts.Prompt{
		System:  "system prompt",
		User:    "work on branch " + req.Branch,
		Context: "{}",
	}, nil
}

type apiHarness struct {
	server    *Server
	router    http.Handler
	store     *store.Store
	worktrees *stubWorktrees
}

func newAPIHarness(t *testing.T, issues IssueService) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	st := store.New(store.Config{
		Path:        filepath.Join(t.TempDir(), "bullpen.db"),
		BusyTimeout: 2 * time.Second,
	}, log)
	require.NoError(t, st.Connect(context.Background()))
	t.Cleanup(func() { _ = st.Disconnect() })

	worktrees := &stubWorktrees{}
	engine := workflow.NewEngine(workflow.Deps{
		Store:       st,
		Worktrees:   worktrees,
		Sessions:    &stubSessions{},
		AI:          &stubAI{},
		ToolServers: &stubToolServers{},
		Prompts:     &stubPrompts{},
		Logger:      log,
	}, workflow.Config{MaxReviews: 3})

	cfg := &config.Config{}
	cfg.Logging.Level = "debug"

	server := NewServer(cfg, engine, st, issues, nil, log)
	return &apiHarness{
		server:    server,
		router:    server.Router(),
		store:     st,
		worktrees: worktrees,
	}
}

// perform runs one request through the router and returns the recorder.
func (h *apiHarness) perform(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp := httptest.NewRecorder()
	h.router.ServeHTTP(resp, req)
	return resp
}

func decodeJSON(t *testing.T, resp *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), out), "body: %s", resp.Body.String())
}

// createAgent makes one coding agent through the API and returns its id.
func (h *apiHarness) createAgent(t *testing.T) string {
	t.Helper()
	resp := h.perform(t, http.MethodPost, "/api/v1/agents", CreateAgentRequest{
		IssueNumber: intPtr(77),
		BaseBranch:  "main",
	})
	require.Equal(t, http.StatusCreated, resp.Code, "body: %s", resp.Body.String())

	var exec workflow.Execution
	decodeJSON(t, resp, &exec)
	require.NotEmpty(t, exec.ID)
	return exec.ID
}

func intPtr(n int) *int { return &n }

func TestHealthEndpoint(t *testing.T) {
	h := newAPIHarness(t, nil)

	resp := h.perform(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var health HealthResponse
	decodeJSON(t, resp, &health)
	assert.Equal(t, "ok", health.Status)
	_, err := time.Parse(time.RFC3339, health.Timestamp)
	assert.NoError(t, err)
}

func TestConfigRoundTrip(t *testing.T) {
	h := newAPIHarness(t, nil)

	resp := h.perform(t, http.MethodPut, "/api/v1/config/github_repo", SetConfigRequest{Value: "org/repo"})
	require.Equal(t, http.StatusOK, resp.Code, "body: %s", resp.Body.String())

	resp = h.perform(t, http.MethodGet, "/api/v1/config/github_repo", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var value ConfigValueResponse
	decodeJSON(t, resp, &value)
	assert.Equal(t, "github_repo", value.Key)
	assert.Equal(t, "org/repo", value.Value)

	resp = h.perform(t, http.MethodDelete, "/api/v1/config/github_repo", nil)
	assert.Equal(t, http.StatusNoContent, resp.Code)

	resp = h.perform(t, http.MethodGet, "/api/v1/config/github_repo", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	// Deleting a missing key stays a no-op.
	resp = h.perform(t, http.MethodDelete, "/api/v1/config/github_repo", nil)
	assert.Equal(t, http.StatusNoContent, resp.Code)
}

func TestConfigEncryptedValueComesBackDecrypted(t *testing.T) {
	h := newAPIHarness(t, nil)

	resp := h.perform(t, http.MethodPut, "/api/v1/config/github_token", SetConfigRequest{
		Value:     "ghp_secret",
		Encrypted: true,
	})
	require.Equal(t, http.StatusOK, resp.Code, "body: %s", resp.Body.String())

	resp = h.perform(t, http.MethodGet, "/api/v1/config/github_token", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var value ConfigValueResponse
	decodeJSON(t, resp, &value)
	assert.Equal(t, "ghp_secret", value.Value)
}

type stubIssues struct {
	issues  map[int]*store.GitHubIssue
	syncErr error
	synced  int
}

func (s *stubIssues) Sync(_ context.Context) (int, error) {
	if s.syncErr != nil {
		return 0, s.syncErr
	}
	return s.synced, nil
}

func (s *stubIssues) Get(_ context.Context, number int) (*store.GitHubIssue, error) {
	return s.issues[number], nil
}

func TestIssueEndpoints(t *testing.T) {
	svc := &stubIssues{
		issues: map[int]*store.GitHubIssue{
			42: {Number: 42, Title: "flaky retries", State: "open"},
		},
		synced: 2,
	}
	h := newAPIHarness(t, svc)

	resp := h.perform(t, http.MethodGet, "/api/v1/issues/42", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var issue store.GitHubIssue
	decodeJSON(t, resp, &issue)
	assert.Equal(t, "flaky retries", issue.Title)

	resp = h.perform(t, http.MethodGet, "/api/v1/issues/999", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = h.perform(t, http.MethodGet, "/api/v1/issues/zero", nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = h.perform(t, http.MethodPost, "/api/v1/issues/sync", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var sync SyncIssuesResponse
	decodeJSON(t, resp, &sync)
	assert.Equal(t, 2, sync.Synced)
}

func TestIssueEndpointsWithoutService(t *testing.T) {
	h := newAPIHarness(t, nil)

	resp := h.perform(t, http.MethodGet, "/api/v1/issues/42", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)

	resp = h.perform(t, http.MethodPost, "/api/v1/issues/sync", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
}
