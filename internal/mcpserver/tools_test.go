package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bullpen-dev/bullpen/internal/common/logger"
)

// fakeDaemon plays the bullpen API: it records every request the tool
// handlers make and answers with canned bodies.
type fakeDaemon struct {
	mu       sync.Mutex
	requests []recordedRequest
	status   map[string]int
	body     map[string]string
}

type recordedRequest struct {
	Method string
	Path   string
	Body   map[string]interface{}
}

func newFakeDaemon() *fakeDaemon {
	return &fakeDaemon{
		status: make(map[string]int),
		body:   make(map[string]string),
	}
}

func (d *fakeDaemon) respond(path string, status int, body string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status[path] = status
	d.body[path] = body
}

func (d *fakeDaemon) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := recordedRequest{Method: r.Method, Path: r.URL.Path}
	_ = json.NewDecoder(r.Body).Decode(&rec.Body)

	d.mu.Lock()
	d.requests = append(d.requests, rec)
	status, ok := d.status[r.URL.Path]
	body := d.body[r.URL.Path]
	d.mu.Unlock()

	if !ok {
		status, body = http.StatusOK, "{}"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func (d *fakeDaemon) recorded() []recordedRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]recordedRequest, len(d.requests))
	copy(out, d.requests)
	return out
}

func toolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", res.Content[0])
	return tc.Text
}

func testConfig(apiURL string) Config {
	return Config{
		AgentID:    "work-12-0-abc123",
		ServerType: ServerTypeCoding,
		APIURL:     apiURL,
	}
}

func TestUpdateStatusHandler(t *testing.T) {
	daemon := newFakeDaemon()
	srv := httptest.NewServer(daemon)
	defer srv.Close()

	handler := updateStatusHandler(testConfig(srv.URL), logger.Default())
	res, err := handler(context.Background(), toolRequest("update_instance_status",
		map[string]interface{}{"status": "pr_created"}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))

	reqs := daemon.recorded()
	// The daemon pairs the status event itself, so exactly one call lands.
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPost, reqs[0].Method)
	assert.Equal(t, "/api/v1/agents/work-12-0-abc123/status", reqs[0].Path)
	assert.Equal(t, "pr_created", reqs[0].Body["status"])
}

func TestUpdateStatusHandlerMissingStatus(t *testing.T) {
	daemon := newFakeDaemon()
	srv := httptest.NewServer(daemon)
	defer srv.Close()

	handler := updateStatusHandler(testConfig(srv.URL), logger.Default())
	res, err := handler(context.Background(), toolRequest("update_instance_status", nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Empty(t, daemon.recorded())
}

func TestUpdateStatusHandlerRejected(t *testing.T) {
	daemon := newFakeDaemon()
	daemon.respond("/api/v1/agents/work-12-0-abc123/status", http.StatusConflict,
		`{"error":"instance is terminated","code":"INVALID_STATE"}`)
	srv := httptest.NewServer(daemon)
	defer srv.Close()

	handler := updateStatusHandler(testConfig(srv.URL), logger.Default())
	res, err := handler(context.Background(), toolRequest("update_instance_status",
		map[string]interface{}{"status": "started"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	text := resultText(t, res)
	assert.Contains(t, text, "409")
	assert.Contains(t, text, "INVALID_STATE")
}

func TestLogEventHandler(t *testing.T) {
	daemon := newFakeDaemon()
	daemon.respond("/api/v1/agents/work-12-0-abc123/events", http.StatusCreated,
		`{"id":"evt-1","tool_name":"git_push"}`)
	srv := httptest.NewServer(daemon)
	defer srv.Close()

	handler := logEventHandler(testConfig(srv.URL), logger.Default())
	res, err := handler(context.Background(), toolRequest("log_event", map[string]interface{}{
		"tool_name":     "git_push",
		"success":       false,
		"error_message": "remote rejected",
		"parameters":    map[string]interface{}{"remote": "origin"},
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))

	reqs := daemon.recorded()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/api/v1/agents/work-12-0-abc123/events", reqs[0].Path)
	assert.Equal(t, "git_push", reqs[0].Body["tool_name"])
	assert.Equal(t, false, reqs[0].Body["success"])
	assert.Equal(t, "remote rejected", reqs[0].Body["error_message"])
	params, ok := reqs[0].Body["parameters"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "origin", params["remote"])
}

func TestLogEventHandlerDefaultsSuccess(t *testing.T) {
	daemon := newFakeDaemon()
	daemon.respond("/api/v1/agents/work-12-0-abc123/events", http.StatusCreated, `{"id":"evt-2"}`)
	srv := httptest.NewServer(daemon)
	defer srv.Close()

	handler := logEventHandler(testConfig(srv.URL), logger.Default())
	res, err := handler(context.Background(), toolRequest("log_event",
		map[string]interface{}{"tool_name": "run_tests"}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))

	reqs := daemon.recorded()
	require.Len(t, reqs, 1)
	assert.Equal(t, true, reqs[0].Body["success"])
}

func TestGetStateHandler(t *testing.T) {
	daemon := newFakeDaemon()
	daemon.respond("/api/v1/agents/work-12-0-abc123/state", http.StatusOK,
		`{"phase":"working","review_count":1,"max_reviews":3,"last_activity":"2026-02-11T10:00:00Z"}`)
	daemon.respond("/api/v1/agents/work-12-0-abc123/events", http.StatusCreated, `{"id":"evt-3"}`)
	srv := httptest.NewServer(daemon)
	defer srv.Close()

	handler := getStateHandler(testConfig(srv.URL), logger.Default())
	res, err := handler(context.Background(), toolRequest("get_agent_state", nil))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))
	assert.Contains(t, resultText(t, res), "working")

	reqs := daemon.recorded()
	require.Len(t, reqs, 2)
	assert.Equal(t, http.MethodGet, reqs[0].Method)
	assert.Equal(t, "/api/v1/agents/work-12-0-abc123/state", reqs[0].Path)

	// The read lands in the event log too.
	assert.Equal(t, http.MethodPost, reqs[1].Method)
	assert.Equal(t, "/api/v1/agents/work-12-0-abc123/events", reqs[1].Path)
	assert.Equal(t, "get_agent_state", reqs[1].Body["tool_name"])
	result, ok := reqs[1].Body["result"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "working", result["phase"])
}

func TestRequestReviewHandler(t *testing.T) {
	daemon := newFakeDaemon()
	daemon.respond("/api/v1/agents/work-12-0-abc123/review", http.StatusCreated,
		`{"review_instance_id":"review-12-1-abc123","parent_instance_id":"work-12-0-abc123","iteration":1}`)
	daemon.respond("/api/v1/agents/work-12-0-abc123/events", http.StatusCreated, `{"id":"evt-4"}`)
	srv := httptest.NewServer(daemon)
	defer srv.Close()

	handler := requestReviewHandler(testConfig(srv.URL), logger.Default())
	res, err := handler(context.Background(), toolRequest("request_review",
		map[string]interface{}{"max_reviews": 5}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))
	assert.Contains(t, resultText(t, res), "review-12-1-abc123")

	reqs := daemon.recorded()
	require.Len(t, reqs, 2)
	assert.Equal(t, "/api/v1/agents/work-12-0-abc123/review", reqs[0].Path)
	assert.Equal(t, float64(5), reqs[0].Body["max_reviews"])

	assert.Equal(t, "/api/v1/agents/work-12-0-abc123/events", reqs[1].Path)
	assert.Equal(t, "request_review", reqs[1].Body["tool_name"])
	result, ok := reqs[1].Body["result"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "review-12-1-abc123", result["review_instance_id"])
}

func TestRequestReviewHandlerBudgetExhausted(t *testing.T) {
	daemon := newFakeDaemon()
	daemon.respond("/api/v1/agents/work-12-0-abc123/review", http.StatusConflict,
		`{"error":"max reviews reached","code":"MAX_REVIEWS_EXCEEDED"}`)
	srv := httptest.NewServer(daemon)
	defer srv.Close()

	handler := requestReviewHandler(testConfig(srv.URL), logger.Default())
	res, err := handler(context.Background(), toolRequest("request_review", nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "MAX_REVIEWS_EXCEEDED")

	// A rejected request is not mirrored as a successful call.
	require.Len(t, daemon.recorded(), 1)
}

func TestCallAPIUnreachableDaemon(t *testing.T) {
	handler := getStateHandler(testConfig("http://127.0.0.1:1"), logger.Default())
	res, err := handler(context.Background(), toolRequest("get_agent_state", nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}
