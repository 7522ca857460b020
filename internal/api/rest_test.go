package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ambientworks/capsuled/internal/executor"
	"github.com/ambientworks/capsuled/internal/lifecycle"
	"github.com/ambientworks/capsuled/internal/registry"
	"github.com/ambientworks/capsuled/internal/storage"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store, err := storage.NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := registry.New()
	exec := executor.New(reg, store, nil, nil, executor.Options{
		DeviceID:          "dev-1",
		ShardCount:        2,
		MaxActiveCapsules: 100,
		ResultRetention:   time.Minute,
	}, zaptest.NewLogger(t))
	exec.Start()
	t.Cleanup(exec.Shutdown)

	mgr := lifecycle.New(reg, exec, lifecycle.Options{OperationTimeout: time.Second}, zaptest.NewLogger(t))
	srv := httptest.NewServer(NewHTTPHandler(mgr, zaptest.NewLogger(t)))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, srv *httptest.Server, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func getJSON(t *testing.T, srv *httptest.Server, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func createCapsule(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp, body := postJSON(t, srv, "/create", map[string]any{"agent_id": "agent-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)
	return id
}

func TestPing(t *testing.T) {
	srv := newTestServer(t)

	resp, body := getJSON(t, srv, "/ping")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pong from capsuled", body["msg"])
}

func TestCreateAndGet(t *testing.T) {
	srv := newTestServer(t)
	id := createCapsule(t, srv)

	resp, body := getJSON(t, srv, "/get?id="+id)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, body["id"])
	assert.Equal(t, "active", body["state"])
	assert.Equal(t, "agent-1", body["owner_agent_id"])
}

func TestCreateRequiresAgentID(t *testing.T) {
	srv := newTestServer(t)

	resp, body := postJSON(t, srv, "/create", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "agent_id")
}

func TestGetUnknownCapsuleIs404WithCode(t *testing.T) {
	srv := newTestServer(t)

	resp, body := getJSON(t, srv, "/get?id=no-such")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", body["code"])
}

func TestLifecycleActions(t *testing.T) {
	srv := newTestServer(t)
	id := createCapsule(t, srv)

	for _, step := range []struct {
		path, state string
	}{
		{"/pause", "paused"},
		{"/activate", "active"},
		{"/suspend", "suspended"},
		{"/activate", "active"},
		{"/terminate", "terminated"},
	} {
		resp, _ := postJSON(t, srv, step.path, map[string]any{"id": id})
		require.Equal(t, http.StatusOK, resp.StatusCode, "step %s", step.path)

		_, body := getJSON(t, srv, "/get?id="+id)
		assert.Equal(t, step.state, body["state"], "after %s", step.path)
	}
}

func TestIllegalTransitionIs400WithValidationCode(t *testing.T) {
	srv := newTestServer(t)
	id := createCapsule(t, srv)

	resp, _ := postJSON(t, srv, "/terminate", map[string]any{"id": id})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := postJSON(t, srv, "/activate", map[string]any{"id": id})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION", body["code"])
}

func TestListFiltersByState(t *testing.T) {
	srv := newTestServer(t)
	a := createCapsule(t, srv)
	b := createCapsule(t, srv)

	resp, _ := postJSON(t, srv, "/pause", map[string]any{"id": b})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, body := getJSON(t, srv, "/list?state=active")
	capsules, ok := body["capsules"].([]any)
	require.True(t, ok)
	require.Len(t, capsules, 1)
	assert.Equal(t, a, capsules[0].(map[string]any)["id"])

	resp, _ = getJSON(t, srv, "/list?state=bogus")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestForkReturnsNewID(t *testing.T) {
	srv := newTestServer(t)
	id := createCapsule(t, srv)

	resp, body := postJSON(t, srv, "/fork", map[string]any{"id": id})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	newID, _ := body["new_id"].(string)
	require.NotEmpty(t, newID)
	require.NotEqual(t, id, newID)

	_, child := getJSON(t, srv, "/get?id="+newID)
	assert.Equal(t, "active", child["state"])
}

func TestMigrateRequiresTargetDevice(t *testing.T) {
	srv := newTestServer(t)
	id := createCapsule(t, srv)

	resp, body := postJSON(t, srv, "/migrate", map[string]any{"id": id})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "target_device")
}

func TestOpResultUnknownID(t *testing.T) {
	srv := newTestServer(t)

	resp, body := getJSON(t, srv, "/op?id=missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", body["code"])
}

func TestActionRequiresID(t *testing.T) {
	srv := newTestServer(t)

	resp, body := postJSON(t, srv, "/suspend", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "id required")
}
