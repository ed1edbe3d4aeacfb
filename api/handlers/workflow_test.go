package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/flowengine/store"
	"github.com/BaSui01/flowengine/testutil/mocks"
	"github.com/BaSui01/flowengine/types"
)

type startResult struct {
	Success bool `json:"success"`
	Data    struct {
		WorkflowID string   `json:"workflow_id"`
		Warnings   []string `json:"warnings"`
	} `json:"data"`
	Error *ErrorInfo `json:"error"`
}

type stateResult struct {
	Success bool                `json:"success"`
	Data    types.WorkflowState `json:"data"`
	Error   *ErrorInfo          `json:"error"`
}

func newTestServer(t *testing.T, provider *mocks.MockProvider, st store.WorkflowStore) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	h := NewWorkflowHandler(provider, mocks.NewTestRegistry(), st, nil, nil)
	h.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func startWorkflow(t *testing.T, srv *httptest.Server, body string) startResult {
	t.Helper()
	resp, err := http.Post(srv.URL+"/api/workflows", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out startResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.True(t, out.Success)
	require.NotEmpty(t, out.Data.WorkflowID)
	return out
}

func getState(t *testing.T, srv *httptest.Server, id string) stateResult {
	t.Helper()
	resp, err := http.Get(srv.URL + "/api/workflows/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out stateResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

// waitForTerminal polls the state endpoint until the run reaches a terminal
// status.
func waitForTerminal(t *testing.T, srv *httptest.Server, id string) types.WorkflowState {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		res := getState(t, srv, id)
		if res.Success && res.Data.Status.Terminal() {
			return res.Data
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("workflow %s never reached a terminal status", id)
	return types.WorkflowState{}
}

func TestStartAndGetWorkflow(t *testing.T) {
	provider := mocks.NewMockProvider().WithResponse("the final answer")
	srv := newTestServer(t, provider, nil)

	res := startWorkflow(t, srv, `{"message": "answer me", "config": {"max_steps": 5}}`)
	state := waitForTerminal(t, srv, res.Data.WorkflowID)

	assert.Equal(t, types.WorkflowDone, state.Status)
	assert.Equal(t, "the final answer", state.FinalAnswer)
	assert.Equal(t, "answer me", state.UserMessage)
}

func TestStartRejectsEmptyRequest(t *testing.T) {
	srv := newTestServer(t, mocks.NewMockProvider(), nil)

	resp, err := http.Post(srv.URL+"/api/workflows", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var out startResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.False(t, out.Success)
	require.NotNil(t, out.Error)
	assert.Contains(t, out.Error.Message, "message or graph")
}

func TestStartCompilesGraph(t *testing.T) {
	provider := mocks.NewMockProvider().WithResponse("graph step done")
	srv := newTestServer(t, provider, nil)

	res := startWorkflow(t, srv, `{
		"graph": {
			"name": "demo",
			"nodes": [
				{"id": "in", "type": "input", "config": {"text": "run the demo"}},
				{"id": "work", "type": "agent", "config": {"prompt": "do the work"}},
				{"id": "out", "type": "output"}
			],
			"edges": [
				{"source": "in", "target": "work"},
				{"source": "work", "target": "out"}
			]
		}
	}`)

	state := waitForTerminal(t, srv, res.Data.WorkflowID)
	assert.Equal(t, types.WorkflowDone, state.Status)
	assert.Equal(t, "run the demo", state.UserMessage)
	require.NotNil(t, state.Plan)
	require.Len(t, state.Plan.Steps, 1)
	assert.Equal(t, "work", state.Plan.Steps[0].ID)
	// Graph plans bypass the planner: one provider call for the single step.
	assert.Equal(t, 1, provider.GetCallCount())
}

func TestStartRejectsCyclicGraph(t *testing.T) {
	srv := newTestServer(t, mocks.NewMockProvider(), nil)

	body := `{
		"graph": {
			"nodes": [
				{"id": "a", "type": "agent", "config": {"prompt": "a"}},
				{"id": "b", "type": "agent", "config": {"prompt": "b"}}
			],
			"edges": [
				{"source": "a", "target": "b"},
				{"source": "b", "target": "a"}
			]
		}
	}`
	resp, err := http.Post(srv.URL+"/api/workflows", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var out startResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotNil(t, out.Error)
	assert.Equal(t, string(types.ErrCompileCycle), out.Error.Code)
}

func TestCancelWorkflow(t *testing.T) {
	provider := mocks.NewMockProvider().WithDelay(5 * time.Second)
	srv := newTestServer(t, provider, nil)

	res := startWorkflow(t, srv, `{"message": "slow task"}`)

	resp, err := http.Post(srv.URL+"/api/workflows/"+res.Data.WorkflowID+"/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	state := waitForTerminal(t, srv, res.Data.WorkflowID)
	assert.Equal(t, types.WorkflowCancelled, state.Status)
}

func TestCancelUnknownWorkflow(t *testing.T) {
	srv := newTestServer(t, mocks.NewMockProvider(), nil)

	resp, err := http.Post(srv.URL+"/api/workflows/ghost/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetFallsBackToStore(t *testing.T) {
	st := store.NewMemoryStore()
	persisted := &types.WorkflowState{
		ID:          "old-run",
		Status:      types.WorkflowDone,
		UserMessage: "finished long ago",
		StartedAt:   time.Now().Add(-time.Hour),
	}
	require.NoError(t, st.Save(context.Background(), persisted))

	srv := newTestServer(t, mocks.NewMockProvider(), st)

	res := getState(t, srv, "old-run")
	require.True(t, res.Success)
	assert.Equal(t, "finished long ago", res.Data.UserMessage)

	missing := getState(t, srv, "never-existed")
	assert.False(t, missing.Success)
}

func TestListWorkflows(t *testing.T) {
	st := store.NewMemoryStore()
	for i := 0; i < 3; i++ {
		require.NoError(t, st.Save(context.Background(), &types.WorkflowState{
			ID:        fmt.Sprintf("run-%d", i),
			Status:    types.WorkflowDone,
			StartedAt: time.Now().Add(time.Duration(i) * time.Minute),
		}))
	}
	srv := newTestServer(t, mocks.NewMockProvider(), st)

	resp, err := http.Get(srv.URL + "/api/workflows")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Success bool                   `json:"success"`
		Data    []*types.WorkflowState `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Data, 3)
	// Newest first.
	assert.Equal(t, "run-2", out.Data[0].ID)
}

func TestStreamEventsReplaysAndCloses(t *testing.T) {
	provider := mocks.NewMockProvider().WithResponse("streamed answer")
	srv := newTestServer(t, provider, nil)

	res := startWorkflow(t, srv, `{"message": "stream me"}`)
	// Let the run finish so the socket exercises history replay.
	waitForTerminal(t, srv, res.Data.WorkflowID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/workflows/" + res.Data.WorkflowID + "/events"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	var kinds []types.EventKind
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
			break
		}
		ev, err := types.DecodeStreamEvent(data)
		require.NoError(t, err)
		kinds = append(kinds, ev.Kind())
	}

	require.NotEmpty(t, kinds)
	assert.Equal(t, types.EventWorkflowStart, kinds[0])
	assert.Equal(t, types.EventWorkflowEnd, kinds[len(kinds)-1])
}

func TestStreamEventsUnknownWorkflow(t *testing.T) {
	srv := newTestServer(t, mocks.NewMockProvider(), nil)

	resp, err := http.Get(srv.URL + "/api/workflows/ghost/events")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
