package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
	"github.com/hugo-lorenzo-mato/reqflow/internal/events"
	"github.com/hugo-lorenzo-mato/reqflow/internal/invoker"
	"github.com/hugo-lorenzo-mato/reqflow/internal/service/workflow"
	"github.com/hugo-lorenzo-mato/reqflow/internal/testutil"
	"github.com/hugo-lorenzo-mato/reqflow/internal/trigger"
)

type testServer struct {
	model    *testutil.MockModel
	store    *testutil.MemoryRunStore
	bus      *events.EventBus
	engine   *workflow.Engine
	listener *trigger.Listener
	server   *Server
}

func newTestServer(t *testing.T, withScheduler bool) *testServer {
	t.Helper()

	intake := testutil.NewTestWorkflow("intake",
		testutil.Task("extract", "analyst"),
		testutil.Task("write", "writer", "extract"),
	)
	intake.Description = "Turn a notice into requirements"
	hooked := testutil.NewTestWorkflow("hooked", testutil.Task("extract", "analyst"))
	hooked.Trigger = core.TriggerSpec{
		Source:    core.SourceWebhook,
		Condition: core.Condition{All: []core.Clause{{Field: "exchange", Op: core.OpEq, Value: "CME"}}},
	}

	ts := &testServer{
		model: testutil.NewMockModel(),
		store: testutil.NewMemoryRunStore(),
		bus:   events.New(64),
	}
	catalog := core.NewCatalog(
		[]*core.AgentDefinition{testutil.NewTestAgent("analyst"), testutil.NewTestAgent("writer")},
		[]*core.WorkflowDefinition{intake, hooked},
	)
	engine, err := workflow.NewEngine(workflow.Deps{
		Catalog: catalog,
		Invoker: invoker.New(ts.model, nil),
		Sinks:   testutil.NewRecordingSink(),
		Store:   ts.store,
		Bus:     ts.bus,
	})
	require.NoError(t, err)
	ts.engine = engine
	ts.listener = trigger.NewListener(catalog, trigger.Config{QueueSize: 4})

	if withScheduler {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = workflow.NewScheduler(engine, ts.listener.Requests(), 2, nil).Run(ctx)
		}()
		t.Cleanup(func() {
			cancel()
			<-done
		})
	}

	ts.server = NewServer(engine, ts.listener,
		WithRunStore(ts.store),
		WithEventBus(ts.bus),
		WithCORSOrigins([]string{"http://localhost:5173"}),
	)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, false)
	rec := ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]interface{}](t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 0, body["queued"])
}

func TestListAndGetWorkflows(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(t, http.MethodGet, "/api/v1/workflows", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]WorkflowSummary](t, rec)
	require.Len(t, list, 2)
	assert.Equal(t, core.WorkflowID("intake"), list[0].ID)
	assert.Equal(t, []core.TaskID{"extract", "write"}, list[0].Tasks)
	assert.Equal(t, core.SourceWebhook, list[1].Trigger)

	rec = ts.do(t, http.MethodGet, "/api/v1/workflows/intake", "")
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[WorkflowDetail](t, rec)
	assert.Equal(t, [][]core.TaskID{{"extract"}, {"write"}}, detail.Levels)
	assert.Equal(t, "Turn a notice into requirements", detail.Description)

	rec = ts.do(t, http.MethodGet, "/api/v1/workflows/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, core.CodeWorkflowNotFound, decode[errorBody](t, rec).Code)
}

func TestSubmitRun_RunsAndArchives(t *testing.T) {
	ts := newTestServer(t, true)

	rec := ts.do(t, http.MethodPost, "/api/v1/workflows/intake/runs",
		`{"document": "CME raises margins"}`, "Idempotency-Key", "notice-42")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	sub := decode[SubmitResponse](t, rec)
	assert.Equal(t, "notice-42", sub.Key)
	assert.Equal(t, []core.WorkflowID{"intake"}, sub.Queued)

	// A retried submission with the same key starts nothing.
	rec = ts.do(t, http.MethodPost, "/api/v1/workflows/intake/runs",
		`{"document": "CME raises margins"}`, "Idempotency-Key", "notice-42")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[SubmitResponse](t, rec).Duplicate)

	var runs RunList
	require.Eventually(t, func() bool {
		rec := ts.do(t, http.MethodGet, "/api/v1/runs?limit=10", "")
		runs = decode[RunList](t, rec)
		return len(runs.Recent) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, ts.model.Requests(), 2)

	run := runs.Recent[0]
	assert.Equal(t, core.RunStatusSucceeded, run.Status)

	rec = ts.do(t, http.MethodGet, "/api/v1/runs/"+string(run.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[core.RunSnapshot](t, rec)
	assert.Equal(t, core.WorkflowID("intake"), got.WorkflowID)
	assert.Equal(t, "CME raises margins", got.Payload["document"])
}

func TestSubmitRun_Errors(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(t, http.MethodPost, "/api/v1/workflows/missing/runs", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/workflows/intake/runs", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// No scheduler drains the queue, so it fills up.
	for i := 0; i < 4; i++ {
		rec = ts.do(t, http.MethodPost, "/api/v1/workflows/intake/runs", `{}`, "Idempotency-Key", "k"+string(rune('a'+i)))
		require.Equal(t, http.StatusAccepted, rec.Code)
	}
	rec = ts.do(t, http.MethodPost, "/api/v1/workflows/intake/runs", `{}`, "Idempotency-Key", "overflow")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, core.CodeQueueFull, decode[errorBody](t, rec).Code)
}

func TestSubmitRun_WithoutKeyIsNeverDuplicate(t *testing.T) {
	ts := newTestServer(t, false)

	for i := 0; i < 2; i++ {
		rec := ts.do(t, http.MethodPost, "/api/v1/workflows/intake/runs", `{"document": "same notice"}`)
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		assert.False(t, decode[SubmitResponse](t, rec).Duplicate)
	}
	assert.Equal(t, 2, ts.listener.Pending())
}

func TestPublishEvent_MatchesTriggers(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(t, http.MethodPost, "/api/v1/events",
		`{"key": "evt-1", "metadata": {"exchange": "CME"}, "payload": {"document": "x"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	res := decode[trigger.PublishResult](t, rec)
	assert.Equal(t, []core.WorkflowID{"hooked"}, res.Queued)

	rec = ts.do(t, http.MethodPost, "/api/v1/events",
		`{"key": "evt-2", "metadata": {"exchange": "ICE"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[trigger.PublishResult](t, rec).Queued)

	rec = ts.do(t, http.MethodPost, "/api/v1/events",
		`{"key": "evt-1", "metadata": {"exchange": "CME"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[trigger.PublishResult](t, rec).Duplicate)

	assert.Equal(t, 1, ts.listener.Pending())
}

func TestRuns_NotFoundAndCancel(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(t, http.MethodGet, "/api/v1/runs/unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/runs/unknown/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/runs?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelActiveRun(t *testing.T) {
	ts := newTestServer(t, false)
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	ts.model.WithInferFunc(func(ctx context.Context, _ core.InferRequest) (*core.InferResponse, error) {
		once.Do(func() { close(started) })
		<-release
		return &core.InferResponse{Text: "done"}, ctx.Err()
	})

	wf, err := ts.engine.Catalog().Workflow("intake")
	require.NoError(t, err)
	done := make(chan *core.RunContext, 1)
	go func() {
		run, _ := ts.engine.Run(context.Background(), wf, map[string]interface{}{"document": "x"}, workflow.WithRunID("run-cancel"))
		done <- run
	}()
	<-started

	rec := ts.do(t, http.MethodGet, "/api/v1/runs/run-cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, core.RunStatusRunning, decode[core.RunSnapshot](t, rec).Status)

	rec = ts.do(t, http.MethodPost, "/api/v1/runs/run-cancel/cancel", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	close(release)

	select {
	case run := <-done:
		assert.Equal(t, core.RunStatusCancelled, run.Status())
		assert.Equal(t, core.TaskStatusSkipped, run.TaskStatus("write"))
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after cancellation")
	}
}

func TestCORS(t *testing.T) {
	ts := newTestServer(t, false)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/workflows", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestEventStream(t *testing.T) {
	ts := newTestServer(t, false)
	srv := httptest.NewServer(ts.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: connected\n", line)
	_, _ = reader.ReadString('\n')
	_, _ = reader.ReadString('\n')

	ts.bus.Publish(events.NewRunStartedEvent("intake", "run-9", 2))
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: "+events.TypeRunStarted+"\n", line)
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, `"run_id":"run-9"`)
}
