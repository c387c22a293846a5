package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/reqflow/internal/agentcontext"
	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
	"github.com/hugo-lorenzo-mato/reqflow/internal/events"
	"github.com/hugo-lorenzo-mato/reqflow/internal/invoker"
	"github.com/hugo-lorenzo-mato/reqflow/internal/logging"
	"github.com/hugo-lorenzo-mato/reqflow/internal/memory"
	"github.com/hugo-lorenzo-mato/reqflow/internal/notify"
	"github.com/hugo-lorenzo-mato/reqflow/internal/service"
	"github.com/hugo-lorenzo-mato/reqflow/internal/testutil"
)

var notice = map[string]interface{}{"document": "CME raises initial margin for equity futures"}

type harness struct {
	model    *testutil.MockModel
	sinks    *testutil.RecordingSink
	notifier *testutil.RecordingNotifier
	store    *testutil.MemoryRunStore
	bus      *events.EventBus
	engine   *Engine
}

func newHarness(t *testing.T, agents []*core.AgentDefinition, workflows ...*core.WorkflowDefinition) *harness {
	t.Helper()
	h := &harness{
		model:    testutil.NewMockModel(),
		sinks:    testutil.NewRecordingSink(),
		notifier: testutil.NewRecordingNotifier(),
		store:    testutil.NewMemoryRunStore(),
		bus:      events.New(256),
	}
	dispatcher := notify.NewDispatcher(logging.NewNop())
	dispatcher.Register("log", h.notifier)

	engine, err := NewEngine(Deps{
		Config: &Config{
			MaxParallel:       4,
			TaskTimeout:       2 * time.Second,
			ValidationRetries: 1,
			Retry: service.NewRetryPolicy(
				service.WithMaxRetries(2),
				service.WithBaseDelay(time.Millisecond),
				service.WithJitter(0),
			),
		},
		Catalog:  core.NewCatalog(agents, workflows),
		Invoker:  invoker.New(h.model, nil),
		Sinks:    h.sinks,
		Notifier: dispatcher,
		Store:    h.store,
		Bus:      h.bus,
	})
	require.NoError(t, err)
	h.engine = engine
	return h
}

func agents(ids ...string) []*core.AgentDefinition {
	out := make([]*core.AgentDefinition, len(ids))
	for i, id := range ids {
		out[i] = testutil.NewTestAgent(id)
	}
	return out
}

func notifyLog(wf *core.WorkflowDefinition) *core.WorkflowDefinition {
	wf.Notification = core.NotificationSpec{Channel: "log", Recipients: []string{"risk-team"}}
	return wf
}

func lastTurn(req core.InferRequest) core.Turn {
	return req.Turns[len(req.Turns)-1]
}

func TestNewEngine_RequiresCatalogAndInvoker(t *testing.T) {
	_, err := NewEngine(Deps{Invoker: invoker.New(testutil.NewMockModel(), nil)})
	assert.Error(t, err)
	_, err = NewEngine(Deps{Catalog: core.NewCatalog(nil, nil)})
	assert.Error(t, err)
}

func TestEngine_LinearChainDeliversOnce(t *testing.T) {
	report := testutil.Task("report", "writer", "assess")
	report.Outputs = []core.Destination{
		{Kind: core.DestinationSink, Sink: core.SinkFile, Target: "{{run_id}}/report"},
		{Kind: core.DestinationSink, Sink: core.SinkFile, Target: "{{run_id}}/report"},
	}
	wf := notifyLog(testutil.NewTestWorkflow("margin-review",
		testutil.Task("extract", "analyst"),
		testutil.Task("assess", "assessor", "extract"),
		report,
	))
	h := newHarness(t, agents("analyst", "assessor", "writer"), wf)

	run, err := h.engine.Run(context.Background(), wf, notice)
	require.NoError(t, err)

	assert.Equal(t, core.RunStatusSucceeded, run.Status())
	for _, id := range []core.TaskID{"extract", "assess", "report"} {
		assert.Equal(t, core.TaskStatusSucceeded, run.TaskStatus(id), "task %s", id)
	}

	// each task receives its upstream output as its input turn
	extract, _ := run.Output("extract")
	assessReqs := h.model.RequestsMatching("agent-assessor")
	require.Len(t, assessReqs, 1)
	assert.Equal(t, extract.String(), lastTurn(assessReqs[0]).Content)
	assert.Equal(t, core.TurnInput, lastTurn(assessReqs[0]).Kind)

	deliveries := h.sinks.Deliveries()
	require.Len(t, deliveries, 1, "identical destinations are delivered once")
	out, _ := run.Output("report")
	assert.Equal(t, out, deliveries[0].Payload)
	require.Len(t, run.Deliveries(), 1)
	assert.Empty(t, run.Deliveries()[0].Error)

	sent := h.notifier.Sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Message, "succeeded (3/3 tasks)")
	assert.Equal(t, []string{"risk-team"}, sent[0].Recipients)

	archived, err := h.store.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusSucceeded, archived.Status)
}

func TestEngine_DiamondPartialFailure(t *testing.T) {
	// a -> (b, c) -> d, plus e depending only on c
	d := testutil.Task("d", "delta", "b", "c")
	wf := notifyLog(testutil.NewTestWorkflow("diamond",
		testutil.Task("a", "alpha"),
		testutil.Task("b", "bravo", "a"),
		testutil.Task("c", "charlie", "a"),
		d,
		testutil.Task("e", "echo", "c"),
	))
	h := newHarness(t, agents("alpha", "bravo", "charlie", "delta", "echo"), wf)
	h.model.On("agent-bravo", func(context.Context, core.InferRequest) (*core.InferResponse, error) {
		return nil, core.ErrFatal(core.CodeAgentFailed, "provider rejected the prompt")
	})

	run, err := h.engine.Run(context.Background(), wf, notice)
	require.NoError(t, err)

	assert.Equal(t, core.RunStatusFailed, run.Status())
	assert.Equal(t, core.TaskStatusSucceeded, run.TaskStatus("a"))
	assert.Equal(t, core.TaskStatusFailed, run.TaskStatus("b"))
	assert.Equal(t, core.TaskStatusSucceeded, run.TaskStatus("c"))
	assert.Equal(t, core.TaskStatusSkipped, run.TaskStatus("d"))
	assert.Equal(t, core.TaskStatusSucceeded, run.TaskStatus("e"), "independent branch keeps running")

	assert.Empty(t, h.model.RequestsMatching("agent-delta"))
	assert.Len(t, h.model.RequestsMatching("agent-bravo"), 1, "non-retryable errors are not retried")

	failed, failure := run.Failure()
	assert.Equal(t, core.TaskID("b"), failed)
	assert.Equal(t, core.CodeAgentFailed, core.ErrorKind(failure))

	sent := h.notifier.Sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Message, "task b failed with AGENT_FAILED")
}

func TestEngine_TransientErrorRetried(t *testing.T) {
	wf := testutil.NewTestWorkflow("retry", testutil.Task("a", "alpha"))
	h := newHarness(t, agents("alpha"), wf)
	h.model.On("agent-alpha", testutil.Script(core.ErrRateLimit("slow down"), "margin summary"))
	retries := h.bus.Subscribe(events.TypeTaskRetry)

	run, err := h.engine.Run(context.Background(), wf, notice)
	require.NoError(t, err)

	assert.Equal(t, core.RunStatusSucceeded, run.Status())
	state, _ := run.Task("a")
	assert.Equal(t, 2, state.Attempts)

	select {
	case ev := <-retries:
		retry := ev.(events.TaskRetryEvent)
		assert.Equal(t, core.CodeRateLimited, retry.ErrorKind)
		assert.False(t, retry.Corrective)
	default:
		t.Fatal("expected a retry event")
	}
}

func TestEngine_TransientRetriesExhausted(t *testing.T) {
	wf := testutil.NewTestWorkflow("retry", testutil.Task("a", "alpha"))
	h := newHarness(t, agents("alpha"), wf)
	h.model.WithError(core.ErrRateLimit("slow down"))

	run, err := h.engine.Run(context.Background(), wf, notice)
	require.NoError(t, err)

	assert.Equal(t, core.RunStatusFailed, run.Status())
	assert.Len(t, h.model.Requests(), 3, "first attempt plus two retries")
	state, _ := run.Task("a")
	assert.Equal(t, core.CodeRateLimited, state.ErrorKind)
}

func TestEngine_TaskRetryOverride(t *testing.T) {
	task := testutil.Task("a", "alpha")
	task.Retry = &core.RetryConfig{MaxRetries: 0}
	wf := testutil.NewTestWorkflow("retry", task)
	h := newHarness(t, agents("alpha"), wf)
	h.model.WithError(core.ErrRateLimit("slow down"))

	run, err := h.engine.Run(context.Background(), wf, notice)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusFailed, run.Status())
	assert.Len(t, h.model.Requests(), 1)
}

func summaryAgent() *core.AgentDefinition {
	return testutil.NewTestAgent("summarizer", func(a *core.AgentDefinition) {
		a.Output = core.OutputContract{Kind: core.ContractSchema, Schema: &core.Schema{
			Type:       "object",
			Required:   []string{"summary"},
			Properties: map[string]*core.Schema{"summary": {Type: "string"}},
		}}
	})
}

func TestEngine_ValidationRetryAddsCorrectiveTurn(t *testing.T) {
	wf := testutil.NewTestWorkflow("validate", testutil.Task("a", "summarizer"))
	h := newHarness(t, []*core.AgentDefinition{summaryAgent()}, wf)
	h.model.WithInferFunc(testutil.Script(`{"headline": "margins up"}`, `{"summary": "margins up"}`))

	run, err := h.engine.Run(context.Background(), wf, notice)
	require.NoError(t, err)
	require.Equal(t, core.RunStatusSucceeded, run.Status())

	out, ok := run.Output("a")
	require.True(t, ok)
	assert.Equal(t, "margins up", out.Data["summary"])

	reqs := h.model.Requests()
	require.Len(t, reqs, 2)
	assert.Contains(t, reqs[0].SystemPrompt, "JSON schema")

	second := reqs[1].Turns
	require.GreaterOrEqual(t, len(second), 3)
	rejected := second[len(second)-3]
	assert.Equal(t, core.RoleAssistant, rejected.Role)
	assert.Equal(t, `{"headline": "margins up"}`, rejected.Content)
	correction := second[len(second)-2]
	assert.Equal(t, core.RoleUser, correction.Role)
	assert.Equal(t, core.TurnCorrect, correction.Kind)
	assert.Contains(t, correction.Content, "summary")
	assert.Equal(t, core.TurnInput, lastTurn(reqs[1]).Kind)
}

func requestTokens(req core.InferRequest) int {
	return memory.EstimateTokens(req.SystemPrompt) + memory.TurnOverhead + memory.TurnsTokens(req.Turns)
}

func TestEngine_CorrectiveRetryStaysWithinBudget(t *testing.T) {
	agent := summaryAgent()
	agent.Model.ContextTokens = 300
	wf := testutil.NewTestWorkflow("validate", testutil.Task("a", "summarizer"))
	h := newHarness(t, []*core.AgentDefinition{agent}, wf)
	h.model.WithInferFunc(testutil.Script(strings.Repeat("x", 3200), `{"summary": "margins up"}`))

	run, err := h.engine.Run(context.Background(), wf, notice)
	require.NoError(t, err)
	require.Equal(t, core.RunStatusSucceeded, run.Status())

	reqs := h.model.Requests()
	require.Len(t, reqs, 2)
	assert.LessOrEqual(t, requestTokens(reqs[1]), 300)

	second := reqs[1].Turns
	assert.Equal(t, core.TurnInput, lastTurn(reqs[1]).Kind)
	correction := second[len(second)-2]
	assert.Equal(t, core.TurnCorrect, correction.Kind)
	assert.Equal(t, core.RoleUser, correction.Role)
	for _, turn := range second {
		if turn.Role == core.RoleAssistant {
			assert.Less(t, len(turn.Content), 3200, "rejected answer is shortened")
		}
	}
}

func TestEngine_RetrievalTimeoutRetriedThenFails(t *testing.T) {
	agent := testutil.NewTestAgent("alpha", func(a *core.AgentDefinition) {
		a.Tools = map[string]core.ToolBinding{"kb": {Kind: core.ToolKindRetrieval, Collection: "notices"}}
	})
	wf := testutil.NewTestWorkflow("retrieve", testutil.Task("a", "alpha"))
	h := newHarness(t, []*core.AgentDefinition{agent}, wf)
	retriever := testutil.NewMockRetrieval().WithError(&core.RetrievalTimeoutError{Collection: "notices", Timeout: time.Second})
	h.engine.builder = agentcontext.NewBuilder(retriever, nil)

	run, err := h.engine.Run(context.Background(), wf, notice)
	require.NoError(t, err)

	assert.Equal(t, core.RunStatusFailed, run.Status())
	state, _ := run.Task("a")
	assert.Equal(t, 3, state.Attempts, "first attempt plus two retries")
	assert.Equal(t, core.CodeRetrievalTimeout, state.ErrorKind)
	assert.Equal(t, 3, retriever.CallCount("Search"))
	assert.Empty(t, h.model.Requests(), "the model is never called without its context")
}

func TestEngine_ValidationRetriesExhausted(t *testing.T) {
	wf := testutil.NewTestWorkflow("validate", testutil.Task("a", "summarizer"))
	h := newHarness(t, []*core.AgentDefinition{summaryAgent()}, wf)
	h.model.WithResponse(`{"headline": "margins up"}`)

	run, err := h.engine.Run(context.Background(), wf, notice)
	require.NoError(t, err)

	assert.Equal(t, core.RunStatusFailed, run.Status())
	assert.Len(t, h.model.Requests(), 2, "one corrective retry, transient budget untouched")
	state, _ := run.Task("a")
	assert.Equal(t, core.CodeSchemaViolation, state.ErrorKind)
}

func TestEngine_TaskTimeout(t *testing.T) {
	task := testutil.Task("a", "alpha")
	task.Timeout = 20 * time.Millisecond
	task.Retry = &core.RetryConfig{MaxRetries: 0}
	wf := testutil.NewTestWorkflow("slow", task)
	h := newHarness(t, agents("alpha"), wf)
	h.model.WithInferFunc(func(ctx context.Context, _ core.InferRequest) (*core.InferResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	run, err := h.engine.Run(context.Background(), wf, notice)
	require.NoError(t, err)

	assert.Equal(t, core.RunStatusFailed, run.Status())
	_, failure := run.Failure()
	var timeout *core.TaskTimeoutError
	require.True(t, errors.As(failure, &timeout), "got %v", failure)
	assert.Equal(t, core.TaskID("a"), timeout.Task)
	assert.Equal(t, 20*time.Millisecond, timeout.Timeout)
}

func TestEngine_DefinitionErrorsAbortBeforeAgentCalls(t *testing.T) {
	tests := []struct {
		name  string
		tasks []core.TaskDefinition
		kind  string
	}{
		{
			name: "input from a sibling task",
			tasks: func() []core.TaskDefinition {
				b := testutil.Task("b", "alpha", "a")
				b.Input = core.InputSource{Kind: core.InputTask, Task: "c"}
				return []core.TaskDefinition{testutil.Task("a", "alpha"), b, testutil.Task("c", "alpha", "a")}
			}(),
			kind: core.CodeUnresolvedInput,
		},
		{
			name:  "cycle",
			tasks: []core.TaskDefinition{testutil.Task("a", "alpha", "b"), testutil.Task("b", "alpha", "a")},
			kind:  core.CodeDAGCycle,
		},
		{
			name:  "unknown dependency",
			tasks: []core.TaskDefinition{testutil.Task("a", "alpha"), testutil.Task("b", "alpha", "extrct")},
			kind:  core.CodeUnknownDependency,
		},
		{
			name:  "unknown agent",
			tasks: []core.TaskDefinition{testutil.Task("a", "ghost")},
			kind:  core.CodeUnknownAgent,
		},
		{
			name: "include of a non-dependency",
			tasks: func() []core.TaskDefinition {
				b := testutil.Task("b", "alpha", "a")
				b.Input.Include = []core.TaskID{"b"}
				return []core.TaskDefinition{testutil.Task("a", "alpha"), b}
			}(),
			kind: core.CodeUnresolvedInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf := notifyLog(testutil.NewTestWorkflow("broken", tt.tasks...))
			h := newHarness(t, agents("alpha"), wf)

			run, err := h.engine.Run(context.Background(), wf, notice)
			require.Error(t, err)
			assert.True(t, core.IsDefinitionError(err), "got %v", err)
			assert.Equal(t, tt.kind, core.ErrorKind(err))

			assert.Zero(t, h.model.CallCount("Infer"))
			assert.Equal(t, core.RunStatusFailed, run.Status())
			for _, id := range run.Snapshot().TaskOrder {
				assert.NotEqual(t, core.TaskStatusPending, run.TaskStatus(id))
			}

			sent := h.notifier.Sent()
			require.Len(t, sent, 1)
			assert.Contains(t, sent[0].Message, tt.kind)
		})
	}
}

func TestEngine_CancelLetsInFlightTaskFinish(t *testing.T) {
	wf := notifyLog(testutil.NewTestWorkflow("cancel",
		testutil.Task("a", "alpha"),
		testutil.Task("b", "bravo", "a"),
	))
	h := newHarness(t, agents("alpha", "bravo"), wf)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.model.On("agent-alpha", func(ctx context.Context, _ core.InferRequest) (*core.InferResponse, error) {
		once.Do(func() { close(started) })
		<-release
		return &core.InferResponse{Text: "extracted", TokensIn: 10, TokensOut: 2}, ctx.Err()
	})

	done := make(chan *core.RunContext, 1)
	go func() {
		run, _ := h.engine.Run(context.Background(), wf, notice, WithRunID("run-cancel"))
		done <- run
	}()

	<-started
	active := h.engine.Active()
	require.Len(t, active, 1)
	assert.Equal(t, core.RunID("run-cancel"), active[0].ID)

	require.NoError(t, h.engine.Cancel("run-cancel"))
	close(release)

	var run *core.RunContext
	select {
	case run = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after cancellation")
	}

	assert.Equal(t, core.RunStatusCancelled, run.Status())
	assert.Equal(t, core.TaskStatusSucceeded, run.TaskStatus("a"), "in-flight attempt completes")
	assert.Equal(t, core.TaskStatusSkipped, run.TaskStatus("b"))
	assert.Empty(t, h.model.RequestsMatching("agent-bravo"))

	sent := h.notifier.Sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Message, "was cancelled")

	assert.Empty(t, h.engine.Active())
	var nf *core.DomainError
	require.True(t, errors.As(h.engine.Cancel("run-cancel"), &nf))
	assert.Equal(t, core.CodeRunNotFound, nf.Code)
}

func TestEngine_CancelAfterLastTaskKeepsOutcome(t *testing.T) {
	wf := notifyLog(testutil.NewTestWorkflow("late", testutil.Task("a", "alpha")))
	h := newHarness(t, agents("alpha"), wf)
	h.model.WithInferFunc(func(_ context.Context, _ core.InferRequest) (*core.InferResponse, error) {
		assert.NoError(t, h.engine.Cancel("run-late"))
		return &core.InferResponse{Text: "margin summary"}, nil
	})

	run, err := h.engine.Run(context.Background(), wf, notice, WithRunID("run-late"))
	require.NoError(t, err)

	assert.Equal(t, core.RunStatusSucceeded, run.Status())
	assert.Equal(t, core.TaskStatusSucceeded, run.TaskStatus("a"))
	require.Len(t, h.notifier.Sent(), 1)
}

func TestEngine_MemoryCarriesAcrossTasksOfOneAgent(t *testing.T) {
	scribe := testutil.NewTestAgent("scribe", func(a *core.AgentDefinition) {
		a.Memory = core.MemoryPolicy{Kind: core.MemoryBuffer, MaxTokens: 2000}
	})
	wf := testutil.NewTestWorkflow("memory",
		testutil.Task("draft", "scribe"),
		testutil.Task("revise", "scribe", "draft"),
	)
	h := newHarness(t, []*core.AgentDefinition{scribe}, wf)

	run, err := h.engine.Run(context.Background(), wf, notice)
	require.NoError(t, err)
	require.Equal(t, core.RunStatusSucceeded, run.Status())

	reqs := h.model.Requests()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[0].Turns, 1)

	var memoryTurns []core.Turn
	for _, turn := range reqs[1].Turns {
		if turn.Kind == core.TurnMemory {
			memoryTurns = append(memoryTurns, turn)
		}
	}
	require.Len(t, memoryTurns, 2)
	assert.Equal(t, notice["document"], memoryTurns[0].Content)
	assert.Equal(t, core.RoleAssistant, memoryTurns[1].Role)

	// a second run starts with empty memory
	_, err = h.engine.Run(context.Background(), wf, notice)
	require.NoError(t, err)
	assert.Len(t, h.model.Requests()[2].Turns, 1)
}

func TestEngine_SinkFailureDoesNotFailRun(t *testing.T) {
	task := testutil.Task("a", "alpha")
	task.Outputs = []core.Destination{{Kind: core.DestinationSink, Sink: core.SinkStdout}}
	wf := testutil.NewTestWorkflow("sink", task)
	h := newHarness(t, agents("alpha"), wf)
	h.sinks.WithError(errors.New("disk full"))

	run, err := h.engine.Run(context.Background(), wf, notice)
	require.NoError(t, err)

	assert.Equal(t, core.RunStatusSucceeded, run.Status())
	deliveries := run.Deliveries()
	require.Len(t, deliveries, 1)
	assert.Contains(t, deliveries[0].Error, "disk full")
	assert.Equal(t, core.SinkStdout, deliveries[0].Destination)
}

func TestEngine_PublishesRunAndTaskEvents(t *testing.T) {
	wf := testutil.NewTestWorkflow("events", testutil.Task("a", "alpha"), testutil.Task("b", "bravo", "a"))
	h := newHarness(t, agents("alpha", "bravo"), wf)
	ch := h.bus.Subscribe()

	run, err := h.engine.Run(context.Background(), wf, notice)
	require.NoError(t, err)

	var types []string
	for len(ch) > 0 {
		ev := <-ch
		assert.Equal(t, string(run.ID), ev.RunID())
		types = append(types, ev.EventType())
	}
	assert.Equal(t, []string{
		events.TypeRunStarted,
		events.TypeTaskStarted, events.TypeTaskCompleted,
		events.TypeTaskStarted, events.TypeTaskCompleted,
		events.TypeRunCompleted,
	}, types)
}

func TestEngine_MetricsCollected(t *testing.T) {
	wf := testutil.NewTestWorkflow("metrics", testutil.Task("a", "alpha"), testutil.Task("b", "bravo", "a"))
	h := newHarness(t, agents("alpha", "bravo"), wf)
	metrics := service.NewMetricsCollector()

	_, err := h.engine.Run(context.Background(), wf, notice, WithMetrics(metrics))
	require.NoError(t, err)

	rm := metrics.RunMetrics()
	assert.Equal(t, 2, rm.TasksSucceeded)
	assert.Equal(t, 200, rm.TotalTokensIn)
	assert.Equal(t, 20, rm.TotalTokensOut)
}
