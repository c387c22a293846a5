package testutil

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
)

// MockCall records a call to a mock.
type MockCall struct {
	Method    string
	Args      interface{}
	Timestamp time.Time
}

type callLog struct {
	calls []MockCall
	mu    sync.Mutex
}

func (l *callLog) record(method string, args interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, MockCall{Method: method, Args: args, Timestamp: time.Now()})
}

// Calls returns recorded calls.
func (l *callLog) Calls() []MockCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]MockCall{}, l.calls...)
}

// CallCount returns number of calls to a method.
func (l *callLog) CallCount(method string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	count := 0
	for _, c := range l.calls {
		if c.Method == method {
			count++
		}
	}
	return count
}

// Reset clears call history.
func (l *callLog) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = nil
}

// InferFunc answers one inference request.
type InferFunc func(ctx context.Context, req core.InferRequest) (*core.InferResponse, error)

type route struct {
	match string
	fn    InferFunc
}

// MockModel implements core.ModelClient for testing.
// Requests are routed by a substring of the system prompt, so one mock can
// play every agent of a workflow.
type MockModel struct {
	callLog
	inferFunc InferFunc
	routes    []route
	mu        sync.RWMutex
}

// NewMockModel creates a mock model that echoes the last turn.
func NewMockModel() *MockModel {
	return &MockModel{}
}

// Infer records the request and dispatches it.
func (m *MockModel) Infer(ctx context.Context, req core.InferRequest) (*core.InferResponse, error) {
	m.record("Infer", req)

	m.mu.RLock()
	fn := m.inferFunc
	for _, r := range m.routes {
		if strings.Contains(req.SystemPrompt, r.match) {
			fn = r.fn
			break
		}
	}
	m.mu.RUnlock()

	if fn != nil {
		return fn(ctx, req)
	}
	last := ""
	if n := len(req.Turns); n > 0 {
		last = req.Turns[n-1].Content
	}
	return &core.InferResponse{Text: fmt.Sprintf("Mock response for: %s", last), TokensIn: 100, TokensOut: 10}, nil
}

// WithInferFunc sets the default inference function.
func (m *MockModel) WithInferFunc(fn InferFunc) *MockModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inferFunc = fn
	return m
}

// WithResponse configures a fixed text response.
func (m *MockModel) WithResponse(text string) *MockModel {
	return m.WithInferFunc(func(context.Context, core.InferRequest) (*core.InferResponse, error) {
		return &core.InferResponse{Text: text, TokensIn: 100, TokensOut: len(text) / 4}, nil
	})
}

// WithError configures the mock to return an error.
func (m *MockModel) WithError(err error) *MockModel {
	return m.WithInferFunc(func(context.Context, core.InferRequest) (*core.InferResponse, error) {
		return nil, err
	})
}

// On routes requests whose system prompt contains match to fn.
func (m *MockModel) On(match string, fn InferFunc) *MockModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes = append(m.routes, route{match: match, fn: fn})
	return m
}

// OnText routes matching requests to a fixed text response.
func (m *MockModel) OnText(match, text string) *MockModel {
	return m.On(match, func(context.Context, core.InferRequest) (*core.InferResponse, error) {
		return &core.InferResponse{Text: text, TokensIn: 100, TokensOut: len(text) / 4}, nil
	})
}

// Script returns an InferFunc that replays steps in order, repeating the last.
// Each step is a string (text answer), an error, or a *core.InferResponse.
func Script(steps ...interface{}) InferFunc {
	var mu sync.Mutex
	next := 0
	return func(context.Context, core.InferRequest) (*core.InferResponse, error) {
		mu.Lock()
		step := steps[next]
		if next < len(steps)-1 {
			next++
		}
		mu.Unlock()

		switch s := step.(type) {
		case string:
			return &core.InferResponse{Text: s, TokensIn: 100, TokensOut: len(s) / 4}, nil
		case error:
			return nil, s
		case *core.InferResponse:
			return s, nil
		default:
			panic(fmt.Sprintf("testutil.Script: unsupported step %T", step))
		}
	}
}

// Requests returns every recorded inference request.
func (m *MockModel) Requests() []core.InferRequest {
	calls := m.Calls()
	out := make([]core.InferRequest, 0, len(calls))
	for _, c := range calls {
		if req, ok := c.Args.(core.InferRequest); ok {
			out = append(out, req)
		}
	}
	return out
}

// RequestsMatching returns the requests whose system prompt contains match.
func (m *MockModel) RequestsMatching(match string) []core.InferRequest {
	var out []core.InferRequest
	for _, req := range m.Requests() {
		if strings.Contains(req.SystemPrompt, match) {
			out = append(out, req)
		}
	}
	return out
}

// MockRetrieval implements core.RetrievalClient over in-memory collections.
type MockRetrieval struct {
	callLog
	collections map[string][]core.RetrievedPassage
	err         error
	mu          sync.RWMutex
}

// NewMockRetrieval creates an empty mock knowledge store.
func NewMockRetrieval() *MockRetrieval {
	return &MockRetrieval{collections: make(map[string][]core.RetrievedPassage)}
}

// Add stores passages in a collection.
func (m *MockRetrieval) Add(collection string, passages ...core.RetrievedPassage) *MockRetrieval {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range passages {
		p.Collection = collection
		m.collections[collection] = append(m.collections[collection], p)
	}
	return m
}

// WithError makes every search fail.
func (m *MockRetrieval) WithError(err error) *MockRetrieval {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// Search returns the stored passages scoring at least threshold, best first.
func (m *MockRetrieval) Search(_ context.Context, collection, query string, threshold float64) ([]core.RetrievedPassage, error) {
	m.record("Search", []string{collection, query})
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []core.RetrievedPassage
	for _, p := range m.collections[collection] {
		if p.Score >= threshold {
			out = append(out, p)
		}
	}
	core.SortPassages(out)
	return out, nil
}

// Notification is one message captured by RecordingNotifier.
type Notification struct {
	Channel    string
	Recipients []string
	Message    string
}

// RecordingNotifier implements core.Notifier and keeps every message.
type RecordingNotifier struct {
	sent []Notification
	err  error
	mu   sync.Mutex
}

// NewRecordingNotifier creates a notifier that records messages.
func NewRecordingNotifier() *RecordingNotifier {
	return &RecordingNotifier{}
}

// WithError makes Notify fail after recording.
func (n *RecordingNotifier) WithError(err error) *RecordingNotifier {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = err
	return n
}

// Notify records the message.
func (n *RecordingNotifier) Notify(_ context.Context, channel string, recipients []string, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, Notification{Channel: channel, Recipients: recipients, Message: message})
	return n.err
}

// Sent returns the recorded notifications.
func (n *RecordingNotifier) Sent() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification{}, n.sent...)
}

// Delivery is one payload captured by RecordingSink.
type Delivery struct {
	Payload     core.Output
	Destination core.Destination
}

// RecordingSink implements core.Sink and keeps every delivery.
type RecordingSink struct {
	deliveries []Delivery
	err        error
	mu         sync.Mutex
}

// NewRecordingSink creates a sink that records deliveries.
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{}
}

// WithError makes Deliver fail after recording.
func (s *RecordingSink) WithError(err error) *RecordingSink {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	return s
}

// Deliver records the payload.
func (s *RecordingSink) Deliver(_ context.Context, payload core.Output, dest core.Destination) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries = append(s.deliveries, Delivery{Payload: payload, Destination: dest})
	return s.err
}

// Deliveries returns the recorded deliveries.
func (s *RecordingSink) Deliveries() []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Delivery{}, s.deliveries...)
}

// MemoryRunStore implements core.RunStore in memory.
type MemoryRunStore struct {
	runs map[core.RunID]*core.RunSnapshot
	mu   sync.Mutex
}

// NewMemoryRunStore creates an empty run store.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[core.RunID]*core.RunSnapshot)}
}

// Save stores a snapshot.
func (s *MemoryRunStore) Save(_ context.Context, run *core.RunSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	return nil
}

// Get returns a stored snapshot.
func (s *MemoryRunStore) Get(_ context.Context, id core.RunID) (*core.RunSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, core.ErrNotFound("run", string(id))
	}
	return run, nil
}

// List returns the newest snapshots first.
func (s *MemoryRunStore) List(_ context.Context, limit int) ([]*core.RunSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*core.RunSnapshot, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ensure interfaces are implemented
var _ core.ModelClient = (*MockModel)(nil)
var _ core.RetrievalClient = (*MockRetrieval)(nil)
var _ core.Notifier = (*RecordingNotifier)(nil)
var _ core.Sink = (*RecordingSink)(nil)
var _ core.RunStore = (*MemoryRunStore)(nil)
