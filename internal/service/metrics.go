package service

import (
	"sort"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
)

// MetricsCollector aggregates token usage and timing for one run.
type MetricsCollector struct {
	run    RunMetrics
	tasks  map[core.TaskID]*TaskMetrics
	agents map[core.AgentID]*AgentMetrics
	mu     sync.RWMutex
}

// RunMetrics holds run-level totals.
type RunMetrics struct {
	StartTime      time.Time     `json:"start_time"`
	EndTime        time.Time     `json:"end_time"`
	TotalDuration  time.Duration `json:"total_duration"`
	TotalTokensIn  int           `json:"total_tokens_in"`
	TotalTokensOut int           `json:"total_tokens_out"`
	TasksTotal     int           `json:"tasks_total"`
	TasksSucceeded int           `json:"tasks_succeeded"`
	TasksFailed    int           `json:"tasks_failed"`
	TasksSkipped   int           `json:"tasks_skipped"`
	RetriesTotal   int           `json:"retries_total"`
	ToolCalls      int           `json:"tool_calls"`
}

// TaskMetrics holds task-level metrics.
type TaskMetrics struct {
	TaskID    core.TaskID   `json:"task_id"`
	Agent     core.AgentID  `json:"agent"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	TokensIn  int           `json:"tokens_in"`
	TokensOut int           `json:"tokens_out"`
	ToolCalls int           `json:"tool_calls"`
	Retries   int           `json:"retries"`
	Success   bool          `json:"success"`
	ErrorKind string        `json:"error_kind,omitempty"`
}

// AgentMetrics holds agent-level metrics across the tasks of a run.
type AgentMetrics struct {
	Agent          core.AgentID  `json:"agent"`
	Invocations    int           `json:"invocations"`
	TotalTokensIn  int           `json:"total_tokens_in"`
	TotalTokensOut int           `json:"total_tokens_out"`
	TotalDuration  time.Duration `json:"total_duration"`
	Errors         int           `json:"errors"`
}

// Usage is what one successful invocation consumed.
type Usage struct {
	TokensIn  int
	TokensOut int
	ToolCalls int
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		tasks:  make(map[core.TaskID]*TaskMetrics),
		agents: make(map[core.AgentID]*AgentMetrics),
	}
}

// StartRun marks run start.
func (m *MetricsCollector) StartRun() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.run.StartTime = time.Now()
}

// EndRun marks run end.
func (m *MetricsCollector) EndRun() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.run.EndTime = time.Now()
	m.run.TotalDuration = m.run.EndTime.Sub(m.run.StartTime)
}

// StartTask starts tracking a task.
func (m *MetricsCollector) StartTask(taskID core.TaskID, agent core.AgentID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[taskID] = &TaskMetrics{TaskID: taskID, Agent: agent, StartTime: time.Now()}
	m.run.TasksTotal++
}

// EndTask ends tracking a task. usage may be nil when the task never got a response.
func (m *MetricsCollector) EndTask(taskID core.TaskID, usage *Usage, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tm, ok := m.tasks[taskID]
	if !ok {
		return
	}
	tm.EndTime = time.Now()
	tm.Duration = tm.EndTime.Sub(tm.StartTime)

	am, ok := m.agents[tm.Agent]
	if !ok {
		am = &AgentMetrics{Agent: tm.Agent}
		m.agents[tm.Agent] = am
	}
	am.Invocations++
	am.TotalDuration += tm.Duration

	if usage != nil {
		tm.TokensIn = usage.TokensIn
		tm.TokensOut = usage.TokensOut
		tm.ToolCalls = usage.ToolCalls
		m.run.TotalTokensIn += usage.TokensIn
		m.run.TotalTokensOut += usage.TokensOut
		m.run.ToolCalls += usage.ToolCalls
		am.TotalTokensIn += usage.TokensIn
		am.TotalTokensOut += usage.TokensOut
	}

	if err != nil {
		tm.ErrorKind = core.ErrorKind(err)
		m.run.TasksFailed++
		am.Errors++
		return
	}
	tm.Success = true
	m.run.TasksSucceeded++
}

// RecordRetry records a task retry.
func (m *MetricsCollector) RecordRetry(taskID core.TaskID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tm, ok := m.tasks[taskID]; ok {
		tm.Retries++
	}
	m.run.RetriesTotal++
}

// RecordSkipped records a skipped task.
func (m *MetricsCollector) RecordSkipped(_ core.TaskID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.run.TasksSkipped++
}

// RunMetrics returns run totals.
func (m *MetricsCollector) RunMetrics() RunMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.run
}

// TaskMetrics returns metrics for a specific task.
func (m *MetricsCollector) TaskMetrics(taskID core.TaskID) (TaskMetrics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tm, ok := m.tasks[taskID]
	if !ok {
		return TaskMetrics{}, false
	}
	return *tm, true
}

// AllTaskMetrics returns metrics for every tracked task ordered by start time.
func (m *MetricsCollector) AllTaskMetrics() []TaskMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TaskMetrics, 0, len(m.tasks))
	for _, tm := range m.tasks {
		out = append(out, *tm)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out
}

// AgentMetrics returns metrics for all agents.
func (m *MetricsCollector) AgentMetrics() map[core.AgentID]AgentMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[core.AgentID]AgentMetrics, len(m.agents))
	for k, v := range m.agents {
		out[k] = *v
	}
	return out
}
