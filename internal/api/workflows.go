package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
	"github.com/hugo-lorenzo-mato/reqflow/internal/service/workflow"
)

// WorkflowSummary describes a workflow in listings.
type WorkflowSummary struct {
	ID          core.WorkflowID `json:"id"`
	Description string          `json:"description,omitempty"`
	Trigger     string          `json:"trigger"`
	Tasks       []core.TaskID   `json:"tasks"`
}

// WorkflowDetail adds the execution plan to a summary.
type WorkflowDetail struct {
	WorkflowSummary
	Levels       [][]core.TaskID          `json:"levels"`
	Definition   *core.WorkflowDefinition `json:"definition"`
	Notification string                   `json:"notification_channel,omitempty"`
}

// SubmitResponse reports what happened to a run submission.
type SubmitResponse struct {
	Key       string            `json:"key"`
	Duplicate bool              `json:"duplicate"`
	Queued    []core.WorkflowID `json:"queued,omitempty"`
}

func summarize(wf *core.WorkflowDefinition) WorkflowSummary {
	return WorkflowSummary{
		ID:          wf.ID,
		Description: wf.Description,
		Trigger:     wf.Trigger.Source,
		Tasks:       wf.TaskIDs(),
	}
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, _ *http.Request) {
	workflows := s.engine.Catalog().ListWorkflows()
	out := make([]WorkflowSummary, 0, len(workflows))
	for _, wf := range workflows {
		out = append(out, summarize(wf))
	}
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	catalog := s.engine.Catalog()
	wf, err := catalog.Workflow(core.WorkflowID(chi.URLParam(r, "workflowID")))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	graph, err := workflow.CheckDefinition(catalog, wf)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, WorkflowDetail{
		WorkflowSummary: summarize(wf),
		Levels:          graph.Levels(),
		Definition:      wf,
		Notification:    wf.Notification.Channel,
	})
}

// handleSubmitRun queues a run. The Idempotency-Key header deduplicates
// retried submissions; the JSON body becomes the trigger payload.
func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	if s.listener == nil {
		s.respondError(w, http.StatusServiceUnavailable, "run submission is not enabled")
		return
	}

	payload := map[string]interface{}{}
	if err := decodeBody(r, &payload); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON payload: "+err.Error())
		return
	}

	wfID := core.WorkflowID(chi.URLParam(r, "workflowID"))
	res, err := s.listener.Submit(wfID, r.Header.Get("Idempotency-Key"), payload)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}

	status := http.StatusAccepted
	if res.Duplicate {
		status = http.StatusOK
	}
	s.respondJSON(w, status, SubmitResponse{Key: res.Key, Duplicate: res.Duplicate, Queued: res.Queued})
}

// decodeBody decodes a JSON body; an empty body leaves v unchanged.
func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
