package api

import (
	"net/http"
	"time"

	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
	"github.com/hugo-lorenzo-mato/reqflow/internal/trigger"
)

// handlePublishEvent accepts an external event and starts every workflow
// whose trigger matches it. Sources default to webhook.
func (s *Server) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	if s.listener == nil {
		s.respondError(w, http.StatusServiceUnavailable, "event intake is not enabled")
		return
	}

	var e trigger.Event
	if err := decodeBody(r, &e); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid event: "+err.Error())
		return
	}
	if e.Source == "" {
		e.Source = core.SourceWebhook
	}
	if e.Key == "" {
		e.Key = r.Header.Get("Idempotency-Key")
	}
	e.ReceivedAt = time.Now()

	res, err := s.listener.Publish(e)
	if err != nil {
		if len(res.Queued) > 0 {
			// Partially queued: report which workflows were dropped.
			s.respondJSON(w, http.StatusAccepted, res)
			return
		}
		s.respondDomainError(w, err)
		return
	}

	status := http.StatusAccepted
	if res.Duplicate || len(res.Queued) == 0 {
		status = http.StatusOK
	}
	s.respondJSON(w, status, res)
}
