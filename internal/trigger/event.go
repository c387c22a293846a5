// Package trigger turns external events into run requests: it deduplicates
// events, matches them against workflow triggers, and queues the resulting runs.
package trigger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
)

// Event is an external occurrence that may start workflow runs.
type Event struct {
	Source     string                 `json:"source"`
	Key        string                 `json:"key,omitempty"`
	Metadata   map[string]string      `json:"metadata,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	ReceivedAt time.Time              `json:"received_at"`
}

// IdempotencyKey returns the event's key, deriving one from the source and
// payload when the producer supplied none.
func (e Event) IdempotencyKey() string {
	if e.Key != "" {
		return e.Key
	}
	// encoding/json sorts map keys, so equal payloads hash equally.
	body, err := json.Marshal(e.Payload)
	if err != nil {
		body = []byte(fmt.Sprintf("%v", e.Payload))
	}
	sum := sha256.New()
	sum.Write([]byte(e.Source))
	sum.Write([]byte{0})
	sum.Write(body)
	return hex.EncodeToString(sum.Sum(nil))
}

// RunPayload is the trigger payload handed to a run: the event payload plus
// any metadata fields the payload does not already define.
func (e Event) RunPayload() map[string]interface{} {
	payload := make(map[string]interface{}, len(e.Payload)+len(e.Metadata))
	for k, v := range e.Metadata {
		payload[k] = v
	}
	for k, v := range e.Payload {
		payload[k] = v
	}
	return payload
}

// RunRequest asks the scheduler to start one run of a workflow.
type RunRequest struct {
	WorkflowID core.WorkflowID
	Key        string
	Event      Event
	Payload    map[string]interface{}
}

// PublishResult reports what happened to a published event.
type PublishResult struct {
	Key       string            `json:"key"`
	Duplicate bool              `json:"duplicate"`
	Queued    []core.WorkflowID `json:"queued,omitempty"`
	Dropped   []core.WorkflowID `json:"dropped,omitempty"`
}
