package events

// Event type constants for trigger events.
const (
	TypeTriggerAccepted  = "trigger_accepted"
	TypeTriggerDuplicate = "trigger_duplicate"
	TypeTriggerDropped   = "trigger_dropped"
)

// TriggerEvent reports what the listener did with an incoming event.
type TriggerEvent struct {
	BaseEvent
	Source string `json:"source"`
	Key    string `json:"key"`
	Reason string `json:"reason,omitempty"`
}

// NewTriggerEvent creates a new trigger event.
func NewTriggerEvent(eventType, workflowID, source, key, reason string) TriggerEvent {
	return TriggerEvent{
		BaseEvent: NewBaseEvent(eventType, workflowID, ""),
		Source:    source,
		Key:       key,
		Reason:    reason,
	}
}
