package core

// WorkflowID uniquely identifies a workflow definition.
type WorkflowID string

// Clause is one predicate over trigger event metadata.
type Clause struct {
	Field  string   `yaml:"field" json:"field"`
	Op     string   `yaml:"op" json:"op"`
	Value  string   `yaml:"value,omitempty" json:"value,omitempty"`
	Values []string `yaml:"values,omitempty" json:"values,omitempty"`
}

// Condition holds clauses that must all match.
type Condition struct {
	All []Clause `yaml:"all,omitempty" json:"all,omitempty"`
}

// TriggerSpec selects the events that start a workflow run.
type TriggerSpec struct {
	Source    string    `yaml:"source" json:"source"`
	Condition Condition `yaml:"condition,omitempty" json:"condition,omitempty"`
}

// NotificationSpec describes the message sent once per run.
type NotificationSpec struct {
	Channel    string   `yaml:"channel" json:"channel"`
	Recipients []string `yaml:"recipients,omitempty" json:"recipients,omitempty"`
	Success    string   `yaml:"success" json:"success"`
	Failure    string   `yaml:"failure" json:"failure"`
	Cancelled  string   `yaml:"cancelled,omitempty" json:"cancelled,omitempty"`
}

// Enabled reports whether a notification channel is configured.
func (n NotificationSpec) Enabled() bool {
	return n.Channel != ""
}

// Default notification templates used when a workflow declares a channel without messages.
const (
	DefaultSuccessMessage   = "Workflow {{workflow_id}} run {{run_id}} succeeded ({{succeeded_count}}/{{task_count}} tasks)."
	DefaultFailureMessage   = "Workflow {{workflow_id}} run {{run_id}} failed: task {{failed_task}} failed with {{error_kind}}: {{error}}"
	DefaultCancelledMessage = "Workflow {{workflow_id}} run {{run_id}} was cancelled."
)

// WorkflowDefinition is an ordered list of tasks forming a DAG, plus trigger and notification.
type WorkflowDefinition struct {
	ID           WorkflowID       `yaml:"id" json:"id"`
	Description  string           `yaml:"description,omitempty" json:"description,omitempty"`
	Tasks        []TaskDefinition `yaml:"tasks" json:"tasks"`
	Trigger      TriggerSpec      `yaml:"trigger" json:"trigger"`
	Notification NotificationSpec `yaml:"notification,omitempty" json:"notification,omitempty"`
}

// Task returns the task definition with the given id.
func (w *WorkflowDefinition) Task(id TaskID) (*TaskDefinition, bool) {
	for i := range w.Tasks {
		if w.Tasks[i].ID == id {
			return &w.Tasks[i], true
		}
	}
	return nil, false
}

// TaskIDs returns task ids in declaration order.
func (w *WorkflowDefinition) TaskIDs() []TaskID {
	ids := make([]TaskID, len(w.Tasks))
	for i := range w.Tasks {
		ids[i] = w.Tasks[i].ID
	}
	return ids
}

// Catalog is the immutable set of agents and workflows loaded at process start.
type Catalog struct {
	Agents    map[AgentID]*AgentDefinition
	Workflows map[WorkflowID]*WorkflowDefinition
	// order preserves declaration order for listing.
	order []WorkflowID
}

// NewCatalog builds a catalog from definitions.
func NewCatalog(agents []*AgentDefinition, workflows []*WorkflowDefinition) *Catalog {
	c := &Catalog{
		Agents:    make(map[AgentID]*AgentDefinition, len(agents)),
		Workflows: make(map[WorkflowID]*WorkflowDefinition, len(workflows)),
	}
	for _, a := range agents {
		c.Agents[a.ID] = a
	}
	for _, w := range workflows {
		c.Workflows[w.ID] = w
		c.order = append(c.order, w.ID)
	}
	return c
}

// Agent looks up an agent definition.
func (c *Catalog) Agent(id AgentID) (*AgentDefinition, error) {
	a, ok := c.Agents[id]
	if !ok {
		return nil, ErrNotFound("agent", string(id))
	}
	return a, nil
}

// Workflow looks up a workflow definition.
func (c *Catalog) Workflow(id WorkflowID) (*WorkflowDefinition, error) {
	w, ok := c.Workflows[id]
	if !ok {
		return nil, &DomainError{
			Category: ErrCatNotFound,
			Code:     CodeWorkflowNotFound,
			Message:  "workflow not found: " + string(id),
		}
	}
	return w, nil
}

// ListWorkflows returns workflows in declaration order.
func (c *Catalog) ListWorkflows() []*WorkflowDefinition {
	out := make([]*WorkflowDefinition, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.Workflows[id])
	}
	return out
}
