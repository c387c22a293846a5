package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sahilm/fuzzy"
	"gopkg.in/yaml.v3"

	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
	"github.com/hugo-lorenzo-mato/reqflow/internal/fsutil"
	"github.com/hugo-lorenzo-mato/reqflow/internal/trigger"
	"github.com/hugo-lorenzo-mato/reqflow/internal/validation"
)

// Definitions is the content of one or more definition files.
type Definitions struct {
	Agents    []*core.AgentDefinition    `yaml:"agents"`
	Workflows []*core.WorkflowDefinition `yaml:"workflows"`
}

// Catalog builds the immutable catalog. Call ValidateDefinitions first.
func (d *Definitions) Catalog() *core.Catalog {
	return core.NewCatalog(d.Agents, d.Workflows)
}

// ParseDefinitions decodes a single YAML document. Unknown keys are rejected.
func ParseDefinitions(data []byte) (*Definitions, error) {
	var defs Definitions
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&defs); err != nil {
		if errors.Is(err, io.EOF) {
			return &defs, nil
		}
		return nil, fmt.Errorf("parse definitions: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("parse definitions: multiple YAML documents are not supported")
		}
		return nil, fmt.Errorf("parse definitions: %w", err)
	}
	return &defs, nil
}

// ReadDefinitions reads a definition file, or every *.yaml and *.yml file of
// a directory in lexical order, merging their agents and workflows.
func ReadDefinitions(path string) (*Definitions, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("reading definitions: %w", err)
	}

	files := []string{path}
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("reading definitions: %w", err)
		}
		files = files[:0]
		for _, e := range entries {
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
				continue
			}
			files = append(files, filepath.Join(path, e.Name()))
		}
		sort.Strings(files)
	}

	merged := &Definitions{}
	for _, file := range files {
		data, err := fsutil.ReadFileScoped(file)
		if err != nil {
			return nil, fmt.Errorf("reading definitions: %w", err)
		}
		defs, err := ParseDefinitions(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}
		merged.Agents = append(merged.Agents, defs.Agents...)
		merged.Workflows = append(merged.Workflows, defs.Workflows...)
	}
	return merged, nil
}

// LoadDefinitions reads and validates definitions and returns the catalog.
// channels, when non-nil, restricts the notification channels workflows may name.
func LoadDefinitions(path string, channels []string) (*core.Catalog, error) {
	defs, err := ReadDefinitions(path)
	if err != nil {
		return nil, err
	}
	if err := ValidateDefinitions(defs, channels); err != nil {
		return nil, err
	}
	return defs.Catalog(), nil
}

// ValidateDefinitions checks agent and workflow fields that can be verified
// without building task graphs.
func ValidateDefinitions(defs *Definitions, channels []string) error {
	v := NewValidator()

	agentIDs := make([]string, 0, len(defs.Agents))
	seenAgents := make(map[core.AgentID]bool)
	for i, a := range defs.Agents {
		field := fmt.Sprintf("agents[%d]", i)
		if a == nil || a.ID == "" {
			v.addError(field+".id", "", "agent id is required")
			continue
		}
		field = "agents." + string(a.ID)
		if seenAgents[a.ID] {
			v.addError(field, a.ID, "duplicate agent id")
			continue
		}
		seenAgents[a.ID] = true
		agentIDs = append(agentIDs, string(a.ID))
		v.validateAgent(field, a)
	}

	var known map[string]bool
	if channels != nil {
		known = make(map[string]bool, len(channels))
		for _, c := range channels {
			known[c] = true
		}
	}

	seenWorkflows := make(map[core.WorkflowID]bool)
	for i, w := range defs.Workflows {
		field := fmt.Sprintf("workflows[%d]", i)
		if w == nil || w.ID == "" {
			v.addError(field+".id", "", "workflow id is required")
			continue
		}
		field = "workflows." + string(w.ID)
		if seenWorkflows[w.ID] {
			v.addError(field, w.ID, "duplicate workflow id")
			continue
		}
		seenWorkflows[w.ID] = true
		v.validateWorkflow(field, w, seenAgents, agentIDs, known)
	}

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

func (v *Validator) validateAgent(field string, a *core.AgentDefinition) {
	if strings.TrimSpace(a.Role) == "" {
		v.addError(field+".role", a.Role, "role is required")
	}
	if a.Model.Name == "" {
		v.addError(field+".model.name", a.Model.Name, "model name is required")
	}
	if a.Model.Temperature < 0 || a.Model.Temperature > 2 {
		v.addError(field+".model.temperature", a.Model.Temperature, "must be between 0 and 2")
	}
	if a.Model.MaxTokens < 0 || a.Model.ContextTokens < 0 {
		v.addError(field+".model", a.Model, "token limits must not be negative")
	}

	switch a.Memory.Kind {
	case "", core.MemoryNone:
	case core.MemoryBuffer:
		if a.Memory.MaxTokens <= 0 {
			v.addError(field+".memory.max_tokens", a.Memory.MaxTokens, "must be positive for buffer memory")
		}
	default:
		v.addError(field+".memory.kind", a.Memory.Kind, "must be one of: none, buffer")
	}

	names := make([]string, 0, len(a.Tools))
	for name := range a.Tools {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b := a.Tools[name]
		tf := field + ".tools." + name
		switch b.Kind {
		case core.ToolKindRetrieval:
			if b.Collection == "" {
				v.addError(tf+".collection", b.Collection, "retrieval tools need a collection")
			}
			if b.Threshold < 0 || b.Threshold > 1 {
				v.addError(tf+".threshold", b.Threshold, "must be between 0 and 1")
			}
			if b.TopK < 0 {
				v.addError(tf+".top_k", b.TopK, "must not be negative")
			}
		case core.ToolKindFunction:
		default:
			v.addError(tf+".kind", b.Kind, "must be one of: retrieval, function")
		}
	}

	switch a.Output.EffectiveKind() {
	case core.ContractNone:
	case core.ContractSchema:
		if a.Output.Schema == nil {
			v.addError(field+".output.schema", nil, "schema contracts need a schema")
		} else if _, err := validation.CompileSchema(a.Output.Schema); err != nil {
			v.addError(field+".output.schema", a.Output.Schema.Type, err.Error())
		}
	case core.ContractTemplate:
		if strings.TrimSpace(a.Output.Template) == "" {
			v.addError(field+".output.template", a.Output.Template, "template contracts need a template")
		}
	default:
		v.addError(field+".output.kind", a.Output.Kind, "must be one of: none, schema, template")
	}
}

func (v *Validator) validateWorkflow(field string, w *core.WorkflowDefinition, agents map[core.AgentID]bool, agentIDs []string, channels map[string]bool) {
	if len(w.Tasks) == 0 {
		v.addError(field+".tasks", 0, "a workflow needs at least one task")
	}

	seenTasks := make(map[core.TaskID]bool)
	for i := range w.Tasks {
		t := &w.Tasks[i]
		tf := fmt.Sprintf("%s.tasks[%d]", field, i)
		if t.ID == "" {
			v.addError(tf+".id", "", "task id is required")
			continue
		}
		tf = field + ".tasks." + string(t.ID)
		if seenTasks[t.ID] {
			v.addError(tf, t.ID, "duplicate task id")
		}
		seenTasks[t.ID] = true

		if !agents[t.Agent] {
			msg := "unknown agent"
			if s := suggest(string(t.Agent), agentIDs); s != "" {
				msg += fmt.Sprintf(" (did you mean %q?)", s)
			}
			v.addError(tf+".agent", t.Agent, msg)
		}
		if t.Retry != nil {
			if t.Retry.MaxRetries < 0 || t.Retry.MaxRetries > 10 {
				v.addError(tf+".retry.max_retries", t.Retry.MaxRetries, "must be between 0 and 10")
			}
			if t.Retry.BaseDelay < 0 {
				v.addError(tf+".retry.base_delay", t.Retry.BaseDelay, "must not be negative")
			}
		}
		if t.Timeout < 0 {
			v.addError(tf+".timeout", t.Timeout, "must not be negative")
		}
	}

	switch w.Trigger.Source {
	case core.SourceManual, core.SourceWebhook, core.SourceDirectory:
	default:
		v.addError(field+".trigger.source", w.Trigger.Source, "must be one of: manual, webhook, directory")
	}
	if err := trigger.ValidateCondition(w.Trigger.Condition); err != nil {
		v.addError(field+".trigger.condition", w.Trigger.Condition, err.Error())
	}

	if w.Notification.Enabled() && channels != nil && !channels[w.Notification.Channel] {
		v.addError(field+".notification.channel", w.Notification.Channel, "channel is not configured")
	}
}

func suggest(name string, candidates []string) string {
	if name == "" {
		return ""
	}
	matches := fuzzy.Find(name, candidates)
	if len(matches) == 0 {
		return ""
	}
	return matches[0].Str
}
