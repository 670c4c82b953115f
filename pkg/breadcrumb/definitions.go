package breadcrumb

import (
	"encoding/json"
	"fmt"
)

// Subscriptions is the selector block shared by all consumer
// definitions.
type Subscriptions struct {
	Selectors []Selector `json:"selectors"`
}

// Capability actions checked before a consumer's store side effects.
const (
	CapEmit   = "emit"
	CapDelete = "delete"
)

// Capabilities is a consumer definition's side-effect allowlist. A nil
// map permits everything; a non-nil map permits only the actions it
// marks true.
type Capabilities map[string]bool

// Allows reports whether the action may proceed.
func (c Capabilities) Allows(action string) bool {
	if c == nil {
		return true
	}
	return c[action]
}

// AgentSpec is the context document of an agent.def.v1 breadcrumb.
type AgentSpec struct {
	AgentID       string         `json:"agent_id,omitempty"`
	SystemPrompt  string         `json:"system_prompt"`
	Model         string         `json:"model,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	MaxToolLoops  int            `json:"max_tool_loops,omitempty"`
	Capabilities  Capabilities   `json:"capabilities,omitempty"`
	Subscriptions Subscriptions  `json:"subscriptions"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// ID returns the consumer identity for the agent, falling back to the
// definition breadcrumb's id.
func (a *AgentSpec) ID(fallback string) string {
	if a.AgentID != "" {
		return a.AgentID
	}
	return fallback
}

// ToolBinding names the implementation behind a tool definition.
type ToolBinding struct {
	Kind   string         `json:"kind,omitempty"` // builtin is the only kind shipped
	Name   string         `json:"name"`
	Config map[string]any `json:"config,omitempty"`
}

// ToolSpec is the context document of a tool.v1 breadcrumb.
type ToolSpec struct {
	Tool          string          `json:"tool,omitempty"`
	Description   string          `json:"description,omitempty"`
	Binding       ToolBinding     `json:"binding"`
	InputSchema   json.RawMessage `json:"input_schema,omitempty"`
	Capabilities  Capabilities    `json:"capabilities,omitempty"`
	Subscriptions Subscriptions   `json:"subscriptions"`
}

// ID returns the tool's consumer identity: the declared tool name, the
// binding name, or the definition breadcrumb's id.
func (t *ToolSpec) ID(fallback string) string {
	if t.Tool != "" {
		return t.Tool
	}
	if t.Binding.Name != "" {
		return t.Binding.Name
	}
	return fallback
}

// Workflow step types.
const (
	StepTool     = "tool"
	StepLLM      = "llm"
	StepParallel = "parallel"
)

// WorkflowStep is one node of a workflow definition. Parallel steps
// carry nested children in Steps and no work of their own.
type WorkflowStep struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	Tool           string         `json:"tool,omitempty"`
	Input          map[string]any `json:"input,omitempty"`
	Prompt         string         `json:"prompt,omitempty"`
	Model          string         `json:"model,omitempty"`
	Steps          []WorkflowStep `json:"steps,omitempty"`
	Retries        int            `json:"retries,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
}

// WorkflowSpec is the context document of a workflow.def.v1 breadcrumb.
type WorkflowSpec struct {
	WorkflowID    string         `json:"workflow_id,omitempty"`
	Description   string         `json:"description,omitempty"`
	Steps         []WorkflowStep `json:"steps"`
	Capabilities  Capabilities   `json:"capabilities,omitempty"`
	Subscriptions Subscriptions  `json:"subscriptions"`
}

// ID returns the workflow's consumer identity, falling back to the
// definition breadcrumb's id.
func (w *WorkflowSpec) ID(fallback string) string {
	if w.WorkflowID != "" {
		return w.WorkflowID
	}
	return fallback
}

// ContextSource describes one fetch the assembler performs when
// rebuilding a consumer's context.
type ContextSource struct {
	Key        string   `json:"key"`
	SchemaName string   `json:"schema_name,omitempty"`
	Method     string   `json:"method"` // recent | latest | vector | event_data
	Limit      int      `json:"limit,omitempty"`
	NN         int      `json:"nn,omitempty"`
	Query      string   `json:"query,omitempty"`
	AnyTags    []string `json:"any_tags,omitempty"`
	AllTags    []string `json:"all_tags,omitempty"`
}

// ContextOutput controls the breadcrumb the assembler writes.
type ContextOutput struct {
	SchemaName string   `json:"schema_name,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	TTLSeconds int      `json:"ttl_seconds,omitempty"`
}

// ContextFormatting tunes deduplication and the token budget.
type ContextFormatting struct {
	MaxTokens              int      `json:"max_tokens,omitempty"`
	DeduplicationThreshold *float64 `json:"deduplication_threshold,omitempty"`
	IncludeMetadata        bool     `json:"include_metadata,omitempty"`
	EnableSummarization    bool     `json:"enable_summarization,omitempty"`
}

// ContextConfig is the context document of a context.config.v1
// breadcrumb: the declarative recipe for one consumer's rolling context.
type ContextConfig struct {
	ConsumerID     string            `json:"consumer_id"`
	Sources        []ContextSource   `json:"sources"`
	UpdateTriggers []Selector        `json:"update_triggers"`
	Output         ContextOutput     `json:"output,omitempty"`
	Formatting     ContextFormatting `json:"formatting,omitempty"`
}

// Assembler defaults.
const (
	DefaultMaxTokens     = 4000
	DefaultDedupeCutoff  = 0.95
	DefaultContextSchema = SchemaAgentContext
)

// TokenBudget returns the configured budget or the default.
func (f *ContextFormatting) TokenBudget() int {
	if f.MaxTokens > 0 {
		return f.MaxTokens
	}
	return DefaultMaxTokens
}

// DedupeCutoff returns the configured similarity threshold or the
// default. A threshold of 0 disables deduplication.
func (f *ContextFormatting) DedupeCutoff() float64 {
	if f.DeduplicationThreshold != nil {
		return *f.DeduplicationThreshold
	}
	return DefaultDedupeCutoff
}

// OutputSchema returns the schema name for the assembled context
// breadcrumb.
func (o *ContextOutput) OutputSchema() string {
	if o.SchemaName != "" {
		return o.SchemaName
	}
	return DefaultContextSchema
}

// Definition pairs a decoded consumer spec with its source breadcrumb.
// Exactly one of Agent, Tool, Workflow, Context is non-nil.
type Definition struct {
	Source   *Breadcrumb
	Agent    *AgentSpec
	Tool     *ToolSpec
	Workflow *WorkflowSpec
	Context  *ContextConfig
}

// ConsumerID returns the definition's consumer identity.
func (d *Definition) ConsumerID() string {
	switch {
	case d.Agent != nil:
		return d.Agent.ID(d.Source.ID)
	case d.Tool != nil:
		return d.Tool.ID(d.Source.ID)
	case d.Workflow != nil:
		return d.Workflow.ID(d.Source.ID)
	case d.Context != nil:
		if d.Context.ConsumerID != "" {
			return d.Context.ConsumerID
		}
		return d.Source.ID
	default:
		return d.Source.ID
	}
}

// Capabilities returns the consumer's side-effect allowlist. Context
// configs have no direct side effects of their own and report nil.
func (d *Definition) Capabilities() Capabilities {
	switch {
	case d.Agent != nil:
		return d.Agent.Capabilities
	case d.Tool != nil:
		return d.Tool.Capabilities
	case d.Workflow != nil:
		return d.Workflow.Capabilities
	default:
		return nil
	}
}

// Selectors returns the trigger/context selectors the consumer
// subscribes with. Context configs subscribe with their update
// triggers.
func (d *Definition) Selectors() []Selector {
	switch {
	case d.Agent != nil:
		return d.Agent.Subscriptions.Selectors
	case d.Tool != nil:
		return d.Tool.Subscriptions.Selectors
	case d.Workflow != nil:
		return d.Workflow.Subscriptions.Selectors
	case d.Context != nil:
		return d.Context.UpdateTriggers
	default:
		return nil
	}
}

// DecodeDefinition interprets a breadcrumb as a consumer definition
// based on its schema name. Non-definition schemas return
// ErrNotDefinition.
func DecodeDefinition(b *Breadcrumb) (*Definition, error) {
	d := &Definition{Source: b}
	var err error
	switch b.SchemaName {
	case SchemaAgentDef:
		d.Agent = &AgentSpec{}
		err = b.DecodeContext(d.Agent)
	case SchemaToolDef:
		d.Tool = &ToolSpec{}
		err = b.DecodeContext(d.Tool)
	case SchemaWorkflowDef:
		d.Workflow = &WorkflowSpec{}
		err = b.DecodeContext(d.Workflow)
	case SchemaContextConfig:
		d.Context = &ContextConfig{}
		err = b.DecodeContext(d.Context)
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotDefinition, b.SchemaName)
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// IsDefinitionSchema reports whether a schema name denotes a consumer
// definition the registry should track.
func IsDefinitionSchema(schema string) bool {
	switch schema {
	case SchemaAgentDef, SchemaToolDef, SchemaWorkflowDef, SchemaContextConfig:
		return true
	}
	return false
}

// ErrNotDefinition marks breadcrumbs whose schema is not a consumer
// definition.
var ErrNotDefinition = definitionError("not a consumer definition")

type definitionError string

func (e definitionError) Error() string { return string(e) }
