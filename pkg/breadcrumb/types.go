// Package breadcrumb defines the data model of the RCRT event bus: the
// breadcrumb record, the stream event envelope, selectors, and the
// declarative consumer definitions stored as breadcrumbs.
package breadcrumb

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Well-known schema names used by the runner core.
const (
	SchemaAgentDef      = "agent.def.v1"
	SchemaToolDef       = "tool.v1"
	SchemaWorkflowDef   = "workflow.def.v1"
	SchemaContextConfig = "context.config.v1"

	SchemaAgentContext   = "agent.context.v1"
	SchemaAgentResponse  = "agent.response.v1"
	SchemaToolRequest    = "tool.request.v1"
	SchemaToolResponse   = "tool.response.v1"
	SchemaWorkflowResult = "workflow.result.v1"
	SchemaUserMessage    = "user.message.v1"
)

// Stream event types emitted by the record store.
const (
	EventCreated = "breadcrumb.created"
	EventUpdated = "breadcrumb.updated"
	EventDeleted = "breadcrumb.deleted"
	EventPing    = "ping"
)

// Breadcrumb is the universal record: a versioned, tagged, schema-typed
// JSON document. This is the context view returned by GET /breadcrumbs/{id},
// with server-side llm_hints already applied to Context.
type Breadcrumb struct {
	ID          string         `json:"id"`
	SchemaName  string         `json:"schema_name"`
	Title       string         `json:"title,omitempty"`
	Tags        []string       `json:"tags"`
	Context     map[string]any `json:"context"`
	Version     int            `json:"version"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CreatedBy   string         `json:"created_by,omitempty"`
	TTL         *time.Time     `json:"ttl,omitempty"`
	Visibility  string         `json:"visibility,omitempty"`
	Sensitivity string         `json:"sensitivity,omitempty"`
}

// Summary is the lightweight record returned by the list endpoint.
type Summary struct {
	ID         string         `json:"id"`
	SchemaName string         `json:"schema_name"`
	Title      string         `json:"title,omitempty"`
	Tags       []string       `json:"tags"`
	Context    map[string]any `json:"context,omitempty"` // present with include_context
	Version    int            `json:"version"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Full is the complete record from GET /breadcrumbs/{id}/full, including
// the stored embedding vector. Used by deduplication; llm_hints are NOT
// applied to Context on this path.
type Full struct {
	Breadcrumb
	OwnerID   string    `json:"owner_id,omitempty"`
	Checksum  string    `json:"checksum,omitempty"`
	Embedding []float32 `json:"embedding,omitempty"`
}

// Event is a single frame from the store's SSE stream. Thin events carry
// only routing metadata; Context is nil until the full record is fetched.
type Event struct {
	Type         string         `json:"type"`
	BreadcrumbID string         `json:"breadcrumb_id"`
	OwnerID      string         `json:"owner_id,omitempty"`
	SchemaName   string         `json:"schema_name,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	Version      int            `json:"version,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

// Upserted reports whether the event is a create or an update. The runner
// treats both as a single upsert signal.
func (e *Event) Upserted() bool {
	return e.Type == EventCreated || e.Type == EventUpdated
}

// Record builds a breadcrumb view from a hydrated event, saving a round
// trip to the store. Thin events return nil; callers fetch instead.
func (e *Event) Record() *Breadcrumb {
	if e.Context == nil {
		return nil
	}
	return &Breadcrumb{
		ID:         e.BreadcrumbID,
		SchemaName: e.SchemaName,
		Tags:       e.Tags,
		Context:    e.Context,
		Version:    e.Version,
	}
}

// HasTag reports whether the breadcrumb carries the given tag.
func (b *Breadcrumb) HasTag(tag string) bool {
	return containsTag(b.Tags, tag)
}

// DecodeContext unmarshals the breadcrumb context into a schema-specific
// struct. The context is round-tripped through JSON, so v follows the
// usual encoding/json rules.
func (b *Breadcrumb) DecodeContext(v any) error {
	raw, err := json.Marshal(b.Context)
	if err != nil {
		return fmt.Errorf("marshal context of %s: %w", b.ID, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s context of %s: %w", b.SchemaName, b.ID, err)
	}
	return nil
}

// ContextString returns a string field from the breadcrumb context, or ""
// when absent or not a string.
func (b *Breadcrumb) ContextString(key string) string {
	s, _ := b.Context[key].(string)
	return s
}

// CreateRequest is the body of POST /breadcrumbs.
type CreateRequest struct {
	SchemaName  string         `json:"schema_name"`
	Title       string         `json:"title"`
	Tags        []string       `json:"tags"`
	Context     map[string]any `json:"context"`
	TTL         *time.Time     `json:"ttl,omitempty"`
	Visibility  string         `json:"visibility,omitempty"`
	Sensitivity string         `json:"sensitivity,omitempty"`
}

// UpdateRequest is the body of PATCH /breadcrumbs/{id}. Nil fields are
// left untouched by the store.
type UpdateRequest struct {
	Title   *string        `json:"title,omitempty"`
	Tags    []string       `json:"tags,omitempty"`
	Context map[string]any `json:"context,omitempty"`
	TTL     *time.Time     `json:"ttl,omitempty"`
}

// CreateResult is the store's answer to a create: the assigned id and the
// initial version.
type CreateResult struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
}

// WorkspaceTag builds the scoping tag for a workspace name. Names that
// already carry the prefix pass through unchanged.
func WorkspaceTag(name string) string {
	if strings.HasPrefix(name, "workspace:") {
		return name
	}
	return "workspace:" + name
}

// ConsumerTag builds the per-consumer tag used on rolling context
// breadcrumbs.
func ConsumerTag(consumerID string) string {
	return "consumer:" + consumerID
}

// ResponseTag links a response breadcrumb back to the trigger that
// produced it.
func ResponseTag(triggerID string) string {
	return "response:" + triggerID
}

// SessionTag extracts the first "session:" tag, or "" when none present.
func SessionTag(tags []string) string {
	for _, t := range tags {
		if strings.HasPrefix(t, "session:") {
			return t
		}
	}
	return ""
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func containsAllTags(tags, required []string) bool {
	for _, r := range required {
		if !containsTag(tags, r) {
			return false
		}
	}
	return true
}

func containsAnyTag(tags, candidates []string) bool {
	for _, c := range candidates {
		if containsTag(tags, c) {
			return true
		}
	}
	return false
}
