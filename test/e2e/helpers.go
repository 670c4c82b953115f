package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rcrt-project/rcrt-runner/pkg/breadcrumb"
)

// ────────────────────────────────────────────────────────────
// Emitting breadcrumbs
// ────────────────────────────────────────────────────────────

// Create posts a breadcrumb through the runner's base identity. The
// bus workspace tag is appended when absent so triggers land in scope.
func (bus *TestBus) Create(t *testing.T, schema, title string, ctxMap map[string]any, tags ...string) *breadcrumb.CreateResult {
	t.Helper()
	return bus.CreateAs(t, bus.Config.AgentID, schema, title, ctxMap, tags...)
}

// CreateAs posts a breadcrumb under a specific agent identity, which
// the store stamps as created_by.
func (bus *TestBus) CreateAs(t *testing.T, agentID, schema, title string, ctxMap map[string]any, tags ...string) *breadcrumb.CreateResult {
	t.Helper()
	if !hasTag(tags, bus.Config.Workspace) {
		tags = append(tags, bus.Config.Workspace)
	}
	res, err := bus.Client.ForIdentity(agentID).Create(context.Background(), &breadcrumb.CreateRequest{
		SchemaName: schema,
		Title:      title,
		Tags:       tags,
		Context:    ctxMap,
	})
	require.NoError(t, err)
	return res
}

// CreateDefinition posts a consumer definition and waits until the
// registry has hot-bound it.
func (bus *TestBus) CreateDefinition(t *testing.T, schema, consumerID string, ctxMap map[string]any) *breadcrumb.CreateResult {
	t.Helper()
	res := bus.Create(t, schema, "def "+consumerID, ctxMap)
	bus.WaitForConsumer(t, consumerID)
	return res
}

// ────────────────────────────────────────────────────────────
// Observing the store
// ────────────────────────────────────────────────────────────

// AwaitSchema polls the store until a record with the schema satisfies
// the predicate, and returns it. A nil predicate matches anything.
func (bus *TestBus) AwaitSchema(t *testing.T, schema string, pred func(b *breadcrumb.Breadcrumb) bool) *breadcrumb.Breadcrumb {
	t.Helper()
	var found breadcrumb.Breadcrumb
	require.Eventually(t, func() bool {
		for _, rec := range bus.Store.bySchema(schema) {
			if pred == nil || pred(&rec) {
				found = rec
				return true
			}
		}
		return false
	}, waitFor, tick, "no %s matching the predicate appeared", schema)
	return &found
}

// AwaitResponse waits for a response breadcrumb correlated to the
// request id.
func (bus *TestBus) AwaitResponse(t *testing.T, schema, requestID string) *breadcrumb.Breadcrumb {
	t.Helper()
	return bus.AwaitSchema(t, schema, func(b *breadcrumb.Breadcrumb) bool {
		return b.ContextString("request_id") == requestID
	})
}

// CountBySchema reports how many records with the schema exist.
func (bus *TestBus) CountBySchema(schema string) int {
	return len(bus.Store.bySchema(schema))
}

// RequireStableCount asserts the schema's record count sits at want and
// stays there for the hold window. Catches duplicate or runaway
// processing that a single Eventually would miss.
func (bus *TestBus) RequireStableCount(t *testing.T, schema string, want int, hold time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool {
		return bus.CountBySchema(schema) == want
	}, waitFor, tick, "expected %d %s records", want, schema)

	deadline := time.Now().Add(hold)
	for time.Now().Before(deadline) {
		if got := bus.CountBySchema(schema); got != want {
			t.Fatalf("%s count moved from %d to %d during hold window", schema, want, got)
		}
		time.Sleep(tick)
	}
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// ────────────────────────────────────────────────────────────
// Definition payload builders
// ────────────────────────────────────────────────────────────

// triggerOn builds a role=trigger selector scoped to the workspace.
func triggerOn(schema, workspace string, contextMatch ...map[string]any) map[string]any {
	sel := map[string]any{
		"schema_name": schema,
		"all_tags":    []any{workspace},
		"role":        "trigger",
	}
	if len(contextMatch) > 0 {
		cms := make([]any, 0, len(contextMatch))
		for _, cm := range contextMatch {
			cms = append(cms, cm)
		}
		sel["context_match"] = cms
	}
	return sel
}

// whenToolIs is the context predicate tool triggers carry so each tool
// only claims its own requests.
func whenToolIs(name string) map[string]any {
	return map[string]any{"path": "$.tool", "op": "eq", "value": name}
}

func subscriptionsOf(selectors ...map[string]any) map[string]any {
	sels := make([]any, 0, len(selectors))
	for _, s := range selectors {
		sels = append(sels, s)
	}
	return map[string]any{"selectors": sels}
}

// builtinToolContext builds a tool.v1 context bound to a builtin. The
// binding config rides along to every invocation.
func builtinToolContext(name, builtin, workspace string, config map[string]any) map[string]any {
	binding := map[string]any{"kind": "builtin", "name": builtin}
	if config != nil {
		binding["config"] = config
	}
	return map[string]any{
		"tool":          name,
		"binding":       binding,
		"subscriptions": subscriptionsOf(triggerOn(breadcrumb.SchemaToolRequest, workspace, whenToolIs(name))),
	}
}

// echoToolContext is the standard echo tool most scenarios lean on.
func echoToolContext(workspace string) map[string]any {
	return builtinToolContext("echo", "echo", workspace, nil)
}

// llmToolContext routes the openrouter builtin at the scripted LLM.
func llmToolContext(workspace, baseURL string) map[string]any {
	return builtinToolContext(llmToolName, llmToolName, workspace, map[string]any{
		"base_url": baseURL,
		"api_key":  "test-key",
	})
}

// llmToolName mirrors the binding name agents and workflow llm steps
// call for completions.
const llmToolName = "openrouter"

// agentContext builds an agent.def.v1 context.
func agentContext(id, prompt string, selectors ...map[string]any) map[string]any {
	return map[string]any{
		"agent_id":      id,
		"system_prompt": prompt,
		"subscriptions": subscriptionsOf(selectors...),
	}
}

// workflowContext builds a workflow.def.v1 context.
func workflowContext(id string, steps []any, selectors ...map[string]any) map[string]any {
	return map[string]any{
		"workflow_id":   id,
		"steps":         steps,
		"subscriptions": subscriptionsOf(selectors...),
	}
}

// contextConfigContext builds a context.config.v1 context.
func contextConfigContext(consumerID string, sources []any, updateTriggers []any) map[string]any {
	return map[string]any{
		"consumer_id":     consumerID,
		"sources":         sources,
		"update_triggers": updateTriggers,
	}
}
