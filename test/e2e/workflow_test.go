package e2e

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcrt-project/rcrt-runner/pkg/breadcrumb"
	"github.com/rcrt-project/rcrt-runner/pkg/executor"
)

// A two-step digest: a search step collects documents matching the
// trigger's topic, then an LLM step summarizes them. The second step's
// prompt references the first step's output, so the whole chain runs
// over the bus: trigger -> workflow -> tool request -> tool response ->
// interpolation -> LLM request -> workflow result.
func TestWorkflowChainsToolAndLLMSteps(t *testing.T) {
	bus := NewTestBus(t)
	ws := bus.Config.Workspace
	bus.CreateDefinition(t, breadcrumb.SchemaToolDef, llmToolName, llmToolContext(ws, bus.LLM.URL))
	bus.CreateDefinition(t, breadcrumb.SchemaToolDef, "breadcrumb_search",
		builtinToolContext("breadcrumb_search", "breadcrumb_search", ws, nil))

	bus.Create(t, "document.v1", "Quantum pairs", map[string]any{"body": "entanglement of quantum pairs"})
	bus.Create(t, "document.v1", "Bread recipe", map[string]any{"body": "flour, water, salt"})

	steps := []any{
		map[string]any{
			"id": "collect", "type": "tool", "tool": "breadcrumb_search",
			"input": map[string]any{
				"query":       "${trigger.context.topic}",
				"schema_name": "document.v1",
				"nn":          3,
			},
		},
		map[string]any{
			"id": "summarize", "type": "llm",
			"prompt": "Summarize what we know about ${trigger.context.topic}: ${collect.results}",
		},
	}
	bus.CreateDefinition(t, breadcrumb.SchemaWorkflowDef, "digest",
		workflowContext("digest", steps, triggerOn("digest.request.v1", ws)))

	bus.LLM.reply("Entangled pairs, in short.")
	req := bus.Create(t, "digest.request.v1", "Digest request", map[string]any{"topic": "quantum"})

	result := bus.AwaitResponse(t, breadcrumb.SchemaWorkflowResult, req.ID)
	require.Equal(t, "success", result.ContextString("status"), "error: %s", result.ContextString("error"))
	assert.Equal(t, "digest", result.CreatedBy)

	output, ok := result.Context["output"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{"collect", "summarize"}, output["steps"])

	results, ok := output["results"].(map[string]any)
	require.True(t, ok)

	collect, ok := results["collect"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), collect["count"], "only the quantum document should match")
	hits := collect["results"].([]any)
	require.Len(t, hits, 1)
	assert.Equal(t, "Quantum pairs", hits[0].(map[string]any)["title"])

	summarize, ok := results["summarize"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Entangled pairs, in short.", summarize["content"])

	// The prompt the LLM saw carries both interpolations: the trigger's
	// topic and the collected search hits.
	require.Equal(t, 1, bus.LLM.requestCount())
	sent := bus.LLM.request(0)
	require.Len(t, sent.Messages, 1)
	assert.Contains(t, sent.Messages[0].Content, "quantum")
	assert.Contains(t, sent.Messages[0].Content, "Quantum pairs")
}

func TestWorkflowParallelGroupSharesResults(t *testing.T) {
	bus := NewTestBus(t)
	ws := bus.Config.Workspace
	bus.CreateDefinition(t, breadcrumb.SchemaToolDef, llmToolName, llmToolContext(ws, bus.LLM.URL))
	bus.CreateDefinition(t, breadcrumb.SchemaToolDef, "echo", echoToolContext(ws))

	steps := []any{
		map[string]any{
			"id": "fan", "type": "parallel",
			"steps": []any{
				map[string]any{"id": "a", "type": "tool", "tool": "echo", "input": map[string]any{"v": "left"}},
				map[string]any{"id": "b", "type": "tool", "tool": "echo", "input": map[string]any{"v": "right"}},
			},
		},
		map[string]any{"id": "join", "type": "llm", "prompt": "${a.v} ${b.v}"},
	}
	bus.CreateDefinition(t, breadcrumb.SchemaWorkflowDef, "fanout",
		workflowContext("fanout", steps, triggerOn("fanout.request.v1", ws)))

	bus.LLM.reply("joined")
	req := bus.Create(t, "fanout.request.v1", "Fan out", map[string]any{})

	result := bus.AwaitResponse(t, breadcrumb.SchemaWorkflowResult, req.ID)
	require.Equal(t, "success", result.ContextString("status"), "error: %s", result.ContextString("error"))

	results := result.Context["output"].(map[string]any)["results"].(map[string]any)
	assert.Equal(t, "left", results["a"].(map[string]any)["v"])
	assert.Equal(t, "right", results["b"].(map[string]any)["v"])
	assert.Equal(t, "joined", results["join"].(map[string]any)["content"])

	// Both branch results were visible to the join step's prompt.
	require.Equal(t, 1, bus.LLM.requestCount())
	assert.Equal(t, "left right", bus.LLM.request(0).Messages[0].Content)
}

func TestWorkflowRetriesFailedStep(t *testing.T) {
	var calls atomic.Int32
	bus := NewTestBus(t, WithToolFunc("flaky", func(ctx context.Context, call executor.ToolCall, rt executor.Runtime) (any, error) {
		if calls.Add(1) == 1 {
			return nil, fmt.Errorf("transient wobble")
		}
		return map[string]any{"ok": true}, nil
	}))
	ws := bus.Config.Workspace
	bus.CreateDefinition(t, breadcrumb.SchemaToolDef, "flaky",
		builtinToolContext("flaky", "flaky", ws, nil))

	steps := []any{
		map[string]any{"id": "only", "type": "tool", "tool": "flaky", "retries": 1},
	}
	bus.CreateDefinition(t, breadcrumb.SchemaWorkflowDef, "stubborn",
		workflowContext("stubborn", steps, triggerOn("job.v1", ws)))

	req := bus.Create(t, "job.v1", "Job", map[string]any{})

	result := bus.AwaitResponse(t, breadcrumb.SchemaWorkflowResult, req.ID)
	require.Equal(t, "success", result.ContextString("status"), "error: %s", result.ContextString("error"))
	results := result.Context["output"].(map[string]any)["results"].(map[string]any)
	assert.Equal(t, true, results["only"].(map[string]any)["ok"])

	assert.Equal(t, int32(2), calls.Load())

	// The retry must be a fresh request, not a dedup onto the failed
	// attempt's idempotency key.
	requests := 0
	for _, rec := range bus.Store.bySchema(breadcrumb.SchemaToolRequest) {
		if rec.ContextString("tool") == "flaky" {
			requests++
		}
	}
	assert.Equal(t, 2, requests)
}

func TestWorkflowStepFailureReportsError(t *testing.T) {
	bus := NewTestBus(t, WithToolFunc("boom", func(ctx context.Context, call executor.ToolCall, rt executor.Runtime) (any, error) {
		return nil, fmt.Errorf("kaboom")
	}))
	ws := bus.Config.Workspace
	bus.CreateDefinition(t, breadcrumb.SchemaToolDef, "boom",
		builtinToolContext("boom", "boom", ws, nil))

	steps := []any{
		map[string]any{"id": "blast", "type": "tool", "tool": "boom"},
	}
	bus.CreateDefinition(t, breadcrumb.SchemaWorkflowDef, "doomed",
		workflowContext("doomed", steps, triggerOn("doom.v1", ws)))

	req := bus.Create(t, "doom.v1", "Doomed job", map[string]any{})

	result := bus.AwaitResponse(t, breadcrumb.SchemaWorkflowResult, req.ID)
	require.Equal(t, "error", result.ContextString("status"))
	assert.Contains(t, result.ContextString("error"), "step blast")
	assert.Contains(t, result.ContextString("error"), "kaboom")

	// One failed attempt only; no retries were configured.
	bus.RequireStableCount(t, breadcrumb.SchemaWorkflowResult, 1, 300*time.Millisecond)
}
