package executor

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcrt-project/rcrt-runner/pkg/breadcrumb"
	"github.com/rcrt-project/rcrt-runner/pkg/bridge"
)

func agentDefinition(id string, spec *breadcrumb.AgentSpec) *breadcrumb.Definition {
	if spec == nil {
		spec = &breadcrumb.AgentSpec{}
	}
	spec.AgentID = id
	if spec.SystemPrompt == "" {
		spec.SystemPrompt = "You are a test agent."
	}
	if len(spec.Subscriptions.Selectors) == 0 {
		spec.Subscriptions.Selectors = []breadcrumb.Selector{{
			SchemaName: breadcrumb.SchemaUserMessage,
			AllTags:    []string{testWorkspace},
			Role:       breadcrumb.RoleTrigger,
		}}
	}
	return &breadcrumb.Definition{
		Source: &breadcrumb.Breadcrumb{ID: "def-" + id, SchemaName: breadcrumb.SchemaAgentDef},
		Agent:  spec,
	}
}

func TestAgentChatRoundTrip(t *testing.T) {
	bs := newBusStore(t)
	br := bridge.New(testConfig().Bridge)

	// Model side: every openrouter request gets a plain answer. The
	// responder runs off the test goroutine, so assert, not require.
	respondTools(t, bs, br, func(req *breadcrumb.Breadcrumb) map[string]any {
		assert.Equal(t, "openrouter", req.Context["tool"])
		input, _ := req.Context["input"].(map[string]any)
		messages, _ := input["messages"].([]any)
		assert.Len(t, messages, 2, "system + user")
		return map[string]any{
			"output": map[string]any{"content": "hello there", "model": "test-model"},
		}
	})

	exec, err := NewAgent(testConfig(), bs.client(), br, agentDefinition("helper", &breadcrumb.AgentSpec{
		Model: "test-model",
	}))
	require.NoError(t, err)

	msg := bs.seed("msg-1", breadcrumb.SchemaUserMessage, "user", map[string]any{
		"content": "hi",
	}, testWorkspace)

	exec.Handle(context.Background(), triggerFor(msg, exec.Selectors()[0], false))

	responses := bs.bySchema(breadcrumb.SchemaAgentResponse)
	require.Len(t, responses, 1)
	resp := responses[0]
	assert.Equal(t, "msg-1", resp.Context["request_id"])
	assert.Equal(t, "success", resp.Context["status"])
	assert.Contains(t, resp.Tags, breadcrumb.ResponseTag("msg-1"))
	assert.Contains(t, resp.Tags, testWorkspace)

	output, ok := resp.Context["output"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hello there", output["content"])
	assert.Equal(t, float64(0), output["tool_calls"])

	// The model request carried the agent's configured model.
	requests := bs.bySchema(breadcrumb.SchemaToolRequest)
	require.Len(t, requests, 1)
	input, _ := requests[0].Context["input"].(map[string]any)
	assert.Equal(t, "test-model", input["model"])
	assert.Equal(t, "helper", requests[0].Context["requested_by"])
}

func TestAgentToolLoop(t *testing.T) {
	bs := newBusStore(t)
	br := bridge.New(testConfig().Bridge)

	var llmCalls atomic.Int32
	respondTools(t, bs, br, func(req *breadcrumb.Breadcrumb) map[string]any {
		switch req.Context["tool"] {
		case "openrouter":
			if llmCalls.Add(1) == 1 {
				// First turn: ask for the echo tool, fenced like real
				// model output.
				return map[string]any{"output": map[string]any{
					"content": "```json\n{\"tool\":\"echo\",\"input\":{\"x\":1}}\n```",
				}}
			}
			return map[string]any{"output": map[string]any{"content": "done"}}
		case "echo":
			input, _ := req.Context["input"].(map[string]any)
			return map[string]any{"output": input}
		default:
			t.Errorf("unexpected tool request: %v", req.Context["tool"])
			return map[string]any{"output": map[string]any{}}
		}
	})

	exec, err := NewAgent(testConfig(), bs.client(), br, agentDefinition("looper", nil))
	require.NoError(t, err)

	msg := bs.seed("msg-loop", breadcrumb.SchemaUserMessage, "user", map[string]any{
		"content": "echo x=1 back to me",
	}, testWorkspace)

	exec.Handle(context.Background(), triggerFor(msg, exec.Selectors()[0], false))

	responses := bs.bySchema(breadcrumb.SchemaAgentResponse)
	require.Len(t, responses, 1)
	output, _ := responses[0].Context["output"].(map[string]any)
	assert.Equal(t, "done", output["content"])
	assert.Equal(t, float64(1), output["tool_calls"])

	// Three bus requests: llm, echo, llm.
	require.Len(t, bs.bySchema(breadcrumb.SchemaToolRequest), 3)
}

func TestAgentToolLoopLimit(t *testing.T) {
	bs := newBusStore(t)
	br := bridge.New(testConfig().Bridge)

	respondTools(t, bs, br, func(req *breadcrumb.Breadcrumb) map[string]any {
		switch req.Context["tool"] {
		case "openrouter":
			return map[string]any{"output": map[string]any{
				"content": `{"tool":"echo","input":{}}`,
			}}
		default:
			return map[string]any{"output": map[string]any{}}
		}
	})

	exec, err := NewAgent(testConfig(), bs.client(), br, agentDefinition("restless", &breadcrumb.AgentSpec{
		MaxToolLoops: 2,
	}))
	require.NoError(t, err)

	msg := bs.seed("msg-limit", breadcrumb.SchemaUserMessage, "user", map[string]any{
		"content": "loop forever",
	}, testWorkspace)

	exec.Handle(context.Background(), triggerFor(msg, exec.Selectors()[0], false))

	responses := bs.bySchema(breadcrumb.SchemaAgentResponse)
	require.Len(t, responses, 1)
	assert.Equal(t, "error", responses[0].Context["status"])
	assert.Contains(t, responses[0].Context["error"], "tool loop limit")
}

func TestAgentLLMFailureBecomesErrorResponse(t *testing.T) {
	bs := newBusStore(t)
	br := bridge.New(testConfig().Bridge)

	respondTools(t, bs, br, func(req *breadcrumb.Breadcrumb) map[string]any {
		return map[string]any{"status": "error", "error": "model unavailable"}
	})

	exec, err := NewAgent(testConfig(), bs.client(), br, agentDefinition("unlucky", nil))
	require.NoError(t, err)

	msg := bs.seed("msg-err", breadcrumb.SchemaUserMessage, "user", map[string]any{
		"content": "hi",
	}, testWorkspace)

	exec.Handle(context.Background(), triggerFor(msg, exec.Selectors()[0], false))

	responses := bs.bySchema(breadcrumb.SchemaAgentResponse)
	require.Len(t, responses, 1)
	assert.Equal(t, "error", responses[0].Context["status"])
	assert.Contains(t, responses[0].Context["error"], "model unavailable")
}

func TestParseToolCall(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
		ok      bool
	}{
		{"bare object", `{"tool":"echo","input":{"x":1}}`, "echo", true},
		{"json fence", "```json\n{\"tool\":\"echo\",\"input\":{}}\n```", "echo", true},
		{"plain fence", "```\n{\"tool\":\"echo\"}\n```", "echo", true},
		{"surrounding space", "  {\"tool\":\"echo\"}  ", "echo", true},
		{"plain text", "the answer is 42", "", false},
		{"empty tool", `{"tool":"","input":{}}`, "", false},
		{"broken json", `{"tool":"echo"`, "", false},
		{"json but not a call", `{"answer":42}`, "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			call, ok := parseToolCall(tc.content)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.want, call.Tool)
			}
		})
	}
}

func TestUserPromptCarriesContextAndTrigger(t *testing.T) {
	inv := &Invocation{
		Trigger: &breadcrumb.Breadcrumb{
			ID:         "t-1",
			SchemaName: breadcrumb.SchemaUserMessage,
			Context:    map[string]any{"content": "what changed?"},
		},
		Context: map[string]any{"notes": []map[string]any{{"text": "deploy at noon"}}},
	}

	prompt := userPrompt(inv)
	assert.Contains(t, prompt, "Context:")
	assert.Contains(t, prompt, "deploy at noon")
	assert.Contains(t, prompt, breadcrumb.SchemaUserMessage)
	assert.Contains(t, prompt, "what changed?")
}
