package executor

import (
	"context"
	"sync"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcrt-project/rcrt-runner/pkg/breadcrumb"
)

func TestToolboxBuiltinsRegistered(t *testing.T) {
	tb := NewToolbox()
	for _, name := range []string{"echo", "openrouter", "breadcrumb_search", "get_secret"} {
		_, ok := tb.Lookup(name)
		assert.True(t, ok, "builtin %s missing", name)
	}
	assert.Len(t, tb.Names(), 4)

	tb.Register("custom", func(context.Context, ToolCall, Runtime) (any, error) { return nil, nil })
	_, ok := tb.Lookup("custom")
	assert.True(t, ok)
}

func TestEchoTool(t *testing.T) {
	out, err := echoTool(context.Background(), ToolCall{Input: map[string]any{"x": 1}}, Runtime{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": 1}, out)

	out, err = echoTool(context.Background(), ToolCall{}, Runtime{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, out)
}

func TestRuntimeCapabilityGate(t *testing.T) {
	unrestricted := Runtime{}
	assert.True(t, unrestricted.Allows(breadcrumb.CapEmit))

	locked := Runtime{caps: breadcrumb.Capabilities{breadcrumb.CapEmit: false}}
	assert.False(t, locked.Allows(breadcrumb.CapEmit))
	assert.False(t, locked.Allows(breadcrumb.CapDelete))
}

func TestRuntimeDeleteHonorsCapability(t *testing.T) {
	bs := newBusStore(t)
	bs.seed("doomed", "note.v1", "x", map[string]any{}, testWorkspace)

	gated := Runtime{Store: bs.client(), AgentID: "janitor",
		caps: breadcrumb.Capabilities{breadcrumb.CapEmit: true}} // delete absent
	require.NoError(t, gated.Delete(context.Background(), "doomed"))
	require.Len(t, bs.bySchema("note.v1"), 1, "gated delete must be a no-op")

	allowed := Runtime{Store: bs.client(), AgentID: "janitor",
		caps: breadcrumb.Capabilities{breadcrumb.CapEmit: true, breadcrumb.CapDelete: true}}
	require.NoError(t, allowed.Delete(context.Background(), "doomed"))
	assert.Empty(t, bs.bySchema("note.v1"))
}

func TestSearchToolList(t *testing.T) {
	bs := newBusStore(t)
	bs.seed("n-1", "note.v1", "x", map[string]any{"text": "in scope"}, testWorkspace)
	bs.seed("n-2", "note.v1", "x", map[string]any{"text": "other workspace"}, "workspace:elsewhere")
	bs.seed("n-3", "memo.v1", "x", map[string]any{"text": "other schema"}, testWorkspace)

	rt := Runtime{Store: bs.client(), Workspace: testWorkspace, AgentID: "tester"}
	out, err := searchTool(context.Background(), ToolCall{Input: map[string]any{
		"schema_name": "note.v1",
	}}, rt)
	require.NoError(t, err)

	res, _ := out.(map[string]any)
	require.NotNil(t, res)
	assert.Equal(t, 1, res["count"])
	results, _ := res["results"].([]map[string]any)
	require.Len(t, results, 1)
	assert.Equal(t, "n-1", results[0]["id"])
}

func TestSearchToolVector(t *testing.T) {
	bs := newBusStore(t)
	bs.seed("v-1", "note.v1", "x", map[string]any{}, testWorkspace)
	bs.seed("v-2", "note.v1", "x", map[string]any{}, "workspace:elsewhere")
	bs.setVectorHits("v-1", "v-2")

	rt := Runtime{Store: bs.client(), Workspace: testWorkspace, AgentID: "tester"}
	out, err := searchTool(context.Background(), ToolCall{Input: map[string]any{
		"query": "anything relevant",
		"nn":    float64(5),
	}}, rt)
	require.NoError(t, err)

	res, _ := out.(map[string]any)
	require.NotNil(t, res)
	assert.Equal(t, 1, res["count"], "hits outside the workspace are dropped")
}

func TestSecretTool(t *testing.T) {
	bs := newBusStore(t)
	bs.setSecret("api-token", "s3cret")
	rt := Runtime{Store: bs.client(), Workspace: testWorkspace, AgentID: "tester"}

	out, err := secretTool(context.Background(), ToolCall{Input: map[string]any{
		"name": "api-token",
	}}, rt)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"value": "s3cret"}, out)

	out, err = secretTool(context.Background(), ToolCall{Input: map[string]any{
		"id": "sec-api-token",
	}}, rt)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"value": "s3cret"}, out)

	_, err = secretTool(context.Background(), ToolCall{Input: map[string]any{
		"name": "no-such-secret",
	}}, rt)
	require.Error(t, err)

	_, err = secretTool(context.Background(), ToolCall{Input: map[string]any{}}, rt)
	require.Error(t, err)
}

// fakeCompleter records chat params and returns a scripted reply.
type fakeCompleter struct {
	mu    sync.Mutex
	calls []openai.ChatCompletionNewParams
	reply string
}

func (f *fakeCompleter) New(_ context.Context, body openai.ChatCompletionNewParams, _ ...option.RequestOption) (*openai.ChatCompletion, error) {
	f.mu.Lock()
	f.calls = append(f.calls, body)
	f.mu.Unlock()
	return &openai.ChatCompletion{
		Model: "routed-model",
		Choices: []openai.ChatCompletionChoice{{
			Message:      openai.ChatCompletionMessage{Content: f.reply},
			FinishReason: "stop",
		}},
		Usage: openai.CompletionUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func (f *fakeCompleter) params(t *testing.T, i int) openai.ChatCompletionNewParams {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Greater(t, len(f.calls), i)
	return f.calls[i]
}

func TestLLMBuiltinChatCompletion(t *testing.T) {
	fake := &fakeCompleter{reply: "hello"}
	var dialedURL, dialedKey string
	l := newLLMBuiltin()
	l.dial = func(baseURL, apiKey string) ChatCompleter {
		dialedURL, dialedKey = baseURL, apiKey
		return fake
	}

	out, err := l.call(context.Background(), ToolCall{
		Input: map[string]any{
			"messages": []any{
				map[string]any{"role": "system", "content": "be brief"},
				map[string]any{"role": "user", "content": "hi"},
			},
			"model":       "m1",
			"temperature": 0.2,
		},
		Config: map[string]any{"api_key": "k1"},
	}, Runtime{AgentID: "tester"})
	require.NoError(t, err)

	assert.Equal(t, defaultLLMBaseURL, dialedURL)
	assert.Equal(t, "k1", dialedKey)

	params := fake.params(t, 0)
	assert.Equal(t, "m1", string(params.Model))
	require.Len(t, params.Messages, 2)
	assert.NotNil(t, params.Messages[0].OfSystem)
	assert.NotNil(t, params.Messages[1].OfUser)
	assert.Equal(t, 0.2, params.Temperature.Value)

	res, _ := out.(map[string]any)
	require.NotNil(t, res)
	assert.Equal(t, "hello", res["content"])
	assert.Equal(t, "routed-model", res["model"])
	assert.Equal(t, "stop", res["finish_reason"])
	usage, _ := res["usage"].(map[string]any)
	require.NotNil(t, usage)
	assert.EqualValues(t, 15, usage["total_tokens"])
}

func TestLLMBuiltinPromptShorthand(t *testing.T) {
	fake := &fakeCompleter{reply: "ok"}
	l := newLLMBuiltin()
	l.dial = func(string, string) ChatCompleter { return fake }

	_, err := l.call(context.Background(), ToolCall{
		Input:  map[string]any{"prompt": "just this"},
		Config: map[string]any{"api_key": "k", "model": "cfg-model", "base_url": "http://llm.local/v1"},
	}, Runtime{})
	require.NoError(t, err)

	params := fake.params(t, 0)
	assert.Equal(t, "cfg-model", string(params.Model))
	require.Len(t, params.Messages, 1)
	assert.NotNil(t, params.Messages[0].OfUser)
}

func TestLLMBuiltinDefaultModel(t *testing.T) {
	fake := &fakeCompleter{reply: "ok"}
	l := newLLMBuiltin()
	l.dial = func(string, string) ChatCompleter { return fake }

	_, err := l.call(context.Background(), ToolCall{
		Input:  map[string]any{"prompt": "x"},
		Config: map[string]any{"api_key": "k"},
	}, Runtime{})
	require.NoError(t, err)
	assert.Equal(t, defaultLLMModel, string(fake.params(t, 0).Model))
}

func TestLLMBuiltinClientCache(t *testing.T) {
	fake := &fakeCompleter{reply: "ok"}
	dials := 0
	l := newLLMBuiltin()
	l.dial = func(string, string) ChatCompleter {
		dials++
		return fake
	}

	call := ToolCall{Input: map[string]any{"prompt": "x"}, Config: map[string]any{"api_key": "k"}}
	_, err := l.call(context.Background(), call, Runtime{})
	require.NoError(t, err)
	_, err = l.call(context.Background(), call, Runtime{})
	require.NoError(t, err)
	assert.Equal(t, 1, dials, "same endpoint and key reuse the client")

	call.Config = map[string]any{"api_key": "other"}
	_, err = l.call(context.Background(), call, Runtime{})
	require.NoError(t, err)
	assert.Equal(t, 2, dials)
}

func TestLLMBuiltinKeyFromSecret(t *testing.T) {
	bs := newBusStore(t)
	bs.setSecret("openrouter-key", "from-store")

	fake := &fakeCompleter{reply: "ok"}
	var dialedKey string
	l := newLLMBuiltin()
	l.dial = func(_, apiKey string) ChatCompleter {
		dialedKey = apiKey
		return fake
	}

	_, err := l.call(context.Background(), ToolCall{
		Input:  map[string]any{"prompt": "x"},
		Config: map[string]any{"api_key_secret": "openrouter-key"},
	}, Runtime{Store: bs.client(), AgentID: "tester"})
	require.NoError(t, err)
	assert.Equal(t, "from-store", dialedKey)
}

func TestLLMBuiltinKeyFromEnv(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "from-env")

	fake := &fakeCompleter{reply: "ok"}
	var dialedKey string
	l := newLLMBuiltin()
	l.dial = func(_, apiKey string) ChatCompleter {
		dialedKey = apiKey
		return fake
	}

	_, err := l.call(context.Background(), ToolCall{
		Input: map[string]any{"prompt": "x"},
	}, Runtime{})
	require.NoError(t, err)
	assert.Equal(t, "from-env", dialedKey)
}

func TestLLMBuiltinNoKeyFails(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")

	l := newLLMBuiltin()
	l.dial = func(string, string) ChatCompleter { return &fakeCompleter{} }

	_, err := l.call(context.Background(), ToolCall{
		Input: map[string]any{"prompt": "x"},
	}, Runtime{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no API key")
}

func TestLLMBuiltinRequiresMessages(t *testing.T) {
	l := newLLMBuiltin()
	l.dial = func(string, string) ChatCompleter { return &fakeCompleter{} }

	_, err := l.call(context.Background(), ToolCall{
		Input:  map[string]any{},
		Config: map[string]any{"api_key": "k"},
	}, Runtime{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "messages or prompt")
}

func TestChatMessagesRoles(t *testing.T) {
	messages, err := chatMessages(map[string]any{"messages": []any{
		map[string]any{"role": "system", "content": "s"},
		map[string]any{"role": "user", "content": "u"},
		map[string]any{"role": "assistant", "content": "a"},
		map[string]any{"role": "tool-ish", "content": "fallback"},
	}})
	require.NoError(t, err)
	require.Len(t, messages, 4)
	assert.NotNil(t, messages[0].OfSystem)
	assert.NotNil(t, messages[1].OfUser)
	assert.NotNil(t, messages[2].OfAssistant)
	assert.NotNil(t, messages[3].OfUser, "unknown roles degrade to user")

	_, err = chatMessages(map[string]any{"messages": []any{"not an object"}})
	require.Error(t, err)

	_, err = chatMessages(map[string]any{"messages": []any{}})
	require.Error(t, err)
}
