package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcrt-project/rcrt-runner/pkg/api"
	"github.com/rcrt-project/rcrt-runner/pkg/breadcrumb"
)

func TestDeletingDefinitionUnbindsConsumer(t *testing.T) {
	bus := NewTestBus(t)
	def := bus.CreateDefinition(t, breadcrumb.SchemaToolDef, "echo", echoToolContext(bus.Config.Workspace))

	bus.Create(t, breadcrumb.SchemaToolRequest, "Echo request", map[string]any{
		"tool": "echo", "input": map[string]any{"n": 1}, "requestId": "r-before",
	})
	bus.AwaitResponse(t, breadcrumb.SchemaToolResponse, "r-before")

	require.NoError(t, bus.Client.Delete(context.Background(), def.ID))
	bus.WaitForConsumerGone(t, "echo")

	bus.Create(t, breadcrumb.SchemaToolRequest, "Echo request", map[string]any{
		"tool": "echo", "input": map[string]any{"n": 2}, "requestId": "r-after",
	})
	// Nothing is bound to answer anymore.
	bus.RequireStableCount(t, breadcrumb.SchemaToolResponse, 1, 300*time.Millisecond)
}

// Definition updates ride the same ordered stream as the work, so a
// rebind always lands before any trigger created after it.
func TestUpdatedDefinitionTakesEffectInOrder(t *testing.T) {
	bus := NewTestBus(t)
	ws := bus.Config.Workspace
	bus.CreateDefinition(t, breadcrumb.SchemaToolDef, llmToolName, llmToolContext(ws, bus.LLM.URL))
	def := bus.CreateDefinition(t, breadcrumb.SchemaAgentDef, "assistant",
		agentContext("assistant", "You are terse.", triggerOn(breadcrumb.SchemaUserMessage, ws)))

	bus.LLM.reply("short")
	m1 := bus.Create(t, breadcrumb.SchemaUserMessage, "User message", map[string]any{"content": "one"})
	bus.AwaitResponse(t, breadcrumb.SchemaAgentResponse, m1.ID)
	assert.Contains(t, bus.LLM.request(0).Messages[0].Content, "You are terse.")

	_, err := bus.Client.Update(context.Background(), def.ID, def.Version, &breadcrumb.UpdateRequest{
		Context: agentContext("assistant", "Answer like a pirate.", triggerOn(breadcrumb.SchemaUserMessage, ws)),
	})
	require.NoError(t, err)

	bus.LLM.reply("arr")
	m2 := bus.Create(t, breadcrumb.SchemaUserMessage, "User message", map[string]any{"content": "two"})
	bus.AwaitResponse(t, breadcrumb.SchemaAgentResponse, m2.ID)
	require.Equal(t, 2, bus.LLM.requestCount())
	assert.Contains(t, bus.LLM.request(1).Messages[0].Content, "Answer like a pirate.")
}

// Definitions that predate the runner produce no events; only the
// registry's initial scan can bind them.
func TestInitialLoadRegistersSeededDefinitions(t *testing.T) {
	bus := NewTestBus(t, WithSeed(func(bus *TestBus) {
		bus.Store.seed(breadcrumb.SchemaToolDef, "def echo",
			echoToolContext(bus.Config.Workspace), bus.Config.Workspace)
	}))

	_, ok := bus.Registry.Lookup("echo")
	require.True(t, ok, "seeded definition should be bound at startup")

	bus.Create(t, breadcrumb.SchemaToolRequest, "Echo request", map[string]any{
		"tool": "echo", "input": map[string]any{"seeded": true}, "requestId": "r-seeded",
	})
	bus.AwaitResponse(t, breadcrumb.SchemaToolResponse, "r-seeded")
}

func TestStatusReflectsLiveSubsystems(t *testing.T) {
	bus := NewTestBus(t)
	ws := bus.Config.Workspace
	bus.CreateDefinition(t, breadcrumb.SchemaToolDef, "echo", echoToolContext(ws))
	sources := []any{
		map[string]any{"key": "all", "schema_name": breadcrumb.SchemaUserMessage, "method": "recent", "limit": 3},
	}
	bus.CreateDefinition(t, breadcrumb.SchemaContextConfig, "context:watcher",
		contextConfigContext("watcher", sources, []any{triggerOn(breadcrumb.SchemaUserMessage, ws)}))

	srv := httptest.NewServer(bus.API.Handler())
	t.Cleanup(srv.Close)

	var health api.HealthResponse
	getJSON(t, srv.URL+"/health", &health)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "healthy", health.Checks["store"].Status)
	assert.Equal(t, "healthy", health.Checks["dispatcher"].Status)

	var status api.StatusResponse
	getJSON(t, srv.URL+"/status", &status)
	assert.Equal(t, ws, status.Workspace)
	assert.Equal(t, 2, status.Consumers.Consumers)
	assert.Equal(t, 1, status.Consumers.ByVariant["tool"])
	assert.Equal(t, 1, status.Consumers.ByVariant["context"])
	assert.True(t, status.Dispatcher.Connected)
	assert.Equal(t, 1, status.ContextConfigs)

	// A severed stream degrades health; it does not fail it, because
	// the dispatcher recovers on its own.
	bus.Store.setStreamDown(true)
	bus.WaitDisconnected(t)
	getJSON(t, srv.URL+"/health", &health)
	assert.Equal(t, "degraded", health.Status)

	bus.Store.setStreamDown(false)
	bus.WaitConnected(t)
}

func getJSON(t *testing.T, url string, out any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}
