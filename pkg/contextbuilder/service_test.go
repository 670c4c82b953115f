package contextbuilder

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcrt-project/rcrt-runner/pkg/breadcrumb"
	"github.com/rcrt-project/rcrt-runner/pkg/config"
	"github.com/rcrt-project/rcrt-runner/pkg/dispatch"
)

func testAssemblerConfig() *config.Config {
	return &config.Config{
		Workspace: "workspace:test",
		Assembler: &config.AssemblerConfig{QueueSize: 4},
		Executor:  &config.ExecutorConfig{HandlerTimeout: 5 * time.Second},
		Retry: &config.RetryConfig{
			MaxAttempts:       1,
			BackoffBase:       time.Millisecond,
			BackoffMultiplier: 2.0,
			MaxBackoff:        2 * time.Millisecond,
		},
	}
}

func newTestService(t *testing.T, ms *memStore, cfg *config.Config) *Service {
	t.Helper()
	if cfg == nil {
		cfg = testAssemblerConfig()
	}
	svc := NewService(cfg, ms.client())
	t.Cleanup(svc.Stop)
	return svc
}

func chatConfig(consumerID string) *breadcrumb.ContextConfig {
	return &breadcrumb.ContextConfig{
		ConsumerID: consumerID,
		Sources: []breadcrumb.ContextSource{
			{Key: "history", SchemaName: "chat.message.v1", Method: MethodRecent, Limit: 5},
		},
		UpdateTriggers: []breadcrumb.Selector{
			{SchemaName: "chat.message.v1"},
		},
	}
}

func chatEvent(id string, version int) *breadcrumb.Event {
	return &breadcrumb.Event{
		Type:         breadcrumb.EventCreated,
		BreadcrumbID: id,
		SchemaName:   "chat.message.v1",
		Tags:         []string{"workspace:test"},
		Version:      version,
		Context:      map[string]any{"role": "user", "content": "ping"},
	}
}

func trigger(cc *breadcrumb.ContextConfig, ev *breadcrumb.Event) *dispatch.Trigger {
	return &dispatch.Trigger{Event: ev, Selector: cc.UpdateTriggers[0]}
}

func awaitContextWrites(t *testing.T, ms *memStore, want ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, ms.contextWrites())
	}, 2*time.Second, 5*time.Millisecond, "want %v, last saw %v", want, ms.contextWrites())
}

func TestService_RebuildPublishesContext(t *testing.T) {
	ms := newMemStore(t)
	ms.seed("m1", "chat.message.v1", 3*time.Minute,
		map[string]any{"role": "user", "content": "older line"}, "workspace:test")
	ms.seed("m2", "chat.message.v1", time.Minute,
		map[string]any{"role": "assistant", "content": "newer line"}, "workspace:test")

	svc := newTestService(t, ms, nil)
	cc := chatConfig("agent-1")
	c := svc.Register(cc, "fallback")
	require.Equal(t, "agent-1", c.ID())
	assert.Equal(t, 1, svc.Configs())

	c.Handle(context.Background(), trigger(cc, chatEvent("m2", 1)))
	awaitContextWrites(t, ms, "m2")

	recs := ms.bySchema(breadcrumb.SchemaAgentContext)
	require.Len(t, recs, 1)
	got := recs[0]

	assert.Equal(t, "Context for agent-1", got.Title)
	assert.Contains(t, got.Tags, "agent:context")
	assert.Contains(t, got.Tags, "consumer:agent-1")
	assert.Contains(t, got.Tags, "workspace:test")
	assert.Nil(t, got.TTL)

	assert.Equal(t, "agent-1", got.Context["consumer_id"])
	assert.Equal(t, "m2", got.Context["trigger_event_id"])
	assert.EqualValues(t, 1, got.Context["sources_assembled"])
	assert.EqualValues(t, 2, got.Context["breadcrumb_count"])
	assert.NotEmpty(t, got.Context["assembled_at"])
	assert.NotZero(t, got.Context["token_estimate"])

	formatted, _ := got.Context["formatted_context"].(string)
	assert.Contains(t, formatted, "## history")
	assert.Less(t,
		strings.Index(formatted, "assistant: newer line"),
		strings.Index(formatted, "user: older line"),
		"newest message should render first")
}

func TestService_SecondRebuildUpdatesInPlace(t *testing.T) {
	ms := newMemStore(t)
	ms.seed("m1", "chat.message.v1", time.Minute,
		map[string]any{"role": "user", "content": "hello"}, "workspace:test")

	svc := newTestService(t, ms, nil)
	cc := chatConfig("agent-1")
	c := svc.Register(cc, "")

	c.Handle(context.Background(), trigger(cc, chatEvent("m1", 1)))
	awaitContextWrites(t, ms, "m1")

	ms.seed("m2", "chat.message.v1", time.Second,
		map[string]any{"role": "assistant", "content": "hi there"}, "workspace:test")
	c.Handle(context.Background(), trigger(cc, chatEvent("m2", 1)))
	awaitContextWrites(t, ms, "m1", "m2")

	recs := ms.bySchema(breadcrumb.SchemaAgentContext)
	require.Len(t, recs, 1, "rolling context must stay a single record")
	assert.Equal(t, 2, recs[0].Version)
	assert.Equal(t, "m2", recs[0].Context["trigger_event_id"])

	creates, patches := ms.counts()
	assert.Equal(t, 1, creates)
	assert.Equal(t, 1, patches)
}

func TestService_AdoptsExistingContextRecord(t *testing.T) {
	ms := newMemStore(t)
	ms.seed("ctx-old", breadcrumb.SchemaAgentContext, time.Hour,
		map[string]any{"formatted_context": "stale"},
		"agent:context", "consumer:agent-1", "workspace:test")
	ms.seed("m1", "chat.message.v1", time.Minute,
		map[string]any{"role": "user", "content": "hello"}, "workspace:test")

	svc := newTestService(t, ms, nil)
	cc := chatConfig("agent-1")
	c := svc.Register(cc, "")

	c.Handle(context.Background(), trigger(cc, chatEvent("m1", 1)))
	awaitContextWrites(t, ms, "m1")

	creates, patches := ms.counts()
	assert.Zero(t, creates, "existing rolling context must be reused")
	assert.Equal(t, 1, patches)

	recs := ms.bySchema(breadcrumb.SchemaAgentContext)
	require.Len(t, recs, 1)
	assert.Equal(t, "ctx-old", recs[0].ID)
	assert.Equal(t, 2, recs[0].Version)
}

func TestService_AppliesOutputTTLAndTags(t *testing.T) {
	ms := newMemStore(t)
	ms.seed("m1", "chat.message.v1", time.Minute,
		map[string]any{"content": "hello"}, "workspace:test")

	svc := newTestService(t, ms, nil)
	cc := chatConfig("agent-1")
	cc.Output.Tags = []string{"tier:gold", "agent:context"}
	cc.Output.TTLSeconds = 3600
	c := svc.Register(cc, "")

	c.Handle(context.Background(), trigger(cc, chatEvent("m1", 1)))
	awaitContextWrites(t, ms, "m1")

	recs := ms.bySchema(breadcrumb.SchemaAgentContext)
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0].Tags, "tier:gold")
	// Declared tags that duplicate the standard set are not doubled.
	assert.Equal(t, 1, countTag(recs[0].Tags, "agent:context"))
	require.NotNil(t, recs[0].TTL)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *recs[0].TTL, time.Minute)
}

func TestService_DeferredPredicatesRecheckedOnFullRecord(t *testing.T) {
	ms := newMemStore(t)
	ms.seed("t1", "chat.message.v1", 2*time.Minute,
		map[string]any{"content": "hello there"}, "workspace:test")
	ms.seed("t2", "chat.message.v1", time.Minute,
		map[string]any{"content": "please deploy now"}, "workspace:test")

	svc := newTestService(t, ms, nil)
	cc := chatConfig("agent-1")
	cc.UpdateTriggers = []breadcrumb.Selector{{
		SchemaName:   "chat.message.v1",
		ContextMatch: []breadcrumb.ContextMatch{{Path: "$.content", Op: breadcrumb.OpContains, Value: "deploy"}},
	}}
	c := svc.Register(cc, "")

	thin := func(id string) *breadcrumb.Event {
		return &breadcrumb.Event{
			Type:         breadcrumb.EventUpdated,
			BreadcrumbID: id,
			SchemaName:   "chat.message.v1",
			Tags:         []string{"workspace:test"},
			Version:      2,
		}
	}

	// t1 fails the predicate on the full record; t2 passes. The worker
	// is serial, so observing t2's write proves t1 was skipped.
	c.Handle(context.Background(), &dispatch.Trigger{Event: thin("t1"), Selector: cc.UpdateTriggers[0], Deferred: true})
	c.Handle(context.Background(), &dispatch.Trigger{Event: thin("t2"), Selector: cc.UpdateTriggers[0], Deferred: true})

	awaitContextWrites(t, ms, "t2")
	creates, _ := ms.counts()
	assert.Equal(t, 1, creates)
}

func TestService_ReplaceConfigTakesEffect(t *testing.T) {
	ms := newMemStore(t)
	ms.seed("m1", "chat.message.v1", time.Minute,
		map[string]any{"content": "chat line"}, "workspace:test")
	ms.seed("d1", "doc.v1", time.Minute,
		map[string]any{"content": "doc line"}, "workspace:test")

	svc := newTestService(t, ms, nil)
	c := svc.Register(chatConfig("agent-1"), "")

	c.Handle(context.Background(), trigger(chatConfig("agent-1"), chatEvent("m1", 1)))
	awaitContextWrites(t, ms, "m1")

	replaced := &breadcrumb.ContextConfig{
		ConsumerID: "agent-1",
		Sources: []breadcrumb.ContextSource{
			{Key: "docs", SchemaName: "doc.v1", Method: MethodRecent, Limit: 3},
		},
		UpdateTriggers: []breadcrumb.Selector{{SchemaName: "doc.v1"}},
	}
	c2 := svc.Register(replaced, "")
	assert.Equal(t, 1, svc.Configs(), "re-registration must not duplicate the consumer")
	assert.Equal(t, []breadcrumb.Selector{{SchemaName: "doc.v1"}}, c2.Selectors())

	c2.Handle(context.Background(), &dispatch.Trigger{
		Event: &breadcrumb.Event{
			Type:         breadcrumb.EventCreated,
			BreadcrumbID: "d1",
			SchemaName:   "doc.v1",
			Tags:         []string{"workspace:test"},
			Version:      1,
			Context:      map[string]any{"content": "doc line"},
		},
		Selector: replaced.UpdateTriggers[0],
	})
	awaitContextWrites(t, ms, "m1", "d1")

	recs := ms.bySchema(breadcrumb.SchemaAgentContext)
	require.Len(t, recs, 1)
	formatted, _ := recs[0].Context["formatted_context"].(string)
	assert.Contains(t, formatted, "## docs")
	assert.NotContains(t, formatted, "## history")
}

func TestService_NewestTriggerWinsWhenQueueSaturated(t *testing.T) {
	ms := newMemStore(t)
	ms.seed("m1", "chat.message.v1", time.Minute,
		map[string]any{"content": "hello"}, "workspace:test")

	cfg := testAssemblerConfig()
	cfg.Assembler.QueueSize = 1
	svc := newTestService(t, ms, cfg)
	cc := chatConfig("agent-1")
	c := svc.Register(cc, "")

	// Park the worker inside the first rebuild, then saturate the
	// queue. Only the newest queued trigger may survive.
	ms.armGate()
	c.Handle(context.Background(), trigger(cc, chatEvent("ev-1", 1)))
	ms.awaitParked(t)

	c.Handle(context.Background(), trigger(cc, chatEvent("ev-2", 1)))
	c.Handle(context.Background(), trigger(cc, chatEvent("ev-3", 1)))
	ms.openGate()

	awaitContextWrites(t, ms, "ev-1", "ev-3")
}

func TestService_DeregisterIsIdempotent(t *testing.T) {
	ms := newMemStore(t)
	svc := newTestService(t, ms, nil)
	cc := chatConfig("agent-1")
	c := svc.Register(cc, "")
	require.Equal(t, 1, svc.Configs())

	svc.Deregister("agent-1")
	svc.Deregister("agent-1")
	assert.Zero(t, svc.Configs())
	assert.Empty(t, c.Selectors())

	// Triggers for a deregistered consumer fall on the floor.
	c.Handle(context.Background(), trigger(cc, chatEvent("m1", 1)))
	assert.Never(t, func() bool {
		creates, patches := ms.counts()
		return creates+patches > 0
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestService_FallbackConsumerID(t *testing.T) {
	ms := newMemStore(t)
	svc := newTestService(t, ms, nil)

	cc := chatConfig("")
	cc.ConsumerID = ""
	c := svc.Register(cc, "def-bc-1")
	assert.Equal(t, "def-bc-1", c.ID())
	assert.Equal(t, 1, svc.Configs())
}

func countTag(tags []string, tag string) int {
	n := 0
	for _, t := range tags {
		if t == tag {
			n++
		}
	}
	return n
}
