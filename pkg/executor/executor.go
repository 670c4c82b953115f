// Package executor materializes consumer definitions into runnable
// event handlers. Agents, tools, and workflows share one lifecycle
// (fetch the trigger, guard against self-loops, assemble context,
// execute, always respond) and differ only in the handler invoked.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/rcrt-project/rcrt-runner/pkg/breadcrumb"
	"github.com/rcrt-project/rcrt-runner/pkg/bridge"
	"github.com/rcrt-project/rcrt-runner/pkg/config"
	"github.com/rcrt-project/rcrt-runner/pkg/contextbuilder"
	"github.com/rcrt-project/rcrt-runner/pkg/dispatch"
	"github.com/rcrt-project/rcrt-runner/pkg/metrics"
	"github.com/rcrt-project/rcrt-runner/pkg/store"
)

// Executor variants, used as metric labels and in response titles.
const (
	VariantAgent    = "agent"
	VariantTool     = "tool"
	VariantWorkflow = "workflow"
)

// emitTimeout bounds response emission. Emission runs on a fresh
// context because the handler's context may already be expired.
const emitTimeout = 15 * time.Second

// Invocation is the input to a handler: the full trigger breadcrumb
// and the context map assembled from the consumer's role=context
// subscriptions.
type Invocation struct {
	Trigger *breadcrumb.Breadcrumb
	Context map[string]any
}

// Handler executes one trigger. An error return becomes a status=error
// response breadcrumb; it never propagates further.
type Handler interface {
	Execute(ctx context.Context, inv *Invocation) (any, error)
}

// Executor is the universal consumer shell around a variant handler.
// It implements dispatch.Consumer; Handle runs on the consumer's
// dedicated dispatcher worker, so invocations never overlap.
type Executor struct {
	id         string
	variant    string
	sels       []breadcrumb.Selector
	caps       breadcrumb.Capabilities
	respSchema string
	handler    Handler

	cfg     *config.Config
	store   *store.Client
	fetcher *contextbuilder.Fetcher
	bridge  *bridge.Bridge
}

func newExecutor(cfg *config.Config, base *store.Client, br *bridge.Bridge, def *breadcrumb.Definition, variant, respSchema string) *Executor {
	id := def.ConsumerID()
	// The derived client stamps created_by with the consumer's own
	// identity, which is what the self-loop guard keys on.
	sc := base.ForIdentity(id)
	return &Executor{
		id:         id,
		variant:    variant,
		sels:       def.Selectors(),
		caps:       def.Capabilities(),
		respSchema: respSchema,
		cfg:        cfg,
		store:      sc,
		fetcher:    contextbuilder.NewFetcher(sc, cfg.Workspace),
		bridge:     br,
	}
}

// NewAgent materializes an agent definition.
func NewAgent(cfg *config.Config, base *store.Client, br *bridge.Bridge, def *breadcrumb.Definition) (*Executor, error) {
	if def.Agent == nil {
		return nil, fmt.Errorf("definition %s is not an agent", def.Source.ID)
	}
	e := newExecutor(cfg, base, br, def, VariantAgent, breadcrumb.SchemaAgentResponse)
	e.handler = &agentHandler{exec: e, spec: def.Agent}
	return e, nil
}

// NewTool materializes a tool definition against the given toolbox.
// Unknown bindings and malformed input schemas fail here, before the
// consumer registers.
func NewTool(cfg *config.Config, base *store.Client, br *bridge.Bridge, def *breadcrumb.Definition, tb *Toolbox) (*Executor, error) {
	if def.Tool == nil {
		return nil, fmt.Errorf("definition %s is not a tool", def.Source.ID)
	}
	e := newExecutor(cfg, base, br, def, VariantTool, breadcrumb.SchemaToolResponse)
	h, err := newToolHandler(e, def.Tool, tb)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", e.id, err)
	}
	e.handler = h
	return e, nil
}

// NewWorkflow materializes a workflow definition.
func NewWorkflow(cfg *config.Config, base *store.Client, br *bridge.Bridge, def *breadcrumb.Definition) (*Executor, error) {
	if def.Workflow == nil {
		return nil, fmt.Errorf("definition %s is not a workflow", def.Source.ID)
	}
	e := newExecutor(cfg, base, br, def, VariantWorkflow, breadcrumb.SchemaWorkflowResult)
	e.handler = &workflowHandler{exec: e, spec: def.Workflow}
	return e, nil
}

// ID implements dispatch.Consumer.
func (e *Executor) ID() string { return e.id }

// Selectors implements dispatch.Consumer.
func (e *Executor) Selectors() []breadcrumb.Selector { return e.sels }

// Variant reports the handler kind, for the status API.
func (e *Executor) Variant() string { return e.variant }

// Handle implements dispatch.Consumer.
func (e *Executor) Handle(ctx context.Context, t *dispatch.Trigger) {
	started := time.Now()
	status := e.run(ctx, t, started)
	metrics.ExecutorRuns.WithLabelValues(e.variant, status).Inc()
	metrics.HandlerDuration.WithLabelValues(e.variant).Observe(time.Since(started).Seconds())
}

func (e *Executor) run(ctx context.Context, t *dispatch.Trigger, started time.Time) string {
	id := t.Event.BreadcrumbID
	trigger, err := e.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			slog.Debug("Trigger gone before handling, skipping",
				"consumer", e.id, "breadcrumb_id", id)
			return "skipped"
		}
		slog.Error("Trigger fetch failed",
			"consumer", e.id, "breadcrumb_id", id, "error", err)
		e.respond(id, t.Event.Version, id, nil, fmt.Errorf("fetch trigger: %w", err), started)
		return "error"
	}

	if trigger.CreatedBy == e.id {
		slog.Debug("Skipping own breadcrumb",
			"consumer", e.id, "breadcrumb_id", trigger.ID)
		return "skipped"
	}
	if t.Deferred && !matchesFull(&t.Selector, trigger) {
		slog.Debug("Deferred predicates failed on full record, skipping",
			"consumer", e.id, "breadcrumb_id", trigger.ID)
		return "skipped"
	}

	inv := &Invocation{
		Trigger: trigger,
		Context: e.assembleContext(ctx, trigger),
	}
	out, execErr := e.execute(ctx, inv)
	e.respond(trigger.ID, trigger.Version, requestID(trigger), out, execErr, started)
	if execErr != nil {
		slog.Error("Handler failed",
			"consumer", e.id, "variant", e.variant,
			"breadcrumb_id", trigger.ID, "error", execErr)
		return "error"
	}
	return "ok"
}

// assembleContext runs every role=context subscription through the
// shared fetch primitives and keys the results by each subscription's
// key. Fetch failures degrade to a missing key rather than aborting
// the invocation.
func (e *Executor) assembleContext(ctx context.Context, trigger *breadcrumb.Breadcrumb) map[string]any {
	out := map[string]any{}
	for i := range e.sels {
		sel := e.sels[i]
		if sel.Role != breadcrumb.RoleContext {
			continue
		}
		src := contextbuilder.SourceFromSelector(sel)
		if _, dup := out[src.Key]; dup {
			continue
		}
		items, err := e.fetcher.Fetch(ctx, &src, trigger)
		if err != nil {
			slog.Warn("Context fetch failed",
				"consumer", e.id, "key", src.Key, "error", err)
			continue
		}
		if contextbuilder.Collapsed(&src) {
			if len(items) > 0 {
				out[src.Key] = items[0].Context
			}
			continue
		}
		list := make([]map[string]any, 0, len(items))
		for _, it := range items {
			list = append(list, it.Context)
		}
		out[src.Key] = list
	}
	return out
}

// execute invokes the handler with a panic trap. A panic becomes an
// error result so the trigger still gets its response.
func (e *Executor) execute(ctx context.Context, inv *Invocation) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Handler panicked",
				"consumer", e.id, "variant", e.variant, "panic", r)
			out = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return e.handler.Execute(ctx, inv)
}

// respond emits the variant's response breadcrumb. The idempotency key
// is derived from the trigger's identity and version so re-executions
// after a duplicate delivery collapse onto the original response.
func (e *Executor) respond(triggerID string, triggerVersion int, reqID string, out any, execErr error, started time.Time) {
	if !e.caps.Allows(breadcrumb.CapEmit) {
		slog.Warn("Emit capability not granted, response suppressed",
			"consumer", e.id, "trigger_id", triggerID)
		return
	}

	payload := map[string]any{
		"request_id":        reqID,
		"output":            out,
		"status":            "success",
		"execution_time_ms": time.Since(started).Milliseconds(),
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
	}
	if execErr != nil {
		payload["status"] = "error"
		payload["error"] = execErr.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
	defer cancel()
	key := e.id + ":" + triggerID + ":" + strconv.Itoa(triggerVersion) + ":response"
	_, err := e.store.Create(ctx, &breadcrumb.CreateRequest{
		SchemaName: e.respSchema,
		Title:      fmt.Sprintf("%s response from %s", e.variant, e.id),
		Tags:       []string{breadcrumb.ResponseTag(triggerID), e.cfg.Workspace},
		Context:    payload,
	}, store.WithIdempotencyKey(key))
	if err != nil {
		slog.Error("Response emission failed",
			"consumer", e.id, "trigger_id", triggerID, "error", err)
	}
}

// callTool emits a tool.request.v1 and waits on the bridge for the
// matching tool.response.v1. The correlation id is the request
// breadcrumb's own id, which the tool executor echoes back as
// request_id. Non-map outputs are wrapped under "value".
func (e *Executor) callTool(ctx context.Context, name string, input map[string]any, idemKey string) (map[string]any, error) {
	if !e.caps.Allows(breadcrumb.CapEmit) {
		return nil, fmt.Errorf("emit capability not granted to %s", e.id)
	}

	var opts []store.CreateOption
	if idemKey != "" {
		opts = append(opts, store.WithIdempotencyKey(idemKey))
	}
	created, err := e.store.Create(ctx, &breadcrumb.CreateRequest{
		SchemaName: breadcrumb.SchemaToolRequest,
		Title:      "Tool call: " + name,
		Tags:       []string{e.cfg.Workspace, "tool:" + name},
		Context: map[string]any{
			"tool":         name,
			"input":        input,
			"requested_by": e.id,
		},
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("emit %s request: %w", name, err)
	}

	resp, err := e.bridge.Wait(ctx, bridge.Criteria{
		SchemaName: breadcrumb.SchemaToolResponse,
		RequestID:  created.ID,
	}, 0)
	if err != nil {
		return nil, fmt.Errorf("await %s response: %w", name, err)
	}
	if resp.ContextString("status") == "error" {
		msg := resp.ContextString("error")
		if msg == "" {
			msg = "unknown error"
		}
		return nil, fmt.Errorf("tool %s failed: %s", name, msg)
	}
	if m, ok := resp.Context["output"].(map[string]any); ok {
		return m, nil
	}
	return map[string]any{"value": resp.Context["output"]}, nil
}

// requestID picks the correlation id echoed in the response: an
// explicit request id from the trigger's context when present (both
// spellings appear in the wild), the trigger breadcrumb's id otherwise.
func requestID(trigger *breadcrumb.Breadcrumb) string {
	if id := trigger.ContextString("request_id"); id != "" {
		return id
	}
	if id := trigger.ContextString("requestId"); id != "" {
		return id
	}
	return trigger.ID
}

// matchesFull re-runs a selector against the fetched record. With the
// full context present no predicate can defer again.
func matchesFull(sel *breadcrumb.Selector, bc *breadcrumb.Breadcrumb) bool {
	ev := &breadcrumb.Event{
		Type:         breadcrumb.EventUpdated,
		BreadcrumbID: bc.ID,
		SchemaName:   bc.SchemaName,
		Tags:         bc.Tags,
		Version:      bc.Version,
		Context:      bc.Context,
	}
	res := sel.Match(ev)
	return res.Matched && !res.Deferred
}
