package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rcrt-project/rcrt-runner/pkg/breadcrumb"
)

// toolHandler runs a locally registered function for each matching
// tool.request.v1. The definition's input schema, when present, is
// compiled once and gates every invocation.
type toolHandler struct {
	exec   *Executor
	spec   *breadcrumb.ToolSpec
	fn     ToolFunc
	schema *jsonschema.Schema
}

func newToolHandler(exec *Executor, spec *breadcrumb.ToolSpec, tb *Toolbox) (*toolHandler, error) {
	name := spec.Binding.Name
	if name == "" {
		name = spec.Tool
	}
	fn, ok := tb.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("no builtin registered for binding %q", name)
	}

	h := &toolHandler{exec: exec, spec: spec, fn: fn}
	if len(spec.InputSchema) > 0 {
		var doc any
		if err := json.Unmarshal(spec.InputSchema, &doc); err != nil {
			return nil, fmt.Errorf("decode input schema: %w", err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("input.json", doc); err != nil {
			return nil, fmt.Errorf("add input schema: %w", err)
		}
		schema, err := c.Compile("input.json")
		if err != nil {
			return nil, fmt.Errorf("compile input schema: %w", err)
		}
		h.schema = schema
	}
	return h, nil
}

func (h *toolHandler) Execute(ctx context.Context, inv *Invocation) (any, error) {
	// Selectors normally pin the tool name via context_match; a
	// wildcard subscription can still deliver requests addressed
	// elsewhere.
	if addressed := inv.Trigger.ContextString("tool"); addressed != "" && addressed != h.exec.id {
		return nil, fmt.Errorf("request addressed to %q, not %q", addressed, h.exec.id)
	}

	input, _ := inv.Trigger.Context["input"].(map[string]any)
	if h.schema != nil {
		var doc any = input
		if input == nil {
			doc = map[string]any{}
		}
		if err := h.schema.Validate(doc); err != nil {
			return nil, fmt.Errorf("input validation: %w", err)
		}
	}

	rt := Runtime{
		Store:     h.exec.store,
		Wait:      h.exec.bridge.Wait,
		Workspace: h.exec.cfg.Workspace,
		AgentID:   h.exec.id,
		caps:      h.exec.caps,
	}
	return h.fn(ctx, ToolCall{
		RequestID: requestID(inv.Trigger),
		Name:      h.exec.id,
		Input:     input,
		Config:    h.spec.Binding.Config,
	}, rt)
}
