package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rcrt-project/rcrt-runner/pkg/breadcrumb"
)

// llmToolName is the bus tool agents call for model completions.
const llmToolName = "openrouter"

// defaultToolLoops bounds the agent tool-call depth when neither the
// definition nor the config sets one.
const defaultToolLoops = 4

// agentHandler drives an LLM conversation over the bus. Each model
// call is a tool.request.v1 to the openrouter tool; the model may ask
// for further tool calls, up to the loop limit, before the final
// answer becomes the agent's output.
type agentHandler struct {
	exec *Executor
	spec *breadcrumb.AgentSpec
}

func (h *agentHandler) Execute(ctx context.Context, inv *Invocation) (any, error) {
	limit := h.spec.MaxToolLoops
	if limit <= 0 {
		limit = h.exec.cfg.Executor.ToolLoopLimit
	}
	if limit <= 0 {
		limit = defaultToolLoops
	}

	messages := []map[string]any{
		{"role": "system", "content": h.systemPrompt()},
		{"role": "user", "content": userPrompt(inv)},
	}

	calls := 0
	for {
		input := map[string]any{"messages": messages}
		if h.spec.Model != "" {
			input["model"] = h.spec.Model
		}
		if h.spec.Temperature != nil {
			input["temperature"] = *h.spec.Temperature
		}
		out, err := h.exec.callTool(ctx, llmToolName, input,
			loopKey(h.exec.id, inv.Trigger, "llm", calls))
		if err != nil {
			return nil, err
		}
		content, _ := out["content"].(string)

		call, ok := parseToolCall(content)
		if !ok {
			return map[string]any{
				"content":    content,
				"model":      out["model"],
				"tool_calls": calls,
			}, nil
		}
		if calls >= limit {
			return nil, fmt.Errorf("tool loop limit reached (%d)", limit)
		}
		calls++

		toolOut, toolErr := h.exec.callTool(ctx, call.Tool, call.Input,
			loopKey(h.exec.id, inv.Trigger, "tool", calls))
		messages = append(messages,
			map[string]any{"role": "assistant", "content": content},
			map[string]any{"role": "user", "content": toolResult(call.Tool, toolOut, toolErr)},
		)
	}
}

func (h *agentHandler) systemPrompt() string {
	var sb strings.Builder
	sb.WriteString(h.spec.SystemPrompt)
	sb.WriteString("\n\nWhen you need a tool, reply with exactly one JSON object and nothing else:\n")
	sb.WriteString(`{"tool": "<name>", "input": {...}}`)
	sb.WriteString("\nOtherwise reply with your final answer as plain text.")
	return sb.String()
}

// userPrompt serializes the assembled context and the trigger into the
// first user message.
func userPrompt(inv *Invocation) string {
	var sb strings.Builder
	if len(inv.Context) > 0 {
		raw, err := json.MarshalIndent(inv.Context, "", "  ")
		if err == nil {
			sb.WriteString("Context:\n")
			sb.Write(raw)
			sb.WriteString("\n\n")
		}
	}
	sb.WriteString("Trigger (")
	sb.WriteString(inv.Trigger.SchemaName)
	sb.WriteString("):\n")
	raw, err := json.MarshalIndent(inv.Trigger.Context, "", "  ")
	if err != nil {
		raw = []byte("{}")
	}
	sb.Write(raw)
	return sb.String()
}

type toolCall struct {
	Tool  string         `json:"tool"`
	Input map[string]any `json:"input"`
}

// parseToolCall recognizes a model reply that is a single tool-call
// object, optionally wrapped in a markdown code fence.
func parseToolCall(content string) (toolCall, bool) {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	if !strings.HasPrefix(s, "{") {
		return toolCall{}, false
	}
	var call toolCall
	if err := json.Unmarshal([]byte(s), &call); err != nil || call.Tool == "" {
		return toolCall{}, false
	}
	return call, true
}

// toolResult renders a tool outcome back into the conversation.
func toolResult(name string, out map[string]any, err error) string {
	if err != nil {
		return fmt.Sprintf("Tool %s failed: %v", name, err)
	}
	raw, merr := json.Marshal(out)
	if merr != nil {
		return fmt.Sprintf("Tool %s returned an unserializable result", name)
	}
	return fmt.Sprintf("Tool %s result:\n%s", name, raw)
}

// loopKey builds the idempotency key for the nth bus call of one
// trigger execution. Re-deliveries of the same trigger version replay
// onto the original requests.
func loopKey(consumerID string, trigger *breadcrumb.Breadcrumb, kind string, n int) string {
	return fmt.Sprintf("%s:%s:%d:%s-%d", consumerID, trigger.ID, trigger.Version, kind, n)
}
