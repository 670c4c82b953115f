package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/rcrt-project/rcrt-runner/pkg/breadcrumb"
	"github.com/rcrt-project/rcrt-runner/pkg/bridge"
	"github.com/rcrt-project/rcrt-runner/pkg/store"
)

// ToolFunc is an in-process tool implementation. The returned value
// becomes the response breadcrumb's output; an error becomes a
// status=error response.
type ToolFunc func(ctx context.Context, call ToolCall, rt Runtime) (any, error)

// ToolCall carries one invocation's inputs. Config comes from the tool
// definition's binding, Input from the trigger breadcrumb.
type ToolCall struct {
	RequestID string
	Name      string
	Input     map[string]any
	Config    map[string]any
}

// WaitFunc blocks until a breadcrumb matching the criteria arrives.
type WaitFunc func(ctx context.Context, criteria bridge.Criteria, timeout time.Duration) (*breadcrumb.Breadcrumb, error)

// Runtime is the capability surface handed to a tool function: the
// consumer's derived store client, the event bridge, and its identity.
type Runtime struct {
	Store     *store.Client
	Wait      WaitFunc
	Workspace string
	AgentID   string

	caps breadcrumb.Capabilities
}

// Allows reports whether the owning consumer's capabilities permit the
// action. Tools that emit or delete breadcrumbs check this first.
func (r Runtime) Allows(action string) bool {
	return r.caps.Allows(action)
}

// Delete removes a breadcrumb on the consumer's behalf. A consumer
// without the delete capability gets a warn log and no deletion.
func (r Runtime) Delete(ctx context.Context, id string) error {
	if !r.caps.Allows(breadcrumb.CapDelete) {
		slog.Warn("Delete capability not granted, deletion skipped",
			"consumer", r.AgentID, "breadcrumb_id", id)
		return nil
	}
	return r.Store.Delete(ctx, id)
}

// Toolbox maps binding names to tool functions. The builtins are
// registered at construction; embedders may add their own before the
// registry materializes tool consumers.
type Toolbox struct {
	mu  sync.RWMutex
	fns map[string]ToolFunc
}

// NewToolbox returns a toolbox with the builtin tools registered.
func NewToolbox() *Toolbox {
	tb := &Toolbox{fns: make(map[string]ToolFunc)}
	tb.Register("echo", echoTool)
	tb.Register("openrouter", newLLMBuiltin().call)
	tb.Register("breadcrumb_search", searchTool)
	tb.Register("get_secret", secretTool)
	return tb
}

// Register adds or replaces a tool function.
func (t *Toolbox) Register(name string, fn ToolFunc) {
	t.mu.Lock()
	t.fns[name] = fn
	t.mu.Unlock()
}

// Lookup resolves a binding name.
func (t *Toolbox) Lookup(name string) (ToolFunc, bool) {
	t.mu.RLock()
	fn, ok := t.fns[name]
	t.mu.RUnlock()
	return fn, ok
}

// Names lists registered tools, for the status API.
func (t *Toolbox) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.fns))
	for name := range t.fns {
		names = append(names, name)
	}
	return names
}

// echoTool returns its input unchanged.
func echoTool(_ context.Context, call ToolCall, _ Runtime) (any, error) {
	if call.Input == nil {
		return map[string]any{}, nil
	}
	return call.Input, nil
}

// searchTool exposes the store's search endpoints. A "query" input runs
// vector search, anything else a tag/schema listing. Results stay
// scoped to the consumer's workspace.
func searchTool(ctx context.Context, call ToolCall, rt Runtime) (any, error) {
	schema, _ := call.Input["schema_name"].(string)

	if query, _ := call.Input["query"].(string); query != "" {
		nn := intInput(call.Input, "nn", 5)
		hits, err := rt.Store.VectorSearch(ctx, query, nn, schema)
		if err != nil {
			return nil, fmt.Errorf("vector search: %w", err)
		}
		return searchResults(scopeToWorkspace(hits, rt.Workspace)), nil
	}

	filter := store.SearchFilter{
		SchemaName: schema,
		Tags:       []string{rt.Workspace},
		Limit:      intInput(call.Input, "limit", 10),
	}
	if tags, ok := call.Input["tags"].([]any); ok {
		for _, t := range tags {
			if s, ok := t.(string); ok && s != "" {
				filter.Tags = append(filter.Tags, s)
			}
		}
	}
	hits, err := rt.Store.Search(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	return searchResults(hits), nil
}

func searchResults(hits []breadcrumb.Summary) map[string]any {
	results := make([]map[string]any, 0, len(hits))
	for _, h := range hits {
		results = append(results, map[string]any{
			"id":          h.ID,
			"title":       h.Title,
			"schema_name": h.SchemaName,
			"tags":        h.Tags,
			"version":     h.Version,
		})
	}
	return map[string]any{"results": results, "count": len(results)}
}

func scopeToWorkspace(hits []breadcrumb.Summary, workspace string) []breadcrumb.Summary {
	scoped := hits[:0]
	for _, h := range hits {
		for _, tag := range h.Tags {
			if tag == workspace {
				scoped = append(scoped, h)
				break
			}
		}
	}
	return scoped
}

// secretTool releases a decrypted secret by id or by name. The purpose
// string lands in the store's audit trail.
func secretTool(ctx context.Context, call ToolCall, rt Runtime) (any, error) {
	purpose, _ := call.Input["purpose"].(string)
	if purpose == "" {
		purpose = "requested by " + rt.AgentID
	}

	id, _ := call.Input["id"].(string)
	if id == "" {
		name, _ := call.Input["name"].(string)
		if name == "" {
			return nil, fmt.Errorf("secret id or name required")
		}
		var err error
		id, err = secretIDByName(ctx, rt.Store, name)
		if err != nil {
			return nil, err
		}
	}

	value, err := rt.Store.GetSecret(ctx, id, purpose)
	if err != nil {
		return nil, fmt.Errorf("get secret: %w", err)
	}
	return map[string]any{"value": value}, nil
}

func secretIDByName(ctx context.Context, c *store.Client, name string) (string, error) {
	secrets, err := c.ListSecrets(ctx)
	if err != nil {
		return "", fmt.Errorf("list secrets: %w", err)
	}
	for _, s := range secrets {
		if s.Name == name {
			return s.ID, nil
		}
	}
	return "", fmt.Errorf("secret %q not found", name)
}

// defaultLLMBaseURL targets OpenRouter's OpenAI-compatible endpoint.
const defaultLLMBaseURL = "https://openrouter.ai/api/v1"

// defaultLLMModel is used when neither the input nor the binding config
// names one. OpenRouter routes it to a live model.
const defaultLLMModel = "openrouter/auto"

// ChatCompleter is the slice of the OpenAI client the llm builtin
// calls, narrow so tests can substitute a fake.
type ChatCompleter interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// llmBuiltin adapts chat-completion requests from the bus onto an
// OpenAI-compatible API. Clients are cached per endpoint+key so
// repeated calls reuse connections.
type llmBuiltin struct {
	mu      sync.Mutex
	clients map[string]ChatCompleter
	dial    func(baseURL, apiKey string) ChatCompleter
}

func newLLMBuiltin() *llmBuiltin {
	l := &llmBuiltin{clients: make(map[string]ChatCompleter)}
	l.dial = func(baseURL, apiKey string) ChatCompleter {
		client := openai.NewClient(
			option.WithAPIKey(apiKey),
			option.WithBaseURL(baseURL),
		)
		return &client.Chat.Completions
	}
	return l
}

func (l *llmBuiltin) call(ctx context.Context, call ToolCall, rt Runtime) (any, error) {
	messages, err := chatMessages(call.Input)
	if err != nil {
		return nil, err
	}

	baseURL, _ := call.Config["base_url"].(string)
	if baseURL == "" {
		baseURL = defaultLLMBaseURL
	}
	apiKey, err := resolveAPIKey(ctx, call.Config, rt)
	if err != nil {
		return nil, err
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(chatModel(call)),
		Messages: messages,
	}
	if temp, ok := floatInput(call.Input, "temperature"); ok {
		params.Temperature = openai.Float(temp)
	}

	completion, err := l.completer(baseURL, apiKey).New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}

	choice := completion.Choices[0]
	return map[string]any{
		"content":       choice.Message.Content,
		"model":         completion.Model,
		"finish_reason": string(choice.FinishReason),
		"usage": map[string]any{
			"prompt_tokens":     completion.Usage.PromptTokens,
			"completion_tokens": completion.Usage.CompletionTokens,
			"total_tokens":      completion.Usage.TotalTokens,
		},
	}, nil
}

func (l *llmBuiltin) completer(baseURL, apiKey string) ChatCompleter {
	key := baseURL + "\x00" + apiKey
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.clients[key]; ok {
		return c
	}
	c := l.dial(baseURL, apiKey)
	l.clients[key] = c
	return c
}

// chatMessages builds the message list from either a full "messages"
// array or a bare "prompt" string.
func chatMessages(input map[string]any) ([]openai.ChatCompletionMessageParamUnion, error) {
	raw, ok := input["messages"].([]any)
	if !ok {
		if prompt, _ := input["prompt"].(string); prompt != "" {
			return []openai.ChatCompletionMessageParamUnion{openai.UserMessage(prompt)}, nil
		}
		return nil, fmt.Errorf("input requires messages or prompt")
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(raw))
	for i, m := range raw {
		entry, ok := m.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("message %d is not an object", i)
		}
		content, _ := entry["content"].(string)
		role, _ := entry["role"].(string)
		switch role {
		case "system":
			messages = append(messages, openai.SystemMessage(content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(content))
		default:
			messages = append(messages, openai.UserMessage(content))
		}
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("input requires messages or prompt")
	}
	return messages, nil
}

func chatModel(call ToolCall) string {
	if m, _ := call.Input["model"].(string); m != "" {
		return m
	}
	if m, _ := call.Config["model"].(string); m != "" {
		return m
	}
	return defaultLLMModel
}

// resolveAPIKey checks the binding config first (inline key, then a
// named store secret), then the conventional environment variables.
func resolveAPIKey(ctx context.Context, config map[string]any, rt Runtime) (string, error) {
	if key, _ := config["api_key"].(string); key != "" {
		return key, nil
	}
	if name, _ := config["api_key_secret"].(string); name != "" {
		id, err := secretIDByName(ctx, rt.Store, name)
		if err != nil {
			return "", err
		}
		key, err := rt.Store.GetSecret(ctx, id, "llm completion for "+rt.AgentID)
		if err != nil {
			return "", fmt.Errorf("get api key secret: %w", err)
		}
		return key, nil
	}
	if key := os.Getenv("OPENROUTER_API_KEY"); key != "" {
		return key, nil
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		return key, nil
	}
	return "", fmt.Errorf("no API key configured for llm tool")
}

func intInput(input map[string]any, key string, fallback int) int {
	switch v := input[key].(type) {
	case float64:
		if v > 0 {
			return int(v)
		}
	case int:
		if v > 0 {
			return v
		}
	}
	return fallback
}

func floatInput(input map[string]any, key string) (float64, bool) {
	switch v := input[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}
