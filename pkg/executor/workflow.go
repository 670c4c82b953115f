package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rcrt-project/rcrt-runner/pkg/breadcrumb"
)

// workflowHandler walks the definition's step list. Steps run in
// declaration order; a parallel group runs its children concurrently
// with bounded width. Each step's output lands in a shared memory map
// under its id, addressable from later steps via ${stepId.field}
// placeholders. The trigger is addressable as ${trigger.*}.
type workflowHandler struct {
	exec *Executor
	spec *breadcrumb.WorkflowSpec
}

func (h *workflowHandler) Execute(ctx context.Context, inv *Invocation) (any, error) {
	mem := map[string]any{
		"trigger": map[string]any{
			"id":          inv.Trigger.ID,
			"schema_name": inv.Trigger.SchemaName,
			"title":       inv.Trigger.Title,
			"tags":        anySlice(inv.Trigger.Tags),
			"version":     inv.Trigger.Version,
			"context":     inv.Trigger.Context,
		},
	}
	var mu sync.Mutex

	run := &workflowRun{handler: h, trigger: inv.Trigger, mem: mem, mu: &mu}
	for i := range h.spec.Steps {
		if err := run.step(ctx, &h.spec.Steps[i]); err != nil {
			return nil, err
		}
	}

	results := make(map[string]any, len(mem))
	for k, v := range mem {
		if k == "trigger" {
			continue
		}
		results[k] = v
	}
	return map[string]any{
		"steps":   stepIDs(h.spec.Steps),
		"results": results,
	}, nil
}

// workflowRun is the per-invocation execution state. The mutex guards
// mem while a parallel group's children write their results.
type workflowRun struct {
	handler *workflowHandler
	trigger *breadcrumb.Breadcrumb
	mem     map[string]any
	mu      *sync.Mutex
}

func (r *workflowRun) step(ctx context.Context, step *breadcrumb.WorkflowStep) error {
	if step.Type == breadcrumb.StepParallel {
		return r.parallel(ctx, step)
	}

	out, err := r.attempt(ctx, step)
	if err != nil {
		return fmt.Errorf("step %s: %w", step.ID, err)
	}
	r.mu.Lock()
	r.mem[step.ID] = out
	r.mu.Unlock()
	return nil
}

// parallel fans the group's children out over a bounded worker set.
// The group fails on the first child error; remaining children still
// run to completion so the memory map stays consistent.
func (r *workflowRun) parallel(ctx context.Context, group *breadcrumb.WorkflowStep) error {
	width := r.handler.exec.cfg.Executor.ParallelWidth
	if width < 1 {
		width = 1
	}

	sem := make(chan struct{}, width)
	var wg sync.WaitGroup
	errs := make([]error, len(group.Steps))

	for i := range group.Steps {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			errs[i] = r.step(ctx, &group.Steps[i])
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			if group.ID != "" {
				return fmt.Errorf("parallel group %s: %w", group.ID, err)
			}
			return err
		}
	}
	return nil
}

// attempt runs one leaf step with its retry and timeout settings.
// Retries re-run the whole step; the interpolated input is rebuilt each
// time so a retry sees any results parallel siblings produced meanwhile.
func (r *workflowRun) attempt(ctx context.Context, step *breadcrumb.WorkflowStep) (map[string]any, error) {
	var lastErr error
	for n := 0; n <= step.Retries; n++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		out, err := r.once(ctx, step, n)
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	if step.Retries > 0 {
		return nil, fmt.Errorf("%w (after %d attempts)", lastErr, step.Retries+1)
	}
	return nil, lastErr
}

func (r *workflowRun) once(parent context.Context, step *breadcrumb.WorkflowStep, n int) (map[string]any, error) {
	ctx := parent
	if step.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, time.Duration(step.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	switch step.Type {
	case breadcrumb.StepTool, "":
		if step.Tool == "" {
			return nil, fmt.Errorf("tool step missing tool name")
		}
		input, err := r.interpolateMap(step.Input)
		if err != nil {
			return nil, err
		}
		return r.handler.exec.callTool(ctx, step.Tool, input, r.stepKey(step, n))
	case breadcrumb.StepLLM:
		prompt, err := r.interpolateString(step.Prompt)
		if err != nil {
			return nil, err
		}
		input := map[string]any{"prompt": prompt}
		if step.Model != "" {
			input["model"] = step.Model
		}
		return r.handler.exec.callTool(ctx, llmToolName, input, r.stepKey(step, n))
	default:
		return nil, fmt.Errorf("unknown step type %q", step.Type)
	}
}

// stepKey is the idempotency key for one attempt of one step. Retries
// carry the attempt index so they create fresh requests instead of
// deduplicating onto the failed one.
func (r *workflowRun) stepKey(step *breadcrumb.WorkflowStep, n int) string {
	return fmt.Sprintf("%s:%s:%d:step-%s-%d",
		r.handler.exec.id, r.trigger.ID, r.trigger.Version, step.ID, n)
}

// interpolateMap resolves ${...} placeholders in every string value,
// recursing through nested objects and arrays. A string that is exactly
// one placeholder keeps the referenced value's type; placeholders
// embedded in longer strings are rendered with fmt.
func (r *workflowRun) interpolateMap(input map[string]any) (map[string]any, error) {
	if input == nil {
		return map[string]any{}, nil
	}
	out, err := r.interpolateValue(input)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func (r *workflowRun) interpolateValue(v any) (any, error) {
	switch val := v.(type) {
	case string:
		return r.interpolateStringValue(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			res, err := r.interpolateValue(item)
			if err != nil {
				return nil, err
			}
			out[k] = res
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			res, err := r.interpolateValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = res
		}
		return out, nil
	default:
		return v, nil
	}
}

func (r *workflowRun) interpolateString(s string) (string, error) {
	v, err := r.interpolateStringValue(s)
	if err != nil {
		return "", err
	}
	if str, ok := v.(string); ok {
		return str, nil
	}
	return fmt.Sprintf("%v", v), nil
}

func (r *workflowRun) interpolateStringValue(s string) (any, error) {
	// Whole-string placeholder: preserve the referenced type.
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") && strings.Count(s, "${") == 1 {
		return r.resolve(s[2 : len(s)-1])
	}

	var sb strings.Builder
	rest := s
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			sb.WriteString(rest)
			return sb.String(), nil
		}
		end := strings.Index(rest[start:], "}")
		if end < 0 {
			sb.WriteString(rest)
			return sb.String(), nil
		}
		end += start
		sb.WriteString(rest[:start])
		v, err := r.resolve(rest[start+2 : end])
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&sb, "%v", v)
		rest = rest[end+1:]
	}
}

// resolve looks a placeholder path up in the memory map. The first
// segment names a step (or "trigger"); the rest descends into its
// result.
func (r *workflowRun) resolve(path string) (any, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("empty placeholder")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := breadcrumb.Lookup(r.mem, "$."+path)
	if !ok {
		return nil, fmt.Errorf("placeholder %q does not resolve", path)
	}
	return v, nil
}

func stepIDs(steps []breadcrumb.WorkflowStep) []string {
	ids := make([]string, 0, len(steps))
	for i := range steps {
		if steps[i].Type == breadcrumb.StepParallel {
			ids = append(ids, stepIDs(steps[i].Steps)...)
			continue
		}
		ids = append(ids, steps[i].ID)
	}
	return ids
}

func anySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
