package breadcrumb

import (
	"encoding/json"
	"reflect"
	"strings"
)

// Selector roles. Trigger selectors cause work to run; context selectors
// only refresh the consumer's context map.
const (
	RoleTrigger = "trigger"
	RoleContext = "context"
)

// Context match operators.
const (
	OpEq          = "eq"
	OpNe          = "ne"
	OpGt          = "gt"
	OpLt          = "lt"
	OpContains    = "contains"
	OpContainsAny = "contains_any"
)

// ContextMatch is a single predicate over the event's context document,
// addressed by a minimal JSONPath.
type ContextMatch struct {
	Path  string `json:"path"`
	Op    string `json:"op"`
	Value any    `json:"value"`
}

// FetchSpec tells the context assembler how to materialize a context
// selector: how many records, by recency or vector search.
type FetchSpec struct {
	Method string `json:"method,omitempty"` // recent | latest | vector | event_data
	Limit  int    `json:"limit,omitempty"`
	NN     int    `json:"nn,omitempty"`
	Query  string `json:"query,omitempty"`
}

// Selector describes which stream events a consumer cares about. A nil
// or empty tag list imposes no tag constraint; an empty SchemaName
// matches any schema.
type Selector struct {
	SchemaName   string         `json:"schema_name,omitempty"`
	AnyTags      []string       `json:"any_tags,omitempty"`
	AllTags      []string       `json:"all_tags,omitempty"`
	ContextMatch []ContextMatch `json:"context_match,omitempty"`
	Role         string         `json:"role,omitempty"`
	Key          string         `json:"key,omitempty"`
	Fetch        *FetchSpec     `json:"fetch,omitempty"`
	Priority     int            `json:"priority,omitempty"`
	Comment      string         `json:"comment,omitempty"`
}

// MatchResult reports the outcome of matching one event against one
// selector. Deferred means the cheap criteria passed but context
// predicates could not be evaluated because the event carried no
// context document; the caller must fetch the full record and re-match.
type MatchResult struct {
	Matched  bool
	Deferred bool
}

// IsTrigger reports whether the selector triggers execution. An unset
// role defaults to trigger.
func (s *Selector) IsTrigger() bool {
	return s.Role == "" || s.Role == RoleTrigger
}

// Match evaluates the selector against a stream event. Schema and tag
// criteria use only the event envelope; context predicates need the
// context document and defer when it is absent.
func (s *Selector) Match(e *Event) MatchResult {
	if s.SchemaName != "" && s.SchemaName != e.SchemaName {
		return MatchResult{}
	}
	if len(s.AnyTags) > 0 && !containsAnyTag(e.Tags, s.AnyTags) {
		return MatchResult{}
	}
	if len(s.AllTags) > 0 && !containsAllTags(e.Tags, s.AllTags) {
		return MatchResult{}
	}
	if len(s.ContextMatch) == 0 {
		return MatchResult{Matched: true}
	}
	if e.Context == nil {
		return MatchResult{Matched: true, Deferred: true}
	}
	for _, cm := range s.ContextMatch {
		if !cm.Eval(e.Context) {
			return MatchResult{}
		}
	}
	return MatchResult{Matched: true}
}

// Eval applies the predicate to a context document. Unknown operators
// and unresolvable paths evaluate to false, except ne, which holds when
// the path is missing.
func (cm *ContextMatch) Eval(doc map[string]any) bool {
	got, ok := Lookup(doc, cm.Path)
	if !ok {
		return cm.Op == OpNe
	}
	switch cm.Op {
	case OpEq:
		return looseEqual(got, cm.Value)
	case OpNe:
		return !looseEqual(got, cm.Value)
	case OpGt:
		return looseCompare(got, cm.Value) > 0
	case OpLt:
		return looseCompare(got, cm.Value) < 0
	case OpContains:
		return containsValue(got, cm.Value)
	case OpContainsAny:
		candidates, ok := cm.Value.([]any)
		if !ok {
			return false
		}
		for _, c := range candidates {
			if containsValue(got, c) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// looseEqual compares two JSON values with numeric coercion, so 2 == 2.0
// regardless of how either side was decoded.
func looseEqual(a, b any) bool {
	if na, aok := toFloat(a); aok {
		nb, bok := toFloat(b)
		return bok && na == nb
	}
	return reflect.DeepEqual(a, b)
}

// looseCompare orders two JSON scalars: numerically when both coerce to
// numbers, lexicographically when both are strings. Incomparable values
// yield 0, which fails both gt and lt.
func looseCompare(a, b any) int {
	if na, aok := toFloat(a); aok {
		if nb, bok := toFloat(b); bok {
			switch {
			case na < nb:
				return -1
			case na > nb:
				return 1
			default:
				return 0
			}
		}
		return 0
	}
	sa, aok := a.(string)
	sb, bok := b.(string)
	if aok && bok {
		return strings.Compare(sa, sb)
	}
	return 0
}

// containsValue implements the contains operator: substring for strings,
// membership for arrays, key presence for objects.
func containsValue(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		n, ok := needle.(string)
		return ok && strings.Contains(h, n)
	case []any:
		for _, item := range h {
			if looseEqual(item, needle) {
				return true
			}
		}
		return false
	case map[string]any:
		key, ok := needle.(string)
		if !ok {
			return false
		}
		_, present := h[key]
		return present
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
