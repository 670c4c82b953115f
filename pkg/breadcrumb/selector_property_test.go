package breadcrumb

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property tests for the matcher laws: wildcard behavior, conjunction
// of criteria, and the deferral rule for thin events.
func TestSelectorMatchProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	genTags := gen.SliceOfN(4, gen.Identifier())

	properties.Property("empty selector matches any event", prop.ForAll(
		func(schema string, tags []string) bool {
			sel := Selector{}
			res := sel.Match(&Event{SchemaName: schema, Tags: tags})
			return res.Matched && !res.Deferred
		},
		gen.Identifier(),
		genTags,
	))

	properties.Property("all_tags drawn from the event's own tags match", prop.ForAll(
		func(tags []string, n int) bool {
			sel := Selector{AllTags: tags[:n]}
			return sel.Match(&Event{Tags: tags}).Matched
		},
		genTags,
		gen.IntRange(0, 4),
	))

	// gen.Identifier never produces '-', so the prefixed candidates are
	// guaranteed disjoint from the event's tags.
	properties.Property("any_tags disjoint from event tags never match", prop.ForAll(
		func(tags []string, candidate string) bool {
			sel := Selector{AnyTags: []string{"no-" + candidate}}
			return !sel.Match(&Event{Tags: tags}).Matched
		},
		genTags,
		gen.Identifier(),
	))

	properties.Property("criteria conjoin independently", prop.ForAll(
		func(evSchema, selSchema string, tags, anyTags, allTags []string) bool {
			ev := &Event{SchemaName: evSchema, Tags: tags}
			full := Selector{SchemaName: selSchema, AnyTags: anyTags, AllTags: allTags}
			bySchema := Selector{SchemaName: selSchema}
			byAny := Selector{AnyTags: anyTags}
			byAll := Selector{AllTags: allTags}
			want := bySchema.Match(ev).Matched &&
				byAny.Match(ev).Matched &&
				byAll.Match(ev).Matched
			return full.Match(ev).Matched == want
		},
		gen.Identifier(),
		gen.Identifier(),
		genTags,
		gen.SliceOfN(2, gen.Identifier()),
		gen.SliceOfN(2, gen.Identifier()),
	))

	properties.Property("thin events defer exactly when cheap criteria pass", prop.ForAll(
		func(evSchema, selSchema string) bool {
			sel := Selector{
				SchemaName:   selSchema,
				ContextMatch: []ContextMatch{{Path: "$.x", Op: OpEq, Value: "y"}},
			}
			res := sel.Match(&Event{SchemaName: evSchema})
			cheap := selSchema == evSchema
			return res.Deferred == cheap && res.Matched == cheap
		},
		gen.OneConstOf("a.v1", "b.v1"),
		gen.OneConstOf("a.v1", "b.v1"),
	))

	properties.Property("hydrated events never defer", prop.ForAll(
		func(val string) bool {
			sel := Selector{
				ContextMatch: []ContextMatch{{Path: "$.x", Op: OpEq, Value: val}},
			}
			res := sel.Match(&Event{Context: map[string]any{"x": val}})
			return res.Matched && !res.Deferred
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestContextMatchNumericCoercionProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	// JSON decoding yields float64; selector values authored in Go or
	// re-decoded from definitions may be int. eq must not care.
	properties.Property("eq is agnostic to numeric representation", prop.ForAll(
		func(n int) bool {
			doc := map[string]any{"count": float64(n)}
			asInt := ContextMatch{Path: "$.count", Op: OpEq, Value: n}
			asFloat := ContextMatch{Path: "$.count", Op: OpEq, Value: float64(n)}
			return asInt.Eval(doc) && asFloat.Eval(doc)
		},
		gen.Int(),
	))

	properties.Property("gt and lt are mutually exclusive on distinct ints", prop.ForAll(
		func(a, b int) bool {
			doc := map[string]any{"v": float64(a)}
			gt := ContextMatch{Path: "$.v", Op: OpGt, Value: b}
			lt := ContextMatch{Path: "$.v", Op: OpLt, Value: b}
			if a == b {
				return !gt.Eval(doc) && !lt.Eval(doc)
			}
			return gt.Eval(doc) != lt.Eval(doc)
		},
		gen.Int(),
		gen.Int(),
	))

	properties.TestingRun(t)
}
