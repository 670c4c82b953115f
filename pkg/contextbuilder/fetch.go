// Package contextbuilder turns declarative context.config.v1 recipes
// into rolling agent.context.v1 breadcrumbs: fetch sources, dedupe,
// trim to a token budget, format, and write back with optimistic
// concurrency.
package contextbuilder

import (
	"context"
	"log/slog"

	"github.com/rcrt-project/rcrt-runner/pkg/breadcrumb"
	"github.com/rcrt-project/rcrt-runner/pkg/store"
)

// Fetch methods a context source may declare.
const (
	MethodRecent    = "recent"
	MethodLatest    = "latest"
	MethodVector    = "vector"
	MethodEventData = "event_data"
)

const (
	defaultFetchLimit = 10
	defaultVectorNN   = 5
)

// Fetcher materializes context sources against the record store. The
// executors reuse it for their role=context subscription fetches, so
// both paths see identical scoping and hydration.
type Fetcher struct {
	client    *store.Client
	workspace string
}

// NewFetcher scopes all searches to the given workspace tag.
func NewFetcher(client *store.Client, workspace string) *Fetcher {
	return &Fetcher{client: client, workspace: breadcrumb.WorkspaceTag(workspace)}
}

// Fetch returns hydrated records for one source, newest first. The
// trigger supplies the vector query and the event_data payload; it may
// be nil when a rebuild was caused by a deletion.
func (f *Fetcher) Fetch(ctx context.Context, src *breadcrumb.ContextSource, trigger *breadcrumb.Breadcrumb) ([]*breadcrumb.Breadcrumb, error) {
	switch src.Method {
	case MethodEventData:
		if trigger == nil {
			return nil, nil
		}
		return []*breadcrumb.Breadcrumb{trigger}, nil

	case MethodLatest:
		items, err := f.search(ctx, src, 1)
		if err != nil || len(items) == 0 {
			return nil, err
		}
		return items[:1], nil

	case MethodVector:
		return f.vector(ctx, src, trigger)

	case MethodRecent, "":
		limit := src.Limit
		if limit <= 0 {
			limit = defaultFetchLimit
		}
		return f.search(ctx, src, limit)

	default:
		slog.Warn("Unknown context source method, treating as recent",
			"method", src.Method, "key", src.Key)
		limit := src.Limit
		if limit <= 0 {
			limit = defaultFetchLimit
		}
		return f.search(ctx, src, limit)
	}
}

// search lists summaries by schema and tags, then hydrates each hit
// through GET so llm_hints apply.
func (f *Fetcher) search(ctx context.Context, src *breadcrumb.ContextSource, limit int) ([]*breadcrumb.Breadcrumb, error) {
	tags := append([]string{f.workspace}, src.AllTags...)
	summaries, err := f.client.Search(ctx, store.SearchFilter{
		SchemaName: src.SchemaName,
		Tags:       tags,
		Limit:      limit,
	})
	if err != nil {
		return nil, err
	}
	return f.hydrate(ctx, filterAnyTags(summaries, src.AnyTags), limit)
}

// vector runs nearest-neighbour search seeded by the source query or
// the trigger's text.
func (f *Fetcher) vector(ctx context.Context, src *breadcrumb.ContextSource, trigger *breadcrumb.Breadcrumb) ([]*breadcrumb.Breadcrumb, error) {
	query := src.Query
	if query == "" {
		query = triggerQuery(trigger)
	}
	if query == "" {
		slog.Debug("Vector source has no query text, skipping", "key", src.Key)
		return nil, nil
	}

	nn := src.NN
	if nn <= 0 {
		nn = defaultVectorNN
	}

	summaries, err := f.client.VectorSearch(ctx, query, nn, src.SchemaName)
	if err != nil {
		return nil, err
	}

	// The vector endpoint has no tag filter; scope client-side.
	scoped := summaries[:0]
	for _, s := range summaries {
		if !containsTag(s.Tags, f.workspace) {
			continue
		}
		if !containsAll(s.Tags, src.AllTags) {
			continue
		}
		scoped = append(scoped, s)
	}
	return f.hydrate(ctx, filterAnyTags(scoped, src.AnyTags), nn)
}

// hydrate resolves summaries to context views, preserving order.
// Records deleted between list and get are skipped, as are records a
// concurrent writer makes briefly unreadable.
func (f *Fetcher) hydrate(ctx context.Context, summaries []breadcrumb.Summary, limit int) ([]*breadcrumb.Breadcrumb, error) {
	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}
	out := make([]*breadcrumb.Breadcrumb, 0, len(summaries))
	for _, s := range summaries {
		bc, err := f.client.Get(ctx, s.ID)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			slog.Warn("Skipping unreadable context source record", "id", s.ID, "error", err)
			continue
		}
		out = append(out, bc)
	}
	return out, nil
}

// SourceFromSelector converts a role=context subscription into a fetch
// source, defaulting the key to the schema name.
func SourceFromSelector(sel breadcrumb.Selector) breadcrumb.ContextSource {
	src := breadcrumb.ContextSource{
		Key:        sel.Key,
		SchemaName: sel.SchemaName,
		Method:     MethodRecent,
		AnyTags:    sel.AnyTags,
		AllTags:    sel.AllTags,
	}
	if src.Key == "" {
		src.Key = sel.SchemaName
	}
	if f := sel.Fetch; f != nil {
		if f.Method != "" {
			src.Method = f.Method
		}
		src.Limit = f.Limit
		src.NN = f.NN
		src.Query = f.Query
	}
	return src
}

// Collapsed reports whether the source yields a single object rather
// than a list in the assembled context map.
func Collapsed(src *breadcrumb.ContextSource) bool {
	return src.Method == MethodLatest || src.Method == MethodEventData || src.Limit == 1
}

// triggerQuery extracts the text a vector search should embed.
func triggerQuery(trigger *breadcrumb.Breadcrumb) string {
	if trigger == nil {
		return ""
	}
	for _, key := range []string{"content", "text", "message", "query"} {
		if s := trigger.ContextString(key); s != "" {
			return s
		}
	}
	return trigger.Title
}

func filterAnyTags(summaries []breadcrumb.Summary, anyTags []string) []breadcrumb.Summary {
	if len(anyTags) == 0 {
		return summaries
	}
	out := summaries[:0]
	for _, s := range summaries {
		for _, t := range anyTags {
			if containsTag(s.Tags, t) {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func containsAll(tags, required []string) bool {
	for _, r := range required {
		if !containsTag(tags, r) {
			return false
		}
	}
	return true
}
