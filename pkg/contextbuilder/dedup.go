package contextbuilder

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"strings"

	"github.com/rcrt-project/rcrt-runner/pkg/breadcrumb"
	"github.com/rcrt-project/rcrt-runner/pkg/store"
)

// embeddings loads stored vectors lazily and memoizes them for the
// duration of one rebuild. A nil slice means the record has no
// embedding; text fallback applies.
type embeddings struct {
	client *store.Client
	cache  map[string][]float32
}

func newEmbeddings(client *store.Client) *embeddings {
	return &embeddings{client: client, cache: make(map[string][]float32)}
}

func (e *embeddings) load(ctx context.Context, id string) []float32 {
	if v, ok := e.cache[id]; ok {
		return v
	}
	full, err := e.client.GetFull(ctx, id)
	if err != nil {
		slog.Debug("No embedding available for dedupe", "id", id, "error", err)
		e.cache[id] = nil
		return nil
	}
	e.cache[id] = full.Embedding
	return full.Embedding
}

// dedupe collapses near-duplicate records. Records whose embeddings
// exceed the cosine cutoff count as duplicates; records without
// embeddings fall back to normalized text equality. Within a duplicate
// pair the newer record survives. Order is preserved for survivors.
func dedupe(ctx context.Context, items []*breadcrumb.Breadcrumb, cutoff float64, emb *embeddings) []*breadcrumb.Breadcrumb {
	if cutoff <= 0 || len(items) < 2 {
		return items
	}

	dropped := make(map[int]bool)
	for i := 0; i < len(items); i++ {
		if dropped[i] {
			continue
		}
		for j := i + 1; j < len(items); j++ {
			if dropped[j] {
				continue
			}
			if !sameRecord(ctx, items[i], items[j], cutoff, emb) {
				continue
			}
			// Keep the newer of the pair.
			if items[j].UpdatedAt.After(items[i].UpdatedAt) {
				dropped[i] = true
				break
			}
			dropped[j] = true
		}
	}

	if len(dropped) == 0 {
		return items
	}
	out := items[:0]
	for i, it := range items {
		if !dropped[i] {
			out = append(out, it)
		}
	}
	return out
}

func sameRecord(ctx context.Context, a, b *breadcrumb.Breadcrumb, cutoff float64, emb *embeddings) bool {
	if a.ID == b.ID {
		return true
	}
	ea, eb := emb.load(ctx, a.ID), emb.load(ctx, b.ID)
	if len(ea) > 0 && len(eb) > 0 {
		return cosine(ea, eb) >= cutoff
	}
	return normalizedText(a) == normalizedText(b)
}

// cosine returns the cosine similarity of two vectors, 0 when the
// dimensions disagree or either vector is zero.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// normalizedText canonicalizes a record's salient text: lowercased,
// whitespace collapsed. Falls back to the serialized context when no
// text field is present.
func normalizedText(b *breadcrumb.Breadcrumb) string {
	text := triggerQuery(b)
	if text == "" {
		raw, _ := json.Marshal(b.Context)
		text = string(raw)
	}
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}
