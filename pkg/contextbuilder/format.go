package contextbuilder

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rcrt-project/rcrt-runner/pkg/breadcrumb"
)

// section is the assembled view of one declared source, in source
// order. Items are newest-first for recency methods and best-first for
// vector search.
type section struct {
	src   breadcrumb.ContextSource
	items []*breadcrumb.Breadcrumb
}

// renderSections produces the minimal-redundancy layout: a short
// heading per source key, one line per record. Empty sections are
// omitted.
func renderSections(secs []*section, includeMeta bool) string {
	var sb strings.Builder
	for _, sec := range secs {
		if len(sec.items) == 0 {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString("## ")
		sb.WriteString(sec.src.Key)
		sb.WriteByte('\n')
		for _, it := range sec.items {
			sb.WriteString(itemLine(it, includeMeta))
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

// itemLine renders one record as "speaker: text". Metadata stays out
// of the line unless the config asks for it.
func itemLine(b *breadcrumb.Breadcrumb, includeMeta bool) string {
	speaker := firstContextString(b, "role", "speaker", "author")
	if speaker == "" {
		speaker = b.SchemaName
	}
	text := triggerQuery(b)
	if text == "" {
		raw, _ := json.Marshal(b.Context)
		text = string(raw)
	}
	line := speaker + ": " + text
	if includeMeta {
		line += " (id=" + b.ID + ", at=" + b.UpdatedAt.UTC().Format(time.RFC3339) + ")"
	}
	return line
}

// sectionRefs builds the machine-readable companion to the formatted
// text: per source key, the ids behind each line.
func sectionRefs(secs []*section) map[string]any {
	out := make(map[string]any, len(secs))
	for _, sec := range secs {
		refs := make([]map[string]any, 0, len(sec.items))
		for _, it := range sec.items {
			refs = append(refs, map[string]any{
				"id":          it.ID,
				"schema_name": it.SchemaName,
				"version":     it.Version,
			})
		}
		out[sec.src.Key] = refs
	}
	return out
}

func itemCount(secs []*section) int {
	n := 0
	for _, sec := range secs {
		n += len(sec.items)
	}
	return n
}

func firstContextString(b *breadcrumb.Breadcrumb, keys ...string) string {
	for _, k := range keys {
		if s := b.ContextString(k); s != "" {
			return s
		}
	}
	return ""
}
