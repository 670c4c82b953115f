package breadcrumb

import (
	"strconv"
	"strings"
)

// Lookup resolves a minimal JSONPath expression against a decoded JSON
// document. Supported shape: "$.field.nested[0].leaf" — dotted member
// access plus non-negative array indexes. The document root is "$".
//
// The second result is false when the path does not resolve: a missing
// member, an index out of range, or a traversal step into a non-container.
// Filters, wildcards, and recursive descent are not supported.
func Lookup(doc any, path string) (any, bool) {
	steps, err := parsePath(path)
	if err != nil {
		return nil, false
	}
	cur := doc
	for _, s := range steps {
		if s.index >= 0 {
			arr, ok := cur.([]any)
			if !ok || s.index >= len(arr) {
				return nil, false
			}
			cur = arr[s.index]
			continue
		}
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[s.member]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

type pathStep struct {
	member string
	index  int // -1 for member access
}

func parsePath(path string) ([]pathStep, error) {
	if path == "$" {
		return nil, nil
	}
	if !strings.HasPrefix(path, "$.") {
		return nil, errBadPath
	}
	var steps []pathStep
	for _, seg := range strings.Split(path[2:], ".") {
		if seg == "" {
			return nil, errBadPath
		}
		// Split off any [n] suffixes: "items[0][1]" -> member + two indexes.
		name := seg
		var indexes []int
		for {
			open := strings.IndexByte(name, '[')
			if open < 0 {
				break
			}
			closeIdx := strings.IndexByte(name[open:], ']')
			if closeIdx < 0 {
				return nil, errBadPath
			}
			closeIdx += open
			n, err := strconv.Atoi(name[open+1 : closeIdx])
			if err != nil || n < 0 {
				return nil, errBadPath
			}
			indexes = append(indexes, n)
			name = name[:open] + name[closeIdx+1:]
		}
		if name != "" {
			steps = append(steps, pathStep{member: name, index: -1})
		}
		for _, n := range indexes {
			steps = append(steps, pathStep{index: n})
		}
	}
	return steps, nil
}

type pathError string

func (e pathError) Error() string { return string(e) }

const errBadPath = pathError("malformed json path")
