// Package maptransform implements the projection-expression language
// consumed by the CRUD read path (SPEC_FULL.md §5.4): a small total
// interpreter over `{targetKey: expression}` configurations that
// resolves CoId references strictly along the traversal path a
// configuration names, never eagerly.
//
// Grounded on the teacher's internal/query/project.go field-projection
// evaluator (a small expression-per-output-key interpreter over a flat
// record), generalized here to add cross-co-value path traversal and
// the depth-bounded "*" wildcard expansion, which have no analog in the
// teacher and are instead grounded on internal/graph/walk.go's
// depth-bounded recursive map walk.
package maptransform

import (
	"context"
	"strconv"
	"strings"

	"github.com/oMaiaCity/covalue/internal/coid"
)

// Loader is the capability maptransform needs to cross a CoId boundary
// mid-path: load the referenced co-value and return its projected
// fields as a flat map (schema/id included per covalue.Record.ToMap).
// Supplied by the caller (typically backed by internal/loader +
// internal/extractor) so this package stays decoupled from Peer.
type Loader interface {
	LoadAndProject(ctx context.Context, id coid.ID) (map[string]any, error)
}

// BinaryLoader resolves a CoId believed to reference binary content to a
// data URL, backing the :asDataUrl suffix.
type BinaryLoader interface {
	LoadBinaryAsDataURL(ctx context.Context, id coid.ID) (string, bool)
}

// placeholderDataURL is substituted when :asDataUrl's terminal value is
// not actually a binary co-value reference.
const placeholderDataURL = "data:,"

// Transform evaluates config against item (the current record's flat
// field map, schema/id included) and returns the projected output.
// visited is shared mutable cycle-breaking state across the whole
// resolution a caller is performing; pass a fresh map per independent
// DeepResolver walk.
func Transform(ctx context.Context, item map[string]any, config map[string]any, visited map[coid.ID]bool, loader Loader, binLoader BinaryLoader) map[string]any {
	if visited == nil {
		visited = make(map[coid.ID]bool)
	}

	out := make(map[string]any, len(item)+len(config))
	for k, v := range item {
		out[k] = v
	}

	type rootRef struct {
		targetKey, root string
	}
	var rootsToStrip []rootRef

	for targetKey, rawExpr := range config {
		if targetKey == "*" {
			depthStr, _ := rawExpr.(string)
			n, err := strconv.Atoi(depthStr)
			if err != nil || n < 1 {
				n = 1
			}
			if n > 8 {
				n = 8
			}
			out["*"] = expandDepth(item, n)
			continue
		}

		switch expr := rawExpr.(type) {
		case string:
			value, root, ok := evalStringExpr(ctx, item, expr, visited, loader, binLoader)
			if !ok {
				// Timeout/cycle: omit the key entirely rather than error.
				continue
			}
			out[targetKey] = value
			if root != "" {
				rootsToStrip = append(rootsToStrip, rootRef{targetKey, root})
			}
		case map[string]any:
			if fields, ok := expr["$mapFields"]; ok {
				out[targetKey] = evalMapFields(item, fields)
			}
		}
	}

	for _, r := range rootsToStrip {
		rootVal, ok := item[r.root]
		if !ok {
			continue
		}
		if s, ok := rootVal.(string); ok && coid.Valid(s) && r.targetKey != r.root {
			delete(out, r.root)
		}
	}

	return out
}

// evalStringExpr handles the three string-expression shapes: bare
// pass-through, "$path"/"$$path" resolution, and the :asDataUrl suffix.
// Returns the root path segment (for the post-projection strip rule)
// when the expression was a path expression, "" for bare pass-through.
func evalStringExpr(ctx context.Context, item map[string]any, expr string, visited map[coid.ID]bool, loader Loader, binLoader BinaryLoader) (any, string, bool) {
	if !strings.HasPrefix(expr, "$") {
		v, ok := item[expr]
		return v, "", ok
	}

	path := strings.TrimPrefix(expr, "$$")
	path = strings.TrimPrefix(path, "$")

	asDataURL := false
	if strings.HasSuffix(path, ":asDataUrl") {
		asDataURL = true
		path = strings.TrimSuffix(path, ":asDataUrl")
	}

	segs := strings.Split(path, ".")
	root := segs[0]

	value, ok := resolvePath(ctx, item, segs, visited, loader)
	if !ok {
		return nil, root, false
	}

	if asDataURL {
		if s, ok := value.(string); ok && coid.Valid(s) && binLoader != nil {
			if dataURL, ok := binLoader.LoadBinaryAsDataURL(ctx, coid.ID(s)); ok {
				return dataURL, root, true
			}
		}
		return placeholderDataURL, root, true
	}

	return value, root, true
}

// resolvePath walks segs against cur, resolving a CoId boundary before
// traversing further into it. Only values strictly on this path are
// ever resolved.
func resolvePath(ctx context.Context, cur any, segs []string, visited map[coid.ID]bool, loader Loader) (any, bool) {
	for _, seg := range segs {
		if s, ok := cur.(string); ok && coid.Valid(s) {
			id := coid.ID(s)
			if visited[id] {
				return nil, false
			}
			visited[id] = true
			if loader == nil {
				return nil, false
			}
			projected, err := loader.LoadAndProject(ctx, id)
			if err != nil {
				return nil, false
			}
			cur = projected
		}

		switch c := cur.(type) {
		case map[string]any:
			v, ok := c[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(c) {
				return nil, false
			}
			cur = c[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// expandDepth recurses into nested objects up to depth levels; arrays
// and CoId references are left untouched (SPEC_FULL.md §5.4: "no
// reference resolution, no array recursion").
func expandDepth(v any, depth int) any {
	m, ok := v.(map[string]any)
	if !ok || depth <= 0 {
		return v
	}
	out := make(map[string]any, len(m))
	for k, vv := range m {
		if depth > 1 {
			out[k] = expandDepth(vv, depth-1)
		} else {
			out[k] = vv
		}
	}
	return out
}

// evalMapFields implements `{$mapFields: [{label, valuePath}]}`: no
// reference resolution, plain dot-path lookup against item.
func evalMapFields(item map[string]any, fields any) []any {
	arr, ok := fields.([]any)
	if !ok {
		return nil
	}
	out := make([]any, 0, len(arr))
	for _, f := range arr {
		entry, ok := f.(map[string]any)
		if !ok {
			continue
		}
		label, _ := entry["label"].(string)
		valuePath, _ := entry["valuePath"].(string)
		value, _ := lookupDotPath(item, valuePath)
		out = append(out, map[string]any{"label": label, "value": value})
	}
	return out
}

func lookupDotPath(item map[string]any, path string) (any, bool) {
	segs := strings.Split(path, ".")
	var cur any = item
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}
