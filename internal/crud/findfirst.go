package crud

import (
	"context"
	"reflect"

	"github.com/oMaiaCity/covalue/internal/coid"
	"github.com/oMaiaCity/covalue/internal/covalue"
	"github.com/oMaiaCity/covalue/internal/extractor"
	"github.com/oMaiaCity/covalue/internal/index"
	"github.com/oMaiaCity/covalue/internal/loader"
)

// FindFirst implements findFirst(schema, filter) (SPEC_FULL.md §5.7): a
// non-reactive, non-cached existence probe used by gate checks. It
// never blocks on items that never become available beyond the
// per-item Ensure timeout.
func (e *Engine) FindFirst(ctx context.Context, schemaKey string, filter map[string]any) (map[string]any, bool, error) {
	schemaID, ok := e.Index.ResolveSchema(ctx, schemaKey)
	if !ok {
		return nil, false, covalue.NewError(covalue.KindSchemaUnresolved, schemaKey, nil)
	}

	listID, ok := e.Index.IndexListFor(ctx, schemaID)
	if !ok {
		return nil, false, nil
	}

	listCV, ok := e.Peer.Get(ctx, listID)
	if !ok {
		return nil, false, nil
	}

	ids := make([]coid.ID, 0, len(listCV.Items))
	for _, item := range listCV.Items {
		if s, ok := item.(string); ok {
			if id, ok := coid.Parse(s); ok {
				ids = append(ids, id)
			}
		}
	}
	ids = index.Dedup(ids)

	for _, id := range ids {
		handle, err := e.Loader.Ensure(ctx, id, loader.Options{Timeout: DefaultTimeout})
		if err != nil {
			continue
		}
		rec := extractor.Extract(handle.CoValue, extractor.Hint{})
		if rec.Kind != covalue.KindComap || isEmptyComapSkeleton(rec.Fields) {
			continue
		}
		if matchesFilter(rec.Fields, filter) {
			out := rec.ToMap()
			return out, true, nil
		}
	}
	return nil, false, nil
}

// matchesFilter implements findFirst's fixed predicate: strict
// per-field equality on top-level keys, with array fields matching if
// any element equals the expected value (SPEC_FULL.md §5.7, §9 P7).
func matchesFilter(fields map[string]any, filter map[string]any) bool {
	for key, expected := range filter {
		actual, ok := fields[key]
		if !ok {
			return false
		}
		if arr, ok := actual.([]any); ok {
			found := false
			for _, elem := range arr {
				if reflect.DeepEqual(elem, expected) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
			continue
		}
		if !reflect.DeepEqual(actual, expected) {
			return false
		}
	}
	return true
}
