// Package extractor projects a raw covalue.CoValue into a normalized
// flat covalue.Record (SPEC_FULL.md §5.2). It is a pure function with no
// side effects, stable under identical inputs — it never touches a Peer
// or performs I/O; any referenced CoId it encounters is left as a
// reference for the caller (DeepResolver, MapTransform) to resolve.
//
// Grounded on internal/storage/sqlite/issues.go's field-by-field
// normalization (formatJSONStringArray et al., generalized here from a
// fixed issue schema to an arbitrary comap/colist/costream) and
// internal/storage/metadata.go's normalizeMetadataValue, which accepts
// string/[]byte/json.RawMessage and normalizes to one canonical shape —
// the same idea powers the JSON-string rehydration pass below.
package extractor

import (
	"encoding/json"
	"sort"

	"github.com/oMaiaCity/covalue/internal/coid"
	"github.com/oMaiaCity/covalue/internal/covalue"
)

// Hint is the schemaHint policy input (SPEC_FULL.md §5.2: "@group" for
// group rulesets, "@account" when header type is "account",
// "@meta-schema" when schema equals the distinguished meta-schema
// marker).
type Hint struct {
	HeaderType       string
	IsGroupRuleset   bool
	MetaSchemaMarker coid.ID
}

// passthrough lists the reserved keys whose JSON-string values are never
// rehydrated (SPEC_FULL.md §5.2).
var passthrough = map[string]bool{
	"error":   true,
	"message": true,
	"content": true,
}

// Extract dispatches on cv.Header.Kind and produces the normalized
// Record.
func Extract(cv *covalue.CoValue, hint Hint) *covalue.Record {
	rec := &covalue.Record{
		ID:     cv.ID,
		Schema: attributeSchema(cv, hint),
		Kind:   cv.Header.Kind,
	}

	switch cv.Header.Kind {
	case covalue.KindComap:
		extractComap(cv, rec)
	case covalue.KindColist:
		rec.List = append([]any(nil), cv.Items...)
	case covalue.KindCostream:
		extractCostream(cv, rec)
	}

	return rec
}

func attributeSchema(cv *covalue.CoValue, hint Hint) coid.ID {
	if hint.MetaSchemaMarker != "" && cv.Header.Schema == hint.MetaSchemaMarker {
		return "@meta-schema"
	}
	if cv.Header.Schema != "" {
		return cv.Header.Schema
	}
	switch {
	case hint.IsGroupRuleset:
		return "@group"
	case hint.HeaderType == "account":
		return "@account"
	default:
		return ""
	}
}

func extractComap(cv *covalue.CoValue, rec *covalue.Record) {
	rec.Fields = make(map[string]any, len(cv.Keys))
	rec.Types = make(map[string]string, len(cv.Keys))

	for _, key := range cv.Keys {
		raw, ok := cv.Fields[key]
		if !ok {
			continue
		}
		value, typ := classify(raw)
		if typ == "sealed" {
			rec.Fields[key] = "[sealed]"
			rec.Types[key] = typ
			continue
		}
		if !passthrough[key] {
			value = rehydrate(value)
		}
		rec.Fields[key] = value
		rec.Types[key] = typ
	}
}

// extractCostream flattens all sessions into one MadeAt-ordered sequence
// and also keeps the per-session partition for inbox semantics
// (SPEC_FULL.md §5.2).
func extractCostream(cv *covalue.CoValue, rec *covalue.Record) {
	rec.SessionStream = make(map[string][]covalue.Tx, len(cv.Sessions))
	var all []covalue.Tx
	for session, txs := range cv.Sessions {
		rec.SessionStream[session] = append([]covalue.Tx(nil), txs...)
		all = append(all, txs...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].MadeAt.Before(all[j].MadeAt) })
	rec.Stream = all
}

func classify(v any) (any, string) {
	switch val := v.(type) {
	case nil:
		return nil, "null"
	case covalue.Sealed:
		return val, "sealed"
	case string:
		if id, ok := coid.Parse(val); ok {
			return string(id), "co-id"
		}
		return val, "string"
	case bool:
		return val, "bool"
	case float64, int, int64:
		return val, "number"
	case []any:
		return val, "array"
	case map[string]any:
		return val, "object"
	default:
		return val, "key"
	}
}

// rehydrate recursively parses JSON-string values that decode as objects
// or arrays, matching source systems where nested structures cross a
// serialization boundary as strings (SPEC_FULL.md §5.2 and §9,
// "Cross-language nested-object serialization quirks").
func rehydrate(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	trimmed := trimSpaceFast(s)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return v
	}
	var parsed any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return v
	}
	return rehydrateDeep(parsed)
}

func rehydrateDeep(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			if passthrough[k] {
				out[k] = vv
				continue
			}
			out[k] = rehydrateDeep(rehydrateIfString(vv))
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			out[i] = rehydrateDeep(rehydrateIfString(vv))
		}
		return out
	default:
		return val
	}
}

func rehydrateIfString(v any) any {
	if s, ok := v.(string); ok {
		return rehydrate(s)
	}
	return v
}

func trimSpaceFast(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
