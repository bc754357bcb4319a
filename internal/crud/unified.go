package crud

import (
	"context"
	"reflect"
	"sync"

	"github.com/oMaiaCity/covalue/internal/coid"
	"github.com/oMaiaCity/covalue/internal/reactive"
)

// schemaDefinitionFields are the property names that, even when a value
// carries a `schema` key, mark it as describing a schema rather than
// being a query object (SPEC_FULL.md §5.7 "Query object detection").
var schemaDefinitionFields = map[string]bool{
	"properties":  true,
	"items":       true,
	"$defs":       true,
	"cotype":      true,
	"indexing":    true,
	"title":       true,
	"description": true,
}

// isQueryObject reports whether v is a query object: a non-array object
// carrying a "schema" property, excluding DB-operation payloads (those
// whose "op" is set and not in {read, query}) and schema-definition
// shaped values.
func isQueryObject(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	if _, hasSchema := m["schema"]; !hasSchema {
		return false
	}
	if op, ok := m["op"].(string); ok && op != "read" && op != "query" {
		return false
	}
	for field := range schemaDefinitionFields {
		if _, present := m[field]; present {
			return false
		}
	}
	return true
}

// UnifiedStore merges a context record's query-object fields with their
// live resolved values (SPEC_FULL.md §5.7.x). It holds one child
// subscription per detected query key and batches updates onto a single
// buffered channel drained by one goroutine, mirroring the teacher's
// single-flush-loop pattern adapted from a microtask queue to a
// goroutine + channel (DESIGN.md).
type UnifiedStore struct {
	engine *Engine
	store  *reactive.Store[ReadResult]

	pending chan struct{}

	mu          sync.Mutex
	latest      map[string]any
	base        map[string]any
	childValues map[string]any
}

// NewUnifiedStore builds and starts a UnifiedStore over base (the
// parent record's projected fields, some of which may be query
// objects), using opts as the shared options merged into each child
// read (SPEC_FULL.md §5.7.x: "options merged from value.map and shared
// options").
func (e *Engine) NewUnifiedStore(ctx context.Context, base map[string]any, opts ReadOptions) *UnifiedStore {
	u := &UnifiedStore{
		engine:      e,
		store:       reactive.NewStore(ReadResult{Loading: true}),
		pending:     make(chan struct{}, 1),
		base:        base,
		childValues: make(map[string]any),
	}

	var queryKeys []string
	for k, v := range base {
		if isQueryObject(v) {
			queryKeys = append(queryKeys, k)
		}
	}

	go u.flushLoop()

	for _, key := range queryKeys {
		u.subscribeQuery(ctx, key, base[key].(map[string]any), opts)
	}

	u.scheduleFlush()
	return u
}

// Store returns the reactive store the unified merge emits on.
func (u *UnifiedStore) Store() *reactive.Store[ReadResult] { return u.store }

func (u *UnifiedStore) subscribeQuery(ctx context.Context, key string, query map[string]any, opts ReadOptions) {
	schemaKey, _ := query["schema"].(string)
	filter, _ := query["filter"].(map[string]any)

	childOpts := opts
	if m, ok := query["options"].(map[string]any); ok {
		if dr, ok := m["deepResolve"].(bool); ok {
			childOpts.DeepResolve = dr
		}
	}
	if m, ok := query["map"].(map[string]any); ok {
		childOpts.Map = m
	}

	if _, ok := u.engine.Index.ResolveSchema(ctx, schemaKey); !ok {
		u.mu.Lock()
		u.childValues[key] = []any{}
		u.mu.Unlock()
		u.scheduleFlush()
		return
	}

	var childStore *reactive.Store[ReadResult]
	if id, isFindOne := findOneID(filter); isFindOne {
		childStore = u.engine.readSingleCoValue(ctx, id, childOpts)
	} else {
		childStore = u.engine.readCollection(ctx, schemaKey, filter, childOpts)
	}

	childStore.Subscribe(func(r ReadResult) {
		u.mu.Lock()
		if r.Error != nil {
			u.childValues[key] = nil
		} else {
			u.childValues[key] = r.Data
		}
		u.mu.Unlock()
		u.scheduleFlush()
	})

	// Seed immediately with whatever the child store already holds.
	u.mu.Lock()
	u.childValues[key] = childStore.Value().Data
	u.mu.Unlock()
}

// findOneID detects the `{id: <coId>}` filter shape that marks a query
// as a single-record lookup rather than a collection query
// (SPEC_FULL.md §5.7.x "findOne detection"). Decided as an Open
// Question in DESIGN.md: detection is scoped to exactly this shape, not
// any filter that happens to narrow to one result.
func findOneID(filter map[string]any) (coid.ID, bool) {
	if len(filter) != 1 {
		return "", false
	}
	idVal, ok := filter["id"]
	if !ok {
		return "", false
	}
	s, ok := idVal.(string)
	if !ok {
		return "", false
	}
	return coid.ID(s), true
}

func (u *UnifiedStore) scheduleFlush() {
	select {
	case u.pending <- struct{}{}:
	default:
	}
}

func (u *UnifiedStore) flushLoop() {
	for range u.pending {
		merged := u.buildMerged()
		u.mu.Lock()
		changed := !reflect.DeepEqual(merged, u.latest)
		if changed {
			u.latest = merged
		}
		u.mu.Unlock()
		if changed {
			u.store.Set(ReadResult{Data: merged})
		}
	}
}

// buildMerged assembles mergedValue: base record with each query key
// replaced by its resolved child value (or [] while still pending), per
// SPEC_FULL.md §5.7.x.
func (u *UnifiedStore) buildMerged() map[string]any {
	u.mu.Lock()
	defer u.mu.Unlock()

	out := make(map[string]any, len(u.base))
	for k, v := range u.base {
		out[k] = v
	}
	for key, val := range u.childValues {
		if val == nil {
			out[key] = []any{}
			continue
		}
		out[key] = val
	}
	return out
}
