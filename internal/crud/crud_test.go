package crud

import (
	"context"
	"testing"
	"time"

	"github.com/oMaiaCity/covalue/internal/coid"
	"github.com/oMaiaCity/covalue/internal/covalue"
	"github.com/oMaiaCity/covalue/internal/deepresolve"
	"github.com/oMaiaCity/covalue/internal/evalx"
	"github.com/oMaiaCity/covalue/internal/index"
	"github.com/oMaiaCity/covalue/internal/loader"
	"github.com/oMaiaCity/covalue/internal/peer"
	"github.com/oMaiaCity/covalue/internal/reactive"
	"github.com/oMaiaCity/covalue/internal/schema"
)

// fakeResolver is the minimal schema.Resolver fixture, mirroring
// internal/reactiveresolver/resolver_test.go's fakeResolver.
type fakeResolver struct {
	byKey map[string]coid.ID
	docs  map[coid.ID]*schema.Document
}

func (f *fakeResolver) Resolve(_ context.Context, key string) (coid.ID, bool) {
	id, ok := f.byKey[key]
	return id, ok
}

func (f *fakeResolver) Document(_ context.Context, id coid.ID) (*schema.Document, bool) {
	d, ok := f.docs[id]
	return d, ok
}

// boolFieldValidator rejects a merged record whose "done" field is
// present but not a bool — S6 needs a validator that actually rejects a
// type mismatch, which requiredFieldsValidator (presence-only) cannot
// express.
type boolFieldValidator struct{ field string }

func (v boolFieldValidator) Validate(data map[string]any) []schema.ValidationError {
	val, ok := data[v.field]
	if !ok {
		return nil
	}
	if _, ok := val.(bool); !ok {
		return []schema.ValidationError{{Field: v.field, Message: "must be a boolean"}}
	}
	return nil
}

func newTestEngine(r *fakeResolver) (*peer.Memory, *Engine) {
	p := peer.New()
	idx := index.New(p, r, "")
	ld := loader.New(p)
	deep := deepresolve.New(ld, p)
	cache := reactive.NewCache(0)
	return p, New(p, r, idx, ld, deep, cache, evalx.New())
}

// awaitNotLoading polls store until it stops reporting Loading (or the
// deadline elapses), mirroring the polling pattern used throughout
// internal/reactiveresolver/resolver_test.go for goroutine-driven stores.
func awaitNotLoading(t *testing.T, store *reactive.Store[ReadResult]) ReadResult {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		v := store.Value()
		if !v.Loading {
			return v
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for store to stop loading")
			return ReadResult{}
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func indexableSchema(id coid.ID) *schema.Document {
	return &schema.Document{ID: id, Indexing: true}
}

// TestCreateReturnsExtractedAndAppearsInCollection covers S1: create a
// record, then read its collection and find it there.
func TestCreateReturnsExtractedAndAppearsInCollection(t *testing.T) {
	schemaID := coid.ID("co_zschematask00000000")
	r := &fakeResolver{
		byKey: map[string]coid.ID{"task": schemaID},
		docs:  map[coid.ID]*schema.Document{schemaID: indexableSchema(schemaID)},
	}
	_, e := newTestEngine(r)
	ctx := context.Background()

	out, err := e.Create(ctx, "task", map[string]any{"title": "write tests"}, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	id, _ := out["id"].(string)
	if id == "" {
		t.Fatalf("expected Create to return a non-empty id, got %+v", out)
	}
	if out["title"] != "write tests" {
		t.Fatalf("expected extracted title field, got %+v", out)
	}

	store := e.Read(ctx, ReadRequest{SchemaKey: "task"})
	result := awaitNotLoading(t, store)
	if result.Error != nil {
		t.Fatalf("unexpected collection read error: %v", result.Error)
	}
	items, _ := result.Data.([]any)
	found := false
	for _, item := range items {
		fields, _ := item.(map[string]any)
		if fields["id"] == id {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected created record %q in collection, got %+v", id, items)
	}
}

// TestUpdateAppliesFieldsAndReadReflectsChange covers S2: update a field
// and confirm the change lands on the underlying co-value.
func TestUpdateAppliesFieldsAndReadReflectsChange(t *testing.T) {
	schemaID := coid.ID("co_zschematask00000001")
	r := &fakeResolver{
		byKey: map[string]coid.ID{"task": schemaID},
		docs:  map[coid.ID]*schema.Document{schemaID: indexableSchema(schemaID)},
	}
	p, e := newTestEngine(r)
	ctx := context.Background()

	out, err := e.Create(ctx, "task", map[string]any{"title": "draft"}, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	id := coid.ID(out["id"].(string))

	if err := e.Update(ctx, id, map[string]any{"title": "final"}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	cv, ok := p.Get(ctx, id)
	if !ok {
		t.Fatalf("expected co-value to still exist after update")
	}
	if cv.Fields["title"] != "final" {
		t.Fatalf("expected title to be updated, got %+v", cv.Fields)
	}
}

// TestUpdateRejectsInvalidFieldTypeAndLeavesPriorValue covers S6: a
// schema with a validator that rejects a type mismatch must fail the
// update and leave the previously stored value untouched.
func TestUpdateRejectsInvalidFieldTypeAndLeavesPriorValue(t *testing.T) {
	schemaID := coid.ID("co_zschemaflag00000000")
	r := &fakeResolver{
		byKey: map[string]coid.ID{"flag": schemaID},
		docs: map[coid.ID]*schema.Document{
			schemaID: {ID: schemaID, Validator: boolFieldValidator{field: "done"}},
		},
	}
	p, e := newTestEngine(r)
	ctx := context.Background()

	out, err := e.Create(ctx, "flag", map[string]any{"done": true}, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	id := coid.ID(out["id"].(string))

	err = e.Update(ctx, id, map[string]any{"done": "not-a-bool"})
	if err == nil {
		t.Fatalf("expected Update to reject a non-bool value for done")
	}

	cv, ok := p.Get(ctx, id)
	if !ok {
		t.Fatalf("expected co-value to still exist after rejected update")
	}
	if cv.Fields["done"] != true {
		t.Fatalf("expected prior value to survive the rejected update, got %+v", cv.Fields["done"])
	}
}

// TestDeleteRemovesAllKeysAndHidesRecordFromFindFirst covers delete():
// every key on the comap is gone afterward, and a subsequent FindFirst
// no longer sees the record.
func TestDeleteRemovesAllKeysAndHidesRecordFromFindFirst(t *testing.T) {
	schemaID := coid.ID("co_zschematask00000002")
	r := &fakeResolver{
		byKey: map[string]coid.ID{"task": schemaID},
		docs:  map[coid.ID]*schema.Document{schemaID: indexableSchema(schemaID)},
	}
	p, e := newTestEngine(r)
	ctx := context.Background()

	out, err := e.Create(ctx, "task", map[string]any{"title": "to be deleted"}, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	id := coid.ID(out["id"].(string))

	if err := e.Delete(ctx, "task", id); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	cv, ok := p.Get(ctx, id)
	if !ok {
		t.Fatalf("expected co-value record to still exist after delete (hard delete clears keys, not the record)")
	}
	if len(cv.Keys) != 0 || len(cv.Fields) != 0 {
		t.Fatalf("expected every key removed after delete, got keys=%v fields=%v", cv.Keys, cv.Fields)
	}

	found, ok, err := e.FindFirst(ctx, "task", map[string]any{"title": "to be deleted"})
	if err != nil {
		t.Fatalf("FindFirst: %v", err)
	}
	if ok {
		t.Fatalf("expected deleted record to no longer be found, got %+v", found)
	}
}

// TestFindFirstAppliesStrictFilterAndSkipsEmptySkeletons covers P7
// (strict per-field equality) and P8 (empty-skeleton suppression).
func TestFindFirstAppliesStrictFilterAndSkipsEmptySkeletons(t *testing.T) {
	schemaID := coid.ID("co_zschematask00000003")
	r := &fakeResolver{
		byKey: map[string]coid.ID{"task": schemaID},
		docs:  map[coid.ID]*schema.Document{schemaID: indexableSchema(schemaID)},
	}
	p, e := newTestEngine(r)
	ctx := context.Background()

	if _, err := e.Create(ctx, "task", map[string]any{"owner": "alice", "title": "a"}, ""); err != nil {
		t.Fatalf("Create alice: %v", err)
	}
	if _, err := e.Create(ctx, "task", map[string]any{"owner": "bob", "title": "b"}, ""); err != nil {
		t.Fatalf("Create bob: %v", err)
	}

	// Insert a bare skeleton directly into the index list: a record
	// replicated in before its payload synced, carrying only metadata
	// keys. findFirst must skip it rather than match or error on it.
	listID, ok := e.Index.IndexListFor(ctx, schemaID)
	if !ok {
		t.Fatalf("expected schema to be indexable")
	}
	skeletonID, err := p.CreateCoValue(ctx, covalue.CreateArgs{
		Kind:   covalue.KindComap,
		Schema: schemaID,
		Data:   map[string]any{"id": "co_zskeleton00000000001", "$schema": string(schemaID), "type": "comap"},
	})
	if err != nil {
		t.Fatalf("CreateCoValue skeleton: %v", err)
	}
	if err := p.Push(ctx, listID, string(skeletonID)); err != nil {
		t.Fatalf("Push skeleton into index: %v", err)
	}

	got, ok, err := e.FindFirst(ctx, "task", map[string]any{"owner": "bob"})
	if err != nil {
		t.Fatalf("FindFirst: %v", err)
	}
	if !ok || got["title"] != "b" {
		t.Fatalf("expected strict match on bob's record, got %+v (ok=%v)", got, ok)
	}

	if _, ok, _ := e.FindFirst(ctx, "task", map[string]any{"owner": "carol"}); ok {
		t.Fatalf("expected no match for an owner that does not exist")
	}
}

// TestReadSingleCoValueMergesQueryObjectFieldsViaUnifiedStore covers P9:
// a record whose field is a query object gets that field replaced by
// its resolved query result through NewUnifiedStore, rather than being
// emitted as the raw query descriptor.
func TestReadSingleCoValueMergesQueryObjectFieldsViaUnifiedStore(t *testing.T) {
	schemaID := coid.ID("co_zschematask00000004")
	r := &fakeResolver{
		byKey: map[string]coid.ID{"task": schemaID},
		docs:  map[coid.ID]*schema.Document{schemaID: indexableSchema(schemaID)},
	}
	_, e := newTestEngine(r)
	ctx := context.Background()

	if _, err := e.Create(ctx, "task", map[string]any{"owner": "alice"}, ""); err != nil {
		t.Fatalf("Create: %v", err)
	}

	parentOut, err := e.Create(ctx, "task", map[string]any{
		"owner": "dana",
		"related": map[string]any{
			"schema": "task",
			"filter": map[string]any{"owner": "alice"},
		},
	}, "")
	if err != nil {
		t.Fatalf("Create parent: %v", err)
	}
	parentID := coid.ID(parentOut["id"].(string))

	store := e.Read(ctx, ReadRequest{CoID: parentID})

	deadline := time.After(2 * time.Second)
	var related []any
	for {
		result := store.Value()
		if data, ok := result.Data.(map[string]any); ok {
			if r, ok := data["related"].([]any); ok && len(r) == 1 {
				related = r
				break
			}
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for unified merge, last value: %+v", result)
		case <-time.After(5 * time.Millisecond):
		}
	}

	fields, _ := related[0].(map[string]any)
	if fields["owner"] != "alice" {
		t.Fatalf("expected merged related record to be alice's, got %+v", related)
	}
}

// TestReadDispatchesSparksAndHumansThroughAccountRegistryNamespace
// covers the read() dispatch table's "sparks"/"humans" branch: a
// SchemaKey of "sparks" must resolve through the namespaced
// "account.registries.sparks" schema key rather than a plain "sparks"
// collection.
func TestReadDispatchesSparksAndHumansThroughAccountRegistryNamespace(t *testing.T) {
	schemaID := coid.ID("co_zschemasparks000000")
	r := &fakeResolver{
		byKey: map[string]coid.ID{
			accountRegistrySchemaKey(sparksRegistryKey): schemaID,
		},
		docs: map[coid.ID]*schema.Document{schemaID: indexableSchema(schemaID)},
	}
	_, e := newTestEngine(r)
	ctx := context.Background()

	out, err := e.Create(ctx, accountRegistrySchemaKey(sparksRegistryKey), map[string]any{"name": "first-spark"}, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	store := e.Read(ctx, ReadRequest{SchemaKey: sparksRegistryKey})
	result := awaitNotLoading(t, store)
	if result.Error != nil {
		t.Fatalf("unexpected error dispatching sparks registry read: %v", result.Error)
	}
	items, _ := result.Data.([]any)
	found := false
	for _, item := range items {
		fields, _ := item.(map[string]any)
		if fields["id"] == out["id"] {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected spark record reachable via the sparks dispatch branch, got %+v", items)
	}
}
