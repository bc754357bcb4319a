package reactiveresolver

import (
	"context"
	"testing"
	"time"

	"github.com/oMaiaCity/covalue/internal/coid"
	"github.com/oMaiaCity/covalue/internal/covalue"
	"github.com/oMaiaCity/covalue/internal/crud"
	"github.com/oMaiaCity/covalue/internal/deepresolve"
	"github.com/oMaiaCity/covalue/internal/evalx"
	"github.com/oMaiaCity/covalue/internal/index"
	"github.com/oMaiaCity/covalue/internal/loader"
	"github.com/oMaiaCity/covalue/internal/peer"
	"github.com/oMaiaCity/covalue/internal/reactive"
	"github.com/oMaiaCity/covalue/internal/schema"
)

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

func newFixture(r *fakeResolver) (*peer.Memory, *Resolver) {
	p := peer.New()
	idx := index.New(p, r, "")
	ld := loader.New(p)
	deep := deepresolve.New(ld, p)
	cache := reactive.NewCache(0)
	engine := crud.New(p, r, idx, ld, deep, cache, evalx.New())
	return p, New(r, ld, engine, cache)
}

func TestResolveSchemaReactiveResolvesImmediatelyForCoID(t *testing.T) {
	_, res := newFixture(&fakeResolver{})
	store := res.ResolveSchemaReactive(context.Background(), "co_zdirectschema000000")
	got := store.Value()
	if !got.Resolved || got.ID != "co_zdirectschema000000" {
		t.Fatalf("expected immediate resolution for co-id key, got %+v", got)
	}
}

func TestResolveSchemaReactiveResolvesImmediatelyWhenAlreadyKnown(t *testing.T) {
	schemaID := coid.ID("co_zschemaknown0000000")
	r := &fakeResolver{byKey: map[string]coid.ID{"task": schemaID}}
	_, res := newFixture(r)

	store := res.ResolveSchemaReactive(context.Background(), "task")
	got := store.Value()
	if !got.Resolved || got.ID != schemaID {
		t.Fatalf("expected immediate resolution, got %+v", got)
	}
}

func TestResolveSchemaReactivePollsUntilRegistered(t *testing.T) {
	schemaID := coid.ID("co_zschemalater0000000")
	r := &fakeResolver{byKey: map[string]coid.ID{}}
	_, res := newFixture(r)
	res.pollInterval = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	store := res.ResolveSchemaReactive(ctx, "task")
	if store.Value().Resolved {
		t.Fatalf("expected not yet resolved before key is registered")
	}

	done := make(chan SchemaResolution, 1)
	store.Subscribe(func(sr SchemaResolution) {
		if sr.Resolved {
			done <- sr
		}
	})

	time.Sleep(20 * time.Millisecond)
	r.byKey["task"] = schemaID

	select {
	case sr := <-done:
		if sr.ID != schemaID {
			t.Fatalf("expected resolved id %q, got %q", schemaID, sr.ID)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for schema resolution")
	}
}

func TestResolveCoValueReactiveLoadsAndTracksUpdates(t *testing.T) {
	p, res := newFixture(&fakeResolver{})
	id, err := p.CreateCoValue(context.Background(), covalue.CreateArgs{
		Kind: covalue.KindComap,
		Data: map[string]any{"title": "hello"},
	})
	if err != nil {
		t.Fatalf("CreateCoValue: %v", err)
	}

	store := res.ResolveCoValueReactive(context.Background(), id)

	deadline := time.After(1 * time.Second)
	for {
		v := store.Value()
		if v.Handle != nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for co-value to resolve")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestResolveQueryReactiveWaitsForSchemaThenDelegatesToRead(t *testing.T) {
	schemaID := coid.ID("co_zschemaqueryable000")
	r := &fakeResolver{
		byKey: map[string]coid.ID{"task": schemaID},
		docs: map[coid.ID]*schema.Document{
			schemaID: {ID: schemaID, Indexing: true},
		},
	}
	_, res := newFixture(r)

	store := res.ResolveQueryReactive(context.Background(), "task", nil, crud.ReadOptions{})

	deadline := time.After(1 * time.Second)
	for {
		v := store.Value()
		if !v.Loading {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for query resolution")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestResolveReactiveDispatchesOnIdentifierShape(t *testing.T) {
	schemaID := coid.ID("co_zschemadispatch0000")
	r := &fakeResolver{byKey: map[string]coid.ID{"task": schemaID}}
	_, res := newFixture(r)

	switch res.ResolveReactive(context.Background(), Identifier{SchemaKey: "task"}).(type) {
	case *reactive.Store[SchemaResolution]:
	default:
		t.Fatalf("expected schema-key dispatch to return a SchemaResolution store")
	}

	switch res.ResolveReactive(context.Background(), Identifier{CoID: "co_zsomecovalue000000"}).(type) {
	case *reactive.Store[HandleResolution]:
	default:
		t.Fatalf("expected co-id dispatch to return a HandleResolution store")
	}

	switch res.ResolveReactive(context.Background(), Identifier{Query: &QueryIdentifier{Schema: "task"}}).(type) {
	case *reactive.Store[QueryResolution]:
	default:
		t.Fatalf("expected query dispatch to return a QueryResolution store")
	}
}
