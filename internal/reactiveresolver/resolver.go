// Package reactiveresolver implements the ReactiveResolver
// (SPEC_FULL.md §5.8): turning a schema key, a co-id, or a query object
// into a reactive store that updates as its dependencies resolve.
//
// Grounded on internal/registry/registry.go's discovery-composition
// shape (a typed Opts struct with defaulting, a public entry point that
// composes a lookup with a concurrent follow-up step) adapted from
// "list agents then health-check each" to "resolve a schema key then
// read through it reactively".
package reactiveresolver

import (
	"context"
	"sync"
	"time"

	"github.com/oMaiaCity/covalue/internal/coid"
	"github.com/oMaiaCity/covalue/internal/covalue"
	"github.com/oMaiaCity/covalue/internal/crud"
	"github.com/oMaiaCity/covalue/internal/loader"
	"github.com/oMaiaCity/covalue/internal/reactive"
	"github.com/oMaiaCity/covalue/internal/schema"
)

// DefaultPollInterval is how often ResolveSchemaReactive re-checks the
// resolver while a human-readable key has not yet resolved. The schema
// capability exposes no subscribe primitive of its own (SPEC_FULL.md
// §2), so waiting on registry growth is polling, not a push.
const DefaultPollInterval = 100 * time.Millisecond

// SchemaResolution is the value ResolveSchemaReactive's store carries.
type SchemaResolution struct {
	ID       coid.ID
	Resolved bool
}

// HandleResolution is the value ResolveCoValueReactive's store carries.
type HandleResolution struct {
	Handle *loader.Handle
	Error  error
}

// QueryResolution is the value ResolveQueryReactive's store carries; it
// mirrors crud.ReadResult once the underlying schema key has resolved.
type QueryResolution struct {
	Loading bool
	Error   error
	Data    any
}

// Resolver composes schema.Resolver, the co-value Loader, and
// crud.Engine.Read into the three reactive entry points SPEC_FULL.md
// §5.8 names.
type Resolver struct {
	Schemas schema.Resolver
	Loader  *loader.Loader
	Engine  *crud.Engine
	Cache   *reactive.Cache

	pollInterval time.Duration
}

// New builds a ReactiveResolver over the given capabilities.
func New(schemas schema.Resolver, ld *loader.Loader, engine *crud.Engine, cache *reactive.Cache) *Resolver {
	return &Resolver{Schemas: schemas, Loader: ld, Engine: engine, Cache: cache, pollInterval: DefaultPollInterval}
}

// ResolveSchemaReactive resolves key to a schema co-id, emitting
// immediately if key is already a valid co-id, otherwise polling the
// resolver until it gains the key or ctx is done (SPEC_FULL.md §5.8).
func (r *Resolver) ResolveSchemaReactive(ctx context.Context, key string) *reactive.Store[SchemaResolution] {
	cacheKey := "schemaResolution:" + key
	return reactive.GetOrCreateStore(r.Cache, cacheKey, func() *reactive.Store[SchemaResolution] {
		store := reactive.NewStore(SchemaResolution{})

		if id, ok := coid.Parse(key); ok {
			store.Set(SchemaResolution{ID: id, Resolved: true})
			return store
		}

		if id, ok := r.Schemas.Resolve(ctx, key); ok {
			store.Set(SchemaResolution{ID: id, Resolved: true})
			return store
		}

		go r.pollSchema(ctx, key, store)
		return store
	})
}

func (r *Resolver) pollSchema(ctx context.Context, key string, store *reactive.Store[SchemaResolution]) {
	interval := r.pollInterval
	if interval == 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if id, ok := r.Schemas.Resolve(ctx, key); ok {
				store.Set(SchemaResolution{ID: id, Resolved: true})
				return
			}
		}
	}
}

// ResolveCoValueReactive loads id (without waiting for a schema header,
// as crud's readSingleCoValue also does not) and keeps the returned store live for
// every subsequent Peer update (SPEC_FULL.md §5.8).
func (r *Resolver) ResolveCoValueReactive(ctx context.Context, id coid.ID) *reactive.Store[HandleResolution] {
	cacheKey := "handleResolution:" + string(id)
	store := reactive.GetOrCreateStore(r.Cache, cacheKey, func() *reactive.Store[HandleResolution] {
		return reactive.NewStore(HandleResolution{})
	})

	onceVal := r.Cache.GetOrCreate("handleResolution:wired:"+string(id), func() any { return &sync.Once{} })
	once := onceVal.(*sync.Once)
	once.Do(func() {
		go func() {
			handle, err := r.Loader.Ensure(ctx, id, loader.Options{})
			store.Set(HandleResolution{Handle: handle, Error: err})
		}()
		r.Engine.Peer.Subscribe(id, func(cv *covalue.CoValue) {
			if !cv.Available() {
				return
			}
			store.Set(HandleResolution{Handle: &loader.Handle{CoValue: cv}})
		})
	})

	return store
}

// ResolveQueryReactive composes ResolveSchemaReactive with
// crud.Engine.Read: the query store stays in a loading state until the
// schema key resolves, then mirrors the resulting read store
// (SPEC_FULL.md §5.8).
func (r *Resolver) ResolveQueryReactive(ctx context.Context, schemaKey string, filter map[string]any, opts crud.ReadOptions) *reactive.Store[QueryResolution] {
	out := reactive.NewStore(QueryResolution{Loading: true})
	schemaStore := r.ResolveSchemaReactive(ctx, schemaKey)

	var startOnce sync.Once
	start := func(sr SchemaResolution) {
		if !sr.Resolved {
			return
		}
		startOnce.Do(func() {
			inner := r.Engine.Read(ctx, crud.ReadRequest{SchemaKey: schemaKey, Filter: filter, Options: opts})
			inner.Subscribe(func(rr crud.ReadResult) {
				out.Set(QueryResolution{Loading: rr.Loading, Error: rr.Error, Data: rr.Data})
			})
			out.Set(QueryResolution{Loading: inner.Value().Loading, Error: inner.Value().Error, Data: inner.Value().Data})
		})
	}

	start(schemaStore.Value())
	schemaStore.Subscribe(start)

	return out
}

// Identifier is the union of shapes ResolveReactive dispatches on
// (SPEC_FULL.md §5.8: "query object, {fromCoValue} meta, co-id string,
// or schema key").
type Identifier struct {
	Query     *QueryIdentifier
	FromCoID  coid.ID
	CoID      coid.ID
	SchemaKey string
}

// QueryIdentifier is the {schema, filter, options} shape.
type QueryIdentifier struct {
	Schema  string
	Filter  map[string]any
	Options crud.ReadOptions
}

// ResolveReactive dispatches on the identifier's populated shape, in the
// priority order query object > fromCoValue > co-id > schema key.
func (r *Resolver) ResolveReactive(ctx context.Context, id Identifier) any {
	switch {
	case id.Query != nil:
		return r.ResolveQueryReactive(ctx, id.Query.Schema, id.Query.Filter, id.Query.Options)
	case id.FromCoID != "":
		return r.ResolveCoValueReactive(ctx, id.FromCoID)
	case id.CoID != "":
		return r.ResolveCoValueReactive(ctx, id.CoID)
	default:
		return r.ResolveSchemaReactive(ctx, id.SchemaKey)
	}
}
