package crud

import (
	"context"
	"time"

	"github.com/oMaiaCity/covalue/internal/coid"
	"github.com/oMaiaCity/covalue/internal/covalue"
	"github.com/oMaiaCity/covalue/internal/deepresolve"
	"github.com/oMaiaCity/covalue/internal/evalx"
	"github.com/oMaiaCity/covalue/internal/extractor"
	"github.com/oMaiaCity/covalue/internal/index"
	"github.com/oMaiaCity/covalue/internal/loader"
	"github.com/oMaiaCity/covalue/internal/reactive"
	"github.com/oMaiaCity/covalue/internal/schema"
)

// DefaultTimeout is the bound on the short initial-readiness wait that
// create() performs before falling back to a partial response
// (SPEC_FULL.md §5.7 create step 4), and on findFirst's per-item loads.
// update() does not wait.
const DefaultTimeout = 2 * time.Second

// DefaultMaxDepth is the default DeepResolver depth bound for read()
// when the caller does not override it (SPEC_FULL.md §5.7 "Options:
// {deepResolve=true, maxDepth=15, ...}").
const DefaultMaxDepth = 15

// Engine wires together every capability the CRUD operations need:
// Peer, SchemaResolver, Evaluator, the IndexManager, and the shared
// reactive cache. It is the single entry point callers (and
// internal/reactiveresolver) use to run create/read/update/delete/
// findFirst.
type Engine struct {
	Peer     covalue.Peer
	Schemas  schema.Resolver
	Index    *index.Manager
	Loader   *loader.Loader
	Deep     *deepresolve.Resolver
	Cache    *reactive.Cache
	Eval     evalx.Evaluator
	Gate     *Gate
}

// New wires an Engine from its dependencies.
func New(peer covalue.Peer, schemas schema.Resolver, idx *index.Manager, ld *loader.Loader, deep *deepresolve.Resolver, cache *reactive.Cache, ev evalx.Evaluator) *Engine {
	return &Engine{
		Peer:    peer,
		Schemas: schemas,
		Index:   idx,
		Loader:  ld,
		Deep:    deep,
		Cache:   cache,
		Eval:    ev,
		Gate:    NewGate(schemas),
	}
}

// mapLoaderAdapter is a small internal adapter satisfying
// maptransform.Loader, so MapTransform can cross a CoId boundary using
// this Engine's own Loader+extractor pipeline.
type mapLoaderAdapter struct{ e *Engine }

func (a mapLoaderAdapter) LoadAndProject(ctx context.Context, id coid.ID) (map[string]any, error) {
	handle, err := a.e.Loader.Ensure(ctx, id, loader.Options{})
	if err != nil {
		return nil, err
	}
	rec := extractor.Extract(handle.CoValue, extractor.Hint{})
	return rec.ToMap(), nil
}

// binLoaderAdapter satisfies maptransform.BinaryLoader by delegating to
// the Peer directly.
type binLoaderAdapter struct{ e *Engine }

func (a binLoaderAdapter) LoadBinaryAsDataURL(ctx context.Context, id coid.ID) (string, bool) {
	return a.e.Peer.LoadBinaryAsDataURL(ctx, id)
}
