// Package covalue is the public entry point for embedding the engine in
// a host process: it wires a Peer, a schema Resolver, and an Evaluator
// into a ready-to-use crud.Engine, and re-exports the handful of types a
// caller needs without reaching into internal/.
//
// Mirrors the teacher's root-level beads.go: a thin re-export of the
// internal package surface, not a place for new logic.
package covalue

import (
	"github.com/oMaiaCity/covalue/internal/coid"
	"github.com/oMaiaCity/covalue/internal/covalue"
	"github.com/oMaiaCity/covalue/internal/crud"
	"github.com/oMaiaCity/covalue/internal/deepresolve"
	"github.com/oMaiaCity/covalue/internal/evalx"
	"github.com/oMaiaCity/covalue/internal/index"
	"github.com/oMaiaCity/covalue/internal/loader"
	"github.com/oMaiaCity/covalue/internal/peer"
	"github.com/oMaiaCity/covalue/internal/reactive"
	"github.com/oMaiaCity/covalue/internal/reactiveresolver"
	"github.com/oMaiaCity/covalue/internal/schema"
)

// Core types re-exported for embedders.
type (
	ID          = coid.ID
	Peer        = covalue.Peer
	CreateArgs  = covalue.CreateArgs
	ValueKind   = covalue.ValueKind
	Resolver    = schema.Resolver
	Engine      = crud.Engine
	ReadRequest = crud.ReadRequest
	ReadOptions = crud.ReadOptions
	ReadResult  = crud.ReadResult
)

// Co-value kind constants.
const (
	KindComap    = covalue.KindComap
	KindColist   = covalue.KindColist
	KindCostream = covalue.KindCostream
)

// NewMemoryPeer returns a process-local, non-persistent Peer suitable for
// tests and short-lived tools.
func NewMemoryPeer() *peer.Memory { return peer.New() }

// NewEngine assembles a crud.Engine from a Peer and a schema Resolver,
// wiring up the index manager, loader, deep resolver, reactive cache,
// and the standard filter Evaluator with their default configuration.
// indexesID names the comap the index manager uses to track per-schema
// id lists; pass "" to let the manager create one lazily.
func NewEngine(p Peer, schemas Resolver, indexesID ID) *Engine {
	idx := index.New(p, schemas, indexesID)
	ld := loader.New(p)
	deep := deepresolve.New(ld, p)
	cache := reactive.NewCache(reactive.DefaultCleanupGrace)
	return crud.New(p, schemas, idx, ld, deep, cache, evalx.New())
}

// NewReactiveResolver builds a ReactiveResolver over an already-assembled
// Engine, reusing its schema resolver, loader, and cache.
func NewReactiveResolver(schemas Resolver, engine *Engine) *reactiveresolver.Resolver {
	return reactiveresolver.New(schemas, engine.Loader, engine, engine.Cache)
}
