// Package deepresolve implements the DeepResolver (SPEC_FULL.md §5.5):
// given a record and a shared visited set, it progressively loads every
// CoId reachable from the record, fanning sibling loads out in parallel
// while never blocking the caller beyond the root co-value's own await.
//
// Grounded on the teacher's internal/query/evaluator.go recursive AST
// walk (visited-set handling was absent there and is added here per
// SPEC_FULL.md §9 P5, cycle safety), with golang.org/x/sync/errgroup
// wired in for the "parallel sibling loads, single await on root"
// behavior the spec calls out explicitly.
package deepresolve

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oMaiaCity/covalue/internal/coid"
	"github.com/oMaiaCity/covalue/internal/covalue"
	"github.com/oMaiaCity/covalue/internal/extractor"
	"github.com/oMaiaCity/covalue/internal/loader"
)

// Options bounds a resolution pass.
type Options struct {
	MaxDepth int
	Timeout  time.Duration

	// OnNestedAvailable, if set, is invoked (at most once per CoId) when
	// a nested reference that was not yet available at resolveOne time
	// later loads. Resolve itself never blocks waiting for it (SPEC_FULL.md
	// §5.5: "never blocks the caller on nested availability") — the
	// branch is simply omitted from this pass's result, and the caller
	// uses this hook to re-run resolution once the value lands.
	OnNestedAvailable func(id coid.ID)
}

// VisitedSet is the cycle-breaking state shared across one resolution
// walk (and, when a caller composes DeepResolver with MapTransform,
// across that too — both accept the same coid.ID-keyed set).
type VisitedSet struct {
	mu      sync.Mutex
	visited map[coid.ID]bool
}

// NewVisitedSet returns an empty, concurrency-safe VisitedSet.
func NewVisitedSet() *VisitedSet {
	return &VisitedSet{visited: make(map[coid.ID]bool)}
}

// MarkIfUnvisited marks id visited and reports whether it was not
// already visited (i.e. whether the caller should proceed). Marking
// happens atomically before any I/O, so two goroutines racing on the
// same id never both proceed (SPEC_FULL.md §5.5: "Mark each CoId
// visited before any I/O to block cycles").
func (v *VisitedSet) MarkIfUnvisited(id coid.ID) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.visited[id] {
		return false
	}
	v.visited[id] = true
	return true
}

// Resolver walks records loading every reachable CoId.
type Resolver struct {
	loader *loader.Loader
	peer   covalue.Peer
}

// New returns a Resolver backed by l (for loads) and peer (for the
// one-shot subscription it installs on a nested value that is not yet
// available; that subscription is removed once the value arrives, and
// no subscription is kept to hold it resident).
func New(l *loader.Loader, peer covalue.Peer) *Resolver {
	return &Resolver{loader: l, peer: peer}
}

// Resolve walks rec, loading and extracting every CoId field it finds,
// up to opts.MaxDepth, sharing visited across the whole walk. It
// returns a map mirroring rec's Fields with resolved nested records
// substituted in place of their CoId string, keyed the same way the
// source field was keyed. Unreachable/timed-out/cyclic branches are
// silently omitted (SPEC_FULL.md §5.5 and §5.4's "non-fatal" rule).
func (r *Resolver) Resolve(ctx context.Context, rec *covalue.Record, visited *VisitedSet, opts Options) map[string]any {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	if visited == nil {
		visited = NewVisitedSet()
	}

	out := make(map[string]any, len(rec.Fields))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	for key, val := range rec.Fields {
		key, val := key, val
		s, ok := val.(string)
		if !ok || !coid.Valid(s) {
			mu.Lock()
			out[key] = val
			mu.Unlock()
			continue
		}
		id := coid.ID(s)

		g.Go(func() error {
			resolved, ok := r.resolveOne(gctx, id, visited, 1, opts.MaxDepth, opts.OnNestedAvailable)
			if ok {
				mu.Lock()
				out[key] = resolved
				mu.Unlock()
			}
			return nil
		})
	}

	_ = g.Wait() // errors are swallowed per field; a branch that fails is simply omitted.
	return out
}

// resolveOne extracts id's record and recurses into its own CoId
// fields at depth+1. At depth 1 (a root-level field) it blocks on
// loader.Ensure — Resolve's caller already awaits this whole goroutine
// via errgroup, so that is the spec's "single await on root". At any
// deeper level it never blocks: it serves what the Peer already has
// resident, or kicks off a background load and subscription and omits
// the branch from this pass, per SPEC_FULL.md §5.5 ("never blocks the
// caller on nested availability").
func (r *Resolver) resolveOne(ctx context.Context, id coid.ID, visited *VisitedSet, depth, maxDepth int, onNested func(coid.ID)) (map[string]any, bool) {
	if maxDepth > 0 && depth > maxDepth {
		return nil, false
	}
	if !visited.MarkIfUnvisited(id) {
		return nil, false
	}

	var cv *covalue.CoValue
	if depth == 1 {
		handle, err := r.loader.Ensure(ctx, id, loader.Options{})
		if err != nil {
			return nil, false
		}
		cv = handle.CoValue
	} else {
		found, ok := r.peer.Get(ctx, id)
		if !ok || !found.Available() {
			r.peer.Load(ctx, id)
			r.subscribeNested(id, onNested)
			return nil, false
		}
		cv = found
	}

	rec := extractor.Extract(cv, extractor.Hint{})
	out := rec.ToMap()

	if maxDepth == 0 || depth < maxDepth {
		for key, val := range rec.Fields {
			s, ok := val.(string)
			if !ok || !coid.Valid(s) {
				continue
			}
			nested, ok := r.resolveOne(ctx, coid.ID(s), visited, depth+1, maxDepth, onNested)
			if ok {
				out[key] = nested
			}
		}
	}

	return out, true
}

// subscribeNested arms a one-shot subscription that calls onNested once
// id becomes available, letting a caller re-run Resolve and pick up a
// branch that was skipped because it wasn't resident yet.
func (r *Resolver) subscribeNested(id coid.ID, onNested func(coid.ID)) {
	if onNested == nil {
		return
	}
	var once sync.Once
	var unsub covalue.Unsubscribe
	unsub = r.peer.Subscribe(id, func(cv *covalue.CoValue) {
		if !cv.Available() {
			return
		}
		once.Do(func() {
			onNested(id)
			unsub()
		})
	})
}
