package crud

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oMaiaCity/covalue/internal/coid"
	"github.com/oMaiaCity/covalue/internal/covalue"
	"github.com/oMaiaCity/covalue/internal/deepresolve"
	"github.com/oMaiaCity/covalue/internal/extractor"
	"github.com/oMaiaCity/covalue/internal/index"
	"github.com/oMaiaCity/covalue/internal/loader"
	"github.com/oMaiaCity/covalue/internal/maptransform"
	"github.com/oMaiaCity/covalue/internal/reactive"
)

// ReadOptions configures a read (SPEC_FULL.md §5.7: "{deepResolve=true,
// maxDepth=15, timeoutMs=5000, map?, onChange?}"). OnChange is the Go
// equivalent of a caller-provided onChange callback: it is invoked
// every time a single-co-value read emits processed data, in addition
// to the Store itself being observable via Subscribe. It is not invoked
// for error results, nor by collection or readAll reads.
type ReadOptions struct {
	DeepResolve bool
	MaxDepth    int
	Timeout     time.Duration
	Map         map[string]any
	OnChange    func(ReadResult)
}

func (o ReadOptions) withDefaults() ReadOptions {
	if o.MaxDepth == 0 {
		o.MaxDepth = DefaultMaxDepth
		o.DeepResolve = true
	}
	if o.Timeout == 0 {
		o.Timeout = 5 * time.Second
	}
	return o
}

// optsKey renders a structural cache-key suffix for a ReadOptions/filter
// pair, used to key memoized resolved data and collection stores.
func optsKey(filter map[string]any, opts ReadOptions) string {
	b, _ := json.Marshal(struct {
		Filter      map[string]any `json:"filter"`
		DeepResolve bool           `json:"deepResolve"`
		MaxDepth    int            `json:"maxDepth"`
		Map         map[string]any `json:"map"`
	}{filter, opts.DeepResolve, opts.MaxDepth, opts.Map})
	return string(b)
}

// ReadResult is the value every read-path ReactiveStore carries: a
// loading/error/data triple. Timeouts and resolution failures surface
// here, never as a panic (SPEC_FULL.md §6, "Timeouts are non-fatal at
// the core boundary").
type ReadResult struct {
	Loading bool
	Error   error
	Data    any
}

// ReadRequest selects which read() dispatch branch runs (SPEC_FULL.md
// §5.7 read dispatch table).
type ReadRequest struct {
	CoID      coid.ID
	SchemaKey string
	Filter    map[string]any
	Options   ReadOptions
}

// sparksRegistryKey and humansRegistryKey are the two schema keys that
// divert read()'s dispatch to the account registries rather than an
// ordinary schema-indexed collection (SPEC_FULL.md §5.7 read dispatch
// table, §7 "Persisted state layout: account.registries.{sparks,
// humans)").
const (
	sparksRegistryKey = "sparks"
	humansRegistryKey = "humans"
)

func isAccountRegistryKey(schemaKey string) bool {
	return schemaKey == sparksRegistryKey || schemaKey == humansRegistryKey
}

// Read dispatches on the request shape: CoID set -> readSingleCoValue;
// SchemaKey equal to the designated "sparks"/"humans" registry key ->
// readAccountRegistry; SchemaKey set otherwise -> readCollection;
// neither -> readAll.
func (e *Engine) Read(ctx context.Context, req ReadRequest) *reactive.Store[ReadResult] {
	opts := req.Options.withDefaults()
	switch {
	case req.CoID != "":
		return e.readSingleCoValue(ctx, req.CoID, opts)
	case isAccountRegistryKey(req.SchemaKey):
		return e.readAccountRegistry(ctx, req.SchemaKey, req.Filter, opts)
	case req.SchemaKey != "":
		return e.readCollection(ctx, req.SchemaKey, req.Filter, opts)
	default:
		return e.readAll(ctx, opts)
	}
}

// accountRegistrySchemaKey namespaces a registry key ("sparks"/"humans")
// into the schema key readCollection resolves through the ordinary
// SchemaResolver/IndexManager pipeline. The account registries' own
// storage layout is persisted state this core consumes, not defines
// (SPEC_FULL.md §7); reusing readCollection's resolve-then-index-list
// machinery under a namespaced key is how that consumption is wired
// without inventing a second lookup path.
func accountRegistrySchemaKey(registryKey string) string {
	return "account.registries." + registryKey
}

// readAccountRegistry implements the "sparks"/"humans" branch of
// read()'s dispatch table (SPEC_FULL.md §5.7, §7).
func (e *Engine) readAccountRegistry(ctx context.Context, registryKey string, filter map[string]any, opts ReadOptions) *reactive.Store[ReadResult] {
	return e.readCollection(ctx, accountRegistrySchemaKey(registryKey), filter, opts)
}

// processCoValueData extracts handle, optionally deep-resolves, and
// applies a map transform, composing the three per SPEC_FULL.md
// §5.7 readSingleCoValue ("extract -> progressive deep resolve in
// background -> optional map transform").
func (e *Engine) processCoValueData(ctx context.Context, handle *loader.Handle, opts ReadOptions) map[string]any {
	rec := extractor.Extract(handle.CoValue, extractor.Hint{})
	out := rec.ToMap()

	if opts.DeepResolve {
		rootID := handle.CoValue.ID
		deepOpts := deepresolve.Options{
			MaxDepth: opts.MaxDepth,
			Timeout:  opts.Timeout,
			OnNestedAvailable: func(coid.ID) {
				e.refreshSingleCoValue(ctx, rootID, opts)
			},
		}
		resolved := e.Deep.Resolve(ctx, rec, deepresolve.NewVisitedSet(), deepOpts)
		for k, v := range resolved {
			out[k] = v
		}
	}

	if opts.Map != nil {
		out = maptransform.Transform(ctx, out, opts.Map, nil, mapLoaderAdapter{e}, binLoaderAdapter{e})
	}

	return out
}

// refreshSingleCoValue recomputes and republishes id's ReadResult. It is
// the callback DeepResolver fires once a nested reference that wasn't
// resident during the original processCoValueData pass becomes
// available, so the store updates progressively instead of that pass
// ever blocking on it (SPEC_FULL.md §5.5).
func (e *Engine) refreshSingleCoValue(ctx context.Context, id coid.ID, opts ReadOptions) {
	cv, ok := e.Peer.Get(ctx, id)
	if !ok || !cv.Available() {
		return
	}
	optsK := optsKey(nil, opts)
	data := e.processCoValueData(ctx, &loader.Handle{CoValue: cv}, opts)
	e.Cache.SetResolvedData(id, optsK, data)
	store := reactive.GetOrCreateStore(e.Cache, reactive.SubscriptionKey(id), func() *reactive.Store[ReadResult] {
		return reactive.NewStore(ReadResult{Data: data})
	})
	e.emitProcessed(ctx, store, data, opts)
}

// containsQueryObject reports whether any top-level field of data is a
// query object (SPEC_FULL.md §5.7 "Query object detection").
func containsQueryObject(data map[string]any) bool {
	for _, v := range data {
		if isQueryObject(v) {
			return true
		}
	}
	return false
}

// emitProcessed publishes data on store, unless data carries a query
// object field, in which case a unified store merges the record with
// its resolved query results and store instead mirrors that merge's
// emissions (SPEC_FULL.md §5.7 readSingleCoValue, §5.7.x unified store).
func (e *Engine) emitProcessed(ctx context.Context, store *reactive.Store[ReadResult], data map[string]any, opts ReadOptions) {
	if !containsQueryObject(data) {
		result := ReadResult{Data: data}
		store.Set(result)
		if opts.OnChange != nil {
			opts.OnChange(result)
		}
		return
	}

	unified := e.NewUnifiedStore(ctx, data, opts)
	unified.Store().Subscribe(func(r ReadResult) {
		store.Set(r)
		if opts.OnChange != nil {
			opts.OnChange(r)
		}
	})
	store.Set(unified.Store().Value())
}

// readSingleCoValue implements SPEC_FULL.md §5.7 readSingleCoValue.
func (e *Engine) readSingleCoValue(ctx context.Context, id coid.ID, opts ReadOptions) *reactive.Store[ReadResult] {
	optsK := optsKey(nil, opts)

	if cached, ok := e.Cache.GetResolvedData(id, optsK); ok {
		store := reactive.GetOrCreateStore(e.Cache, reactive.SubscriptionKey(id), func() *reactive.Store[ReadResult] {
			return reactive.NewStore(ReadResult{Data: cached})
		})
		e.wireSingleSubscription(ctx, id, opts, optsK)
		return store
	}

	store := reactive.GetOrCreateStore(e.Cache, reactive.SubscriptionKey(id), func() *reactive.Store[ReadResult] {
		return reactive.NewStore(ReadResult{Loading: true})
	})
	e.wireSingleSubscription(ctx, id, opts, optsK)

	go func() {
		handle, err := e.Loader.Ensure(ctx, id, loader.Options{Timeout: opts.Timeout})
		if err != nil {
			store.Set(ReadResult{Error: err})
			return
		}
		data := e.processCoValueData(ctx, handle, opts)
		e.Cache.SetResolvedData(id, optsK, data)
		e.emitProcessed(ctx, store, data, opts)
	}()

	return store
}

// wireSingleSubscription installs the Peer-level subscription that
// re-runs processCoValueData (and invalidates the memoized entry)
// whenever the underlying co-value changes, keeping the store live for
// the remainder of the process (SPEC_FULL.md §5.7).
func (e *Engine) wireSingleSubscription(ctx context.Context, id coid.ID, opts ReadOptions, optsK string) {
	subKey := reactive.SubscriptionKey(id)

	onceVal := e.Cache.GetOrCreate("wired:"+subKey, func() any { return &sync.Once{} })
	once := onceVal.(*sync.Once)

	once.Do(func() {
		e.wireSingleSubscriptionOnce(ctx, id, opts, optsK, subKey)
	})
}

func (e *Engine) wireSingleSubscriptionOnce(ctx context.Context, id coid.ID, opts ReadOptions, optsK string, subKey string) {
	e.Peer.Subscribe(id, func(cv *covalue.CoValue) {
		if !cv.Available() {
			return
		}
		e.Cache.InvalidateResolvedData(id)
		handle := &loader.Handle{CoValue: cv}
		data := e.processCoValueData(ctx, handle, opts)
		e.Cache.SetResolvedData(id, optsK, data)
		store := reactive.GetOrCreateStore(e.Cache, subKey, func() *reactive.Store[ReadResult] {
			return reactive.NewStore(ReadResult{Data: data})
		})
		e.emitProcessed(ctx, store, data, opts)
	})
}

// readCollection implements SPEC_FULL.md §5.7 readCollection.
func (e *Engine) readCollection(ctx context.Context, schemaKey string, filter map[string]any, opts ReadOptions) *reactive.Store[ReadResult] {
	cacheKey := reactive.StoreKey(schemaKey, optsKey(filter, ReadOptions{}), optsKey(nil, opts))

	store := reactive.GetOrCreateStore(e.Cache, cacheKey, func() *reactive.Store[ReadResult] {
		return reactive.NewStore(ReadResult{Loading: true})
	})

	go e.populateCollection(ctx, schemaKey, filter, opts, store)

	return store
}

func (e *Engine) populateCollection(ctx context.Context, schemaKey string, filter map[string]any, opts ReadOptions, store *reactive.Store[ReadResult]) {
	schemaID, ok := e.Index.ResolveSchema(ctx, schemaKey)
	if !ok {
		store.Set(ReadResult{Error: covalue.NewError(covalue.KindSchemaUnresolved, schemaKey, nil)})
		return
	}
	listID, ok := e.Index.IndexListFor(ctx, schemaID)
	if !ok {
		store.Set(ReadResult{Data: []any{}})
		return
	}

	emit := func() {
		listCV, ok := e.Peer.Get(ctx, listID)
		if !ok {
			store.Set(ReadResult{Data: []any{}})
			return
		}
		ids := itemIDs(listCV.Items)
		ids = index.Dedup(ids)

		var mu sync.Mutex
		results := make([]map[string]any, 0, len(ids))
		g, gctx := errgroup.WithContext(ctx)

		for _, id := range ids {
			id := id
			g.Go(func() error {
				handle, err := e.Loader.Ensure(gctx, id, loader.Options{Timeout: opts.Timeout})
				if err != nil {
					return nil // item not yet available: skip, it'll arrive via its own subscription
				}
				optsK := optsKey(nil, opts)
				itemOpts := opts
				if itemOpts.Map != nil {
					itemOpts.DeepResolve = false
				}
				data, err := e.Cache.GetOrCreateResolvedData(gctx, id, optsK, func(ctx context.Context) (any, error) {
					return e.processCoValueData(ctx, handle, itemOpts), nil
				})
				if err != nil {
					return nil
				}
				fields, _ := data.(map[string]any)
				if isEmptyComapSkeleton(fields) {
					return nil
				}
				if !matchesFilter(fields, filter) {
					return nil
				}
				mu.Lock()
				results = append(results, fields)
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		out := make([]any, len(results))
		for i, r := range results {
			out[i] = r
		}
		store.Set(ReadResult{Data: out})
	}

	emit()
	e.Peer.Subscribe(listID, func(*covalue.CoValue) { emit() })
}

// readAll implements SPEC_FULL.md §5.7 readAll.
func (e *Engine) readAll(ctx context.Context, opts ReadOptions) *reactive.Store[ReadResult] {
	cacheKey := fmt.Sprintf("store:all:%s", optsKey(nil, opts))
	store := reactive.GetOrCreateStore(e.Cache, cacheKey, func() *reactive.Store[ReadResult] {
		return reactive.NewStore(ReadResult{Loading: true})
	})

	go func() {
		ids := e.Peer.AllIDs(ctx)
		var mu sync.Mutex
		results := make([]map[string]any, 0, len(ids))
		g, gctx := errgroup.WithContext(ctx)

		for _, id := range ids {
			id := id
			e.Peer.Subscribe(id, func(*covalue.CoValue) {})
			g.Go(func() error {
				handle, err := e.Loader.Ensure(gctx, id, loader.Options{Timeout: opts.Timeout})
				if err != nil {
					return nil
				}
				data := e.processCoValueData(gctx, handle, opts)
				if isEmptyComapSkeleton(data) {
					return nil
				}
				mu.Lock()
				results = append(results, data)
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		out := make([]any, len(results))
		for i, r := range results {
			out[i] = r
		}
		store.Set(ReadResult{Data: out})
	}()

	return store
}

func itemIDs(items []any) []coid.ID {
	out := make([]coid.ID, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			if id, ok := coid.Parse(s); ok {
				out = append(out, id)
			}
		}
	}
	return out
}
